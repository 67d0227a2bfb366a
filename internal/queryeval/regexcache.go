// Package queryeval implements the three-tier query evaluator: a
// timestamp-range pre-filter over the AST, a property-summary pre-filter,
// and a full per-entry evaluator, all sharing one process-wide
// compiled-regex cache.
package queryeval

import (
	"regexp"
	"time"

	"github.com/puppycorp/puppylog/pkg/lrucache"
)

// regexCacheBytes bounds the compiled-regex cache's `size` units, which
// CachedRegexp reports as 1 per pattern — an unbounded count of distinct
// query patterns is not realistic, so this is a generous cap rather than a
// byte budget.
const regexCacheBytes = 4096

// regexCacheTTL is deliberately long: a compiled pattern never changes
// meaning, so re-compiling it on expiry would only cost CPU for no
// benefit. lrucache.Get treats a zero TTL as already-expired on the very
// next access, so a real duration is required for entries to actually
// survive between calls.
const regexCacheTTL = 24 * time.Hour

var regexCache = lrucache.New[*regexp.Regexp](regexCacheBytes)

// CachedRegexp compiles pattern, or returns the already-compiled *Regexp
// from the process-wide cache, reusing pkg/lrucache rather than a second
// bespoke cache.
func CachedRegexp(pattern string) (*regexp.Regexp, error) {
	var compileErr error
	v := regexCache.Get(pattern, func() (*regexp.Regexp, time.Duration, int) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			compileErr = err
			return nil, 0, 1
		}
		return re, regexCacheTTL, 1
	})
	if compileErr != nil {
		return nil, compileErr
	}
	return v, nil
}
