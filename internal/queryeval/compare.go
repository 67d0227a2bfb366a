package queryeval

import (
	"strconv"
	"strings"

	"github.com/puppycorp/puppylog/internal/querylang"
)

// magicCmp applies op to an already-ordered pair: one generic comparator
// shared by every field/value kind rather than one switch per type.
func magicCmp[T int | int64 | uint32 | string](left, right T, op querylang.Operator) (bool, bool) {
	switch op {
	case querylang.OpEqual:
		return left == right, true
	case querylang.OpNotEqual:
		return left != right, true
	case querylang.OpGreaterThan:
		return left > right, true
	case querylang.OpGreaterThanOrEqual:
		return left >= right, true
	case querylang.OpLessThan:
		return left < right, true
	case querylang.OpLessThanOrEqual:
		return left <= right, true
	default:
		return false, false
	}
}

// parseSemver splits "major.minor.patch" into a comparable tuple, stripping
// a trailing "-pre"/"+build" suffix from the minor and patch components
// before parsing. Returns ok=false if major is missing or any present
// component fails to parse as a non-negative integer.
func parseSemver(v string) (major, minor, patch int64, ok bool) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) == 0 || parts[0] == "" {
		return 0, 0, 0, false
	}
	var err error
	if major, err = strconv.ParseInt(parts[0], 10, 64); err != nil || major < 0 {
		return 0, 0, 0, false
	}
	if len(parts) >= 2 {
		if minor, err = strconv.ParseInt(stripSuffix(parts[1]), 10, 64); err != nil {
			return 0, 0, 0, false
		}
	}
	if len(parts) >= 3 {
		if patch, err = strconv.ParseInt(stripSuffix(parts[2]), 10, 64); err != nil {
			return 0, 0, 0, false
		}
	}
	return major, minor, patch, true
}

func stripSuffix(s string) string {
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		return s[:i]
	}
	return s
}

// semverCmp compares left and right as semver triples, returning ok=false
// if either side fails to parse or op is not an ordering/equality operator.
func semverCmp(left, right string, op querylang.Operator) (result bool, ok bool) {
	lMaj, lMin, lPat, ok1 := parseSemver(left)
	rMaj, rMin, rPat, ok2 := parseSemver(right)
	if !ok1 || !ok2 {
		return false, false
	}
	cmp := func() int {
		if lMaj != rMaj {
			return int(lMaj - rMaj)
		}
		if lMin != rMin {
			return int(lMin - rMin)
		}
		return int(lPat - rPat)
	}()
	switch op {
	case querylang.OpEqual:
		return cmp == 0, true
	case querylang.OpNotEqual:
		return cmp != 0, true
	case querylang.OpGreaterThan:
		return cmp > 0, true
	case querylang.OpGreaterThanOrEqual:
		return cmp >= 0, true
	case querylang.OpLessThan:
		return cmp < 0, true
	case querylang.OpLessThanOrEqual:
		return cmp <= 0, true
	default:
		return false, false
	}
}

// cmpSemverOrString tries a semver-tuple comparison first; when either side
// isn't a valid semver triple it falls back to lexicographic string
// comparison.
func cmpSemverOrString(left, right string, op querylang.Operator) bool {
	if r, ok := semverCmp(left, right, op); ok {
		return r
	}
	r, _ := magicCmp(left, right, op)
	return r
}
