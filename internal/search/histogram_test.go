package search

import (
	"context"
	"testing"
	"time"

	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/querylang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramBucketsByWidth(t *testing.T) {
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	live := &fakeLiveTail{
		acquire: true,
		entries: []*logcodec.LogEntry{
			mkEntry(base, "a"),
			mkEntry(base.Add(10*time.Second), "b"),
			mkEntry(base.Add(70*time.Second), "c"),
			mkEntry(base.Add(75*time.Second), "d"),
		},
	}
	cat := &fakeCatalog{}
	s := New(live, cat, t.TempDir())

	ast, err := querylang.Parse(`msg exists`)
	require.NoError(t, err)

	out := make(chan HistogramBucket, 16)
	err = s.Histogram(context.Background(), ast, time.Minute, out)
	require.NoError(t, err)
	close(out)

	var buckets []HistogramBucket
	for b := range out {
		buckets = append(buckets, b)
	}
	require.Len(t, buckets, 2)
	assert.Equal(t, uint64(2), buckets[0].Count)
	assert.Equal(t, uint64(2), buckets[1].Count)
}
