// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSegment(deviceID string, first, last int64) *Segment {
	return &Segment{
		ID:             uuid.NewString(),
		DeviceID:       deviceID,
		FirstTimestamp: first,
		LastTimestamp:  last,
		LogsCount:      10,
		OriginalSize:   1024,
		CompressedSize: 256,
		CreatedAt:      1000,
	}
}

func TestSegmentRepositoryNewSegmentAndFind(t *testing.T) {
	r := GetSegmentRepository()

	orphan := newTestSegment("", 100, 200)
	require.NoError(t, r.NewSegment(orphan))

	devA := newTestSegment("devA", 300, 400)
	require.NoError(t, r.NewSegment(devA))

	got, err := r.FindSegments(SegmentQuery{DeviceIDs: []string{"devA"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, devA.ID, got[0].ID)

	orphans, err := r.FindSegments(SegmentQuery{OrphanOnly: true})
	require.NoError(t, err)
	found := false
	for _, s := range orphans {
		if s.ID == orphan.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSegmentRepositoryFindSegmentsOrdering(t *testing.T) {
	r := GetSegmentRepository()

	s1 := newTestSegment("devOrder", 1000, 1100)
	s2 := newTestSegment("devOrder", 2000, 2100)
	s3 := newTestSegment("devOrder", 3000, 3100)
	require.NoError(t, r.NewSegment(s1))
	require.NoError(t, r.NewSegment(s2))
	require.NoError(t, r.NewSegment(s3))

	desc, err := r.FindSegments(SegmentQuery{DeviceIDs: []string{"devOrder"}})
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, s3.ID, desc[0].ID)
	assert.Equal(t, s1.ID, desc[2].ID)

	asc, err := r.FindSegments(SegmentQuery{DeviceIDs: []string{"devOrder"}, Ascending: true})
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, s1.ID, asc[0].ID)
	assert.Equal(t, s3.ID, asc[2].ID)

	limited, err := r.FindSegments(SegmentQuery{DeviceIDs: []string{"devOrder"}, Count: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, s3.ID, limited[0].ID)
}

func TestSegmentRepositoryPrevSegmentEnd(t *testing.T) {
	r := GetSegmentRepository()

	dev := "devPrev"
	require.NoError(t, r.NewSegment(newTestSegment(dev, 10000, 10500)))
	require.NoError(t, r.NewSegment(newTestSegment(dev, 11000, 11500)))

	prev, ok, err := r.PrevSegmentEnd(11000, []string{dev})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10500), prev)

	_, ok, err = r.PrevSegmentEnd(10000, []string{dev})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSegmentRepositorySegmentExistsAt(t *testing.T) {
	r := GetSegmentRepository()

	dev := "devExists"
	require.NoError(t, r.NewSegment(newTestSegment(dev, 20000, 20500)))

	ok, err := r.SegmentExistsAt(20250, []string{dev})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.SegmentExistsAt(19999, []string{dev})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSegmentRepositoryPropsAndDelete(t *testing.T) {
	r := GetSegmentRepository()

	seg := newTestSegment("devProps", 30000, 30500)
	require.NoError(t, r.NewSegment(seg))
	require.NoError(t, r.UpsertSegmentProps(seg.ID, []SegmentProp{
		{SegmentID: seg.ID, Key: "level", Value: "info"},
		{SegmentID: seg.ID, Key: "level", Value: "error"},
		{SegmentID: seg.ID, Key: "level", Value: "info"},
	}))

	props, err := r.SegmentProps(seg.ID)
	require.NoError(t, err)
	assert.Len(t, props, 2)

	require.NoError(t, r.DeleteSegment(seg.ID))

	props, err = r.SegmentProps(seg.ID)
	require.NoError(t, err)
	assert.Empty(t, props)
}
