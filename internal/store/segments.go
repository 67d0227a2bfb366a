// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/puppycorp/puppylog/pkg/log"
)

var (
	segmentRepoOnce     sync.Once
	segmentRepoInstance *SegmentRepository
)

// Segment is a catalog row describing one sealed, on-disk segment file.
// DeviceID is empty for orphan segments awaiting attribution by the merger.
type Segment struct {
	ID             string `db:"id"`
	DeviceID       string `db:"device_id"`
	FirstTimestamp int64  `db:"first_timestamp"`
	LastTimestamp  int64  `db:"last_timestamp"`
	LogsCount      int64  `db:"logs_count"`
	OriginalSize   int64  `db:"original_size"`
	CompressedSize int64  `db:"compressed_size"`
	CreatedAt      int64  `db:"created_at"`
}

// SegmentProp is one (key, value) pair in a segment's deduplicated property
// summary, used as a Bloom-like pre-filter by the query evaluator.
type SegmentProp struct {
	SegmentID string `db:"segment_id"`
	Key       string `db:"key"`
	Value     string `db:"value"`
}

var segmentColumns = []string{
	"id", "device_id", "first_timestamp", "last_timestamp",
	"logs_count", "original_size", "compressed_size", "created_at",
}

// SegmentRepository owns the log_segments and segment_props catalog tables.
type SegmentRepository struct {
	DB *sqlx.DB

	stmtCache *sq.StmtCache
}

// GetSegmentRepository returns the process-wide segment catalog repository.
func GetSegmentRepository() *SegmentRepository {
	segmentRepoOnce.Do(func() {
		db := GetConnection()
		segmentRepoInstance = &SegmentRepository{
			DB:        db.DB,
			stmtCache: sq.NewStmtCache(db.DB),
		}
	})

	return segmentRepoInstance
}

func scanSegment(row interface{ Scan(...interface{}) error }) (*Segment, error) {
	seg := &Segment{}
	var deviceID sql.NullString
	if err := row.Scan(
		&seg.ID,
		&deviceID,
		&seg.FirstTimestamp,
		&seg.LastTimestamp,
		&seg.LogsCount,
		&seg.OriginalSize,
		&seg.CompressedSize,
		&seg.CreatedAt,
	); err != nil {
		return nil, err
	}
	seg.DeviceID = deviceID.String
	return seg, nil
}

// NewSegment atomically allocates an id and inserts a catalog row for a
// freshly sealed segment. seg.DeviceID may be empty, marking the segment
// orphan until the merger attributes it to a device.
func (r *SegmentRepository) NewSegment(seg *Segment) error {
	var deviceID interface{}
	if seg.DeviceID != "" {
		deviceID = seg.DeviceID
	}

	_, err := sq.Insert("log_segments").
		Columns(segmentColumns...).
		Values(seg.ID, deviceID, seg.FirstTimestamp, seg.LastTimestamp, seg.LogsCount, seg.OriginalSize, seg.CompressedSize, seg.CreatedAt).
		RunWith(r.stmtCache).
		Exec()
	if err != nil {
		return fmt.Errorf("store: insert segment %s: %w", seg.ID, err)
	}

	return nil
}

// UpsertSegmentProps records the deduplicated property set observed in a
// segment. Duplicate (key, value) pairs across calls are silently ignored.
func (r *SegmentRepository) UpsertSegmentProps(segmentID string, props []SegmentProp) error {
	if len(props) == 0 {
		return nil
	}

	tx, err := r.DB.Beginx()
	if err != nil {
		return fmt.Errorf("store: begin segment props tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`INSERT OR IGNORE INTO segment_props (segment_id, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare segment props insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range props {
		if _, err := stmt.Exec(segmentID, p.Key, p.Value); err != nil {
			return fmt.Errorf("store: insert segment prop %s=%s: %w", p.Key, p.Value, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit segment props tx: %w", err)
	}

	return nil
}

// SegmentProps returns the full property summary for a segment.
func (r *SegmentRepository) SegmentProps(segmentID string) ([]SegmentProp, error) {
	rows, err := sq.Select("segment_id", "key", "value").
		From("segment_props").
		Where(sq.Eq{"segment_id": segmentID}).
		RunWith(r.stmtCache).
		Query()
	if err != nil {
		return nil, fmt.Errorf("store: query segment props: %w", err)
	}
	defer rows.Close()

	props := make([]SegmentProp, 0, 16)
	for rows.Next() {
		var p SegmentProp
		if err := rows.Scan(&p.SegmentID, &p.Key, &p.Value); err != nil {
			return nil, err
		}
		props = append(props, p)
	}

	return props, rows.Err()
}

// SegmentQuery filters catalog rows by optional time window and device set,
// capped at Count rows, ordered by first_timestamp (descending by default).
type SegmentQuery struct {
	Start      *int64
	End        *int64
	DeviceIDs  []string
	Count      int
	Ascending  bool
	OrphanOnly bool
}

// FindSegments filters by optional time window, optional device-id set,
// optional count, ascending or descending by first_timestamp (default
// descending, matching the searcher's newest-first walk).
func (r *SegmentRepository) FindSegments(q SegmentQuery) ([]*Segment, error) {
	sel := sq.Select(segmentColumns...).From("log_segments")

	if q.Start != nil {
		sel = sel.Where(sq.GtOrEq{"last_timestamp": *q.Start})
	}
	if q.End != nil {
		sel = sel.Where(sq.LtOrEq{"first_timestamp": *q.End})
	}
	if q.OrphanOnly {
		sel = sel.Where("device_id IS NULL")
	} else if len(q.DeviceIDs) > 0 {
		sel = sel.Where(sq.Eq{"device_id": q.DeviceIDs})
	}

	if q.Ascending {
		sel = sel.OrderBy("first_timestamp ASC")
	} else {
		sel = sel.OrderBy("first_timestamp DESC")
	}
	if q.Count > 0 {
		sel = sel.Limit(uint64(q.Count))
	}

	rows, err := sel.RunWith(r.stmtCache).Query()
	if err != nil {
		return nil, fmt.Errorf("store: find segments: %w", err)
	}
	defer rows.Close()

	segs := make([]*Segment, 0, 16)
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}

	return segs, rows.Err()
}

// PrevSegmentEnd returns the greatest last_timestamp strictly less than
// before among segments matching deviceIDs, enabling efficient backward
// paging through the archive. ok is false when no such segment exists.
func (r *SegmentRepository) PrevSegmentEnd(before int64, deviceIDs []string) (prev int64, ok bool, err error) {
	sel := sq.Select("MAX(last_timestamp)").
		From("log_segments").
		Where(sq.Lt{"last_timestamp": before})

	if len(deviceIDs) > 0 {
		sel = sel.Where(sq.Eq{"device_id": deviceIDs})
	}

	var max sql.NullInt64
	if err := sel.RunWith(r.stmtCache).QueryRow().Scan(&max); err != nil {
		return 0, false, fmt.Errorf("store: prev segment end: %w", err)
	}

	if !max.Valid {
		return 0, false, nil
	}

	return max.Int64, true, nil
}

// SegmentExistsAt reports whether any segment matching deviceIDs covers
// timestamp t within its [first_timestamp, last_timestamp] range.
func (r *SegmentRepository) SegmentExistsAt(t int64, deviceIDs []string) (bool, error) {
	sel := sq.Select("1").
		From("log_segments").
		Where(sq.LtOrEq{"first_timestamp": t}).
		Where(sq.GtOrEq{"last_timestamp": t}).
		Limit(1)

	if len(deviceIDs) > 0 {
		sel = sel.Where(sq.Eq{"device_id": deviceIDs})
	}

	var one int
	err := sel.RunWith(r.stmtCache).QueryRow().Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: segment exists at: %w", err)
	}

	return true, nil
}

// DeleteSegment removes the catalog row and its property summary. Props
// cascade via the foreign key; the caller is responsible for unlinking the
// segment's .log file on disk.
func (r *SegmentRepository) DeleteSegment(id string) error {
	_, err := sq.Delete("log_segments").
		Where(sq.Eq{"id": id}).
		RunWith(r.stmtCache).
		Exec()
	if err != nil {
		return fmt.Errorf("store: delete segment %s: %w", id, err)
	}

	return nil
}

// DeleteSegments removes a batch of catalog rows, at most
// CleanupDeleteCount ids per statement so one cleanup pass can't hold a
// long transaction.
func (r *SegmentRepository) DeleteSegments(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	batch := GetConfig().CleanupDeleteCount
	if batch <= 0 {
		batch = len(ids)
	}
	var n int64
	for start := 0; start < len(ids); start += batch {
		stop := start + batch
		if stop > len(ids) {
			stop = len(ids)
		}
		res, err := sq.Delete("log_segments").
			Where(sq.Eq{"id": ids[start:stop]}).
			RunWith(r.stmtCache).
			Exec()
		if err != nil {
			return fmt.Errorf("store: delete segments: %w", err)
		}
		k, _ := res.RowsAffected()
		n += k
	}

	log.Debugf("store: deleted %d segments (%s)", n, strings.Join(ids, ","))
	return nil
}
