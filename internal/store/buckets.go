// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

var (
	bucketRepoOnce     sync.Once
	bucketRepoInstance *BucketRepository
)

// Bucket is a named saved query with a bounded FIFO of recent matches.
type Bucket struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Query     string `db:"query"`
	CreatedAt int64  `db:"created_at"`
}

// BucketLog is one matching entry recorded into a bucket's FIFO.
type BucketLog struct {
	BucketID string `db:"bucket_id"`
	Seq      int64  `db:"seq"`
	EntryID  string `db:"entry_id"`
	Payload  []byte `db:"payload"`
}

var bucketColumns = []string{"id", "name", "query", "created_at"}

// BucketRepository owns the buckets and bucket_logs tables.
type BucketRepository struct {
	DB *sqlx.DB

	stmtCache *sq.StmtCache
}

// GetBucketRepository returns the process-wide bucket repository.
func GetBucketRepository() *BucketRepository {
	bucketRepoOnce.Do(func() {
		db := GetConnection()
		bucketRepoInstance = &BucketRepository{
			DB:        db.DB,
			stmtCache: sq.NewStmtCache(db.DB),
		}
	})

	return bucketRepoInstance
}

func scanBucket(row interface{ Scan(...interface{}) error }) (*Bucket, error) {
	b := &Bucket{}
	if err := row.Scan(&b.ID, &b.Name, &b.Query, &b.CreatedAt); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateBucket inserts a new saved query.
func (r *BucketRepository) CreateBucket(b *Bucket) error {
	_, err := sq.Insert("buckets").
		Columns(bucketColumns...).
		Values(b.ID, b.Name, b.Query, b.CreatedAt).
		RunWith(r.stmtCache).
		Exec()
	if err != nil {
		return fmt.Errorf("store: create bucket %s: %w", b.Name, err)
	}

	return nil
}

// GetBucket returns the bucket row for id, or sql.ErrNoRows.
func (r *BucketRepository) GetBucket(id string) (*Bucket, error) {
	q := sq.Select(bucketColumns...).From("buckets").Where(sq.Eq{"id": id})
	return scanBucket(q.RunWith(r.stmtCache).QueryRow())
}

// ListBuckets returns every saved query, ordered by name.
func (r *BucketRepository) ListBuckets() ([]*Bucket, error) {
	rows, err := sq.Select(bucketColumns...).From("buckets").OrderBy("name").RunWith(r.stmtCache).Query()
	if err != nil {
		return nil, fmt.Errorf("store: list buckets: %w", err)
	}
	defer rows.Close()

	buckets := make([]*Bucket, 0, 8)
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}

	return buckets, rows.Err()
}

// DeleteBucket removes a saved query; its logs cascade via the foreign key.
func (r *BucketRepository) DeleteBucket(id string) error {
	_, err := sq.Delete("buckets").Where(sq.Eq{"id": id}).RunWith(r.stmtCache).Exec()
	if err != nil {
		return fmt.Errorf("store: delete bucket %s: %w", id, err)
	}

	return nil
}

// AppendBucketLog records entryID/payload as the newest match for bucketID
// and trims the FIFO down to the configured BucketLogLimit, dropping the
// oldest entries first. Matches are deduplicated by entry id, not position,
// so re-publishing the same entry to a bucket twice is a no-op.
func (r *BucketRepository) AppendBucketLog(bucketID string, entryID string, payload []byte) error {
	tx, err := r.DB.Beginx()
	if err != nil {
		return fmt.Errorf("store: begin bucket log tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.Get(&exists, `SELECT 1 FROM bucket_logs WHERE bucket_id = ? AND entry_id = ? LIMIT 1`, bucketID, entryID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store: check bucket log dedup: %w", err)
	}
	if exists == 1 {
		return tx.Commit()
	}

	var maxSeq sql.NullInt64
	if err := tx.Get(&maxSeq, `SELECT MAX(seq) FROM bucket_logs WHERE bucket_id = ?`, bucketID); err != nil {
		return fmt.Errorf("store: read bucket log seq: %w", err)
	}
	nextSeq := maxSeq.Int64 + 1

	if _, err := tx.Exec(
		`INSERT INTO bucket_logs (bucket_id, seq, entry_id, payload) VALUES (?, ?, ?, ?)`,
		bucketID, nextSeq, entryID, payload,
	); err != nil {
		return fmt.Errorf("store: insert bucket log: %w", err)
	}

	limit := GetConfig().BucketLogLimit
	if _, err := tx.Exec(
		`DELETE FROM bucket_logs WHERE bucket_id = ? AND seq <= ?`,
		bucketID, nextSeq-int64(limit),
	); err != nil {
		return fmt.Errorf("store: trim bucket log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit bucket log tx: %w", err)
	}

	return nil
}

// BucketLogs returns the bucket's FIFO contents, newest first.
func (r *BucketRepository) BucketLogs(bucketID string) ([]*BucketLog, error) {
	rows, err := sq.Select("bucket_id", "seq", "entry_id", "payload").
		From("bucket_logs").
		Where(sq.Eq{"bucket_id": bucketID}).
		OrderBy("seq DESC").
		RunWith(r.stmtCache).
		Query()
	if err != nil {
		return nil, fmt.Errorf("store: list bucket logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*BucketLog, 0, 32)
	for rows.Next() {
		l := &BucketLog{}
		if err := rows.Scan(&l.BucketID, &l.Seq, &l.EntryID, &l.Payload); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}

	return logs, rows.Err()
}
