// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package postgres implements the store.Store port against a
// CockroachDB/Postgres-compatible backend over pgx, the same driver
// cdc-sink's staging tier uses. Offsets are keyed
// (projection_name, slice, pid), matching spec.md section 6.
package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cockroachdb/projoffset/internal/offsetstate"
	"github.com/cockroachdb/projoffset/internal/store"
	"github.com/cockroachdb/projoffset/internal/types"
)

// schema is declared here for ease of reference, though it's actually
// created by ensureSchema. The expires_at column backs the
// per-projection TTL described in spec.md section 4.4; a backend-level
// TTL sweep (a scheduled job, outside this module) is expected to
// delete rows past their deadline.
const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
  projection_name STRING     NOT NULL,
  slice           INT        NOT NULL,
  pid             STRING     NOT NULL,
  seq_nr          INT        NOT NULL,
  commit_time     TIMESTAMPTZ NOT NULL,
  expires_at      TIMESTAMPTZ,
  PRIMARY KEY (projection_name, slice, pid)
)`

const managementSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
  projection_name STRING PRIMARY KEY,
  paused          BOOL   NOT NULL DEFAULT false
)`

// Store implements store.Store.
type Store struct {
	pool           *pgxpool.Pool
	offsetTable    string
	managementTable string
	ttl            func(projection string) time.Duration
}

var _ store.Store = (*Store)(nil)

// Option configures a Store at construction time.
type Option func(*Store)

// WithTTL sets a function that returns the configured offset TTL for
// a given projection name, used to compute expires_at on writes. A
// zero duration disables TTL for that projection.
func WithTTL(fn func(projection string) time.Duration) Option {
	return func(s *Store) { s.ttl = fn }
}

// New constructs a Store backed by pool, using offsetTable and
// managementTable as the fully-qualified table names.
func New(ctx context.Context, pool *pgxpool.Pool, offsetTable, managementTable string, opts ...Option) (*Store, error) {
	s := &Store{
		pool:            pool,
		offsetTable:     offsetTable,
		managementTable: managementTable,
		ttl:             func(string) time.Duration { return 0 },
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schema, s.offsetTable)); err != nil {
		return errors.Wrap(err, "could not create offset table")
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(managementSchema, s.managementTable)); err != nil {
		return errors.Wrap(err, "could not create management table")
	}
	return nil
}

const selectSliceMaxTemplate = `
SELECT max(commit_time) FROM %[1]s WHERE projection_name=$1 AND slice=$2`

const selectSliceRecordsTemplate = `
SELECT pid, seq_nr, commit_time FROM %[1]s
WHERE projection_name=$1 AND slice=$2 AND commit_time >= $3`

// LoadOffsets implements store.Store.
func (s *Store) LoadOffsets(
	ctx context.Context, projection string, minSlice, maxSlice int, timeWindow time.Duration, parallelism int,
) (*offsetstate.State, error) {
	if parallelism <= 0 {
		parallelism = 1
	}

	state := offsetstate.Empty()
	var mu stateMutex

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)

	for slice := minSlice; slice <= maxSlice; slice++ {
		slice := slice
		group.Go(func() error {
			recs, err := s.loadSlice(ctx, projection, uint16(slice), timeWindow)
			if err != nil {
				return errors.Wrapf(err, "loading slice %d", slice)
			}
			mu.withLock(func() {
				state.Add(recs...)
			})
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) loadSlice(ctx context.Context, projection string, slice uint16, timeWindow time.Duration) ([]types.Record, error) {
	var maxTime *time.Time
	if err := s.pool.QueryRow(ctx,
		fmt.Sprintf(selectSliceMaxTemplate, s.offsetTable), projection, slice,
	).Scan(&maxTime); err != nil {
		return nil, errors.WithStack(err)
	}
	if maxTime == nil {
		return nil, nil
	}
	cutoff := maxTime.Add(-timeWindow)

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(selectSliceRecordsTemplate, s.offsetTable), projection, slice, cutoff)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var pid string
		var seqNr int64
		var ts time.Time
		if err := rows.Scan(&pid, &seqNr, &ts); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, types.Record{Slice: slice, PID: pid, SeqNr: uint64(seqNr), Time: ts})
	}
	return out, rows.Err()
}

const upsertOffsetTemplate = `
UPSERT INTO %[1]s (projection_name, slice, pid, seq_nr, commit_time, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// SaveOffset implements store.Store.
func (s *Store) SaveOffset(ctx context.Context, projection string, rec store.OffsetRecord) error {
	return s.saveOffsetsTx(ctx, s.pool, projection, []store.OffsetRecord{rec})
}

// SaveOffsets implements store.Store, chunking recs into groups of
// batchSize so that each chunk commits atomically while tolerating
// partial progress across chunks on a transient failure (retried by
// the caller, per spec.md section 4.4).
func (s *Store) SaveOffsets(ctx context.Context, projection string, recs []store.OffsetRecord, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 20
	}
	for start := 0; start < len(recs); start += batchSize {
		end := start + batchSize
		if end > len(recs) {
			end = len(recs)
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if err := s.saveOffsetsTx(ctx, tx, projection, recs[start:end]); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// execer is implemented by *pgxpool.Pool and pgx.Tx, letting
// saveOffsetsTx run either standalone or inside a caller's
// transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) saveOffsetsTx(ctx context.Context, q execer, projection string, recs []store.OffsetRecord) error {
	ttl := s.ttl(projection)
	for _, rec := range recs {
		var expiresAt *time.Time
		if ttl > 0 {
			t := rec.Time.Add(ttl)
			expiresAt = &t
		}
		if rec.ExpiresAt != nil {
			expiresAt = rec.ExpiresAt
		}
		if _, err := q.Exec(ctx, fmt.Sprintf(upsertOffsetTemplate, s.offsetTable),
			projection, rec.Slice, rec.PID, rec.SeqNr, rec.Time, expiresAt,
		); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// TransactSaveOffset implements store.Store.
func (s *Store) TransactSaveOffset(ctx context.Context, projection string, writes []types.WriteItem, rec store.OffsetRecord) error {
	return s.TransactSaveOffsets(ctx, projection, writes, []store.OffsetRecord{rec})
}

// TransactSaveOffsets implements store.Store. Each caller-supplied
// WriteItem must be a func(context.Context, pgx.Tx) error; it is run
// inside the same transaction as the offset rows, before they are
// written, so that the whole batch fails atomically on any conflict.
// A WriteItem of any other type fails the batch.
func (s *Store) TransactSaveOffsets(ctx context.Context, projection string, writes []types.WriteItem, recs []store.OffsetRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, w := range writes {
		fn, ok := w.(func(context.Context, pgx.Tx) error)
		if !ok {
			return errors.Errorf("write item of type %T is not executable against this backend", w)
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
	}

	if err := s.saveOffsetsTx(ctx, tx, projection, recs); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.WithStack(err)
	}
	log.WithFields(log.Fields{"projection": projection, "records": len(recs)}).Trace("committed transactional offset batch")
	return nil
}

const readManagementTemplate = `SELECT paused FROM %[1]s WHERE projection_name=$1`
const upsertManagementTemplate = `UPSERT INTO %[1]s (projection_name, paused) VALUES ($1, $2)`

// ReadManagementState implements store.Store.
func (s *Store) ReadManagementState(ctx context.Context, projection string) (store.ManagementState, error) {
	var paused bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(readManagementTemplate, s.managementTable), projection).Scan(&paused)
	switch {
	case err == nil:
		return store.ManagementState{Paused: paused}, nil
	case errors.Is(err, pgx.ErrNoRows):
		return store.ManagementState{}, nil
	default:
		return store.ManagementState{}, errors.WithStack(err)
	}
}

// SavePaused implements store.Store.
func (s *Store) SavePaused(ctx context.Context, projection string, paused bool) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(upsertManagementTemplate, s.managementTable), projection, paused)
	return errors.WithStack(err)
}

const clearOffsetTemplate = `DELETE FROM %[1]s WHERE projection_name=$1 AND slice=$2`

// ManagementSetOffset implements store.Store.
func (s *Store) ManagementSetOffset(ctx context.Context, projection string, slice uint16, offset *types.TimestampOffset) error {
	if offset == nil {
		return s.ManagementClearOffset(ctx, projection, slice)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(clearOffsetTemplate, s.offsetTable), projection, slice); err != nil {
		return errors.WithStack(err)
	}
	recs := make([]store.OffsetRecord, 0, len(offset.Seen))
	for pid, seqNr := range offset.Seen {
		recs = append(recs, store.OffsetRecord{Slice: slice, PID: pid, SeqNr: seqNr, Time: offset.Timestamp})
	}
	return s.SaveOffsets(ctx, projection, recs, len(recs)+1)
}

// ManagementClearOffset implements store.Store.
func (s *Store) ManagementClearOffset(ctx context.Context, projection string, slice uint16) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(clearOffsetTemplate, s.offsetTable), projection, slice)
	return errors.WithStack(err)
}

// stateMutex serializes State.Add calls from the parallel goroutines
// LoadOffsets fans out across slices; offsetstate.State itself assumes
// a single owner and takes no lock of its own.
type stateMutex struct{ mu sync.Mutex }

func (s *stateMutex) withLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}
