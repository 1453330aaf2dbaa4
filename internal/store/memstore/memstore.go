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

// Package memstore is an in-memory store.Store, standing in for a
// database in unit tests the way cdc-sink's sinktest fixtures stand in
// for CockroachDB.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cockroachdb/projoffset/internal/offsetstate"
	"github.com/cockroachdb/projoffset/internal/store"
	"github.com/cockroachdb/projoffset/internal/types"
)

type key struct {
	projection string
	slice      uint16
	pid        string
}

// Store is a goroutine-safe, in-memory implementation of store.Store.
type Store struct {
	mu         sync.Mutex
	records    map[key]store.OffsetRecord
	management map[string]store.ManagementState

	// FailNextSave, if set, makes the next SaveOffset(s) call return
	// this error instead of succeeding, for exercising
	// OffsetCommitFailure recovery paths.
	FailNextSave error
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		records:    make(map[key]store.OffsetRecord),
		management: make(map[string]store.ManagementState),
	}
}

// LoadOffsets implements store.Store.
func (s *Store) LoadOffsets(_ context.Context, projection string, minSlice, maxSlice int, timeWindow time.Duration, _ int) (*offsetstate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: find each slice's latest timestamp.
	latest := make(map[uint16]time.Time)
	for k, rec := range s.records {
		if k.projection != projection || int(k.slice) < minSlice || int(k.slice) > maxSlice {
			continue
		}
		if rec.Time.After(latest[k.slice]) {
			latest[k.slice] = rec.Time
		}
	}

	state := offsetstate.Empty()
	for k, rec := range s.records {
		if k.projection != projection || int(k.slice) < minSlice || int(k.slice) > maxSlice {
			continue
		}
		if rec.Time.Before(latest[k.slice].Add(-timeWindow)) {
			continue
		}
		state.Add(types.Record{Slice: k.slice, PID: k.pid, SeqNr: rec.SeqNr, Time: rec.Time})
	}
	return state, nil
}

// SaveOffset implements store.Store.
func (s *Store) SaveOffset(ctx context.Context, projection string, rec store.OffsetRecord) error {
	return s.SaveOffsets(ctx, projection, []store.OffsetRecord{rec}, 1)
}

// SaveOffsets implements store.Store.
func (s *Store) SaveOffsets(_ context.Context, projection string, recs []store.OffsetRecord, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNextSave != nil {
		err := s.FailNextSave
		s.FailNextSave = nil
		return err
	}

	for _, rec := range recs {
		s.records[key{projection, rec.Slice, rec.PID}] = rec
	}
	return nil
}

// TransactSaveOffset implements store.Store.
func (s *Store) TransactSaveOffset(ctx context.Context, projection string, writes []types.WriteItem, rec store.OffsetRecord) error {
	return s.TransactSaveOffsets(ctx, projection, writes, []store.OffsetRecord{rec})
}

// TransactSaveOffsets implements store.Store. WriteItems are applied
// by invoking any func() error found among them; this is sufficient
// to exercise the "write payload commits iff the offset does" property
// (P7) in tests without a real transactional target store.
func (s *Store) TransactSaveOffsets(ctx context.Context, projection string, writes []types.WriteItem, recs []store.OffsetRecord) error {
	s.mu.Lock()
	if s.FailNextSave != nil {
		err := s.FailNextSave
		s.FailNextSave = nil
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	for _, w := range writes {
		if fn, ok := w.(func() error); ok {
			if err := fn(); err != nil {
				return errors.Wrap(err, "write item failed")
			}
		}
	}
	return s.SaveOffsets(ctx, projection, recs, len(recs)+1)
}

// ReadManagementState implements store.Store.
func (s *Store) ReadManagementState(_ context.Context, projection string) (store.ManagementState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.management[projection], nil
}

// SavePaused implements store.Store.
func (s *Store) SavePaused(_ context.Context, projection string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.management[projection]
	st.Paused = paused
	s.management[projection] = st
	return nil
}

// ManagementSetOffset implements store.Store.
func (s *Store) ManagementSetOffset(ctx context.Context, projection string, slice uint16, offset *types.TimestampOffset) error {
	if offset == nil {
		return s.ManagementClearOffset(ctx, projection, slice)
	}
	if err := s.ManagementClearOffset(ctx, projection, slice); err != nil {
		return err
	}
	recs := make([]store.OffsetRecord, 0, len(offset.Seen))
	for pid, seqNr := range offset.Seen {
		recs = append(recs, store.OffsetRecord{Slice: slice, PID: pid, SeqNr: seqNr, Time: offset.Timestamp})
	}
	return s.SaveOffsets(ctx, projection, recs, len(recs)+1)
}

// ManagementClearOffset implements store.Store.
func (s *Store) ManagementClearOffset(_ context.Context, projection string, slice uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.records {
		if k.projection == projection && k.slice == slice {
			delete(s.records, k)
		}
	}
	return nil
}
