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

// Package offsetstate holds the in-memory offset-tracking core: the
// per-pid latest record, the per-slice ordered index used for eviction
// and resume-point derivation, and the duplicate/gap-detection queries
// the validator relies on.
//
// A State is owned by exactly one projection driver goroutine. Per
// spec, mutations only ever happen between suspension points on that
// goroutine, so State is not safe for concurrent use and takes no
// locks of its own.
package offsetstate

import (
	"time"

	"github.com/google/btree"

	"github.com/cockroachdb/projoffset/internal/types"
)

const btreeDegree = 32

// recordItem adapts types.Record to btree.Item using the
// (timestamp, seqNr, pid) ordering spec.md requires of bySliceSorted.
type recordItem struct {
	types.Record
}

var _ btree.Item = recordItem{}

func (r recordItem) Less(than btree.Item) bool {
	return r.Record.Less(than.(recordItem).Record)
}

// State is the per-projection-instance offset-tracking core described
// in spec.md section 3.
type State struct {
	byPid           map[string]types.Record
	bySliceSorted   map[uint16]*btree.BTree
	latestTimestamp time.Time
}

// Empty returns a new, empty State.
func Empty() *State {
	return &State{
		byPid:         make(map[string]types.Record),
		bySliceSorted: make(map[uint16]*btree.BTree),
	}
}

// LatestTimestamp is the max observed timestamp across all slices.
// Monotone: it never rewinds.
func (s *State) LatestTimestamp() time.Time {
	return s.latestTimestamp
}

// Lookup returns the latest record observed for pid, if any.
func (s *State) Lookup(pid string) (types.Record, bool) {
	r, ok := s.byPid[pid]
	return r, ok
}

// Add folds a batch of records into the state. Records are applied
// unconditionally -- the caller (the validator) is responsible for
// having already checked ordering. For records of distinct pids the
// order in which they are applied does not change the resulting State,
// since each pid's slice is fixed and records for distinct pids don't
// interact; when a batch holds several records for one pid, the last
// one applied wins.
func (s *State) Add(records ...types.Record) {
	for _, r := range records {
		s.add(r)
	}
}

func (s *State) add(r types.Record) {
	if prev, ok := s.byPid[r.PID]; ok {
		if tree := s.bySliceSorted[prev.Slice]; tree != nil {
			tree.Delete(recordItem{prev})
		}
	}

	tree := s.bySliceSorted[r.Slice]
	if tree == nil {
		tree = btree.New(btreeDegree)
		s.bySliceSorted[r.Slice] = tree
	}
	tree.ReplaceOrInsert(recordItem{r})

	s.byPid[r.PID] = r

	if r.Time.After(s.latestTimestamp) {
		s.latestTimestamp = r.Time
	}
}

// Evict removes records from the given slice whose timestamp is older
// than State.LatestTimestamp()-timeWindow, except that the single
// latest record in the slice (by sort order) is always retained so
// that every slice that has ever accepted an event keeps a valid
// resume point. Eviction of one slice never touches another.
func (s *State) Evict(slice uint16, timeWindow time.Duration) {
	tree := s.bySliceSorted[slice]
	if tree == nil || tree.Len() == 0 {
		return
	}

	last := tree.Max().(recordItem)
	cutoff := s.latestTimestamp.Add(-timeWindow)

	var toDelete []recordItem
	tree.Ascend(func(i btree.Item) bool {
		ri := i.(recordItem)
		if ri.PID == last.PID && ri.SeqNr == last.SeqNr {
			return true // always retain the slice's latest record
		}
		if ri.Time.Before(cutoff) {
			toDelete = append(toDelete, ri)
		}
		return true
	})

	for _, ri := range toDelete {
		tree.Delete(ri)
		if cur, ok := s.byPid[ri.PID]; ok && cur.Slice == slice && cur.SeqNr == ri.SeqNr {
			delete(s.byPid, ri.PID)
		}
	}
}

// IsDuplicate reports whether r has already been observed: a record
// for r.PID with a seqNr >= r.SeqNr has previously been added.
func (s *State) IsDuplicate(r types.Record) bool {
	prev, ok := s.byPid[r.PID]
	return ok && prev.SeqNr >= r.SeqNr
}

// OffsetBySlice derives a slice's resume point from the tail of its
// sorted index: Timestamp is the last record's timestamp, and Seen
// enumerates every pid in the slice whose record carries that same
// timestamp (the tie set that must be recognized as duplicates across
// a restart).
func (s *State) OffsetBySlice(slice uint16) types.TimestampOffset {
	tree := s.bySliceSorted[slice]
	if tree == nil || tree.Len() == 0 {
		return types.TimestampOffset{}
	}

	last := tree.Max().(recordItem)
	seen := make(map[string]uint64)
	tree.Descend(func(i btree.Item) bool {
		ri := i.(recordItem)
		if !ri.Time.Equal(last.Time) {
			return false
		}
		seen[ri.PID] = ri.SeqNr
		return true
	})

	return types.TimestampOffset{Timestamp: last.Time, Seen: seen}
}

// Slices returns every slice that currently holds at least one
// record, in no particular order. Used by eviction sweeps and tests.
func (s *State) Slices() []uint16 {
	out := make([]uint16, 0, len(s.bySliceSorted))
	for slice, tree := range s.bySliceSorted {
		if tree.Len() > 0 {
			out = append(out, slice)
		}
	}
	return out
}

// Len returns the number of records currently held in slice, for
// keepNumberOfEntries threshold checks.
func (s *State) Len(slice uint16) int {
	tree := s.bySliceSorted[slice]
	if tree == nil {
		return 0
	}
	return tree.Len()
}

// TotalLen returns the number of records held across all slices.
func (s *State) TotalLen() int {
	return len(s.byPid)
}
