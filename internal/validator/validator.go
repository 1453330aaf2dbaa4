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

// Package validator classifies incoming envelopes against the offset
// state: Accepted, Duplicate, or one of two rejection flavors that
// distinguish a transient gap from one that requires an explicit
// replay.
package validator

import (
	"sync"

	"github.com/cockroachdb/projoffset/internal/offsetstate"
	"github.com/cockroachdb/projoffset/internal/slicing"
	"github.com/cockroachdb/projoffset/internal/types"
)

// Validator classifies envelopes against a State and tracks envelopes
// that have been Accepted but not yet durably committed ("in-flight").
//
// A Validator is owned by a single projection driver goroutine, same
// as the State it wraps; the in-flight set is guarded by a mutex only
// because commit confirmations may arrive from a concurrent batching
// goroutine (see internal/driver).
type Validator struct {
	state *offsetstate.State

	mu       sync.Mutex
	inFlight map[string]uint64 // pid -> highest accepted, uncommitted seqNr
}

// New returns a Validator backed by state.
func New(state *offsetstate.State) *Validator {
	return &Validator{
		state:    state,
		inFlight: make(map[string]uint64),
	}
}

// Classify implements the classification table of spec.md section 4.3.
func (v *Validator) Classify(env types.Envelope) types.Classification {
	prev, exists := v.state.Lookup(env.PID)

	switch {
	case exists && env.SeqNr <= prev.SeqNr:
		return types.Duplicate

	case !exists && env.SeqNr == 1:
		return types.Accepted

	case exists && env.SeqNr == prev.SeqNr+1:
		return types.Accepted

	case !exists && env.SeqNr > 1 && env.Origin == types.OriginBacktracking:
		return types.RejectedBacktrackingSeqNr

	case !exists && env.SeqNr > 1:
		return types.RejectedSeqNr

	case exists && env.SeqNr > prev.SeqNr+1 && env.Origin == types.OriginBacktracking:
		return types.RejectedBacktrackingSeqNr

	default: // exists && env.SeqNr > prev.SeqNr+1
		return types.RejectedSeqNr
	}
}

// Accept folds an Accepted envelope into State immediately -- so that
// the next envelope for the same pid validates correctly without
// waiting on offset persistence -- and marks it in-flight until
// Commit is called. Callers must only pass envelopes that Classify
// returned Accepted for.
func (v *Validator) Accept(env types.Envelope) {
	v.state.Add(types.Record{
		Slice: slicing.Of(env.PID),
		PID:   env.PID,
		SeqNr: env.SeqNr,
		Time:  env.Time,
	})

	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.inFlight[env.PID]; !ok || env.SeqNr > cur {
		v.inFlight[env.PID] = env.SeqNr
	}
}

// Commit clears the in-flight marker for pid once its offset has been
// durably persisted. State was already updated by Accept; Commit only
// retires the bookkeeping used to know what's still owed to the
// offset store.
func (v *Validator) Commit(pid string, seqNr uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.inFlight[pid]; ok && cur == seqNr {
		delete(v.inFlight, pid)
	}
}

// InFlight reports the number of pids with an accepted-but-uncommitted
// envelope, for diagnostics and tests.
func (v *Validator) InFlight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.inFlight)
}

// State returns the underlying offset state.
func (v *Validator) State() *offsetstate.State {
	return v.state
}
