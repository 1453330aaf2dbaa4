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

package driver

import (
	"sync"
	"time"

	"github.com/cockroachdb/projoffset/internal/store"
	"github.com/cockroachdb/projoffset/internal/types"
)

// commitBuffer accumulates offset records for the AtLeastOnce offset
// strategy, which persists independently of and on a different
// cadence than any handler-side grouping (spec.md section 4.5 calls
// the two strategies orthogonal).
type commitBuffer struct {
	mu             sync.Mutex
	pending        []store.OffsetRecord
	lastFlush      time.Time
	afterEnvelopes int
	afterDuration  time.Duration
}

func newCommitBuffer(afterEnvelopes int, afterDuration time.Duration) *commitBuffer {
	if afterEnvelopes <= 0 {
		afterEnvelopes = 20
	}
	if afterDuration <= 0 {
		afterDuration = 500 * time.Millisecond
	}
	return &commitBuffer{afterEnvelopes: afterEnvelopes, afterDuration: afterDuration, lastFlush: time.Now()}
}

// add appends rec and returns a non-nil batch if the buffer should be
// flushed now.
func (b *commitBuffer) add(rec store.OffsetRecord) []store.OffsetRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, rec)
	if len(b.pending) >= b.afterEnvelopes {
		return b.drain()
	}
	return nil
}

// flushIfDue returns a non-nil batch if afterDuration has elapsed
// since the last flush and there is anything pending. Intended to be
// called from a ticker so that a slow trickle of envelopes still
// commits on time.
func (b *commitBuffer) flushIfDue() []store.OffsetRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	if time.Since(b.lastFlush) >= b.afterDuration {
		return b.drain()
	}
	return nil
}

// drain must be called with b.mu held.
func (b *commitBuffer) drain() []store.OffsetRecord {
	out := b.pending
	b.pending = nil
	b.lastFlush = time.Now()
	return out
}

// envelopeBuffer accumulates envelopes for the Grouped handler
// strategy.
type envelopeBuffer struct {
	mu             sync.Mutex
	pending        []types.Envelope
	lastFlush      time.Time
	afterEnvelopes int
	afterDuration  time.Duration
}

func newEnvelopeBuffer(afterEnvelopes int, afterDuration time.Duration) *envelopeBuffer {
	if afterEnvelopes <= 0 {
		afterEnvelopes = 20
	}
	if afterDuration <= 0 {
		afterDuration = 500 * time.Millisecond
	}
	return &envelopeBuffer{afterEnvelopes: afterEnvelopes, afterDuration: afterDuration, lastFlush: time.Now()}
}

func (b *envelopeBuffer) add(env types.Envelope) []types.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, env)
	if len(b.pending) >= b.afterEnvelopes {
		return b.drain()
	}
	return nil
}

func (b *envelopeBuffer) flushIfDue() []types.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	if time.Since(b.lastFlush) >= b.afterDuration {
		return b.drain()
	}
	return nil
}

func (b *envelopeBuffer) drain() []types.Envelope {
	out := b.pending
	b.pending = nil
	b.lastFlush = time.Now()
	return out
}
