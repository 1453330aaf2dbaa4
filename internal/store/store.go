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

// Package store declares the narrow port the offset-persistence
// backend must satisfy: load on restart, batched conditional writes,
// optional transactional commit with user payload, TTL, and the
// management surface's read-modify-write operations.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/projoffset/internal/offsetstate"
	"github.com/cockroachdb/projoffset/internal/types"
)

// OffsetRecord is the durable form of an offsetstate record: the unit
// persisted per (projection, slice, pid).
type OffsetRecord struct {
	Slice     uint16
	PID       string
	SeqNr     uint64
	Time      time.Time
	ExpiresAt *time.Time // optional explicit expiry; when nil, the backend derives one from its configured TTL, if any
}

// ManagementState is the durable administrative state for a
// projection, keyed separately from per-slice offsets.
type ManagementState struct {
	Paused bool
}

// Store is the offset-persistence backend port. Implementations must
// be safe for concurrent use: the offset store may be shared across
// projection instances in the same process.
type Store interface {
	// LoadOffsets reads, for each slice in [minSlice, maxSlice], every
	// persisted record within timeWindow of that slice's latest
	// timestamp, fetching slices in parallel up to parallelism, and
	// merges the results into a fresh State.
	LoadOffsets(ctx context.Context, projection string, minSlice, maxSlice int, timeWindow time.Duration, parallelism int) (*offsetstate.State, error)

	// SaveOffset persists a single record.
	SaveOffset(ctx context.Context, projection string, rec OffsetRecord) error

	// SaveOffsets persists a batch of records, internally chunked into
	// groups of batchSize; each chunk is atomic, but chunks are not
	// atomic with respect to each other.
	SaveOffsets(ctx context.Context, projection string, recs []OffsetRecord, batchSize int) error

	// TransactSaveOffset commits a single offset record together with
	// caller-supplied write payloads in one atomic unit.
	TransactSaveOffset(ctx context.Context, projection string, writes []types.WriteItem, rec OffsetRecord) error

	// TransactSaveOffsets is the batched form of TransactSaveOffset,
	// for the Grouped handler strategy under ExactlyOnce.
	TransactSaveOffsets(ctx context.Context, projection string, writes []types.WriteItem, recs []OffsetRecord) error

	// ReadManagementState returns the current administrative state.
	ReadManagementState(ctx context.Context, projection string) (ManagementState, error)

	// SavePaused updates the paused flag. Last-writer-wins; no
	// locking is performed, per spec.md section 5.
	SavePaused(ctx context.Context, projection string, paused bool) error

	// ManagementSetOffset overwrites the persisted offset for a slice,
	// or clears it if offset is nil. Administrative use only.
	ManagementSetOffset(ctx context.Context, projection string, slice uint16, offset *types.TimestampOffset) error

	// ManagementClearOffset removes every persisted record for a
	// slice.
	ManagementClearOffset(ctx context.Context, projection string, slice uint16) error
}
