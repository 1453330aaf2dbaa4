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

// Package management implements the administrative surface of spec.md
// section 4.7: reading and pausing a projection, and reading, setting,
// or clearing a slice's persisted offset.
package management

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/cockroachdb/projoffset/internal/store"
	"github.com/cockroachdb/projoffset/internal/types"
)

// ErrClearWhileRunning is returned by ClearOffset when invoked against
// a projection that is not paused. spec.md section 9 leaves the live
// behavior of setOffset(None) implementation-defined; this module
// treats it as an administrative operation that requires the
// projection to be paused first.
var ErrClearWhileRunning = errors.New("offset cannot be cleared while the projection is running; pause it first")

// ErrPaused is returned by SetOffset when the projection is not
// currently paused. Overwriting a slice's resume point while a driver
// instance may be actively consuming from it risks reintroducing a
// duplicate or a gap, so this module requires the same precondition
// setOffset's sibling clearOffset already enforces.
var ErrPaused = errors.New("offset cannot be set while the projection is running; pause it first")

// Config holds the timeouts for management RPCs. OperationTimeout
// bounds every Surface call. AskTimeout is defaulted and carried but
// not applied by Surface, which makes a single attempt per call and
// does not retry.
type Config struct {
	AskTimeout       time.Duration
	OperationTimeout time.Duration
}

// Surface is the management API for one projection. It talks directly
// to the offset store rather than to a running Driver, since pause
// state and offsets must be readable and (for setOffset/clearOffset)
// writable even when no driver instance is currently running.
type Surface struct {
	cfg        Config
	projection string
	store      store.Store
}

// New returns a management Surface for projection, backed by st.
func New(cfg Config, projection string, st store.Store) *Surface {
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 3 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	return &Surface{cfg: cfg, projection: projection, store: st}
}

// GetManagementState returns the current paused flag.
func (s *Surface) GetManagementState(ctx context.Context) (store.ManagementState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	return s.store.ReadManagementState(ctx, s.projection)
}

// SetPaused updates the paused flag. Pausing halts consumption at the
// driver's pull point without tearing down the stream; the driver
// observes the flag via its own periodic ReadManagementState poll (see
// internal/driver.Config.PollInterval) rather than through this call.
func (s *Surface) SetPaused(ctx context.Context, paused bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	return s.store.SavePaused(ctx, s.projection, paused)
}

// GetOffset returns the persisted resume point for slice, or a zero
// TimestampOffset if the slice has never committed.
func (s *Surface) GetOffset(ctx context.Context, slice uint16) (types.TimestampOffset, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	state, err := s.store.LoadOffsets(ctx, s.projection, int(slice), int(slice), 0, 1)
	if err != nil {
		return types.TimestampOffset{}, errors.Wrap(err, "reading offset")
	}
	return state.OffsetBySlice(slice), nil
}

// SetOffset overwrites slice's persisted offset. offset may be nil to
// clear it, mirroring spec.md's setOffset(Option<Offset>); nil is
// equivalent to calling ClearOffset.
func (s *Surface) SetOffset(ctx context.Context, slice uint16, offset *types.TimestampOffset) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	mgmt, err := s.store.ReadManagementState(ctx, s.projection)
	if err != nil {
		return errors.Wrap(err, "reading management state")
	}
	if !mgmt.Paused {
		return ErrPaused
	}
	return s.store.ManagementSetOffset(ctx, s.projection, slice, offset)
}

// ClearOffset removes slice's persisted records. Per the section 9
// Open Question decision, this requires the projection to already be
// paused; callers must SetPaused(true) first, or ClearOffset returns
// ErrClearWhileRunning.
func (s *Surface) ClearOffset(ctx context.Context, slice uint16) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	mgmt, err := s.store.ReadManagementState(ctx, s.projection)
	if err != nil {
		return errors.Wrap(err, "reading management state")
	}
	if !mgmt.Paused {
		return ErrClearWhileRunning
	}
	return s.store.ManagementClearOffset(ctx, s.projection, slice)
}
