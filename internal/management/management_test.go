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

package management

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/projoffset/internal/store"
	"github.com/cockroachdb/projoffset/internal/store/memstore"
	"github.com/cockroachdb/projoffset/internal/types"
)

func TestSetPausedRoundTrips(t *testing.T) {
	st := memstore.New()
	s := New(Config{}, "proj", st)

	mgmt, err := s.GetManagementState(context.Background())
	require.NoError(t, err)
	require.False(t, mgmt.Paused)

	require.NoError(t, s.SetPaused(context.Background(), true))
	mgmt, err = s.GetManagementState(context.Background())
	require.NoError(t, err)
	require.True(t, mgmt.Paused)
}

func TestClearOffsetRequiresPause(t *testing.T) {
	st := memstore.New()
	s := New(Config{}, "proj", st)

	require.NoError(t, st.SaveOffset(context.Background(), "proj", store.OffsetRecord{Slice: 1, PID: "p1", SeqNr: 1, Time: time.Now()}))

	err := s.ClearOffset(context.Background(), 1)
	require.ErrorIs(t, err, ErrClearWhileRunning)

	require.NoError(t, s.SetPaused(context.Background(), true))
	require.NoError(t, s.ClearOffset(context.Background(), 1))

	offset, err := s.GetOffset(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, offset.Zero())
}

func TestSetOffsetRequiresPause(t *testing.T) {
	st := memstore.New()
	s := New(Config{}, "proj", st)

	err := s.SetOffset(context.Background(), 2, &types.TimestampOffset{Timestamp: time.Now(), Seen: map[string]uint64{"p1": 1}})
	require.ErrorIs(t, err, ErrPaused)
}

func TestSetOffsetThenGetOffsetRoundTrips(t *testing.T) {
	st := memstore.New()
	s := New(Config{}, "proj", st)
	require.NoError(t, s.SetPaused(context.Background(), true))

	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.SetOffset(context.Background(), 2, &types.TimestampOffset{
		Timestamp: now,
		Seen:      map[string]uint64{"p1": 5},
	}))

	offset, err := s.GetOffset(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, offset.Timestamp.Equal(now))
	require.Equal(t, uint64(5), offset.Seen["p1"])
}

func TestSetOffsetNilClears(t *testing.T) {
	st := memstore.New()
	s := New(Config{}, "proj", st)
	require.NoError(t, s.SetPaused(context.Background(), true))

	now := time.Now()
	require.NoError(t, s.SetOffset(context.Background(), 2, &types.TimestampOffset{Timestamp: now, Seen: map[string]uint64{"p1": 1}}))
	require.NoError(t, s.SetOffset(context.Background(), 2, nil))

	offset, err := s.GetOffset(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, offset.Zero())
}

func TestNewAppliesDefaultTimeouts(t *testing.T) {
	s := New(Config{}, "proj", memstore.New())
	require.Equal(t, 3*time.Second, s.cfg.AskTimeout)
	require.Equal(t, 10*time.Second, s.cfg.OperationTimeout)
}
