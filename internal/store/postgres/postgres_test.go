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

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/projoffset/internal/store"
	"github.com/cockroachdb/projoffset/internal/types"
)

// connStringEnv names the environment variable this test reads a live
// CockroachDB/Postgres connection string from. It is intentionally not
// set in CI for this exercise; these tests exist to exercise the
// backend's SQL against a real server when one is available, the same
// way cdc-sink's sinktest fixtures require a real TargetPool rather
// than mocking one out.
const connStringEnv = "PROJOFFSET_TEST_DATABASE_URL"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	connString := os.Getenv(connStringEnv)
	if connString == "" {
		t.Skipf("skipping: set %s to a CockroachDB/Postgres connection string to run this test", connStringEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	offsetTable := "projoffset_offsets_test_" + suffix
	managementTable := "projoffset_management_test_" + suffix

	s, err := New(ctx, pool, offsetTable, managementTable)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS %s", offsetTable))
		_, _ = pool.Exec(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS %s", managementTable))
	})
	return s
}

func TestSaveAndLoadOffsetsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.SaveOffsets(ctx, "proj-a", []store.OffsetRecord{
		{Slice: 5, PID: "p1", SeqNr: 3, Time: now},
		{Slice: 5, PID: "p2", SeqNr: 7, Time: now.Add(time.Second)},
	}, 20))

	state, err := s.LoadOffsets(ctx, "proj-a", 0, 1023, time.Hour, 4)
	require.NoError(t, err)

	rec, ok := state.Lookup("p1")
	require.True(t, ok)
	require.EqualValues(t, 3, rec.SeqNr)

	rec, ok = state.Lookup("p2")
	require.True(t, ok)
	require.EqualValues(t, 7, rec.SeqNr)
}

func TestSaveOffsetUpsertsLatestSeqNr(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.SaveOffset(ctx, "proj-b", store.OffsetRecord{Slice: 1, PID: "p1", SeqNr: 1, Time: now}))
	require.NoError(t, s.SaveOffset(ctx, "proj-b", store.OffsetRecord{Slice: 1, PID: "p1", SeqNr: 2, Time: now.Add(time.Second)}))

	state, err := s.LoadOffsets(ctx, "proj-b", 0, 1023, time.Hour, 1)
	require.NoError(t, err)
	rec, ok := state.Lookup("p1")
	require.True(t, ok)
	require.EqualValues(t, 2, rec.SeqNr)
}

func TestTransactSaveOffsetAppliesWriteItemAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	applied := false
	var writeItem types.WriteItem = func(ctx context.Context, tx pgx.Tx) error {
		applied = true
		return nil
	}

	require.NoError(t, s.TransactSaveOffset(ctx, "proj-c", []types.WriteItem{writeItem}, store.OffsetRecord{
		Slice: 2, PID: "p1", SeqNr: 9, Time: now,
	}))
	require.True(t, applied)

	state, err := s.LoadOffsets(ctx, "proj-c", 0, 1023, time.Hour, 1)
	require.NoError(t, err)
	rec, ok := state.Lookup("p1")
	require.True(t, ok)
	require.EqualValues(t, 9, rec.SeqNr)
}

func TestManagementSetAndClearOffset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.SavePaused(ctx, "proj-d", true))
	mgmt, err := s.ReadManagementState(ctx, "proj-d")
	require.NoError(t, err)
	require.True(t, mgmt.Paused)

	offset := &types.TimestampOffset{Timestamp: now, Seen: map[string]uint64{"p1": 4}}
	require.NoError(t, s.ManagementSetOffset(ctx, "proj-d", 3, offset))

	state, err := s.LoadOffsets(ctx, "proj-d", 0, 1023, time.Hour, 1)
	require.NoError(t, err)
	rec, ok := state.Lookup("p1")
	require.True(t, ok)
	require.EqualValues(t, 4, rec.SeqNr)

	require.NoError(t, s.ManagementClearOffset(ctx, "proj-d", 3))
	state, err = s.LoadOffsets(ctx, "proj-d", 0, 1023, time.Hour, 1)
	require.NoError(t, err)
	_, ok = state.Lookup("p1")
	require.False(t, ok)
}
