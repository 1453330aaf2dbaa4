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

package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/projoffset/internal/offsetstate"
	"github.com/cockroachdb/projoffset/internal/types"
)

type fakeReplayTrigger struct {
	pid              string
	fromSeqNr        uint64
	triggeredBySeqNr uint64
	calls            int
	err              error
}

func (f *fakeReplayTrigger) TriggerReplay(ctx context.Context, pid string, fromSeqNr, triggeredBySeqNr uint64) error {
	f.calls++
	f.pid = pid
	f.fromSeqNr = fromSeqNr
	f.triggeredBySeqNr = triggeredBySeqNr
	return f.err
}

func TestFireIsNoOpWithoutReplaySupport(t *testing.T) {
	trigger := New("proj", offsetstate.Empty())
	err := trigger.Fire(context.Background(), "not a provider", types.Envelope{PID: "p1", SeqNr: 5})
	require.NoError(t, err)
}

func TestFireComputesResumePointFromState(t *testing.T) {
	state := offsetstate.Empty()
	state.Add(types.Record{Slice: 1, PID: "p1", SeqNr: 3, Time: time.Now()})
	trigger := New("proj", state)

	rt := &fakeReplayTrigger{}
	err := trigger.Fire(context.Background(), rt, types.Envelope{PID: "p1", SeqNr: 7})
	require.NoError(t, err)
	require.Equal(t, 1, rt.calls)
	require.Equal(t, "p1", rt.pid)
	require.EqualValues(t, 4, rt.fromSeqNr)
	require.EqualValues(t, 7, rt.triggeredBySeqNr)
}

func TestFireStartsFromSeqNrOneWhenPidNeverSeen(t *testing.T) {
	trigger := New("proj", offsetstate.Empty())
	rt := &fakeReplayTrigger{}
	require.NoError(t, trigger.Fire(context.Background(), rt, types.Envelope{PID: "new-pid", SeqNr: 9}))
	require.EqualValues(t, 1, rt.fromSeqNr)
}

func TestFireWrapsProviderError(t *testing.T) {
	trigger := New("proj", offsetstate.Empty())
	boom := errors.New("boom")
	rt := &fakeReplayTrigger{err: boom}
	err := trigger.Fire(context.Background(), rt, types.Envelope{PID: "p1", SeqNr: 2})
	require.Error(t, err)
	require.True(t, errors.Is(err, boom))
}
