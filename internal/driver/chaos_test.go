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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/projoffset/internal/slicing"
	"github.com/cockroachdb/projoffset/internal/store/memstore"
	"github.com/cockroachdb/projoffset/internal/types"
)

var errNoSuchEnvelope = errors.New("resumableProvider: no backtracking placeholders in this fixture")

// resumableProvider is a fakeProvider that honors fromOffset, so that a
// driver restart after a chaos-injected failure actually resumes from
// the last persisted offset rather than replaying the whole fixture.
type resumableProvider struct {
	mu  sync.Mutex
	all []types.Envelope
}

var _ types.Provider = (*resumableProvider)(nil)

func (p *resumableProvider) EventsBySlices(ctx context.Context, streamID string, minSlice, maxSlice int, fromOffset map[int]types.TimestampOffset) (<-chan types.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slice := int(slicing.Of("p1"))
	resumeFrom := fromOffset[slice].Seen["p1"]

	var remaining []types.Envelope
	for _, e := range p.all {
		if e.SeqNr > resumeFrom {
			remaining = append(remaining, e)
		}
	}

	ch := make(chan types.Envelope, len(remaining))
	for _, e := range remaining {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (p *resumableProvider) LoadEnvelope(ctx context.Context, pid string, seqNr uint64) (types.Envelope, error) {
	return types.Envelope{}, errNoSuchEnvelope
}

func (h *fakeHandler) seenSeqNrs() map[uint64]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[uint64]int)
	for _, e := range h.singleCalls {
		out[e.SeqNr]++
	}
	return out
}

func TestAtLeastOnceDeliversEveryEnvelopeDespiteChaos(t *testing.T) {
	const n = 15
	t0 := time.Now()
	all := make([]types.Envelope, n)
	for i := range all {
		all[i] = types.Envelope{PID: "p1", SeqNr: uint64(i + 1), Time: t0.Add(time.Duration(i) * time.Millisecond), Event: i + 1}
	}

	base := &resumableProvider{all: all}
	provider := WithChaosProvider(base, 0.25)

	handler := &fakeHandler{}
	wrappedHandler := WithChaosHandler(handler, 0.15)

	st := memstore.New()
	cfg := testConfig()
	cfg.RestartMaxRestarts = -1
	cfg.RestartMinBackoff = time.Millisecond
	cfg.RestartMaxBackoff = 5 * time.Millisecond

	d := New(cfg, provider, wrappedHandler, st, AtLeastOnce(1, time.Hour), Single())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	seen := handler.seenSeqNrs()
	for i := 1; i <= n; i++ {
		require.GreaterOrEqualf(t, seen[uint64(i)], 1, "seqNr %d must have been delivered to the handler at least once", i)
	}

	state, err := st.LoadOffsets(context.Background(), cfg.Projection, cfg.MinSlice, cfg.MaxSlice, cfg.TimeWindow, 1)
	require.NoError(t, err)
	rec, ok := state.Lookup("p1")
	require.True(t, ok)
	require.EqualValues(t, n, rec.SeqNr)
}
