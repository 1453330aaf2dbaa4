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
	"math/rand"

	"github.com/pkg/errors"

	"github.com/cockroachdb/projoffset/internal/types"
)

// ErrChaos is the error injected by the WithChaos wrappers in this
// file.
var ErrChaos = errors.New("chaos")

// WithChaosProvider returns a wrapper around a Provider that injects
// errors at each suspension point with probability prob, for
// exercising the restart-with-backoff and at-least-once properties
// (P6) under simulated faults. delegate is returned unwrapped if prob
// is less than or equal to zero.
func WithChaosProvider(delegate types.Provider, prob float32) types.Provider {
	if prob <= 0 {
		return delegate
	}
	return &chaosProvider{delegate: delegate, prob: prob}
}

// This could hold a *rand.Rand, but as soon as EventsBySlices and
// LoadEnvelope are called from multiple goroutines there's no hope of
// repeatable behavior anyway.
type chaosProvider struct {
	delegate types.Provider
	prob     float32
}

var _ types.Provider = (*chaosProvider)(nil)

func (p *chaosProvider) EventsBySlices(
	ctx context.Context, streamID string, minSlice, maxSlice int, fromOffset map[int]types.TimestampOffset,
) (<-chan types.Envelope, error) {
	if rand.Float32() < p.prob {
		return nil, doChaos("EventsBySlices")
	}
	return p.delegate.EventsBySlices(ctx, streamID, minSlice, maxSlice, fromOffset)
}

func (p *chaosProvider) LoadEnvelope(ctx context.Context, pid string, seqNr uint64) (types.Envelope, error) {
	if rand.Float32() < p.prob {
		return types.Envelope{}, doChaos("LoadEnvelope")
	}
	return p.delegate.LoadEnvelope(ctx, pid, seqNr)
}

// TriggerReplay passes through to the delegate's optional
// types.ReplayTrigger, injecting chaos only if the delegate actually
// implements it.
func (p *chaosProvider) TriggerReplay(ctx context.Context, pid string, fromSeqNr, triggeredBySeqNr uint64) error {
	rt, ok := p.delegate.(types.ReplayTrigger)
	if !ok {
		return errors.New("delegate does not implement ReplayTrigger")
	}
	if rand.Float32() < p.prob {
		return doChaos("TriggerReplay")
	}
	return rt.TriggerReplay(ctx, pid, fromSeqNr, triggeredBySeqNr)
}

// WithChaosHandler returns a wrapper around a Handler that injects
// errors with probability prob, for exercising recovery-strategy
// behavior under simulated handler failures.
func WithChaosHandler(delegate types.Handler, prob float32) types.Handler {
	if prob <= 0 {
		return delegate
	}
	return &chaosHandler{delegate: delegate, prob: prob}
}

type chaosHandler struct {
	delegate types.Handler
	prob     float32
}

var _ types.Handler = (*chaosHandler)(nil)

func (h *chaosHandler) HandleSingle(ctx context.Context, env types.Envelope) (types.HandlerResult, error) {
	if rand.Float32() < h.prob {
		return types.HandlerResult{}, doChaos("HandleSingle")
	}
	return h.delegate.HandleSingle(ctx, env)
}

func (h *chaosHandler) HandleGroup(ctx context.Context, envs []types.Envelope) (types.HandlerResult, error) {
	if rand.Float32() < h.prob {
		return types.HandlerResult{}, doChaos("HandleGroup")
	}
	return h.delegate.HandleGroup(ctx, envs)
}

// doChaos is a convenient place to set a breakpoint.
func doChaos(msg string) error {
	return errors.WithMessage(ErrChaos, msg)
}
