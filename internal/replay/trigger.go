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

// Package replay asks the event-source provider to re-deliver events
// for a pid when the validator surfaces a sequence gap, per spec.md
// section 4.6.
package replay

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/projoffset/internal/metrics"
	"github.com/cockroachdb/projoffset/internal/offsetstate"
	"github.com/cockroachdb/projoffset/internal/types"
)

// Trigger requests replay of missed events from a types.ReplayTrigger,
// deriving the resume point from the current offset State.
type Trigger struct {
	state      *offsetstate.State
	projection string
}

// New returns a Trigger reading resume points from state.
func New(projection string, state *offsetstate.State) *Trigger {
	return &Trigger{state: state, projection: projection}
}

// Fire asks provider to replay pid starting from its last stored seqNr
// plus one. It is a no-op, not an error, if provider does not
// implement types.ReplayTrigger -- the capability is optional per
// spec.md section 4.6.
//
// Idempotent: calling Fire multiple times for the same gap is safe,
// since the provider is expected to treat triggerReplay as a request
// to resume from a point, not a one-shot event.
func (t *Trigger) Fire(ctx context.Context, provider any, env types.Envelope) error {
	rt, ok := provider.(types.ReplayTrigger)
	if !ok {
		log.WithFields(log.Fields{
			"projection": t.projection,
			"pid":        env.PID,
		}).Debug("provider does not support replay; dropping gap")
		return nil
	}

	var storedSeqNr uint64
	if prev, ok := t.state.Lookup(env.PID); ok {
		storedSeqNr = prev.SeqNr
	}

	log.WithFields(log.Fields{
		"projection":       t.projection,
		"pid":              env.PID,
		"fromSeqNr":        storedSeqNr + 1,
		"triggeredBySeqNr": env.SeqNr,
	}).Info("triggering replay")

	metrics.ReplayTriggers.WithLabelValues(t.projection).Inc()

	if err := rt.TriggerReplay(ctx, env.PID, storedSeqNr+1, env.SeqNr); err != nil {
		return errors.Wrapf(err, "triggering replay for pid %s from seqNr %d", env.PID, storedSeqNr+1)
	}
	return nil
}
