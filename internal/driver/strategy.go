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
	"time"

	"github.com/pkg/errors"
)

// offsetKind selects when an offset is persisted relative to handler
// success, per spec.md section 4.5.
type offsetKind int

const (
	offsetAtLeastOnce offsetKind = iota
	offsetExactlyOnce
	offsetAtMostOnce
	offsetStoredByHandler
)

// OffsetStrategy configures when the driver persists an accepted
// envelope's offset.
type OffsetStrategy struct {
	kind           offsetKind
	afterEnvelopes int
	afterDuration  time.Duration
	recovery       RecoveryStrategy
}

// AtLeastOnce persists the offset after the handler succeeds, batched
// by count or elapsed time since the last commit, whichever comes
// first.
func AtLeastOnce(afterEnvelopes int, afterDuration time.Duration) OffsetStrategy {
	return OffsetStrategy{kind: offsetAtLeastOnce, afterEnvelopes: afterEnvelopes, afterDuration: afterDuration, recovery: Fail()}
}

// ExactlyOnce commits the handler's write payload and the offset
// record in a single atomic transaction. recovery governs handler
// failures; the zero value is Fail.
func ExactlyOnce(recovery RecoveryStrategy) OffsetStrategy {
	return OffsetStrategy{kind: offsetExactlyOnce, recovery: recovery}
}

// AtMostOnce persists the offset before the handler runs, so a handler
// failure loses the event rather than risking a duplicate delivery.
// recovery must be Fail or Skip; retry strategies would violate the
// "at most one attempt" contract and are rejected here, at
// construction, rather than at runtime.
func AtMostOnce(recovery RecoveryStrategy) (OffsetStrategy, error) {
	if recovery.kind != recoveryFail && recovery.kind != recoverySkip {
		return OffsetStrategy{}, errors.New("AtMostOnce only permits the fail or skip recovery strategies")
	}
	return OffsetStrategy{kind: offsetAtMostOnce, recovery: recovery}, nil
}

// OffsetStoredByHandler indicates the handler itself persists the
// offset (typically as part of its own transactional write); the
// driver only reports progress and never writes offsets to the store.
func OffsetStoredByHandler() OffsetStrategy {
	return OffsetStrategy{kind: offsetStoredByHandler}
}

// handlerKind selects the grouping shape presented to the handler.
type handlerKind int

const (
	handlerSingle handlerKind = iota
	handlerGrouped
	handlerFlow
)

// HandlerStrategy configures how envelopes are grouped before being
// handed to the user Handler.
type HandlerStrategy struct {
	kind            handlerKind
	afterEnvelopes  int
	afterDuration   time.Duration
	flowParallelism int
}

// Single invokes the handler once per envelope.
func Single() HandlerStrategy {
	return HandlerStrategy{kind: handlerSingle}
}

// Grouped batches envelopes into groups of afterEnvelopes or
// afterDuration, whichever fills first (defaults: 20, 500ms), and
// invokes the handler once per group. The group's offsets commit
// atomically only under ExactlyOnce; see Driver.processGroup.
func Grouped(afterEnvelopes int, afterDuration time.Duration) HandlerStrategy {
	if afterEnvelopes <= 0 {
		afterEnvelopes = 20
	}
	if afterDuration <= 0 {
		afterDuration = 500 * time.Millisecond
	}
	return HandlerStrategy{kind: handlerGrouped, afterEnvelopes: afterEnvelopes, afterDuration: afterDuration}
}

// Flow invokes the handler for up to parallelism envelopes
// concurrently, serializing only envelopes that share a pid so that
// per-pid ordering (spec.md section 5) is preserved.
func Flow(parallelism int) HandlerStrategy {
	if parallelism <= 0 {
		parallelism = 1
	}
	return HandlerStrategy{kind: handlerFlow, flowParallelism: parallelism}
}

// recoveryKind selects what the driver does when a handler invocation
// returns an error.
type recoveryKind int

const (
	recoveryFail recoveryKind = iota
	recoverySkip
	recoveryRetryAndFail
	recoveryRetryAndSkip
)

// RecoveryStrategy configures handler-failure recovery, per spec.md
// section 4.5 and 4.7.
type RecoveryStrategy struct {
	kind    recoveryKind
	retries int
	delay   time.Duration
}

// Fail propagates the handler error, failing the stream.
func Fail() RecoveryStrategy {
	return RecoveryStrategy{kind: recoveryFail}
}

// Skip discards the offending envelope and commits its offset forward
// as though it had succeeded.
func Skip() RecoveryStrategy {
	return RecoveryStrategy{kind: recoverySkip}
}

// RetryAndFail retries the handler up to retries times with
// exponential backoff bounded by delay, then fails the stream if every
// attempt errors.
func RetryAndFail(retries int, delay time.Duration) RecoveryStrategy {
	return RecoveryStrategy{kind: recoveryRetryAndFail, retries: retries, delay: delay}
}

// RetryAndSkip retries like RetryAndFail, but skips the envelope
// instead of failing the stream once retries are exhausted.
func RetryAndSkip(retries int, delay time.Duration) RecoveryStrategy {
	return RecoveryStrategy{kind: recoveryRetryAndSkip, retries: retries, delay: delay}
}
