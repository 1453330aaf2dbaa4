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

// Package driver implements the projection driver: the pull-process-
// commit loop described in spec.md section 4.5. It pulls envelopes
// from a types.Provider, classifies them with a validator.Validator,
// dispatches accepted envelopes to a types.Handler according to a
// HandlerStrategy, and persists offsets to a store.Store according to
// an OffsetStrategy, restarting the whole pipeline with exponential
// backoff when it fails.
package driver

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cockroachdb/projoffset/internal/metrics"
	"github.com/cockroachdb/projoffset/internal/notify"
	"github.com/cockroachdb/projoffset/internal/offsetstate"
	"github.com/cockroachdb/projoffset/internal/replay"
	"github.com/cockroachdb/projoffset/internal/slicing"
	"github.com/cockroachdb/projoffset/internal/stopctx"
	"github.com/cockroachdb/projoffset/internal/store"
	"github.com/cockroachdb/projoffset/internal/types"
	"github.com/cockroachdb/projoffset/internal/validator"
)

// Config holds the tunables a Driver needs beyond its Provider,
// Handler, and Store collaborators. Corresponds to the
// offsetStore.*, restartBackoff.*, and driver PollInterval options of
// spec.md section 6.
type Config struct {
	Projection string
	StreamID   string

	MinSlice int
	MaxSlice int

	TimeWindow                 time.Duration
	KeepNumberOfEntries        int
	EvictInterval              time.Duration
	OffsetBatchSize            int
	OffsetSliceReadParallelism int

	// PollInterval is the belt-and-suspenders timer the pull loop also
	// wakes on, in addition to envelopes arriving on the provider
	// channel. Each tick re-reads the management state (picking up a
	// pause or resume written by another process) and flushes any
	// commit or handler group whose time window has elapsed. Eviction
	// runs on its own EvictInterval timer.
	PollInterval time.Duration

	RestartMinBackoff   time.Duration
	RestartMaxBackoff   time.Duration
	RestartRandomFactor float64
	// RestartMaxRestarts bounds restart attempts: -1 unbounded, 0
	// disabled (first failure is terminal).
	RestartMaxRestarts int
}

// Driver runs one projection instance.
type Driver struct {
	cfg             Config
	provider        types.Provider
	handler         types.Handler
	store           store.Store
	offsetStrategy  OffsetStrategy
	handlerStrategy HandlerStrategy

	mu      sync.Mutex
	stopper *stopctx.Context
}

// New returns a Driver. provider and handler may already be wrapped by
// WithChaosProvider / WithChaosHandler for fault-injection testing.
func New(cfg Config, provider types.Provider, handler types.Handler, st store.Store, offsetStrategy OffsetStrategy, handlerStrategy HandlerStrategy) *Driver {
	return &Driver{cfg: cfg, provider: provider, handler: handler, store: st, offsetStrategy: offsetStrategy, handlerStrategy: handlerStrategy}
}

// Stop requests cooperative shutdown of the currently running instance
// (if any), per spec.md section 5: the pull source is canceled, the
// in-progress handler invocation is allowed to finish, and any retry
// loop is aborted rather than run to completion.
func (d *Driver) Stop(timeout time.Duration) {
	d.mu.Lock()
	stopper := d.stopper
	d.mu.Unlock()
	if stopper != nil {
		stopper.Stop(timeout)
	}
}

// Run executes the pull-process-commit loop until ctx is canceled or
// the restart policy is exhausted. It blocks until the projection
// permanently stops.
func (d *Driver) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RestartMinBackoff
	bo.MaxInterval = d.cfg.RestartMaxBackoff
	bo.RandomizationFactor = d.cfg.RestartRandomFactor
	bo.MaxElapsedTime = 0 // restarts are bounded by count, not total wall time

	restarts := 0
	for {
		d.mu.Lock()
		stopper := stopctx.WithContext(ctx)
		d.stopper = stopper
		d.mu.Unlock()

		err := d.runOnce(stopper)

		d.mu.Lock()
		d.stopper = nil
		d.mu.Unlock()

		if err == nil || ctx.Err() != nil {
			return nil
		}

		if d.cfg.RestartMaxRestarts == 0 {
			return errors.Wrap(err, "projection failed and restarts are disabled")
		}
		if d.cfg.RestartMaxRestarts > 0 && restarts >= d.cfg.RestartMaxRestarts {
			return errors.Wrapf(err, "projection failed after %d restarts", restarts)
		}
		restarts++
		metrics.RestartsTotal.WithLabelValues(d.cfg.Projection).Inc()

		wait := bo.NextBackOff()
		log.WithFields(log.Fields{"projection": d.cfg.Projection, "restart": restarts, "wait": wait}).
			WithError(err).Warn("projection failed, restarting")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// runOnce loads offsets, subscribes to the provider, and processes
// envelopes until the stream ends, stop is requested, or an
// unrecoverable error occurs.
func (d *Driver) runOnce(stopper *stopctx.Context) error {
	state, err := d.store.LoadOffsets(stopper, d.cfg.Projection, d.cfg.MinSlice, d.cfg.MaxSlice, d.cfg.TimeWindow, d.cfg.OffsetSliceReadParallelism)
	if err != nil {
		return errors.Wrap(err, "loading offsets")
	}

	v := validator.New(state)
	trigger := replay.New(d.cfg.Projection, state)

	fromOffset := make(map[int]types.TimestampOffset, d.cfg.MaxSlice-d.cfg.MinSlice+1)
	for slice := d.cfg.MinSlice; slice <= d.cfg.MaxSlice; slice++ {
		fromOffset[slice] = state.OffsetBySlice(uint16(slice))
	}

	envelopes, err := d.provider.EventsBySlices(stopper, d.cfg.StreamID, d.cfg.MinSlice, d.cfg.MaxSlice, fromOffset)
	if err != nil {
		return errors.Wrap(err, "starting event stream")
	}

	initialMgmt, err := d.store.ReadManagementState(stopper, d.cfg.Projection)
	if err != nil {
		return errors.Wrap(err, "reading management state")
	}

	rt := &runtime{
		d:       d,
		state:   state,
		v:       v,
		trigger: trigger,
		commits: newCommitBuffer(d.offsetStrategy.afterEnvelopes, d.offsetStrategy.afterDuration),
		groups:  newEnvelopeBuffer(d.handlerStrategy.afterEnvelopes, d.handlerStrategy.afterDuration),
		paused:  notify.New(initialMgmt.Paused),
	}
	if d.handlerStrategy.kind == handlerFlow {
		rt.flowGroup, _ = errgroup.WithContext(stopper)
		rt.flowGroup.SetLimit(d.handlerStrategy.flowParallelism)
		rt.pidLocks = make(map[string]*sync.Mutex)
	}

	evictEvery := d.cfg.EvictInterval
	if evictEvery <= 0 {
		evictEvery = 10 * time.Second
	}
	evictTicker := time.NewTicker(evictEvery)
	defer evictTicker.Stop()

	pollEvery := d.cfg.PollInterval
	if pollEvery <= 0 {
		pollEvery = evictEvery
	}
	pollTicker := time.NewTicker(pollEvery)
	defer pollTicker.Stop()

	// activeEnvelopes is envelopes while the projection is running and
	// nil while paused, so the select below simply stops consuming at
	// the pull point without closing the subscription -- per spec.md
	// section 4.7, pausing must not tear down the stream.
	pausedVal, pausedChanged := rt.paused.Get()
	activeEnvelopes := envelopes
	if pausedVal {
		activeEnvelopes = nil
	}

	for {
		select {
		case <-stopper.Stopping():
			return d.waitFlow(rt)

		case <-pausedChanged:
			pausedVal, pausedChanged = rt.paused.Get()
			if pausedVal {
				activeEnvelopes = nil
			} else {
				activeEnvelopes = envelopes
			}

		case <-evictTicker.C:
			keep := d.cfg.KeepNumberOfEntries
			if keep <= 0 {
				keep = 10000
			}
			metrics.StateSize.WithLabelValues(d.cfg.Projection).Set(float64(state.TotalLen()))
			if state.TotalLen() > keep {
				for _, slice := range state.Slices() {
					state.Evict(slice, d.cfg.TimeWindow)
				}
			}

		case <-pollTicker.C:
			mgmt, err := d.store.ReadManagementState(stopper, d.cfg.Projection)
			if err != nil {
				log.WithError(err).Warn("reading management state")
			} else if mgmt.Paused != pausedVal {
				rt.paused.Set(mgmt.Paused)
			}

			if recs := rt.commits.flushIfDue(); recs != nil {
				if err := d.persist(stopper, v, recs); err != nil {
					return err
				}
			}
			if envs := rt.groups.flushIfDue(); envs != nil {
				if err := d.processGroup(stopper, rt, envs); err != nil {
					return err
				}
			}

		case env, ok := <-activeEnvelopes:
			if !ok {
				return d.waitFlow(rt)
			}
			if err := d.dispatch(stopper, rt, env); err != nil {
				return err
			}
		}
	}
}

// runtime bundles the per-runOnce mutable collaborators so that
// dispatch/commit helpers don't need a long parameter list.
type runtime struct {
	d       *Driver
	state   *offsetstate.State
	v       *validator.Validator
	trigger *replay.Trigger
	commits *commitBuffer
	groups  *envelopeBuffer
	paused  *notify.Var[bool]

	flowGroup *errgroup.Group
	pidMu     sync.Mutex
	pidLocks  map[string]*sync.Mutex
}

func (rt *runtime) lockFor(pid string) *sync.Mutex {
	rt.pidMu.Lock()
	defer rt.pidMu.Unlock()
	m, ok := rt.pidLocks[pid]
	if !ok {
		m = &sync.Mutex{}
		rt.pidLocks[pid] = m
	}
	return m
}

func (d *Driver) waitFlow(rt *runtime) error {
	if rt.flowGroup == nil {
		return nil
	}
	return rt.flowGroup.Wait()
}

// dispatch classifies env and routes it per spec.md section 4.5's
// dispatch table.
func (d *Driver) dispatch(ctx *stopctx.Context, rt *runtime, env types.Envelope) error {
	class := rt.v.Classify(env)
	metrics.EnvelopesClassified.WithLabelValues(d.cfg.Projection, class.String()).Inc()

	switch class {
	case types.Duplicate:
		log.WithFields(log.Fields{"projection": d.cfg.Projection, "pid": env.PID, "seqNr": env.SeqNr}).Trace("dropping duplicate")
		return nil

	case types.RejectedSeqNr:
		if err := rt.trigger.Fire(ctx, d.provider, env); err != nil {
			log.WithError(err).Warn("replay trigger failed (transient gap, non-fatal)")
		}
		return nil

	case types.RejectedBacktrackingSeqNr:
		_, supportsReplay := d.provider.(types.ReplayTrigger)
		if !supportsReplay {
			return types.ErrRejected
		}
		if err := rt.trigger.Fire(ctx, d.provider, env); err != nil {
			return errors.Wrap(err, "replaying backtracking gap")
		}
		return nil

	case types.Accepted:
		return d.handleAccepted(ctx, rt, env)

	default:
		return errors.Errorf("unreachable classification %v", class)
	}
}

// handleAccepted implements the Accepted branch of the dispatch table,
// including the filtered short-circuit and lazy loadEnvelope for
// backtracking placeholders.
func (d *Driver) handleAccepted(ctx *stopctx.Context, rt *runtime, env types.Envelope) error {
	rt.v.Accept(env)

	if env.Filtered {
		return d.commitForEnvelope(ctx, rt, env, types.HandlerResult{})
	}

	if env.Origin == types.OriginBacktracking && !env.HasEvent() {
		loaded, err := d.provider.LoadEnvelope(ctx, env.PID, env.SeqNr)
		if err != nil {
			return errors.Wrapf(err, "loading backtracked envelope pid=%s seqNr=%d", env.PID, env.SeqNr)
		}
		env = loaded
	}

	switch d.handlerStrategy.kind {
	case handlerGrouped:
		if envs := rt.groups.add(env); envs != nil {
			return d.processGroup(ctx, rt, envs)
		}
		return nil

	case handlerFlow:
		return d.dispatchFlow(ctx, rt, env)

	default: // handlerSingle
		return d.processSingle(ctx, rt, env)
	}
}

// processSingle runs one envelope through the offset strategy using
// HandleSingle.
func (d *Driver) processSingle(ctx *stopctx.Context, rt *runtime, env types.Envelope) error {
	return d.commitWithStrategy(ctx, rt, []types.Envelope{env}, func(c context.Context) (types.HandlerResult, error) {
		return d.handler.HandleSingle(c, env)
	})
}

// processGroup runs a batch of envelopes through HandleGroup. Under
// ExactlyOnce the group's offsets commit in one transaction with its
// write payload; under the other offset strategies they go through the
// ordinary batched commit path, which does not make the whole group
// atomic (AtLeastOnce may persist them across several commit batches).
func (d *Driver) processGroup(ctx *stopctx.Context, rt *runtime, envs []types.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	return d.commitWithStrategy(ctx, rt, envs, func(c context.Context) (types.HandlerResult, error) {
		return d.handler.HandleGroup(c, envs)
	})
}

// dispatchFlow runs an envelope through HandleSingle with up to
// handlerStrategy.flowParallelism concurrent invocations, serializing
// only envelopes sharing a pid so per-pid ordering is preserved.
func (d *Driver) dispatchFlow(ctx *stopctx.Context, rt *runtime, env types.Envelope) error {
	lock := rt.lockFor(env.PID)
	// Taken here, in dispatch order, and released by the goroutine, so
	// that a later envelope for the same pid cannot start first.
	lock.Lock()
	rt.flowGroup.Go(func() error {
		defer lock.Unlock()
		return d.processSingle(ctx, rt, env)
	})
	return nil
}

// commitWithStrategy runs invoke according to d.offsetStrategy and
// commits the resulting offset record(s) for envs accordingly.
func (d *Driver) commitWithStrategy(ctx *stopctx.Context, rt *runtime, envs []types.Envelope, invoke func(context.Context) (types.HandlerResult, error)) error {
	switch d.offsetStrategy.kind {
	case offsetAtMostOnce:
		if err := d.persistGroup(ctx, rt.v, envs); err != nil {
			return errors.Wrap(err, "committing offset before handler (at-most-once)")
		}
		outcome, err := d.runHandler(ctx, invoke, d.offsetStrategy.recovery)
		if err != nil {
			return err
		}
		_ = outcome
		return nil

	case offsetStoredByHandler:
		outcome, err := d.runHandler(ctx, invoke, Fail())
		if err != nil {
			return err
		}
		_ = outcome
		for _, env := range envs {
			rt.v.Commit(env.PID, env.SeqNr)
		}
		return nil

	case offsetExactlyOnce:
		outcome, err := d.runHandler(ctx, invoke, d.offsetStrategy.recovery)
		if err != nil {
			return err
		}
		if outcome.skipped {
			for _, env := range envs {
				rt.v.Commit(env.PID, env.SeqNr)
			}
			return nil
		}
		recs := make([]store.OffsetRecord, len(envs))
		for i, env := range envs {
			recs[i] = recordFor(env)
		}
		start := time.Now()
		var txErr error
		if len(recs) == 1 {
			txErr = d.store.TransactSaveOffset(ctx, d.cfg.Projection, outcome.result.WriteItems, recs[0])
		} else {
			txErr = d.store.TransactSaveOffsets(ctx, d.cfg.Projection, outcome.result.WriteItems, recs)
		}
		metrics.CommitDurations.WithLabelValues(d.cfg.Projection).Observe(time.Since(start).Seconds())
		if txErr != nil {
			metrics.CommitErrors.WithLabelValues(d.cfg.Projection).Inc()
			return errors.Wrap(txErr, "exactly-once transactional commit")
		}
		for _, env := range envs {
			rt.v.Commit(env.PID, env.SeqNr)
		}
		return nil

	default: // offsetAtLeastOnce
		outcome, err := d.runHandler(ctx, invoke, d.offsetStrategy.recovery)
		if err != nil {
			return err
		}
		_ = outcome
		for _, env := range envs {
			rec := recordFor(env)
			if batch := rt.commits.add(rec); batch != nil {
				if err := d.persist(ctx, rt.v, batch); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// commitForEnvelope persists a filtered envelope's offset without
// invoking the handler; filtering must not stall progress (spec.md
// section 4.5).
func (d *Driver) commitForEnvelope(ctx *stopctx.Context, rt *runtime, env types.Envelope, _ types.HandlerResult) error {
	switch d.offsetStrategy.kind {
	case offsetStoredByHandler:
		rt.v.Commit(env.PID, env.SeqNr)
		return nil
	case offsetAtLeastOnce, offsetExactlyOnce, offsetAtMostOnce:
		rec := recordFor(env)
		if batch := rt.commits.add(rec); batch != nil {
			return d.persist(ctx, rt.v, batch)
		}
		return nil
	default:
		return nil
	}
}

type handlerOutcome struct {
	result  types.HandlerResult
	skipped bool
}

// runHandler invokes fn and applies recovery on error, per spec.md
// sections 4.5 and 4.7.
func (d *Driver) runHandler(ctx *stopctx.Context, fn func(context.Context) (types.HandlerResult, error), recovery RecoveryStrategy) (handlerOutcome, error) {
	attempt := 0
	for {
		result, err := fn(ctx)
		if err == nil {
			return handlerOutcome{result: result}, nil
		}

		switch recovery.kind {
		case recoverySkip:
			log.WithError(err).Warn("handler failed; skipping per recovery strategy")
			return handlerOutcome{skipped: true}, nil

		case recoveryRetryAndFail, recoveryRetryAndSkip:
			attempt++
			if attempt > recovery.retries {
				if recovery.kind == recoveryRetryAndSkip {
					log.WithError(err).Warn("handler failed; retries exhausted, skipping")
					return handlerOutcome{skipped: true}, nil
				}
				return handlerOutcome{}, errors.Wrapf(err, "handler failed after %d retries", recovery.retries)
			}
			wait := boundedExponential(recovery.delay, attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Abort():
				return handlerOutcome{}, errors.Wrap(err, "handler retry aborted by stop()")
			}

		default: // recoveryFail
			return handlerOutcome{}, errors.Wrap(err, "handler failed")
		}
	}
}

// boundedExponential grows from a small base towards delay, which
// acts as the upper bound spec.md section 4.5 calls for rather than a
// fixed per-attempt wait.
func boundedExponential(delay time.Duration, attempt int) time.Duration {
	if delay <= 0 {
		return 0
	}
	const base = 50 * time.Millisecond
	shift := attempt
	if shift > 20 {
		shift = 20
	}
	wait := base << uint(shift)
	if wait <= 0 || wait > delay {
		return delay
	}
	return wait
}

func recordFor(env types.Envelope) store.OffsetRecord {
	return store.OffsetRecord{
		Slice: slicing.Of(env.PID),
		PID:   env.PID,
		SeqNr: env.SeqNr,
		Time:  env.Time,
	}
}

// persist saves a batch of offset records that do not carry a
// transactional write payload, clearing each envelope's in-flight
// marker on success.
func (d *Driver) persist(ctx *stopctx.Context, v *validator.Validator, recs []store.OffsetRecord) error {
	start := time.Now()
	metrics.CommitBatchSize.WithLabelValues(d.cfg.Projection).Observe(float64(len(recs)))
	batchSize := d.cfg.OffsetBatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	err := d.store.SaveOffsets(ctx, d.cfg.Projection, recs, batchSize)
	metrics.CommitDurations.WithLabelValues(d.cfg.Projection).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CommitErrors.WithLabelValues(d.cfg.Projection).Inc()
		return errors.Wrap(err, "persisting offset batch")
	}
	for _, rec := range recs {
		v.Commit(rec.PID, rec.SeqNr)
	}
	return nil
}

// persistGroup is the AtMostOnce path: offsets commit before the
// handler runs, directly from the envelopes rather than a buffered
// batch.
func (d *Driver) persistGroup(ctx *stopctx.Context, v *validator.Validator, envs []types.Envelope) error {
	recs := make([]store.OffsetRecord, len(envs))
	for i, env := range envs {
		recs[i] = recordFor(env)
	}
	return d.persist(ctx, v, recs)
}
