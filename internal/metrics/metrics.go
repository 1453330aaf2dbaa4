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

// Package metrics declares the prometheus collectors shared across
// projoffset's components, in the same promauto/HistogramVec shape as
// cdc-sink's internal/staging/stage/metrics.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets are reused by every duration histogram in this
// module so that dashboards built against one apply to all of them.
var LatencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// ProjectionLabels identify which projection a metric belongs to.
var ProjectionLabels = []string{"projection"}

var (
	// EnvelopesClassified counts every classification decision the
	// validator makes.
	EnvelopesClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projoffset_envelopes_classified_total",
		Help: "the number of envelopes classified, by outcome",
	}, append(ProjectionLabels, "classification"))

	// CommitBatchSize records how many offset records were persisted
	// per saveOffsets call.
	CommitBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "projoffset_commit_batch_size",
		Help:    "the number of offset records in a persisted commit batch",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	}, ProjectionLabels)

	// CommitDurations records how long it took to persist a commit
	// batch.
	CommitDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "projoffset_commit_duration_seconds",
		Help:    "the length of time it took to persist an offset commit batch",
		Buckets: LatencyBuckets,
	}, ProjectionLabels)

	// CommitErrors counts failed offset-store writes.
	CommitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projoffset_commit_errors_total",
		Help: "the number of times an error was encountered while persisting offsets",
	}, ProjectionLabels)

	// ReplayTriggers counts calls made to Provider.TriggerReplay.
	ReplayTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projoffset_replay_triggers_total",
		Help: "the number of times a replay was requested from the provider",
	}, ProjectionLabels)

	// StateSize reports the number of records currently held in
	// memory across all slices, for keepNumberOfEntries monitoring.
	StateSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "projoffset_state_records",
		Help: "the number of records currently held in the in-memory offset state",
	}, ProjectionLabels)

	// RestartsTotal counts driver restarts triggered by the restart
	// backoff policy.
	RestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projoffset_restarts_total",
		Help: "the number of times the projection driver restarted after an unrecovered failure",
	}, ProjectionLabels)
)
