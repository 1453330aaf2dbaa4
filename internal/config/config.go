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

// Package config declares the projection's flag-bound Config, the
// same Bind/Preflight shape cdc-sink's internal/source/server/config.go
// uses, covering every option named in spec.md section 6.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/cockroachdb/projoffset/internal/driver"
	"github.com/cockroachdb/projoffset/internal/management"
)

// Config is the complete set of tunables for one projection.
type Config struct {
	ProjectionName string
	StreamID       string
	MinSlice       int
	MaxSlice       int

	// restartBackoff.*
	RestartMinBackoff   time.Duration
	RestartMaxBackoff   time.Duration
	RestartRandomFactor float64
	RestartMaxRestarts  int

	// recoveryStrategy.*
	RecoveryStrategyName string // fail | skip | retryAndFail | retryAndSkip
	RecoveryRetries      int
	RecoveryRetryDelay   time.Duration

	// atLeastOnce.*
	SaveOffsetAfterEnvelopes int
	SaveOffsetAfterDuration  time.Duration

	// grouped.*
	GroupAfterEnvelopes int
	GroupAfterDuration  time.Duration

	// management.*
	OperationTimeout time.Duration
	AskTimeout       time.Duration

	// offsetStore.*
	TimestampOffsetTable       string
	ManagementTable            string
	TimeWindow                 time.Duration
	KeepNumberOfEntries        int
	EvictInterval              time.Duration
	OffsetBatchSize            int
	OffsetSliceReadParallelism int
	PollInterval               time.Duration

	// timeToLive.*
	DefaultOffsetTTL time.Duration
	// TTLOverrides maps a projection-name pattern (an exact name, or a
	// prefix ending in "*") to its TTL, checked longest-match-first.
	TTLOverrides map[string]time.Duration
}

// Bind registers every flag above onto fs.
func (c *Config) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&c.ProjectionName, "projectionName", c.ProjectionName, "name of the projection, used as the store partition key")
	fs.StringVar(&c.StreamID, "streamId", c.StreamID, "identifier passed to the provider's eventsBySlices call")
	fs.IntVar(&c.MinSlice, "minSlice", 0, "lowest slice owned by this instance")
	fs.IntVar(&c.MaxSlice, "maxSlice", 1023, "highest slice owned by this instance")

	fs.DurationVar(&c.RestartMinBackoff, "restartBackoff.minBackoff", 100*time.Millisecond, "minimum restart backoff")
	fs.DurationVar(&c.RestartMaxBackoff, "restartBackoff.maxBackoff", 30*time.Second, "maximum restart backoff")
	fs.Float64Var(&c.RestartRandomFactor, "restartBackoff.randomFactor", 0.2, "restart backoff jitter factor")
	fs.IntVar(&c.RestartMaxRestarts, "restartBackoff.maxRestarts", -1, "maximum restarts; -1 unbounded, 0 disabled")

	fs.StringVar(&c.RecoveryStrategyName, "recoveryStrategy.strategy", "fail", "one of fail, skip, retryAndFail, retryAndSkip")
	fs.IntVar(&c.RecoveryRetries, "recoveryStrategy.retries", 3, "retry count for retryAndFail/retryAndSkip")
	fs.DurationVar(&c.RecoveryRetryDelay, "recoveryStrategy.retryDelay", time.Second, "maximum per-retry backoff")

	fs.IntVar(&c.SaveOffsetAfterEnvelopes, "atLeastOnce.saveOffsetAfterEnvelopes", 20, "at-least-once commit batch size")
	fs.DurationVar(&c.SaveOffsetAfterDuration, "atLeastOnce.saveOffsetAfterDuration", 500*time.Millisecond, "at-least-once commit interval")

	fs.IntVar(&c.GroupAfterEnvelopes, "grouped.groupAfterEnvelopes", 20, "grouped handler batch size")
	fs.DurationVar(&c.GroupAfterDuration, "grouped.groupAfterDuration", 500*time.Millisecond, "grouped handler flush interval")

	fs.DurationVar(&c.OperationTimeout, "management.operationTimeout", 10*time.Second, "overall management RPC budget")
	fs.DurationVar(&c.AskTimeout, "management.askTimeout", 3*time.Second, "per-attempt management RPC timeout (not applied by the management surface)")

	fs.StringVar(&c.TimestampOffsetTable, "offsetStore.timestampOffsetTable", "projoffset_offsets", "offset table name")
	fs.StringVar(&c.ManagementTable, "offsetStore.managementTable", "projoffset_management", "management table name")
	fs.DurationVar(&c.TimeWindow, "offsetStore.timeWindow", 10*time.Minute, "in-memory dedup retention window")
	fs.IntVar(&c.KeepNumberOfEntries, "offsetStore.keepNumberOfEntries", 10000, "eviction threshold")
	fs.DurationVar(&c.EvictInterval, "offsetStore.evictInterval", 10*time.Second, "eviction sweep interval")
	fs.IntVar(&c.OffsetBatchSize, "offsetStore.offsetBatchSize", 20, "persisted write batch size")
	fs.IntVar(&c.OffsetSliceReadParallelism, "offsetStore.offsetSliceReadParallelism", 16, "concurrent slice loads on startup")
	fs.DurationVar(&c.PollInterval, "offsetStore.pollInterval", 10*time.Second, "pull-loop backup poll interval")

	fs.DurationVar(&c.DefaultOffsetTTL, "timeToLive.projectionDefaults.offsetTimeToLive", 0, "default persisted-offset TTL; 0 disables TTL")
}

// Preflight validates the bound configuration.
func (c *Config) Preflight() error {
	if c.ProjectionName == "" {
		return errors.New("projectionName is required")
	}
	if c.MinSlice < 0 || c.MaxSlice > 1023 || c.MinSlice > c.MaxSlice {
		return errors.Errorf("invalid slice range [%d,%d]", c.MinSlice, c.MaxSlice)
	}
	if c.RestartRandomFactor < 0 {
		return errors.New("restartBackoff.randomFactor must be non-negative")
	}
	switch c.RecoveryStrategyName {
	case "fail", "skip", "retryAndFail", "retryAndSkip":
	default:
		return errors.Errorf("recoveryStrategy.strategy %q is not one of fail, skip, retryAndFail, retryAndSkip", c.RecoveryStrategyName)
	}
	if c.OffsetSliceReadParallelism <= 0 {
		return errors.New("offsetStore.offsetSliceReadParallelism must be positive")
	}
	return nil
}

// RecoveryStrategy builds the driver.RecoveryStrategy named by
// RecoveryStrategyName.
func (c *Config) RecoveryStrategy() driver.RecoveryStrategy {
	switch c.RecoveryStrategyName {
	case "skip":
		return driver.Skip()
	case "retryAndFail":
		return driver.RetryAndFail(c.RecoveryRetries, c.RecoveryRetryDelay)
	case "retryAndSkip":
		return driver.RetryAndSkip(c.RecoveryRetries, c.RecoveryRetryDelay)
	default:
		return driver.Fail()
	}
}

// ManagementConfig projects the management.* options.
func (c *Config) ManagementConfig() management.Config {
	return management.Config{AskTimeout: c.AskTimeout, OperationTimeout: c.OperationTimeout}
}

// DriverConfig projects the offsetStore.*/restartBackoff.* options
// into a driver.Config.
func (c *Config) DriverConfig() driver.Config {
	return driver.Config{
		Projection:                 c.ProjectionName,
		StreamID:                   c.StreamID,
		MinSlice:                   c.MinSlice,
		MaxSlice:                   c.MaxSlice,
		TimeWindow:                 c.TimeWindow,
		KeepNumberOfEntries:        c.KeepNumberOfEntries,
		EvictInterval:              c.EvictInterval,
		OffsetBatchSize:            c.OffsetBatchSize,
		OffsetSliceReadParallelism: c.OffsetSliceReadParallelism,
		PollInterval:               c.PollInterval,
		RestartMinBackoff:          c.RestartMinBackoff,
		RestartMaxBackoff:          c.RestartMaxBackoff,
		RestartRandomFactor:        c.RestartRandomFactor,
		RestartMaxRestarts:         c.RestartMaxRestarts,
	}
}

// TimeToLive returns the TTL configured for projection, checking
// TTLOverrides for the longest matching entry before falling back to
// DefaultOffsetTTL. An override key ending in "*" matches any
// projection name sharing that prefix, per spec.md section 6.
func (c *Config) TimeToLive(projection string) time.Duration {
	best := -1
	ttl := c.DefaultOffsetTTL
	for pattern, d := range c.TTLOverrides {
		if pattern == projection {
			return d
		}
		if strings.HasSuffix(pattern, "*") {
			prefix := strings.TrimSuffix(pattern, "*")
			if strings.HasPrefix(projection, prefix) && len(prefix) > best {
				best = len(prefix)
				ttl = d
			}
		}
	}
	return ttl
}
