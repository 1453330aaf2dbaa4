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

// Command projoffset is an administrative client for the management
// surface described in spec.md section 4.7: pause/resume a
// projection, and inspect or clear a slice's persisted offset. The
// pull-process-commit loop itself (internal/driver) is a library
// component meant to be embedded by an application that supplies a
// concrete event-source Provider and Handler -- those are external
// collaborators this module consumes but does not implement.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/pkg/errors"

	"github.com/cockroachdb/projoffset/internal/types"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.WithError(err).Error("projoffset command failed")
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: projoffset <pause|resume|status|get-offset|set-offset|clear-offset> [flags]")
	}
	cmd, rest := args[0], args[1:]

	fs := pflag.NewFlagSet("projoffset", pflag.ContinueOnError)
	var cfg appConfig
	fs.StringVar(&cfg.ProjectionName, "projection", "", "projection name")
	fs.StringVar(&cfg.ConnString, "conn", "", "CockroachDB/Postgres connection string")
	fs.StringVar(&cfg.OffsetTable, "offsetTable", "projoffset_offsets", "offset table name")
	fs.StringVar(&cfg.ManagementTable, "managementTable", "projoffset_management", "management table name")
	fs.DurationVar(&cfg.AskTimeout, "askTimeout", 3*time.Second, "per-attempt RPC timeout (not applied by the management surface)")
	fs.DurationVar(&cfg.OperationTimeout, "operationTimeout", 10*time.Second, "overall RPC budget")
	var slice int
	fs.IntVar(&slice, "slice", -1, "slice number, required for get-offset/set-offset/clear-offset")
	var timestamp string
	fs.StringVar(&timestamp, "timestamp", "", "RFC3339 resume timestamp, required for set-offset")
	var seen string
	fs.StringVar(&seen, "seen", "", "comma-separated pid:seqNr pairs observed at timestamp, for set-offset")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if cfg.ProjectionName == "" || cfg.ConnString == "" {
		return errors.New("--projection and --conn are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout+5*time.Second)
	defer cancel()

	fixture, cleanup, err := newAdminFixture(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "connecting to offset store")
	}
	defer cleanup()

	switch cmd {
	case "pause":
		return fixture.Surface.SetPaused(ctx, true)

	case "resume":
		return fixture.Surface.SetPaused(ctx, false)

	case "status":
		state, err := fixture.Surface.GetManagementState(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("projection=%s paused=%v\n", cfg.ProjectionName, state.Paused)
		return nil

	case "get-offset":
		if slice < 0 {
			return errors.New("--slice is required")
		}
		offset, err := fixture.Surface.GetOffset(ctx, uint16(slice))
		if err != nil {
			return err
		}
		fmt.Printf("slice=%d timestamp=%s seen=%d pids\n", slice, offset.Timestamp, len(offset.Seen))
		return nil

	case "set-offset":
		if slice < 0 {
			return errors.New("--slice is required")
		}
		if timestamp == "" {
			return errors.New("--timestamp is required")
		}
		ts, err := time.Parse(time.RFC3339, timestamp)
		if err != nil {
			return errors.Wrap(err, "parsing --timestamp")
		}
		offset := types.TimestampOffset{Timestamp: ts, Seen: map[string]uint64{}}
		if seen != "" {
			for _, pair := range strings.Split(seen, ",") {
				pid, rawSeqNr, ok := strings.Cut(pair, ":")
				if !ok {
					return errors.Errorf("--seen entry %q must be pid:seqNr", pair)
				}
				seqNr, err := strconv.ParseUint(rawSeqNr, 10, 64)
				if err != nil {
					return errors.Wrapf(err, "parsing seqNr in --seen entry %q", pair)
				}
				offset.Seen[pid] = seqNr
			}
		}
		if err := fixture.Surface.SetOffset(ctx, uint16(slice), &offset); err != nil {
			return err
		}
		fmt.Printf("set offset for slice %d\n", slice)
		return nil

	case "clear-offset":
		if slice < 0 {
			return errors.New("--slice is required")
		}
		if err := fixture.Surface.ClearOffset(ctx, uint16(slice)); err != nil {
			return err
		}
		fmt.Printf("cleared slice %s\n", strconv.Itoa(slice))
		return nil

	default:
		return errors.Errorf("unknown command %q", cmd)
	}
}
