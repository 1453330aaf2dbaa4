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

package main

import (
	"time"

	"github.com/cockroachdb/projoffset/internal/management"
)

// appConfig is the flag-bound configuration for the admin CLI. It
// covers only the options the CLI needs to reach the offset store;
// the full projection Config (internal/config) is for an embedding
// application that also supplies a Provider and Handler.
type appConfig struct {
	ProjectionName   string
	ConnString       string
	OffsetTable      string
	ManagementTable  string
	AskTimeout       time.Duration
	OperationTimeout time.Duration
}

func provideProjectionName(cfg appConfig) string  { return cfg.ProjectionName }
func provideConnString(cfg appConfig) string      { return cfg.ConnString }
func provideOffsetTable(cfg appConfig) string     { return cfg.OffsetTable }
func provideManagementTable(cfg appConfig) string { return cfg.ManagementTable }

func provideManagementConfig(cfg appConfig) management.Config {
	return management.Config{AskTimeout: cfg.AskTimeout, OperationTimeout: cfg.OperationTimeout}
}
