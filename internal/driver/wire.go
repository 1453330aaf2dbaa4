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
	"github.com/google/wire"

	"github.com/cockroachdb/projoffset/internal/store"
	"github.com/cockroachdb/projoffset/internal/types"
)

// Set is the wire provider set for this package.
var Set = wire.NewSet(ProvideDriver)

// ProvideDriver assembles a Driver from its collaborators. Kept as a
// thin wrapper around New so that cmd/projoffset's injector has a
// single, consistently-named constructor per package to call, the
// same convention cdc-sink's Provide* functions follow.
func ProvideDriver(cfg Config, provider types.Provider, handler types.Handler, st store.Store, offsetStrategy OffsetStrategy, handlerStrategy HandlerStrategy) *Driver {
	return New(cfg, provider, handler, st, offsetStrategy, handlerStrategy)
}
