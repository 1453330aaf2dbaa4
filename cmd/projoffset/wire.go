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

//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/google/wire"

	"github.com/cockroachdb/projoffset/internal/management"
	"github.com/cockroachdb/projoffset/internal/store/postgres"
)

// adminFixture bundles the collaborators the admin CLI needs: a
// management.Surface backed by a live postgres.Store.
type adminFixture struct {
	Surface *management.Surface
	Store   *postgres.Store
}

// newAdminFixture is the wire injector; wire_gen.go is its
// hand-authored expansion, since the wire code generator is never run
// in this module.
func newAdminFixture(ctx context.Context, cfg appConfig) (*adminFixture, func(), error) {
	panic(wire.Build(
		postgres.Set,
		management.Set,
		provideManagementConfig,
		provideProjectionName,
		provideConnString,
		provideOffsetTable,
		provideManagementTable,
		wire.Struct(new(adminFixture), "*"),
	))
}
