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

package postgres

import (
	"context"

	"github.com/google/wire"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Set is the wire provider set for this package, composed into
// cmd/projoffset's injector the same way cdc-sink composes
// cdc.Set/logical.Set.
var Set = wire.NewSet(ProvidePool, ProvideStore)

// ProvidePool opens a pgxpool.Pool against connString. The returned
// cleanup closes it.
func ProvidePool(ctx context.Context, connString string) (*pgxpool.Pool, func(), error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

// ProvideStore constructs a Store and ensures its schema exists.
func ProvideStore(ctx context.Context, pool *pgxpool.Pool, offsetTable, managementTable string, opts ...Option) (*Store, error) {
	return New(ctx, pool, offsetTable, managementTable, opts...)
}
