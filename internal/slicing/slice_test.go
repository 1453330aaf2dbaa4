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

package slicing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfIsStable(t *testing.T) {
	for _, pid := range []string{"p1", "p2", "entity-abc-123", ""} {
		first := Of(pid)
		for i := 0; i < 100; i++ {
			require.Equal(t, first, Of(pid), "hash must be stable across repeated calls")
		}
		assert.Less(t, int(first), NumSlices)
	}
}

func TestOfKnownValue(t *testing.T) {
	// h = 31*112 + 49 = 3521; 3521 mod 1024 = 449.
	require.EqualValues(t, 449, Of("p1"))
}

func TestRangeOfPartitionsExactly(t *testing.T) {
	const shards = 4
	seen := make(map[int]bool, NumSlices)
	for n := 0; n < shards; n++ {
		min, max := RangeOf(n, shards)
		require.Less(t, min, max+1)
		for s := min; s <= max; s++ {
			require.False(t, seen[s], "slice %d claimed twice", s)
			seen[s] = true
		}
	}
	require.Len(t, seen, NumSlices)
}

func TestRangeOfPanicsOnUnevenSplit(t *testing.T) {
	require.Panics(t, func() { RangeOf(0, 3) })
}
