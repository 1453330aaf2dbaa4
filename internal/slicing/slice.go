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

// Package slicing implements the deterministic pid -> slice mapping
// that assigns every persistence id to one of a fixed number of
// parallel consumer shards.
package slicing

import "unicode/utf16"

// NumSlices is the maximum number of slices a projection can be split
// across. Slice values are always in [0, NumSlices).
const NumSlices = 1024

// Of computes the slice for a persistence id. The hash is the classic
// Java String.hashCode polynomial,
//
//	h = s[0]*31^(n-1) + s[1]*31^(n-2) + ... + s[n-1]
//
// evaluated over the pid's UTF-16 code units (not bytes or runes) with
// 32-bit wraparound, so that other implementations of this same spec
// compute identical slice assignments for identical pids -- including
// the platform that originated this convention, which defines string
// hashing over UTF-16 chars. The result is reduced into [0, NumSlices)
// using the absolute value of the hash; math.MinInt32's absolute value
// overflows back to itself in 32-bit arithmetic, so that one bit
// pattern is special-cased to slice 0.
func Of(pid string) uint16 {
	var h int32
	for _, unit := range utf16.Encode([]rune(pid)) {
		h = 31*h + int32(unit)
	}
	if h == -1<<31 {
		return 0
	}
	if h < 0 {
		h = -h
	}
	return uint16(int(h) % NumSlices)
}

// RangeOf returns the slice range [min, max] (inclusive, per
// spec.md's "projection owns a contiguous sub-range [minSlice,
// maxSlice]") for the nth of numProjections equally-sized shards. It
// panics if numProjections does not evenly divide NumSlices, to catch
// misconfiguration early rather than silently dropping slices.
func RangeOf(n, numProjections int) (min, max int) {
	if numProjections <= 0 || NumSlices%numProjections != 0 {
		panic("slicing: numProjections must evenly divide NumSlices")
	}
	width := NumSlices / numProjections
	return n * width, (n+1)*width - 1
}
