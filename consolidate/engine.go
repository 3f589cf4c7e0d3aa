//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
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

// Package consolidate implements the tiered consolidation cascade:
// rolling up a schema's high-resolution tier into its coarser tiers,
// in cascade order, driven entirely by a caller (there is no
// background goroutine here).
package consolidate

import (
	"fmt"

	"github.com/tgres/rondo/ring"
	"github.com/tgres/rondo/schema"
	"github.com/tgres/rondo/slab"
)

// SlabSource is the narrow view of a store that the engine needs: the
// slab backing a given (schema, tier) pair, and how many columns in
// that schema are actually registered (columns beyond that are
// guaranteed all-NaN and not worth scanning).
type SlabSource interface {
	Slab(schemaIndex, tierIndex int) *slab.Slab
	SeriesCount(schemaIndex int) uint32
}

// Engine runs the cascade sweep and tracks its cursors.
type Engine struct {
	cursors *Cursors
}

// NewEngine wraps a loaded cursor set.
func NewEngine(cursors *Cursors) *Engine {
	return &Engine{cursors: cursors}
}

// Run sweeps every schema's tier chain once, tier 0->1, then 1->2, and
// so on, so that a freshly-written tier N is immediately visible as
// the source for tier N+1 within the same call, the cascade
// requirement. It returns the total number of destination
// slots written (including slots written as NaN - a write happened
// either way) and persists the advanced cursors before returning.
func (e *Engine) Run(src SlabSource, schemas []schema.Schema) (int, error) {
	total := 0
	for schemaIndex, sch := range schemas {
		count := src.SeriesCount(schemaIndex)
		for destTierIndex := 1; destTierIndex < len(sch.Tiers); destTierIndex++ {
			sourceTierIndex := destTierIndex - 1
			n, err := e.sweepTierPair(src, schemaIndex, sch, sourceTierIndex, destTierIndex, count)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	if err := e.cursors.Save(); err != nil {
		return total, err
	}
	return total, nil
}

// sweepTierPair rolls source tier data into dest tier for every
// registered column of one schema.
func (e *Engine) sweepTierPair(src SlabSource, schemaIndex int, sch schema.Schema, sourceTierIndex, destTierIndex int, columnCount uint32) (int, error) {
	sourceSlab := src.Slab(schemaIndex, sourceTierIndex)
	destSlab := src.Slab(schemaIndex, destTierIndex)
	if sourceSlab == nil || destSlab == nil {
		return 0, fmt.Errorf("consolidate: schema %d tier pair (%d,%d) has no backing slab", schemaIndex, sourceTierIndex, destTierIndex)
	}

	sourceTier := sch.Tiers[sourceTierIndex]
	destTier := sch.Tiers[destTierIndex]

	// The timestamp column is shared by every series in a slab, so
	// column 0 is as good as any for reading the source's newest
	// timestamp.
	probe := ring.New(sourceSlab, 0, sourceTier.IntervalNs)
	newestSrcTs := probe.NewestTimestamp()

	cursor := e.cursors.Get(schemaIndex, destTierIndex)
	if newestSrcTs <= cursor {
		return 0, nil
	}

	written := 0
	lastWindow := cursor
	for w := cursor + destTier.IntervalNs; w <= newestSrcTs; w += destTier.IntervalNs {
		windowStart := w - destTier.IntervalNs + 1 // exclusive lower bound, +1ns to make it inclusive for Read
		windowEnd := w

		for column := uint32(0); column < columnCount; column++ {
			sourceRing := ring.New(sourceSlab, column, sourceTier.IntervalNs)
			samples := sourceRing.Read(windowStart, windowEnd)
			values := make([]float64, len(samples))
			for i, s := range samples {
				values[i] = s.Value
			}

			result := reduce(destTier.Fn, filterFinite(values))

			destRing := ring.New(destSlab, column, destTier.IntervalNs)
			destRing.Write(w, result)
			written++
		}
		lastWindow = w
	}

	e.cursors.Advance(schemaIndex, destTierIndex, lastWindow)
	return written, nil
}
