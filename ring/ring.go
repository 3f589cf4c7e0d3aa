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

// Package ring implements slot arithmetic, wraparound and column
// addressing over a slab.Slab. It is the only package that
// understands what a slot number means; Slab just hands out bytes.
package ring

import (
	"encoding/binary"
	"math"

	"github.com/tgres/rondo/slab"
)

// DebugBoundsChecks toggles the bounds panic on Write/AddSlot. A
// host builds it into a release binary with this set to false once it
// trusts its own handle bookkeeping: bounds-checked in debug,
// bounds-assumed in release.
var DebugBoundsChecks = true

// Sample is one (timestamp, value) pair read out of a ring.
type Sample struct {
	Ts    int64 // unix nanoseconds
	Value float64
}

// Ring addresses one series' column within one slab.
type Ring struct {
	s        *slab.Slab
	column   uint32
	interval int64 // nanoseconds
	slots    int64
}

// New returns a Ring bound to the given slab and column. interval is
// the tier's step in nanoseconds and must equal the slab's stamped
// IntervalNs. A Ring is cheap to build; Store constructs one per call
// from a SeriesHandle rather than caching it.
func New(s *slab.Slab, column uint32, interval int64) *Ring {
	return &Ring{
		s:        s,
		column:   column,
		interval: interval,
		slots:    int64(s.SlotCount()),
	}
}

// Slot computes (ts / interval) mod slot_count. ts and interval are
// both nanoseconds.
func Slot(ts, interval, slotCount int64) int64 {
	return (ts / interval) % slotCount
}

func (r *Ring) slotFor(ts int64) int64 {
	return Slot(ts, r.interval, r.slots)
}

func (r *Ring) checkSlot(slot int64) {
	if DebugBoundsChecks && (slot < 0 || slot >= r.slots) {
		panic("ring: slot out of range")
	}
}

// Write commits one sample: ts into the timestamp column, value into
// this ring's value column, then advances the slab's write cursor.
// Two independent 8-byte stores; there is no lock and no allocation
// on this path.
func (r *Ring) Write(ts int64, value float64) {
	slot := r.slotFor(ts)
	r.checkSlot(slot)

	tsCol := r.s.TimestampColumn()
	binary.NativeEndian.PutUint64(tsCol[slot*8:slot*8+8], uint64(ts))

	valCol := r.s.ValueColumn(r.column)
	binary.NativeEndian.PutUint64(valCol[slot*8:slot*8+8], math.Float64bits(value))

	r.s.SetWriteCursor(uint32(slot))
}

// AddSlot performs a read-modify-write accumulation into the current
// slot for ts: an unwritten slot (ts==0, value NaN) is treated as 0,
// so the first Add on a fresh slot yields delta rather than NaN. This
// is the counter primitive for vcpu_exits_total-style metrics - it
// is not atomic with respect to
// concurrent writers, same single-writer precondition as Write.
func (r *Ring) AddSlot(ts int64, delta float64) {
	slot := r.slotFor(ts)
	r.checkSlot(slot)

	tsCol := r.s.TimestampColumn()
	existingTs := int64(binary.NativeEndian.Uint64(tsCol[slot*8 : slot*8+8]))

	valCol := r.s.ValueColumn(r.column)
	var cur float64
	if existingTs != 0 && existingTs/r.interval == ts/r.interval {
		cur = math.Float64frombits(binary.NativeEndian.Uint64(valCol[slot*8 : slot*8+8]))
		if math.IsNaN(cur) {
			cur = 0
		}
	}

	binary.NativeEndian.PutUint64(tsCol[slot*8:slot*8+8], uint64(ts))
	binary.NativeEndian.PutUint64(valCol[slot*8:slot*8+8], math.Float64bits(cur+delta))
	r.s.SetWriteCursor(uint32(slot))
}

func (r *Ring) readSlot(slot int64) (int64, float64) {
	tsCol := r.s.TimestampColumn()
	valCol := r.s.ValueColumn(r.column)
	ts := int64(binary.NativeEndian.Uint64(tsCol[slot*8 : slot*8+8]))
	val := math.Float64frombits(binary.NativeEndian.Uint64(valCol[slot*8 : slot*8+8]))
	return ts, val
}

// NewestTimestamp returns the timestamp stored at the slab's write
// cursor slot, i.e. newest_ts_in_source for the consolidation engine.
// The timestamp column and write cursor are shared by every column of
// the slab, so this is the slab's newest write, not necessarily this
// column's. It returns 0 if nothing has ever been written to the slab
// (which is indistinguishable from a write at ts==0, an acceptable
// ambiguity given the "unwritten slot" invariant).
func (r *Ring) NewestTimestamp() int64 {
	ts, _ := r.readSlot(int64(r.s.WriteCursor()))
	return ts
}

// OldestTimestamp returns the smallest timestamp currently held in
// this ring's column, or 0 if the column has never been written (the
// same "0 means absent" ambiguity NewestTimestamp documents). Unlike
// NewestTimestamp this cannot be read off a single slot - the slab
// carries no wrapped/not-wrapped flag - so it does a linear scan of
// every slot and keeps the minimum of whatever is actually present.
func (r *Ring) OldestTimestamp() int64 {
	var oldest int64
	for slot := int64(0); slot < r.slots; slot++ {
		ts, val := r.readSlot(slot)
		if ts == 0 || math.IsNaN(val) {
			continue
		}
		if oldest == 0 || ts < oldest {
			oldest = ts
		}
	}
	return oldest
}

// Read returns every (ts, value) pair in [start, end] in ascending
// timestamp order. A range spanning the whole
// ring or more is clamped to exactly one full pass over every slot,
// starting just after the write cursor; samples are still filtered
// to [start, end].
func (r *Ring) Read(start, end int64) []Sample {
	if start > end {
		return nil
	}

	out := make([]Sample, 0, r.slots)
	visit := func(slot int64) {
		ts, val := r.readSlot(slot)
		if ts == 0 {
			return
		}
		if math.IsNaN(val) {
			return
		}
		if ts < start || ts > end {
			return
		}
		out = append(out, Sample{Ts: ts, Value: val})
	}

	if end-start >= r.interval*r.slots {
		first := (int64(r.s.WriteCursor()) + 1) % r.slots
		for i := int64(0); i < r.slots; i++ {
			visit((first + i) % r.slots)
		}
		return out
	}

	startSlot := r.slotFor(start)
	endSlot := r.slotFor(end)
	if startSlot <= endSlot {
		for s := startSlot; s <= endSlot; s++ {
			visit(s)
		}
	} else {
		// Wraps once through zero.
		for s := startSlot; s < r.slots; s++ {
			visit(s)
		}
		for s := int64(0); s <= endSlot; s++ {
			visit(s)
		}
	}

	return out
}
