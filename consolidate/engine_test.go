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

package consolidate

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/tgres/rondo/ring"
	"github.com/tgres/rondo/schema"
	"github.com/tgres/rondo/slab"
)

const second = int64(1e9)

// harness is a minimal SlabSource backing one schema with a fixed
// column count, used to drive the engine without a full Store.
type harness struct {
	slabs   [][]*slab.Slab // [schemaIndex][tierIndex] -> slab
	columns uint32
}

func (h *harness) Slab(schemaIndex, tierIndex int) *slab.Slab {
	return h.slabs[schemaIndex][tierIndex]
}

func (h *harness) SeriesCount(schemaIndex int) uint32 {
	return h.columns
}

func mustSlab(t *testing.T, dir, name string, slotCount uint32, intervalNs uint64) *slab.Slab {
	t.Helper()
	s, err := slab.Create(filepath.Join(dir, name), 1, slotCount, 4, intervalNs)
	if err != nil {
		t.Fatalf("slab.Create(%s): %v", name, err)
	}
	return s
}

func TestConsolidateAverageS3(t *testing.T) {
	dir := t.TempDir()
	tier0 := mustSlab(t, dir, "tier0.slab", 100, uint64(second))
	tier1 := mustSlab(t, dir, "tier1.slab", 100, uint64(10*second))

	r0 := ring.New(tier0, 0, second)
	for i := int64(1); i <= 20; i++ {
		r0.Write(i*second, float64(i))
	}

	sch := schema.Schema{
		Name: "s3",
		Tiers: []schema.Tier{
			{IntervalNs: second, RetentionNs: 100 * second, Fn: schema.Average},
			{IntervalNs: 10 * second, RetentionNs: 1000 * second, Fn: schema.Average},
		},
		MaxSeries: 4,
	}

	h := &harness{slabs: [][]*slab.Slab{{tier0, tier1}}, columns: 1}
	cursors, err := LoadCursors(filepath.Join(dir, "cursors.json"))
	if err != nil {
		t.Fatalf("LoadCursors: %v", err)
	}
	eng := NewEngine(cursors)

	written, err := eng.Run(h, []schema.Schema{sch})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d, want 2", written)
	}

	r1 := ring.New(tier1, 0, 10*second)
	got := r1.Read(0, 20*second)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Ts != 10*second || got[0].Value != 5.5 {
		t.Fatalf("got[0] = %+v, want {10s 5.5}", got[0])
	}
	if got[1].Ts != 20*second || got[1].Value != 15.5 {
		t.Fatalf("got[1] = %+v, want {20s 15.5}", got[1])
	}
}

func TestConsolidateCascadeS4(t *testing.T) {
	dir := t.TempDir()
	tier0 := mustSlab(t, dir, "tier0.slab", 1000, uint64(second))
	tier1 := mustSlab(t, dir, "tier1.slab", 1000, uint64(10*second))
	tier2 := mustSlab(t, dir, "tier2.slab", 1000, uint64(300*second))

	r0 := ring.New(tier0, 0, second)
	for i := int64(1); i <= 600; i++ {
		r0.Write(i*second, float64(i))
	}

	sch := schema.Schema{
		Name: "s4",
		Tiers: []schema.Tier{
			{IntervalNs: second, RetentionNs: 1000 * second, Fn: schema.Average},
			{IntervalNs: 10 * second, RetentionNs: 10000 * second, Fn: schema.Average},
			{IntervalNs: 300 * second, RetentionNs: 300000 * second, Fn: schema.Average},
		},
		MaxSeries: 4,
	}

	h := &harness{slabs: [][]*slab.Slab{{tier0, tier1, tier2}}, columns: 1}
	cursors, err := LoadCursors(filepath.Join(dir, "cursors.json"))
	if err != nil {
		t.Fatalf("LoadCursors: %v", err)
	}
	eng := NewEngine(cursors)

	if _, err := eng.Run(h, []schema.Schema{sch}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	r1 := ring.New(tier1, 0, 10*second)
	tier1Points := r1.Read(0, 600*second)
	if len(tier1Points) != 60 {
		t.Fatalf("len(tier1Points) = %d, want 60", len(tier1Points))
	}

	r2 := ring.New(tier2, 0, 300*second)
	tier2Points := r2.Read(0, 600*second)
	if len(tier2Points) != 2 {
		t.Fatalf("len(tier2Points) = %d, want 2", len(tier2Points))
	}
	if tier2Points[0].Ts != 300*second || tier2Points[0].Value != 150.5 {
		t.Fatalf("tier2Points[0] = %+v, want {300s 150.5}", tier2Points[0])
	}
	if tier2Points[1].Ts != 600*second || tier2Points[1].Value != 450.5 {
		t.Fatalf("tier2Points[1] = %+v, want {600s 450.5}", tier2Points[1])
	}
}

func TestConsolidateCursorMonotonicAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	tier0 := mustSlab(t, dir, "tier0.slab", 100, uint64(second))
	tier1 := mustSlab(t, dir, "tier1.slab", 100, uint64(10*second))

	r0 := ring.New(tier0, 0, second)
	for i := int64(1); i <= 10; i++ {
		r0.Write(i*second, float64(i))
	}

	sch := schema.Schema{
		Name: "idem",
		Tiers: []schema.Tier{
			{IntervalNs: second, RetentionNs: 100 * second, Fn: schema.Average},
			{IntervalNs: 10 * second, RetentionNs: 1000 * second, Fn: schema.Average},
		},
		MaxSeries: 4,
	}
	h := &harness{slabs: [][]*slab.Slab{{tier0, tier1}}, columns: 1}

	cursorPath := filepath.Join(dir, "cursors.json")
	cursors, err := LoadCursors(cursorPath)
	if err != nil {
		t.Fatalf("LoadCursors: %v", err)
	}
	eng := NewEngine(cursors)

	n1, err := eng.Run(h, []schema.Schema{sch})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if n1 != 1 {
		t.Fatalf("n1 = %d, want 1", n1)
	}

	// Running again with no new source data must write nothing: the
	// cursor already covers everything available.
	n2, err := eng.Run(h, []schema.Schema{sch})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("n2 = %d, want 0 (idempotent when no new source data)", n2)
	}

	// A fresh Engine loaded from the persisted cursor file must see
	// the same state - cursors survive a restart.
	reloaded, err := LoadCursors(cursorPath)
	if err != nil {
		t.Fatalf("reload cursors: %v", err)
	}
	if got := reloaded.Get(0, 1); got != 10*second {
		t.Fatalf("reloaded cursor = %d, want %d", got, 10*second)
	}
}

func TestConsolidateEmptyWindowWritesNaNExceptCount(t *testing.T) {
	dir := t.TempDir()
	tier0 := mustSlab(t, dir, "tier0.slab", 100, uint64(second))
	tier1 := mustSlab(t, dir, "tier1.slab", 100, uint64(10*second))

	// One sample lands in the first window (0,10]; the window (10,20]
	// receives no source samples at all, forcing a NaN write.
	r0 := ring.New(tier0, 0, second)
	r0.Write(5*second, 42)
	r0.Write(25*second, 99)

	avgSchema := schema.Schema{
		Tiers: []schema.Tier{
			{IntervalNs: second, RetentionNs: 100 * second, Fn: schema.Average},
			{IntervalNs: 10 * second, RetentionNs: 1000 * second, Fn: schema.Average},
		},
		MaxSeries: 4,
	}
	h := &harness{slabs: [][]*slab.Slab{{tier0, tier1}}, columns: 1}
	cursors, _ := LoadCursors(filepath.Join(dir, "cursors_avg.json"))
	eng := NewEngine(cursors)
	written, err := eng.Run(h, []schema.Schema{avgSchema})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d, want 2 (a NaN write still counts as a write)", written)
	}

	slot := ring.Slot(20*second, 10*second, 100)
	valCol := tier1.ValueColumn(0)
	raw := binary.NativeEndian.Uint64(valCol[slot*8 : slot*8+8])
	if !math.IsNaN(math.Float64frombits(raw)) {
		t.Fatalf("empty window value = %v, want NaN", math.Float64frombits(raw))
	}

	// The first window did have data and must not be NaN.
	r1 := ring.New(tier1, 0, 10*second)
	got := r1.Read(0, 10*second)
	if len(got) != 1 || got[0].Value != 42 {
		t.Fatalf("got = %+v, want one sample with value 42", got)
	}
}

func TestConsolidateCountOfEmptyWindowIsZero(t *testing.T) {
	dir := t.TempDir()
	tier0 := mustSlab(t, dir, "tier0.slab", 100, uint64(second))
	tier1 := mustSlab(t, dir, "tier1.slab", 100, uint64(10*second))

	r0 := ring.New(tier0, 0, second)
	for i := int64(1); i <= 5; i++ {
		r0.Write(i*second, float64(i))
	}
	// Advance the shared write cursor out past two empty 10s windows -
	// (10s,20s] and (20s,30s] both hold zero source samples.
	r0.Write(31*second, 99)

	countSchema := schema.Schema{
		Tiers: []schema.Tier{
			{IntervalNs: second, RetentionNs: 100 * second, Fn: schema.Count},
			{IntervalNs: 10 * second, RetentionNs: 1000 * second, Fn: schema.Count},
		},
		MaxSeries: 4,
	}
	h := &harness{slabs: [][]*slab.Slab{{tier0, tier1}}, columns: 1}
	cursors, _ := LoadCursors(filepath.Join(dir, "cursors_count.json"))
	eng := NewEngine(cursors)
	if _, err := eng.Run(h, []schema.Schema{countSchema}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	slot20 := ring.Slot(20*second, 10*second, 100)
	slot30 := ring.Slot(30*second, 10*second, 100)
	valCol := tier1.ValueColumn(0)
	v20 := math.Float64frombits(binary.NativeEndian.Uint64(valCol[slot20*8 : slot20*8+8]))
	v30 := math.Float64frombits(binary.NativeEndian.Uint64(valCol[slot30*8 : slot30*8+8]))
	if v20 != 0 {
		t.Fatalf("empty window (10,20] count = %v, want 0 (Count of empty is 0, not NaN)", v20)
	}
	if v30 != 0 {
		t.Fatalf("empty window (20,30] count = %v, want 0", v30)
	}

	r1 := ring.New(tier1, 0, 10*second)
	got := r1.Read(0, 10*second)
	if len(got) != 1 || got[0].Value != 5 {
		t.Fatalf("first window = %+v, want one sample with count 5", got)
	}
}
