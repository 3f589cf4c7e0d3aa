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

package export

import (
	"path/filepath"
	"testing"

	"github.com/tgres/rondo/ring"
	"github.com/tgres/rondo/schema"
	"github.com/tgres/rondo/series"
	"github.com/tgres/rondo/slab"
)

type fakeSource struct {
	slabs  map[int]*slab.Slab // tierIndex -> slab, single schema
	series []series.Info
}

func (f *fakeSource) Slab(schemaIndex, tierIndex int) *slab.Slab {
	if schemaIndex != 0 {
		return nil
	}
	return f.slabs[tierIndex]
}

func (f *fakeSource) Series(schemaIndex int) []series.Info {
	if schemaIndex != 0 {
		return nil
	}
	return f.series
}

func testSchemas() []schema.Schema {
	return []schema.Schema{
		{
			Name:      "vmm",
			MaxSeries: 4,
			Tiers:     []schema.Tier{{IntervalNs: 1e9, RetentionNs: 600e9}},
		},
	}
}

func TestDrainAtLeastOnceReplaysOnMissedAck(t *testing.T) {
	dir := t.TempDir()
	tier0 := mustSlab(t, dir, "tier0.slab")
	r := ring.New(tier0, 0, 1e9)
	r.Write(1e9, 1)
	r.Write(2e9, 2)

	src := &fakeSource{
		slabs:  map[int]*slab.Slab{0: tier0},
		series: []series.Info{{Name: "cpu.busy", Column: 0}},
	}

	cursorDir := t.TempDir()
	store := NewJSONCursorStore(cursorDir)

	mgr1 := NewManager(store, testSchemas())
	batches, err := mgr1.Drain(src, "dest-a", 0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(batches) != 1 || len(batches[0].Points) != 2 {
		t.Fatalf("batches = %+v, want 1 batch of 2 points", batches)
	}
	// Simulate a crash: no Ack call, no persistence happened.

	mgr2 := NewManager(store, testSchemas())
	replay, err := mgr2.Drain(src, "dest-a", 0)
	if err != nil {
		t.Fatalf("replay Drain: %v", err)
	}
	if len(replay) != 1 || len(replay[0].Points) != 2 {
		t.Fatalf("replay = %+v, want the same 2 points (at-least-once)", replay)
	}
}

func TestDrainAtLeastOnceAckAdvancesCursor(t *testing.T) {
	dir := t.TempDir()
	tier0 := mustSlab(t, dir, "tier0.slab")
	r := ring.New(tier0, 0, 1e9)
	r.Write(1e9, 1)
	r.Write(2e9, 2)

	src := &fakeSource{
		slabs:  map[int]*slab.Slab{0: tier0},
		series: []series.Info{{Name: "cpu.busy", Column: 0}},
	}

	store := NewJSONCursorStore(t.TempDir())
	mgr := NewManager(store, testSchemas())

	if _, err := mgr.Drain(src, "dest-b", 0); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := mgr.Ack("dest-b", 0); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// A subsequent drain with no new writes must return nothing.
	again, err := mgr.Drain(src, "dest-b", 0)
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second Drain = %+v, want empty (nothing new since Ack)", again)
	}
}

func TestDrainSaveBeforeAckDoesNotReplay(t *testing.T) {
	dir := t.TempDir()
	tier0 := mustSlab(t, dir, "tier0.slab")
	r := ring.New(tier0, 0, 1e9)
	r.Write(1e9, 1)

	src := &fakeSource{
		slabs:  map[int]*slab.Slab{0: tier0},
		series: []series.Info{{Name: "cpu.busy", Column: 0}},
	}

	store := NewJSONCursorStore(t.TempDir())

	mgr1 := NewManager(store, testSchemas())
	mgr1.Configure("dest-c", 0, true) // SaveBeforeAck
	batches, err := mgr1.Drain(src, "dest-c", 0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %+v, want 1", batches)
	}
	// No Ack call - but the cursor was already persisted inside Drain.

	mgr2 := NewManager(store, testSchemas())
	replay, err := mgr2.Drain(src, "dest-c", 0)
	if err != nil {
		t.Fatalf("replay Drain: %v", err)
	}
	if len(replay) != 0 {
		t.Fatalf("replay = %+v, want empty (SaveBeforeAck already committed)", replay)
	}
}

func TestDrainIndependentPerDestination(t *testing.T) {
	dir := t.TempDir()
	tier0 := mustSlab(t, dir, "tier0.slab")
	r := ring.New(tier0, 0, 1e9)
	r.Write(1e9, 1)

	src := &fakeSource{
		slabs:  map[int]*slab.Slab{0: tier0},
		series: []series.Info{{Name: "cpu.busy", Column: 0}},
	}

	store := NewJSONCursorStore(t.TempDir())
	mgr := NewManager(store, testSchemas())

	if _, err := mgr.Drain(src, "dest-x", 0); err != nil {
		t.Fatalf("Drain dest-x: %v", err)
	}
	if err := mgr.Ack("dest-x", 0); err != nil {
		t.Fatalf("Ack dest-x: %v", err)
	}

	batches, err := mgr.Drain(src, "dest-y", 0)
	if err != nil {
		t.Fatalf("Drain dest-y: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("dest-y batches = %+v, want 1 (independent cursor from dest-x)", batches)
	}
}

func mustSlab(t *testing.T, dir, name string) *slab.Slab {
	t.Helper()
	s, err := slab.Create(filepath.Join(dir, name), 1, 100, 4, 1e9)
	if err != nil {
		t.Fatalf("slab.Create: %v", err)
	}
	return s
}
