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

package slab

import (
	"encoding/binary"
	"path/filepath"
	"testing"
)

func TestCreateSizeAndHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tier0.rondo")

	s, err := Create(path, 0xdeadbeef, 600, 16, uint64(1e9))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	if got, want := s.SlotCount(), uint32(600); got != want {
		t.Errorf("SlotCount() = %d, want %d", got, want)
	}
	if got, want := s.MaxSeries(), uint32(16); got != want {
		t.Errorf("MaxSeries() = %d, want %d", got, want)
	}
	if got, want := s.SchemaHash(), uint64(0xdeadbeef); got != want {
		t.Errorf("SchemaHash() = %#x, want %#x", got, want)
	}
	if got, want := Size(600, 16), int64(64+16*4+600*8+600*16*8); got != want {
		t.Errorf("Size() = %d, want %d", got, want)
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tier0.rondo")

	s, err := Create(path, 111, 60, 4, uint64(1e9))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Close()

	if _, err := Open(path, 222); err != ErrSchemaMismatch {
		t.Fatalf("Open with wrong hash: got %v, want ErrSchemaMismatch", err)
	}
}

func TestOpenRejectsMagicMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notaslab.rondo")

	s, err := Create(path, 1, 10, 1, uint64(1e9))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Corrupt the magic in place.
	binary.NativeEndian.PutUint32(s.data[0:4], 0)
	s.Close()

	if _, err := Open(path, 1); err != ErrMagicMismatch {
		t.Fatalf("Open with corrupt magic: got %v, want ErrMagicMismatch", err)
	}
}

func TestCreateRejectsSizeDisagreement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tier0.rondo")

	s, err := Create(path, 1, 60, 4, uint64(1e9))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Close()

	if _, err := Create(path, 1, 61, 4, uint64(1e9)); err != ErrSizeMismatch {
		t.Fatalf("Create with disagreeing slot count: got %v, want ErrSizeMismatch", err)
	}
}

func TestCreateIsIdempotentForIdenticalParams(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tier0.rondo")

	s1, err := Create(path, 42, 60, 4, uint64(1e9))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s1.Close()

	s2, err := Create(path, 42, 60, 4, uint64(1e9))
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	defer s2.Close()
}

func TestValueColumnDoesNotOverlap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tier0.rondo")

	s, err := Create(path, 1, 10, 3, uint64(1e9))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	col0 := s.ValueColumn(0)
	col1 := s.ValueColumn(1)
	col2 := s.ValueColumn(2)
	if len(col0) != 10*8 {
		t.Fatalf("len(col0) = %d, want %d", len(col0), 10*8)
	}
	binary.NativeEndian.PutUint64(col0[0:8], 1)
	binary.NativeEndian.PutUint64(col1[0:8], 2)
	binary.NativeEndian.PutUint64(col2[0:8], 3)
	if binary.NativeEndian.Uint64(col0[0:8]) != 1 {
		t.Errorf("col0 clobbered")
	}
	if binary.NativeEndian.Uint64(col1[0:8]) != 2 {
		t.Errorf("col1 clobbered")
	}
	if binary.NativeEndian.Uint64(col2[0:8]) != 3 {
		t.Errorf("col2 clobbered")
	}
}
