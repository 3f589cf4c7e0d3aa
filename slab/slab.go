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

// Package slab owns the physical, memory-mapped backing of a single
// (schema, tier) pair: a fixed-size file with a 64-byte header, a
// series directory, one timestamp column and max_series value
// columns. Nothing in this package knows about slot arithmetic or
// series registration - that is Ring's and the registry's job. Slab
// only hands out typed, bounds-checked access to the raw columns.
package slab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
)

const (
	// Magic identifies a rondo slab file.
	Magic uint32 = 0x4f444e52 // "RNDO" little-endian-packed as a uint32
	// Version is the current on-disk format version.
	Version uint32 = 1

	headerSize = 64
)

var (
	ErrMagicMismatch      = errors.New("slab: magic mismatch, file is not a rondo slab")
	ErrVersionUnsupported = errors.New("slab: unsupported version")
	ErrSchemaMismatch     = errors.New("slab: schema hash mismatch")
	ErrSizeMismatch       = errors.New("slab: existing file size disagrees with computed size")
)

// Header is the bit-exact 64-byte slab header, native-endian on disk.
// Field order and widths are fixed; the 24 reserved
// bytes are not represented here (they are zeroed on Create and never
// read).
type Header struct {
	Magic        uint32
	Version      uint32
	SchemaHash   uint64
	SlotCount    uint32
	MaxSeries    uint32
	IntervalNs   uint64
	WriteCursor  uint32
	SeriesCount  uint32
}

// Slab is one mmap-backed (schema, tier) file.
type Slab struct {
	path string
	data []byte // the whole mapped file

	slotCount uint32
	maxSeries uint32

	seriesDir []byte // max_series x uint32, identity-mapped column offsets
	tsCol     []byte // slot_count x uint64 (nanoseconds)
	valCols   []byte // max_series x slot_count x float64, contiguous
}

// Size computes the exact file size for a slab with the given slot
// count and series cap.
func Size(slotCount, maxSeries uint32) int64 {
	return int64(headerSize) +
		int64(maxSeries)*4 +
		int64(slotCount)*8 +
		int64(slotCount)*int64(maxSeries)*8
}

func encodeHeader(h *Header) []byte {
	buf := make([]byte, headerSize)
	binary.NativeEndian.PutUint32(buf[0:4], h.Magic)
	binary.NativeEndian.PutUint32(buf[4:8], h.Version)
	binary.NativeEndian.PutUint64(buf[8:16], h.SchemaHash)
	binary.NativeEndian.PutUint32(buf[16:20], h.SlotCount)
	binary.NativeEndian.PutUint32(buf[20:24], h.MaxSeries)
	binary.NativeEndian.PutUint64(buf[24:32], h.IntervalNs)
	binary.NativeEndian.PutUint32(buf[32:36], h.WriteCursor)
	binary.NativeEndian.PutUint32(buf[36:40], h.SeriesCount)
	// buf[40:64] stays zero - reserved.
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		Magic:       binary.NativeEndian.Uint32(buf[0:4]),
		Version:     binary.NativeEndian.Uint32(buf[4:8]),
		SchemaHash:  binary.NativeEndian.Uint64(buf[8:16]),
		SlotCount:   binary.NativeEndian.Uint32(buf[16:20]),
		MaxSeries:   binary.NativeEndian.Uint32(buf[20:24]),
		IntervalNs:  binary.NativeEndian.Uint64(buf[24:32]),
		WriteCursor: binary.NativeEndian.Uint32(buf[32:36]),
		SeriesCount: binary.NativeEndian.Uint32(buf[36:40]),
	}
}

// Create allocates a new slab file at path, zeroes it, writes the
// header and the identity-mapped series directory, fills every value
// slot with NaN (the unwritten-slot sentinel), and fsyncs it. If
// the file already exists, its header is checked against the
// computed one; a disagreement is an error rather than a silent
// truncate-and-recreate.
func Create(path string, schemaHash uint64, slotCount, maxSeries uint32, intervalNs uint64) (*Slab, error) {
	size := Size(slotCount, maxSeries)

	if fi, err := os.Stat(path); err == nil {
		if fi.Size() != size {
			return nil, ErrSizeMismatch
		}
		existing, err := Open(path, schemaHash)
		if err != nil {
			return nil, err
		}
		if existing.SlotCount() != slotCount || existing.MaxSeries() != maxSeries || existing.IntervalNs() != intervalNs {
			existing.Close()
			return nil, ErrSizeMismatch
		}
		return existing, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("slab: stat %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("slab: create %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return nil, fmt.Errorf("slab: truncate %s: %w", path, err)
	}

	hdr := Header{
		Magic:      Magic,
		Version:    Version,
		SchemaHash: schemaHash,
		SlotCount:  slotCount,
		MaxSeries:  maxSeries,
		IntervalNs: intervalNs,
	}
	if _, err := f.WriteAt(encodeHeader(&hdr), 0); err != nil {
		return nil, fmt.Errorf("slab: write header %s: %w", path, err)
	}

	// Identity-map the series directory: column i lives at offset i.
	dir := make([]byte, int(maxSeries)*4)
	for i := uint32(0); i < maxSeries; i++ {
		binary.NativeEndian.PutUint32(dir[i*4:i*4+4], i)
	}
	if _, err := f.WriteAt(dir, headerSize); err != nil {
		return nil, fmt.Errorf("slab: write series directory %s: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("slab: fsync %s: %w", path, err)
	}

	s, err := Open(path, schemaHash)
	if err != nil {
		return nil, err
	}
	nan := math.Float64bits(math.NaN())
	for off := 0; off+8 <= len(s.valCols); off += 8 {
		binary.NativeEndian.PutUint64(s.valCols[off:off+8], nan)
	}
	if err := s.Sync(); err != nil {
		s.Close()
		return nil, fmt.Errorf("slab: msync %s: %w", path, err)
	}
	return s, nil
}

// Open maps an existing slab file read/write and validates its
// header. schemaHash must equal the schema's computed hash or
// ErrSchemaMismatch is returned.
func Open(path string, schemaHash uint64) (*Slab, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("slab: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("slab: stat %s: %w", path, err)
	}
	if fi.Size() < headerSize {
		return nil, ErrMagicMismatch
	}

	data, err := mmapFile(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("slab: mmap %s: %w", path, err)
	}

	hdr := decodeHeader(data[:headerSize])
	if hdr.Magic != Magic {
		munmapData(data)
		return nil, ErrMagicMismatch
	}
	if hdr.Version != Version {
		munmapData(data)
		return nil, ErrVersionUnsupported
	}
	if hdr.SchemaHash != schemaHash {
		munmapData(data)
		return nil, ErrSchemaMismatch
	}

	dirEnd := headerSize + int(hdr.MaxSeries)*4
	tsEnd := dirEnd + int(hdr.SlotCount)*8
	wantSize := Size(hdr.SlotCount, hdr.MaxSeries)
	if int64(len(data)) != wantSize {
		munmapData(data)
		return nil, ErrSizeMismatch
	}

	s := &Slab{
		path:      path,
		data:      data,
		slotCount: hdr.SlotCount,
		maxSeries: hdr.MaxSeries,
		seriesDir: data[headerSize:dirEnd],
		tsCol:     data[dirEnd:tsEnd],
		valCols:   data[tsEnd:],
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Slab) Path() string { return s.path }

// SlotCount returns the number of slots per column.
func (s *Slab) SlotCount() uint32 { return s.slotCount }

// MaxSeries returns the series capacity of this slab.
func (s *Slab) MaxSeries() uint32 { return s.maxSeries }

func (s *Slab) header() Header { return decodeHeader(s.data[:headerSize]) }

// SchemaHash returns the schema hash stamped in the header.
func (s *Slab) SchemaHash() uint64 { return s.header().SchemaHash }

// IntervalNs returns the tier interval stamped in the header.
func (s *Slab) IntervalNs() uint64 { return s.header().IntervalNs }

// WriteCursor returns the slot index of the most recent write.
func (s *Slab) WriteCursor() uint32 { return s.header().WriteCursor }

// SetWriteCursor updates the header's write cursor field. Called by
// Ring after every write.
func (s *Slab) SetWriteCursor(slot uint32) {
	binary.NativeEndian.PutUint32(s.data[32:36], slot)
}

// SeriesCount returns the number of registered series stamped in the
// header. The registry, not Slab, is the source of truth for series
// count across the whole schema; this field mirrors it for this tier.
func (s *Slab) SeriesCount() uint32 { return s.header().SeriesCount }

// SetSeriesCount updates the header's series count field.
func (s *Slab) SetSeriesCount(n uint32) {
	binary.NativeEndian.PutUint32(s.data[36:40], n)
}

// TimestampColumn returns the timestamp column's underlying bytes for
// direct 8-byte native-endian reads/writes at slot*8. Exposed so Ring
// can perform the two-write commit without an extra function call per
// sample on the hot path.
func (s *Slab) TimestampColumn() []byte { return s.tsCol }

// ValueColumn returns the byte range for one series' value column.
// column must be < MaxSeries; bounds are the caller's (Ring's)
// responsibility per the documented safety conditions.
func (s *Slab) ValueColumn(column uint32) []byte {
	start := int64(column) * int64(s.slotCount) * 8
	end := start + int64(s.slotCount)*8
	return s.valCols[start:end]
}

// Sync flushes the mapped pages to the backing file.
func (s *Slab) Sync() error {
	return syncData(s.data)
}

// Close unmaps the file. The Slab must not be used afterward.
func (s *Slab) Close() error {
	return munmapData(s.data)
}
