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

// Package rondo is an embedded, round-robin, tiered time-series
// storage engine: the write path is a caller-driven, allocation-free
// two-word mmap store; consolidation, query and drain are synchronous
// calls a host schedules itself. The core runs no threads of its own.
package rondo

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tgres/rondo/consolidate"
	"github.com/tgres/rondo/export"
	"github.com/tgres/rondo/ring"
	"github.com/tgres/rondo/schema"
	"github.com/tgres/rondo/series"
	"github.com/tgres/rondo/slab"
)

var (
	// ErrPathInvalid is returned by Open when path is empty, is not a
	// directory, or is a non-empty directory with no meta.json, so Open
	// can neither reopen it nor treat it as "create new". A meta.json
	// that exists but cannot be read or decoded yields a wrapped I/O or
	// decode error instead.
	ErrPathInvalid = errors.New("rondo: path exists but is not a valid store")
	// ErrTierOutOfRange is returned by Query/Drain for a tier index
	// beyond the matched schema's tier list.
	ErrTierOutOfRange = errors.New("rondo: tier index out of range")
	// ErrSchemaMismatch is returned by Open when the schemas passed in
	// do not match those declared in an existing store's meta.json.
	ErrSchemaMismatch = errors.New("rondo: schemas do not match store's declared schemas")
	// ErrUnknownHandle is returned when a SeriesHandle references a
	// schema index this Store does not have (a debug-only check;
	// release builds may skip it).
	ErrUnknownHandle = errors.New("rondo: handle references an unknown schema")
)

// SeriesHandle is the opaque, freely-copyable token record/query/drain
// take: a schema index and a column index, nothing more. Store builds
// the ring for (schema, tier, column) from its own slab table on each
// call. It has value semantics and does not borrow from the Store.
type SeriesHandle struct {
	SchemaIndex int
	Column      uint32
}

// Store is the facade: Open/create, register, record, query,
// consolidate, drain. It owns every slab's mmap for the store's
// lifetime and is the only thing that knows how schema index and tier
// index become a *ring.Ring.
type Store struct {
	dir     string
	schemas []schema.Schema

	// slabs[schemaIndex][tierIndex]
	slabs [][]*slab.Slab

	registry *series.Registry
	cursors  *consolidate.Cursors
	engine   *consolidate.Engine

	queryCache *lru.Cache // keyed by queryCacheKey, valued *cachedQuery

	// schemaGen[i] counts writes (Record/RecordBatch/Add/Consolidate)
	// touching schema i. It rides along in every queryCacheKey so a
	// write between two QueryAuto calls for the same window changes
	// the key and misses the cache, rather than serving a stale
	// result out of it.
	schemaGen []int64

	// Logger receives consolidation/maintenance diagnostics. Defaults
	// to log.Default(); the hot Record path never logs.
	Logger *log.Logger
}

const metaFileName = "meta.json"

// metaSchema is the canonical JSON shape of one declared schema,
// independent of Go struct field order. It records the schema's hash,
// and that hash is what Open compares on reopen.
type metaSchema struct {
	Name      string      `json:"name"`
	MatchKind []int       `json:"match_kind"`
	MatchKey  []string    `json:"match_key"`
	MatchVal  []string    `json:"match_val"`
	MaxSeries uint32      `json:"max_series"`
	Tiers     []metaTier  `json:"tiers"`
	Hash      uint64      `json:"hash"`
}

type metaTier struct {
	IntervalNs  int64 `json:"interval_ns"`
	RetentionNs int64 `json:"retention_ns"`
	Fn          int   `json:"consolidation"`
}

func toMetaSchema(s schema.Schema) metaSchema {
	ms := metaSchema{Name: s.Name, MaxSeries: s.MaxSeries, Hash: s.Hash()}
	for _, t := range s.Matcher.Terms {
		ms.MatchKind = append(ms.MatchKind, int(t.Kind))
		ms.MatchKey = append(ms.MatchKey, t.Key)
		ms.MatchVal = append(ms.MatchVal, t.Value)
	}
	for _, t := range s.Tiers {
		ms.Tiers = append(ms.Tiers, metaTier{IntervalNs: t.IntervalNs, RetentionNs: t.RetentionNs, Fn: int(t.Fn)})
	}
	return ms
}

// Open creates a new store at path (if path does not exist or is
// empty) or reopens an existing one. On create,
// schemas is the declared schema list; on reopen, schemas must
// canonically equal (by hash) what meta.json declares, or
// ErrSchemaMismatch is returned.
func Open(path string, schemas []schema.Schema) (*Store, error) {
	if path == "" {
		return nil, ErrPathInvalid
	}
	for i, s := range schemas {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("rondo: schema %d (%q): %w", i, s.Name, err)
		}
	}

	metaPath := filepath.Join(path, metaFileName)
	fi, statErr := os.Stat(path)

	switch {
	case statErr == nil && fi.IsDir():
		if _, err := os.Stat(metaPath); err == nil {
			if err := verifyMeta(metaPath, schemas); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("rondo: stat %s: %w", metaPath, err)
		} else {
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, fmt.Errorf("rondo: read dir %s: %w", path, err)
			}
			if len(entries) > 0 {
				return nil, ErrPathInvalid
			}
			if err := writeMeta(metaPath, schemas); err != nil {
				return nil, err
			}
		}
	case statErr != nil && os.IsNotExist(statErr):
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("rondo: mkdir %s: %w", path, err)
		}
		if err := writeMeta(metaPath, schemas); err != nil {
			return nil, err
		}
	case statErr != nil:
		return nil, fmt.Errorf("rondo: stat %s: %w", path, statErr)
	default:
		return nil, ErrPathInvalid
	}

	slabs := make([][]*slab.Slab, len(schemas))
	for i, s := range schemas {
		schemaDir := filepath.Join(path, sanitizeSchemaDir(s.Name, i))
		if err := os.MkdirAll(schemaDir, 0755); err != nil {
			return nil, fmt.Errorf("rondo: mkdir %s: %w", schemaDir, err)
		}
		hash := s.Hash()
		slabs[i] = make([]*slab.Slab, len(s.Tiers))
		for ti, t := range s.Tiers {
			slabPath := filepath.Join(schemaDir, fmt.Sprintf("tier%d.slab", ti))
			sb, err := slab.Create(slabPath, hash, t.SlotCount(), s.MaxSeries, uint64(t.IntervalNs))
			if err != nil {
				return nil, fmt.Errorf("rondo: create slab %s: %w", slabPath, err)
			}
			slabs[i][ti] = sb
		}
	}

	reg, err := series.Open(series.SchemaPath(path), schemas)
	if err != nil {
		return nil, err
	}

	cursors, err := consolidate.LoadCursors(filepath.Join(path, "consolidation_cursors.json"))
	if err != nil {
		return nil, err
	}

	cache, err := lru.New(256)
	if err != nil {
		return nil, fmt.Errorf("rondo: create query cache: %w", err)
	}

	return &Store{
		dir:        path,
		schemas:    schemas,
		slabs:      slabs,
		registry:   reg,
		cursors:    cursors,
		engine:     consolidate.NewEngine(cursors),
		queryCache: cache,
		schemaGen:  make([]int64, len(schemas)),
		Logger:     log.Default(),
	}, nil
}

// touchSchema bumps the write generation for a schema, invalidating
// every QueryAuto cache entry keyed against its previous generation.
func (st *Store) touchSchema(schemaIndex int) {
	if schemaIndex >= 0 && schemaIndex < len(st.schemaGen) {
		st.schemaGen[schemaIndex]++
	}
}

func sanitizeSchemaDir(name string, index int) string {
	if name == "" {
		return fmt.Sprintf("schema%d", index)
	}
	return fmt.Sprintf("schema%d_%s", index, name)
}

func writeMeta(path string, schemas []schema.Schema) error {
	docs := make([]metaSchema, len(schemas))
	for i, s := range schemas {
		docs[i] = toMetaSchema(s)
	}
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("rondo: encode meta.json: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("rondo: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rondo: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

func verifyMeta(path string, schemas []schema.Schema) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("rondo: read %s: %w", path, err)
	}
	var docs []metaSchema
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("rondo: decode %s: %w", path, err)
	}
	if len(docs) != len(schemas) {
		return ErrSchemaMismatch
	}
	for i, s := range schemas {
		if docs[i].Hash != s.Hash() {
			return ErrSchemaMismatch
		}
	}
	return nil
}

// Register resolves name+labels to a stable SeriesHandle, and keeps
// each of the schema's slab headers' series_count in step with the
// registry. Cold path; may allocate and perform I/O.
func (st *Store) Register(name string, labels []schema.Label) (SeriesHandle, error) {
	ref, err := st.registry.Register(name, labels)
	if err != nil {
		return SeriesHandle{}, err
	}
	n := st.registry.Count(ref.SchemaIndex)
	for _, sb := range st.slabs[ref.SchemaIndex] {
		sb.SetSeriesCount(n)
	}
	return SeriesHandle{SchemaIndex: ref.SchemaIndex, Column: ref.Column}, nil
}

func (st *Store) ring(h SeriesHandle, tierIndex int) (*ring.Ring, error) {
	if h.SchemaIndex < 0 || h.SchemaIndex >= len(st.schemas) {
		return nil, ErrUnknownHandle
	}
	if tierIndex < 0 || tierIndex >= len(st.schemas[h.SchemaIndex].Tiers) {
		return nil, ErrTierOutOfRange
	}
	tier := st.schemas[h.SchemaIndex].Tiers[tierIndex]
	sb := st.slabs[h.SchemaIndex][tierIndex]
	return ring.New(sb, h.Column, tier.IntervalNs), nil
}

// Record commits one sample to tier 0, the hot path: compute slot,
// two 8-byte mmap stores, advance write_cursor. No allocation beyond
// what the debug-mode handle check might need (none, currently); the
// schema generation bump for cache invalidation is a plain slice
// increment, not a lookup.
func (st *Store) Record(h SeriesHandle, value float64, ts time.Time) error {
	r, err := st.ring(h, 0)
	if err != nil {
		return err
	}
	r.Write(ts.UnixNano(), value)
	st.touchSchema(h.SchemaIndex)
	return nil
}

// RecordEntry is one (handle, value) pair for RecordBatch, all sharing
// one timestamp.
type RecordEntry struct {
	Handle SeriesHandle
	Value  float64
}

// RecordBatch writes every entry at the same ts. Under the
// single-writer contract the whole batch completes before any
// interleaving maintenance call can observe a partial batch.
func (st *Store) RecordBatch(entries []RecordEntry, ts time.Time) error {
	nanos := ts.UnixNano()
	for _, e := range entries {
		r, err := st.ring(e.Handle, 0)
		if err != nil {
			return err
		}
		r.Write(nanos, e.Value)
		st.touchSchema(e.Handle.SchemaIndex)
	}
	return nil
}

// Add performs a counter-style accumulation into tier 0's current
// slot: the counter primitive for vcpu_exits_total-style metrics.
// Not atomic with respect to
// concurrent writers, same single-writer precondition as Record.
func (st *Store) Add(h SeriesHandle, delta float64, ts time.Time) error {
	r, err := st.ring(h, 0)
	if err != nil {
		return err
	}
	r.AddSlot(ts.UnixNano(), delta)
	st.touchSchema(h.SchemaIndex)
	return nil
}

// Query reads [start, end] from one (handle, tier), returning the
// samples along with coverage metadata about the tier that answered
// it (see QueryResult).
func (st *Store) Query(h SeriesHandle, tierIndex int, start, end time.Time) (*QueryResult, error) {
	r, err := st.ring(h, tierIndex)
	if err != nil {
		return nil, err
	}
	return queryIngredients(r, tierIndex, start.UnixNano(), end.UnixNano()).result(), nil
}

// queryCacheKey identifies one QueryAuto result: the handle, the
// chosen tier and the requested window all have to match for a cached
// result to be reused, so a cache hit is byte-for-byte what a fresh
// Query would have returned. Gen is the schema's write generation at
// cache time; a write bumps it, which changes the key and makes every
// entry cached under the old generation unreachable.
type queryCacheKey struct {
	SchemaIndex int
	Column      uint32
	Tier        int
	StartNs     int64
	EndNs       int64
	Gen         int64
}

// chooseAutoTier picks the highest-resolution tier whose retention
// covers the requested window's age (measured from now back to
// start), falling back to the lowest-resolution (last) tier if none
// do; QueryAuto never stitches across tiers, it always answers
// entirely from one.
func chooseAutoTier(tiers []schema.Tier, start time.Time) int {
	age := time.Since(start)
	for i, t := range tiers {
		if age.Nanoseconds() <= t.RetentionNs {
			return i
		}
	}
	return len(tiers) - 1
}

// QueryAuto resolves start/end against the tier best suited to serve
// the whole window without stitching, and caches the result under
// (handle, tier, window, generation) so repeated dashboard-style
// queries over the same range skip re-reading the ring - until a
// Record/RecordBatch/Add/Consolidate call touches the schema, which
// bumps the generation and makes the entry unreachable.
func (st *Store) QueryAuto(h SeriesHandle, start, end time.Time) (*QueryResult, error) {
	if h.SchemaIndex < 0 || h.SchemaIndex >= len(st.schemas) {
		return nil, ErrUnknownHandle
	}
	tierIndex := chooseAutoTier(st.schemas[h.SchemaIndex].Tiers, start)

	key := queryCacheKey{
		SchemaIndex: h.SchemaIndex,
		Column:      h.Column,
		Tier:        tierIndex,
		StartNs:     start.UnixNano(),
		EndNs:       end.UnixNano(),
		Gen:         st.schemaGen[h.SchemaIndex],
	}
	if cached, ok := st.queryCache.Get(key); ok {
		return cached.(*cachedQuery).result(), nil
	}

	r, err := st.ring(h, tierIndex)
	if err != nil {
		return nil, err
	}
	cq := queryIngredients(r, tierIndex, start.UnixNano(), end.UnixNano())
	st.queryCache.Add(key, cq)
	return cq.result(), nil
}

// Consolidate runs one cascade sweep across every schema and tier
// pair, and returns the number of destination slots written
// (including NaN writes). Expected cadence: once per
// second, from the caller's own event loop - the core schedules
// nothing itself.
func (st *Store) Consolidate() (int, error) {
	n, err := st.engine.Run(st, st.schemas)
	for i := range st.schemaGen {
		st.touchSchema(i)
	}
	if err != nil {
		st.Logger.Printf("rondo: consolidate: %v", err)
	}
	return n, err
}

// Slab implements consolidate.SlabSource and export.SlabSource.
func (st *Store) Slab(schemaIndex, tierIndex int) *slab.Slab {
	if schemaIndex < 0 || schemaIndex >= len(st.slabs) {
		return nil
	}
	if tierIndex < 0 || tierIndex >= len(st.slabs[schemaIndex]) {
		return nil
	}
	return st.slabs[schemaIndex][tierIndex]
}

// SeriesCount implements consolidate.SlabSource.
func (st *Store) SeriesCount(schemaIndex int) uint32 {
	return st.registry.Count(schemaIndex)
}

// Series implements export.SlabSource.
func (st *Store) Series(schemaIndex int) []series.Info {
	return st.registry.Series(schemaIndex)
}

// Drain hands off every undelivered sample at tierIndex for dest,
// via mgr, and marks it as sent per mgr's configured durability
// policy. See export.Manager.Drain.
func (st *Store) Drain(mgr *export.Manager, dest string, tierIndex int) ([]export.SeriesBatch, error) {
	return mgr.Drain(st, dest, tierIndex)
}

// Close flushes every slab and persists the consolidation cursors.
func (st *Store) Close() error {
	if err := st.cursors.Save(); err != nil {
		return err
	}
	for _, tierSlabs := range st.slabs {
		for _, sb := range tierSlabs {
			if sb == nil {
				continue
			}
			if err := sb.Sync(); err != nil {
				return err
			}
			if err := sb.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
