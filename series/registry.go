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

package series

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tgres/rondo/schema"
)

// Ref is what the registry hands back for a successful registration:
// which schema admitted the series and which column it occupies. The
// Store copies these two fields into the caller-facing,
// freely-copyable SeriesHandle - the registry itself does not know
// about rings or slabs.
type Ref struct {
	SchemaIndex int
	Column      uint32
}

var (
	ErrSeriesFull      = errors.New("series: schema is at max_series capacity")
	ErrNoMatchingSchema = errors.New("series: no schema's matcher admits these labels")
)

// entry is one persisted registration.
type entry struct {
	Name        string         `json:"name"`
	Labels      []schema.Label `json:"labels"`
	SchemaIndex int            `json:"schema_index"`
	Column      uint32         `json:"column"`
}

// registered is one in-memory registration.
type registered struct {
	Name   string
	Labels []schema.Label
	Ref    Ref
}

// Registry resolves (name, labels) to a stable Ref, persists the
// mapping, and enforces each schema's cardinality cap. It holds no
// reference to any slab; Store is responsible for translating a Ref
// into slot addresses.
type Registry struct {
	path    string
	schemas []schema.Schema

	byKey map[string]registered
	next  []uint32 // next free column per schema index
}

// Open loads (or, if path does not exist, initializes empty) a
// registry for the given schema list, in schema declaration order.
func Open(path string, schemas []schema.Schema) (*Registry, error) {
	r := &Registry{
		path:    path,
		schemas: schemas,
		byKey:   make(map[string]registered),
		next:    make([]uint32, len(schemas)),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("series: read %s: %w", path, err)
	}

	var entries []entry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("series: decode %s: %w", path, err)
		}
	}
	for _, e := range entries {
		canon, err := schema.Canonicalize(e.Labels)
		if err != nil {
			return nil, fmt.Errorf("series: corrupt entry for %q: %w", e.Name, err)
		}
		key := schema.Key(e.Name, canon)
		ref := Ref{SchemaIndex: e.SchemaIndex, Column: e.Column}
		r.byKey[key] = registered{Name: e.Name, Labels: canon, Ref: ref}
		if e.SchemaIndex < len(r.next) && e.Column >= r.next[e.SchemaIndex] {
			r.next[e.SchemaIndex] = e.Column + 1
		}
	}
	return r, nil
}

// Register resolves name+labels to a Ref, registering a new column if
// this is the first time this canonical series has been seen. It is
// idempotent: registering the same (name, labels) twice returns the
// same Ref without touching series_count.
func (r *Registry) Register(name string, labels []schema.Label) (Ref, error) {
	canon, err := schema.Canonicalize(labels)
	if err != nil {
		return Ref{}, err
	}
	key := schema.Key(name, canon)

	if reg, ok := r.byKey[key]; ok {
		return reg.Ref, nil
	}

	for idx, s := range r.schemas {
		if !s.Matcher.Match(canon) {
			continue
		}
		if r.next[idx] >= s.MaxSeries {
			return Ref{}, ErrSeriesFull
		}
		ref := Ref{SchemaIndex: idx, Column: r.next[idx]}
		r.next[idx]++
		r.byKey[key] = registered{Name: name, Labels: canon, Ref: ref}
		if err := r.save(); err != nil {
			return Ref{}, err
		}
		return ref, nil
	}

	return Ref{}, ErrNoMatchingSchema
}

// Count returns the number of registered series for a schema index.
func (r *Registry) Count(schemaIndex int) uint32 {
	if schemaIndex < 0 || schemaIndex >= len(r.next) {
		return 0
	}
	return r.next[schemaIndex]
}

// Info identifies one registered series by its canonical name, labels
// and column, without exposing the internal map key format.
type Info struct {
	Name   string
	Labels []schema.Label
	Column uint32
}

// Series lists every series registered under a schema, in no
// particular order. Used by export to attach names and labels to the
// columns it drains.
func (r *Registry) Series(schemaIndex int) []Info {
	out := make([]Info, 0, len(r.byKey))
	for _, reg := range r.byKey {
		if reg.Ref.SchemaIndex != schemaIndex {
			continue
		}
		out = append(out, Info{Name: reg.Name, Labels: reg.Labels, Column: reg.Ref.Column})
	}
	return out
}

// save atomically replaces the on-disk series index: write .tmp,
// fsync, rename.
func (r *Registry) save() error {
	entries := make([]entry, 0, len(r.byKey))
	for _, reg := range r.byKey {
		entries = append(entries, entry{
			Name:        reg.Name,
			Labels:      reg.Labels,
			SchemaIndex: reg.Ref.SchemaIndex,
			Column:      reg.Ref.Column,
		})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("series: encode: %w", err)
	}

	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("series: create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("series: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("series: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("series: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("series: rename %s to %s: %w", tmp, r.path, err)
	}
	return nil
}

// SchemaPath is a small helper for callers that want to lay out one
// registry file per store directory (the common case): store
// directory -> "series_index.bin".
func SchemaPath(storeDir string) string {
	return filepath.Join(storeDir, "series_index.bin")
}
