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

// Package export implements per-destination resumable drain cursors:
// reading not-yet-exported samples out of a schema's
// tiers and tracking, per external consumer, how far each has gotten.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tgres/rondo/misc"
)

// CursorStore persists one destination's cursor set: a map from
// "schema_index:tier_index:column" to the highest timestamp already
// handed to that destination.
type CursorStore interface {
	Load(dest string) (map[string]int64, error)
	Save(dest string, cursors map[string]int64) error
}

// JSONCursorStore is the default CursorStore: one JSON file per
// destination under a base directory, atomically rewritten exactly
// like series.Registry's persistence.
type JSONCursorStore struct {
	dir string
}

// NewJSONCursorStore returns a store rooted at dir, which must already
// exist.
func NewJSONCursorStore(dir string) *JSONCursorStore {
	return &JSONCursorStore{dir: dir}
}

func (s *JSONCursorStore) path(dest string) string {
	return filepath.Join(s.dir, misc.SanitizeName(dest)+".export_cursor.json")
}

func (s *JSONCursorStore) Load(dest string) (map[string]int64, error) {
	data, err := os.ReadFile(s.path(dest))
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]int64), nil
	}
	if err != nil {
		return nil, fmt.Errorf("export: read cursor file for %q: %w", dest, err)
	}
	out := make(map[string]int64)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("export: decode cursor file for %q: %w", dest, err)
		}
	}
	return out, nil
}

func (s *JSONCursorStore) Save(dest string, cursors map[string]int64) error {
	data, err := json.Marshal(cursors)
	if err != nil {
		return fmt.Errorf("export: encode cursors for %q: %w", dest, err)
	}
	path := s.path(dest)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("export: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("export: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export: close %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// key formats the "schema_index:tier_index:column" cursor key.
func key(schemaIndex, tierIndex int, column uint32) string {
	return fmt.Sprintf("%d:%d:%d", schemaIndex, tierIndex, column)
}
