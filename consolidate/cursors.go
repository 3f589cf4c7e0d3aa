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
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Cursors is the per-(schema, destination tier) consolidation cursor
// set, keyed "schema_index:dest_tier_index", holding
// the highest source timestamp already incorporated into that
// destination tier.
type Cursors struct {
	path string
	vals map[string]int64
}

// LoadCursors reads consolidation_cursors.json if present, or starts
// empty (every cursor implicitly 0) if it does not exist yet.
func LoadCursors(path string) (*Cursors, error) {
	c := &Cursors{path: path, vals: make(map[string]int64)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consolidate: read %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &c.vals); err != nil {
			return nil, fmt.Errorf("consolidate: decode %s: %w", path, err)
		}
	}
	return c, nil
}

func key(schemaIndex, destTierIndex int) string {
	return fmt.Sprintf("%d:%d", schemaIndex, destTierIndex)
}

// Get returns the cursor value, or 0 if never set.
func (c *Cursors) Get(schemaIndex, destTierIndex int) int64 {
	return c.vals[key(schemaIndex, destTierIndex)]
}

// Advance moves the cursor forward, refusing to move it backwards -
// the "consolidation cursors advance monotonically" invariant,
// enforced at the single choke point that writes them.
func (c *Cursors) Advance(schemaIndex, destTierIndex int, ts int64) {
	k := key(schemaIndex, destTierIndex)
	if ts > c.vals[k] {
		c.vals[k] = ts
	}
}

// Save atomically replaces the on-disk cursor file: write .tmp, fsync,
// rename.
func (c *Cursors) Save() error {
	data, err := json.Marshal(c.vals)
	if err != nil {
		return fmt.Errorf("consolidate: encode: %w", err)
	}
	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("consolidate: create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("consolidate: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("consolidate: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("consolidate: close %s: %w", tmp, err)
	}
	return os.Rename(tmp, c.path)
}
