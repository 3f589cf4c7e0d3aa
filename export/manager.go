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
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tgres/rondo/ring"
	"github.com/tgres/rondo/schema"
	"github.com/tgres/rondo/series"
	"github.com/tgres/rondo/slab"
)

// SlabSource is the narrow view of a store the manager needs: the slab
// backing a (schema, tier) pair and the registered series in a schema.
type SlabSource interface {
	Slab(schemaIndex, tierIndex int) *slab.Slab
	Series(schemaIndex int) []series.Info
}

// SeriesBatch is one series' undelivered points, as handed back by
// Drain - a list of (SeriesHandle, list<(ts, value)>) batches, with
// SeriesHandle expanded to what an external
// consumer needs to label the points on the wire.
type SeriesBatch struct {
	SchemaIndex int
	TierIndex   int
	Column      uint32
	Name        string
	Labels      []schema.Label
	Points      []ring.Sample
}

type destState struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	saveBeforeAck bool
	loaded        bool
	committed     map[string]int64 // persisted view, bounds the next Drain
	pending       map[string]int64 // advances proposed by the last Drain, awaiting Ack
}

// Manager drains schemas' tiers into per-destination batches and
// tracks each destination's export cursor.
type Manager struct {
	store   CursorStore
	schemas []schema.Schema

	mu   sync.Mutex
	dest map[string]*destState
}

// NewManager builds a Manager over the given schema list and cursor
// store. Destinations are created lazily on first use, with an
// unlimited rate and at-least-once (SaveBeforeAck=false) durability.
func NewManager(store CursorStore, schemas []schema.Schema) *Manager {
	return &Manager{store: store, schemas: schemas, dest: make(map[string]*destState)}
}

func (m *Manager) state(dest string) *destState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.dest[dest]
	if !ok {
		s = &destState{limiter: rate.NewLimiter(rate.Inf, 1), pending: make(map[string]int64)}
		m.dest[dest] = s
	}
	return s
}

// Configure sets the export rate limit (events per second, 0 for
// unlimited) and the durability policy for a destination. Call before
// the first Drain to take effect from the start.
func (m *Manager) Configure(dest string, eventsPerSecond float64, saveBeforeAck bool) {
	s := m.state(dest)
	s.mu.Lock()
	defer s.mu.Unlock()
	if eventsPerSecond <= 0 {
		s.limiter = rate.NewLimiter(rate.Inf, 1)
	} else {
		s.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), 1)
	}
	s.saveBeforeAck = saveBeforeAck
}

func (s *destState) ensureLoaded(store CursorStore, dest string) error {
	if s.loaded {
		return nil
	}
	committed, err := store.Load(dest)
	if err != nil {
		return err
	}
	s.committed = committed
	s.loaded = true
	return nil
}

// Drain reads every not-yet-exported sample at the given tier index,
// across every schema that has a tier there, for dest: samples with
// timestamp > cursor and <= newest_ts_in_tier,
// ascending, NaN already excluded by ring.Read. It blocks briefly on
// the destination's rate limiter (never spawning a goroutine, per
// sec 5's "no threads of its own" rule) and on cursor-file I/O.
func (m *Manager) Drain(src SlabSource, dest string, tierIndex int) ([]SeriesBatch, error) {
	s := m.state(dest)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.limiter.Wait(context.Background()); err != nil {
		return nil, fmt.Errorf("export: rate limiter for %q: %w", dest, err)
	}
	if err := s.ensureLoaded(m.store, dest); err != nil {
		return nil, err
	}

	var batches []SeriesBatch
	for schemaIndex, sch := range m.schemas {
		if tierIndex >= len(sch.Tiers) {
			continue
		}
		tier := sch.Tiers[tierIndex]
		sb := src.Slab(schemaIndex, tierIndex)
		if sb == nil {
			continue
		}
		for _, info := range src.Series(schemaIndex) {
			k := key(schemaIndex, tierIndex, info.Column)
			cursor := s.committed[k]

			r := ring.New(sb, info.Column, tier.IntervalNs)
			newest := r.NewestTimestamp()
			if newest <= cursor {
				continue
			}
			points := r.Read(cursor+1, newest)
			if len(points) == 0 {
				continue
			}

			batches = append(batches, SeriesBatch{
				SchemaIndex: schemaIndex,
				TierIndex:   tierIndex,
				Column:      info.Column,
				Name:        info.Name,
				Labels:      info.Labels,
				Points:      points,
			})

			newCursor := points[len(points)-1].Ts
			if s.saveBeforeAck {
				s.committed[k] = newCursor
			} else {
				s.pending[k] = newCursor
			}
		}
	}

	if s.saveBeforeAck && len(batches) > 0 {
		if err := m.store.Save(dest, s.committed); err != nil {
			return nil, err
		}
	}

	return batches, nil
}

// Ack persists the cursor advances proposed by the most recent Drain
// at tierIndex, for destinations using the default at-least-once
// policy. It is a no-op for SaveBeforeAck destinations, whose cursors
// were already persisted inside Drain.
func (m *Manager) Ack(dest string, tierIndex int) error {
	s := m.state(dest)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveBeforeAck {
		return nil
	}
	if err := s.ensureLoaded(m.store, dest); err != nil {
		return err
	}

	moved := false
	for k, ts := range s.pending {
		_, ti, _, err := parseKey(k)
		if err != nil || ti != tierIndex {
			continue
		}
		s.committed[k] = ts
		delete(s.pending, k)
		moved = true
	}
	if !moved {
		return nil
	}
	return m.store.Save(dest, s.committed)
}
