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

// Package series's Points interface used to describe an entire DSL
// series here (GroupBy, MaxPoints and cross-series slicing); a rondo
// tier already fixes its own resolution, so a query result is nothing
// more than an ascending (ts, value) walk and the interface is
// trimmed to that.
package series

import (
	"math"
	"time"

	"github.com/tgres/rondo/ring"
)

// Points is a forward-only cursor over a query result.
type Points interface {
	// Next advances to the next data point. Returns false when
	// exhausted.
	Next() bool
	// CurrentValue is the value at the cursor, or NaN before the
	// first Next() or after Next() returns false.
	CurrentValue() float64
	// CurrentTime is the timestamp at the cursor.
	CurrentTime() time.Time
	// Close releases any resources. Safe to call multiple times.
	Close() error
}

// RingPoints adapts a pre-materialized []ring.Sample (the result of a
// single ring.Read call) to the Points interface.
type RingPoints struct {
	samples []ring.Sample
	pos     int
}

// FromRing wraps the given samples, which must already be in
// ascending timestamp order (ring.Read's contract).
func FromRing(samples []ring.Sample) *RingPoints {
	return &RingPoints{samples: samples, pos: -1}
}

func (p *RingPoints) Next() bool {
	if p.pos+1 >= len(p.samples) {
		p.pos = len(p.samples)
		return false
	}
	p.pos++
	return true
}

func (p *RingPoints) CurrentValue() float64 {
	if p.pos < 0 || p.pos >= len(p.samples) {
		return math.NaN()
	}
	return p.samples[p.pos].Value
}

func (p *RingPoints) CurrentTime() time.Time {
	if p.pos < 0 || p.pos >= len(p.samples) {
		return time.Time{}
	}
	return time.Unix(0, p.samples[p.pos].Ts)
}

func (p *RingPoints) Close() error { return nil }

// Samples returns every wrapped sample as a plain slice, whatever the
// cursor position; it is what QueryResult.Samples returns to callers.
func (p *RingPoints) Samples() []ring.Sample { return p.samples }
