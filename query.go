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

package rondo

import (
	"time"

	"github.com/tgres/rondo/ring"
	"github.com/tgres/rondo/series"
)

// QueryResult is what Query and QueryAuto hand back: the samples
// themselves plus enough metadata for a caller to judge how much to
// trust them - which tier actually answered, what range that tier
// held at query time, and whether the requested window reaches
// further back than the tier retains.
type QueryResult struct {
	points *series.RingPoints

	tierUsed        int
	availableFrom   *int64
	availableTo     *int64
	requestedStart  int64
	requestedEnd    int64
	mayBeIncomplete bool
}

// Next advances the cursor. Returns false once exhausted.
func (r *QueryResult) Next() bool { return r.points.Next() }

// CurrentValue is the value at the cursor.
func (r *QueryResult) CurrentValue() float64 { return r.points.CurrentValue() }

// CurrentTime is the timestamp at the cursor.
func (r *QueryResult) CurrentTime() time.Time { return r.points.CurrentTime() }

// Close releases the cursor. Safe to call multiple times.
func (r *QueryResult) Close() error { return r.points.Close() }

// Samples drains the result into a plain slice, the common case for a
// caller that wants everything at once rather than walking the
// cursor point by point.
func (r *QueryResult) Samples() []ring.Sample { return r.points.Samples() }

// TierUsed is the tier index that actually answered the query - the
// index passed to Query, or the one chosen by QueryAuto.
func (r *QueryResult) TierUsed() int { return r.tierUsed }

// AvailableRange is the (oldest, newest) timestamp the answering tier
// actually held at query time. Either return is nil if the tier had
// no data at all.
func (r *QueryResult) AvailableRange() (oldest, newest *int64) {
	return r.availableFrom, r.availableTo
}

// RequestedRange is the [start, end] the caller asked for, in unix
// nanoseconds.
func (r *QueryResult) RequestedRange() (start, end int64) {
	return r.requestedStart, r.requestedEnd
}

// MayBeIncomplete is true when the requested start reaches earlier
// than the tier's oldest retained sample, meaning part of the
// requested history has already rolled off or was never written.
// Reaching past the tier's newest sample does not set this - that is
// the ordinary shape of a query against live, still-arriving data.
func (r *QueryResult) MayBeIncomplete() bool { return r.mayBeIncomplete }

// analyzeCoverage compares a requested [start, end] window against
// what a tier actually has on hand ([oldest, newest], either of which
// is nil for an empty tier) and reports whether the window is fully
// covered and whether the caller should be warned some of it may be
// missing. Ending after newest is not incomplete - a query that ends
// "now" is expected to run past the last sample recorded so far.
func analyzeCoverage(oldest, newest *int64, start, end int64) (fullyCovered, mayBeIncomplete bool) {
	if oldest == nil || newest == nil {
		return false, true
	}
	fullyCovered = start >= *oldest && end <= *newest
	mayBeIncomplete = start < *oldest
	return fullyCovered, mayBeIncomplete
}

// tierRange reads a ring's current (oldest, newest) as *int64,
// returning nils when the ring has never been written.
func tierRange(r *ring.Ring) (oldest, newest *int64) {
	o, n := r.OldestTimestamp(), r.NewestTimestamp()
	if o == 0 && n == 0 {
		return nil, nil
	}
	return &o, &n
}

// cachedQuery is the immutable ingredient set QueryAuto's cache
// stores. It is kept separate from QueryResult because the latter
// wraps a stateful cursor: two callers sharing one cached
// *QueryResult would corrupt each other's cursor position, so every
// cache hit builds a fresh QueryResult from these ingredients instead
// of handing out the same pointer twice.
type cachedQuery struct {
	samples []ring.Sample

	tierUsed        int
	availableFrom   *int64
	availableTo     *int64
	requestedStart  int64
	requestedEnd    int64
	mayBeIncomplete bool
}

func queryIngredients(r *ring.Ring, tierIndex int, start, end int64) *cachedQuery {
	oldest, newest := tierRange(r)
	_, mayBeIncomplete := analyzeCoverage(oldest, newest, start, end)
	return &cachedQuery{
		samples:         r.Read(start, end),
		tierUsed:        tierIndex,
		availableFrom:   oldest,
		availableTo:     newest,
		requestedStart:  start,
		requestedEnd:    end,
		mayBeIncomplete: mayBeIncomplete,
	}
}

func (c *cachedQuery) result() *QueryResult {
	return &QueryResult{
		points:          series.FromRing(c.samples),
		tierUsed:        c.tierUsed,
		availableFrom:   c.availableFrom,
		availableTo:     c.availableTo,
		requestedStart:  c.requestedStart,
		requestedEnd:    c.requestedEnd,
		mayBeIncomplete: c.mayBeIncomplete,
	}
}
