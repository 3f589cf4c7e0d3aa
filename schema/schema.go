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

// Package schema declares the immutable shape of a class of metrics:
// which series it admits, its tier list from highest to lowest
// resolution, and its cardinality cap. A Schema is hashed at
// declaration time and that hash is what a Slab checks on open.
package schema

import (
	"hash/fnv"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
)

// Consolidation is the closed set of downsampling functions a tier
// may use when consuming its higher-resolution predecessor.
type Consolidation int

const (
	// Average is undefined for the highest-resolution tier, which has
	// no predecessor to consolidate from.
	Average Consolidation = iota
	Min
	Max
	Last
	Sum
	Count
)

func (c Consolidation) String() string {
	switch c {
	case Average:
		return "avg"
	case Min:
		return "min"
	case Max:
		return "max"
	case Last:
		return "last"
	case Sum:
		return "sum"
	case Count:
		return "count"
	default:
		return fmt.Sprintf("Consolidation(%d)", int(c))
	}
}

// ParseConsolidation parses the short names used in config files and
// error messages.
func ParseConsolidation(s string) (Consolidation, error) {
	switch s {
	case "avg", "average", "wmean":
		return Average, nil
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	case "last":
		return Last, nil
	case "sum":
		return Sum, nil
	case "count":
		return Count, nil
	}
	return 0, fmt.Errorf("schema: unknown consolidation function %q", s)
}

// Tier is one resolution level of a Schema.
type Tier struct {
	IntervalNs int64 // step size, nanoseconds
	RetentionNs int64 // total retention, nanoseconds
	// Fn is ignored for the highest-resolution tier (index 0), which
	// has no predecessor to consolidate from.
	Fn Consolidation
}

// SlotCount is retention/interval, the size of the ring for this
// tier.
func (t Tier) SlotCount() uint32 {
	return uint32(t.RetentionNs / t.IntervalNs)
}

// Schema is a named, immutable class of metrics.
type Schema struct {
	Name      string
	Matcher   LabelMatcher
	Tiers     []Tier
	MaxSeries uint32
}

var (
	ErrNoTiers        = errors.New("schema: at least one tier is required")
	ErrBadTierOrder   = errors.New("schema: tiers must be strictly decreasing in resolution")
	ErrZeroInterval   = errors.New("schema: tier interval must be > 0")
	ErrZeroRetention  = errors.New("schema: tier retention must be a positive multiple of its interval")
	ErrZeroMaxSeries  = errors.New("schema: max_series must be > 0")
)

// Validate checks the structural invariants a Schema must satisfy
// before it is hashed and used to create slabs.
func (s Schema) Validate() error {
	if len(s.Tiers) == 0 {
		return ErrNoTiers
	}
	if s.MaxSeries == 0 {
		return ErrZeroMaxSeries
	}
	var prevInterval int64
	for i, t := range s.Tiers {
		if t.IntervalNs <= 0 {
			return ErrZeroInterval
		}
		if t.RetentionNs <= 0 || t.RetentionNs%t.IntervalNs != 0 {
			return ErrZeroRetention
		}
		if i > 0 && t.IntervalNs <= prevInterval {
			return ErrBadTierOrder
		}
		prevInterval = t.IntervalNs
	}
	return nil
}

// Hash computes the stable identity of this schema: name, matcher,
// tier list and max_series, in that order, folded through FNV-1a. Two Schema values
// with the same declared shape hash identically regardless of Go
// struct layout, which is what lets a slab be rejected on open
// without deserializing the whole schema.
func (s Schema) Hash() uint64 {
	h := fnv.New64a()
	writeString(h, s.Name)
	s.Matcher.writeHash(h)
	binary.Write(h, binary.BigEndian, uint32(len(s.Tiers)))
	for _, t := range s.Tiers {
		binary.Write(h, binary.BigEndian, t.IntervalNs)
		binary.Write(h, binary.BigEndian, t.RetentionNs)
		binary.Write(h, binary.BigEndian, int32(t.Fn))
	}
	binary.Write(h, binary.BigEndian, s.MaxSeries)
	return h.Sum64()
}

func writeString(h hash.Hash64, s string) {
	binary.Write(h, binary.BigEndian, uint32(len(s)))
	h.Write([]byte(s))
}
