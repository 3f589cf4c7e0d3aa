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

package schema

import (
	"encoding/binary"
	"hash"
)

// MatchKind is the closed set of primitive label-matching operators.
// A LabelMatcher is a conjunction of these, mirroring the way
// daemon.ConfigDSSpec matched incoming metric names by regexp, except
// here the match target is a label set rather than a dotted name.
type MatchKind int

const (
	// MatchAny admits every series - used for a catch-all schema.
	MatchAny MatchKind = iota
	// MatchExact requires label Key to equal Value exactly.
	MatchExact
	// MatchPresent requires label Key to be present, any value.
	MatchPresent
)

// Term is one clause of a LabelMatcher conjunction.
type Term struct {
	Kind  MatchKind
	Key   string
	Value string
}

// LabelMatcher decides whether a canonical label set is admitted into
// a schema. It is a plain conjunction: every Term must hold. Matcher
// semantics are part of the schema hash, so changing a matcher's
// meaning (not just editing its terms) after series have been
// registered against it would silently orphan them - that is exactly
// why it participates in Hash().
type LabelMatcher struct {
	Terms []Term
}

// Any returns a matcher that admits every series.
func Any() LabelMatcher {
	return LabelMatcher{Terms: []Term{{Kind: MatchAny}}}
}

// Exact returns a matcher requiring label key==value.
func Exact(key, value string) LabelMatcher {
	return LabelMatcher{Terms: []Term{{Kind: MatchExact, Key: key, Value: value}}}
}

// Present returns a matcher requiring the presence of key.
func Present(key string) LabelMatcher {
	return LabelMatcher{Terms: []Term{{Kind: MatchPresent, Key: key}}}
}

// And conjoins additional terms onto an existing matcher.
func (m LabelMatcher) And(terms ...Term) LabelMatcher {
	out := LabelMatcher{Terms: make([]Term, 0, len(m.Terms)+len(terms))}
	out.Terms = append(out.Terms, m.Terms...)
	out.Terms = append(out.Terms, terms...)
	return out
}

// Match reports whether the canonical (sorted, deduplicated-by-key)
// label list satisfies every term.
func (m LabelMatcher) Match(labels []Label) bool {
	for _, t := range m.Terms {
		if !t.match(labels) {
			return false
		}
	}
	return true
}

func (t Term) match(labels []Label) bool {
	switch t.Kind {
	case MatchAny:
		return true
	case MatchPresent:
		_, ok := lookup(labels, t.Key)
		return ok
	case MatchExact:
		v, ok := lookup(labels, t.Key)
		return ok && v == t.Value
	default:
		return false
	}
}

func lookup(labels []Label, key string) (string, bool) {
	// labels is sorted by key (canonical form); linear scan is fine at
	// the small label-set sizes this is meant for.
	for _, l := range labels {
		if l.Key == key {
			return l.Value, true
		}
	}
	return "", false
}

func (m LabelMatcher) writeHash(h hash.Hash64) {
	binary.Write(h, binary.BigEndian, uint32(len(m.Terms)))
	for _, t := range m.Terms {
		binary.Write(h, binary.BigEndian, int32(t.Kind))
		writeString(h, t.Key)
		writeString(h, t.Value)
	}
}
