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
	"errors"
	"sort"
	"strings"
)

// Label is one key/value pair of a series identity.
type Label struct {
	Key   string
	Value string
}

// ErrInvalidLabels is returned by Canonicalize when the label set is
// malformed (duplicate keys).
var ErrInvalidLabels = errors.New("schema: duplicate label key")

// Canonicalize sorts labels by key and rejects duplicate keys. The
// input is not mutated; the returned slice is fresh.
func Canonicalize(labels []Label) ([]Label, error) {
	out := make([]Label, len(labels))
	copy(out, labels)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	for i := 1; i < len(out); i++ {
		if out[i].Key == out[i-1].Key {
			return nil, ErrInvalidLabels
		}
	}
	return out, nil
}

// Key renders name and canonical labels into a single string suitable
// for use as a map key, in the same flattening spirit as tgres's
// Ident.String() (name plus sorted tag pairs).
func Key(name string, canonicalLabels []Label) string {
	var b strings.Builder
	b.WriteString(name)
	for _, l := range canonicalLabels {
		b.WriteByte(',')
		b.WriteString(l.Key)
		b.WriteByte('=')
		b.WriteString(l.Value)
	}
	return b.String()
}
