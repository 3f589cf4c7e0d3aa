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
	"math"

	"github.com/tgres/rondo/schema"
)

// reduce applies fn to a window's finite (already NaN-filtered)
// values. It never sees the original NaNs: the caller filters them
// out first so this function is spared
// having to special-case "NaN-aware" arithmetic anywhere.
//
// An empty finite slice reduces to NaN for every function except
// Count, which is defined as a count of finite samples and so is
// zero, not NaN - the "empty -> NaN, except Count" rule.
func reduce(fn schema.Consolidation, finite []float64) float64 {
	if len(finite) == 0 {
		if fn == schema.Count {
			return 0
		}
		return math.NaN()
	}

	switch fn {
	case schema.Average:
		sum := 0.0
		for _, v := range finite {
			sum += v
		}
		return sum / float64(len(finite))
	case schema.Min:
		m := finite[0]
		for _, v := range finite[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case schema.Max:
		m := finite[0]
		for _, v := range finite[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case schema.Last:
		return finite[len(finite)-1]
	case schema.Sum:
		sum := 0.0
		for _, v := range finite {
			sum += v
		}
		return sum
	case schema.Count:
		return float64(len(finite))
	default:
		return math.NaN()
	}
}

// filterFinite drops NaNs, preserving order. Order matters for Last:
// the tie-break picks the value at the greatest source
// slot in iteration order, which for a single pass is simply "last
// survivor".
func filterFinite(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
