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

// Package config loads schema declarations from a TOML file, the same
// shape as daemon.Config's DS/RRA declarations, adapted from
// "data source + RRA spec" to "schema + tier spec".
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/tgres/rondo/misc"
	"github.com/tgres/rondo/schema"
)

// fileConfig is the raw TOML document shape.
type fileConfig struct {
	Schemas []schemaSpec `toml:"schema"`
}

type schemaSpec struct {
	Name      string     `toml:"name"`
	MaxSeries uint32     `toml:"max_series"`
	Match     []string   `toml:"match"`
	Tiers     []tierSpec `toml:"tier"`
}

type tierSpec struct {
	Spec string `toml:"spec"`
}

// LoadSchemas parses a TOML file of the form:
//
//	[[schema]]
//	name = "vmm"
//	max_series = 4096
//	match = ["vm", "*"]
//
//	[[schema.tier]]
//	spec = "1s:10m"
//	[[schema.tier]]
//	spec = "avg:10s:6h"
//
// into a []schema.Schema, in file order.
func LoadSchemas(path string) ([]schema.Schema, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	out := make([]schema.Schema, 0, len(fc.Schemas))
	for _, ss := range fc.Schemas {
		matcher, err := parseMatch(ss.Match)
		if err != nil {
			return nil, fmt.Errorf("config: schema %q: %w", ss.Name, err)
		}

		tiers := make([]schema.Tier, 0, len(ss.Tiers))
		for _, ts := range ss.Tiers {
			tier, err := parseTierSpec(ts.Spec)
			if err != nil {
				return nil, fmt.Errorf("config: schema %q tier %q: %w", ss.Name, ts.Spec, err)
			}
			tiers = append(tiers, tier)
		}

		sch := schema.Schema{
			Name:      ss.Name,
			Matcher:   matcher,
			Tiers:     tiers,
			MaxSeries: ss.MaxSeries,
		}
		if err := sch.Validate(); err != nil {
			return nil, fmt.Errorf("config: schema %q: %w", ss.Name, err)
		}
		out = append(out, sch)
	}
	return out, nil
}

// parseMatch turns a ["key", "value"] pair into a LabelMatcher: a
// literal "*" for value means "presence of key", anything else means
// "key equals value" - the same "digit means default CF" shorthand
// spirit as ConfigRRASpec.UnmarshalText, applied to matcher terms
// instead of consolidation functions.
func parseMatch(match []string) (schema.LabelMatcher, error) {
	if len(match) == 0 {
		return schema.Any(), nil
	}
	if len(match) != 2 {
		return schema.LabelMatcher{}, fmt.Errorf("match must be [key, value] or [key, \"*\"], got %v", match)
	}
	key, value := match[0], match[1]
	if value == "*" {
		return schema.Present(key), nil
	}
	return schema.Exact(key, value), nil
}

// parseTierSpec parses the compact colon-grammar
// "[fn:]interval:retention", reusing daemon.ConfigRRASpec's
// "skip the function to get the default" shorthand: a tier spec with
// no function prefix is the raw, unconsolidated tier that tier 0 must
// be.
func parseTierSpec(spec string) (schema.Tier, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return schema.Tier{}, fmt.Errorf("invalid tier spec %q: want \"[fn:]interval:retention\"", spec)
	}

	fn := schema.Last
	rest := parts
	if len(parts) == 3 {
		var err error
		fn, err = schema.ParseConsolidation(parts[0])
		if err != nil {
			return schema.Tier{}, err
		}
		rest = parts[1:]
	}

	interval, err := misc.BetterParseDuration(rest[0])
	if err != nil {
		return schema.Tier{}, fmt.Errorf("invalid interval %q: %w", rest[0], err)
	}
	retention, err := misc.BetterParseDuration(rest[1])
	if err != nil {
		return schema.Tier{}, fmt.Errorf("invalid retention %q: %w", rest[1], err)
	}

	return schema.Tier{
		IntervalNs:  interval.Nanoseconds(),
		RetentionNs: retention.Nanoseconds(),
		Fn:          fn,
	}, nil
}
