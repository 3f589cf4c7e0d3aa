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

// Command rondo-selfmon is a minimal demonstration of the embedding
// pattern rondo is built for: a process opens its own store, records
// into it on a timer, and drives consolidation itself. It is wiring,
// not a library feature.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tgres/rondo"
	"github.com/tgres/rondo/config"
	"github.com/tgres/rondo/internal/selfstats"
	"github.com/tgres/rondo/schema"
)

func parseFlags() (storePath, cfgPath string, interval time.Duration) {
	flag.StringVar(&storePath, "store", "./rondo-selfmon.db", "path to the store directory")
	flag.StringVar(&cfgPath, "c", "", "path to a TOML schema file (optional; a built-in _self schema is used if empty)")
	flag.DurationVar(&interval, "interval", time.Second, "sampling and consolidation cadence")
	flag.Parse()
	return
}

func defaultSchema() schema.Schema {
	return schema.Schema{
		Name:      selfstats.SchemaName,
		Matcher:   schema.Any(),
		MaxSeries: 16,
		Tiers: []schema.Tier{
			{IntervalNs: time.Second.Nanoseconds(), RetentionNs: (10 * time.Minute).Nanoseconds(), Fn: schema.Last},
			{IntervalNs: (10 * time.Second).Nanoseconds(), RetentionNs: (6 * time.Hour).Nanoseconds(), Fn: schema.Average},
		},
	}
}

// recorder adapts *rondo.Store, with a fixed set of handles, to
// selfstats.Recorder: it registers each series name lazily the first
// time it is recorded.
type recorder struct {
	store   *rondo.Store
	handles map[string]rondo.SeriesHandle
}

func (r *recorder) Record(name string, _ []selfstats.Label, value float64) error {
	h, ok := r.handles[name]
	if !ok {
		var err error
		h, err = r.store.Register(name, nil)
		if err != nil {
			return err
		}
		r.handles[name] = h
	}
	return r.store.Record(h, value, time.Now())
}

func main() {
	log.SetPrefix(fmt.Sprintf("[%d] ", os.Getpid()))
	log.Printf("rondo-selfmon starting.")

	storePath, cfgPath, interval := parseFlags()

	schemas := []schema.Schema{defaultSchema()}
	if cfgPath != "" {
		loaded, err := config.LoadSchemas(cfgPath)
		if err != nil {
			log.Fatalf("loading schema config %s: %v", cfgPath, err)
		}
		schemas = loaded
	}

	store, err := rondo.Open(storePath, schemas)
	if err != nil {
		log.Fatalf("opening store %s: %v", storePath, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("closing store: %v", err)
		}
	}()

	rec := &recorder{store: store, handles: make(map[string]rondo.SeriesHandle)}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := selfstats.RecordInto(rec); err != nil {
			log.Printf("sampling self stats: %v", err)
			continue
		}
		if n, err := store.Consolidate(); err != nil {
			log.Printf("consolidate: %v", err)
		} else if n > 0 {
			log.Printf("consolidate: wrote %d slots", n)
		}
	}
}
