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

// Package selfstats samples the host process's own resource usage, for
// a caller who wants to record it alongside the metrics it is
// collecting from elsewhere (the "_self" schema). Sampling is a
// plain function call; there is no goroutine here.
package selfstats

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SchemaName is the reserved schema name a Store may register for
// self-monitoring.
const SchemaName = "_self"

// Sample is one snapshot of process/host resource usage.
type Sample struct {
	CPUPercent    float64
	MemAllocBytes uint64
	MemUsedBytes  uint64
}

// Recorder is the minimal surface selfstats needs from a Store: record
// a value for a named, labeled series. Kept narrow so this package
// does not import the root rondo package; cmd/rondo-selfmon adapts a
// Store to it and picks the timestamp itself.
type Recorder interface {
	Record(name string, labels []Label, value float64) error
}

// Label mirrors schema.Label without importing the schema package,
// keeping selfstats a leaf with a single third-party dependency
// (gopsutil) and no rondo-internal ones.
type Label struct {
	Key   string
	Value string
}

// Take takes one snapshot: host-wide CPU percent since the last call
// (gopsutil computes the delta internally, same as receiver/runtime.go
// did with a 0-second interval) and host memory usage via
// runtime.MemStats for the process, virtual memory for the host.
func Take() (Sample, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return Sample{}, err
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var usedBytes uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		usedBytes = vm.Used
	}

	return Sample{
		CPUPercent:    cpuPct,
		MemAllocBytes: ms.Alloc,
		MemUsedBytes:  usedBytes,
	}, nil
}

// take is a package variable so tests can substitute a deterministic
// sampler without touching the real host's CPU/memory counters.
var take = Take

// RecordInto samples once and records both series into r under the
// "_self" schema's conventional metric names. Repeated calls within
// the same tier-0 slot overwrite (Record, not Add) - sampling twice in
// one slot period reflects the latest reading, not an accumulation.
func RecordInto(r Recorder) error {
	s, err := take()
	if err != nil {
		return err
	}
	if err := r.Record("cpu.percent", nil, s.CPUPercent); err != nil {
		return err
	}
	if err := r.Record("mem.alloc_bytes", nil, float64(s.MemAllocBytes)); err != nil {
		return err
	}
	return nil
}
