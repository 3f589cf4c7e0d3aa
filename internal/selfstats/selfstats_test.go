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

package selfstats

import "testing"

type recordedCall struct {
	name  string
	value float64
}

type fakeRecorder struct {
	calls []recordedCall
}

func (f *fakeRecorder) Record(name string, labels []Label, value float64) error {
	f.calls = append(f.calls, recordedCall{name: name, value: value})
	return nil
}

func TestRecordIntoOverwritesRatherThanAccumulates(t *testing.T) {
	orig := take
	defer func() { take = orig }()

	take = func() (Sample, error) {
		return Sample{CPUPercent: 12.5, MemAllocBytes: 1024}, nil
	}

	r := &fakeRecorder{}
	if err := RecordInto(r); err != nil {
		t.Fatalf("first RecordInto: %v", err)
	}
	if err := RecordInto(r); err != nil {
		t.Fatalf("second RecordInto: %v", err)
	}

	if len(r.calls) != 4 {
		t.Fatalf("len(calls) = %d, want 4 (2 metrics x 2 samplings)", len(r.calls))
	}
	for _, c := range r.calls[:2] {
		if c.name == "cpu.percent" && c.value != 12.5 {
			t.Fatalf("cpu.percent = %v, want 12.5", c.value)
		}
		if c.name == "mem.alloc_bytes" && c.value != 1024 {
			t.Fatalf("mem.alloc_bytes = %v, want 1024", c.value)
		}
	}
	// The second sampling reflects the latest reading, not a sum of
	// the two Take() calls - each RecordInto call passes the absolute
	// value straight through to Record.
	for _, c := range r.calls[2:] {
		if c.value != 12.5 && c.value != 1024 {
			t.Fatalf("second sampling call = %+v, values were accumulated instead of overwritten", c)
		}
	}
}

func TestRecordIntoPropagatesSampleError(t *testing.T) {
	orig := take
	defer func() { take = orig }()

	wantErr := errSample{}
	take = func() (Sample, error) { return Sample{}, wantErr }

	r := &fakeRecorder{}
	if err := RecordInto(r); err != wantErr {
		t.Fatalf("RecordInto error = %v, want %v", err, wantErr)
	}
	if len(r.calls) != 0 {
		t.Fatalf("Record was called despite a sampling error")
	}
}

type errSample struct{}

func (errSample) Error() string { return "sampling failed" }
