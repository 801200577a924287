// Copyright 2018 The gVisor Authors.
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

// Package coordinator implements the stop-the-world coordinator (C5),
// the exit coordinator (C7) and the vfork coordinator (C8): the heart of
// this tracer, per spec §4.5-§4.8.
package coordinator

// PidTask is the per-thread bookkeeping kept within one stop-the-world
// cycle, matching spec §3 exactly.
type PidTask struct {
	// Pid is zeroed when the thread exits mid-cycle.
	Pid int32

	// Sigstopped is true once we have sent SIGSTOP and expect its
	// delivery.
	Sigstopped bool
	// Delivered is true once that SIGSTOP has been observed and
	// consumed.
	Delivered bool
	// GotEvent is true once at least one event from this thread has
	// been observed since the cycle began.
	GotEvent bool
	// Vforked is true for a vfork parent: blocked by the kernel, so we
	// never SIGSTOP it.
	Vforked bool
	// Sysret is true when the last observed event from this thread was
	// a syscall return.
	Sysret bool

	// skipSignal is an implementation extension (not named in spec §3)
	// covering both the Vforked case and a thread that was already
	// ptrace-stopped (including the thread that hit the breakpoint
	// triggering this cycle) or still BEING_CREATED at install time: in
	// all these cases no SIGSTOP is sent, so the task counts as blocked
	// from the start rather than once Delivered is set.
	skipSignal bool
}

// blocked reports whether this task no longer needs to be waited on
// before the coordinator can proceed to single-step teb.
func (t *PidTask) blocked() bool {
	if t.Pid == 0 {
		return true
	}
	if t.skipSignal {
		return true
	}
	return t.Delivered
}

// PidSet is the dynamic collection of PidTask keyed by pid, owned by the
// stop handler and freed on handler destruction. Backed by a Go map,
// which already grows geometrically as required by spec §3.
type PidSet struct {
	tasks map[int32]*PidTask
}

// NewPidSet returns an empty PidSet.
func NewPidSet() *PidSet {
	return &PidSet{tasks: make(map[int32]*PidTask)}
}

// GetOrCreate returns the PidTask for pid, creating it if necessary.
func (s *PidSet) GetOrCreate(pid int32) *PidTask {
	t, ok := s.tasks[pid]
	if !ok {
		t = &PidTask{Pid: pid}
		s.tasks[pid] = t
	}
	return t
}

// Get returns the PidTask for pid, if tracked.
func (s *PidSet) Get(pid int32) (*PidTask, bool) {
	t, ok := s.tasks[pid]
	return t, ok
}

// Each visits every tracked task. Iteration order is unspecified
// (spec's ordering guarantees only constrain per-thread event order,
// not PidSet traversal order).
func (s *PidSet) Each(fn func(*PidTask) bool) {
	for _, t := range s.tasks {
		if !fn(t) {
			return
		}
	}
}

// Len reports how many tasks are tracked.
func (s *PidSet) Len() int {
	return len(s.tasks)
}
