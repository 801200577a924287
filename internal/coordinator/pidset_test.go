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

package coordinator

import "testing"

func TestPidTaskBlockedOnExit(t *testing.T) {
	task := &PidTask{Pid: 0}
	if !task.blocked() {
		t.Error("a task whose Pid has been zeroed (exited) must be blocked")
	}
}

func TestPidTaskBlockedOnSkipSignal(t *testing.T) {
	task := &PidTask{Pid: 5, skipSignal: true}
	if !task.blocked() {
		t.Error("a skip-signal task must be considered blocked without a delivered SIGSTOP")
	}
}

func TestPidTaskNotBlockedUntilDelivered(t *testing.T) {
	task := &PidTask{Pid: 5, Sigstopped: true}
	if task.blocked() {
		t.Error("a task with an outstanding, undelivered SIGSTOP must not be blocked")
	}
	task.Delivered = true
	if !task.blocked() {
		t.Error("a task with a delivered SIGSTOP must be blocked")
	}
}

func TestPidSetGetOrCreate(t *testing.T) {
	s := NewPidSet()
	t1 := s.GetOrCreate(10)
	t2 := s.GetOrCreate(10)
	if t1 != t2 {
		t.Fatal("GetOrCreate must return the same *PidTask for a repeated pid")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestPidSetEachVisitsAll(t *testing.T) {
	s := NewPidSet()
	s.GetOrCreate(1)
	s.GetOrCreate(2)
	s.GetOrCreate(3)

	seen := make(map[int32]bool)
	s.Each(func(t *PidTask) bool {
		seen[t.Pid] = true
		return true
	})
	if len(seen) != 3 {
		t.Fatalf("Each visited %d tasks, want 3", len(seen))
	}
}
