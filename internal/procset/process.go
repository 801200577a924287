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

// Package procset holds known processes and threads (C3): their leader
// relationship, parent links, per-thread state, and the active event
// handler per leader. Modeled as an arena of integer pids rather than
// the teacher's pointer-cycle (proc→leader, proc→parent) graph, per the
// spec's Design Notes.
package procset

import "github.com/nilcrash/goltrace/internal/handler"

// Process represents one OS-level task (thread), matching spec §3.
type Process struct {
	Pid    int32
	Parent int32 // 0 if none (attached directly, no known parent)
	Leader int32 // equal to Pid if this process is its own thread-group leader

	// OnStep is true while sibling threads are held quiescent for this
	// thread's single-step (invariant 4).
	OnStep bool

	// BeingCreated holds until the first stop is observed for a thread
	// created by fork/clone/vfork, per spec §3.
	BeingCreated bool

	// Handler is non-nil only on a leader process (invariant 1).
	Handler handler.Handler
}

// IsLeader reports whether p is its own thread-group leader.
func (p *Process) IsLeader() bool {
	return p.Leader == p.Pid
}
