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

package procset

import "github.com/nilcrash/goltrace/internal/handler"

// Verdict is returned by the visit function passed to EachTask.
type Verdict int

const (
	// Continue keeps visiting the remaining threads.
	Continue Verdict = iota
	// Stop ends the scan early; the visited process is returned.
	Stop
)

// Registry is the single arena of known processes. Accessed only from
// the tracer's single-threaded main loop (spec §5): no internal
// locking.
type Registry struct {
	procs map[int32]*Process
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{procs: make(map[int32]*Process)}
}

// AttachPid registers pid as newly attached. If leader == 0, pid is its
// own leader (the initial -p attach case); otherwise pid joins an
// existing leader's thread group (e.g. a clone notification).
func (r *Registry) AttachPid(pid, parent, leader int32, beingCreated bool) *Process {
	if leader == 0 {
		leader = pid
	}
	p := &Process{
		Pid:          pid,
		Parent:       parent,
		Leader:       leader,
		BeingCreated: beingCreated,
	}
	r.procs[pid] = p
	return p
}

// DetachPid removes pid from the registry.
func (r *Registry) DetachPid(pid int32) {
	delete(r.procs, pid)
}

// Pid2Proc looks up pid.
func (r *Registry) Pid2Proc(pid int32) (*Process, bool) {
	p, ok := r.procs[pid]
	return p, ok
}

// LeaderOf returns the leader process of pid's thread group, replacing
// a pointer dereference of proc→leader.
func (r *Registry) LeaderOf(pid int32) (*Process, bool) {
	p, ok := r.procs[pid]
	if !ok {
		return nil, false
	}
	return r.Pid2Proc(p.Leader)
}

// EachTask visits every thread in leader's group for which filter
// returns true, in registry iteration order, calling visit on each.
// EachTask exits early the first time visit returns Stop, returning
// that process; otherwise it returns nil once every matching thread has
// been visited.
func (r *Registry) EachTask(leader int32, filter func(*Process) bool, visit func(*Process) Verdict) *Process {
	for _, p := range r.procs {
		if p.Leader != leader {
			continue
		}
		if filter != nil && !filter(p) {
			continue
		}
		if visit(p) == Stop {
			return p
		}
	}
	return nil
}

// ChangeLeader reparents pid onto newLeader. Used exclusively by the
// vfork coordinator (C8) to treat a vforked child as a pseudo-thread of
// its parent's group, and again to restore it as its own leader once
// the child execs or exits.
func (r *Registry) ChangeLeader(pid, newLeader int32) {
	p, ok := r.procs[pid]
	if !ok {
		return
	}
	p.Leader = newLeader
}

// SetHandler installs h as the event handler for leader's group,
// enforcing invariant 1 (at most one handler per leader). Returns false
// without modifying anything if a different handler is already
// installed.
func (r *Registry) SetHandler(leader int32, h handler.Handler) bool {
	p, ok := r.procs[leader]
	if !ok {
		return false
	}
	if p.Handler != nil && p.Handler != h {
		return false
	}
	p.Handler = h
	return true
}

// ClearHandler removes the handler from leader's group, if h is indeed
// the currently-installed handler.
func (r *Registry) ClearHandler(leader int32, h handler.Handler) {
	p, ok := r.procs[leader]
	if !ok || p.Handler != h {
		return
	}
	p.Handler = nil
}

// HandlerOf returns the handler installed on pid's leader, if any.
func (r *Registry) HandlerOf(pid int32) handler.Handler {
	p, ok := r.LeaderOf(pid)
	if !ok {
		return nil
	}
	return p.Handler
}
