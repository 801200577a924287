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

// Package events canonicalizes raw trace-interface notifications into a
// small tagged Event type, and provides the per-process FIFO the
// coordinator replays against.
package events

import "golang.org/x/sys/unix"

// Kind tags the shape of an Event's payload.
type Kind int

// The event kinds the outer loop can deliver to a handler.
const (
	KindNone Kind = iota
	KindBreakpoint
	KindSignal
	KindSyscallEntry
	KindSysret
	KindExit
	KindExitSignal
	KindExec
	KindFork
	KindVfork
	KindClone
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindBreakpoint:
		return "BREAKPOINT"
	case KindSignal:
		return "SIGNAL"
	case KindSyscallEntry:
		return "SYSCALL_ENTRY"
	case KindSysret:
		return "SYSRET"
	case KindExit:
		return "EXIT"
	case KindExitSignal:
		return "EXIT_SIGNAL"
	case KindExec:
		return "EXEC"
	case KindFork:
		return "FORK"
	case KindVfork:
		return "VFORK"
	case KindClone:
		return "CLONE"
	default:
		return "UNKNOWN"
	}
}

// Event is a canonicalized, tagged notification from one traced thread.
type Event struct {
	Kind Kind
	Pid  int32

	// Addr is valid for KindBreakpoint: the address the trap fired at.
	Addr uintptr

	// Signum is valid for KindSignal and KindExitSignal.
	Signum unix.Signal

	// SyscallNr is valid for KindSyscallEntry and KindSysret.
	SyscallNr int

	// ExitCode is valid for KindExit.
	ExitCode int

	// Child is valid for KindFork, KindVfork and KindClone: the pid of
	// the new process or thread.
	Child int32
}

// Verdict is returned from the predicate passed to Each, indicating
// whether the scan should stop and consume the current event.
type Verdict int

const (
	// Skip leaves the event in the queue and continues scanning.
	Skip Verdict = iota
	// Yield stops the scan and dequeues the current event.
	Yield
)

// Queue is a strict FIFO of pending per-thread events. Ordering is FIFO
// per originating thread; events from different threads may interleave
// in arbitrary order, matching arrival order at the queue.
type Queue struct {
	items []Event
}

// NewQueue returns an empty event queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends e to the tail of the queue. O(1).
func (q *Queue) Enqueue(e Event) {
	q.items = append(q.items, e)
}

// Len reports the number of pending events.
func (q *Queue) Len() int {
	return len(q.items)
}

// Scan returns the first event matching pred without removing it. O(n).
func (q *Queue) Scan(pred func(Event) bool) (Event, bool) {
	for _, e := range q.items {
		if pred(e) {
			return e, true
		}
	}
	return Event{}, false
}

// Each walks the queue in FIFO order, calling fn on each event. The
// first event for which fn returns Yield is removed from the queue and
// returned. If no event yields, Each returns false and leaves the queue
// untouched.
func (q *Queue) Each(fn func(Event) Verdict) (Event, bool) {
	for i, e := range q.items {
		if fn(e) == Yield {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return e, true
		}
	}
	return Event{}, false
}

// RemovePid drops every queued event originating from pid, e.g. once a
// thread has been reaped and its further bookkeeping is moot.
func (q *Queue) RemovePid(pid int32) {
	kept := q.items[:0]
	for _, e := range q.items {
		if e.Pid != pid {
			kept = append(kept, e)
		}
	}
	q.items = kept
}
