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

// Package dispatch is the outer event loop (§6): it owns the single
// goroutine that waits for kernel trace events, canonicalizes them, and
// calls into the five named entry points (continue_after_breakpoint,
// continue_after_syscall, continue_after_vfork, continue_after_exec,
// os_ltrace_exiting) that wire C3/C4/C5/C6/C7/C8 together.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/nilcrash/goltrace/internal/breakpoint"
	"github.com/nilcrash/goltrace/internal/coordinator"
	"github.com/nilcrash/goltrace/internal/events"
	"github.com/nilcrash/goltrace/internal/plt"
	"github.com/nilcrash/goltrace/internal/procset"
	"github.com/nilcrash/goltrace/internal/symbol"
	"github.com/nilcrash/goltrace/internal/traceio"
)

// Loop is the single-threaded tracer core. Every method except AttachAll
// and OSLtraceExiting must only ever be called from Run's goroutine, per spec
// §5's no-locks-inside-the-core model.
type Loop struct {
	registry *procset.Registry
	io       coordinator.TraceIO
	eventq   map[int32]*events.Queue     // keyed by leader
	bpt      map[int32]*breakpoint.Table // keyed by leader
	plt      map[int32]*plt.Resolver     // keyed by leader; absent if no PLT info
	symbols  symbol.Loader               // ELF collaborator; nil disables C6
	log      *logrus.Entry
}

// New returns an empty Loop backed by the real kernel trace interface.
func New() *Loop {
	return &Loop{
		registry: procset.New(),
		io:       coordinator.RealTraceIO(),
		eventq:   make(map[int32]*events.Queue),
		bpt:      make(map[int32]*breakpoint.Table),
		plt:      make(map[int32]*plt.Resolver),
		log:      logrus.WithField("component", "dispatch"),
	}
}

// SetSymbolLoader wires in the ELF collaborator (spec §6) that supplies
// each attached leader's PLTInfo. Must be called before AttachAll for
// the PLT resolution extension (C6) to activate; without one, lazy-bound
// PLT slots are simply never intercepted.
func (l *Loop) SetSymbolLoader(loader symbol.Loader) {
	l.symbols = loader
}

// AttachAll attaches to every pid in pids concurrently (spec §6: the
// initial `-p` list is the only required input), each becoming its own
// thread-group leader, then lists and attaches every existing sibling
// thread of each.
func (l *Loop) AttachAll(ctx context.Context, pids []int32) error {
	g, _ := errgroup.WithContext(ctx)
	for _, pid := range pids {
		pid := pid
		g.Go(func() error { return l.attachOne(pid) })
	}
	return g.Wait()
}

func (l *Loop) attachOne(pid int32) error {
	if err := traceio.Attach(pid); err != nil {
		return fmt.Errorf("dispatch: attach %d: %w", pid, err)
	}
	l.registry.AttachPid(pid, 0, 0, false)
	l.eventq[pid] = events.NewQueue()
	l.bpt[pid] = breakpoint.NewTable(pid, traceioMemIO{})

	if l.symbols != nil {
		info, err := l.symbols.LoadPLTInfo(pid)
		if err != nil {
			l.log.WithError(err).Warnf("loading PLT info for %d failed; C6 disabled for this leader", pid)
		} else {
			r, err := plt.Install(pid, traceioMemIO{}, l.io, l.bpt[pid], info)
			if err != nil {
				l.log.WithError(err).Warnf("installing PLT resolver for %d failed", pid)
			} else {
				l.plt[pid] = r
			}
		}
	}

	tids, err := traceio.ListThreads(pid)
	if err != nil {
		return fmt.Errorf("dispatch: listing threads of %d: %w", pid, err)
	}
	for _, tid := range tids {
		if tid == pid {
			continue
		}
		if err := traceio.Attach(tid); err != nil {
			l.log.WithError(err).Warnf("attach sibling thread %d of %d failed", tid, pid)
			continue
		}
		l.registry.AttachPid(tid, pid, pid, false)
	}
	return nil
}

// traceioMemIO adapts the package-level traceio Peek/Poke to
// breakpoint.MemIO.
type traceioMemIO struct{}

func (traceioMemIO) Peek(pid int32, addr uintptr, out []byte) (int, error) {
	return traceio.Peek(pid, addr, out)
}
func (traceioMemIO) Poke(pid int32, addr uintptr, data []byte) (int, error) {
	return traceio.Poke(pid, addr, data)
}

// Run is the single-threaded event loop: wait for the next kernel
// status change, canonicalize it, and dispatch. It returns once every
// tracee has been detached or ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := traceio.Wait(-1, 0)
		if err != nil {
			if traceio.Vanished(err) || errors.Is(err, unix.ECHILD) {
				return nil
			}
			return fmt.Errorf("dispatch: wait: %w", err)
		}
		if res.Pid == 0 {
			continue
		}
		l.dispatchOne(res)
	}
}

func (l *Loop) dispatchOne(res traceio.WaitResult) {
	proc, ok := l.registry.Pid2Proc(res.Pid)
	if !ok {
		l.log.Warnf("dispatch: event from unknown pid %d; ignoring", res.Pid)
		return
	}
	leader := proc.Leader

	// A thread is BEING_CREATED only until its own first stop is
	// observed (spec §4.3); this is that first stop.
	proc.BeingCreated = false

	ev := canonicalize(res)
	if ev.Kind == events.KindBreakpoint {
		l.resolveBreakpointAddr(&ev)
	}

	if h := l.registry.HandlerOf(res.Pid); h != nil {
		if remaining := h.OnEvent(ev); remaining != nil {
			l.routeUnhandled(leader, *remaining)
		}
		return
	}
	l.routeUnhandled(leader, ev)
}

// resolveBreakpointAddr sets ev.Addr from the tracee's current IP: the
// processor has already advanced past the planted trap instruction, so
// the breakpoint's own address is IP - TrapInstructionSize.
func (l *Loop) resolveBreakpointAddr(ev *events.Event) {
	ip, err := l.io.GetIP(ev.Pid)
	if err != nil {
		l.log.WithError(err).Warnf("resolving breakpoint address for pid %d failed", ev.Pid)
		return
	}
	ev.Addr = ip - breakpoint.TrapInstructionSize
}

// routeUnhandled handles an event with no installed stop handler: a
// breakpoint hit starts a new stop-the-world cycle (continue_after_breakpoint);
// everything else is queued for the next handler that is installed, or
// simply resumed.
func (l *Loop) routeUnhandled(leader int32, ev events.Event) {
	switch ev.Kind {
	case events.KindBreakpoint:
		l.ContinueAfterBreakpoint(leader, ev.Pid, ev.Addr)
	case events.KindExec:
		l.ContinueAfterExec(leader, ev.Pid)
	case events.KindVfork:
		l.ContinueAfterVfork(leader, ev.Pid, ev.Child)
	case events.KindClone:
		// New thread of the same group (spec §4.3: "created ... on
		// fork/clone notification"), sharing leader's breakpoint table.
		l.registry.AttachPid(ev.Child, ev.Pid, leader, true)
		l.resumeAfterNewTask(ev.Pid, ev.Child)
	case events.KindFork:
		// New process: its own thread-group leader, own breakpoint
		// table (the address space is copy-on-write, not shared).
		l.registry.AttachPid(ev.Child, ev.Pid, ev.Child, true)
		if _, ok := l.bpt[ev.Child]; !ok {
			l.bpt[ev.Child] = breakpoint.NewTable(ev.Child, traceioMemIO{})
			l.eventq[ev.Child] = events.NewQueue()
		}
		l.resumeAfterNewTask(ev.Pid, ev.Child)
	case events.KindSyscallEntry, events.KindSysret:
		l.ContinueAfterSyscall(ev.Pid)
	case events.KindExit, events.KindExitSignal:
		l.registry.DetachPid(ev.Pid)
		if q, ok := l.eventq[leader]; ok {
			q.RemovePid(ev.Pid)
		}
	default:
		if err := l.io.Cont(ev.Pid, 0); err != nil {
			l.log.WithError(err).Warnf("resume after unhandled event failed for pid %d", ev.Pid)
		}
	}
}

// resumeAfterNewTask resumes the parent thread that reported a
// clone/fork notification. The new child is left stopped: it is still
// BEING_CREATED and the kernel will deliver its own initial stop
// independently (spec §4.5 step 3b), at which point dispatchOne picks
// it up as any other tracee event.
func (l *Loop) resumeAfterNewTask(parentTid, child int32) {
	if err := l.io.Cont(parentTid, 0); err != nil {
		l.log.WithError(err).Warnf("resume after clone/fork notification failed for pid %d (child %d)", parentTid, child)
	}
}

// ContinueAfterBreakpoint is continue_after_breakpoint (spec §6): a
// breakpoint fired at addr in pid; install the stop-the-world
// coordinator (C5) to disable it, single-step teb past it, and
// re-enable it once every sibling is quiescent.
func (l *Loop) ContinueAfterBreakpoint(leader, pid int32, addr uintptr) {
	bpt, ok := l.bpt[leader]
	if !ok {
		l.log.Warnf("continue_after_breakpoint: no breakpoint table for leader %d", leader)
		return
	}
	bp, ok := bpt.Lookup(addr)
	if !ok {
		l.log.Warnf("continue_after_breakpoint: no breakpoint registered at %#x for pid %d", addr, pid)
		return
	}
	proc, ok := l.registry.Pid2Proc(pid)
	if !ok {
		return
	}
	if err := l.io.SetIP(pid, addr); err != nil {
		l.log.WithError(err).Errorf("continue_after_breakpoint: rewinding IP to %#x for pid %d failed", addr, pid)
		return
	}
	if bp.Callbacks.OnHit != nil {
		bp.Callbacks.OnHit(bp, pid)
	}

	// C6 fast path (spec §4.6 step 3): a RESOLVED PLT symbol is
	// redirected and resumed directly, with no coordinator cycle at
	// all. An UNRESOLVED one contributes its own KeepSteppingP policy
	// to the cycle below instead of the default "stop after one step".
	var policy *coordinator.Policy
	if r, ok := l.plt[leader]; ok {
		if r.HandleHit(pid, addr) {
			return
		}
		if s, ok := r.SlotFor(addr); ok {
			p := r.Policy(s)
			policy = &p
		}
	}

	if _, err := coordinator.Install(l.registry, bpt, l.io, l.eventq[leader], proc, bp, policy); err != nil {
		l.log.WithError(err).Errorf("continue_after_breakpoint: installing stop-the-world cycle for pid %d failed", pid)
	}
}

// ContinueAfterSyscall is continue_after_syscall (spec §6): simply
// resumes pid to the next syscall boundary, used for threads not
// currently part of any stop-the-world cycle.
func (l *Loop) ContinueAfterSyscall(pid int32) {
	if err := l.io.ContSyscall(pid, 0); err != nil {
		l.log.WithError(err).Warnf("continue_after_syscall failed for pid %d", pid)
	}
}

// ContinueAfterVfork is continue_after_vfork (spec §6 / §4.8): installs
// the vfork coordinator (C8) reparenting child onto parent's group.
func (l *Loop) ContinueAfterVfork(parent, _ int32, child int32) {
	l.registry.AttachPid(child, parent, parent, true)
	if _, err := coordinator.InstallVfork(l.registry, l.bpt[parent], l.io, parent, child); err != nil {
		l.log.WithError(err).Errorf("continue_after_vfork: installing vfork coordinator for parent %d failed", parent)
		if err := l.io.Cont(parent, 0); err != nil {
			l.log.WithError(err).Warnf("resume after failed vfork install failed for pid %d", parent)
		}
	}
}

// ContinueAfterExec is continue_after_exec (spec §6): an exec discards
// the old address space, so every breakpoint previously planted in it
// is now meaningless; the table and any PLT resolver built from the
// previous image are reset and the thread is resumed.
func (l *Loop) ContinueAfterExec(leader, pid int32) {
	l.bpt[leader] = breakpoint.NewTable(leader, traceioMemIO{})
	delete(l.plt, leader)
	if l.symbols != nil {
		if info, err := l.symbols.LoadPLTInfo(leader); err != nil {
			l.log.WithError(err).Warnf("reloading PLT info for %d after exec failed; C6 disabled for this leader", leader)
		} else if r, err := plt.Install(leader, traceioMemIO{}, l.io, l.bpt[leader], info); err != nil {
			l.log.WithError(err).Warnf("reinstalling PLT resolver for %d after exec failed", leader)
		} else {
			l.plt[leader] = r
		}
	}
	if err := l.io.Cont(pid, 0); err != nil {
		l.log.WithError(err).Warnf("resume after exec failed for pid %d", pid)
	}
}

// OSLtraceExiting is os_ltrace_exiting (spec §4.7 / §6): request a
// graceful, fully-detached shutdown of every currently-traced leader,
// fanning the per-leader detach requests out concurrently (setup/
// teardown parallelism only; each leader's own cycle remains
// single-threaded).
func (l *Loop) OSLtraceExiting(ctx context.Context) error {
	leaders := make([]int32, 0, len(l.bpt))
	for leader := range l.bpt {
		leaders = append(leaders, leader)
	}

	g, _ := errgroup.WithContext(ctx)
	for _, leader := range leaders {
		leader := leader
		g.Go(func() error {
			proc, ok := l.registry.Pid2Proc(leader)
			if !ok {
				return nil
			}
			return coordinator.RequestExit(l.registry, l.bpt[leader], l.io, l.eventq[leader], proc)
		})
	}
	return g.Wait()
}

// canonicalize turns a raw traceio.WaitResult into the tagged events.Event
// the rest of the tracer consumes, applying the PTRACE_EVENT_* trap
// causes (clone/fork/vfork/exec) and the SIGTRAP-with-0x80 syscall-stop
// convention.
func canonicalize(res traceio.WaitResult) events.Event {
	if res.Exited {
		if res.Signal != 0 {
			return events.Event{Kind: events.KindExitSignal, Pid: res.Pid, Signum: res.Signal}
		}
		return events.Event{Kind: events.KindExit, Pid: res.Pid, ExitCode: res.Code}
	}
	if !res.Stopped {
		return events.Event{Kind: events.KindNone, Pid: res.Pid}
	}

	switch res.Trap {
	case unix.PTRACE_EVENT_CLONE:
		return events.Event{Kind: events.KindClone, Pid: res.Pid, Child: res.Child}
	case unix.PTRACE_EVENT_FORK:
		return events.Event{Kind: events.KindFork, Pid: res.Pid, Child: res.Child}
	case unix.PTRACE_EVENT_VFORK:
		return events.Event{Kind: events.KindVfork, Pid: res.Pid, Child: res.Child}
	case unix.PTRACE_EVENT_EXEC:
		return events.Event{Kind: events.KindExec, Pid: res.Pid}
	}

	if res.Signal == unix.SIGTRAP {
		return events.Event{Kind: events.KindBreakpoint, Pid: res.Pid}
	}
	return events.Event{Kind: events.KindSignal, Pid: res.Pid, Signum: res.Signal}
}
