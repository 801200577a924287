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

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nilcrash/goltrace/internal/archstep"
	"github.com/nilcrash/goltrace/internal/breakpoint"
	"github.com/nilcrash/goltrace/internal/events"
	"github.com/nilcrash/goltrace/internal/handler"
	"github.com/nilcrash/goltrace/internal/procset"
)

// sigstopStallGrace is the configured bound on how long SINKING may wait
// for an expected SIGSTOP before a diagnostic is logged (internal/config's
// sigstop_stall_grace_millis). Zero (the default) disables the diagnostic.
var sigstopStallGrace time.Duration

// SetSigstopStallGrace lets internal/config wire its
// sigstop_stall_grace_millis setting into the SINKING stall diagnostic,
// mirroring the way archstep.SetCapabilityOverride wires in the
// single-step capability override.
func SetSigstopStallGrace(d time.Duration) { sigstopStallGrace = d }

// State is one of the four states of the stop-the-world protocol
// (spec §4.5.2). The source this is modeled on used goto-based control
// flow between C labels; here each handleX method returns having fully
// applied its state's transition, and OnEvent dispatches purely on
// c.state — the Design Notes' "re-express as explicit state
// transitions" resolution.
type State int

const (
	// StateStopping is the initial state: waiting for every sibling to
	// become blocked.
	StateStopping State = iota
	// StateSingleStep is single-stepping teb past the disabled
	// breakpoint.
	StateSingleStep
	// StateSinking is draining pending SIGSTOP deliveries before
	// resuming everyone.
	StateSinking
	// StateUglyWorkaround is the detach-after-singlestep safety dance.
	StateUglyWorkaround
)

func (s State) String() string {
	switch s {
	case StateStopping:
		return "STOPPING"
	case StateSingleStep:
		return "SINGLESTEP"
	case StateSinking:
		return "SINKING"
	case StateUglyWorkaround:
		return "UGLY_WORKAROUND"
	default:
		return "UNKNOWN"
	}
}

// StepVerdict is the result of a pluggable policy callback.
type StepVerdict int

const (
	// VerdictCont means keep stepping.
	VerdictCont StepVerdict = iota
	// VerdictStop means proceed to re-enable / finish.
	VerdictStop
	// VerdictFail means treat this cycle as terminal; per spec §9's
	// Open Question resolution, handled identically to VerdictStop
	// except the breakpoint is deleted rather than re-enabled.
	VerdictFail
)

// Policy is the capability record passed at installation (spec §9's
// "callback triads... express as a small capability record").
type Policy struct {
	// OnAllStopped runs once every sibling is blocked. Default disables
	// the breakpoint and issues a single-step.
	OnAllStopped func(c *Cycle)
	// KeepSteppingP polls whether to keep single-stepping teb. Default
	// always stops after one step.
	KeepSteppingP func(c *Cycle) StepVerdict
	// UglyWorkaroundP decides, for a non-exiting cycle, whether the
	// detach-after-singlestep workaround is needed anyway. Default: no.
	UglyWorkaroundP func(c *Cycle) StepVerdict
}

func defaultPolicy() Policy {
	return Policy{
		OnAllStopped:    defaultOnAllStopped,
		KeepSteppingP:   func(c *Cycle) StepVerdict { return VerdictStop },
		UglyWorkaroundP: func(c *Cycle) StepVerdict { return VerdictStop },
	}
}

// Cycle is the stop handler (spec: process_stopping_handler): the event
// handler that drives the multi-state protocol of §4.5, reused as-is by
// the exit coordinator (§4.7, Cycle.exiting = true).
type Cycle struct {
	kind  handler.Kind
	state State

	leader int32
	teb    int32

	bp         *breakpoint.Breakpoint
	wasEnabled bool
	bpDeleted  bool

	uglyBP *breakpoint.Breakpoint

	// sinkSince is when this cycle entered SINKING; stallWarned guards
	// the stall diagnostic (sigstopStallGrace) so it fires at most once
	// per cycle rather than on every event while stalled.
	sinkSince   time.Time
	stallWarned bool

	// scratchBPs are the one-shot breakpoints planted by the software
	// single-step fallback (C9, spec §4.9) while teb's step is in
	// flight; nil whenever hardware single-step is in use.
	scratchBPs []*breakpoint.Breakpoint

	pidset  *PidSet
	policy  Policy
	exiting bool

	registry *procset.Registry
	bpt      *breakpoint.Table
	io       TraceIO
	eventq   *events.Queue
	log      *logrus.Entry
}

// Kind implements handler.Handler.
func (c *Cycle) Kind() handler.Kind { return c.kind }

// State returns the cycle's current protocol state, for diagnostics and
// tests.
func (c *Cycle) State() State { return c.state }

// Install drives spec §4.5.1: it registers a Cycle as the event handler
// for proc's leader (failing if one is already installed — invariant 1),
// SIGSTOPs every sibling thread, and feeds a synthetic NONE event so an
// already-quiescent group still makes progress without waiting for a
// real one.
func Install(reg *procset.Registry, bpt *breakpoint.Table, io TraceIO, eventq *events.Queue, proc *procset.Process, bp *breakpoint.Breakpoint, override *Policy) (*Cycle, error) {
	return install(reg, bpt, io, eventq, proc, bp, override, false)
}

// InstallExiting is C7: the exit coordinator. It drives the identical
// protocol with c.exiting = true, so process_stopping_done ends in
// detach rather than resume (spec §4.7).
func InstallExiting(reg *procset.Registry, bpt *breakpoint.Table, io TraceIO, eventq *events.Queue, proc *procset.Process) (*Cycle, error) {
	return install(reg, bpt, io, eventq, proc, nil, nil, true)
}

func install(reg *procset.Registry, bpt *breakpoint.Table, io TraceIO, eventq *events.Queue, proc *procset.Process, bp *breakpoint.Breakpoint, override *Policy, exiting bool) (*Cycle, error) {
	leader := proc.Leader
	if existing := reg.HandlerOf(leader); existing != nil {
		return nil, fmt.Errorf("coordinator: leader %d already has a %s handler installed", leader, existing.Kind())
	}

	p := defaultPolicy()
	if override != nil {
		if override.OnAllStopped != nil {
			p.OnAllStopped = override.OnAllStopped
		}
		if override.KeepSteppingP != nil {
			p.KeepSteppingP = override.KeepSteppingP
		}
		if override.UglyWorkaroundP != nil {
			p.UglyWorkaroundP = override.UglyWorkaroundP
		}
	}

	kind := handler.KindStopping
	if exiting {
		kind = handler.KindExiting
	}

	c := &Cycle{
		kind:       kind,
		state:      StateStopping,
		leader:     leader,
		teb:        proc.Pid,
		bp:         bp,
		wasEnabled: bp != nil && bp.Enabled,
		pidset:     NewPidSet(),
		policy:     p,
		exiting:    exiting,
		registry:   reg,
		bpt:        bpt,
		io:         io,
		eventq:     eventq,
		log:        logrus.WithField("leader", leader),
	}

	if !reg.SetHandler(leader, c) {
		return nil, fmt.Errorf("coordinator: could not install handler on leader %d", leader)
	}

	reg.EachTask(leader, nil, func(p *procset.Process) procset.Verdict {
		c.sendSigstop(p)
		return procset.Continue
	})

	// Feed a synthetic NONE event: if the group was already quiescent
	// (e.g. single-threaded, scenario 1), the protocol must still
	// proceed without waiting for a real event.
	c.OnEvent(events.Event{Kind: events.KindNone, Pid: leader})
	return c, nil
}

// MergeExiting implements spec §4.7's merge path: if a stop handler is
// already installed when exit is requested, set its exiting flag rather
// than rejecting installation.
func MergeExiting(h handler.Handler) bool {
	c, ok := h.(*Cycle)
	if !ok {
		return false
	}
	c.exiting = true
	c.kind = handler.KindExiting
	return true
}

// sendSigstop implements spec §4.5.1 step 3's per-thread logic.
func (c *Cycle) sendSigstop(p *procset.Process) {
	t := c.pidset.GetOrCreate(p.Pid)

	if p.Pid == c.teb {
		// The thread that hit the breakpoint is already ptrace-stopped.
		t.skipSignal = true
		return
	}
	if p.BeingCreated {
		// The kernel will stop it naturally; don't disturb its
		// bootstrapping.
		t.skipSignal = true
		return
	}
	if isVforkParent(c.registry, p.Pid) {
		t.Vforked = true
		t.skipSignal = true
		return
	}
	if c.io.AlreadyStopped(p.Pid) {
		t.skipSignal = true
		return
	}
	if err := c.io.Kill(p.Pid, unix.SIGSTOP); err != nil {
		c.log.WithError(err).Warnf("sigstop delivery failed for pid %d; protocol will stall until another event carries it forward", p.Pid)
		return
	}
	t.Sigstopped = true
}

// isVforkParent implements spec §4.5.3's is_vfork_parent: a vforked
// parent currently has the vfork coordinator (C8) installed as its own
// handler, since C8 reparents the child onto the parent's group rather
// than installing anything on the child.
func isVforkParent(reg *procset.Registry, pid int32) bool {
	h := reg.HandlerOf(pid)
	return h != nil && h.Kind() == handler.KindVFork
}

// OnEvent implements handler.Handler, dispatching purely on c.state.
func (c *Cycle) OnEvent(e events.Event) *events.Event {
	switch c.state {
	case StateStopping:
		return c.handleStopping(e)
	case StateSingleStep:
		return c.handleSingleStep(e)
	case StateSinking:
		return c.handleSinking(e)
	case StateUglyWorkaround:
		return c.handleUgly(e)
	default:
		// Fatal internal inconsistency (spec §7): there is no recovery
		// from an event reaching a state the machine does not define.
		panic(fmt.Sprintf("coordinator: event %s delivered in unknown state %d", e.Kind, c.state))
	}
}

// sinkExpectedSigstop is handle_stopping_event's universal pre-filter
// (spec §4.5.3): it sinks the expected SIGSTOP exactly once per thread
// and marks got_event.
func (c *Cycle) sinkExpectedSigstop(e events.Event) bool {
	t, ok := c.pidset.Get(e.Pid)
	if !ok {
		c.log.Warnf("protocol violation: event from pid %d not tracked by this cycle; continuing", e.Pid)
		return false
	}
	t.GotEvent = true
	if e.Kind == events.KindSignal && e.Signum == unix.SIGSTOP && t.Sigstopped {
		if t.Delivered {
			c.log.Warnf("protocol violation: duplicate SIGSTOP delivery for pid %d; continuing", e.Pid)
		}
		t.Delivered = true
		return true
	}
	return false
}

func (c *Cycle) allBlocked() bool {
	blocked := true
	c.pidset.Each(func(t *PidTask) bool {
		if !t.blocked() {
			blocked = false
			return false
		}
		return true
	})
	return blocked
}

// handleStopping is STOPPING's event handler (spec §4.5.2).
func (c *Cycle) handleStopping(e events.Event) *events.Event {
	sunk := c.sinkExpectedSigstop(e)
	switch {
	case e.Kind == events.KindExit || e.Kind == events.KindExitSignal:
		if t, ok := c.pidset.Get(e.Pid); ok {
			t.Pid = 0
		}
	case e.Kind == events.KindSysret:
		if t, ok := c.pidset.Get(e.Pid); ok {
			t.Sysret = true
		}
	case !sunk && e.Kind != events.KindNone:
		c.eventq.Enqueue(e)
	}

	if c.allBlocked() {
		c.policy.OnAllStopped(c)
	}
	return nil
}

// defaultOnAllStopped is disable_and_singlestep: disables the
// breakpoint, suspends siblings, and issues a single-step of teb.
func defaultOnAllStopped(c *Cycle) {
	if c.bp != nil && c.bp.Enabled {
		if err := c.bpt.Disable(c.bp, c.teb); err != nil {
			c.log.WithError(err).Errorf("failed to disable breakpoint at %#x before single-step", c.bp.Addr)
		}
	}
	suspendedSibling := false
	c.pidset.Each(func(t *PidTask) bool {
		if t.Pid != 0 && t.Pid != c.teb {
			_ = c.io.SuspendThread(t.Pid)
			suspendedSibling = true
		}
		return true
	})
	// Invariant 4: teb->onstep holds iff siblings were explicitly
	// suspended for this single-step.
	if suspendedSibling {
		if proc, ok := c.registry.Pid2Proc(c.teb); ok {
			proc.OnStep = true
		}
	}
	if err := c.singlestepTeb(); err != nil {
		c.singlestepError(err)
		return
	}
	c.state = StateSingleStep
}

// singlestepTeb issues one single-step of teb. It uses the kernel's
// hardware single-step trap unless archstep.CanSinglestepSafely reports
// that the current architecture's trap can't be trusted, in which case
// it delegates to C9's software fallback (spec §4.9).
func (c *Cycle) singlestepTeb() error {
	if archstep.CanSinglestepSafely() {
		return c.io.Step(c.teb)
	}
	return c.planSoftwareStep()
}

// planSoftwareStep implements arch_sw_singlestep's OK/FAIL outcomes
// (spec §4.9): decode the next instruction address(es) that
// archstep.PlanScratchStep reports for teb's current IP, plant a
// one-shot scratch breakpoint at each, and
// resume the thread normally. handleSingleStep clears the scratch
// breakpoints the moment one of them trips.
func (c *Cycle) planSoftwareStep() error {
	ip, err := c.io.GetIP(c.teb)
	if err != nil {
		return fmt.Errorf("archstep: reading IP for pid %d: %w", c.teb, err)
	}
	addrs, mode, err := archstep.PlanScratchStep(c.bpt, c.teb, ip)
	if err != nil {
		return err
	}
	if mode == archstep.StepFail {
		return fmt.Errorf("archstep: could not plan a software single-step at %#x", ip)
	}
	for _, addr := range addrs {
		bp := c.bpt.Insert(addr, nil)
		if err := c.bpt.Enable(bp, c.teb); err != nil {
			return fmt.Errorf("archstep: planting scratch breakpoint at %#x: %w", addr, err)
		}
		c.scratchBPs = append(c.scratchBPs, bp)
	}
	return c.io.Cont(c.teb, 0)
}

// clearScratchSteps retracts every scratch breakpoint planted by
// planSoftwareStep, once teb's software step has either completed or is
// about to be replanned from a new IP.
func (c *Cycle) clearScratchSteps() {
	for _, bp := range c.scratchBPs {
		_ = c.bpt.Delete(bp, c.teb)
	}
	c.scratchBPs = nil
}

// singlestepError implements spec §4.5.4's single-step failure path:
// delete the offending breakpoint and fall through to SINKING so the
// process is not left in an inconsistent state.
func (c *Cycle) singlestepError(err error) {
	c.log.WithError(err).Errorf("single-step failed for pid %d", c.teb)
	c.clearScratchSteps()
	if c.bp != nil {
		_ = c.bpt.Delete(c.bp, c.teb)
		c.bpDeleted = true
	}
	c.continueForSigstopDelivery()
	c.enterSinking()
	if c.awaitSigstopDelivery() {
		c.processStoppingDone()
	}
}

// handleSingleStep is SINGLESTEP's event handler.
func (c *Cycle) handleSingleStep(e events.Event) *events.Event {
	if e.Pid != c.teb {
		if !c.sinkExpectedSigstop(e) {
			c.eventq.Enqueue(e)
		}
		return nil
	}

	switch e.Kind {
	case events.KindBreakpoint:
		if len(c.scratchBPs) > 0 {
			// The trap landed at one of C9's scratch breakpoints: the
			// software single-step is complete.
			c.clearScratchSteps()
		}
		if bp, ok := c.bpt.Lookup(e.Addr); ok && bp.Callbacks.OnHit != nil {
			bp.Callbacks.OnHit(bp, c.teb)
		}
		switch c.policy.KeepSteppingP(c) {
		case VerdictCont:
			if err := c.singlestepTeb(); err != nil {
				c.singlestepError(err)
			}
		case VerdictStop:
			c.finishSingleStep()
		case VerdictFail:
			c.clearScratchSteps()
			if c.bp != nil {
				_ = c.bpt.Delete(c.bp, c.teb)
				c.bpDeleted = true
			}
			c.continueForSigstopDelivery()
			c.enterSinking()
			if c.awaitSigstopDelivery() {
				c.processStoppingDone()
			}
		}
	case events.KindSignal:
		// A real signal arrived instead of the expected trap; we
		// cannot assume the tracee is at an instruction boundary, so
		// re-issue the single-step unconditionally. Any scratch
		// breakpoints planted for the interrupted attempt are stale
		// once IP has moved, so they are cleared and replanned.
		c.clearScratchSteps()
		if err := c.singlestepTeb(); err != nil {
			c.singlestepError(err)
		}
	default:
		c.eventq.Enqueue(e)
	}
	return nil
}

// finishSingleStep re-enables the breakpoint if it was enabled before
// the cycle, kicks off SIGSTOP delivery for any stragglers, and
// transitions to SINKING.
func (c *Cycle) finishSingleStep() {
	if c.wasEnabled && c.bp != nil && !c.bpDeleted {
		if err := c.bpt.Enable(c.bp, c.teb); err != nil {
			c.log.WithError(err).Errorf("failed to re-enable breakpoint at %#x", c.bp.Addr)
		}
	}
	c.continueForSigstopDelivery()
	c.enterSinking()
	if c.awaitSigstopDelivery() {
		c.processStoppingDone()
	}
}

// enterSinking transitions to SINKING and starts this cycle's stall
// clock fresh, so sigstopStallGrace is measured from when draining
// actually began rather than from cycle installation.
func (c *Cycle) enterSinking() {
	c.state = StateSinking
	c.sinkSince = time.Now()
	c.stallWarned = false
}

// continueForSigstopDelivery implements spec §4.5.3: for each task with
// sigstopped && !delivered && got_event, issue cont_syscall(pid, 0) so
// the kernel can deliver the queued SIGSTOP.
func (c *Cycle) continueForSigstopDelivery() {
	c.pidset.Each(func(t *PidTask) bool {
		if t.Pid != 0 && t.Sigstopped && !t.Delivered && t.GotEvent {
			if err := c.io.ContSyscall(t.Pid, 0); err != nil {
				c.log.WithError(err).Warnf("continue-for-sigstop-delivery failed for pid %d", t.Pid)
			}
		}
		return true
	})
}

// awaitSigstopDelivery implements spec §4.5.3: true once every expected
// SIGSTOP has arrived. If sigstopStallGrace is configured and exceeded
// before that happens, it logs a diagnostic once per cycle naming the
// stalled pids rather than leaving the stall silent.
func (c *Cycle) awaitSigstopDelivery() bool {
	ready := true
	var stalled []int32
	c.pidset.Each(func(t *PidTask) bool {
		if t.Pid != 0 && t.Sigstopped && !t.Delivered {
			ready = false
			stalled = append(stalled, t.Pid)
		}
		return true
	})
	if !ready && !c.stallWarned && sigstopStallGrace > 0 && time.Since(c.sinkSince) > sigstopStallGrace {
		c.log.Warnf("SINKING has waited over %s for SIGSTOP delivery on pids %v", sigstopStallGrace, stalled)
		c.stallWarned = true
	}
	return ready
}

// allStopsAccountable implements spec §4.5.3: every recorded task
// either has got_event or has a pending queued event.
func (c *Cycle) allStopsAccountable() bool {
	ok := true
	c.pidset.Each(func(t *PidTask) bool {
		if t.Pid == 0 {
			return true
		}
		if t.GotEvent {
			return true
		}
		if _, found := c.eventq.Scan(func(e events.Event) bool { return e.Pid == t.Pid }); found {
			return true
		}
		ok = false
		return false
	})
	return ok
}

// handleSinking is SINKING's event handler.
func (c *Cycle) handleSinking(e events.Event) *events.Event {
	c.sinkExpectedSigstop(e)
	if e.Kind == events.KindExit || e.Kind == events.KindExitSignal {
		if t, ok := c.pidset.Get(e.Pid); ok {
			t.Pid = 0
		}
	}
	if c.awaitSigstopDelivery() {
		c.processStoppingDone()
	}
	return nil
}

// processStoppingDone implements spec §4.5.2's SINKING exit, resolved
// per DESIGN.md's Open Question #3: resume pending tasks and teb first,
// then either unconditionally enter UGLY_WORKAROUND (exiting) or
// consult ugly_workaround_p (not exiting).
func (c *Cycle) processStoppingDone() {
	c.resumePendingAndTeb()

	if c.exiting {
		c.state = StateUglyWorkaround
		c.installUglyWorkaround()
		return
	}

	switch c.policy.UglyWorkaroundP(c) {
	case VerdictCont:
		c.state = StateUglyWorkaround
		c.installUglyWorkaround()
	default:
		c.destroy()
	}
}

// resumePendingAndTeb resumes every task for which we have a pending
// (replayable) event with that event's signal, resumes any other
// non-teb task plainly, and resumes teb last.
func (c *Cycle) resumePendingAndTeb() {
	// Invariant 4: siblings are no longer held quiescent for teb's step
	// once it's about to resume, so the onstep bit comes back down here.
	if proc, ok := c.registry.Pid2Proc(c.teb); ok {
		proc.OnStep = false
	}
	c.pidset.Each(func(t *PidTask) bool {
		if t.Pid == 0 || t.Pid == c.teb {
			return true
		}
		if ev, ok := c.eventq.Each(func(e events.Event) events.Verdict {
			if e.Pid == t.Pid {
				return events.Yield
			}
			return events.Skip
		}); ok {
			sig := unix.Signal(0)
			if ev.Kind == events.KindSignal {
				sig = ev.Signum
			}
			if err := c.io.ContSyscall(t.Pid, sig); err != nil {
				c.log.WithError(err).Warnf("resume failed for pid %d", t.Pid)
			}
		} else {
			if err := c.io.ContSyscall(t.Pid, 0); err != nil {
				c.log.WithError(err).Warnf("resume failed for pid %d", t.Pid)
			}
		}
		_ = c.io.ResumeThread(t.Pid)
		return true
	})
	if err := c.io.Cont(c.teb, 0); err != nil {
		c.log.WithError(err).Warnf("resume failed for teb pid %d", c.teb)
	}
}

// installUglyWorkaround plants a scratch breakpoint at teb's current IP
// and lets it run, so detach (or the next ordinary cycle) doesn't race
// with the kernel's post-singlestep SIGTRAP delivery (spec §4.5.2,
// GLOSSARY "Ugly workaround").
func (c *Cycle) installUglyWorkaround() {
	ip, err := c.io.GetIP(c.teb)
	if err != nil {
		c.log.WithError(err).Errorf("ugly workaround: failed to read IP for pid %d", c.teb)
		c.destroy()
		return
	}
	bp := c.bpt.Insert(ip, nil)
	if err := c.bpt.Enable(bp, c.teb); err != nil {
		c.log.WithError(err).Errorf("ugly workaround: failed to plant scratch breakpoint at %#x", ip)
		c.destroy()
		return
	}
	c.uglyBP = bp
}

// handleUgly is UGLY_WORKAROUND's event handler.
func (c *Cycle) handleUgly(e events.Event) *events.Event {
	c.sinkExpectedSigstop(e)
	if e.Pid == c.teb && e.Kind == events.KindBreakpoint && c.uglyBP != nil && e.Addr == c.uglyBP.Addr {
		_ = c.bpt.Delete(c.uglyBP, c.teb)
		c.uglyBP = nil
		c.teb = 0
	}
	if c.teb == 0 && c.allStopsAccountable() {
		if c.exiting {
			c.detachAll()
		}
		c.destroy()
	}
	return nil
}

// destroy releases the handler slot on the leader. It is always safe to
// call more than once.
func (c *Cycle) destroy() {
	c.registry.ClearHandler(c.leader, c)
}

// detachAll implements spec §4.7: rewind any queued breakpoint hit's IP
// back to the breakpoint address (the processor has already advanced
// past the trap instruction), retract every breakpoint, and detach
// every thread, leader last.
func (c *Cycle) detachAll() {
	for {
		ev, ok := c.eventq.Each(func(e events.Event) events.Verdict {
			if e.Kind == events.KindBreakpoint {
				return events.Yield
			}
			return events.Skip
		})
		if !ok {
			break
		}
		if err := c.io.SetIP(ev.Pid, ev.Addr); err != nil {
			c.log.WithError(err).Warnf("pre-detach IP fixup failed for pid %d", ev.Pid)
		}
	}

	c.bpt.All(func(bp *breakpoint.Breakpoint) bool {
		for bp.RefCount > 0 {
			_ = c.bpt.Delete(bp, c.leader)
		}
		return true
	})

	var threads []int32
	c.pidset.Each(func(t *PidTask) bool {
		if t.Pid != 0 && t.Pid != c.leader {
			threads = append(threads, t.Pid)
		}
		return true
	})
	for _, tid := range threads {
		if err := c.io.Detach(tid); err != nil {
			c.log.WithError(err).Warnf("detach failed for pid %d", tid)
		}
		c.registry.DetachPid(tid)
	}
	if err := c.io.Detach(c.leader); err != nil {
		c.log.WithError(err).Warnf("detach failed for leader pid %d", c.leader)
	}
	c.registry.DetachPid(c.leader)
}
