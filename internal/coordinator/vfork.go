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

	"github.com/sirupsen/logrus"

	"github.com/nilcrash/goltrace/internal/breakpoint"
	"github.com/nilcrash/goltrace/internal/events"
	"github.com/nilcrash/goltrace/internal/handler"
	"github.com/nilcrash/goltrace/internal/procset"
)

// VforkCycle is the vfork coordinator (C8, spec §4.8). Unlike Cycle it
// never enters STOPPING/SINGLESTEP/SINKING: a vforked parent is already
// held blocked by the kernel until the child execs or exits, so there is
// nothing to single-step around for the parent's other siblings. Its
// main job is to reparent the child onto the parent's thread group for
// the duration of the vfork and restore it afterward; it additionally
// steps the child over any breakpoint it hits while running in the
// shared address space, since no other coordinator owns the parent's
// handler slot to do so while the vfork is in flight.
type VforkCycle struct {
	parent int32
	child  int32

	registry *procset.Registry
	bpt      *breakpoint.Table
	io       TraceIO
	log      *logrus.Entry

	// stepping/stepBP track a breakpoint the child hit mid-vfork that we
	// are single-stepping it past directly, bypassing the full
	// stop-the-world protocol (the parent is already kernel-blocked, so
	// there is no sibling to quiesce).
	stepping bool
	stepBP   *breakpoint.Breakpoint

	// returnAddr is the last (PPC64-style "vfork-return") breakpoint
	// address the child was seen to hit, per spec §4.8: remembered so it
	// can be re-armed in the parent once the child execs or exits.
	returnAddr uintptr
	sawReturn  bool
}

// InstallVfork implements spec §4.8 step 1-2: installs a VforkCycle as
// parent's handler and reparents child onto parent's group, so every
// other coordinator that walks parent's thread group (EachTask) treats
// the vforked child as one of its own threads until it execs or exits.
func InstallVfork(reg *procset.Registry, bpt *breakpoint.Table, io TraceIO, parent, child int32) (*VforkCycle, error) {
	v := &VforkCycle{
		parent:   parent,
		child:    child,
		registry: reg,
		bpt:      bpt,
		io:       io,
		log:      logrus.WithFields(logrus.Fields{"parent": parent, "child": child}),
	}
	if !reg.SetHandler(parent, v) {
		return nil, fmt.Errorf("coordinator: vfork parent %d already has a handler installed", parent)
	}
	reg.ChangeLeader(child, parent)
	return v, nil
}

// Kind implements handler.Handler.
func (v *VforkCycle) Kind() handler.Kind { return handler.KindVFork }

// OnEvent implements spec §4.8: breakpoint hits from the child while the
// vfork is in flight are single-stepped past directly (the child shares
// the parent's text, so it can trip any previously-planted breakpoint);
// on the child's exec or exit, any remembered breakpoint is re-armed in
// the parent's table, the child is restored as its own leader, and the
// parent's handler slot is released, unblocking the parent to resume
// normally.
func (v *VforkCycle) OnEvent(e events.Event) *events.Event {
	if e.Pid != v.child {
		return &e
	}

	if v.stepping {
		if e.Pid == v.child {
			if v.stepBP != nil {
				if err := v.bpt.Enable(v.stepBP, v.child); err != nil {
					v.log.WithError(err).Errorf("vfork: re-enabling breakpoint at %#x failed", v.stepBP.Addr)
				}
			}
			v.stepping = false
			v.stepBP = nil
			if err := v.io.Cont(v.child, 0); err != nil {
				v.log.WithError(err).Warnf("vfork: resuming child %d after step failed", v.child)
			}
		}
		return nil
	}

	switch e.Kind {
	case events.KindBreakpoint:
		v.returnAddr = e.Addr
		v.sawReturn = true
		bp, ok := v.bpt.Lookup(e.Addr)
		if !ok || !bp.Enabled {
			if err := v.io.Cont(v.child, 0); err != nil {
				v.log.WithError(err).Warnf("vfork: resuming child %d past untracked breakpoint failed", v.child)
			}
			return nil
		}
		if err := v.io.SetIP(v.child, e.Addr); err != nil {
			v.log.WithError(err).Errorf("vfork: rewinding child %d IP to %#x failed", v.child, e.Addr)
			return nil
		}
		if err := v.bpt.Disable(bp, v.child); err != nil {
			v.log.WithError(err).Errorf("vfork: disabling breakpoint at %#x failed", e.Addr)
			return nil
		}
		if err := v.io.Step(v.child); err != nil {
			v.log.WithError(err).Errorf("vfork: single-stepping child %d failed", v.child)
			return nil
		}
		v.stepping = true
		v.stepBP = bp
		return nil
	case events.KindExec, events.KindExit, events.KindExitSignal:
		if v.sawReturn {
			if bp, ok := v.bpt.Lookup(v.returnAddr); ok {
				// Re-insert per spec §4.8: a defensive, idempotent
				// refcount bump so the trampoline the child tripped
				// remains armed for the parent now that it owns the
				// group again.
				v.bpt.Insert(bp.Addr, bp.Symbol)
			}
		}
		v.registry.ChangeLeader(v.child, v.child)
		v.registry.ClearHandler(v.parent, v)
		return nil
	default:
		return &e
	}
}
