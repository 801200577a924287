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
	"testing"

	"github.com/nilcrash/goltrace/internal/breakpoint"
	"github.com/nilcrash/goltrace/internal/events"
	"github.com/nilcrash/goltrace/internal/handler"
	"github.com/nilcrash/goltrace/internal/procset"
)

// TestInstallVforkReparentsChild covers spec §4.8 step 1-2: the child
// becomes a pseudo-thread of the parent's group for the duration of the
// vfork, and the parent's leader slot carries the vfork handler.
func TestInstallVforkReparentsChild(t *testing.T) {
	reg := procset.New()
	reg.AttachPid(100, 0, 0, false)
	reg.AttachPid(200, 100, 100, true)
	bpt := breakpoint.NewTable(100, &fakeMemIO{mem: make(map[uintptr][]byte)})
	io := newFakeTraceIO()

	v, err := InstallVfork(reg, bpt, io, 100, 200)
	if err != nil {
		t.Fatalf("InstallVfork: %v", err)
	}
	if v.Kind() != handler.KindVFork {
		t.Errorf("Kind() = %v, want KindVFork", v.Kind())
	}
	child, ok := reg.Pid2Proc(200)
	if !ok || child.Leader != 100 {
		t.Fatalf("child leader = %v, want reparented onto 100", child)
	}
	if reg.HandlerOf(200) != v {
		t.Error("HandlerOf(child) must resolve to the vfork handler via the reparented leader")
	}
}

// TestVforkStepsChildPastBreakpoint covers the child sharing the
// parent's address space: a breakpoint hit in the child is single-stepped
// past directly rather than routed through the full stop-the-world
// protocol (the parent is kernel-blocked, so there is no sibling to
// quiesce).
func TestVforkStepsChildPastBreakpoint(t *testing.T) {
	reg := procset.New()
	reg.AttachPid(100, 0, 0, false)
	reg.AttachPid(200, 100, 100, true)
	bpt := breakpoint.NewTable(100, &fakeMemIO{mem: make(map[uintptr][]byte)})
	bp := bpt.Insert(0x4000, nil)
	if err := bpt.Enable(bp, 100); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	io := newFakeTraceIO()

	v, err := InstallVfork(reg, bpt, io, 100, 200)
	if err != nil {
		t.Fatalf("InstallVfork: %v", err)
	}

	if remaining := v.OnEvent(events.Event{Kind: events.KindBreakpoint, Pid: 200, Addr: 0x4000}); remaining != nil {
		t.Fatal("a breakpoint hit from the vforked child must be consumed, not re-emitted")
	}
	if bp.Enabled {
		t.Error("breakpoint must be disabled while the child single-steps past it")
	}
	if len(io.stepped) != 1 || io.stepped[0] != 200 {
		t.Fatalf("stepped = %v, want exactly one step of the child", io.stepped)
	}

	if remaining := v.OnEvent(events.Event{Kind: events.KindBreakpoint, Pid: 200, Addr: 0xdead}); remaining != nil {
		t.Fatal("the single-step completion event must also be consumed")
	}
	if !bp.Enabled {
		t.Error("breakpoint must be re-enabled once the child's single step completes")
	}
	if len(io.resumed) == 0 {
		t.Error("the child must be resumed once the step completes")
	}
}

// TestVforkRestoresChildLeaderOnExec covers spec §4.8 step 3: on the
// child's EXEC, the remembered breakpoint is re-armed, the child is
// restored as its own leader, and the parent's handler slot is released.
func TestVforkRestoresChildLeaderOnExec(t *testing.T) {
	reg := procset.New()
	reg.AttachPid(100, 0, 0, false)
	reg.AttachPid(200, 100, 100, true)
	bpt := breakpoint.NewTable(100, &fakeMemIO{mem: make(map[uintptr][]byte)})
	bp := bpt.Insert(0x4000, nil)
	if err := bpt.Enable(bp, 100); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	io := newFakeTraceIO()

	v, err := InstallVfork(reg, bpt, io, 100, 200)
	if err != nil {
		t.Fatalf("InstallVfork: %v", err)
	}
	v.OnEvent(events.Event{Kind: events.KindBreakpoint, Pid: 200, Addr: 0x4000})
	v.OnEvent(events.Event{Kind: events.KindBreakpoint, Pid: 200, Addr: 0xdead})

	wantRefcount := bp.RefCount
	if remaining := v.OnEvent(events.Event{Kind: events.KindExec, Pid: 200}); remaining != nil {
		t.Fatal("the child's exec must be consumed by the vfork handler")
	}

	child, ok := reg.Pid2Proc(200)
	if !ok || child.Leader != 200 {
		t.Fatalf("child leader = %v, want restored to itself", child)
	}
	if reg.HandlerOf(100) != nil {
		t.Error("parent's handler slot must be released once the vfork ends")
	}
	if bp.RefCount < wantRefcount {
		t.Errorf("RefCount = %d, want re-armed (>= %d) after exec", bp.RefCount, wantRefcount)
	}
}

// TestVforkPassesThroughUnrelatedEvents covers the OnEvent pass-through
// path: events from any pid other than the vforked child are not the
// vfork handler's concern and must be re-emitted unchanged.
func TestVforkPassesThroughUnrelatedEvents(t *testing.T) {
	reg := procset.New()
	reg.AttachPid(100, 0, 0, false)
	reg.AttachPid(200, 100, 100, true)
	bpt := breakpoint.NewTable(100, &fakeMemIO{mem: make(map[uintptr][]byte)})
	io := newFakeTraceIO()

	v, err := InstallVfork(reg, bpt, io, 100, 200)
	if err != nil {
		t.Fatalf("InstallVfork: %v", err)
	}

	e := events.Event{Kind: events.KindSignal, Pid: 999}
	remaining := v.OnEvent(e)
	if remaining == nil || *remaining != e {
		t.Fatalf("OnEvent(unrelated pid) = %v, want passed through unchanged", remaining)
	}
}
