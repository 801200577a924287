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
	"time"

	"golang.org/x/sys/unix"

	"github.com/nilcrash/goltrace/internal/breakpoint"
	"github.com/nilcrash/goltrace/internal/events"
	"github.com/nilcrash/goltrace/internal/procset"
)

// fakeTraceIO is a no-kernel stand-in for TraceIO, recording calls so
// tests can assert on the protocol's externally visible actions.
type fakeTraceIO struct {
	stepped  []int32
	resumed  []int32
	detached []int32
	ip       map[int32]uintptr
	failStep bool
}

func newFakeTraceIO() *fakeTraceIO {
	return &fakeTraceIO{ip: make(map[int32]uintptr)}
}

func (f *fakeTraceIO) Cont(pid int32, sig unix.Signal) error {
	f.resumed = append(f.resumed, pid)
	return nil
}
func (f *fakeTraceIO) ContSyscall(pid int32, sig unix.Signal) error {
	f.resumed = append(f.resumed, pid)
	return nil
}
func (f *fakeTraceIO) Step(pid int32) error {
	if f.failStep {
		return unix.EIO
	}
	f.stepped = append(f.stepped, pid)
	return nil
}
func (f *fakeTraceIO) SuspendThread(pid int32) error { return nil }
func (f *fakeTraceIO) ResumeThread(pid int32) error  { return nil }
func (f *fakeTraceIO) Kill(pid int32, sig unix.Signal) error { return nil }
func (f *fakeTraceIO) GetIP(pid int32) (uintptr, error)      { return f.ip[pid], nil }
func (f *fakeTraceIO) SetIP(pid int32, addr uintptr) error {
	f.ip[pid] = addr
	return nil
}
func (f *fakeTraceIO) Detach(pid int32) error {
	f.detached = append(f.detached, pid)
	return nil
}
func (f *fakeTraceIO) AlreadyStopped(pid int32) bool { return false }

type fakeMemIO struct{ mem map[uintptr][]byte }

func (m *fakeMemIO) Peek(pid int32, addr uintptr, out []byte) (int, error) {
	data := m.mem[addr]
	if data == nil {
		data = make([]byte, len(out))
	}
	copy(out, data)
	return len(out), nil
}
func (m *fakeMemIO) Poke(pid int32, addr uintptr, data []byte) (int, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mem[addr] = buf
	return len(data), nil
}

// TestSingleThreadedCycleResolvesWithoutFurtherEvents covers scenario 1
// (spec §8): a single-threaded process hits a breakpoint; since there
// are no siblings to SIGSTOP, the cycle must run start-to-finish off of
// just the synthetic NONE event Install feeds it, disabling the
// breakpoint, single-stepping, re-enabling it, and resuming — all
// without the test supplying any further manufactured event.
func TestSingleThreadedCycleResolvesWithoutFurtherEvents(t *testing.T) {
	reg := procset.New()
	proc := reg.AttachPid(100, 0, 0, false)
	io := newFakeTraceIO()
	bpt := breakpoint.NewTable(100, &fakeMemIO{mem: make(map[uintptr][]byte)})
	bp := bpt.Insert(0x4000, nil)
	if err := bpt.Enable(bp, 100); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	eventq := events.NewQueue()

	c, err := Install(reg, bpt, io, eventq, proc, bp, nil)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if c.State() != StateSingleStep {
		t.Fatalf("after Install with no siblings, state = %s, want SINGLESTEP", c.State())
	}
	if len(io.stepped) != 1 || io.stepped[0] != 100 {
		t.Fatalf("stepped = %v, want exactly one step of pid 100", io.stepped)
	}

	// The hardware single-step trap landing is the next (and, for a
	// single-threaded process, only) event the cycle needs to finish.
	c.OnEvent(events.Event{Kind: events.KindBreakpoint, Pid: 100, Addr: 0xdead})

	if c.State() != StateSinking && c.State() != StateUglyWorkaround {
		t.Fatalf("after the single-step trap, state = %s, want SINKING or UGLY_WORKAROUND", c.State())
	}
	if !bp.Enabled {
		t.Error("breakpoint should be re-enabled once the single step completes")
	}
	if reg.HandlerOf(100) != nil {
		t.Fatal("handler should be released once the non-exiting cycle finishes (default ugly_workaround_p is no)")
	}
}

// TestMultiThreadedCycleWaitsForSiblingSigstop covers the multi-thread
// quiescence path: the cycle must not single-step teb until every
// sibling's SIGSTOP has been observed.
func TestMultiThreadedCycleWaitsForSiblingSigstop(t *testing.T) {
	reg := procset.New()
	proc := reg.AttachPid(100, 0, 0, false)
	reg.AttachPid(101, 100, 100, false)
	io := newFakeTraceIO()
	bpt := breakpoint.NewTable(100, &fakeMemIO{mem: make(map[uintptr][]byte)})
	bp := bpt.Insert(0x4000, nil)
	eventq := events.NewQueue()

	c, err := Install(reg, bpt, io, eventq, proc, bp, nil)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if c.State() != StateStopping {
		t.Fatalf("with an un-sigstopped sibling still pending, state = %s, want STOPPING", c.State())
	}
	if len(io.stepped) != 0 {
		t.Fatal("must not single-step teb before every sibling is blocked")
	}

	c.OnEvent(events.Event{Kind: events.KindSignal, Pid: 101, Signum: unix.SIGSTOP})

	if c.State() == StateStopping {
		t.Fatal("once the sibling's SIGSTOP is delivered, the cycle must advance past STOPPING")
	}
	if len(io.stepped) != 1 {
		t.Fatalf("stepped = %v, want exactly one step of teb", io.stepped)
	}
}

// TestOnStepTracksSiblingSuspension covers invariant 4: teb->onstep
// holds exactly while sibling threads are held quiescent for teb's
// single-step, and comes back down once they're resumed.
func TestOnStepTracksSiblingSuspension(t *testing.T) {
	reg := procset.New()
	proc := reg.AttachPid(100, 0, 0, false)
	reg.AttachPid(101, 100, 100, false)
	io := newFakeTraceIO()
	bpt := breakpoint.NewTable(100, &fakeMemIO{mem: make(map[uintptr][]byte)})
	bp := bpt.Insert(0x4000, nil)
	eventq := events.NewQueue()

	c, err := Install(reg, bpt, io, eventq, proc, bp, nil)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	c.OnEvent(events.Event{Kind: events.KindSignal, Pid: 101, Signum: unix.SIGSTOP})

	if !proc.OnStep {
		t.Fatal("OnStep must be true once a sibling was suspended for teb's single-step")
	}

	c.OnEvent(events.Event{Kind: events.KindBreakpoint, Pid: 100, Addr: 0xdead})

	if proc.OnStep {
		t.Fatal("OnStep must come back down once teb resumes past the single-step")
	}
}

// TestSigstopStallGraceLogsOnce covers the SINKING stall diagnostic:
// once the configured grace period elapses without every expected
// SIGSTOP arriving, a single warning fires per cycle.
func TestSigstopStallGraceLogsOnce(t *testing.T) {
	SetSigstopStallGrace(time.Millisecond)
	defer SetSigstopStallGrace(0)

	reg := procset.New()
	proc := reg.AttachPid(100, 0, 0, false)
	reg.AttachPid(101, 100, 100, false)
	io := newFakeTraceIO()
	bpt := breakpoint.NewTable(100, &fakeMemIO{mem: make(map[uintptr][]byte)})
	bp := bpt.Insert(0x4000, nil)
	eventq := events.NewQueue()

	c, err := Install(reg, bpt, io, eventq, proc, bp, nil)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	// Force the cycle into SINKING without ever delivering 101's
	// SIGSTOP, so awaitSigstopDelivery keeps reporting not-ready.
	c.pidset.GetOrCreate(101).Sigstopped = true
	c.enterSinking()

	time.Sleep(2 * time.Millisecond)

	if c.awaitSigstopDelivery() {
		t.Fatal("awaitSigstopDelivery must report false while pid 101's SIGSTOP is outstanding")
	}
	if !c.stallWarned {
		t.Fatal("stallWarned must be set once the grace period elapses while stalled")
	}

	warnedAt := c.sinkSince
	if c.awaitSigstopDelivery() {
		t.Fatal("awaitSigstopDelivery must still report false")
	}
	if c.sinkSince != warnedAt {
		t.Fatal("a second check must not reset the stall clock")
	}
}

// TestInstallRejectsDoubleHandler covers invariant 1: at most one
// handler per leader.
func TestInstallRejectsDoubleHandler(t *testing.T) {
	reg := procset.New()
	proc := reg.AttachPid(100, 0, 0, false)
	io := newFakeTraceIO()
	bpt := breakpoint.NewTable(100, &fakeMemIO{mem: make(map[uintptr][]byte)})
	bp := bpt.Insert(0x4000, nil)
	eventq := events.NewQueue()

	if _, err := Install(reg, bpt, io, eventq, proc, bp, nil); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	if _, err := Install(reg, bpt, io, eventq, proc, bp, nil); err == nil {
		t.Fatal("a second Install on the same leader must fail")
	}
}

// TestExitingCycleDetachesInsteadOfResuming covers §4.7: an exit
// coordinator ends in a full detach rather than resuming the tracee
// normally.
func TestExitingCycleDetachesInsteadOfResuming(t *testing.T) {
	reg := procset.New()
	proc := reg.AttachPid(100, 0, 0, false)
	io := newFakeTraceIO()
	bpt := breakpoint.NewTable(100, &fakeMemIO{mem: make(map[uintptr][]byte)})
	eventq := events.NewQueue()

	c, err := InstallExiting(reg, bpt, io, eventq, proc)
	if err != nil {
		t.Fatalf("InstallExiting: %v", err)
	}
	if c.State() != StateSingleStep {
		t.Fatalf("after InstallExiting, state = %s, want SINGLESTEP", c.State())
	}

	c.OnEvent(events.Event{Kind: events.KindBreakpoint, Pid: 100, Addr: 0xdead})

	if c.State() != StateUglyWorkaround {
		t.Fatalf("exiting cycle state = %s, want UGLY_WORKAROUND unconditionally", c.State())
	}

	ugly := c.uglyBP
	if ugly == nil {
		t.Fatal("exiting cycle did not plant the ugly-workaround breakpoint")
	}
	c.OnEvent(events.Event{Kind: events.KindBreakpoint, Pid: 100, Addr: ugly.Addr})

	if reg.HandlerOf(100) != nil {
		t.Error("exit cycle should have cleared its handler once the workaround trap landed")
	}
	if len(io.detached) == 0 {
		t.Error("exit cycle must detach the tracee once finished")
	}
}
