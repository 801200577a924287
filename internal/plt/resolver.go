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

// Package plt implements the PLT (procedure linkage table) lazy-binding
// resolution extension (C6): on architectures that resolve imported
// symbols lazily through a trampoline, a breakpoint planted at the
// trampoline must survive the slot being patched with the resolved
// target, so every later call still traps.
package plt

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nilcrash/goltrace/internal/breakpoint"
	"github.com/nilcrash/goltrace/internal/coordinator"
	"github.com/nilcrash/goltrace/internal/symbol"
)

// wordIO is the breakpoint.MemIO surface this package needs to read and
// rewrite a PLT slot word.
type wordIO interface {
	breakpoint.MemIO
}

func readWord(io wordIO, pid int32, addr uintptr) (uintptr, error) {
	var buf [8]byte
	if _, err := io.Peek(pid, addr, buf[:]); err != nil {
		return 0, err
	}
	return uintptr(binary.LittleEndian.Uint64(buf[:])), nil
}

func writeWord(io wordIO, pid int32, addr uintptr, val uintptr) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(val))
	_, err := io.Poke(pid, addr, buf[:])
	return err
}

// Slot tracks one PLT entry's trampoline breakpoint.
type Slot struct {
	addr         uintptr
	trampoline   uintptr
	bp           *breakpoint.Breakpoint
	resolved     bool
	resolvedAddr uintptr
}

// traceIO is the subset of coordinator.TraceIO the resolved-symbol fast
// path needs: redirect IP to the cached target and resume, with no
// single-stepping or coordinator involvement (spec §4.6 step 3).
type traceIO interface {
	coordinator.TraceIO
}

// Resolver plants a breakpoint at every lazily-bound PLT trampoline of
// one leader and keeps it alive across the dynamic linker's one-time
// slot patch.
type Resolver struct {
	leader int32
	io     wordIO
	trace  traceIO
	bpt    *breakpoint.Table
	slots  map[uintptr]*Slot // keyed by breakpoint address (== trampoline)
	log    *logrus.Entry
}

// Install plants a breakpoint at info's trampoline address for every
// lazily-bound slot. Binaries with info.Lazy == false are skipped. A
// slot already resolved at attach time (it holds a nonzero value other
// than the trampoline address) is still planted: its slot is rewritten
// to the trampoline and it starts out RESOLVED with that value cached.
func Install(leader int32, io wordIO, trace traceIO, bpt *breakpoint.Table, info symbol.PLTInfo) (*Resolver, error) {
	r := &Resolver{
		leader: leader,
		io:     io,
		trace:  trace,
		bpt:    bpt,
		slots:  make(map[uintptr]*Slot),
		log:    logrus.WithField("leader", leader),
	}
	if !info.Lazy {
		return r, nil
	}
	for i := range info.Stubs {
		stub := info.Stubs[i]
		slotAddr := info.SlotAddr(i)
		trampoline := info.TrampolineAddr(i)

		cur, err := readWord(io, leader, slotAddr)
		if err != nil {
			return nil, fmt.Errorf("plt: reading slot %d (%s) at %#x: %w", i, stub.Name, slotAddr, err)
		}

		sym := &symbol.Ref{Name: stub.Name, Addr: trampoline}
		bp := bpt.Insert(trampoline, sym)
		s := &Slot{addr: slotAddr, trampoline: trampoline, bp: bp}
		r.slots[trampoline] = s
		bp.Callbacks.OnHit = r.onHit(s)

		// A zero slot is treated as UNRESOLVED (spec §4.6's edge case):
		// fall through to the normal plant-and-intercept path below as
		// if it already read back as the trampoline address.
		if cur != trampoline && cur != 0 {
			// Already resolved before we ever attached (a prelinked
			// binary, or attaching to an already-running process):
			// spec §4.6 says to enter RESOLVED directly rather than
			// dropping the symbol. The slot itself must still be
			// rewritten back to the trampoline address — exactly as
			// onHit does after observing a fresh resolution — or the
			// tracee's own calls would jump straight to cur and never
			// touch our trampoline breakpoint again. With the slot
			// pointed back at the trampoline, every later call keeps
			// trapping and HandleHit's cached-redirect fast path fires.
			if err := writeWord(io, leader, slotAddr, trampoline); err != nil {
				return nil, fmt.Errorf("plt: restoring trampoline at already-resolved slot %d (%s) at %#x: %w", i, stub.Name, slotAddr, err)
			}
			s.resolved = true
			s.resolvedAddr = cur
		}

		if err := bpt.Enable(bp, leader); err != nil {
			return nil, fmt.Errorf("plt: enabling trampoline breakpoint for %s at %#x: %w", stub.Name, trampoline, err)
		}
	}
	return r, nil
}

// onHit returns the OnHit callback for s's breakpoint. It only logs the
// hit at debug level; resolution is detected and the slot rewritten by
// the KeepSteppingP policy that Policy returns, and resolved hits are
// redirected by HandleHit.
func (r *Resolver) onHit(s *Slot) func(bp *breakpoint.Breakpoint, pid int32) {
	return func(bp *breakpoint.Breakpoint, pid int32) {
		r.log.WithFields(logrus.Fields{"pid": pid, "trampoline": s.trampoline}).Debug("plt: trampoline hit")
	}
}

// Policy returns the coordinator.Policy this resolver contributes for a
// cycle installed on behalf of s's breakpoint: keep single-stepping
// until the slot no longer reads back as the trampoline address (the
// dynamic linker has patched in the resolved target), then rewrite the
// slot back to the trampoline before the cycle finishes.
func (r *Resolver) Policy(s *Slot) coordinator.Policy {
	return coordinator.Policy{
		KeepSteppingP: func(c *coordinator.Cycle) coordinator.StepVerdict {
			cur, err := readWord(r.io, r.leader, s.addr)
			if err != nil {
				r.log.WithError(err).Warnf("plt: re-reading slot at %#x failed; stopping single-step", s.addr)
				return coordinator.VerdictStop
			}
			if cur == s.trampoline {
				return coordinator.VerdictCont
			}
			s.resolved = true
			s.resolvedAddr = cur
			if err := writeWord(r.io, r.leader, s.addr, s.trampoline); err != nil {
				r.log.WithError(err).Warnf("plt: restoring trampoline at slot %#x failed", s.addr)
			}
			return coordinator.VerdictStop
		},
	}
}

// SlotFor returns the tracked Slot for a breakpoint address, if this
// resolver owns it.
func (r *Resolver) SlotFor(addr uintptr) (*Slot, bool) {
	s, ok := r.slots[addr]
	return s, ok
}

// HandleHit implements spec §4.6 step 3's fast path: on subsequent hits
// of an already-RESOLVED symbol, redirect the tracee's IP straight to
// the cached resolved address and resume it directly — no
// single-stepping, no stop-the-world coordinator. It reports false for
// any address this resolver does not own, or whose slot has not yet
// been resolved; the caller is then expected to install the
// stop-the-world coordinator with r.Policy(slot) instead.
func (r *Resolver) HandleHit(pid int32, addr uintptr) bool {
	s, ok := r.slots[addr]
	if !ok || !s.resolved {
		return false
	}
	if err := r.trace.SetIP(pid, s.resolvedAddr); err != nil {
		r.log.WithError(err).Warnf("plt: redirecting IP to resolved target %#x failed", s.resolvedAddr)
		return false
	}
	if err := r.trace.Cont(pid, 0); err != nil {
		r.log.WithError(err).Warnf("plt: resuming pid %d after resolved redirect failed", pid)
	}
	return true
}
