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

package breakpoint

import (
	"fmt"

	"github.com/google/btree"
	"github.com/nilcrash/goltrace/internal/symbol"
)

// addrItem orders breakpoints by address for the btree index, giving
// C4/C6 the ordered range scans a bare map can't (e.g. "every enabled
// breakpoint below the PLT base").
type addrItem struct {
	addr uintptr
	bp   *Breakpoint
}

func (a addrItem) Less(than btree.Item) bool {
	return a.addr < than.(addrItem).addr
}

// MemIO is the subset of traceio this table needs to plant and retract
// traps. Expressed as an interface so tests can substitute a fake
// tracee without a real kernel.
type MemIO interface {
	Peek(pid int32, addr uintptr, out []byte) (int, error)
	Poke(pid int32, addr uintptr, data []byte) (int, error)
}

// Table is the per-leader breakpoint table (C4).
type Table struct {
	leader int32
	io     MemIO
	tree   *btree.BTree
	byAddr map[uintptr]*Breakpoint
}

// NewTable returns an empty breakpoint table for leader, using io to
// plant and retract trap instructions.
func NewTable(leader int32, io MemIO) *Table {
	return &Table{
		leader: leader,
		io:     io,
		tree:   btree.New(32),
		byAddr: make(map[uintptr]*Breakpoint),
	}
}

// Lookup returns the breakpoint at addr, if any.
func (t *Table) Lookup(addr uintptr) (*Breakpoint, bool) {
	bp, ok := t.byAddr[addr]
	return bp, ok
}

// Peek reads raw tracee memory through the table's underlying MemIO.
// Exposed so internal/archstep's instruction decoder (C9) can read
// instruction bytes without this table's own callers needing a separate
// handle to the trace interface.
func (t *Table) Peek(pid int32, addr uintptr, out []byte) (int, error) {
	return t.io.Peek(pid, addr, out)
}

// Insert is idempotent: inserting at an existing address increments its
// refcount and returns the existing breakpoint (spec §4.4).
func (t *Table) Insert(addr uintptr, sym *symbol.Ref) *Breakpoint {
	if bp, ok := t.byAddr[addr]; ok {
		bp.RefCount++
		return bp
	}
	bp := &Breakpoint{Addr: addr, Symbol: sym, RefCount: 1}
	t.byAddr[addr] = bp
	t.tree.ReplaceOrInsert(addrItem{addr: addr, bp: bp})
	return bp
}

// Enable writes the trap instruction at bp's address if it isn't
// already planted. Idempotent with respect to RefCount: callers (the
// coordinator, mid-cycle) may disable and re-enable a breakpoint
// without touching its ownership count.
func (t *Table) Enable(bp *Breakpoint, pid int32) error {
	if bp.Enabled {
		return nil
	}
	if _, err := t.io.Peek(pid, bp.Addr, bp.Orig[:]); err != nil {
		return fmt.Errorf("breakpoint: save original bytes at %#x: %w", bp.Addr, err)
	}
	if _, err := t.io.Poke(pid, bp.Addr, trapInstruction[:]); err != nil {
		return fmt.Errorf("breakpoint: plant trap at %#x: %w", bp.Addr, err)
	}
	bp.Enabled = true
	return nil
}

// Disable restores the original bytes at bp's address if the trap is
// currently planted.
func (t *Table) Disable(bp *Breakpoint, pid int32) error {
	if !bp.Enabled {
		return nil
	}
	if _, err := t.io.Poke(pid, bp.Addr, bp.Orig[:]); err != nil {
		return fmt.Errorf("breakpoint: restore original bytes at %#x: %w", bp.Addr, err)
	}
	bp.Enabled = false
	return nil
}

// Delete decrements bp's refcount and removes it from the table once
// the count reaches zero, disabling it first if still enabled and
// invoking OnRetract.
func (t *Table) Delete(bp *Breakpoint, pid int32) error {
	bp.RefCount--
	if bp.RefCount > 0 {
		return nil
	}
	var err error
	if bp.Enabled {
		err = t.Disable(bp, pid)
	}
	delete(t.byAddr, bp.Addr)
	t.tree.Delete(addrItem{addr: bp.Addr})
	if bp.Callbacks.OnRetract != nil {
		bp.Callbacks.OnRetract(bp, pid)
	}
	return err
}

// AscendRange visits every breakpoint with address in [lo, hi) in
// address order.
func (t *Table) AscendRange(lo, hi uintptr, visit func(*Breakpoint) bool) {
	t.tree.AscendRange(addrItem{addr: lo}, addrItem{addr: hi}, func(i btree.Item) bool {
		return visit(i.(addrItem).bp)
	})
}

// All visits every breakpoint in address order.
func (t *Table) All(visit func(*Breakpoint) bool) {
	t.tree.Ascend(func(i btree.Item) bool {
		return visit(i.(addrItem).bp)
	})
}

// Len reports the number of distinct breakpoint addresses.
func (t *Table) Len() int {
	return len(t.byAddr)
}
