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

import "testing"

// fakeMemIO is an in-memory stand-in for a tracee's address space,
// letting the table's enable/disable logic be tested without a real
// kernel.
type fakeMemIO struct {
	mem map[uintptr][]byte
}

func newFakeMemIO() *fakeMemIO { return &fakeMemIO{mem: make(map[uintptr][]byte)} }

func (f *fakeMemIO) Peek(pid int32, addr uintptr, out []byte) (int, error) {
	data, ok := f.mem[addr]
	if !ok {
		data = make([]byte, len(out))
	}
	copy(out, data)
	return len(out), nil
}

func (f *fakeMemIO) Poke(pid int32, addr uintptr, data []byte) (int, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	f.mem[addr] = buf
	return len(data), nil
}

func TestInsertIsIdempotentOnRefCount(t *testing.T) {
	io := newFakeMemIO()
	tbl := NewTable(1, io)

	bp1 := tbl.Insert(0x1000, nil)
	bp2 := tbl.Insert(0x1000, nil)
	if bp1 != bp2 {
		t.Fatal("Insert at an existing address must return the same Breakpoint")
	}
	if bp1.RefCount != 2 {
		t.Errorf("RefCount = %d, want 2", bp1.RefCount)
	}
}

func TestEnableDisableRoundTrip(t *testing.T) {
	io := newFakeMemIO()
	io.mem[0x2000] = []byte{0xAA}
	tbl := NewTable(1, io)
	bp := tbl.Insert(0x2000, nil)

	if err := tbl.Enable(bp, 1); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !bp.Enabled {
		t.Fatal("Enable did not mark the breakpoint enabled")
	}
	if io.mem[0x2000][0] != trapInstruction[0] {
		t.Fatalf("Enable did not plant the trap instruction, mem = %x", io.mem[0x2000])
	}

	if err := tbl.Disable(bp, 1); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if bp.Enabled {
		t.Fatal("Disable did not clear Enabled")
	}
	if io.mem[0x2000][0] != 0xAA {
		t.Fatalf("Disable did not restore the original byte, mem = %x", io.mem[0x2000])
	}
}

func TestDeleteDecrementsAndRemovesAtZero(t *testing.T) {
	io := newFakeMemIO()
	tbl := NewTable(1, io)
	bp := tbl.Insert(0x3000, nil)
	tbl.Insert(0x3000, nil) // RefCount now 2

	if err := tbl.Delete(bp, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := tbl.Lookup(0x3000); !ok {
		t.Fatal("breakpoint removed too early; refcount should still be 1")
	}

	if err := tbl.Delete(bp, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := tbl.Lookup(0x3000); ok {
		t.Fatal("breakpoint should be gone once refcount reaches zero")
	}
}

func TestAscendRangeOrdersByAddress(t *testing.T) {
	io := newFakeMemIO()
	tbl := NewTable(1, io)
	tbl.Insert(0x300, nil)
	tbl.Insert(0x100, nil)
	tbl.Insert(0x200, nil)

	var addrs []uintptr
	tbl.AscendRange(0, 0x1000, func(bp *Breakpoint) bool {
		addrs = append(addrs, bp.Addr)
		return true
	})
	want := []uintptr{0x100, 0x200, 0x300}
	if len(addrs) != len(want) {
		t.Fatalf("AscendRange visited %v, want %v", addrs, want)
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Fatalf("AscendRange order = %v, want %v", addrs, want)
		}
	}
}

func TestDeleteInvokesOnRetract(t *testing.T) {
	io := newFakeMemIO()
	tbl := NewTable(1, io)
	bp := tbl.Insert(0x400, nil)

	var retracted bool
	bp.Callbacks.OnRetract = func(*Breakpoint, int32) { retracted = true }

	if err := tbl.Delete(bp, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !retracted {
		t.Error("Delete did not invoke OnRetract")
	}
}
