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

//go:build amd64
// +build amd64

package archstep

import (
	"errors"
	"testing"
)

type fakeMem struct {
	mem    map[uintptr][]byte
	failAt uintptr
}

func (f *fakeMem) Peek(pid int32, addr uintptr, out []byte) (int, error) {
	if f.failAt != 0 && addr == f.failAt {
		return 0, errPeekFailed
	}
	for base, data := range f.mem {
		if addr >= base && addr < base+uintptr(len(data)) {
			copy(out, data[addr-base:])
			break
		}
	}
	return len(out), nil
}

var errPeekFailed = errors.New("archstep test: simulated peek failure")

func TestCanSinglestepSafelyDefaultsTrue(t *testing.T) {
	ClearCapabilityOverride()
	if !CanSinglestepSafely() {
		t.Fatal("CanSinglestepSafely must default to true on amd64")
	}
}

func TestCapabilityOverride(t *testing.T) {
	defer ClearCapabilityOverride()
	SetCapabilityOverride(false)
	if CanSinglestepSafely() {
		t.Fatal("override should force CanSinglestepSafely to false")
	}
}

func TestDecodeNextNearJump(t *testing.T) {
	mem := &fakeMem{mem: map[uintptr][]byte{
		0x1000: {0xE9, 0x05, 0x00, 0x00, 0x00}, // jmp +5
	}}
	got, err := NextPC(mem, 1, 0x1000)
	if err != nil {
		t.Fatalf("NextPC: %v", err)
	}
	if want := uintptr(0x100A); got != want {
		t.Errorf("NextPC = %#x, want %#x", got, want)
	}
}

func TestDecodeNextShortJump(t *testing.T) {
	mem := &fakeMem{mem: map[uintptr][]byte{
		0x2000: {0xEB, 0xFE}, // jmp $-2 (infinite loop stub)
	}}
	got, err := NextPC(mem, 1, 0x2000)
	if err != nil {
		t.Fatalf("NextPC: %v", err)
	}
	if want := uintptr(0x2000); got != want {
		t.Errorf("NextPC = %#x, want %#x", got, want)
	}
}

func TestDecodeNextFallsThroughOnOrdinaryInstruction(t *testing.T) {
	mem := &fakeMem{mem: map[uintptr][]byte{
		0x3000: {0x90}, // nop
	}}
	got, err := NextPC(mem, 1, 0x3000)
	if err != nil {
		t.Fatalf("NextPC: %v", err)
	}
	if want := uintptr(0x3001); got != want {
		t.Errorf("NextPC = %#x, want %#x", got, want)
	}
}

func TestPlanScratchStepPlantsNearJumpTarget(t *testing.T) {
	mem := &fakeMem{mem: map[uintptr][]byte{
		0x1000: {0xE9, 0x05, 0x00, 0x00, 0x00}, // jmp +5
	}}
	addrs, mode, err := PlanScratchStep(mem, 1, 0x1000)
	if err != nil {
		t.Fatalf("PlanScratchStep: %v", err)
	}
	if mode != StepOK {
		t.Fatalf("mode = %v, want StepOK", mode)
	}
	if want := []uintptr{0x100A}; len(addrs) != 1 || addrs[0] != want[0] {
		t.Errorf("addrs = %v, want %v", addrs, want)
	}
}

func TestPlanScratchStepFailsOnUnreadableMemory(t *testing.T) {
	mem := &fakeMem{mem: map[uintptr][]byte{}}
	mem.failAt = 0x4000
	if _, mode, err := PlanScratchStep(mem, 1, 0x4000); err == nil || mode != StepFail {
		t.Fatalf("PlanScratchStep = (mode %v, err %v), want StepFail with an error", mode, err)
	}
}
