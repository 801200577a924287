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

// Package archstep implements the architecture shim (C9): a software
// single-step fallback for architectures without a reliable hardware
// single-step trap. Both architectures goltrace supports (amd64, arm64)
// have one, so CanSinglestepSafely defaults to true and this package's
// decoder is exercised only when a caller explicitly overrides that
// default (e.g. via internal/config's architecture capability override).
package archstep

import "fmt"

// override holds a caller-supplied capability override (internal/config
// wires this to the architecture capability override in a TOML config
// file); nil means "use the architecture default".
var override *bool

// SetCapabilityOverride lets internal/config force CanSinglestepSafely's
// answer, per DESIGN.md's resolution of the SPARC/IA-64 Open Question:
// the bit is expressed as an overridable capability rather than a
// hardcoded architecture blacklist.
func SetCapabilityOverride(safe bool) { override = &safe }

// ClearCapabilityOverride restores the architecture default.
func ClearCapabilityOverride() { override = nil }

// CanSinglestepSafely reports whether the current architecture's
// hardware single-step trap can be trusted by continue_after_breakpoint
// (spec §4.9). Defaults to true: amd64 and arm64, the only architectures
// goltrace runs on, both have one. A config override can force the
// software fallback path for architectures this repository cannot test
// directly, matching the spec's "defaulting to true" suggested
// resolution rather than an unconditional assumption.
func CanSinglestepSafely() bool {
	if override != nil {
		return *override
	}
	return true
}

// MemReader is the minimum the decoder needs to read raw instruction
// bytes at an address, satisfied by breakpoint.MemIO's Peek method.
type MemReader interface {
	Peek(pid int32, addr uintptr, out []byte) (int, error)
}

// NextPC decodes the instruction at ip and returns the address
// execution would continue at if it were emulated one instruction
// forward, without actually stepping the processor. It understands only
// the direct unconditional jump and call forms; conditional branches and
// returns are not followed, and they and every other instruction are
// reported as falling through to ip + instruction length.
func NextPC(io MemReader, pid int32, ip uintptr) (uintptr, error) {
	return decodeNext(io, pid, ip)
}

// StepMode is arch_sw_singlestep's outcome (spec §4.9).
type StepMode int

const (
	// StepOK means scratch breakpoints were planted at every possible
	// next instruction address; the caller should resume the tracee
	// normally and wait for one of them to trip.
	StepOK StepMode = iota
	// StepFail means the instruction at ip could not be decoded (e.g.
	// the memory read itself failed); the caller should treat this like
	// any other single-step failure (spec §4.5.4).
	StepFail
)

// PlanScratchStep returns the addresses for the coordinator to plant
// one-shot breakpoints at: always exactly one, the single address
// NextPC decodes. A conditional branch yields only its fall-through
// address, not its taken target. Only reached once a caller has already
// established !CanSinglestepSafely(); this decoder does not itself
// second-guess that decision; it always reports StepOK unless the
// instruction bytes can't be read at all.
func PlanScratchStep(io MemReader, pid int32, ip uintptr) ([]uintptr, StepMode, error) {
	next, err := decodeNext(io, pid, ip)
	if err != nil {
		return nil, StepFail, err
	}
	return []uintptr{next}, StepOK, nil
}

func peekN(io MemReader, pid int32, addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.Peek(pid, addr, buf); err != nil {
		return nil, fmt.Errorf("archstep: reading instruction at %#x: %w", addr, err)
	}
	return buf, nil
}
