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

// Package breakpoint implements the per-leader breakpoint table (C4):
// address → breakpoint, with reference counting across clones, and the
// on_hit/on_continue/on_retract callback triad.
package breakpoint

import "github.com/nilcrash/goltrace/internal/symbol"

// TrapInstructionSize is the number of bytes the architecture's trap
// instruction occupies (amd64 and arm64 both use a single-instruction,
// fixed-size trap for breakpoints: 0xCC on amd64, BRK #0 on arm64).
const TrapInstructionSize = trapInstructionSize

// Callbacks are invoked by the dispatcher around a breakpoint hit.
type Callbacks struct {
	// OnHit is invoked when a breakpoint event arrives at bp's address.
	OnHit func(bp *Breakpoint, pid int32)
	// OnContinue is invoked when the hit handler decides to resume.
	// The default resumes via the stop-the-world coordinator.
	OnContinue func(bp *Breakpoint, pid int32)
	// OnRetract is invoked on detach-time cleanup.
	OnRetract func(bp *Breakpoint, pid int32)
}

// Breakpoint is a single planted (or plantable) trap site, per spec §3.
type Breakpoint struct {
	Addr     uintptr
	Orig     [TrapInstructionSize]byte
	Enabled  bool
	RefCount int
	Symbol   *symbol.Ref
	Callbacks
}
