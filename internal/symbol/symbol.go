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

// Package symbol is the small interface surface this spec requires from
// the ELF loader and symbol-table walker (out of scope per spec §1: the
// ELF collaborator is specified only at its contract boundary).
package symbol

// Ref is a breakpoint's optional symbol reference (spec §3's
// Breakpoint.symbol field).
type Ref struct {
	Name string
	Addr uintptr
}

// Stub is a compiler-emitted stub symbol at a PLT trampoline (PPC64),
// used as a reliable PLT breakpoint site when present (spec GLOSSARY).
type Stub struct {
	Name string
	Addr uintptr
}

// PLTInfo is what the ELF collaborator must supply for C6 (spec §6):
// the PLT base, a per-slot address function, a stub-symbol iterator,
// and whether the binary uses lazy binding at all.
type PLTInfo struct {
	Base  uintptr
	Lazy  bool
	Stubs []Stub

	// SlotAddr returns the address of the PLT slot for the i'th entry.
	SlotAddr func(i int) uintptr

	// TrampolineAddr returns the stub/trampoline address a slot
	// initially points at before first resolution.
	TrampolineAddr func(i int) uintptr
}

// Loader is the ELF collaborator's contract boundary for C6 (spec §6):
// given an attached leader pid, return its PLTInfo. Out of scope per
// spec §1 ("the ELF loader and symbol-table walker... only the small
// interface surface is specified here"); dispatch consumes whatever
// implementation the command-line front end wires in, and runs without
// the PLT resolution extension if none is provided.
type Loader interface {
	LoadPLTInfo(pid int32) (PLTInfo, error)
}
