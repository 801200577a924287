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
	"golang.org/x/sys/unix"

	"github.com/nilcrash/goltrace/internal/traceio"
)

// TraceIO is the subset of C1 the coordinator drives directly. It is an
// interface (rather than calling the traceio package functions inline)
// so tests can substitute a fake tracee and exercise the state machine
// without a real kernel.
type TraceIO interface {
	Cont(pid int32, sig unix.Signal) error
	ContSyscall(pid int32, sig unix.Signal) error
	Step(pid int32) error
	SuspendThread(pid int32) error
	ResumeThread(pid int32) error
	Kill(pid int32, sig unix.Signal) error
	GetIP(pid int32) (uintptr, error)
	SetIP(pid int32, addr uintptr) error
	Detach(pid int32) error
	AlreadyStopped(pid int32) bool
}

// realTraceIO adapts the package-level traceio functions to TraceIO.
type realTraceIO struct{}

// RealTraceIO returns the production TraceIO backed by actual ptrace
// syscalls.
func RealTraceIO() TraceIO { return realTraceIO{} }

func (realTraceIO) Cont(pid int32, sig unix.Signal) error       { return traceio.Cont(pid, sig) }
func (realTraceIO) ContSyscall(pid int32, sig unix.Signal) error { return traceio.ContSyscall(pid, sig) }
func (realTraceIO) Step(pid int32) error                        { return traceio.Step(pid) }
func (realTraceIO) SuspendThread(pid int32) error                { return traceio.SuspendThread(pid) }
func (realTraceIO) ResumeThread(pid int32) error                 { return traceio.ResumeThread(pid) }
func (realTraceIO) Kill(pid int32, sig unix.Signal) error        { return traceio.Kill(pid, sig) }
func (realTraceIO) GetIP(pid int32) (uintptr, error)             { return traceio.GetIP(pid) }
func (realTraceIO) SetIP(pid int32, addr uintptr) error          { return traceio.SetIP(pid, addr) }
func (realTraceIO) Detach(pid int32) error                       { return traceio.Detach(pid) }
func (realTraceIO) AlreadyStopped(pid int32) bool                { return traceio.AlreadyStopped(pid) }
