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

//go:build linux
// +build linux

package traceio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// attachBackoff bounds the retry loop waiting for a just-attached
// thread's initial stop. Most attaches succeed on the first wait4; the
// backoff only absorbs the rare race against a thread that hasn't yet
// reached a waitable state.
func attachBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Microsecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

// checkPtraceCapability checks whether the calling process holds
// CAP_SYS_PTRACE before the first PTRACE_ATTACH and logs at debug level
// when it does not. It never returns an error: the attach syscall
// itself decides whether permission is granted. If capability
// introspection fails, nothing is logged.
func checkPtraceCapability() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return nil
	}
	if err := caps.Load(); err != nil {
		return nil
	}
	if caps.Get(capability.EFFECTIVE, capability.CAP_SYS_PTRACE) {
		return nil
	}
	// Not fatal on its own: processes owned by the same uid can still
	// be attached without CAP_SYS_PTRACE. Only the syscall itself can
	// truly tell, so this is logged and not returned as an error.
	logrus.Debug("traceio: CAP_SYS_PTRACE not held; relying on same-uid ptrace_scope exemption")
	return nil
}

// Attach requests tracing of pid and waits for the attach-induced stop.
func Attach(pid int32) error {
	if err := checkPtraceCapability(); err != nil {
		return err
	}
	if err := unix.PtraceAttach(int(pid)); err != nil {
		return wrap("attach", pid, err)
	}
	var ws unix.WaitStatus
	op := func() error {
		wpid, err := unix.Wait4(int(pid), &ws, 0, nil)
		if err != nil {
			return err
		}
		if wpid != int(pid) {
			return fmt.Errorf("wait4 returned pid %d, expected %d", wpid, pid)
		}
		if !ws.Stopped() {
			return fmt.Errorf("attach: expected stop, got status %#x", ws)
		}
		return nil
	}
	if err := backoff.Retry(op, attachBackoff()); err != nil {
		return wrap("attach", pid, err)
	}
	return nil
}

// Detach releases pid with pending signal 0.
func Detach(pid int32) error {
	if err := unix.PtraceDetach(int(pid)); err != nil {
		return wrap("detach", pid, err)
	}
	return nil
}

// ContSyscall resumes pid until the next syscall boundary, delivering sig.
func ContSyscall(pid int32, sig unix.Signal) error {
	if err := unix.PtraceSyscall(int(pid), int(sig)); err != nil {
		return wrap("cont_syscall", pid, err)
	}
	return nil
}

// Cont resumes pid until the next stop, delivering sig.
func Cont(pid int32, sig unix.Signal) error {
	if err := unix.PtraceCont(int(pid), int(sig)); err != nil {
		return wrap("cont", pid, err)
	}
	return nil
}

// Kill sends sig to pid directly (used to deliver the SIGSTOP protocol's
// initial signal, outside of the ptrace resume calls above).
func Kill(pid int32, sig unix.Signal) error {
	if err := unix.Kill(int(pid), sig); err != nil {
		return wrap("kill", pid, err)
	}
	return nil
}

// Step hardware single-steps pid by one instruction.
func Step(pid int32) error {
	if err := unix.PtraceSingleStep(int(pid)); err != nil {
		return wrap("step", pid, err)
	}
	return nil
}

// SuspendThread pins tid without disturbing its siblings. There is no
// standalone Linux ptrace op for this (unlike e.g. Mach's
// thread_suspend); tid is necessarily already stopped by this point in
// every call site (held via the SIGSTOP protocol), so this is bookkeeping
// only — it exists as its own primitive so the coordinator's intent
// ("this sibling must not run during the step window") is not conflated
// with the SIGSTOP delivery machinery itself.
func SuspendThread(tid int32) error {
	return nil
}

// ResumeThread releases a thread pinned by SuspendThread. Symmetric
// no-op for the same reason; the actual resume happens through Cont or
// ContSyscall once the stop-the-world cycle completes.
func ResumeThread(tid int32) error {
	return nil
}

// ListThreads returns the tids of every thread in pid's thread group.
func ListThreads(pid int32) ([]int32, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrap("list_threads", pid, unix.ESRCH)
		}
		return nil, wrap("list_threads", pid, err)
	}
	tids := make([]int32, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(filepath.Base(e.Name()))
		if err != nil {
			continue
		}
		tids = append(tids, int32(tid))
	}
	return tids, nil
}

// Peek reads len(out) bytes from pid's memory at addr.
func Peek(pid int32, addr uintptr, out []byte) (int, error) {
	n, err := unix.PtracePeekData(int(pid), addr, out)
	if err != nil {
		return n, wrap("peek", pid, err)
	}
	return n, nil
}

// Poke writes data into pid's memory at addr.
func Poke(pid int32, addr uintptr, data []byte) (int, error) {
	n, err := unix.PtracePokeData(int(pid), addr, data)
	if err != nil {
		return n, wrap("poke", pid, err)
	}
	return n, nil
}

// PeekWord reads one native-width word at addr, used for PLT slot
// inspection (C6).
func PeekWord(pid int32, addr uintptr) (uintptr, error) {
	var buf [8]byte
	if _, err := Peek(pid, addr, buf[:]); err != nil {
		return 0, err
	}
	return uintptr(binary.LittleEndian.Uint64(buf[:])), nil
}

// PokeWord writes one native-width word at addr.
func PokeWord(pid int32, addr uintptr, val uintptr) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(val))
	_, err := Poke(pid, addr, buf[:])
	return err
}

// GetIP returns the current instruction pointer of pid.
func GetIP(pid int32) (uintptr, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(int(pid), &regs); err != nil {
		return 0, wrap("get_ip", pid, err)
	}
	return uintptr(ipFromRegs(&regs)), nil
}

// SetIP sets the instruction pointer of pid.
func SetIP(pid int32, addr uintptr) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(int(pid), &regs); err != nil {
		return wrap("set_ip", pid, err)
	}
	setIPInRegs(&regs, addr)
	if err := unix.PtraceSetRegs(int(pid), &regs); err != nil {
		return wrap("set_ip", pid, err)
	}
	return nil
}

// WaitResult is the canonicalized result of a wait4 call, prior to
// conversion into an events.Event by the registry/dispatch layer.
type WaitResult struct {
	Pid     int32
	Exited  bool
	Code    int
	Signal  unix.Signal // stop signal, or terminating signal
	Stopped bool
	Trap    uint32 // PTRACE_EVENT_* trap cause, 0 if none
	Child   int32  // new pid for PTRACE_EVENT_{CLONE,FORK,VFORK}, 0 otherwise
}

// Wait blocks for the next status change of pid (or, if pid == -1, of
// any waitable child), and canonicalizes it.
func Wait(pid int32, options int) (WaitResult, error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(int(pid), &ws, options|unix.WALL, nil)
	if err != nil {
		return WaitResult{}, wrap("wait", pid, err)
	}
	if wpid == 0 {
		return WaitResult{}, nil
	}
	res := WaitResult{Pid: int32(wpid)}
	switch {
	case ws.Exited():
		res.Exited = true
		res.Code = ws.ExitStatus()
	case ws.Signaled():
		res.Exited = true
		res.Signal = ws.Signal()
	case ws.Stopped():
		res.Stopped = true
		res.Signal = ws.StopSignal()
		res.Trap = uint32(ws.TrapCause())
		switch res.Trap {
		case unix.PTRACE_EVENT_CLONE, unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
			if msg, err := unix.PtraceGetEventMsg(int(wpid)); err == nil {
				res.Child = int32(msg)
			}
		}
	}
	return res, nil
}

// Linux /proc/pid/stat task-state letters we care about. Kernels before
// 2.6 report TraceStop as 'T'; on modern 3.x+ kernels 'T' means job
// control stop and 't' means ptrace trace-stop, so both are checked.
const (
	StatusTraceStop  = 't'
	StatusTraceStopT = 'T'
	StatusZombie     = 'Z'
)

// Status reads pid's single-character task state from /proc/pid/stat,
// the same source delve's proc_linux.go uses to distinguish a
// ptrace-stopped thread from one that is still running or already a
// zombie.
func Status(pid int32) (rune, error) {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return 0, wrap("status", pid, err)
	}
	name := strings.Replace(strings.TrimSuffix(string(comm), "\n"), "%", "%%", -1)

	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, wrap("status", pid, err)
	}
	defer f.Close()

	var p int
	var state rune
	fmt.Fscanf(f, "%d ("+name+")  %c", &p, &state)
	return state, nil
}

// AlreadyStopped reports whether pid is currently sitting in a
// ptrace-stop, i.e. it does not need a fresh SIGSTOP to be held
// quiescent.
func AlreadyStopped(pid int32) bool {
	state, err := Status(pid)
	if err != nil {
		return false
	}
	return state == StatusTraceStop || state == StatusTraceStopT
}
