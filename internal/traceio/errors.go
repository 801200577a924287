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

// Package traceio is a thin semantic wrapper over the kernel trace
// interface (C1): attach/detach, continue, single-step, read/write
// memory and registers, thread listing, and per-thread quiescence.
package traceio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// TraceError wraps a failure from the kernel trace interface with the
// operation and pid that failed, per spec §4.1's error taxonomy
// (ESRCH | EPERM | EIO | EINVAL).
type TraceError struct {
	Op  string
	Pid int32
	Err error
}

func (e *TraceError) Error() string {
	return fmt.Sprintf("traceio: %s(pid=%d): %v", e.Op, e.Pid, e.Err)
}

// Unwrap allows errors.Is(err, unix.ESRCH) etc. to work against a
// TraceError.
func (e *TraceError) Unwrap() error {
	return e.Err
}

func wrap(op string, pid int32, err error) error {
	if err == nil {
		return nil
	}
	return &TraceError{Op: op, Pid: pid, Err: err}
}

// Vanished reports whether err indicates the traced process or thread
// has gone away mid-operation (ESRCH), the standard "raced with exit"
// outcome that spec §7 says to treat as the tracee having vanished
// rather than a fatal error.
func Vanished(err error) bool {
	te, ok := err.(*TraceError)
	if !ok {
		return false
	}
	return te.Err == unix.ESRCH
}
