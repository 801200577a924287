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

// Package handler defines the tagged event-handler interface shared by
// the process registry (which holds at most one per leader) and the
// coordinator package (which implements it). Kept as its own leaf
// package to avoid an import cycle between procset and coordinator.
package handler

import "github.com/nilcrash/goltrace/internal/events"

// Kind discriminates the installed handler's identity. The source this
// spec is modeled on used function-pointer identity for this; Go
// expresses it as an explicit tagged enum instead.
type Kind int

const (
	// KindNone means no handler is installed.
	KindNone Kind = iota
	// KindStopping is the stop-the-world coordinator (C5).
	KindStopping
	// KindExiting is the exit coordinator (C7), which reuses the
	// stopping machinery with its exiting flag set.
	KindExiting
	// KindVFork is the vfork coordinator (C8).
	KindVFork
)

func (k Kind) String() string {
	switch k {
	case KindStopping:
		return "stopping"
	case KindExiting:
		return "exiting"
	case KindVFork:
		return "vfork"
	default:
		return "none"
	}
}

// Handler is the event handler installed on at most one leader at a
// time (invariant 1). OnEvent must not block (spec §5): all work is
// done via synchronous trace-primitive calls that are expected to
// return promptly.
//
// A nil return sinks the event (it has been fully handled internally).
// A non-nil return re-emits the event to the next dispatch layer.
type Handler interface {
	Kind() Kind
	OnEvent(e events.Event) *events.Event
}
