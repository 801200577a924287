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
	"github.com/nilcrash/goltrace/internal/breakpoint"
	"github.com/nilcrash/goltrace/internal/events"
	"github.com/nilcrash/goltrace/internal/procset"
)

// RequestExit is os_ltrace_exiting's entry point (spec §4.7): arrange
// for leader's entire thread group to be detached once every sibling is
// quiescent. If a Cycle is already installed on leader (it hit a
// breakpoint and a stop-the-world cycle is already underway), its
// exiting flag is merged in rather than rejecting a second install;
// otherwise a fresh exit-only cycle is installed, reusing the identical
// STOPPING/SINGLESTEP/SINKING/UGLY_WORKAROUND machine with no
// breakpoint of its own (bp == nil).
func RequestExit(reg *procset.Registry, bpt *breakpoint.Table, io TraceIO, eventq *events.Queue, proc *procset.Process) error {
	if h := reg.HandlerOf(proc.Leader); h != nil {
		MergeExiting(h)
		return nil
	}
	_, err := InstallExiting(reg, bpt, io, eventq, proc)
	return err
}
