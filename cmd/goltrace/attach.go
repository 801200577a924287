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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/nilcrash/goltrace/internal/config"
	"github.com/nilcrash/goltrace/internal/dispatch"
)

// pidList collects repeated -p flags into a slice of pids, e.g.
// `-p 123 -p 456`.
type pidList []int32

func (p *pidList) String() string {
	strs := make([]string, len(*p))
	for i, pid := range *p {
		strs[i] = strconv.Itoa(int(pid))
	}
	return strings.Join(strs, ",")
}

func (p *pidList) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid pid %q: %w", s, err)
	}
	*p = append(*p, int32(n))
	return nil
}

// attachCommand implements subcommands.Command for the "attach"
// subcommand: the tracer's only required input is a repeated -p flag
// (spec §6); -config is optional.
type attachCommand struct {
	pids       pidList
	configPath string
}

func (*attachCommand) Name() string     { return "attach" }
func (*attachCommand) Synopsis() string { return "attach the tracer to one or more running processes" }
func (*attachCommand) Usage() string {
	return "attach -p PID [-p PID ...] [-config FILE]\n"
}

func (c *attachCommand) SetFlags(f *flag.FlagSet) {
	f.Var(&c.pids, "p", "pid to attach to (repeatable)")
	f.StringVar(&c.configPath, "config", "", "optional TOML configuration file")
}

func (c *attachCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if len(c.pids) == 0 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}

	cfg := config.Default()
	if c.configPath != "" {
		loaded, err := config.Load(c.configPath)
		if err != nil {
			logrus.WithError(err).Error("loading configuration")
			return subcommands.ExitFailure
		}
		cfg = loaded
	}
	if err := cfg.Apply(); err != nil {
		logrus.WithError(err).Error("applying configuration")
		return subcommands.ExitFailure
	}

	loop := dispatch.New()
	if err := loop.AttachAll(ctx, c.pids); err != nil {
		logrus.WithError(err).Error("attaching to initial pids")
		return subcommands.ExitFailure
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sigCh
		logrus.Info("received interrupt; requesting graceful detach")
		// OSLtraceExiting only installs the exit coordinators (spec
		// §4.7); it returns as soon as they're registered, well before
		// any tracee is actually detached. The event loop below must
		// keep dispatching so those coordinators can run their
		// SIGSTOP/single-step/detach protocol to completion; it
		// terminates on its own once the last tracee is gone (wait
		// reports no tracee left), so runCtx must not be canceled here.
		if err := loop.OSLtraceExiting(runCtx); err != nil {
			logrus.WithError(err).Warn("graceful detach failed")
		}
	}()

	if err := loop.Run(runCtx); err != nil && err != context.Canceled {
		logrus.WithError(err).Error("tracer event loop exited with error")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
