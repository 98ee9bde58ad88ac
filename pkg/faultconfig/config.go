// Copyright (c) 2024 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package faultconfig loads and validates the TOML configuration of the
// fault dispatch subsystem: guard zone geometry, platform quirks and
// diagnostics switches.
package faultconfig

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/kestrel-vm/runtime/pkg/fault"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid fault configuration")

// Names accepted for [platform] stack_gap_hook.
const (
	// HookNone disables fault address compensation.
	HookNone = "none"

	// HookStaticGap shifts fault addresses that land just below the
	// stack extent up by a fixed number of pages, compensating for
	// kernel-imposed guard pages the runtime did not reserve itself.
	HookStaticGap = "static-gap"
)

// DispatcherConfig holds classifier tunables.
type DispatcherConfig struct {
	// AbortOnUnrecognized selects the default for the handler's
	// abort-if-unrecognized argument when the embedder does not care.
	AbortOnUnrecognized bool `toml:"abort_on_unrecognized"`

	// NullCheckLimit is the exclusive upper bound for implicit null
	// classification. Zero selects one page.
	NullCheckLimit uint64 `toml:"null_check_limit"`

	// InstructionWidth overrides the build target's call instruction
	// width. Zero keeps the target default.
	InstructionWidth uint64 `toml:"instruction_width"`
}

// GuardConfig fixes the stack guard zone geometry.
type GuardConfig struct {
	PageSize      uint64 `toml:"page_size"`
	RedPages      uint64 `toml:"red_pages"`
	YellowPages   uint64 `toml:"yellow_pages"`
	ReservedPages uint64 `toml:"reserved_pages"`

	// EnableReservedZone turns the reserved-stack mechanism off
	// entirely when false; annotated methods then overflow like any
	// other.
	EnableReservedZone bool `toml:"enable_reserved_zone"`
}

// PlatformConfig selects platform compensation quirks.
type PlatformConfig struct {
	StackGapHook  string `toml:"stack_gap_hook"`
	StackGapPages uint64 `toml:"stack_gap_pages"`
}

// MetricsConfig switches classification counters.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Config is the root of the fault subsystem configuration.
type Config struct {
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Guard      GuardConfig      `toml:"guard"`
	Platform   PlatformConfig   `toml:"platform"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	geom := fault.DefaultZoneGeometry()
	return Config{
		Dispatcher: DispatcherConfig{
			AbortOnUnrecognized: true,
		},
		Guard: GuardConfig{
			PageSize:           uint64(geom.PageSize),
			RedPages:           uint64(geom.RedPages),
			YellowPages:        uint64(geom.YellowPages),
			ReservedPages:      uint64(geom.ReservedPages),
			EnableReservedZone: true,
		},
		Platform: PlatformConfig{
			StackGapHook: HookNone,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfiguration reads path, layers it over the defaults and
// validates the result.
func LoadConfiguration(path string) (Config, error) {
	cfg := Default()

	blob, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "cannot read fault configuration %q", path)
	}
	if err := toml.Unmarshal(blob, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "cannot parse fault configuration %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem found,
// not just the first.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.Guard.PageSize == 0 || c.Guard.PageSize&(c.Guard.PageSize-1) != 0 {
		result = multierror.Append(result,
			errors.Wrapf(ErrInvalidConfig, "page_size %d is not a power of two", c.Guard.PageSize))
	}
	if c.Guard.RedPages == 0 {
		result = multierror.Append(result,
			errors.Wrap(ErrInvalidConfig, "red_pages must be at least 1"))
	}
	if c.Guard.YellowPages == 0 {
		result = multierror.Append(result,
			errors.Wrap(ErrInvalidConfig, "yellow_pages must be at least 1"))
	}
	if c.Guard.EnableReservedZone && c.Guard.ReservedPages == 0 {
		result = multierror.Append(result,
			errors.Wrap(ErrInvalidConfig, "reserved_pages must be at least 1 when the reserved zone is enabled"))
	}

	switch c.Platform.StackGapHook {
	case "", HookNone:
	case HookStaticGap:
		if c.Platform.StackGapPages == 0 {
			result = multierror.Append(result,
				errors.Wrap(ErrInvalidConfig, "stack_gap_pages must be set for the static-gap hook"))
		}
	default:
		result = multierror.Append(result,
			errors.Wrapf(ErrInvalidConfig, "unknown stack_gap_hook %q", c.Platform.StackGapHook))
	}

	return result.ErrorOrNil()
}

// Geometry materializes the guard zone geometry. A disabled reserved
// zone is a zero-page zone: no address ever classifies into it.
func (c Config) Geometry() fault.ZoneGeometry {
	reserved := uintptr(c.Guard.ReservedPages)
	if !c.Guard.EnableReservedZone {
		reserved = 0
	}
	return fault.ZoneGeometry{
		PageSize:      uintptr(c.Guard.PageSize),
		RedPages:      uintptr(c.Guard.RedPages),
		YellowPages:   uintptr(c.Guard.YellowPages),
		ReservedPages: reserved,
	}
}

// StackGapHook materializes the configured platform hook, or nil for
// the identity.
func (c Config) StackGapHook() fault.StackGapHook {
	if c.Platform.StackGapHook != HookStaticGap {
		return nil
	}
	gap := uintptr(c.Platform.StackGapPages) * uintptr(c.Guard.PageSize)
	return func(t *fault.Thread, addr fault.Address) fault.Address {
		// A guard hit reported just below the extent the runtime
		// reserved belongs to the kernel's own gap pages; pull it up
		// into the red zone so it classifies as an overflow.
		if addr < t.StackLow() && uintptr(t.StackLow())-uintptr(addr) <= gap {
			return t.StackLow()
		}
		return addr
	}
}
