// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package service defines the typed service records that the dependency
// graph and the live service graph operate on: Oneshot, Longrun, Bundle, and
// Virtual services, along with the script and environment configuration
// attached to them.
//
// Parsing a textual service definition into these types is explicitly out of
// scope for this package (see spec §1) — callers hand in an already-resolved
// []Service.
package service

import "fmt"

// Kind tags which variant a Service value holds.
type Kind int

const (
	KindOneshot Kind = iota
	KindLongrun
	KindBundle
	KindVirtual
)

func (k Kind) String() string {
	switch k {
	case KindOneshot:
		return "oneshot"
	case KindLongrun:
		return "longrun"
	case KindBundle:
		return "bundle"
	case KindVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}

// RunLevel is a totally ordered set {Boot, Default}. Boot services must be
// up before Default services start, and must stop after all Default
// services stop.
type RunLevel int

const (
	RunLevelBoot RunLevel = iota
	RunLevelDefault
)

func (r RunLevel) String() string {
	if r == RunLevelBoot {
		return "boot"
	}
	return "default"
}

// ParseRunLevel parses the CLI/config spelling of a runlevel.
func ParseRunLevel(s string) (RunLevel, error) {
	switch s {
	case "boot":
		return RunLevelBoot, nil
	case "default", "":
		return RunLevelDefault, nil
	default:
		return 0, fmt.Errorf("invalid runlevel %q", s)
	}
}

// ScriptPrefix selects the interpreter used to run Script.Execute.
type ScriptPrefix int

const (
	ScriptBash ScriptPrefix = iota
	ScriptSh
	ScriptPath
)

// Default timing and retry parameters, per spec §3.
const (
	DefaultTimeoutMS     = 3000
	DefaultTimeoutKillMS = 3000
	DefaultMaxDeaths     = 3
)

// Script is an executable unit with a timeout, a retry budget, and an
// optional readiness/user/group policy.
type Script struct {
	Prefix        ScriptPrefix
	Execute       string
	TimeoutMS     uint32 // default DefaultTimeoutMS
	TimeoutKillMS uint32 // default DefaultTimeoutKillMS
	MaxDeaths     uint8  // default DefaultMaxDeaths
	DownSignal    int    // default SIGTERM, set by caller since syscall is platform-specific
	User          string
	Group         string
	Notify        *int // fd number; nil means no readiness notification
}

// WithDefaults returns a copy of s with zero-valued optional fields set to
// their documented defaults.
func (s Script) WithDefaults(defaultSignal int) Script {
	if s.TimeoutMS == 0 {
		s.TimeoutMS = DefaultTimeoutMS
	}
	if s.TimeoutKillMS == 0 {
		s.TimeoutKillMS = DefaultTimeoutKillMS
	}
	if s.MaxDeaths == 0 {
		s.MaxDeaths = DefaultMaxDeaths
	}
	if s.DownSignal == 0 {
		s.DownSignal = defaultSignal
	}
	return s
}

// GetMaximumTime returns (timeout + timeout_kill) * max_deaths, the worst
// case wall-clock budget for a single start() call.
func (s Script) GetMaximumTime() uint32 {
	return (s.TimeoutMS + s.TimeoutKillMS) * uint32(s.MaxDeaths)
}

// ServiceOptions configures a Oneshot or Longrun service.
type ServiceOptions struct {
	Dependencies []string
	Requires     []string
	RequiresOne  []string
	Autostart    bool // default true
	RunLevel     RunLevel
}

// NewServiceOptions returns ServiceOptions with documented defaults applied.
func NewServiceOptions() ServiceOptions {
	return ServiceOptions{Autostart: true, RunLevel: RunLevelDefault}
}

// BundleOptions configures a pure grouping service.
type BundleOptions struct {
	Contents []string
	RunLevel RunLevel
}

// Service is the tagged-variant record shared by the dependency graph and
// the live service graph. Exactly one of the per-kind fields is populated,
// selected by Kind.
type Service struct {
	Name string
	Kind Kind

	// Oneshot / Longrun
	Run         Script  // Oneshot.start or Longrun.run
	Finish      *Script // Oneshot.stop or Longrun.finish
	Options     ServiceOptions
	Environment map[string]string

	// Bundle
	Bundle BundleOptions

	// Virtual
	Providers []string
}

// Dependencies returns the set of service names that must be Up before this
// service starts. Bundle returns its contents; Oneshot/Longrun return their
// declared dependencies; Virtual never appears in the live graph (spec
// §9/Open Questions) and returns none.
func (s *Service) Dependencies() []string {
	switch s.Kind {
	case KindBundle:
		return s.Bundle.Contents
	case KindOneshot, KindLongrun:
		return s.Options.Dependencies
	default:
		return nil
	}
}

// ShouldStart reports whether the live service graph should spawn this
// service during StartAll. Bundles and virtuals are never spawned directly.
func (s *Service) ShouldStart() bool {
	switch s.Kind {
	case KindOneshot, KindLongrun:
		return s.Options.Autostart
	default:
		return false
	}
}

// RunLevel returns the declared runlevel. Callers must not invoke this on a
// Virtual service (spec §4.A).
func (s *Service) RunLevel() RunLevel {
	switch s.Kind {
	case KindBundle:
		return s.Bundle.RunLevel
	case KindOneshot, KindLongrun:
		return s.Options.RunLevel
	default:
		return RunLevelDefault
	}
}

// Equal reports whether two service records are semantically identical,
// used by the dependency graph to decide whether an already-present node
// needs replacing.
func (s *Service) Equal(other *Service) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Name != other.Name || s.Kind != other.Kind {
		return false
	}
	switch s.Kind {
	case KindBundle:
		return equalStringSlices(s.Bundle.Contents, other.Bundle.Contents) && s.Bundle.RunLevel == other.Bundle.RunLevel
	case KindVirtual:
		return equalStringSlices(s.Providers, other.Providers)
	default:
		return s.Run == other.Run &&
			scriptPtrEqual(s.Finish, other.Finish) &&
			optionsEqual(s.Options, other.Options) &&
			mapEqual(s.Environment, other.Environment)
	}
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func scriptPtrEqual(a, b *Script) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func optionsEqual(a, b ServiceOptions) bool {
	return equalStringSlices(a.Dependencies, b.Dependencies) &&
		equalStringSlices(a.Requires, b.Requires) &&
		equalStringSlices(a.RequiresOne, b.RequiresOne) &&
		a.Autostart == b.Autostart &&
		a.RunLevel == b.RunLevel
}

func mapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
