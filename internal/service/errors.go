// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package service

import "fmt"

// LogicErrorKind enumerates the domain rule violations the core can report,
// propagated verbatim to IPC clients (spec §7).
type LogicErrorKind int

const (
	_ LogicErrorKind = iota
	DependenciesUnfulfilled
	CycleFound
	ServiceNotEnabled
	DependencyFailedToStart
	DependentsStillRunning
	ServiceFailedToStart
	ServiceNotFound
	RunLevelMustMatch
	DependencyGraphNotFound
)

func (k LogicErrorKind) String() string {
	switch k {
	case DependenciesUnfulfilled:
		return "DependenciesUnfulfilled"
	case CycleFound:
		return "CycleFound"
	case ServiceNotEnabled:
		return "ServiceNotEnabled"
	case DependencyFailedToStart:
		return "DependencyFailedToStart"
	case DependentsStillRunning:
		return "DependentsStillRunning"
	case ServiceFailedToStart:
		return "ServiceFailedToStart"
	case ServiceNotFound:
		return "ServiceNotFound"
	case RunLevelMustMatch:
		return "RunLevelMustMatch"
	case DependencyGraphNotFound:
		return "DependencyGraphNotFound"
	default:
		return "Unknown"
	}
}

// LogicError is a structured domain-rule violation. It carries the fields
// relevant to its Kind; unused fields are left zero.
type LogicError struct {
	Kind       LogicErrorKind
	Service    string
	Dependency string
	Dependents []string
}

func (e *LogicError) Error() string {
	switch e.Kind {
	case DependenciesUnfulfilled:
		return fmt.Sprintf("the dependency %s of service %s is missing", e.Dependency, e.Service)
	case CycleFound:
		return "found a cycle in the dependency graph"
	case ServiceNotEnabled:
		return fmt.Sprintf("service %s is not enabled", e.Service)
	case DependencyFailedToStart:
		return fmt.Sprintf("dependency %s failed to start for service %s", e.Dependency, e.Service)
	case DependentsStillRunning:
		return fmt.Sprintf("service %s dependents %v are still running", e.Service, e.Dependents)
	case ServiceFailedToStart:
		return fmt.Sprintf("service %s failed to start", e.Service)
	case ServiceNotFound:
		return fmt.Sprintf("service %s does not exist", e.Service)
	case RunLevelMustMatch:
		return fmt.Sprintf("service %s must be requested at its declared runlevel", e.Service)
	case DependencyGraphNotFound:
		return fmt.Sprintf("dependency graph not found at %s", e.Service)
	default:
		return "unknown logic error"
	}
}

// IsLogicError reports whether err is a *LogicError and returns it.
func IsLogicError(err error) (*LogicError, bool) {
	le, ok := err.(*LogicError)
	return le, ok
}
