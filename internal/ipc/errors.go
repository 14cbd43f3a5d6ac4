// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/rinit-org/rinit/internal/service"
)

func init() {
	gob.Register(SystemError{})
	gob.Register(LogicErrorEnvelope{})
}

// ErrProtocol is returned instead of panicking on an unrecognized reply
// variant (REDESIGN FLAG, spec §9: "the spec tightens this to an explicit
// protocol error").
var ErrProtocol = errors.New("rinit: unexpected reply variant")

// SystemError wraps an I/O, serialization, spawn, or syscall failure for
// transport back to the client (spec §7/§6).
type SystemError struct {
	Text string
}

func (e SystemError) Error() string { return e.Text }

// LogicErrorEnvelope is the wire form of *service.LogicError.
type LogicErrorEnvelope struct {
	Kind       service.LogicErrorKind
	Service    string
	Dependency string
	Dependents []string
}

func (e LogicErrorEnvelope) Error() string {
	le := &service.LogicError{Kind: e.Kind, Service: e.Service, Dependency: e.Dependency, Dependents: e.Dependents}
	return le.Error()
}

// toEnvelope converts a Go error into the wire error envelope spec §6
// describes (SystemError(text) | LogicError(kind)).
func toEnvelope(err error) error {
	if err == nil {
		return nil
	}
	if le, ok := service.IsLogicError(err); ok {
		return LogicErrorEnvelope{Kind: le.Kind, Service: le.Service, Dependency: le.Dependency, Dependents: le.Dependents}
	}
	return SystemError{Text: fmt.Sprintf("%v", err)}
}
