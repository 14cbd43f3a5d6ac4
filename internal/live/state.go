// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package live implements the in-memory overlay of the persisted dependency
// graph: per-service state machines, recursive dependency start-up, ordered
// shutdown, supervisor orchestration, and reconciliation against a reloaded
// graph without tearing down currently-running services (spec §4.C).
package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rinit-org/rinit/internal/service"
)

// StateKind is a service's position in the Down -> Starting -> Up ->
// Stopping -> Down state machine (spec §3/§4.C).
type StateKind int

const (
	Down StateKind = iota
	Starting
	Up
	Stopping
)

func (s StateKind) String() string {
	switch s {
	case Down:
		return "down"
	case Starting:
		return "starting"
	case Up:
		return "up"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// IsIdle reports whether s is one of the two idle states subscribers can
// wait for (spec glossary: "Idle state").
func (s StateKind) IsIdle() bool {
	return s == Down || s == Up
}

// Supervisor is the contract the live graph needs from a process
// supervisor (internal/supervisor.Supervisor satisfies it). Spawn launches
// the child asynchronously and reports readiness/termination through the
// onUp/onDown callbacks passed to the constructor; Terminate requests a
// graceful kill.
type Supervisor interface {
	Spawn(ctx context.Context)
	Terminate()
}

// LiveService is the runtime overlay entry for one service: its current
// state, the broadcast of idle transitions, the supervisor handle while
// not Down, and the buffered reload instructions (spec §3 "Live overlay
// state").
type LiveService struct {
	name string

	mu      sync.Mutex
	svc     *service.Service
	state   StateKind
	waiters []chan StateKind

	child Supervisor

	remove  bool
	pending *service.Service // queued replacement, applied on next Down
}

func newLiveService(svc *service.Service) *LiveService {
	return &LiveService{name: svc.Name, svc: svc, state: Down}
}

// Service returns the service record currently backing this live entry.
func (l *LiveService) Service() *service.Service {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.svc
}

// State returns the current state.
func (l *LiveService) State() StateKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// setState transitions the live entry and, if the new state is idle,
// publishes it to every waiter (spec §5 "happens-before" ordering
// guarantee: the broadcast happens before any WaitIdle call observes it).
func (l *LiveService) setState(s StateKind) {
	l.mu.Lock()
	l.state = s
	var waiters []chan StateKind
	if s.IsIdle() {
		waiters, l.waiters = l.waiters, nil
	}
	l.mu.Unlock()

	for _, ch := range waiters {
		ch <- s
		close(ch)
	}
}

// WaitIdle blocks until the next idle transition (Up or Down), the
// deadline elapses, or ctx is cancelled. On timeout the observer
// pessimistically assumes Down (spec §4.C).
func (l *LiveService) WaitIdle(ctx context.Context, timeout time.Duration) StateKind {
	l.mu.Lock()
	if l.state.IsIdle() {
		s := l.state
		l.mu.Unlock()
		return s
	}
	ch := make(chan StateKind, 1)
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-ch:
		return s
	case <-timer.C:
		return Down
	case <-ctx.Done():
		return Down
	}
}

// maximumStartTime returns the worst-case wall-clock budget for a single
// start attempt, used as the WaitIdle deadline while Starting.
func (l *LiveService) maximumStartTime() time.Duration {
	l.mu.Lock()
	svc := l.svc
	l.mu.Unlock()
	if svc.Kind != service.KindOneshot && svc.Kind != service.KindLongrun {
		return time.Second
	}
	return time.Duration(svc.Run.GetMaximumTime()) * time.Millisecond
}

// maximumStopTime returns timeout_kill plus the finish script's own
// maximum time, the deadline while Stopping (spec §4.C).
func (l *LiveService) maximumStopTime() time.Duration {
	l.mu.Lock()
	svc := l.svc
	l.mu.Unlock()
	if svc.Kind != service.KindOneshot && svc.Kind != service.KindLongrun {
		return time.Second
	}
	ms := uint32(svc.Run.TimeoutKillMS)
	if svc.Finish != nil {
		ms += svc.Finish.GetMaximumTime()
	}
	return time.Duration(ms) * time.Millisecond
}

func (l *LiveService) String() string {
	return fmt.Sprintf("%s[%s]", l.name, l.State())
}
