// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package live

import (
	"context"
	"log"
	"sync"

	"github.com/rinit-org/rinit/internal/graph"
	"github.com/rinit-org/rinit/internal/service"
	"golang.org/x/sync/errgroup"
)

// SupervisorFactory builds the Supervisor for one live service, wiring
// onUp/onDown callbacks that the supervisor calls as the child's readiness
// and termination are observed (spec §4.D/§4.C "reports status changes
// back via an internal message channel").
type SupervisorFactory func(svc *service.Service, onUp, onDown func()) Supervisor

// Graph is the in-memory overlay of the persisted dependency graph. All
// mutation happens while holding mu, following the teacher's single
// writer-lock discipline for ServiceManager.services (spec §5).
type Graph struct {
	mu       sync.RWMutex
	order    []string
	services map[string]*LiveService

	dependents func(name string) []string // reverse-edge lookup, from the persisted graph
	spawn      SupervisorFactory
}

// New builds a live overlay from g's nodes, seeding every Oneshot/Longrun/
// Bundle node Down (Virtual never appears in the live graph, spec §9 Open
// Questions). spawn is consulted only when a Oneshot/Longrun actually
// starts.
func New(g *graph.Graph, spawn SupervisorFactory) *Graph {
	lg := &Graph{
		services:   make(map[string]*LiveService),
		dependents: makeDependentsLookup(g),
		spawn:      spawn,
	}
	for _, name := range g.Nodes() {
		node, _ := g.Node(name)
		if node.Service.Kind == service.KindVirtual {
			continue
		}
		lg.order = append(lg.order, name)
		lg.services[name] = newLiveService(node.Service)
	}
	return lg
}

func makeDependentsLookup(g *graph.Graph) func(string) []string {
	return func(name string) []string {
		node, ok := g.Node(name)
		if !ok {
			return nil
		}
		out := make([]string, 0, len(node.Dependents))
		for d := range node.Dependents {
			out = append(out, d)
		}
		return out
	}
}

func (g *Graph) get(name string) (*LiveService, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.services[name]
	return l, ok
}

// Names returns every live service name in insertion order.
func (g *Graph) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// State reports the current state of name, or (Down, false) if unknown.
func (g *Graph) State(name string) (StateKind, bool) {
	l, ok := g.get(name)
	if !ok {
		return Down, false
	}
	return l.State(), true
}

// AwaitIdle returns name's state, first waiting out a transitional
// Starting or Stopping with the per-service deadline (spec §4.E:
// ServiceStatus awaits idle before replying). On timeout the answer is
// the pessimistic Down that WaitIdle reports.
func (g *Graph) AwaitIdle(ctx context.Context, name string) (StateKind, bool) {
	l, ok := g.get(name)
	if !ok {
		return Down, false
	}
	switch l.State() {
	case Starting:
		return l.WaitIdle(ctx, l.maximumStartTime()), true
	case Stopping:
		return l.WaitIdle(ctx, l.maximumStopTime()), true
	default:
		return l.State(), true
	}
}

// States returns a name -> state snapshot for ServicesStatus replies.
func (g *Graph) States() map[string]StateKind {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]StateKind, len(g.services))
	for name, l := range g.services {
		out[name] = l.State()
	}
	return out
}

// Service returns the record currently backing name, if present. Read-only
// surfaces (internal/statusapi) use it to describe a service beyond its
// bare state.
func (g *Graph) Service(name string) (*service.Service, bool) {
	l, ok := g.get(name)
	if !ok {
		return nil, false
	}
	return l.Service(), true
}

// RunLevelOf returns the declared runlevel for name, used by the IPC
// handler's RunLevelMustMatch check.
func (g *Graph) RunLevelOf(name string) (service.RunLevel, bool) {
	l, ok := g.get(name)
	if !ok {
		return service.RunLevelDefault, false
	}
	return l.Service().RunLevel(), true
}

// StartService starts name, recursively starting its dependencies first
// (spec §4.C). Idempotent: returns nil immediately if already Up.
func (g *Graph) StartService(ctx context.Context, name string) error {
	l, ok := g.get(name)
	if !ok {
		return &service.LogicError{Kind: service.ServiceNotFound, Service: name}
	}
	return g.startService(ctx, l)
}

func (g *Graph) startService(ctx context.Context, l *LiveService) error {
	for {
		switch l.State() {
		case Up:
			return nil
		case Starting, Stopping:
			l.WaitIdle(ctx, l.maximumStartTime())
			continue
		case Down:
			return g.beginStart(ctx, l)
		}
	}
}

func (g *Graph) beginStart(ctx context.Context, l *LiveService) error {
	l.setState(Starting)
	svc := l.Service()

	for _, dep := range svc.Dependencies() {
		depLive, ok := g.get(dep)
		if !ok {
			l.setState(Down)
			return &service.LogicError{Kind: service.ServiceNotFound, Service: dep}
		}
		if err := g.startService(ctx, depLive); err != nil {
			l.setState(Down)
			return &service.LogicError{Kind: service.DependencyFailedToStart, Service: l.name, Dependency: dep}
		}
		if depLive.State() != Up {
			l.setState(Down)
			return &service.LogicError{Kind: service.DependencyFailedToStart, Service: l.name, Dependency: dep}
		}
	}

	if svc.Kind == service.KindBundle {
		l.setState(Up)
		return nil
	}

	child := g.spawn(svc, func() { g.UpdateServiceState(l.name, Up) }, func() { g.UpdateServiceState(l.name, Down) })
	l.mu.Lock()
	l.child = child
	l.mu.Unlock()
	child.Spawn(ctx)

	final := l.WaitIdle(ctx, l.maximumStartTime())
	if final != Up {
		return &service.LogicError{Kind: service.ServiceFailedToStart, Service: l.name}
	}
	return nil
}

// StartAll spawns a start for every service with ShouldStart() at the
// given runlevel, returning a per-service result map without aborting the
// batch on individual failures (spec §4.C).
func (g *Graph) StartAll(ctx context.Context, rl service.RunLevel) map[string]error {
	var eg errgroup.Group
	var mu sync.Mutex
	results := make(map[string]error)

	for _, name := range g.Names() {
		l, ok := g.get(name)
		if !ok {
			continue
		}
		svc := l.Service()
		if !svc.ShouldStart() || svc.RunLevel() != rl {
			continue
		}
		name, l := name, l
		eg.Go(func() error {
			err := g.startService(ctx, l)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil // a bare errgroup.Group here only fans out; it must not cancel siblings on one failure
		})
	}
	eg.Wait()
	return results
}

// StopService stops name, failing fast with DependentsStillRunning if any
// direct dependent is not Down (spec §4.C / testable property 7).
func (g *Graph) StopService(ctx context.Context, name string) error {
	l, ok := g.get(name)
	if !ok {
		return &service.LogicError{Kind: service.ServiceNotFound, Service: name}
	}
	return g.stopService(ctx, l)
}

func (g *Graph) stopService(ctx context.Context, l *LiveService) error {
	if l.State() == Down {
		return nil
	}

	var stillUp []string
	for _, dep := range g.dependents(l.name) {
		depLive, ok := g.get(dep)
		if !ok {
			continue
		}
		if depLive.State() != Down {
			stillUp = append(stillUp, dep)
		}
	}
	if len(stillUp) > 0 {
		return &service.LogicError{Kind: service.DependentsStillRunning, Service: l.name, Dependents: stillUp}
	}

	for {
		switch l.State() {
		case Down:
			return nil
		case Starting:
			l.WaitIdle(ctx, l.maximumStartTime())
			continue
		case Stopping:
			l.WaitIdle(ctx, l.maximumStopTime())
			return nil
		case Up:
			l.mu.Lock()
			child := l.child
			svc := l.svc
			l.mu.Unlock()
			l.setState(Stopping)
			if svc.Kind == service.KindBundle {
				l.setState(Down)
				return nil
			}
			if child != nil {
				child.Terminate()
			}
			l.WaitIdle(ctx, l.maximumStopTime())
			return nil
		}
	}
}

// stopDependentsFirst recursively drains name's dependents to Down before
// the caller stops name itself (spec §4.C stop_all: "drain its dependents
// to Down, then stop it").
func (g *Graph) stopDependentsFirst(ctx context.Context, name string, seen map[string]bool) {
	if seen[name] {
		return
	}
	seen[name] = true
	for _, dep := range g.dependents(name) {
		g.stopDependentsFirst(ctx, dep, seen)
		if depLive, ok := g.get(dep); ok {
			if err := g.stopService(ctx, depLive); err != nil {
				log.Printf("rinit: stop %s (dependent of %s): %v", dep, name, err)
			}
		}
	}
}

// StopAll stops every service at the given runlevel, dependents-first
// (spec §4.C: callers invoke Default then Boot).
func (g *Graph) StopAll(ctx context.Context, rl service.RunLevel) map[string]error {
	results := make(map[string]error)
	seen := make(map[string]bool)
	for _, name := range g.Names() {
		l, ok := g.get(name)
		if !ok || l.Service().RunLevel() != rl {
			continue
		}
		g.stopDependentsFirst(ctx, name, seen)
		results[name] = g.stopService(ctx, l)
	}
	return results
}

// UpdateServiceState applies a supervisor-reported transition: the
// terminal idle state the supervisor observed (Up once the child is
// ready/running, Down once it has exited or been killed). This is the
// loopback path spec §4.E describes, modelled here as a direct call since
// both the supervisor and the live graph live in the same process (spec
// §5's single-writer-lock discipline takes the place of the cooperative
// single executor thread the original design assumed).
func (g *Graph) UpdateServiceState(name string, s StateKind) {
	l, ok := g.get(name)
	if !ok {
		return
	}
	l.setState(s)
	if s == Down {
		g.applyPendingReload(l)
	}
}

func (g *Graph) applyPendingReload(l *LiveService) {
	l.mu.Lock()
	remove := l.remove
	pending := l.pending
	l.pending = nil
	l.remove = false
	l.mu.Unlock()

	if remove {
		g.mu.Lock()
		delete(g.services, l.name)
		g.order = removeName(g.order, l.name)
		g.mu.Unlock()
		return
	}
	if pending != nil {
		l.mu.Lock()
		l.svc = pending
		l.mu.Unlock()
	}
}

func removeName(s []string, v string) []string {
	out := s[:0:0]
	for _, e := range s {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}

// ReloadDependencyGraph reconciles the live overlay against a freshly
// loaded persisted graph without touching currently non-Down services
// (spec §4.C / §9 "Reload without downtime").
func (g *Graph) ReloadDependencyGraph(newGraph *graph.Graph) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dependents = makeDependentsLookup(newGraph)

	newNames := make(map[string]*service.Service)
	for _, name := range newGraph.Nodes() {
		node, _ := newGraph.Node(name)
		if node.Service.Kind == service.KindVirtual {
			continue
		}
		newNames[name] = node.Service
	}

	for name, newSvc := range newNames {
		existing, inLive := g.services[name]
		if !inLive {
			g.order = append(g.order, name)
			g.services[name] = newLiveService(newSvc)
			continue
		}
		existing.mu.Lock()
		if existing.svc.Equal(newSvc) {
			existing.mu.Unlock()
			continue
		}
		if existing.state == Down {
			existing.svc = newSvc
			existing.mu.Unlock()
		} else {
			existing.pending = newSvc
			existing.mu.Unlock()
		}
	}

	for name, existing := range g.services {
		if _, stillWanted := newNames[name]; stillWanted {
			continue
		}
		existing.mu.Lock()
		if existing.state == Down {
			existing.mu.Unlock()
			delete(g.services, name)
			g.order = removeName(g.order, name)
		} else {
			existing.remove = true
			existing.mu.Unlock()
		}
	}
}
