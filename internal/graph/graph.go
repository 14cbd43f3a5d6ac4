// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package graph implements the persisted dependency graph: the set of
// enabled services, the node table, and the reverse-edge ("dependents")
// index, with cycle detection and reference-counted removal.
//
// This ports the semantics of original_source/service/src/graph/dependency_graph.rs
// (the rinit Rust project this spec was distilled from) using Go idioms: a
// name-keyed map instead of a Vec<Node> + swap_remove index table, since Go
// maps make arbitrary-key removal O(1) without the index-invalidation
// bookkeeping the Rust version needed.
package graph

import (
	"fmt"

	"github.com/rinit-org/rinit/internal/service"
)

// Node is one entry in the persisted graph: the service record plus the set
// of service names that directly depend on it.
type Node struct {
	Service    *service.Service
	Dependents map[string]bool
}

func newNode(svc *service.Service) *Node {
	return &Node{Service: svc, Dependents: make(map[string]bool)}
}

// Graph is the persisted dependency graph described in spec §3. Zero value
// is a valid, empty graph.
type Graph struct {
	enabledOrder []string
	enabled      map[string]bool
	nodeOrder    []string
	nodes        map[string]*Node
}

// New returns an empty dependency graph.
func New() *Graph {
	return &Graph{
		enabled: make(map[string]bool),
		nodes:   make(map[string]*Node),
	}
}

// HasService reports whether name is present in the graph.
func (g *Graph) HasService(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Node returns the node for name, if present.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// IsEnabled reports whether name was explicitly enabled by the operator.
func (g *Graph) IsEnabled(name string) bool {
	return g.enabled[name]
}

// Nodes returns node names in deterministic insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodeOrder))
	copy(out, g.nodeOrder)
	return out
}

// clone returns a deep copy of g, used so AddServices/DisableServices can
// mutate a scratch copy and only commit it on success — giving "no partial
// application" for free instead of hand-rolling an undo log.
func (g *Graph) clone() *Graph {
	out := &Graph{
		enabled:   make(map[string]bool, len(g.enabled)),
		nodes:     make(map[string]*Node, len(g.nodes)),
		nodeOrder: append([]string(nil), g.nodeOrder...),
	}
	for k := range g.enabled {
		out.enabled[k] = true
	}
	out.enabledOrder = append([]string(nil), g.enabledOrder...)
	for name, n := range g.nodes {
		svcCopy := *n.Service
		dependents := make(map[string]bool, len(n.Dependents))
		for d := range n.Dependents {
			dependents[d] = true
		}
		out.nodes[name] = &Node{Service: &svcCopy, Dependents: dependents}
	}
	return out
}

func (g *Graph) adopt(other *Graph) {
	*g = *other
}

// AddServices adds resolved service records to the graph and marks
// servicesToEnable as enabled. It partitions resolved into brand-new and
// already-present nodes, replaces changed existing nodes, verifies every
// dependency referenced by a new-or-replaced node exists, populates reverse
// edges for the newly-enabled names, and runs a cycle check. The call is
// all-or-nothing: on any error the receiver is left exactly as it was
// before the call (spec §4.B / testable property 3).
func (g *Graph) AddServices(servicesToEnable []string, resolved []*service.Service) error {
	scratch := g.clone()

	for _, svc := range resolved {
		svcCopy := *svc
		if existing, ok := scratch.nodes[svc.Name]; ok {
			if existing.Service.Equal(&svcCopy) {
				continue
			}
			// Detach old out-edges before replacing.
			for _, dep := range existing.Service.Dependencies() {
				if depNode, ok := scratch.nodes[dep]; ok {
					delete(depNode.Dependents, svc.Name)
				}
			}
			existing.Service = &svcCopy
		} else {
			scratch.nodes[svc.Name] = newNode(&svcCopy)
			scratch.nodeOrder = append(scratch.nodeOrder, svc.Name)
		}
	}

	// Repopulate reverse edges for every node just added or replaced.
	for _, svc := range resolved {
		node := scratch.nodes[svc.Name]
		for _, dep := range node.Service.Dependencies() {
			if depNode, ok := scratch.nodes[dep]; ok {
				depNode.Dependents[svc.Name] = true
			}
		}
	}

	if err := scratch.checkDependencies(); err != nil {
		return err
	}

	for _, name := range servicesToEnable {
		if !scratch.enabled[name] {
			scratch.enabled[name] = true
			scratch.enabledOrder = append(scratch.enabledOrder, name)
		}
		node, ok := scratch.nodes[name]
		if !ok {
			return &service.LogicError{Kind: service.ServiceNotFound, Service: name}
		}
		for _, dep := range node.Service.Dependencies() {
			if depNode, ok := scratch.nodes[dep]; ok {
				depNode.Dependents[name] = true
			}
		}
	}

	if err := scratch.checkCycles(servicesToEnable); err != nil {
		return err
	}

	g.adopt(scratch)
	return nil
}

// checkDependencies verifies that every dependency referenced by any node
// currently in the graph exists in the graph.
func (g *Graph) checkDependencies() error {
	for _, name := range g.nodeOrder {
		node := g.nodes[name]
		for _, dep := range node.Service.Dependencies() {
			if !g.HasService(dep) {
				return &service.LogicError{Kind: service.DependenciesUnfulfilled, Service: name, Dependency: dep}
			}
		}
	}
	return nil
}

type color int

const (
	white color = iota
	gray
	black
)

// checkCycles runs a three-colour DFS from every name in roots, then from
// every node the roots did not reach, so a cycle in a component detached
// from the roots is never missed on a later enable (REDESIGN FLAG — see
// spec §9 Design Notes / Open Questions).
func (g *Graph) checkCycles(roots []string) error {
	colors := make(map[string]color, len(g.nodeOrder))
	for _, name := range g.nodeOrder {
		colors[name] = white
	}
	for _, root := range roots {
		if err := g.visit(colors, root); err != nil {
			return err
		}
	}
	for _, name := range g.nodeOrder {
		if colors[name] == white {
			if err := g.visit(colors, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) visit(colors map[string]color, name string) error {
	colors[name] = gray
	node := g.nodes[name]
	for _, dep := range node.Service.Dependencies() {
		switch colors[dep] {
		case white:
			if err := g.visit(colors, dep); err != nil {
				return err
			}
		case gray:
			return &service.LogicError{Kind: service.CycleFound}
		case black:
			// already fully explored, fine
		}
	}
	colors[name] = black
	return nil
}

// DisableServices removes names from the enabled set and prunes any node
// that becomes unreachable (neither enabled nor having any dependent). The
// call is all-or-nothing (spec §4.B / testable property 2).
func (g *Graph) DisableServices(names []string) error {
	scratch := g.clone()

	for _, name := range names {
		if !scratch.enabled[name] {
			return &service.LogicError{Kind: service.ServiceNotEnabled, Service: name}
		}
		delete(scratch.enabled, name)
		scratch.enabledOrder = removeString(scratch.enabledOrder, name)

		if node, ok := scratch.nodes[name]; ok && !scratch.isRequired(name, node) {
			scratch.removeNode(name)
		}
	}

	g.adopt(scratch)
	return nil
}

func (g *Graph) isRequired(name string, node *Node) bool {
	return g.enabled[name] || len(node.Dependents) > 0
}

// removeNode removes name and recursively prunes any dependency that
// becomes unreachable as a result.
func (g *Graph) removeNode(name string) {
	node, ok := g.nodes[name]
	if !ok {
		return
	}
	deps := node.Service.Dependencies()
	delete(g.nodes, name)
	g.nodeOrder = removeString(g.nodeOrder, name)

	for _, dep := range deps {
		depNode, ok := g.nodes[dep]
		if !ok {
			continue
		}
		delete(depNode.Dependents, name)
		if !g.isRequired(dep, depNode) {
			g.removeNode(dep)
		}
	}
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, e := range s {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}

// String renders a one-line summary, useful for log lines and test
// failures.
func (g *Graph) String() string {
	return fmt.Sprintf("graph{nodes=%d enabled=%d}", len(g.nodes), len(g.enabled))
}
