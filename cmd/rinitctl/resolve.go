// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rinit-org/rinit/internal/graph"
	"github.com/rinit-org/rinit/internal/service"
)

// loadServiceDef reads and decodes one service definition file,
// <dir>/<name>.yaml.
func loadServiceDef(dir, name string, defaultSignal int) (*service.Service, error) {
	path := filepath.Join(dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service definition for %s: %w", name, err)
	}
	return graph.UnmarshalService(name, data, defaultSignal)
}

// resolveClosure loads the definitions for names plus, transitively, every
// dependency that has a definition file in dir, so the caller can hand
// AddServices a complete resolved set. The graph is not consulted here: a
// dependency with no definition file is skipped, and AddServices reports
// it as DependenciesUnfulfilled unless the graph already holds it.
//
// If runlevel is non-nil the whole closure is placed at that runlevel,
// keeping the invariant that a service and its dependencies share one.
func resolveClosure(dir string, names []string, runlevel *service.RunLevel, defaultSignal int) ([]*service.Service, error) {
	resolved := make(map[string]*service.Service)
	queue := append([]string(nil), names...)

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, done := resolved[name]; done {
			continue
		}

		svc, err := loadServiceDef(dir, name, defaultSignal)
		if err != nil {
			// Top-level names must resolve; a dependency without a
			// definition file is either satisfied by an existing graph
			// node or reported by AddServices as unfulfilled.
			if contains(names, name) {
				return nil, err
			}
			continue
		}
		resolved[name] = svc

		for _, dep := range svc.Dependencies() {
			if _, done := resolved[dep]; !done {
				queue = append(queue, dep)
			}
		}
	}

	out := make([]*service.Service, 0, len(resolved))
	// Deterministic output: each requested name in turn, followed
	// depth-first by its not yet emitted dependencies.
	emitted := make(map[string]bool)
	var emit func(name string)
	emit = func(name string) {
		svc, ok := resolved[name]
		if !ok || emitted[name] {
			return
		}
		emitted[name] = true
		if runlevel != nil {
			applyRunlevel(svc, *runlevel)
		}
		out = append(out, svc)
		for _, dep := range svc.Dependencies() {
			emit(dep)
		}
	}
	for _, name := range names {
		emit(name)
	}
	return out, nil
}

func applyRunlevel(svc *service.Service, rl service.RunLevel) {
	switch svc.Kind {
	case service.KindBundle:
		svc.Bundle.RunLevel = rl
	case service.KindOneshot, service.KindLongrun:
		svc.Options.RunLevel = rl
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
