// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rinit-org/rinit/internal/graph"
	"github.com/rinit-org/rinit/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFlags(t *testing.T) {
	flags, names, err := splitFlags(
		[]string{"--atomic-changes", "--runlevel=boot", "web", "db"},
		map[string]bool{"--atomic-changes": true, "--runlevel": true},
	)
	require.NoError(t, err)
	assert.Equal(t, "true", flags["--atomic-changes"])
	assert.Equal(t, "boot", flags["--runlevel"])
	assert.Equal(t, []string{"web", "db"}, names)
}

func TestSplitFlags_UnknownFlag(t *testing.T) {
	_, _, err := splitFlags([]string{"--bogus", "web"}, map[string]bool{"--runlevel": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--bogus")
}

func TestCheckDuplicates_ReportsName(t *testing.T) {
	require.NoError(t, checkDuplicates([]string{"a", "b"}))

	err := checkDuplicates([]string{"a", "b", "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a"`, "the duplicated name must be reported")
}

func writeDef(t *testing.T, dir string, svc *service.Service) {
	t.Helper()
	data, err := graph.MarshalService(svc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, svc.Name+".yaml"), data, 0o644))
}

func longrunDef(name string, deps ...string) *service.Service {
	opts := service.NewServiceOptions()
	opts.Dependencies = deps
	return &service.Service{
		Name:    name,
		Kind:    service.KindLongrun,
		Run:     service.Script{Prefix: service.ScriptSh, Execute: "/bin/" + name}.WithDefaults(15),
		Options: opts,
	}
}

func TestResolveClosure_TransitiveDependencies(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, longrunDef("a"))
	writeDef(t, dir, longrunDef("b", "a"))
	writeDef(t, dir, longrunDef("c", "b"))

	resolved, err := resolveClosure(dir, []string{"c"}, nil, 15)
	require.NoError(t, err)

	names := make([]string, len(resolved))
	for i, svc := range resolved {
		names[i] = svc.Name
	}
	assert.Equal(t, []string{"c", "b", "a"}, names, "requested first, then dependencies in discovery order")
}

func TestResolveClosure_MissingTopLevelFails(t *testing.T) {
	_, err := resolveClosure(t.TempDir(), []string{"ghost"}, nil, 15)
	require.Error(t, err)
}

func TestResolveClosure_RunlevelOverrideAppliesToClosure(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, longrunDef("a"))
	writeDef(t, dir, longrunDef("b", "a"))

	rl := service.RunLevelBoot
	resolved, err := resolveClosure(dir, []string{"b"}, &rl, 15)
	require.NoError(t, err)
	for _, svc := range resolved {
		assert.Equal(t, service.RunLevelBoot, svc.RunLevel(), "service %s", svc.Name)
	}
}
