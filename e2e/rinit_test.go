// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rinit-org/rinit/internal/graph"
	"github.com/rinit-org/rinit/internal/ipc"
	"github.com/rinit-org/rinit/internal/live"
	"github.com/rinit-org/rinit/internal/service"
	"github.com/rinit-org/rinit/internal/supervisor"
	"github.com/rinit-org/rinit/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func longrunSh(name, execute string, deps ...string) *service.Service {
	opts := service.NewServiceOptions()
	opts.Dependencies = deps
	return &service.Service{
		Name: name,
		Kind: service.KindLongrun,
		Run: service.Script{
			Prefix:        service.ScriptSh,
			Execute:       execute,
			TimeoutMS:     50,
			TimeoutKillMS: 500,
			MaxDeaths:     1,
			DownSignal:    int(unix.SIGTERM),
		},
		Options: opts,
	}
}

// fixture wires the whole daemon in-process: persisted graph on disk, live
// overlay with real supervisors, and the IPC server on a temp socket.
type fixture struct {
	graphPath string
	server    *ipc.Server
	client    *client.Client
	serveErr  chan error
}

func newFixture(t *testing.T, services ...*service.Service) *fixture {
	t.Helper()

	dir := t.TempDir()
	graphPath := filepath.Join(dir, "graph.data")
	defaultSignal := int(unix.SIGTERM)

	g := graph.New()
	names := make([]string, len(services))
	for i, s := range services {
		names[i] = s.Name
	}
	require.NoError(t, g.AddServices(names, services))
	require.NoError(t, g.Save(graphPath, defaultSignal))

	loaded, err := graph.Load(graphPath, defaultSignal)
	require.NoError(t, err)

	sink := supervisor.NewBufferSink(100)
	lg := live.New(loaded, func(svc *service.Service, onUp, onDown func()) live.Supervisor {
		return supervisor.New(svc, sink, onUp, onDown)
	})

	socketPath := filepath.Join(dir, ".socket")
	loader := func() (*graph.Graph, error) { return graph.Load(graphPath, defaultSignal) }
	srv := ipc.NewServer(lg, loader, socketPath)

	f := &fixture{
		graphPath: graphPath,
		server:    srv,
		client:    client.New(socketPath),
		serveErr:  make(chan error, 1),
	}
	go func() { f.serveErr <- srv.Serve() }()
	waitDialable(t, f.client)

	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		require.NoError(t, <-f.serveErr)
	})
	return f
}

func waitDialable(t *testing.T, c *client.Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := c.Status(); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("daemon socket never became dialable")
}

// TestStartStopThroughSocket drives a dependency chain end to end: starting
// the dependent brings the dependency Up first, stopping the dependency
// while its dependent runs is refused, and ordered stop succeeds.
func TestStartStopThroughSocket(t *testing.T) {
	db := longrunSh("db", "sleep 30")
	web := longrunSh("web", "sleep 30", "db")
	f := newFixture(t, db, web)

	ok, err := f.client.Start("web", service.RunLevelDefault)
	require.NoError(t, err)
	assert.True(t, ok)

	states, err := f.client.Status()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "db", states[0].Name)
	assert.Equal(t, live.Up, states[0].State, "dependency must be Up after the dependent started")
	assert.Equal(t, live.Up, states[1].State)

	// Stopping db while web still runs must be refused.
	_, err = f.client.Stop("db", service.RunLevelDefault)
	require.Error(t, err)
	env, ok2 := err.(ipc.LogicErrorEnvelope)
	require.True(t, ok2, "expected a LogicErrorEnvelope, got %T", err)
	assert.Equal(t, service.DependentsStillRunning, env.Kind)
	assert.Equal(t, []string{"web"}, env.Dependents)

	// Dependent first, then the dependency.
	ok, err = f.client.Stop("web", service.RunLevelDefault)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.client.Stop("db", service.RunLevelDefault)
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := f.client.ServiceStatus("db")
	require.NoError(t, err)
	assert.Equal(t, live.Down, st)
}

// TestOneshotDependency verifies a longrun can depend on a oneshot: the
// oneshot runs to completion, stays Up, and the longrun starts after it.
func TestOneshotDependency(t *testing.T) {
	initSvc := &service.Service{
		Name: "init",
		Kind: service.KindOneshot,
		Run: service.Script{
			Prefix:        service.ScriptSh,
			Execute:       "exit 0",
			TimeoutMS:     2000,
			TimeoutKillMS: 100,
			MaxDeaths:     1,
			DownSignal:    int(unix.SIGTERM),
		},
		Options: service.NewServiceOptions(),
	}
	app := longrunSh("app", "sleep 30", "init")
	f := newFixture(t, initSvc, app)

	ok, err := f.client.Start("app", service.RunLevelDefault)
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := f.client.ServiceStatus("init")
	require.NoError(t, err)
	assert.Equal(t, live.Up, st, "a completed oneshot stays Up until stopped")

	ok, err = f.client.Stop("app", service.RunLevelDefault)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.client.Stop("init", service.RunLevelDefault)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestReloadPicksUpNewService rewrites the persisted graph and reloads:
// the new service appears Down in the live overlay.
func TestReloadPicksUpNewService(t *testing.T) {
	db := longrunSh("db", "sleep 30")
	f := newFixture(t, db)

	defaultSignal := int(unix.SIGTERM)
	g, err := graph.Load(f.graphPath, defaultSignal)
	require.NoError(t, err)
	cache := longrunSh("cache", "sleep 30")
	require.NoError(t, g.AddServices([]string{"cache"}, []*service.Service{cache}))
	require.NoError(t, g.Save(f.graphPath, defaultSignal))

	require.NoError(t, f.client.Reload())

	states, err := f.client.Status()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "cache", states[0].Name)
	assert.Equal(t, live.Down, states[0].State)
}
