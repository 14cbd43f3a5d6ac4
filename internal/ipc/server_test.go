// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rinit-org/rinit/internal/graph"
	"github.com/rinit-org/rinit/internal/live"
	"github.com/rinit-org/rinit/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSupervisor struct {
	onUp, onDown func()
}

func (f *fakeSupervisor) Spawn(ctx context.Context) {
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.onUp()
	}()
}

func (f *fakeSupervisor) Terminate() {
	go f.onDown()
}

func testService(name string, rl service.RunLevel) *service.Service {
	opts := service.NewServiceOptions()
	opts.RunLevel = rl
	return &service.Service{
		Name:    name,
		Kind:    service.KindLongrun,
		Run:     service.Script{Execute: "/bin/" + name, TimeoutMS: 200, TimeoutKillMS: 200, MaxDeaths: 1}.WithDefaults(15),
		Options: opts,
	}
}

func testServer(t *testing.T, services ...*service.Service) (*Server, *graph.Graph) {
	t.Helper()
	g := graph.New()
	names := make([]string, len(services))
	for i, s := range services {
		names[i] = s.Name
	}
	require.NoError(t, g.AddServices(names, services))

	lg := live.New(g, func(svc *service.Service, onUp, onDown func()) live.Supervisor {
		return &fakeSupervisor{onUp: onUp, onDown: onDown}
	})
	loader := func() (*graph.Graph, error) { return g, nil }
	return NewServer(lg, loader, filepath.Join(t.TempDir(), ".socket")), g
}

func TestDispatch_ServicesStatus(t *testing.T) {
	s, _ := testServer(t, testService("web", service.RunLevelDefault))

	rep, err := s.Dispatch(context.Background(), Request{Kind: ReqServicesStatus})
	require.NoError(t, err)
	assert.Equal(t, RepServicesStates, rep.Kind)
	require.Len(t, rep.States, 1)
	assert.Equal(t, "web", rep.States[0].Name)
	assert.Equal(t, live.Down, rep.States[0].State)
}

func TestDispatch_ServiceStatusUnknown(t *testing.T) {
	s, _ := testServer(t)

	_, err := s.Dispatch(context.Background(), Request{Kind: ReqServiceStatus, Name: "ghost"})
	require.Error(t, err)
	le, ok := service.IsLogicError(err)
	require.True(t, ok)
	assert.Equal(t, service.ServiceNotFound, le.Kind)
}

// TestDispatch_RunLevelMustMatch covers S10: starting a Boot service at the
// Default runlevel is rejected.
func TestDispatch_RunLevelMustMatch(t *testing.T) {
	s, _ := testServer(t, testService("early", service.RunLevelBoot))

	_, err := s.Dispatch(context.Background(), Request{Kind: ReqStartService, Name: "early", RunLevel: service.RunLevelDefault})
	require.Error(t, err)
	le, ok := service.IsLogicError(err)
	require.True(t, ok)
	assert.Equal(t, service.RunLevelMustMatch, le.Kind)
}

func TestDispatch_StartThenStop(t *testing.T) {
	s, _ := testServer(t, testService("web", service.RunLevelDefault))
	ctx := context.Background()

	rep, err := s.Dispatch(ctx, Request{Kind: ReqStartService, Name: "web", RunLevel: service.RunLevelDefault})
	require.NoError(t, err)
	assert.Equal(t, RepSuccess, rep.Kind)
	assert.True(t, rep.Success)

	rep, err = s.Dispatch(ctx, Request{Kind: ReqStopService, Name: "web", RunLevel: service.RunLevelDefault})
	require.NoError(t, err)
	assert.True(t, rep.Success)
}

func TestDispatch_UnknownRequestIsProtocolError(t *testing.T) {
	s, _ := testServer(t)

	_, err := s.Dispatch(context.Background(), Request{Kind: RequestKind(99)})
	assert.ErrorIs(t, err, ErrProtocol)
}

// TestServeRoundTrip exercises the full framed exchange: a client dials
// the socket, sends one request, and reads back the enveloped reply.
func TestServeRoundTrip(t *testing.T) {
	s, _ := testServer(t, testService("web", service.RunLevelDefault))

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve() }()
	waitForSocket(t, s.socketPath)

	conn, err := Dial(s.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	rep, err := Call(conn, Request{Kind: ReqStartService, Name: "web", RunLevel: service.RunLevelDefault})
	require.NoError(t, err)
	assert.Equal(t, RepSuccess, rep.Kind)
	assert.True(t, rep.Success)

	conn2, err := Dial(s.socketPath)
	require.NoError(t, err)
	defer conn2.Close()

	rep, err = Call(conn2, Request{Kind: ReqServiceStatus, Name: "web"})
	require.NoError(t, err)
	assert.Equal(t, RepServiceState, rep.Kind)
	assert.Equal(t, live.Up, rep.State)

	s.Shutdown(context.Background())
	require.NoError(t, <-serveErr)
}

// TestServeRoundTrip_LogicErrorEnvelope verifies the error envelope
// crosses the wire intact.
func TestServeRoundTrip_LogicErrorEnvelope(t *testing.T) {
	s, _ := testServer(t)

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve() }()
	waitForSocket(t, s.socketPath)

	conn, err := Dial(s.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = Call(conn, Request{Kind: ReqServiceStatus, Name: "ghost"})
	require.Error(t, err)
	env, ok := err.(LogicErrorEnvelope)
	require.True(t, ok, "expected a LogicErrorEnvelope, got %T", err)
	assert.Equal(t, service.ServiceNotFound, env.Kind)
	assert.Equal(t, "ghost", env.Service)

	s.Shutdown(context.Background())
	require.NoError(t, <-serveErr)
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := Dial(path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never became dialable", path)
}
