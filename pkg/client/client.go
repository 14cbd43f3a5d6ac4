// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client provides a Go client library for the rinit IPC socket.
//
// rinit is a dependency-aware service manager. This client gives tooling
// typed access to the daemon's request surface: querying service states,
// starting and stopping services at a runlevel, and asking the daemon to
// reload its dependency graph or shut everything down.
//
// Create a client pointing at the daemon's socket:
//
//	c := client.New(client.DefaultSocketPath())
//
//	states, err := c.Status()
//	ok, err := c.Start("web", service.RunLevelDefault)
//
// Each method performs one request/reply exchange on a fresh connection;
// the client holds no long-lived state and is safe for concurrent use.
package client

import (
	"fmt"
	"sort"

	"github.com/rinit-org/rinit/internal/ipc"
	"github.com/rinit-org/rinit/internal/live"
	"github.com/rinit-org/rinit/internal/service"
)

// Client talks to a running rinit daemon over its Unix socket.
type Client struct {
	socketPath string
}

// New creates a client for the daemon listening at socketPath.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// DefaultSocketPath returns the socket path the daemon derives from the
// effective UID at startup.
func DefaultSocketPath() string {
	return ipc.SocketPath()
}

func (c *Client) call(req ipc.Request) (ipc.Reply, error) {
	conn, err := ipc.Dial(c.socketPath)
	if err != nil {
		return ipc.Reply{}, fmt.Errorf("connect to rinit daemon at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	return ipc.Call(conn, req)
}

// NamedState pairs a service with its current state.
type NamedState struct {
	Name  string
	State live.StateKind
}

// Status returns every service's state, sorted by name.
func (c *Client) Status() ([]NamedState, error) {
	rep, err := c.call(ipc.Request{Kind: ipc.ReqServicesStatus})
	if err != nil {
		return nil, err
	}
	if rep.Kind != ipc.RepServicesStates {
		return nil, ipc.ErrProtocol
	}
	out := make([]NamedState, 0, len(rep.States))
	for _, st := range rep.States {
		out = append(out, NamedState{Name: st.Name, State: st.State})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ServiceStatus returns one service's state, awaiting idle first.
func (c *Client) ServiceStatus(name string) (live.StateKind, error) {
	rep, err := c.call(ipc.Request{Kind: ipc.ReqServiceStatus, Name: name})
	if err != nil {
		return live.Down, err
	}
	if rep.Kind != ipc.RepServiceState {
		return live.Down, ipc.ErrProtocol
	}
	return rep.State, nil
}

// Start starts name at the given runlevel, which must match the service's
// declared runlevel.
func (c *Client) Start(name string, rl service.RunLevel) (bool, error) {
	rep, err := c.call(ipc.Request{Kind: ipc.ReqStartService, Name: name, RunLevel: rl})
	if err != nil {
		return false, err
	}
	if rep.Kind != ipc.RepSuccess {
		return false, ipc.ErrProtocol
	}
	return rep.Success, nil
}

// Stop stops name at the given runlevel, which must match the service's
// declared runlevel.
func (c *Client) Stop(name string, rl service.RunLevel) (bool, error) {
	rep, err := c.call(ipc.Request{Kind: ipc.ReqStopService, Name: name, RunLevel: rl})
	if err != nil {
		return false, err
	}
	if rep.Kind != ipc.RepSuccess {
		return false, ipc.ErrProtocol
	}
	return rep.Success, nil
}

// StartAll asks the daemon to start every autostart service, Boot runlevel
// first.
func (c *Client) StartAll() error {
	_, err := c.call(ipc.Request{Kind: ipc.ReqStartAllServices})
	return err
}

// StopAll asks the daemon to stop every service and exit.
func (c *Client) StopAll() error {
	_, err := c.call(ipc.Request{Kind: ipc.ReqStopAllServices})
	return err
}

// Reload asks the daemon to re-read the persisted dependency graph and
// reconcile the running fleet against it.
func (c *Client) Reload() error {
	_, err := c.call(ipc.Request{Kind: ipc.ReqReloadGraph})
	return err
}
