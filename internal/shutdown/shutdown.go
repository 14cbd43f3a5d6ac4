// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package shutdown wires SIGINT/SIGTERM to an orderly stop of every running
// service, grounded on the signal.Notify + sync.Once pattern
// internal/app/app.go uses for its own Run/Shutdown pair.
package shutdown

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rinit-org/rinit/internal/service"
)

// StopAller is the subset of *live.Graph Waiter needs: stop every service
// at a runlevel, dependents-first.
type StopAller interface {
	StopAll(ctx context.Context, rl service.RunLevel) map[string]error
}

// SocketRemover removes the IPC socket file once no more requests will be
// served.
type SocketRemover interface {
	Shutdown(ctx context.Context)
}

// Waiter blocks Run until SIGINT, SIGTERM, or ctx is done, then stops every
// service (Default runlevel before Boot, spec §4.F) and tears down the IPC
// listener.
type Waiter struct {
	live     StopAller
	server   SocketRemover
	timeout  time.Duration
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a Waiter. timeout bounds the whole shutdown sequence; a zero
// value defaults to 30s, matching the teacher's shutdown budget.
func New(live StopAller, server SocketRemover, timeout time.Duration) *Waiter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Waiter{live: live, server: server, timeout: timeout, done: make(chan struct{})}
}

// Trigger requests shutdown without waiting for a signal, used by the
// StopAllServices IPC request (spec §4.E: a client can ask the daemon to
// exit the same way a signal would).
func (w *Waiter) Trigger() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Run blocks until a shutdown signal, ctx cancellation, or Trigger, then
// stops every service and removes the IPC socket.
func (w *Waiter) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Printf("rinit: received signal %v, shutting down", sig)
	case <-ctx.Done():
		log.Printf("rinit: context cancelled, shutting down")
	case <-w.done:
		log.Printf("rinit: shutdown requested, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	w.server.Shutdown(shutdownCtx)
	w.live.StopAll(shutdownCtx, service.RunLevelDefault)
	w.live.StopAll(shutdownCtx, service.RunLevelBoot)
}
