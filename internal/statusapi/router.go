// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package statusapi serves a strictly read-only, loopback-bound HTTP view
// of the live service graph: current states, per-service detail, and a
// WebSocket tail of captured service output. Mutating requests stay on the
// IPC socket; this surface never accepts them.
package statusapi

import (
	"bufio"
	"context"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"

	"github.com/rinit-org/rinit/internal/live"
	"github.com/rinit-org/rinit/internal/supervisor"
)

// NewRouter builds the read-only route table.
func NewRouter(liveGraph *live.Graph, logs *supervisor.BufferSink) *mux.Router {
	r := mux.NewRouter()
	r.Use(logging)
	r.Use(recovery)

	serviceHandler := NewServiceHandler(liveGraph, logs)
	r.HandleFunc("/services", serviceHandler.List).Methods("GET")
	r.HandleFunc("/services/{name}", serviceHandler.Get).Methods("GET")
	r.HandleFunc("/services/{name}/logs", serviceHandler.Logs).Methods("GET")
	r.HandleFunc("/services/{name}/logs/ws", serviceHandler.LogsWS).Methods("GET")

	return r
}

// Server wraps the router in an http.Server bound to a loopback address.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates the status server. addr should be a loopback address;
// nothing here authenticates callers.
func NewServer(addr string, liveGraph *live.Graph, logs *supervisor.BufferSink) *Server {
	return &Server{
		addr:   addr,
		server: &http.Server{Addr: addr, Handler: NewRouter(liveGraph, logs)},
	}
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	log.Printf("rinit: status server listening on http://%s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return s.server.Shutdown(shutdownCtx)
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Hijack implements http.Hijacker for WebSocket support.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// logging logs HTTP requests.
func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("rinit: %s %s %d %s", r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

// recovery recovers from handler panics.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("rinit: panic recovered: %v\n%s", err, debug.Stack())
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":{"code":"INTERNAL_ERROR","message":"Internal server error"}}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
