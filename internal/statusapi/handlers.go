// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package statusapi

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/rinit-org/rinit/internal/live"
	"github.com/rinit-org/rinit/internal/supervisor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServiceView is the JSON shape of one live service.
type ServiceView struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	RunLevel string `json:"runlevel"`
}

// ServiceHandler serves the read-only service views.
type ServiceHandler struct {
	live *live.Graph
	logs *supervisor.BufferSink
}

// NewServiceHandler creates a new service handler.
func NewServiceHandler(liveGraph *live.Graph, logs *supervisor.BufferSink) *ServiceHandler {
	return &ServiceHandler{live: liveGraph, logs: logs}
}

func (h *ServiceHandler) view(name string) (ServiceView, bool) {
	svc, ok := h.live.Service(name)
	if !ok {
		return ServiceView{}, false
	}
	st, _ := h.live.State(name)
	return ServiceView{
		Name:     name,
		Kind:     svc.Kind.String(),
		State:    st.String(),
		RunLevel: svc.RunLevel().String(),
	}, true
}

// List returns every live service, sorted by name.
func (h *ServiceHandler) List(w http.ResponseWriter, r *http.Request) {
	names := h.live.Names()
	sort.Strings(names)
	views := make([]ServiceView, 0, len(names))
	for _, name := range names {
		if v, ok := h.view(name); ok {
			views = append(views, v)
		}
	}
	WriteJSON(w, http.StatusOK, views)
}

// Get returns a single service by name.
func (h *ServiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	v, ok := h.view(name)
	if !ok {
		WriteError(w, http.StatusNotFound, ErrNotFound, "service not found")
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

// Logs returns the most recent captured output lines for a service.
func (h *ServiceHandler) Logs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	if _, ok := h.live.Service(name); !ok {
		WriteError(w, http.StatusNotFound, ErrNotFound, "service not found")
		return
	}

	lines := 100
	if linesStr := r.URL.Query().Get("lines"); linesStr != "" {
		if n, err := strconv.Atoi(linesStr); err == nil && n > 0 {
			lines = n
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"service": name,
		"lines":   h.logs.For(name).Lines(lines),
	})
}

// LogsWS streams captured output lines over a WebSocket, starting with the
// current buffer contents.
func (h *ServiceHandler) LogsWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	if _, ok := h.live.Service(name); !ok {
		WriteError(w, http.StatusNotFound, ErrNotFound, "service not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	buf := h.logs.For(name)
	ch := buf.Subscribe()
	defer buf.Unsubscribe(ch)

	for _, line := range buf.Lines(0) {
		if err := conn.WriteJSON(line); err != nil {
			return
		}
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(54 * time.Second)
	defer pingTicker.Stop()

	// Read goroutine (for close detection)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(line); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
