// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rinit-org/rinit/internal/graph"
	"github.com/rinit-org/rinit/internal/live"
	"github.com/rinit-org/rinit/internal/service"
	"github.com/rinit-org/rinit/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSupervisor struct {
	onUp func()
}

func (f *fakeSupervisor) Spawn(ctx context.Context) {
	go func() {
		time.Sleep(2 * time.Millisecond)
		f.onUp()
	}()
}

func (f *fakeSupervisor) Terminate() {}

func testFixture(t *testing.T) (*live.Graph, *supervisor.BufferSink) {
	t.Helper()
	opts := service.NewServiceOptions()
	svc := &service.Service{
		Name:    "web",
		Kind:    service.KindLongrun,
		Run:     service.Script{Execute: "/bin/web", TimeoutMS: 100, TimeoutKillMS: 100, MaxDeaths: 1}.WithDefaults(15),
		Options: opts,
	}
	g := graph.New()
	require.NoError(t, g.AddServices([]string{"web"}, []*service.Service{svc}))

	lg := live.New(g, func(svc *service.Service, onUp, onDown func()) live.Supervisor {
		return &fakeSupervisor{onUp: onUp}
	})
	return lg, supervisor.NewBufferSink(100)
}

func get(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServicesList(t *testing.T) {
	lg, sink := testFixture(t)
	srv := httptest.NewServer(NewRouter(lg, sink))
	defer srv.Close()

	var resp struct {
		Data []ServiceView `json:"data"`
	}
	status := get(t, srv.URL+"/services", &resp)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "web", resp.Data[0].Name)
	assert.Equal(t, "longrun", resp.Data[0].Kind)
	assert.Equal(t, "down", resp.Data[0].State)
	assert.Equal(t, "default", resp.Data[0].RunLevel)
}

func TestServiceGet(t *testing.T) {
	lg, sink := testFixture(t)
	srv := httptest.NewServer(NewRouter(lg, sink))
	defer srv.Close()

	var resp struct {
		Data ServiceView `json:"data"`
	}
	status := get(t, srv.URL+"/services/web", &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "web", resp.Data.Name)

	status = get(t, srv.URL+"/services/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServiceLogs(t *testing.T) {
	lg, sink := testFixture(t)
	srv := httptest.NewServer(NewRouter(lg, sink))
	defer srv.Close()

	sink.Write("web", supervisor.LogLine{Stream: "stdout", Line: "hello"})
	sink.Write("web", supervisor.LogLine{Stream: "stderr", Line: "oops"})

	var resp struct {
		Data struct {
			Service string               `json:"service"`
			Lines   []supervisor.LogLine `json:"lines"`
		} `json:"data"`
	}
	status := get(t, srv.URL+"/services/web/logs", &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "web", resp.Data.Service)
	require.Len(t, resp.Data.Lines, 2)
	assert.Equal(t, "hello", resp.Data.Lines[0].Line)
	assert.Equal(t, "stderr", resp.Data.Lines[1].Stream)
}

func TestMutatingMethodsRejected(t *testing.T) {
	lg, sink := testFixture(t)
	srv := httptest.NewServer(NewRouter(lg, sink))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/services/web", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
