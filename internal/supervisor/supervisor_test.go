// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rinit-org/rinit/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outcome blocks a test goroutine until the supervisor reports Up or Down.
// done is buffered so neither callback blocks on a test goroutine that
// hasn't reached its select yet.
type outcome struct {
	mu   sync.Mutex
	up   bool
	down bool
	done chan struct{}
}

func newOutcome() *outcome {
	return &outcome{done: make(chan struct{}, 2)}
}

func (o *outcome) onUp() func() {
	return func() {
		o.mu.Lock()
		o.up = true
		o.mu.Unlock()
		o.done <- struct{}{}
	}
}

func (o *outcome) onDown() func() {
	return func() {
		o.mu.Lock()
		o.down = true
		o.mu.Unlock()
		o.done <- struct{}{}
	}
}

func oneshotSvc(name, execute string, maxDeaths uint8, timeoutMS uint32) *service.Service {
	return &service.Service{
		Name: name,
		Kind: service.KindOneshot,
		Run: service.Script{
			Prefix:        service.ScriptSh,
			Execute:       execute,
			TimeoutMS:     timeoutMS,
			TimeoutKillMS: 50,
			MaxDeaths:     maxDeaths,
			DownSignal:    int(syscall.SIGTERM),
		},
		Options: service.NewServiceOptions(),
	}
}

func TestSupervisor_OneshotSuccess(t *testing.T) {
	svc := oneshotSvc("ok", "exit 0", 3, 2000)
	o := newOutcome()
	sup := New(svc, nil, o.onUp(), o.onDown())
	sup.Spawn(context.Background())

	select {
	case <-o.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
	assert.True(t, o.up)
}

// TestSupervisor_OneshotExhaustsRetries covers S7: a oneshot that always
// exits 1 with max_deaths=3 must spawn exactly three times and report Down.
func TestSupervisor_OneshotExhaustsRetries(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "attempts")
	svc := oneshotSvc("fail", "echo x >> "+marker+"; exit 1", 3, 2000)

	o := newOutcome()
	sup := New(svc, nil, o.onUp(), o.onDown())
	sup.Spawn(context.Background())

	select {
	case <-o.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
	assert.True(t, o.down)
	assert.False(t, o.up, "onUp must never fire for an exhausted oneshot")

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 3, "must spawn exactly max_deaths times")
}

func TestSupervisor_LongrunTimeoutMeansRunning(t *testing.T) {
	svc := &service.Service{
		Name: "daemon",
		Kind: service.KindLongrun,
		Run: service.Script{
			Prefix:        service.ScriptSh,
			Execute:       "sleep 1",
			TimeoutMS:     1,
			TimeoutKillMS: 500,
			MaxDeaths:     1,
			DownSignal:    int(syscall.SIGTERM),
		},
		Options: service.NewServiceOptions(),
	}

	o := newOutcome()
	sup := New(svc, nil, o.onUp(), o.onDown())
	sup.Spawn(context.Background())

	select {
	case <-o.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for up")
	}
	assert.True(t, o.up, "a still-running longrun after timeout must be reported Up")

	sup.Terminate()
	time.Sleep(200 * time.Millisecond)
}

// TestSupervisor_CapturesOutputLines covers testable property 10: every
// complete line reaches the sink, and a tail without a trailing newline is
// flushed on EOF.
func TestSupervisor_CapturesOutputLines(t *testing.T) {
	svc := oneshotSvc("chatty", `printf 'one\ntwo\n'; printf 'tail' >&2; exit 0`, 1, 2000)
	sink := NewBufferSink(100)

	o := newOutcome()
	sup := New(svc, sink, o.onUp(), o.onDown())
	sup.Spawn(context.Background())

	select {
	case <-o.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	require.True(t, o.up)

	lines := sink.For("chatty").Lines(0)
	var stdout, stderr []string
	for _, l := range lines {
		if l.Stream == "stdout" {
			stdout = append(stdout, l.Line)
		} else {
			stderr = append(stderr, l.Line)
		}
	}
	assert.Equal(t, []string{"one", "two"}, stdout)
	assert.Equal(t, []string{"tail"}, stderr, "unterminated tail bytes must be flushed on EOF")
}

// TestSupervisor_NotifyFdReadiness verifies notify-style readiness: the
// service is Up as soon as the declared fd becomes readable, well before
// the start timeout.
func TestSupervisor_NotifyFdReadiness(t *testing.T) {
	notifyFd := 3
	svc := &service.Service{
		Name: "notifier",
		Kind: service.KindLongrun,
		Run: service.Script{
			Prefix:        service.ScriptSh,
			Execute:       "echo ready >&3; sleep 10",
			TimeoutMS:     5000,
			TimeoutKillMS: 100,
			MaxDeaths:     1,
			DownSignal:    int(syscall.SIGTERM),
			Notify:        &notifyFd,
		},
		Options: service.NewServiceOptions(),
	}

	o := newOutcome()
	start := time.Now()
	sup := New(svc, nil, o.onUp(), o.onDown())
	sup.Spawn(context.Background())

	select {
	case <-o.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for readiness")
	}
	assert.True(t, o.up)
	assert.Less(t, time.Since(start), time.Second, "readiness must come from the notify fd, not the timeout")

	sup.Terminate()
	time.Sleep(300 * time.Millisecond)
}

func TestSupervisor_OneshotTimeoutKillsLongSleep(t *testing.T) {
	svc := &service.Service{
		Name: "slow",
		Kind: service.KindOneshot,
		Run: service.Script{
			Prefix:        service.ScriptSh,
			Execute:       "sleep 15",
			TimeoutMS:     10,
			TimeoutKillMS: 10,
			MaxDeaths:     1,
			DownSignal:    int(syscall.SIGUSR1),
		},
		Options: service.NewServiceOptions(),
	}

	o := newOutcome()
	start := time.Now()
	sup := New(svc, nil, o.onUp(), o.onDown())
	sup.Spawn(context.Background())

	select {
	case <-o.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	elapsed := time.Since(start)
	assert.False(t, o.up)
	assert.Less(t, elapsed, 2*time.Second)
	require.NotNil(t, sup)
}
