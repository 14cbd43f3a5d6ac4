// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// rsvc is the rinit service-manager daemon. It loads the persisted
// dependency graph, brings up autostart services (Boot runlevel first),
// serves the IPC request socket, watches the graph file for out-of-process
// edits, and exposes a read-only status surface over loopback HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/rinit-org/rinit/internal/graph"
	"github.com/rinit-org/rinit/internal/ipc"
	"github.com/rinit-org/rinit/internal/live"
	"github.com/rinit-org/rinit/internal/service"
	"github.com/rinit-org/rinit/internal/shutdown"
	"github.com/rinit-org/rinit/internal/statusapi"
	"github.com/rinit-org/rinit/internal/supervisor"
)

var (
	version = "0.3"
)

const logBufferLines = 1000

func main() {
	var (
		dataDir     string
		socketPath  string
		statusAddr  string
		showVersion bool
	)

	flag.StringVar(&dataDir, "datadir", "", "Directory holding graph.data (default: per-user data dir)")
	flag.StringVar(&socketPath, "socket", "", "IPC socket path (default: derived from effective UID)")
	flag.StringVar(&statusAddr, "status-addr", "127.0.0.1:4340", "Loopback address for the read-only status API (empty to disable)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("rsvc %s\n", version)
		os.Exit(0)
	}

	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	if socketPath == "" {
		socketPath = ipc.SocketPath()
	}
	graphPath := filepath.Join(dataDir, "graph.data")
	defaultSignal := int(unix.SIGTERM)

	g, err := graph.Load(graphPath, defaultSignal)
	if err != nil {
		log.Fatalf("rinit: load dependency graph: %v", err)
	}
	log.Printf("rinit: loaded %s from %s", g, graphPath)

	sink := supervisor.NewBufferSink(logBufferLines)
	liveGraph := live.New(g, func(svc *service.Service, onUp, onDown func()) live.Supervisor {
		return supervisor.New(svc, sink, onUp, onDown)
	})

	loader := func() (*graph.Graph, error) { return graph.Load(graphPath, defaultSignal) }
	server := ipc.NewServer(liveGraph, loader, socketPath)
	waiter := shutdown.New(liveGraph, server, 0)
	server.NotifyStopAll(waiter.Trigger)

	ctx := context.Background()

	// Out-of-process graph edits (rinitctl enable/disable just rewrite the
	// file) trigger the same reload path an explicit ReloadGraph request
	// takes.
	watcher, err := graph.NewWatcher(graphPath, 0, func() {
		if _, err := server.Dispatch(ctx, ipc.Request{Kind: ipc.ReqReloadGraph}); err != nil {
			log.Printf("rinit: reload after graph file change: %v", err)
		} else {
			log.Printf("rinit: reloaded dependency graph after file change")
		}
	})
	if err != nil {
		log.Printf("rinit: graph file watching disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	var statusServer *statusapi.Server
	if statusAddr != "" {
		statusServer = statusapi.NewServer(statusAddr, liveGraph, sink)
		go func() {
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("rinit: status server: %v", err)
			}
		}()
	}

	go func() {
		if err := server.Serve(); err != nil {
			log.Printf("rinit: ipc server: %v", err)
			waiter.Trigger()
		}
	}()

	logResults("start", liveGraph.StartAll(ctx, service.RunLevelBoot))
	logResults("start", liveGraph.StartAll(ctx, service.RunLevelDefault))

	waiter.Run(ctx)

	if statusServer != nil {
		statusServer.Shutdown(ctx)
	}
	log.Printf("rinit: shutdown complete")
}

func logResults(op string, results map[string]error) {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := results[name]; err != nil {
			log.Printf("rinit: %s %s: %v", op, name, err)
		} else {
			log.Printf("rinit: %s %s: ok", op, name)
		}
	}
}

// defaultDataDir follows the root/user split the socket path uses:
// /var/lib/rinit for root, XDG data dir otherwise.
func defaultDataDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/rinit"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "rinit")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/rinit"
	}
	return filepath.Join(home, ".local", "share", "rinit")
}
