// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// rinitctl is the operator tool for a running rsvc daemon. enable and
// disable edit the persisted dependency graph on disk (the daemon watches
// the file and reloads); start, stop, status and reload talk to the daemon
// over its IPC socket.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/rinit-org/rinit/internal/graph"
	"github.com/rinit-org/rinit/internal/ipc"
	"github.com/rinit-org/rinit/internal/service"
	"github.com/rinit-org/rinit/pkg/client"
)

var (
	version = "0.3"

	apiClient *client.Client
)

func main() {
	socketPath := ipc.SocketPath()
	if env := os.Getenv("RINIT_SOCKET"); env != "" {
		socketPath = env
	}
	apiClient = client.New(socketPath)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "enable":
		err = cmdEnable(args)
	case "disable":
		err = cmdDisable(args)
	case "start":
		err = cmdStart(args)
	case "stop":
		err = cmdStop(args)
	case "status":
		err = cmdStatus(args)
	case "reload":
		err = cmdReload(args)
	case "version", "-v", "--version":
		fmt.Printf("rinitctl %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`rinitctl - Control a running rinit daemon

Usage:
  rinitctl <command> [arguments]

Environment:
  RINIT_SOCKET        IPC socket path (default: derived from effective UID)
  RINIT_SERVICE_DIR   Service definition directory
  RINIT_DATA_DIR      Directory holding graph.data

Commands:
  enable [--atomic-changes] [--runlevel=<boot|default>] <svc>...
                      Add services (and their dependencies) to the graph
  disable [--atomic-changes] <svc>...
                      Remove services from the graph
  start [--runlevel=<boot|default>] <svc>...
                      Start services (runlevel must match the declaration)
  stop [--runlevel=<boot|default>] <svc>...
                      Stop services (runlevel must match the declaration)
  status [<svc>...]   Show service states
  reload              Re-read the dependency graph and reconcile`)
}

// splitFlags separates leading --flag / --flag=value arguments from the
// positional service names. Unknown flags are an error.
func splitFlags(args []string, known map[string]bool) (map[string]string, []string, error) {
	flags := make(map[string]string)
	var names []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			names = append(names, arg)
			continue
		}
		key, value := arg, "true"
		if i := strings.Index(arg, "="); i >= 0 {
			key, value = arg[:i], arg[i+1:]
		}
		if !known[key] {
			return nil, nil, fmt.Errorf("unknown flag %s", key)
		}
		flags[key] = value
	}
	return flags, names, nil
}

// checkDuplicates rejects repeated names, reporting which name duplicated.
func checkDuplicates(names []string) error {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return fmt.Errorf("duplicate service name %q", name)
		}
		seen[name] = true
	}
	return nil
}

func requireNames(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("at least one service name is required")
	}
	return checkDuplicates(names)
}

func graphPath() string {
	dir := os.Getenv("RINIT_DATA_DIR")
	if dir == "" {
		if os.Geteuid() == 0 {
			dir = "/var/lib/rinit"
		} else if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			dir = filepath.Join(xdg, "rinit")
		} else if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share", "rinit")
		} else {
			dir = "/tmp/rinit"
		}
	}
	return filepath.Join(dir, "graph.data")
}

func serviceDir() string {
	if dir := os.Getenv("RINIT_SERVICE_DIR"); dir != "" {
		return dir
	}
	if os.Geteuid() == 0 {
		return "/etc/rinit/service"
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rinit", "service")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/rinit/service"
	}
	return filepath.Join(home, ".config", "rinit", "service")
}

func defaultSignal() int {
	return int(unix.SIGTERM)
}

func cmdEnable(args []string) error {
	flags, names, err := splitFlags(args, map[string]bool{"--atomic-changes": true, "--runlevel": true})
	if err != nil {
		return err
	}
	if err := requireNames(names); err != nil {
		return err
	}

	var runlevel *service.RunLevel
	if rlStr, ok := flags["--runlevel"]; ok {
		rl, err := service.ParseRunLevel(rlStr)
		if err != nil {
			return err
		}
		runlevel = &rl
	}

	g, err := graph.Load(graphPath(), defaultSignal())
	if err != nil {
		return err
	}

	atomic := flags["--atomic-changes"] == "true"
	var failed bool
	if atomic {
		resolved, err := resolveClosure(serviceDir(), names, runlevel, defaultSignal())
		if err != nil {
			return err
		}
		if err := g.AddServices(names, resolved); err != nil {
			return err
		}
		for _, name := range names {
			fmt.Printf("%s: enabled\n", name)
		}
	} else {
		for _, name := range names {
			resolved, err := resolveClosure(serviceDir(), []string{name}, runlevel, defaultSignal())
			if err == nil {
				err = g.AddServices([]string{name}, resolved)
			}
			if err != nil {
				failed = true
				fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
				continue
			}
			fmt.Printf("%s: enabled\n", name)
		}
	}

	if err := g.Save(graphPath(), defaultSignal()); err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("some services could not be enabled")
	}
	return nil
}

func cmdDisable(args []string) error {
	flags, names, err := splitFlags(args, map[string]bool{"--atomic-changes": true})
	if err != nil {
		return err
	}
	if err := requireNames(names); err != nil {
		return err
	}

	g, err := graph.Load(graphPath(), defaultSignal())
	if err != nil {
		return err
	}

	var failed bool
	if flags["--atomic-changes"] == "true" {
		if err := g.DisableServices(names); err != nil {
			return err
		}
		for _, name := range names {
			fmt.Printf("%s: disabled\n", name)
		}
	} else {
		for _, name := range names {
			if err := g.DisableServices([]string{name}); err != nil {
				failed = true
				fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
				continue
			}
			fmt.Printf("%s: disabled\n", name)
		}
	}

	if err := g.Save(graphPath(), defaultSignal()); err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("some services could not be disabled")
	}
	return nil
}

func parseRunlevelFlag(flags map[string]string) (service.RunLevel, error) {
	return service.ParseRunLevel(flags["--runlevel"])
}

func cmdStart(args []string) error {
	flags, names, err := splitFlags(args, map[string]bool{"--runlevel": true})
	if err != nil {
		return err
	}
	if err := requireNames(names); err != nil {
		return err
	}
	rl, err := parseRunlevelFlag(flags)
	if err != nil {
		return err
	}

	var failed bool
	for _, name := range names {
		ok, err := apiClient.Start(name, rl)
		switch {
		case err != nil:
			failed = true
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		case !ok:
			failed = true
			fmt.Fprintf(os.Stderr, "%s: failed to start\n", name)
		default:
			fmt.Printf("%s: started\n", name)
		}
	}
	if failed {
		return fmt.Errorf("some services failed to start")
	}
	return nil
}

func cmdStop(args []string) error {
	flags, names, err := splitFlags(args, map[string]bool{"--runlevel": true})
	if err != nil {
		return err
	}
	if err := requireNames(names); err != nil {
		return err
	}
	rl, err := parseRunlevelFlag(flags)
	if err != nil {
		return err
	}

	var failed bool
	for _, name := range names {
		ok, err := apiClient.Stop(name, rl)
		switch {
		case err != nil:
			failed = true
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		case !ok:
			failed = true
			fmt.Fprintf(os.Stderr, "%s: failed to stop\n", name)
		default:
			fmt.Printf("%s: stopped\n", name)
		}
	}
	if failed {
		return fmt.Errorf("some services failed to stop")
	}
	return nil
}

func cmdStatus(args []string) error {
	_, names, err := splitFlags(args, map[string]bool{})
	if err != nil {
		return err
	}
	if err := checkDuplicates(names); err != nil {
		return err
	}

	if len(names) == 0 {
		states, err := apiClient.Status()
		if err != nil {
			return err
		}
		for _, st := range states {
			fmt.Printf("%s: %s\n", st.Name, st.State)
		}
		return nil
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	var failed bool
	for _, name := range sorted {
		st, err := apiClient.ServiceStatus(name)
		if err != nil {
			failed = true
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			continue
		}
		fmt.Printf("%s: %s\n", name, st)
	}
	if failed {
		return fmt.Errorf("some services could not be queried")
	}
	return nil
}

func cmdReload(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("reload takes no arguments")
	}
	return apiClient.Reload()
}
