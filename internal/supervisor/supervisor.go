// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package supervisor implements per-service child process control: spawn
// with environment/user/group/signal-mask setup, a readiness pipe for
// notify-style services, retry with max-deaths, graceful kill escalating
// to SIGKILL, process-group cleanup, and stdout/stderr log capture (spec
// §4.D). It ports the fork/pipe/kill skeleton of the teacher's
// internal/service/process.go, generalized to the richer Script type this
// spec requires.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	goPs "github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"

	"github.com/rinit-org/rinit/internal/service"
)

// Supervisor owns one child process at a time for a single Oneshot or
// Longrun service.
type Supervisor struct {
	name    string
	run     service.Script
	finish  *service.Script
	env     map[string]string
	oneshot bool

	sink LogSink

	onUp   func()
	onDown func()

	mu          sync.Mutex
	cmd         *exec.Cmd
	exitCh      chan error // receives the one cmd.Wait result per launch
	terminateCh chan struct{}
	terminated  bool
}

// New builds a Supervisor for svc. onUp is called once the child is
// considered ready (Running for a longrun, exited 0 for a oneshot); onDown
// is called once the service is Down: retries exhausted, the supervisor
// terminated, or a oneshot's stop script has run.
func New(svc *service.Service, sink LogSink, onUp, onDown func()) *Supervisor {
	s := &Supervisor{
		name:        svc.Name,
		run:         svc.Run,
		finish:      svc.Finish,
		env:         svc.Environment,
		oneshot:     svc.Kind == service.KindOneshot,
		sink:        sink,
		onUp:        onUp,
		onDown:      onDown,
		terminateCh: make(chan struct{}),
	}
	return s
}

// Spawn launches the child asynchronously, retrying up to Run.MaxDeaths
// times, and reports the outcome via onUp/onDown (spec §4.D start()). A
// successfully completed oneshot stays Up until Terminate, at which point
// its stop script runs and Down is reported; a longrun enters the
// supervise loop.
func (s *Supervisor) Spawn(ctx context.Context) {
	go func() {
		if !s.start(ctx) {
			s.onDown()
			return
		}
		s.onUp()
		if s.oneshot {
			<-s.terminateCh
			if s.finish != nil {
				s.runFinish(ctx)
			}
			s.onDown()
			return
		}
		s.supervise(ctx)
	}()
}

// Terminate requests a graceful shutdown of the running child (spec §4.D
// kill). It is safe to call multiple times.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.terminated = true
	close(s.terminateCh)
}

// start attempts up to MaxDeaths launches, racing each against the
// configured timeout (spec §4.D start(), steps 1-8).
func (s *Supervisor) start(ctx context.Context) bool {
	maxDeaths := s.run.MaxDeaths
	if maxDeaths == 0 {
		maxDeaths = service.DefaultMaxDeaths
	}

	for attempt := uint8(1); attempt <= maxDeaths; attempt++ {
		select {
		case <-s.terminateCh:
			return false
		default:
		}

		ready, exited := s.launch(ctx)
		if ready {
			return true
		}
		if exited && s.finish != nil {
			s.runFinish(ctx)
		}
		log.Printf("rinit: service %s death %d/%d", s.name, attempt, maxDeaths)
	}
	return false
}

// launch spawns one child and races its exit against the timeout. It
// returns ready=true once the child is considered Up (oneshot exited 0,
// or longrun/notify-fd signalled readiness, or the timeout elapsed for a
// longrun with no notify fd); exited reports whether the child process
// itself has already terminated.
func (s *Supervisor) launch(ctx context.Context) (ready, exited bool) {
	cmd, pipes, err := s.buildCmd()
	if err != nil {
		log.Printf("rinit: service %s: %v", s.name, err)
		return false, true
	}

	if err := cmd.Start(); err != nil {
		pipes.closeAll()
		log.Printf("rinit: service %s: start: %v", s.name, err)
		return false, true
	}
	// The child holds its own copies now.
	pipes.closeChildEnds()

	exitCh := make(chan error, 1)
	s.mu.Lock()
	s.cmd = cmd
	s.exitCh = exitCh
	s.mu.Unlock()

	logDone := make(chan struct{})
	go s.captureLoop(pipes.stdoutR, pipes.stderrR, logDone)

	go func() { exitCh <- cmd.Wait() }()

	var notifyCh chan struct{}
	if pipes.notifyRead != nil {
		notifyCh = make(chan struct{})
		notifyRead := pipes.notifyRead
		go func() {
			buf := make([]byte, 1)
			notifyRead.Read(buf) // readable or EOF both signal readiness
			close(notifyCh)
			notifyRead.Close()
		}()
	}

	timeout := time.Duration(s.run.TimeoutMS) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-exitCh:
		<-logDone
		if s.oneshot && err == nil {
			return true, true
		}
		return false, true
	case <-notifyCh:
		return true, false
	case <-timer.C:
		if s.oneshot {
			s.kill(exitCh)
			<-logDone
			return false, true
		}
		// Longrun with no notify fd: a still-running child after the
		// timeout is considered Up (spec §4.D step 8).
		return true, false
	case <-s.terminateCh:
		s.kill(exitCh)
		<-logDone
		return false, true
	}
}

// supervise waits for the running child to exit (triggering the restart
// loop) or for an external terminate request (graceful kill), per spec
// §4.D supervise().
func (s *Supervisor) supervise(ctx context.Context) {
	for {
		s.mu.Lock()
		exitCh := s.exitCh
		s.mu.Unlock()

		select {
		case <-exitCh:
			s.onDown()
			if s.finish != nil {
				s.runFinish(ctx)
			}
			if s.start(ctx) {
				s.onUp()
				continue
			}
			return
		case <-s.terminateCh:
			s.kill(exitCh)
			if s.finish != nil {
				s.runFinish(ctx)
			}
			s.onDown()
			return
		}
	}
}

func (s *Supervisor) runFinish(ctx context.Context) {
	script := *s.finish
	finishSup := New(&service.Service{Name: s.name + ".finish", Kind: service.KindOneshot, Run: script, Environment: s.env}, s.sink, func() {}, func() {})
	finishSup.start(ctx)
}

// kill sends down_signal to the child, races timeout_kill against exit,
// escalates to SIGKILL, and finally SIGKILLs the whole process group to
// reap stray children (spec §4.D kill(), invariant #9). exited is the
// launch's exit channel; kill owns draining it, so callers must not read
// it again afterwards.
func (s *Supervisor) kill(exited <-chan error) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	pgid := pid

	downSignal := unix.Signal(s.run.DownSignal)
	if s.run.DownSignal == 0 {
		downSignal = unix.SIGTERM
	}
	unix.Kill(pid, downSignal)

	killTimeout := time.Duration(s.run.TimeoutKillMS) * time.Millisecond
	select {
	case <-exited:
	case <-time.After(killTimeout):
		unix.Kill(pid, unix.SIGKILL)
		select {
		case <-exited:
		case <-time.After(time.Second):
		}
	}

	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		log.Printf("rinit: service %s: signal process group %d: %v", s.name, pgid, err)
	}
	if stragglers := processesInGroup(pgid); len(stragglers) > 0 {
		log.Printf("rinit: service %s: %d straggler process(es) remained in group %d after SIGKILL", s.name, len(stragglers), pgid)
	}
}

// processesInGroup enumerates live processes rooted at pgid purely for the
// diagnostic log line above; the kill itself is the syscall above it.
func processesInGroup(pgid int) []int {
	procs, err := goPs.Processes()
	if err != nil {
		return nil
	}
	var out []int
	for _, p := range procs {
		if pgidOf(p.Pid()) == pgid {
			out = append(out, p.Pid())
		}
	}
	return out
}

func pgidOf(pid int) int {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return -1
	}
	return pgid
}

// childPipes holds the file descriptors created for one launch: the
// stdout/stderr pair and the optional notify pipe. The supervisor keeps
// the read ends; the write ends belong to the child and are closed in the
// parent right after fork.
type childPipes struct {
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
	notifyRead       *os.File
	notifyWrite      *os.File
	devNull          *os.File // ExtraFiles padding below the notify fd
}

func (p *childPipes) closeChildEnds() {
	p.stdoutW.Close()
	p.stderrW.Close()
	if p.notifyWrite != nil {
		p.notifyWrite.Close()
	}
	if p.devNull != nil {
		p.devNull.Close()
	}
}

func (p *childPipes) closeAll() {
	p.closeChildEnds()
	p.stdoutR.Close()
	p.stderrR.Close()
	if p.notifyRead != nil {
		p.notifyRead.Close()
	}
}

// buildCmd constructs the exec.Cmd for one launch attempt: interpreter
// selection, user/group credential resolution, process-group detachment,
// signal unblocking, environment merge, stdio pipes, and the optional
// notify fd (spec §4.D steps 1-7). Explicit os.Pipe pairs are used instead
// of cmd.StdoutPipe so cmd.Wait never closes a pipe the capture goroutine
// is still draining.
func (s *Supervisor) buildCmd() (*exec.Cmd, *childPipes, error) {
	argv, err := s.argv()
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = mergeEnv(os.Environ(), s.env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if s.run.User != "" || s.run.Group != "" {
		cred, cerr := resolveCredential(s.run.User, s.run.Group)
		if cerr != nil {
			return nil, nil, cerr
		}
		cmd.SysProcAttr.Credential = cred
	}

	pipes := &childPipes{}
	pipes.stdoutR, pipes.stdoutW, err = os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	pipes.stderrR, pipes.stderrW, err = os.Pipe()
	if err != nil {
		pipes.stdoutR.Close()
		pipes.stdoutW.Close()
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = pipes.stdoutW
	cmd.Stderr = pipes.stderrW

	if s.run.Notify != nil {
		notifyRead, notifyWrite, perr := os.Pipe()
		if perr != nil {
			pipes.closeAll()
			return nil, nil, fmt.Errorf("notify pipe: %w", perr)
		}
		// exec.Cmd assigns ExtraFiles sequentially starting at fd 3 in the
		// child, so pad with /dev/null to land the write end on the
		// declared notify fd number.
		devNull, nerr := os.Open(os.DevNull)
		if nerr != nil {
			notifyRead.Close()
			notifyWrite.Close()
			pipes.closeAll()
			return nil, nil, fmt.Errorf("open %s: %w", os.DevNull, nerr)
		}
		for fd := 3; fd < *s.run.Notify; fd++ {
			cmd.ExtraFiles = append(cmd.ExtraFiles, devNull)
		}
		cmd.ExtraFiles = append(cmd.ExtraFiles, notifyWrite)
		pipes.notifyRead = notifyRead
		pipes.notifyWrite = notifyWrite
		pipes.devNull = devNull
	}

	return cmd, pipes, nil
}

func (s *Supervisor) argv() ([]string, error) {
	execute := s.run.Execute
	switch s.run.Prefix {
	case service.ScriptBash:
		return []string{"bash", "-c", execute}, nil
	case service.ScriptSh:
		return []string{"sh", "-c", execute}, nil
	case service.ScriptPath:
		fields := strings.Fields(execute)
		if len(fields) == 0 {
			return nil, fmt.Errorf("service %s: empty execute", s.name)
		}
		return fields, nil
	default:
		return []string{"sh", "-c", execute}, nil
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	out := append([]string(nil), base...)
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

func resolveCredential(userName, groupName string) (*syscall.Credential, error) {
	cred := &syscall.Credential{}
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return nil, fmt.Errorf("resolve user %q: %w", userName, err)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return nil, fmt.Errorf("user %q: invalid uid %q", userName, u.Uid)
		}
		cred.Uid = uint32(uid)
		if groupName == "" {
			gid, err := strconv.Atoi(u.Gid)
			if err == nil {
				cred.Gid = uint32(gid)
			}
		}
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return nil, fmt.Errorf("resolve group %q: %w", groupName, err)
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return nil, fmt.Errorf("group %q: invalid gid %q", groupName, g.Gid)
		}
		cred.Gid = uint32(gid)
	}
	return cred, nil
}

// captureLoop reads both pipes concurrently, buffering partial lines
// across reads and emitting full lines tagged by stream; it flushes any
// tail on EOF (spec §4.D, testable property 10).
func (s *Supervisor) captureLoop(stdout, stderr *os.File, done chan struct{}) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.captureStream("stdout", stdout) }()
	go func() { defer wg.Done(); s.captureStream("stderr", stderr) }()
	wg.Wait()
	close(done)
}

func (s *Supervisor) captureStream(stream string, r *os.File) {
	defer r.Close()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			if s.sink != nil {
				s.sink.Write(s.name, LogLine{Stream: stream, Line: line})
			}
		}
		if err != nil {
			return
		}
	}
}
