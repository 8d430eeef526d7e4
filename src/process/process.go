// Package process implements generic subprocess management functions used by
// the memoization engine to run build commands with a timeout.
package process

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/please-build/swarming/src/logging"
)

var log = logging.Log

// An Executor handles starting, running and monitoring a set of subprocesses,
// escalating from SIGTERM to SIGKILL if a command outlives its timeout.
type Executor struct {
	processes map[*exec.Cmd]<-chan error
	mutex     sync.Mutex
}

// New returns a new Executor.
func New() *Executor {
	return &Executor{
		processes: map[*exec.Cmd]<-chan error{},
	}
}

// ExecWithTimeout runs an external command with a timeout.
// If the command times out the returned error will be a context.DeadlineExceeded error.
// It returns stdout alone, the combined stdout+stderr, and any error that occurred.
func (e *Executor) ExecWithTimeout(ctx context.Context, dir string, env []string, timeout time.Duration, argv []string) ([]byte, []byte, error) {
	// We deliberately don't attach this context to the command itself, so we retain
	// full control over how the process is terminated.
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := e.ExecCommand(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(cmd.Env, env...)

	var out bytes.Buffer
	var outerr safeBuffer
	cmd.Stdout = io.MultiWriter(&out, &outerr)
	cmd.Stderr = &outerr

	go logProgress(ctx, argv)

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	ch := make(chan error, 1)
	e.registerProcess(cmd, ch)
	defer e.removeProcess(cmd)
	go runCommand(cmd, ch)
	var err error
	select {
	case err = <-ch:
	case <-ctx.Done():
		err = ctx.Err()
		e.KillProcess(cmd)
	}
	return out.Bytes(), outerr.Bytes(), err
}

// runCommand runs a command and signals on the given channel when it's done.
func runCommand(cmd *exec.Cmd, ch chan<- error) {
	ch <- cmd.Wait()
}

// KillProcess kills a process, attempting to send it a SIGTERM first followed by a SIGKILL
// shortly after if it hasn't exited.
func (e *Executor) KillProcess(cmd *exec.Cmd) {
	e.killProcess(cmd, e.processChan(cmd))
}

func (e *Executor) killProcess(cmd *exec.Cmd, ch <-chan error) {
	success := sendSignal(cmd, ch, syscall.SIGTERM, 30*time.Millisecond)
	if !sendSignal(cmd, ch, syscall.SIGKILL, time.Second) && !success {
		log.Error("Failed to kill inferior process")
	}
	e.removeProcess(cmd)
}

func (e *Executor) removeProcess(cmd *exec.Cmd) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.processes, cmd)
}

// registerProcess stores the given process in this executor's map.
func (e *Executor) registerProcess(cmd *exec.Cmd, ch <-chan error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.processes[cmd] = ch
}

// processChan returns the error channel for a process.
func (e *Executor) processChan(cmd *exec.Cmd) <-chan error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.processes[cmd]
}

// sendSignal sends a single signal to the process in an attempt to stop it.
// It returns true if the process exited within the timeout.
func sendSignal(cmd *exec.Cmd, ch <-chan error, sig syscall.Signal, timeout time.Duration) bool {
	if cmd.Process == nil {
		log.Debug("Not terminating process, it seems to have not started yet")
		return false
	}
	log.Debug("Sending signal %s to -%d", sig, cmd.Process.Pid)
	syscall.Kill(-cmd.Process.Pid, sig) // Kill the group - we always set one in ExecCommand.
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// logProgress logs a message once a minute until the given context has expired,
// so a long-running memoized command doesn't look hung.
func logProgress(ctx context.Context, argv []string) {
	t := time.NewTicker(1 * time.Minute)
	defer t.Stop()
	for i := 1; i < 1000000; i++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			log.Notice("%s still running after %d minute(s)", argv[0], i)
		}
	}
}

// safeBuffer is an io.Writer that ensures that only one thread writes to it at a time.
type safeBuffer struct {
	sync.Mutex
	buf bytes.Buffer
}

func (sb *safeBuffer) Write(b []byte) (int, error) {
	sb.Lock()
	defer sb.Unlock()
	return sb.buf.Write(b)
}

func (sb *safeBuffer) Bytes() []byte {
	return sb.buf.Bytes()
}

func (sb *safeBuffer) String() string {
	return sb.buf.String()
}

// killAll kills all subprocesses of this executor.
func (e *Executor) killAll() {
	e.mutex.Lock()
	var wg sync.WaitGroup
	wg.Add(len(e.processes))
	defer wg.Wait()
	defer e.mutex.Unlock()
	for proc, ch := range e.processes {
		go func(proc *exec.Cmd, ch <-chan error) {
			e.killProcess(proc, ch)
			wg.Done()
		}(proc, ch)
	}
}

// ExecCommand is a utility function that runs the given command with few options.
func ExecCommand(args ...string) ([]byte, error) {
	e := New()
	cmd := e.ExecCommand(args[0], args[1:]...)
	defer e.removeProcess(cmd)
	return cmd.CombinedOutput()
}

// BashCommand returns the command that we'd use to execute a subprocess in a shell with.
func BashCommand(binary, command string, exitOnError bool) []string {
	if exitOnError {
		return []string{binary, "--noprofile", "--norc", "-e", "-u", "-o", "pipefail", "-c", command}
	}
	return []string{binary, "--noprofile", "--norc", "-u", "-o", "pipefail", "-c", command}
}
