// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package supervisor launches and owns the wrapped language-server process.
// It exposes the child's stdin/stdout byte streams to the proxy loop,
// forwards the child's stderr to a diagnostic sink on a dedicated goroutine,
// and manages graceful-then-forced termination.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
)

const (
	// UnknownExitCode indicates the child's exit code was not captured.
	UnknownExitCode int32 = -1

	// DefaultShutdownTimeout is how long Shutdown waits for the child to
	// terminate gracefully before escalating to a forced kill.
	DefaultShutdownTimeout = 5 * time.Second
)

// State describes the lifecycle of the wrapped server process.
type State int

const (
	// Running indicates the child process is alive.
	Running State = iota
	// Terminating indicates a shutdown was requested and is in progress.
	Terminating
	// Stopped indicates the child process has exited and been reaped.
	Stopped
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures Start.
type Options struct {
	// Diagnostics receives the child's stderr output. If nil, the proxy's
	// own stderr is used.
	Diagnostics io.Writer

	// ShutdownTimeout overrides DefaultShutdownTimeout when positive.
	ShutdownTimeout time.Duration

	// Logger is the logger for the supervisor. If unset, logging is disabled.
	Logger logr.Logger
}

// ServerProcess is the handle to a launched server. It exclusively owns the
// child's three streams and its lifecycle; callers read and write through
// Stdin/Stdout and request termination through Shutdown.
type ServerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	shutdownTimeout time.Duration
	log             logr.Logger

	// done is closed once the process has exited and been reaped.
	done chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error

	mu       sync.Mutex
	state    State
	exitCode int32
	exitErr  error
}

// Start launches the server process described by command and args.
// The child's stderr is forwarded to the diagnostic sink until end-of-stream
// so the server's own logs remain visible. A launch failure is fatal to the
// proxy; there is no degraded mode without the wrapped server.
func Start(command string, args []string, opts Options) (*ServerProcess, error) {
	diagnostics := opts.Diagnostics
	if diagnostics == nil {
		diagnostics = os.Stderr
	}

	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()

	stdin, stdinErr := cmd.StdinPipe()
	if stdinErr != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", stdinErr)
	}

	stdout, stdoutErr := cmd.StdoutPipe()
	if stdoutErr != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", stdoutErr)
	}

	stderr, stderrErr := cmd.StderrPipe()
	if stderrErr != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", stderrErr)
	}

	if startErr := cmd.Start(); startErr != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start language server %q: %w", command, startErr)
	}

	sp := &ServerProcess{
		cmd:             cmd,
		stdin:           stdin,
		stdout:          stdout,
		shutdownTimeout: shutdownTimeout,
		log:             log,
		done:            make(chan struct{}),
		state:           Running,
		exitCode:        UnknownExitCode,
	}

	log.Info("Launched language server process",
		"command", command,
		"args", args,
		"pid", cmd.Process.Pid)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		sp.forwardStderr(stderr, diagnostics)
	}()

	go func() {
		// Drain stderr before reaping so the tail of the child's own logs
		// is not lost.
		<-stderrDone
		sp.reap()
	}()

	return sp, nil
}

// Stdin returns the byte stream feeding the server's standard input.
func (sp *ServerProcess) Stdin() io.Writer {
	return sp.stdin
}

// Stdout returns the byte stream carrying the server's standard output.
func (sp *ServerProcess) Stdout() io.Reader {
	return sp.stdout
}

// Pid returns the process ID of the server.
func (sp *ServerProcess) Pid() int {
	return sp.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (sp *ServerProcess) State() State {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.state
}

// Done returns a channel that is closed once the server process has exited.
func (sp *ServerProcess) Done() <-chan struct{} {
	return sp.done
}

// ExitCode returns the server's exit code. Only valid after Done is closed.
func (sp *ServerProcess) ExitCode() int32 {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.exitCode
}

// WaitError returns the error from reaping the process, nil for a clean
// zero exit. A non-zero exit or death by signal yields an *exec.ExitError.
// Only valid after Done is closed.
func (sp *ServerProcess) WaitError() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.exitErr
}

// Shutdown requests graceful termination, waits up to the shutdown timeout,
// escalates to a forced kill if the timeout elapses, and always waits for
// the process to be reaped before returning. It is idempotent.
func (sp *ServerProcess) Shutdown() error {
	sp.shutdownOnce.Do(func() {
		sp.shutdownErr = sp.shutdownInternal()
	})
	return sp.shutdownErr
}

func (sp *ServerProcess) shutdownInternal() error {
	sp.mu.Lock()
	if sp.state == Stopped {
		sp.mu.Unlock()
		return nil
	}
	sp.state = Terminating
	sp.mu.Unlock()

	// Closing stdin is the natural end-of-input signal for a stdio server.
	if closeErr := sp.stdin.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		sp.log.V(1).Info("Error closing server stdin", "error", closeErr)
	}

	sp.log.Info("Stopping language server process", "pid", sp.Pid())

	if signalErr := sp.cmd.Process.Signal(syscall.SIGTERM); signalErr != nil {
		// Signalling can fail on platforms without SIGTERM delivery or if
		// the process is already gone; escalate straight to Kill below.
		sp.log.V(1).Info("Failed to signal server process", "error", signalErr)
	}

	select {
	case <-sp.done:
		sp.log.Info("Language server exited", "exitCode", sp.ExitCode())
		return nil
	case <-time.After(sp.shutdownTimeout):
	}

	sp.log.Info("Language server did not exit in time, killing", "pid", sp.Pid())
	if killErr := sp.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill server process: %w", killErr)
	}

	<-sp.done
	return nil
}

// reap waits for the process to exit and records the result.
func (sp *ServerProcess) reap() {
	waitErr := sp.cmd.Wait()

	exitCode := UnknownExitCode
	var exitErr *exec.ExitError
	if waitErr == nil {
		exitCode = int32(sp.cmd.ProcessState.ExitCode())
	} else if errors.As(waitErr, &exitErr) {
		exitCode = int32(exitErr.ExitCode())
	}

	sp.mu.Lock()
	sp.state = Stopped
	sp.exitCode = exitCode
	sp.exitErr = waitErr
	sp.mu.Unlock()

	close(sp.done)

	if waitErr != nil {
		sp.log.V(1).Info("Language server process exited with error",
			"exitCode", exitCode,
			"error", waitErr)
	} else {
		sp.log.V(1).Info("Language server process exited", "exitCode", exitCode)
	}
}

// forwardStderr copies the child's stderr to the diagnostic sink until
// end-of-stream.
func (sp *ServerProcess) forwardStderr(stderr io.Reader, diagnostics io.Writer) {
	if _, copyErr := io.Copy(diagnostics, stderr); copyErr != nil {
		sp.log.V(1).Info("Error forwarding server stderr", "error", copyErr)
	}
}
