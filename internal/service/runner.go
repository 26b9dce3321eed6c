package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("invocation not started")
	ErrInProgress = errors.New("invocation in progress")
)

// waitDelay bounds how long Wait drains output pipes after the process has
// been killed or has exited while a grandchild still holds them.
const waitDelay = 2 * time.Second

// Runner owns at most one child process at a time. Stdout and stderr of the
// process share a single buffer.
type Runner struct {
	mx     sync.Mutex
	cmd    *exec.Cmd
	done   chan struct{}
	result Result
	waits  []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string // nil inherits the environment of the server
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Env     []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState // nil if the process never started
	Output  *bytes.Buffer    // combined stdout and stderr
	Err     error
}

// ExitCode returns the exit code of the process or -1 if it did not start or
// was killed by a signal.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

func (r Result) Success() bool {
	return r.Err == nil && r.State != nil && r.State.Success()
}

// Bytes returns the captured output, nil if there is none.
func (r Result) Bytes() []byte {
	if r.Output == nil {
		return nil
	}
	return r.Output.Bytes()
}

// Start runs the underlying process, it ensures only a single process per
// Runner is active and returns ErrInProgress otherwise. An exec error (missing
// binary, permission denied) is returned and stored as the last result.
// Start does NOT wait on the command to finish, use WaitChan for that.
func (r *Runner) Start(ctx context.Context, proto Command) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Env:  append([]string(nil), proto.Env...),
	}

	cancel := context.CancelFunc(func() {})
	if proto.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	if proto.Env != nil {
		cmd.Env = r.result.Env
	}
	cmd.WaitDelay = waitDelay

	var buf bytes.Buffer
	r.result.Output = &buf
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", cmd.Process.Pid)

	r.cmd = cmd
	r.done = make(chan struct{})
	go r.wait(cmd, cancel, r.done)
	return nil
}

func (r *Runner) wait(cmd *exec.Cmd, cancel context.CancelFunc, done chan struct{}) {
	err := cmd.Wait()
	cancel()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
	close(done)
}

// WaitChan returns the channel obtaining the result of a running
// program. The channel is closed once program ends. If nothing is running
// the last result is delivered immediately.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// LastResult returns a last command result
// or result with ErrNotStarted/ErrInProgress
// if no invocation has finished yet
func (r *Runner) LastResult() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		ret := r.result
		ret.Err = ErrInProgress
		return ret
	}
	return r.result
}

// Close kills a running process and waits until it is reaped.
func (r *Runner) Close() {
	r.mx.Lock()
	cmd, done := r.cmd, r.done
	r.mx.Unlock()
	if cmd == nil {
		return
	}
	_ = cmd.Process.Kill()
	<-done
}

// Run starts proto and waits for it. The process is always reaped before Run
// returns, a start failure is reported in Result.Err.
func Run(ctx context.Context, proto Command) Result {
	r := NewRunner()
	if err := r.Start(ctx, proto); err != nil {
		return r.LastResult()
	}
	return <-r.WaitChan()
}
