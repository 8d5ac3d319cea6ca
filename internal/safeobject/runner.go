package safeobject

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

// DefaultWaitDelay bounds how long a run waits for its output pipes after the
// process exited or was killed.
const DefaultWaitDelay = 5 * time.Second

// maxLine is the longest stderr line passed to StderrFunc in one piece.
const maxLine = 64 * 1024

var (
	ErrRunNotStarted = errors.New("run not started")
	ErrRunInProgress = errors.New("run in progress")
)

type StderrFunc func(ctx context.Context, line string)

// Runner is a thin wrapper around os/exec, it runs at most one process at a
// time.
type Runner struct {
	mx         sync.Mutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrRunNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Stdin   []byte
	Timeout time.Duration
	// WaitDelay is DefaultWaitDelay when zero. Background children holding
	// stdout or stderr open are abandoned after it.
	WaitDelay time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// ExitCode returns the exit code of the process or -1 if it did not exit
// normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Start runs the underlying process and returns ErrRunInProgress or an exec
// error, otherwise nil. Does NOT wait on command to finish, use WaitChan
// method instead.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrRunInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	var cancel context.CancelFunc = func() {}
	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	cmd.Env = append([]string(nil), proto.Env...)
	cmd.WaitDelay = proto.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	if proto.Stdin != nil {
		cmd.Stdin = bytes.NewReader(proto.Stdin)
	}
	var stderr *lineWriter
	if stderrFunc != nil {
		stderr = &lineWriter{ctx: ctx, fn: stderrFunc}
		cmd.Stderr = stderr
	}
	var buf bytes.Buffer
	r.result.Stdout = &buf
	cmd.Stdout = &buf

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}

	r.cmd = cmd
	r.cancelFunc = cancel
	go r.wait(cmd, stderr)
	return nil
}

// lineWriter calls fn for every complete line written to it.
type lineWriter struct {
	ctx context.Context
	fn  StderrFunc

	mx  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(w.ctx, string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLine {
		w.fn(w.ctx, string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}

// flush passes the unterminated last line.
func (w *lineWriter) flush() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if len(w.buf) > 0 {
		w.fn(w.ctx, string(w.buf))
		w.buf = nil
	}
}

func (r *Runner) wait(cmd *exec.Cmd, stderr *lineWriter) {
	// Wait returns exec.ErrWaitDelay when a background child kept the output
	// open longer than WaitDelay
	err := cmd.Wait()
	stopped := time.Now().UTC()
	if stderr != nil {
		stderr.flush()
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	r.cancelFunc()
	r.cancelFunc = nil
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// WaitChan returns the channel obtaining the result of a running
// program. The channel is closed once program ends. When nothing runs, the
// last result is delivered immediately.
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
// or result with ErrRunNotStarted if nothing has been executed yet
func (r *Runner) LastResult() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.result
}
