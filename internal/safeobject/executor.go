package safeobject

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"time"
)

// ProcessExecutor runs the schema script in a separate process.
//
// The process receives the script on stdin, the input files as arguments
// (parameters in schema order, values by position) and the following
// environment:
//
//	JOB_ID, JOB_RUN_ID, JOB_OUTPUT, JOB_STOP_FILE
type ProcessExecutor struct {
	Timeout time.Duration
	// Env is passed to every process, PATH of the engine is used when it is
	// empty.
	Env []string
	// WaitDelay is passed to Command.WaitDelay.
	WaitDelay time.Duration
}

func (e ProcessExecutor) Execute(ctx context.Context, schema Schema, req RunRequest) (int, error) {
	env := slices.Clone(e.Env)
	if len(env) == 0 {
		env = []string{"PATH=" + os.Getenv("PATH")}
	}
	env = append(env,
		"JOB_ID="+req.JobID,
		"JOB_RUN_ID="+req.RunID,
		"JOB_OUTPUT="+req.OutputPath,
		"JOB_STOP_FILE="+req.StopPath,
	)

	args := append([]string(nil), schema.Command[1:]...)
	for _, values := range req.Inputs {
		args = append(args, values...)
	}

	cmd := Command{
		Path:      schema.Command[0],
		Args:      args,
		Env:       env,
		Stdin:     schema.Script,
		Timeout:   e.Timeout,
		WaitDelay: e.WaitDelay,
	}

	runner := NewRunner()
	err := runner.Start(ctx, cmd, func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "job stderr", "line", line)
	})
	if err != nil {
		return -1, err
	}
	res := <-runner.WaitChan()
	slog.DebugContext(ctx, "job process ended",
		"exit_code", res.ExitCode(),
		"duration", res.Stopped.Sub(res.Started),
		"stdout_bytes", res.Stdout.Len(),
	)

	if errors.Is(res.Err, exec.ErrWaitDelay) {
		slog.WarnContext(ctx, "job left a process holding its output: abandoned")
		return res.ExitCode(), nil
	}
	var exitErr *exec.ExitError
	if res.Err != nil && !errors.As(res.Err, &exitErr) {
		return res.ExitCode(), res.Err
	}
	return res.ExitCode(), nil
}
