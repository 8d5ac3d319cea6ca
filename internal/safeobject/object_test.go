package safeobject_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/secureailabs/jobengine/internal/safeobject"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	t.Parallel()
	rec := safeobject.NewRecord("S1", nil)
	require.Equal(t, "S1", rec.ID())
	require.False(t, rec.Complete())
	require.Nil(t, rec.ExpectedParameters())

	_, err := rec.Run(t.Context(), safeobject.RunRequest{JobID: "J1"})
	require.ErrorIs(t, err, safeobject.ErrIncomplete)

	rec.EnqueueJob("J1")
	rec.EnqueueJob("J2")
	rec.EnqueueJob("J1")

	t.Run("setup rejects garbage", func(t *testing.T) {
		require.Error(t, rec.Setup([]byte("not cbor")))
		require.False(t, rec.Complete())
	})

	t.Run("setup rejects invalid schema", func(t *testing.T) {
		payload, err := safeobject.EncodeSchema(safeobject.Schema{Parameters: []string{"P1", "P1"}})
		require.NoError(t, err)
		err = rec.Setup(payload)
		require.ErrorContains(t, err, "command is empty")
		require.ErrorContains(t, err, "duplicate parameter id P1")
	})

	t.Run("setup", func(t *testing.T) {
		payload, err := safeobject.EncodeSchema(safeobject.Schema{
			Title:      "sum",
			Command:    []string{"sh", "-s", "--"},
			Parameters: []string{"P1", "P2"},
		})
		require.NoError(t, err)
		require.NoError(t, rec.Setup(payload))
		require.True(t, rec.Complete())
		require.Equal(t, []string{"P1", "P2"}, rec.ExpectedParameters())
	})

	t.Run("queued jobs are drained", func(t *testing.T) {
		require.Equal(t, []string{"J1", "J2"}, rec.QueuedJobs())
		require.Empty(t, rec.QueuedJobs())
	})
}

func TestProcessExecutor(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	dir := t.TempDir()
	in1 := filepath.Join(dir, "V1")
	in2 := filepath.Join(dir, "V2")
	require.NoError(t, os.WriteFile(in1, []byte("1\n"), 0o600))
	require.NoError(t, os.WriteFile(in2, []byte("2\n"), 0o600))

	script := `cat "$@" > "$JOB_OUTPUT"; echo "$JOB_ID" >> "$JOB_OUTPUT"`
	payload, err := safeobject.EncodeSchema(safeobject.Schema{
		Command:    []string{sh, "-s", "--"},
		Script:     []byte(script),
		Parameters: []string{"P1", "P2"},
	})
	require.NoError(t, err)

	rec := safeobject.NewRecord("S1", safeobject.ProcessExecutor{Timeout: 5 * time.Second})
	require.NoError(t, rec.Setup(payload))

	t.Run("success", func(t *testing.T) {
		out := filepath.Join(dir, "o1")
		code, err := rec.Run(t.Context(), safeobject.RunRequest{
			JobID:      "J1",
			RunID:      "R1",
			OutputPath: out,
			Inputs:     [][]string{{in1}, {in2}},
		})
		require.NoError(t, err)
		require.Zero(t, code)
		b, err := os.ReadFile(out)
		require.NoError(t, err)
		require.Equal(t, "1\n2\nJ1\n", string(b))
	})

	t.Run("failure", func(t *testing.T) {
		fail, err := safeobject.EncodeSchema(safeobject.Schema{
			Command: []string{sh, "-s"},
			Script:  []byte("exit 3"),
		})
		require.NoError(t, err)
		rec := safeobject.NewRecord("S2", safeobject.ProcessExecutor{})
		require.NoError(t, rec.Setup(fail))
		code, err := rec.Run(t.Context(), safeobject.RunRequest{JobID: "J2"})
		require.NoError(t, err)
		require.Equal(t, 3, code)
	})

	t.Run("missing interpreter", func(t *testing.T) {
		missing, err := safeobject.EncodeSchema(safeobject.Schema{
			Command: []string{filepath.Join(dir, "no-such-interpreter")},
		})
		require.NoError(t, err)
		rec := safeobject.NewRecord("S3", safeobject.ProcessExecutor{})
		require.NoError(t, rec.Setup(missing))
		code, err := rec.Run(t.Context(), safeobject.RunRequest{JobID: "J3"})
		require.Error(t, err)
		require.Equal(t, -1, code)
	})
}
