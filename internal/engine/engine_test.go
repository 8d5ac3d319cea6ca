package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/secureailabs/jobengine/internal/engine"
	"github.com/secureailabs/jobengine/internal/model"
	"github.com/secureailabs/jobengine/internal/safeobject"
	"github.com/secureailabs/jobengine/internal/valuestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSender struct {
	mx      sync.Mutex
	signals []model.Signal
}

func (s *recordingSender) Send(_ context.Context, sig model.Signal) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.signals = append(s.signals, sig)
	return nil
}

func (s *recordingSender) get() []model.Signal {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]model.Signal(nil), s.signals...)
}

func (s *recordingSender) has(sig model.Signal) bool {
	for _, got := range s.get() {
		if assert.ObjectsAreEqual(sig, got) {
			return true
		}
	}
	return false
}

// fakeExecutor records runs. If release is set, runs block until it is
// closed. If output is set, it is written to the job output path.
type fakeExecutor struct {
	code    int
	output  []byte
	release chan struct{}

	mx   sync.Mutex
	runs []safeobject.RunRequest
}

func (f *fakeExecutor) Execute(ctx context.Context, _ safeobject.Schema, req safeobject.RunRequest) (int, error) {
	f.mx.Lock()
	f.runs = append(f.runs, req)
	f.mx.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	if f.output != nil {
		if err := os.WriteFile(req.OutputPath, f.output, 0o600); err != nil {
			return -1, err
		}
	}
	return f.code, nil
}

func (f *fakeExecutor) get() []safeobject.RunRequest {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]safeobject.RunRequest(nil), f.runs...)
}

type harness struct {
	t        *testing.T
	workdir  string
	engine   *engine.Engine
	exec     *fakeExecutor
	sender   *recordingSender
	requests chan model.Request
	done     chan struct{}
	err      error
}

func newHarness(t *testing.T, exec *fakeExecutor) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		workdir:  t.TempDir(),
		exec:     exec,
		sender:   &recordingSender{},
		requests: make(chan model.Request),
		done:     make(chan struct{}),
	}
	cfg := engine.Config{
		Workdir:        h.workdir,
		Workers:        4,
		MaxRunningJobs: 2,
	}
	e, err := engine.New(cfg, h.sender)
	require.NoError(t, err)
	h.engine = e.WithFactory(func(id string) engine.SafeObject {
		return safeobject.NewRecord(id, exec)
	})

	go func() {
		defer close(h.done)
		h.err = h.engine.Do(t.Context(), h.requests)
	}()
	t.Cleanup(func() {
		<-h.done
		require.NoError(t, h.engine.Close())
	})
	return h
}

func (h *harness) send(req model.Request) {
	h.t.Helper()
	select {
	case h.requests <- req:
	case <-h.done:
		h.t.Fatalf("engine stopped before %s was sent", req.Type())
	}
}

func (h *harness) pushSafeObject(id string, params ...string) {
	h.t.Helper()
	payload, err := safeobject.EncodeSchema(safeobject.Schema{
		Title:      id,
		Command:    []string{"sh", "-s"},
		Parameters: params,
	})
	require.NoError(h.t, err)
	h.send(model.PushSafeObject{SafeObjectID: id, Payload: payload})
}

func (h *harness) requireState(jobID string, state engine.State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		got, ok := h.engine.JobState(jobID)
		return ok && got == state
	}, waitFor, tick, "job %s never reached %s", jobID, state)
}

func (h *harness) requireSignal(sig model.Signal) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.sender.has(sig)
	}, waitFor, tick, "signal %#v never sent", sig)
}

func (h *harness) requireRuns(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.exec.get()) == n
	}, waitFor, tick)
}

func TestSubmitJobBeforeSafeObject(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeExecutor{})

	h.send(model.SubmitJob{JobID: "J1", SafeObjectID: "S1", OutputName: "o1"})
	h.requireState("J1", engine.StateCreated)

	h.pushSafeObject("S1", "P1")
	h.requireState("J1", engine.StateParametersPending)
	require.Empty(t, h.exec.get())
}

func TestDependencyResolution(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeExecutor{})

	h.pushSafeObject("S1", "P1")
	h.send(model.SubmitJob{JobID: "J1", SafeObjectID: "S1", OutputName: "o1"})
	h.requireState("J1", engine.StateParametersPending)

	h.send(model.SetParameter{JobID: "J1", ParameterID: "P1", ValueID: "V1", Expected: 1, Index: 0})
	require.Eventually(t, func() bool {
		deps := h.engine.JobDependencies("J1")
		return len(deps) == 1 && deps[0] == "V1"
	}, waitFor, tick)
	require.Empty(t, h.exec.get())

	h.send(model.PushData{ValueID: "V1", Data: []byte("42")})
	h.requireSignal(model.JobDone{JobID: "J1"})

	runs := h.exec.get()
	require.Len(t, runs, 1)
	store := h.engine.Store()
	require.Equal(t, "J1", runs[0].JobID)
	require.NotEmpty(t, runs[0].RunID)
	require.Equal(t, store.DataPath("o1"), runs[0].OutputPath)
	require.Equal(t, store.StopPath(), runs[0].StopPath)
	require.Equal(t, [][]string{{store.DataPath("V1")}}, runs[0].Inputs)

	_, ok := h.engine.JobState("J1")
	require.False(t, ok, "finished job must be removed")
}

func TestParametersInAnyOrder(t *testing.T) {
	t.Parallel()
	params := []model.SetParameter{
		{JobID: "J1", ParameterID: "A", ValueID: "A0", Expected: 3, Index: 0},
		{JobID: "J1", ParameterID: "A", ValueID: "A1", Expected: 3, Index: 1},
		{JobID: "J1", ParameterID: "A", ValueID: "A2", Expected: 3, Index: 2},
		{JobID: "J1", ParameterID: "B", ValueID: "B0", Expected: 1, Index: 0},
	}

	for _, order := range permutations(len(params)) {
		name := ""
		for _, i := range order {
			name += params[i].ValueID
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, &fakeExecutor{})

			for _, id := range []string{"A0", "A1", "A2", "B0"} {
				h.send(model.PushData{ValueID: id, Data: []byte(id)})
			}
			h.send(model.SubmitJob{JobID: "J1", SafeObjectID: "S1", OutputName: "o1"})
			for _, i := range order {
				h.send(params[i])
			}
			h.requireState("J1", engine.StateCreated)

			h.pushSafeObject("S1", "B", "A")
			h.requireSignal(model.JobDone{JobID: "J1"})

			runs := h.exec.get()
			require.Len(t, runs, 1)
			store := h.engine.Store()
			require.Equal(t, [][]string{
				{store.DataPath("B0")},
				{store.DataPath("A0"), store.DataPath("A1"), store.DataPath("A2")},
			}, runs[0].Inputs)
		})
	}
}

// permutations returns every ordering of 0..n-1.
func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var ret [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			ret = append(ret, q)
		}
	}
	return ret
}

func TestOversizedParameter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeExecutor{})

	h.pushSafeObject("S1", "P1")
	h.send(model.SubmitJob{JobID: "J1", SafeObjectID: "S1", OutputName: "o1"})
	h.requireState("J1", engine.StateParametersPending)
	h.send(model.SetParameter{JobID: "J1", ParameterID: "P1", ValueID: "V1", Expected: 1 << 40, Index: 0})

	// the engine keeps serving and the job is untouched
	h.send(model.PushData{ValueID: "V2", Data: []byte("served")})
	h.send(model.PullData{ValueID: "V2"})
	h.requireSignal(model.PostValue{ValueID: "V2", Data: []byte("served")})
	require.Empty(t, h.engine.JobDependencies("J1"))

	h.send(model.SetParameter{JobID: "J1", ParameterID: "P1", ValueID: "V1", Expected: 1, Index: 0})
	h.send(model.PushData{ValueID: "V1", Data: []byte("1")})
	h.requireSignal(model.JobDone{JobID: "J1"})
}

func TestJobRunsAtMostOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeExecutor{})

	h.pushSafeObject("S1", "P1", "P2")
	h.send(model.SubmitJob{JobID: "J1", SafeObjectID: "S1", OutputName: "o1"})
	for range 10 {
		h.send(model.SetParameter{JobID: "J1", ParameterID: "P1", ValueID: "V1", Expected: 1, Index: 0})
		h.send(model.SetParameter{JobID: "J1", ParameterID: "P2", ValueID: "V2", Expected: 1, Index: 0})
	}
	h.send(model.PushData{ValueID: "V1", Data: []byte("1")})
	h.send(model.PushData{ValueID: "V2", Data: []byte("2")})

	h.requireSignal(model.JobDone{JobID: "J1"})
	h.requireRuns(1)
	require.Never(t, func() bool {
		return len(h.exec.get()) > 1
	}, 200*time.Millisecond, tick)
}

func TestJobFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeExecutor{code: 3})

	h.pushSafeObject("S1")
	h.send(model.SubmitJob{JobID: "J1", SafeObjectID: "S1", OutputName: "o1"})
	h.requireSignal(model.JobFail{JobID: "J1"})
	require.False(t, h.sender.has(model.JobDone{JobID: "J1"}))
}

func TestPullData(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeExecutor{})
	store := h.engine.Store()

	t.Run("deferred", func(t *testing.T) {
		h.send(model.PullData{ValueID: "V2"})
		require.Eventually(t, func() bool {
			return h.engine.Stats().PendingPulls == 1
		}, waitFor, tick)
		require.Never(t, func() bool {
			return len(h.sender.get()) != 0
		}, 100*time.Millisecond, tick)

		h.send(model.PushData{ValueID: "V2", Data: []byte("pushed")})
		h.requireSignal(model.PostValue{ValueID: "V2", Data: []byte("pushed")})
		require.False(t, store.Ready("V2"))
		require.False(t, store.HasData("V2"))
		require.Zero(t, h.engine.Stats().PendingPulls)
	})

	t.Run("immediate", func(t *testing.T) {
		h.send(model.PushData{ValueID: "V3", Data: []byte("ready")})
		require.Eventually(t, func() bool {
			return store.Ready("V3")
		}, waitFor, tick)

		h.send(model.PullData{ValueID: "V3"})
		h.requireSignal(model.PostValue{ValueID: "V3", Data: []byte("ready")})
		require.False(t, store.Ready("V3"))
		require.False(t, store.HasData("V3"))
	})
}

func TestJobChaining(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeExecutor{output: []byte("result")})

	h.pushSafeObject("S1", "IN")
	// J2 consumes the output of J1
	h.send(model.SubmitJob{JobID: "J2", SafeObjectID: "S1", OutputName: "o2"})
	h.send(model.SetParameter{JobID: "J2", ParameterID: "IN", ValueID: "o1", Expected: 1, Index: 0})
	h.send(model.SubmitJob{JobID: "J1", SafeObjectID: "S1", OutputName: "o1"})
	h.send(model.SetParameter{JobID: "J1", ParameterID: "IN", ValueID: "V1", Expected: 1, Index: 0})
	h.send(model.PushData{ValueID: "V1", Data: []byte("input")})

	h.requireSignal(model.JobDone{JobID: "J1"})
	h.requireSignal(model.JobDone{JobID: "J2"})

	h.send(model.PullData{ValueID: "o2"})
	h.requireSignal(model.PostValue{ValueID: "o2", Data: []byte("result")})
}

func TestHaltAllJobs(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, &fakeExecutor{release: release})

	h.pushSafeObject("S1", "P1")
	h.send(model.SubmitJob{JobID: "J1", SafeObjectID: "S1", OutputName: "o1"})
	h.send(model.SetParameter{JobID: "J1", ParameterID: "P1", ValueID: "V1", Expected: 1, Index: 0})
	h.send(model.SubmitJob{JobID: "J2", SafeObjectID: "S1", OutputName: "o2"})
	h.send(model.SetParameter{JobID: "J2", ParameterID: "P1", ValueID: "V2", Expected: 1, Index: 0})
	h.send(model.PushData{ValueID: "V2", Data: []byte("2")})
	h.send(model.PullData{ValueID: "V9"})
	h.requireState("J2", engine.StateRunning)
	require.Eventually(t, func() bool {
		return len(h.engine.JobDependencies("J1")) == 1 && h.engine.Stats().PendingPulls == 1
	}, waitFor, tick)

	h.send(model.HaltAllJobs{})
	require.Eventually(t, func() bool {
		stats := h.engine.Stats()
		return len(stats.Jobs) == 0 &&
			stats.SafeObjects == 0 &&
			stats.PendingPulls == 0 &&
			stats.Dependencies == 0
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		for _, dir := range []string{valuestore.DataDir, valuestore.SignalDir, valuestore.JobStopDir} {
			entries, err := os.ReadDir(filepath.Join(h.workdir, dir))
			if err != nil || len(entries) != 0 {
				return false
			}
		}
		return true
	}, waitFor, tick, "working directories must exist and be empty")

	// the discarded run ends without a signal
	close(release)
	h.send(model.PushData{ValueID: "V1", Data: []byte("1")})
	require.Never(t, func() bool {
		return len(h.sender.get()) != 0 || len(h.exec.get()) != 1
	}, 200*time.Millisecond, tick)

	// the engine keeps serving requests
	h.pushSafeObject("S1")
	h.send(model.SubmitJob{JobID: "J3", SafeObjectID: "S1", OutputName: "o3"})
	h.requireSignal(model.JobDone{JobID: "J3"})
}

func TestMalformedRequests(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeExecutor{})

	h.send(model.PushData{ValueID: "../escape", Data: []byte("x")})
	h.send(model.PushData{ValueID: "", Data: []byte("x")})
	h.send(model.SubmitJob{JobID: "J1"})
	h.send(model.SetParameter{JobID: "J1", ParameterID: "P1", ValueID: "V1", Expected: 1, Index: 5})
	h.send(model.PushSafeObject{SafeObjectID: "S1", Payload: []byte("garbage")})

	h.send(model.PushData{ValueID: "V1", Data: []byte("1")})
	require.Eventually(t, func() bool {
		return h.engine.Store().Ready("V1")
	}, waitFor, tick)
	_, err := os.Stat(filepath.Join(h.workdir, "escape"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, ok := h.engine.JobState("J1")
	require.False(t, ok)
	require.Empty(t, h.sender.get())
}

func TestVmShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeExecutor{})

	h.send(model.VmShutdown{})
	select {
	case <-h.done:
	case <-time.After(waitFor):
		t.Fatal("engine did not stop")
	}
	require.NoError(t, h.err)
	require.Equal(t, []model.Signal{model.VmShutdownSignal{}}, h.sender.get())
}

func TestNew(t *testing.T) {
	t.Parallel()
	_, err := engine.New(engine.Config{}, &recordingSender{})
	require.Error(t, err)
	_, err = engine.New(engine.Config{Workdir: t.TempDir()}, nil)
	require.Error(t, err)

	cfg, err := engine.ConfigFrom(model.Config{Workdir: t.TempDir(), JobTimeout: "PT1M"})
	require.NoError(t, err)
	require.Equal(t, time.Minute, cfg.JobTimeout)
	e, err := engine.New(cfg, &recordingSender{})
	require.NoError(t, err)
	require.NoError(t, e.Close())
}
