package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/secureailabs/jobengine/internal/log"
	"github.com/secureailabs/jobengine/internal/model"
	"github.com/secureailabs/jobengine/internal/safeobject"
)

// objectLocked returns the safe object, creating an incomplete one if it is
// not known yet. Caller must hold objectsMx.
func (e *Engine) objectLocked(id string) SafeObject {
	obj, ok := e.objects[id]
	if !ok {
		obj = e.factory(id)
		e.objects[id] = obj
	}
	return obj
}

func (e *Engine) object(id string) SafeObject {
	e.objectsMx.RLock()
	defer e.objectsMx.RUnlock()
	return e.objects[id]
}

func (e *Engine) job(id string) *job {
	e.jobsMx.RLock()
	defer e.jobsMx.RUnlock()
	return e.jobs[id]
}

func (e *Engine) jobOrCreate(id string) *job {
	e.jobsMx.Lock()
	defer e.jobsMx.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		j = newJob(id, e.epoch.Load())
		e.jobs[id] = j
	}
	return j
}

func (e *Engine) pushSafeObject(ctx context.Context, r model.PushSafeObject) error {
	ctx = log.ContextAttrs(ctx, slog.String("safe_object_id", r.SafeObjectID))

	e.objectsMx.Lock()
	obj := e.objectLocked(r.SafeObjectID)
	if err := obj.Setup(r.Payload); err != nil {
		e.objectsMx.Unlock()
		return err
	}
	queued := obj.QueuedJobs()
	e.jobsMx.RLock()
	jobs := make([]*job, 0, len(queued))
	for _, id := range queued {
		if j, ok := e.jobs[id]; ok {
			jobs = append(jobs, j)
		}
	}
	e.jobsMx.RUnlock()
	e.objectsMx.Unlock()

	slog.DebugContext(ctx, "safe object ready", "queued_jobs", len(jobs))
	for _, j := range jobs {
		e.bind(ctx, j, r.SafeObjectID)
	}
	return nil
}

func (e *Engine) pushData(ctx context.Context, r model.PushData) error {
	if err := e.store.Put(r.ValueID, r.Data); err != nil {
		return err
	}
	slog.DebugContext(ctx, "value stored", "value_id", r.ValueID, "size", len(r.Data))
	return nil
}

func (e *Engine) pullData(ctx context.Context, r model.PullData) error {
	ctx = log.ContextAttrs(ctx, slog.String("value_id", r.ValueID))

	e.pullsMx.Lock()
	if !e.store.Ready(r.ValueID) {
		e.pulls[r.ValueID] = struct{}{}
		e.pullsMx.Unlock()
		slog.DebugContext(ctx, "value not ready: pull deferred")
		return nil
	}
	b, err := e.store.Take(r.ValueID)
	e.pullsMx.Unlock()
	if err != nil {
		return err
	}

	e.send(ctx, model.PostValue{ValueID: r.ValueID, Data: b})
	return nil
}

func (e *Engine) submitJob(ctx context.Context, r model.SubmitJob) error {
	ctx = log.ContextAttrs(ctx,
		slog.String("job_id", r.JobID),
		slog.String("safe_object_id", r.SafeObjectID),
	)

	j := e.jobOrCreate(r.JobID)
	j.mx.Lock()
	err := j.assign(r.SafeObjectID, r.OutputName)
	j.mx.Unlock()
	if err != nil {
		return err
	}

	// the check and the enqueue must not interleave with PushSafeObject
	e.objectsMx.Lock()
	obj := e.objectLocked(r.SafeObjectID)
	complete := obj.Complete()
	if !complete {
		obj.EnqueueJob(r.JobID)
	}
	e.objectsMx.Unlock()

	if !complete {
		slog.DebugContext(ctx, "safe object not complete: job queued")
		return nil
	}
	e.bind(ctx, j, r.SafeObjectID)
	return nil
}

func (e *Engine) setParameter(ctx context.Context, r model.SetParameter) error {
	ctx = log.ContextAttrs(ctx,
		slog.String("job_id", r.JobID),
		slog.String("parameter_id", r.ParameterID),
		slog.String("value_id", r.ValueID),
	)

	j := e.jobOrCreate(r.JobID)
	j.mx.Lock()
	old, replaced := j.value(r.ParameterID, r.Index)
	if err := j.setParameter(r.ParameterID, r.Index, r.Expected, r.ValueID); err != nil {
		j.mx.Unlock()
		return err
	}
	// a marker created after this check is reported by the notifier, whose
	// handler takes depsMx too
	e.depsMx.Lock()
	if replaced && old != r.ValueID && !j.references(old) {
		if _, ok := j.deps[old]; ok {
			delete(j.deps, old)
			e.deps.remove(old, j.id)
			slog.DebugContext(ctx, "replaced value: dependency dropped", "old_value_id", old)
		}
	}
	if !e.store.Ready(r.ValueID) {
		e.deps.add(r.ValueID, j.id)
		j.deps[r.ValueID] = struct{}{}
		slog.DebugContext(ctx, "value not ready: dependency registered")
	}
	e.depsMx.Unlock()
	j.mx.Unlock()

	e.tryRun(ctx, j)
	return nil
}

// valueReady handles a new signal marker. A pending pull has precedence over
// jobs waiting for the same value.
func (e *Engine) valueReady(ctx context.Context, valueID string) {
	if e.fulfilPull(ctx, valueID) {
		e.depsMx.Lock()
		waiting := e.deps.has(valueID)
		e.depsMx.Unlock()
		if waiting {
			slog.WarnContext(ctx, "value pulled while jobs wait for it")
		}
		return
	}

	e.depsMx.Lock()
	jobIDs := e.deps.take(valueID)
	e.depsMx.Unlock()

	for _, id := range jobIDs {
		j := e.job(id)
		if j == nil {
			continue
		}
		j.mx.Lock()
		delete(j.deps, valueID)
		left := len(j.deps)
		j.mx.Unlock()
		slog.DebugContext(ctx, "dependency resolved", "job_id", id, "left", left)
		if left == 0 {
			e.tryRun(ctx, j)
		}
	}
}

func (e *Engine) fulfilPull(ctx context.Context, valueID string) bool {
	e.pullsMx.Lock()
	if _, ok := e.pulls[valueID]; !ok {
		e.pullsMx.Unlock()
		return false
	}
	delete(e.pulls, valueID)
	b, err := e.store.Take(valueID)
	e.pullsMx.Unlock()
	if err != nil {
		slog.ErrorContext(ctx, "taking pulled value failed", "error", err)
		return true
	}
	e.send(ctx, model.PostValue{ValueID: valueID, Data: b})
	return true
}

// bind moves a job whose safe object became complete to
// StateParametersPending and tries to run it.
func (e *Engine) bind(ctx context.Context, j *job, objectID string) {
	j.mx.Lock()
	if j.objectID != objectID {
		j.mx.Unlock()
		return
	}
	if j.state == StateCreated {
		if err := j.transition(StateParametersPending); err != nil {
			j.mx.Unlock()
			slog.ErrorContext(ctx, "binding job failed", "job_id", j.id, "error", err)
			return
		}
	}
	j.mx.Unlock()
	e.tryRun(ctx, j)
}

// tryRun starts the job if its safe object is complete, all parameters are
// set and no dependency is outstanding. The transition to StateRunning is
// done under the job lock, so a job runs at most once.
func (e *Engine) tryRun(ctx context.Context, j *job) {
	j.mx.RLock()
	objectID := j.objectID
	j.mx.RUnlock()
	if objectID == "" {
		return
	}
	obj := e.object(objectID)
	if obj == nil || !obj.Complete() {
		return
	}
	expected := obj.ExpectedParameters()

	j.mx.Lock()
	if j.state != StateParametersPending || len(j.deps) != 0 || !j.allParametersSet(expected) {
		j.mx.Unlock()
		return
	}
	if err := j.transition(StateRunning); err != nil {
		j.mx.Unlock()
		slog.ErrorContext(ctx, "starting job failed", "job_id", j.id, "error", err)
		return
	}
	req := safeobject.RunRequest{
		JobID:      j.id,
		RunID:      uuid.NewString(),
		OutputPath: e.store.DataPath(j.output),
		StopPath:   e.store.StopPath(),
		Inputs:     j.inputs(expected, e.store.DataPath),
	}
	j.mx.Unlock()

	e.start(ctx, j, obj, req)
}

func (e *Engine) start(ctx context.Context, j *job, obj SafeObject, req safeobject.RunRequest) {
	ctx = log.ContextAttrs(ctx,
		slog.String("job_id", req.JobID),
		slog.String("run_id", req.RunID),
	)
	e.runs.Go(func() {
		if err := e.runSlots.Acquire(ctx, 1); err != nil {
			e.finish(ctx, j, fmt.Errorf("waiting for a run slot: %w", err))
			return
		}
		defer e.runSlots.Release(1)

		slog.InfoContext(ctx, "running job")
		code, err := obj.Run(ctx, req)
		if err == nil && code != 0 {
			err = fmt.Errorf("exit code %d", code)
		}
		e.finish(ctx, j, err)
	})
}

// finish records the job outcome, removes the job and signals the
// orchestrator. Outcomes of jobs discarded by a reset are dropped.
func (e *Engine) finish(ctx context.Context, j *job, runErr error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if j.epoch != e.epoch.Load() {
		slog.InfoContext(ctx, "job ended after a reset: dropping outcome", "error", runErr)
		return
	}

	to := StateFinished
	if runErr != nil {
		to = StateFailed
	}
	j.mx.Lock()
	err := j.transition(to)
	output := j.output
	j.mx.Unlock()
	if err != nil {
		slog.ErrorContext(ctx, "finishing job failed", "error", err)
	}

	e.jobsMx.Lock()
	if e.jobs[j.id] == j {
		delete(e.jobs, j.id)
	}
	e.jobsMx.Unlock()

	if runErr != nil {
		slog.ErrorContext(ctx, "job failed", "error", runErr)
		e.send(ctx, model.JobFail{JobID: j.id})
		return
	}

	slog.InfoContext(ctx, "job finished")
	if output != "" && e.store.HasData(output) {
		// pending pulls and dependent jobs get the output via the notifier
		if err := e.store.MarkReady(output); err != nil {
			slog.ErrorContext(ctx, "marking job output ready failed", "output", output, "error", err)
		}
	}
	e.send(ctx, model.JobDone{JobID: j.id})
}
