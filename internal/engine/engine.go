package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/secureailabs/jobengine/internal/log"
	"github.com/secureailabs/jobengine/internal/model"
	"github.com/secureailabs/jobengine/internal/notify"
	"github.com/secureailabs/jobengine/internal/safeobject"
	"github.com/secureailabs/jobengine/internal/valuestore"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Sender delivers signals to the orchestrator.
type Sender interface {
	Send(ctx context.Context, sig model.Signal) error
}

// SafeObject is the engine's view of a packaged executable unit.
// safeobject.Record is the production implementation.
type SafeObject interface {
	Setup(payload []byte) error
	Run(ctx context.Context, req safeobject.RunRequest) (int, error)
	ExpectedParameters() []string
	Complete() bool
	QueuedJobs() []string
	EnqueueJob(jobID string)
}

// Factory creates an incomplete safe object on its first reference.
type Factory func(id string) SafeObject

type Config struct {
	Workdir        string
	Workers        int
	MaxRunningJobs int
	JobTimeout     time.Duration
	Status         *model.Schedule
}

// ConfigFrom converts the file configuration.
func ConfigFrom(cfg model.Config) (Config, error) {
	cfg = cfg.WithDefaults()
	timeout, err := cfg.Timeout()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Workdir:        cfg.Workdir,
		Workers:        cfg.Workers,
		MaxRunningJobs: cfg.MaxRunningJobs,
		JobTimeout:     timeout,
		Status:         cfg.Status,
	}, nil
}

type Engine struct {
	cfg     Config
	store   *valuestore.Store
	watcher *notify.Watcher
	sender  Sender
	factory Factory

	running atomic.Bool
	epoch   atomic.Uint64

	// lifecycle is read-held by handlers and write-held by reset
	lifecycle sync.RWMutex

	objectsMx sync.RWMutex
	objects   map[string]SafeObject
	jobsMx    sync.RWMutex
	jobs      map[string]*job
	depsMx    sync.Mutex
	deps      waiters
	pullsMx   sync.Mutex
	pulls     map[string]struct{}

	handlers errgroup.Group
	runs     sync.WaitGroup
	runSlots *semaphore.Weighted
}

// New creates the working directories and returns an engine ready for Do.
// Jobs run in separate processes via safeobject.ProcessExecutor.
func New(cfg Config, sender Sender) (*Engine, error) {
	if cfg.Workdir == "" {
		return nil, errors.New("workdir is empty")
	}
	if sender == nil {
		return nil, errors.New("sender is nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = model.DefaultWorkers
	}
	if cfg.MaxRunningJobs <= 0 {
		cfg.MaxRunningJobs = model.DefaultMaxRunningJobs
	}

	store := valuestore.New(cfg.Workdir)
	if err := store.Reset(); err != nil {
		return nil, fmt.Errorf("initializing working directories: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		sender:   sender,
		objects:  make(map[string]SafeObject),
		jobs:     make(map[string]*job),
		deps:     make(waiters),
		pulls:    make(map[string]struct{}),
		runSlots: semaphore.NewWeighted(int64(cfg.MaxRunningJobs)),
	}
	e.factory = func(id string) SafeObject {
		return safeobject.NewRecord(id, safeobject.ProcessExecutor{Timeout: cfg.JobTimeout})
	}
	e.watcher = notify.New(store.SignalDir(), e.notify)
	e.handlers.SetLimit(cfg.Workers)
	e.running.Store(true)
	return e, nil
}

// WithFactory changes how safe objects are created.
// This method exists for a unit testing only.
func (e *Engine) WithFactory(f Factory) *Engine {
	e.factory = f
	return e
}

// Store returns the value store backing the engine.
func (e *Engine) Store() *valuestore.Store {
	return e.store
}

// Close releases the working directory handles. Call it after Do returned.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Do runs the engine event loop.
// It multiplexes three concerns:
//  1. Requests (received on requests) – dispatched to the bounded handler
//     pool, except HaltAllJobs and VmShutdown which are handled inline.
//  2. Value signals (from the change notifier) – fulfil pending pulls or
//     resolve job dependencies, on the same handler pool.
//  3. Context cancellation – terminates the loop and kills running jobs.
//
// The loop ends after VmShutdown, when requests is closed or the context is
// cancelled. Shutdown (deferred order): stop notifier -> wait handlers ->
// wait job runs -> stop status scheduler.
// Returns nil on graceful end or the error of a failed reset.
func (e *Engine) Do(ctx context.Context, requests <-chan model.Request) error {
	slog.DebugContext(ctx, "starting a job engine", "workdir", e.cfg.Workdir)

	if e.cfg.Status != nil {
		scheduler, err := newScheduler(ctx, *e.cfg.Status, func() { e.logStatus(ctx) })
		if err != nil {
			return fmt.Errorf("status scheduler failed: %w", err)
		}
		scheduler.Start()
		defer func() {
			err := scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	if err := e.watcher.Start(ctx); err != nil {
		return fmt.Errorf("starting change notifier: %w", err)
	}

	defer func() {
		e.runs.Wait()
	}()

	defer func() {
		_ = e.handlers.Wait()
	}()

	defer func() {
		err := e.watcher.Stop()
		if err != nil {
			slog.ErrorContext(ctx, "stopping change notifier has failed", "error", err)
		}
	}()

	for e.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-requests:
			if !ok {
				slog.DebugContext(ctx, "requests closed: stopping")
				return nil
			}
			if err := e.dispatch(ctx, req); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, req model.Request) error {
	switch r := req.(type) {
	case model.HaltAllJobs:
		return e.reset(ctx)
	case model.VmShutdown:
		e.shutdown(ctx)
	case model.PushSafeObject:
		spawn(ctx, e, r, e.pushSafeObject)
	case model.PushData:
		spawn(ctx, e, r, e.pushData)
	case model.PullData:
		spawn(ctx, e, r, e.pullData)
	case model.SubmitJob:
		spawn(ctx, e, r, e.submitJob)
	case model.SetParameter:
		spawn(ctx, e, r, e.setParameter)
	default:
		slog.WarnContext(ctx, "request type not supported: ignoring", "type", fmt.Sprintf("%T", req))
	}
	return nil
}

// spawn runs the handler on the handler pool. Requests dispatched before a
// reset are dropped when they get to run after it.
func spawn[R model.Request](ctx context.Context, e *Engine, req R, handle func(context.Context, R) error) {
	ctx = log.ContextAttrs(ctx, slog.String("request", req.Type().String()))
	epoch := e.epoch.Load()
	e.handlers.Go(func() error {
		e.lifecycle.RLock()
		defer e.lifecycle.RUnlock()
		if epoch != e.epoch.Load() {
			slog.DebugContext(ctx, "request predates a reset: dropping")
			return nil
		}
		if err := req.Validate(); err != nil {
			slog.WarnContext(ctx, "malformed request: dropping", "error", err)
			return nil
		}
		if err := handle(ctx, req); err != nil {
			slog.ErrorContext(ctx, "request failed", "error", err)
		}
		return nil
	})
}

// notify is called by the change notifier for every new signal marker.
func (e *Engine) notify(ctx context.Context, valueID string) {
	ctx = log.ContextAttrs(ctx, slog.String("value_id", valueID))
	epoch := e.epoch.Load()
	e.handlers.Go(func() error {
		e.lifecycle.RLock()
		defer e.lifecycle.RUnlock()
		if epoch != e.epoch.Load() {
			return nil
		}
		e.valueReady(ctx, valueID)
		return nil
	})
}

func (e *Engine) shutdown(ctx context.Context) {
	slog.InfoContext(ctx, "shutting down")
	e.running.Store(false)
	e.send(ctx, model.VmShutdownSignal{})
}

func (e *Engine) send(ctx context.Context, sig model.Signal) {
	err := e.sender.Send(ctx, sig)
	if err != nil {
		slog.ErrorContext(ctx, "sending signal failed", "signal", sig.Type().String(), "error", err)
	}
}

// reset discards every job, safe object, pull request and dependency and
// recreates the working directories. Running job processes are asked to stop
// via the stop marker, but nothing waits for them.
func (e *Engine) reset(ctx context.Context) error {
	slog.InfoContext(ctx, "halting all jobs")
	if err := e.watcher.Stop(); err != nil {
		slog.WarnContext(ctx, "stopping change notifier has failed", "error", err)
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.epoch.Add(1)

	if err := e.store.Stop(); err != nil {
		slog.WarnContext(ctx, "writing stop marker has failed", "error", err)
	}

	e.jobsMx.Lock()
	clear(e.jobs)
	e.jobsMx.Unlock()

	e.objectsMx.Lock()
	clear(e.objects)
	e.objectsMx.Unlock()

	e.pullsMx.Lock()
	clear(e.pulls)
	e.pullsMx.Unlock()

	e.depsMx.Lock()
	clear(e.deps)
	e.depsMx.Unlock()

	if err := e.store.Reset(); err != nil {
		return fmt.Errorf("recreating working directories: %w", err)
	}
	if err := e.watcher.Start(ctx); err != nil {
		return fmt.Errorf("restarting change notifier: %w", err)
	}
	slog.DebugContext(ctx, "reset done")
	return nil
}

// Stats is a snapshot of the engine tables.
type Stats struct {
	Jobs         map[State]int
	SafeObjects  int
	PendingPulls int
	// Dependencies counts distinct value ids jobs are waiting for.
	Dependencies int
}

func (e *Engine) Stats() Stats {
	stats := Stats{Jobs: make(map[State]int)}

	e.objectsMx.RLock()
	stats.SafeObjects = len(e.objects)
	e.objectsMx.RUnlock()

	e.jobsMx.RLock()
	jobs := make([]*job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.jobsMx.RUnlock()
	for _, j := range jobs {
		j.mx.RLock()
		stats.Jobs[j.state]++
		j.mx.RUnlock()
	}

	e.pullsMx.Lock()
	stats.PendingPulls = len(e.pulls)
	e.pullsMx.Unlock()

	e.depsMx.Lock()
	stats.Dependencies = len(e.deps)
	e.depsMx.Unlock()
	return stats
}

// JobState returns the state of a live job.
func (e *Engine) JobState(jobID string) (State, bool) {
	j := e.job(jobID)
	if j == nil {
		return "", false
	}
	j.mx.RLock()
	defer j.mx.RUnlock()
	return j.state, true
}

// JobDependencies returns the value ids a live job waits for.
func (e *Engine) JobDependencies(jobID string) []string {
	j := e.job(jobID)
	if j == nil {
		return nil
	}
	j.mx.RLock()
	defer j.mx.RUnlock()
	ret := make([]string, 0, len(j.deps))
	for id := range j.deps {
		ret = append(ret, id)
	}
	return ret
}

func (e *Engine) logStatus(ctx context.Context) {
	stats := e.Stats()
	slog.InfoContext(ctx, "engine status",
		"jobs", stats.Jobs,
		"safe_objects", stats.SafeObjects,
		"pending_pulls", stats.PendingPulls,
		"dependencies", stats.Dependencies,
	)
}
