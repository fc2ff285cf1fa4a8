package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sitewatch/internal/logging"
	"sitewatch/internal/telemetry"
)

// SchedulerConfig bounds the supervisor's worker fleet.
type SchedulerConfig struct {
	// MaxConcurrentCameras is the global concurrency ceiling. Eligible
	// cameras beyond it queue FIFO by eligibility time.
	MaxConcurrentCameras int

	// RetryBudget is how many cooldown retries a faulted camera gets
	// before it is marked maintenance and left alone.
	RetryBudget int

	// Backoff shapes the fault cooldown, identical to the frame-source
	// reconnect policy.
	Backoff Backoff

	// ReconcileInterval is the fallback poll when no registry change
	// notification arrives.
	ReconcileInterval time.Duration

	// Worker is applied to every worker the scheduler starts.
	Worker WorkerConfig
}

// DefaultSchedulerConfig mirrors the stock processing settings:
// 12 concurrent cameras, 5 retries.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentCameras: 12,
		RetryBudget:          5,
		Backoff:              DefaultBackoff(),
		ReconcileInterval:    30 * time.Second,
		Worker:               DefaultWorkerConfig(),
	}
}

// Scheduler maintains the live set of camera workers matching the
// registry's eligible cameras: active, online, and holding at least
// one active model assignment. It reconciles on registry change
// notifications, enforces the concurrency ceiling through a counting
// admission gate, and isolates per-camera failures behind a
// cooldown-retry policy.
//
// All worker-map mutation happens on the Serve goroutine.
type Scheduler struct {
	registry Registry
	sources  SourceFactory
	runtimes RuntimeRegistry
	sink     CandidateSink
	cfg      SchedulerConfig
	log      zerolog.Logger

	mu      sync.Mutex
	workers map[string]*supervised
	queue   []pending
	faults  map[string]int
	states  map[string]WorkerState

	exitCh chan exit
}

type supervised struct {
	worker   *Worker
	cancel   context.CancelFunc
	stopping bool
}

type pending struct {
	cam     Camera
	readyAt time.Time // zero for immediately admissible
}

type exit struct {
	cameraID string
	err      error
}

// NewScheduler wires a scheduler; Serve runs it.
func NewScheduler(registry Registry, sources SourceFactory, runtimes RuntimeRegistry, sink CandidateSink, cfg SchedulerConfig) *Scheduler {
	if cfg.MaxConcurrentCameras <= 0 {
		cfg.MaxConcurrentCameras = DefaultSchedulerConfig().MaxConcurrentCameras
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultSchedulerConfig().RetryBudget
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultSchedulerConfig().ReconcileInterval
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Scheduler{
		registry: registry,
		sources:  sources,
		runtimes: runtimes,
		sink:     sink,
		cfg:      cfg,
		log:      logging.Component("scheduler"),
		workers:  make(map[string]*supervised),
		faults:   make(map[string]int),
		states:   make(map[string]WorkerState),
		exitCh:   make(chan exit, cfg.MaxConcurrentCameras+4),
	}
}

// Serve runs the reconciliation loop until ctx is canceled. Implements
// suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	changes, unsubscribe := s.registry.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	retryTimer := time.NewTimer(time.Hour)
	if !retryTimer.Stop() {
		<-retryTimer.C
	}

	s.reconcile(ctx)

	for {
		s.armRetryTimer(retryTimer)
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-changes:
			s.reconcile(ctx)
		case <-ticker.C:
			s.reconcile(ctx)
		case <-retryTimer.C:
			s.admit(ctx)
		case ev := <-s.exitCh:
			s.onExit(ctx, ev)
		}
	}
}

func (s *Scheduler) String() string { return "pipeline.Scheduler" }

// RunningCount reports currently admitted workers.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sv := range s.workers {
		if !sv.stopping {
			n++
		}
	}
	return n
}

// QueuedCount reports eligible cameras waiting on the ceiling.
func (s *Scheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// WorkerState reports a camera's worker state. For a camera between
// runs the last observed transition is reported, so a faulted camera
// still reads faulted while it cools down; cameras never started read
// WorkerStopped.
func (s *Scheduler) WorkerState(cameraID string) WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sv, ok := s.workers[cameraID]; ok {
		return sv.worker.State()
	}
	if st, ok := s.states[cameraID]; ok {
		return st
	}
	return WorkerStopped
}

// WorkerStateChanged implements StateListener. Called by workers on
// every transition; the recorded state outlives the worker so the
// status surface can see why a camera is not running.
func (s *Scheduler) WorkerStateChanged(cameraID string, from, to WorkerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[cameraID] = to
}

// reconcile aligns the worker fleet with the registry: stops workers
// for no-longer-eligible cameras, queues newly eligible ones, and
// leaves unaffected workers untouched.
func (s *Scheduler) reconcile(ctx context.Context) {
	eligible, err := s.registry.Eligible()
	if err != nil {
		// Last-known-good: never stop running workers because the
		// registry is unreachable.
		s.log.Warn().Err(err).Msg("registry read failed, keeping current roster")
		return
	}

	want := make(map[string]Camera, len(eligible))
	for _, cam := range eligible {
		want[cam.ID] = cam
	}

	s.mu.Lock()
	for id, sv := range s.workers {
		if _, ok := want[id]; !ok && !sv.stopping {
			sv.stopping = true
			s.log.Info().Str("camera_id", id).Msg("camera no longer eligible, draining worker")
			go sv.worker.Stop()
		}
	}

	kept := s.queue[:0]
	for _, p := range s.queue {
		if _, ok := want[p.cam.ID]; ok {
			kept = append(kept, p)
		}
	}
	s.queue = kept

	for _, cam := range eligible {
		if _, running := s.workers[cam.ID]; running {
			continue
		}
		if s.queued(cam.ID) {
			continue
		}
		s.queue = append(s.queue, pending{cam: cam})
	}
	telemetry.QueuedCameras.Set(float64(len(s.queue)))
	s.mu.Unlock()

	s.admit(ctx)
}

// admit starts queued workers while the admission gate has capacity.
// FIFO by eligibility time; entries still cooling down are skipped
// until their readyAt passes.
func (s *Scheduler) admit(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := s.cfg.MaxConcurrentCameras - len(s.workers)
	remaining := s.queue[:0:0]
	for _, p := range s.queue {
		if capacity <= 0 || p.readyAt.After(now) {
			remaining = append(remaining, p)
			continue
		}
		s.start(ctx, p.cam)
		capacity--
	}
	s.queue = remaining
	telemetry.QueuedCameras.Set(float64(len(s.queue)))
}

// start launches one worker. Caller holds s.mu.
func (s *Scheduler) start(ctx context.Context, cam Camera) {
	wctx, cancel := context.WithCancel(ctx)
	w := NewWorker(cam, s.sources.NewSource(cam), s.runtimes, s.registry, s.sink, s, s.cfg.Worker)
	s.workers[cam.ID] = &supervised{worker: w, cancel: cancel}
	telemetry.RunningWorkers.Set(float64(len(s.workers)))
	s.log.Info().Str("camera_id", cam.ID).Msg("starting camera worker")

	go func() {
		err := w.Run(wctx)
		cancel()
		s.exitCh <- exit{cameraID: cam.ID, err: err}
	}()
}

// onExit handles a worker leaving the fleet: frees admission capacity,
// applies the cooldown-retry policy to faults, and marks the camera
// maintenance once the retry budget is spent.
func (s *Scheduler) onExit(ctx context.Context, ev exit) {
	s.mu.Lock()
	delete(s.workers, ev.cameraID)
	telemetry.RunningWorkers.Set(float64(len(s.workers)))

	if ev.err == nil || errors.Is(ev.err, context.Canceled) {
		delete(s.faults, ev.cameraID)
		delete(s.states, ev.cameraID)
		s.mu.Unlock()
		s.reconcile(ctx)
		return
	}

	attempts := s.faults[ev.cameraID] + 1
	s.faults[ev.cameraID] = attempts

	if attempts > s.cfg.RetryBudget {
		delete(s.faults, ev.cameraID)
		s.mu.Unlock()
		telemetry.WorkerFaults.WithLabelValues(ev.cameraID).Inc()
		s.log.Error().Err(ev.err).Str("camera_id", ev.cameraID).Int("attempts", attempts-1).
			Msg("retry budget exhausted, marking camera for maintenance")
		if serr := s.registry.SetCameraStatus(ev.cameraID, CameraMaintenance, ev.err.Error()); serr != nil {
			s.log.Error().Err(serr).Str("camera_id", ev.cameraID).Msg("failed to record maintenance status")
		}
		s.admit(ctx)
		return
	}

	delay := s.cfg.Backoff.Delay(attempts - 1)
	s.log.Warn().Err(ev.err).Str("camera_id", ev.cameraID).Int("attempt", attempts).
		Dur("cooldown", delay).Msg("worker faulted, scheduling retry")
	s.queue = append(s.queue, pending{
		cam:     s.cameraFor(ev.cameraID),
		readyAt: time.Now().Add(delay),
	})
	telemetry.QueuedCameras.Set(float64(len(s.queue)))
	s.mu.Unlock()

	s.admit(ctx)
}

// cameraFor re-reads the descriptor so a retry picks up registry
// edits. Falls back to a bare descriptor when the registry is down.
// Caller holds s.mu.
func (s *Scheduler) cameraFor(cameraID string) Camera {
	if cams, err := s.registry.Eligible(); err == nil {
		for _, cam := range cams {
			if cam.ID == cameraID {
				return cam
			}
		}
	}
	return Camera{ID: cameraID}
}

func (s *Scheduler) queued(cameraID string) bool {
	for _, p := range s.queue {
		if p.cam.ID == cameraID {
			return true
		}
	}
	return false
}

// armRetryTimer points the timer at the earliest pending readyAt.
func (s *Scheduler) armRetryTimer(t *time.Timer) {
	s.mu.Lock()
	var next time.Time
	for _, p := range s.queue {
		if p.readyAt.IsZero() {
			continue
		}
		if next.IsZero() || p.readyAt.Before(next) {
			next = p.readyAt
		}
	}
	s.mu.Unlock()

	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if next.IsZero() {
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

// shutdown drains every worker in parallel and waits for the fleet to
// exit.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	fleet := make([]*supervised, 0, len(s.workers))
	for _, sv := range s.workers {
		fleet = append(fleet, sv)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sv := range fleet {
		wg.Add(1)
		go func(sv *supervised) {
			defer wg.Done()
			sv.worker.Stop()
			sv.cancel()
		}(sv)
	}
	wg.Wait()
	s.log.Info().Int("workers", len(fleet)).Msg("scheduler shut down")
}

var _ StateListener = (*Scheduler)(nil)
