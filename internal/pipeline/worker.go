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

// WorkerConfig bounds one camera worker's frame loop.
type WorkerConfig struct {
	// FrameInterval is the minimum inter-frame interval. The effective
	// cadence is the slower of this and the camera's declared rate.
	FrameInterval time.Duration

	// InferenceTimeout is the per-model deadline for models that don't
	// declare their own.
	InferenceTimeout time.Duration

	// DrainTimeout bounds how long Stop waits for the in-flight frame
	// to resolve before giving up.
	DrainTimeout time.Duration
}

// DefaultWorkerConfig mirrors the stock processing settings: 1s frame
// interval, 5s inference deadline.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		FrameInterval:    time.Second,
		InferenceTimeout: 5 * time.Second,
		DrainTimeout:     10 * time.Second,
	}
}

// RosterView is the slice of the registry a worker reads between
// frames to pick up assignment changes.
type RosterView interface {
	ActiveModelsFor(cameraID string) []ModelSpec
}

// Worker owns one camera's detection lifecycle: pull a frame, fan it
// out to the camera's assigned models concurrently, gate findings on
// each model's threshold, and forward qualifying candidates downstream.
//
// Frames are strictly ordered per camera: dispatch for frame N+1 never
// starts before every model invocation for frame N has returned or hit
// its deadline.
type Worker struct {
	cam      Camera
	cfg      WorkerConfig
	source   FrameSource
	runtimes RuntimeRegistry
	roster   RosterView
	sink     CandidateSink
	listener StateListener
	log      zerolog.Logger

	mu     sync.Mutex
	state  WorkerState
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker builds a stopped worker. Run starts it.
func NewWorker(cam Camera, source FrameSource, runtimes RuntimeRegistry, roster RosterView, sink CandidateSink, listener StateListener, cfg WorkerConfig) *Worker {
	return &Worker{
		cam:      cam,
		cfg:      cfg,
		source:   source,
		runtimes: runtimes,
		roster:   roster,
		sink:     sink,
		listener: listener,
		log:      logging.Component("worker").With().Str("camera_id", cam.ID).Logger(),
		state:    WorkerStopped,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Camera returns the descriptor the worker was built for.
func (w *Worker) Camera() Camera { return w.cam }

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stop requests a graceful drain: the in-flight frame's model
// invocations finish (or hit their deadlines), no new frame is pulled.
// Blocks until the worker has stopped or DrainTimeout elapses.
func (w *Worker) Stop() {
	w.mu.Lock()
	select {
	case <-w.stopCh:
		// already stopping
	default:
		close(w.stopCh)
	}
	w.mu.Unlock()

	timeout := w.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-w.doneCh:
	case <-time.After(timeout):
		w.log.Warn().Msg("drain timeout elapsed before worker stopped")
	}
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

// Run drives the worker state machine until the camera is stopped,
// disabled, or faulted. A non-nil error means the worker faulted and
// the supervisor should apply its cooldown-retry policy.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.doneCh)
	defer w.source.Close()

	// nextCtx is canceled by Stop as well as by parent cancellation,
	// so a graceful stop interrupts the frame wait but leaves in-flight
	// model invocations (bounded by their deadlines) untouched.
	nextCtx, cancelNext := context.WithCancel(ctx)
	defer cancelNext()
	go func() {
		select {
		case <-w.stopCh:
			cancelNext()
		case <-nextCtx.Done():
		}
	}()

	w.setState(WorkerStarting)
	if err := w.source.Connect(nextCtx); err != nil {
		if stopErr := w.stopRequested(ctx); stopErr {
			w.setState(WorkerStopped)
			return nil
		}
		w.log.Warn().Err(err).Msg("initial connect failed, retrying with backoff")
		if err := w.source.Reconnect(nextCtx); err != nil {
			if w.stopRequested(ctx) {
				w.setState(WorkerStopped)
				return nil
			}
			w.setState(WorkerFaulted)
			return err
		}
	}

	w.setState(WorkerRunning)
	interval := w.effectiveInterval()
	var lastPull time.Time

	for {
		if w.stopRequested(ctx) {
			w.drain()
			return nil
		}

		// Frame cadence: bound load independent of source rate.
		if wait := interval - time.Since(lastPull); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-nextCtx.Done():
				t.Stop()
				w.drain()
				return nil
			}
		}
		lastPull = time.Now()

		frame, err := w.source.Next(nextCtx)
		switch {
		case err == nil:
			w.processFrame(ctx, frame)

		case errors.Is(err, ErrFrameTimeout):
			telemetry.FrameTimeouts.WithLabelValues(w.cam.ID).Inc()
			w.log.Debug().Msg("frame wait timed out")

		case errors.Is(err, ErrConnectionLost):
			w.log.Warn().Msg("feed connection lost, reconnecting")
			if rerr := w.source.Reconnect(nextCtx); rerr != nil {
				if w.stopRequested(ctx) {
					w.drain()
					return nil
				}
				w.setState(WorkerFaulted)
				return rerr
			}

		case errors.Is(err, ErrCameraDisabled):
			w.log.Info().Msg("camera disabled at source")
			w.drain()
			return nil

		default:
			if w.stopRequested(ctx) || nextCtx.Err() != nil {
				w.drain()
				return nil
			}
			w.setState(WorkerFaulted)
			return err
		}
	}
}

// processFrame fans the frame out to every assigned model concurrently
// and submits qualifying findings in roster order once all invocations
// have resolved. A failing or slow model never blocks the others.
func (w *Worker) processFrame(ctx context.Context, frame *Frame) {
	specs := w.roster.ActiveModelsFor(w.cam.ID)
	if len(specs) == 0 {
		return
	}

	results := make([][]Finding, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		rt, ok := w.runtimes.Runtime(spec.ID)
		if !ok {
			w.log.Warn().Str("model_id", spec.ID).Msg("assigned model has no loaded runtime")
			continue
		}
		wg.Add(1)
		go func(i int, spec ModelSpec, rt ModelRuntime) {
			defer wg.Done()
			results[i] = w.invoke(ctx, rt, spec, frame)
		}(i, spec, rt)
	}
	wg.Wait()

	telemetry.FramesProcessed.WithLabelValues(w.cam.ID).Inc()

	for i, spec := range specs {
		for _, f := range results[i] {
			// Strict >= at the boundary: a finding exactly at the
			// threshold qualifies.
			if f.Confidence < spec.Threshold {
				continue
			}
			cand := Candidate{
				CameraID:   w.cam.ID,
				Location:   w.cam.Location,
				Type:       f.Type,
				Confidence: f.Confidence,
				ModelID:    spec.ID,
				FrameSeq:   frame.Seq,
				Timestamp:  frame.Timestamp,
				BBox:       f.BBox,
				FrameData:  frame.Data,
			}
			if err := w.sink.Submit(ctx, cand); err != nil {
				w.log.Error().Err(err).Str("type", string(f.Type)).Msg("candidate submission failed")
			}
		}
	}
}

// invoke runs one model against one frame under its deadline. Errors
// and timeouts are contained here: they count, they log, and the model
// contributes no findings for this frame. Never retried; the frame
// would be stale.
func (w *Worker) invoke(ctx context.Context, rt ModelRuntime, spec ModelSpec, frame *Frame) []Finding {
	deadline := spec.Deadline
	if deadline <= 0 {
		deadline = w.cfg.InferenceTimeout
	}
	invCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	findings, err := rt.Detect(invCtx, frame, w.cam)
	if err != nil {
		if errors.Is(err, ErrModelTimeout) || errors.Is(err, context.DeadlineExceeded) {
			telemetry.ModelTimeouts.WithLabelValues(w.cam.ID, spec.ID).Inc()
			w.log.Warn().Str("model_id", spec.ID).Uint64("frame_seq", frame.Seq).Msg("model invocation timed out")
		} else {
			telemetry.ModelErrors.WithLabelValues(w.cam.ID, spec.ID).Inc()
			w.log.Error().Err(err).Str("model_id", spec.ID).Uint64("frame_seq", frame.Seq).Msg("model invocation failed")
		}
		return nil
	}
	return findings
}

func (w *Worker) drain() {
	w.setState(WorkerDraining)
	// In-flight invocations already resolved inside processFrame; by
	// the time the loop observes the stop there is nothing in flight.
	w.setState(WorkerStopped)
}

func (w *Worker) stopRequested(ctx context.Context) bool {
	select {
	case <-w.stopCh:
		return true
	default:
	}
	return ctx.Err() != nil
}

func (w *Worker) effectiveInterval() time.Duration {
	interval := w.cfg.FrameInterval
	if interval <= 0 {
		interval = time.Second
	}
	if w.cam.FPS > 0 {
		if declared := time.Second / time.Duration(w.cam.FPS); declared > interval {
			interval = declared
		}
	}
	return interval
}

func (w *Worker) setState(to WorkerState) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.mu.Unlock()
	if from == to {
		return
	}
	telemetry.WorkerTransitions.WithLabelValues(w.cam.ID, string(to)).Inc()
	w.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("worker state changed")
	if w.listener != nil {
		w.listener.WorkerStateChanged(w.cam.ID, from, to)
	}
}
