package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptSource plays back a fixed sequence of Next results. Once the
// script is exhausted it reports the camera disabled so Run exits
// cleanly.
type scriptSource struct {
	mu         sync.Mutex
	script     []scriptStep
	pos        int
	seq        uint64
	connects   int
	reconnects int

	connectErr   error
	reconnectErr error
}

type scriptStep struct {
	data []byte
	err  error
}

func (s *scriptSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	return s.connectErr
}

func (s *scriptSource) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return s.reconnectErr
}

func (s *scriptSource) Next(ctx context.Context) (*Frame, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.script) {
		return nil, ErrCameraDisabled
	}
	step := s.script[s.pos]
	s.pos++
	if step.err != nil {
		return nil, step.err
	}
	s.seq++
	return &Frame{CameraID: "cam-1", Seq: s.seq, Timestamp: time.Now(), Data: step.data}, nil
}

func (s *scriptSource) Close() error { return nil }

// fakeRuntime answers Detect from a function.
type fakeRuntime struct {
	spec   ModelSpec
	detect func(ctx context.Context, frame *Frame) ([]Finding, error)
}

func (r *fakeRuntime) Spec() ModelSpec { return r.spec }

func (r *fakeRuntime) Detect(ctx context.Context, frame *Frame, cam Camera) ([]Finding, error) {
	return r.detect(ctx, frame)
}

// fakeRuntimes implements RuntimeRegistry over a map.
type fakeRuntimes map[string]*fakeRuntime

func (f fakeRuntimes) Runtime(id string) (ModelRuntime, bool) {
	rt, ok := f[id]
	return rt, ok
}

// staticRoster returns the same specs for every camera.
type staticRoster []ModelSpec

func (r staticRoster) ActiveModelsFor(string) []ModelSpec { return r }

// collectSink records submitted candidates.
type collectSink struct {
	mu         sync.Mutex
	candidates []Candidate
}

func (s *collectSink) Submit(ctx context.Context, c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *collectSink) all() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Candidate(nil), s.candidates...)
}

func fastWorkerConfig() WorkerConfig {
	return WorkerConfig{
		FrameInterval:    time.Millisecond,
		InferenceTimeout: 200 * time.Millisecond,
		DrainTimeout:     time.Second,
	}
}

func testCamera() Camera {
	return Camera{ID: "cam-1", Name: "Gate A", Location: "north gate", Active: true, Status: CameraOnline}
}

func TestWorkerThresholdBoundary(t *testing.T) {
	spec := ModelSpec{ID: "ppe-1", Type: ViolationPPE, Threshold: 0.75, Enabled: true}
	confidences := []float32{0.74, 0.75, 0.76}

	rt := &fakeRuntime{spec: spec, detect: func(ctx context.Context, frame *Frame) ([]Finding, error) {
		var fs []Finding
		for _, c := range confidences {
			fs = append(fs, Finding{Type: ViolationPPE, Confidence: c, ModelID: spec.ID})
		}
		return fs, nil
	}}

	sink := &collectSink{}
	src := &scriptSource{script: []scriptStep{{data: []byte("jpeg")}}}
	w := NewWorker(testCamera(), src, fakeRuntimes{spec.ID: rt}, staticRoster{spec}, sink, nil, fastWorkerConfig())

	err := w.Run(context.Background())
	require.NoError(t, err)

	got := sink.all()
	require.Len(t, got, 2, "a finding exactly at the threshold must qualify")
	assert.InDelta(t, 0.75, got[0].Confidence, 1e-6)
	assert.InDelta(t, 0.76, got[1].Confidence, 1e-6)
	for _, c := range got {
		assert.Equal(t, "cam-1", c.CameraID)
		assert.Equal(t, "north gate", c.Location)
		assert.Equal(t, spec.ID, c.ModelID)
	}
}

func TestWorkerPerCameraOrdering(t *testing.T) {
	// Record interleaving: no invocation for frame N+1 may start before
	// every invocation for frame N has ended.
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(kind string, seq uint64, model string) {
		mu.Lock()
		events = append(events, fmt.Sprintf("%s:%d:%s", kind, seq, model))
		mu.Unlock()
	}

	mkRuntime := func(id string, delay time.Duration) *fakeRuntime {
		spec := ModelSpec{ID: id, Type: ViolationGeneric, Threshold: 0.5, Enabled: true}
		return &fakeRuntime{spec: spec, detect: func(ctx context.Context, frame *Frame) ([]Finding, error) {
			record("start", frame.Seq, id)
			time.Sleep(delay)
			record("end", frame.Seq, id)
			return nil, nil
		}}
	}

	fast := mkRuntime("fast", time.Millisecond)
	slow := mkRuntime("slow", 20*time.Millisecond)

	src := &scriptSource{script: []scriptStep{
		{data: []byte("f1")}, {data: []byte("f2")}, {data: []byte("f3")},
	}}
	roster := staticRoster{fast.spec, slow.spec}
	w := NewWorker(testCamera(), src, fakeRuntimes{"fast": fast, "slow": slow}, roster, &collectSink{}, nil, fastWorkerConfig())

	require.NoError(t, w.Run(context.Background()))

	open := make(map[uint64]int)
	var maxEnded uint64
	for _, ev := range events {
		parts := strings.SplitN(ev, ":", 3)
		kind := parts[0]
		var seq uint64
		fmt.Sscanf(parts[1], "%d", &seq)

		switch kind {
		case "start":
			require.Equal(t, maxEnded+1, seq,
				"invocation for frame %d started before frame %d fully resolved", seq, maxEnded+1)
			open[seq]++
		case "end":
			open[seq]--
			if open[seq] == 0 && seq > maxEnded {
				maxEnded = seq
			}
		}
	}
	assert.Equal(t, uint64(3), maxEnded)
}

func TestWorkerTimeoutIsolation(t *testing.T) {
	good := &fakeRuntime{
		spec: ModelSpec{ID: "good", Type: ViolationFall, Threshold: 0.5, Enabled: true},
		detect: func(ctx context.Context, frame *Frame) ([]Finding, error) {
			return []Finding{{Type: ViolationFall, Confidence: 0.9, ModelID: "good"}}, nil
		},
	}
	stuck := &fakeRuntime{
		spec: ModelSpec{ID: "stuck", Type: ViolationPPE, Threshold: 0.5, Enabled: true},
		detect: func(ctx context.Context, frame *Frame) ([]Finding, error) {
			<-ctx.Done()
			return nil, ErrModelTimeout
		},
	}

	sink := &collectSink{}
	src := &scriptSource{script: []scriptStep{{data: []byte("f1")}, {data: []byte("f2")}}}
	cfg := fastWorkerConfig()
	cfg.InferenceTimeout = 30 * time.Millisecond
	roster := staticRoster{good.spec, stuck.spec}
	w := NewWorker(testCamera(), src, fakeRuntimes{"good": good, "stuck": stuck}, roster, sink, nil, cfg)

	start := time.Now()
	require.NoError(t, w.Run(context.Background()))

	got := sink.all()
	require.Len(t, got, 2, "the healthy model's findings must survive the other model's timeout")
	for _, c := range got {
		assert.Equal(t, ViolationFall, c.Type)
	}
	// Both frames waited out the stuck model's deadline, nothing more.
	assert.Less(t, time.Since(start), time.Second)
}

func TestWorkerDisabledCameraStopsCleanly(t *testing.T) {
	src := &scriptSource{script: []scriptStep{
		{data: []byte("f1")},
		{err: ErrCameraDisabled},
	}}
	spec := ModelSpec{ID: "m", Type: ViolationGeneric, Threshold: 0.99, Enabled: true}
	rt := &fakeRuntime{spec: spec, detect: func(ctx context.Context, frame *Frame) ([]Finding, error) {
		return nil, nil
	}}
	w := NewWorker(testCamera(), src, fakeRuntimes{"m": rt}, staticRoster{spec}, &collectSink{}, nil, fastWorkerConfig())

	err := w.Run(context.Background())
	require.NoError(t, err, "a disabled camera is a drain, not a fault")
	assert.Equal(t, WorkerStopped, w.State())
}

func TestWorkerReconnectsOnConnectionLoss(t *testing.T) {
	src := &scriptSource{script: []scriptStep{
		{data: []byte("f1")},
		{err: ErrConnectionLost},
		{data: []byte("f2")},
	}}
	sink := &collectSink{}
	spec := ModelSpec{ID: "m", Type: ViolationGeneric, Threshold: 0.5, Enabled: true}
	rt := &fakeRuntime{spec: spec, detect: func(ctx context.Context, frame *Frame) ([]Finding, error) {
		return []Finding{{Type: ViolationGeneric, Confidence: 0.8, ModelID: "m"}}, nil
	}}
	w := NewWorker(testCamera(), src, fakeRuntimes{"m": rt}, staticRoster{spec}, sink, nil, fastWorkerConfig())

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, 1, src.reconnects)
	assert.Len(t, sink.all(), 2, "frames on both sides of the reconnect are processed")
}

func TestWorkerFaultsWhenReconnectExhausted(t *testing.T) {
	src := &scriptSource{
		script:       []scriptStep{{err: ErrConnectionLost}},
		reconnectErr: fmt.Errorf("%w after 5 attempts", ErrAdapterFatal),
	}
	spec := ModelSpec{ID: "m", Type: ViolationGeneric, Threshold: 0.5, Enabled: true}
	rt := &fakeRuntime{spec: spec, detect: func(ctx context.Context, frame *Frame) ([]Finding, error) {
		return nil, nil
	}}
	w := NewWorker(testCamera(), src, fakeRuntimes{"m": rt}, staticRoster{spec}, &collectSink{}, nil, fastWorkerConfig())

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAdapterFatal))
	assert.Equal(t, WorkerFaulted, w.State())
}

func TestWorkerGracefulStop(t *testing.T) {
	// An endless healthy source; the worker must leave on Stop.
	src := &scriptSource{script: make([]scriptStep, 10000)}
	for i := range src.script {
		src.script[i] = scriptStep{data: []byte("f")}
	}
	spec := ModelSpec{ID: "m", Type: ViolationGeneric, Threshold: 0.5, Enabled: true}
	rt := &fakeRuntime{spec: spec, detect: func(ctx context.Context, frame *Frame) ([]Finding, error) {
		return nil, nil
	}}
	w := NewWorker(testCamera(), src, fakeRuntimes{"m": rt}, staticRoster{spec}, &collectSink{}, nil, fastWorkerConfig())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool { return w.State() == WorkerRunning }, time.Second, time.Millisecond)
	w.Stop()

	select {
	case err := <-done:
		require.NoError(t, err, "graceful stop is not a fault")
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, WorkerStopped, w.State())
}

func TestWorkerEffectiveInterval(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		fps      int
		want     time.Duration
	}{
		{"interval dominates slow camera", time.Second, 30, time.Second},
		{"declared rate dominates", 100 * time.Millisecond, 2, 500 * time.Millisecond},
		{"zero fps falls back to interval", time.Second, 0, time.Second},
		{"zero interval falls back to default", 0, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam := testCamera()
			cam.FPS = tt.fps
			w := NewWorker(cam, &scriptSource{}, fakeRuntimes{}, staticRoster{}, &collectSink{}, nil,
				WorkerConfig{FrameInterval: tt.interval})
			assert.Equal(t, tt.want, w.effectiveInterval())
		})
	}
}
