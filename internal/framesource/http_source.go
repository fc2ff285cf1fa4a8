// Package framesource adapts camera feed transports into the
// pipeline's FrameSource contract. The HTTP adapter handles both
// snapshot endpoints (one JPEG per request) and MJPEG streams
// (multipart/x-mixed-replace), which covers the fixed-mount IP cameras
// the product targets.
package framesource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sitewatch/internal/logging"
	"sitewatch/internal/pipeline"
)

// StatusFunc receives connection-state updates for external telemetry.
// Workers never branch on these beyond stop/restart.
type StatusFunc func(cameraID string, status pipeline.CameraStatus)

// Config tunes the HTTP adapter.
type Config struct {
	// ReadTimeout bounds one frame fetch or stream read.
	ReadTimeout time.Duration

	// ReconnectAttempts bounds Reconnect before ErrAdapterFatal.
	ReconnectAttempts int

	// Backoff shapes the reconnect delays.
	Backoff pipeline.Backoff
}

// DefaultConfig matches the pipeline defaults: 10s reads, 5 attempts,
// 1s -> 30s full-jitter backoff.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:       10 * time.Second,
		ReconnectAttempts: 5,
		Backoff:           pipeline.DefaultBackoff(),
	}
}

// Factory builds HTTPSource adapters; implements pipeline.SourceFactory.
type Factory struct {
	Client *http.Client
	Config Config
	Status StatusFunc
}

// NewFactory returns a factory with a shared transport.
func NewFactory(cfg Config, status StatusFunc) *Factory {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultConfig().ReconnectAttempts
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = pipeline.DefaultBackoff()
	}
	return &Factory{
		Client: &http.Client{}, // per-request timeouts via context
		Config: cfg,
		Status: status,
	}
}

// NewSource implements pipeline.SourceFactory.
func (f *Factory) NewSource(cam pipeline.Camera) pipeline.FrameSource {
	return &HTTPSource{
		cam:    cam,
		client: f.Client,
		cfg:    f.Config,
		status: f.Status,
		log:    logging.Component("framesource").With().Str("camera_id", cam.ID).Logger(),
	}
}

// HTTPSource is a restartable frame sequence over an HTTP camera feed.
type HTTPSource struct {
	cam    pipeline.Camera
	client *http.Client
	cfg    Config
	status StatusFunc
	log    zerolog.Logger

	seq atomic.Uint64

	mu        sync.Mutex
	connected bool
	streaming bool          // multipart stream vs snapshot polling
	body      io.ReadCloser // open stream body when streaming
	reader    *bufio.Reader
	buf       []byte
}

// Connect probes the endpoint once and, for MJPEG feeds, leaves the
// stream open for Next to read from.
func (s *HTTPSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	// Cancel-only context: an MJPEG stream must outlive the connect
	// deadline, so the deadline is a disarmable timer on the header
	// exchange rather than a context timeout.
	reqCtx, cancel := context.WithCancel(ctx)
	headerDeadline := time.AfterFunc(s.cfg.ReadTimeout, cancel)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.cam.FeedURL, nil)
	if err != nil {
		headerDeadline.Stop()
		cancel()
		return fmt.Errorf("%w: %v", pipeline.ErrConnectionLost, err)
	}

	resp, err := s.client.Do(req)
	headerDeadline.Stop()
	if err != nil {
		cancel()
		s.setStatus(pipeline.CameraOffline)
		return classifyTransport(err)
	}

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("%w: endpoint returned %d", pipeline.ErrCameraDisabled, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		s.setStatus(pipeline.CameraOffline)
		return fmt.Errorf("%w: endpoint returned %d", pipeline.ErrConnectionLost, resp.StatusCode)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "multipart/x-mixed-replace") {
		// Keep the stream open; reads are deadline-bounded in Next.
		// The cancel is deliberately leaked into the body's lifetime
		// and released in closeStream.
		s.streaming = true
		s.body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		s.reader = bufio.NewReaderSize(s.body, 64*1024)
		s.buf = s.buf[:0]
	} else {
		// Snapshot endpoint: drain the probe response and poll per
		// frame from Next.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		cancel()
		s.streaming = false
	}

	s.connected = true
	s.setStatus(pipeline.CameraOnline)
	s.log.Debug().Bool("streaming", s.streaming).Msg("feed connected")
	return nil
}

// Reconnect retries Connect with full-jitter exponential backoff up to
// the configured attempt budget.
func (s *HTTPSource) Reconnect(ctx context.Context) error {
	s.closeStream()

	var lastErr error
	for attempt := 0; attempt < s.cfg.ReconnectAttempts; attempt++ {
		if !s.cfg.Backoff.Sleep(ctx.Done(), attempt) {
			return ctx.Err()
		}
		lastErr = s.Connect(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, pipeline.ErrCameraDisabled) {
			return lastErr
		}
		s.log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("reconnect attempt failed")
	}
	s.setStatus(pipeline.CameraOffline)
	return fmt.Errorf("%w after %d attempts: %v", pipeline.ErrAdapterFatal, s.cfg.ReconnectAttempts, lastErr)
}

// Next yields the next frame from the open feed.
func (s *HTTPSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	s.mu.Lock()
	connected, streaming := s.connected, s.streaming
	s.mu.Unlock()
	if !connected {
		return nil, pipeline.ErrConnectionLost
	}

	var (
		data []byte
		err  error
	)
	if streaming {
		data, err = s.nextStreamFrame(ctx)
	} else {
		data, err = s.fetchSnapshot(ctx)
	}
	if err != nil {
		return nil, err
	}

	return &pipeline.Frame{
		CameraID:  s.cam.ID,
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Data:      data,
	}, nil
}

// Close releases the feed.
func (s *HTTPSource) Close() error {
	s.closeStream()
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *HTTPSource) fetchSnapshot(ctx context.Context) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.cam.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrConnectionLost, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, pipeline.ErrFrameTimeout
		}
		s.markLost()
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: endpoint returned %d", pipeline.ErrCameraDisabled, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		s.markLost()
		return nil, fmt.Errorf("%w: endpoint returned %d", pipeline.ErrConnectionLost, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		s.markLost()
		return nil, fmt.Errorf("%w: %v", pipeline.ErrConnectionLost, err)
	}
	return data, nil
}

// nextStreamFrame pulls bytes off the MJPEG stream until a complete
// JPEG (FFD8..FFD9) can be extracted.
func (s *HTTPSource) nextStreamFrame(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(s.cfg.ReadTimeout)
	chunk := make([]byte, 32*1024)

	for {
		if frame := extractJPEG(&s.buf); frame != nil {
			return frame, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, pipeline.ErrFrameTimeout
		}

		n, err := s.reader.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err != nil {
			s.markLost()
			if errors.Is(err, io.EOF) {
				return nil, pipeline.ErrConnectionLost
			}
			return nil, classifyTransport(err)
		}
	}
}

func (s *HTTPSource) closeStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body != nil {
		s.body.Close()
		s.body = nil
		s.reader = nil
	}
	s.connected = false
}

func (s *HTTPSource) markLost() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.setStatus(pipeline.CameraOffline)
}

func (s *HTTPSource) setStatus(status pipeline.CameraStatus) {
	if s.status != nil {
		s.status(s.cam.ID, status)
	}
}

// classifyTransport folds transport errors into the adapter taxonomy.
func classifyTransport(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", pipeline.ErrFrameTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", pipeline.ErrConnectionLost, err)
}

// extractJPEG pulls one complete JPEG out of buf, consuming it.
func extractJPEG(buf *[]byte) []byte {
	b := *buf
	start := -1
	for i := 0; i+1 < len(b); i++ {
		if b[i] == 0xFF && b[i+1] == 0xD8 {
			start = i
			break
		}
	}
	if start == -1 {
		return nil
	}
	for i := start + 2; i+1 < len(b); i++ {
		if b[i] == 0xFF && b[i+1] == 0xD9 {
			frame := make([]byte, i+2-start)
			copy(frame, b[start:i+2])
			*buf = b[i+2:]
			return frame
		}
	}
	return nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

var _ pipeline.FrameSource = (*HTTPSource)(nil)
var _ pipeline.SourceFactory = (*Factory)(nil)
