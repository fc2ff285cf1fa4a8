package framesource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitewatch/internal/pipeline"
)

var fakeJPEG = []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

func testConfig() Config {
	return Config{
		ReadTimeout:       500 * time.Millisecond,
		ReconnectAttempts: 2,
		Backoff:           pipeline.Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond},
	}
}

func newSource(t *testing.T, url string, status StatusFunc) *HTTPSource {
	t.Helper()
	f := NewFactory(testConfig(), status)
	src := f.NewSource(pipeline.Camera{ID: "cam-1", FeedURL: url, FPS: 5})
	t.Cleanup(func() { src.Close() })
	return src.(*HTTPSource)
}

func TestSnapshotPolling(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(fakeJPEG)
	}))
	defer srv.Close()

	src := newSource(t, srv.URL, nil)
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx))

	f1, err := src.Next(ctx)
	require.NoError(t, err)
	f2, err := src.Next(ctx)
	require.NoError(t, err)

	assert.Equal(t, fakeJPEG, f1.Data)
	assert.Equal(t, "cam-1", f1.CameraID)
	assert.Equal(t, uint64(1), f1.Seq)
	assert.Equal(t, uint64(2), f2.Seq, "sequence numbers are strictly increasing")
}

func TestMJPEGStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		fl := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n"))
			w.Write(fakeJPEG)
			w.Write([]byte("\r\n"))
			fl.Flush()
		}
		// Hold the stream open briefly so reads do not race the close.
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	src := newSource(t, srv.URL, nil)
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx))

	for i := 1; i <= 3; i++ {
		f, err := src.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, fakeJPEG, f.Data)
		assert.Equal(t, uint64(i), f.Seq)
	}
}

func TestConnectClassifiesGoneAsDisabled(t *testing.T) {
	for _, code := range []int{http.StatusGone, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		src := newSource(t, srv.URL, nil)

		err := src.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, pipeline.ErrCameraDisabled), "status %d", code)
		srv.Close()
	}
}

func TestConnectClassifiesServerErrorAsLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var statuses []pipeline.CameraStatus
	src := newSource(t, srv.URL, func(id string, s pipeline.CameraStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	err := src.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrConnectionLost))
	mu.Lock()
	assert.Contains(t, statuses, pipeline.CameraOffline)
	mu.Unlock()
}

func TestReconnectExhaustsToAdapterFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := newSource(t, srv.URL, nil)
	err := src.Reconnect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrAdapterFatal))
}

func TestReconnectStopsOnDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	src := newSource(t, srv.URL, nil)
	err := src.Reconnect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrCameraDisabled),
		"a disabled endpoint must not burn the whole retry budget")
}

func TestNextWithoutConnect(t *testing.T) {
	src := newSource(t, "http://127.0.0.1:0", nil)
	_, err := src.Next(context.Background())
	assert.True(t, errors.Is(err, pipeline.ErrConnectionLost))
}

func TestSnapshotStatusDisabledMidStream(t *testing.T) {
	var mu sync.Mutex
	gone := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		g := gone
		mu.Unlock()
		if g {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.Write(fakeJPEG)
	}))
	defer srv.Close()

	src := newSource(t, srv.URL, nil)
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx))
	_, err := src.Next(ctx)
	require.NoError(t, err)

	mu.Lock()
	gone = true
	mu.Unlock()
	_, err = src.Next(ctx)
	assert.True(t, errors.Is(err, pipeline.ErrCameraDisabled))
}

func TestExtractJPEG(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want []byte
		rest int
	}{
		{"complete frame with boundary noise", append([]byte("--frame\r\n"), fakeJPEG...), fakeJPEG, 0},
		{"incomplete frame stays buffered", fakeJPEG[:4], nil, 4},
		{"no start marker", []byte{0x00, 0x01, 0x02}, nil, 3},
		{"two frames yields the first", append(append([]byte{}, fakeJPEG...), fakeJPEG...), fakeJPEG, len(fakeJPEG)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := append([]byte(nil), tt.buf...)
			got := extractJPEG(&buf)
			assert.Equal(t, tt.want, got)
			assert.Len(t, buf, tt.rest)
		})
	}
}
