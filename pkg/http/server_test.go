package http

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phoneme-recognizer/pkg/config"
	"phoneme-recognizer/pkg/phoneme"
	"phoneme-recognizer/pkg/ratelimit"
	"phoneme-recognizer/pkg/realtime"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newProfile(t *testing.T, cfg config.AnalysisConfig, names ...string) *phoneme.Profile {
	p, err := phoneme.NewProfile(cfg.ProfileOptions("test"))
	require.NoError(t, err)
	for _, name := range names {
		_, err := p.AddEntry(name)
		require.NoError(t, err)
	}
	return p
}

// newTestServer builds a server around a real engine; names, when given,
// become the entries of an installed profile
func newTestServer(t *testing.T, keys []string, names ...string) (*Server, *realtime.Engine) {
	cfg := config.DefaultAnalysisConfig()

	var opts []realtime.Option
	if len(names) > 0 {
		opts = append(opts, realtime.WithProfile(newProfile(t, cfg, names...)))
	}

	engine, err := realtime.NewEngine(cfg, quietLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	httpConfig := DefaultConfig()
	httpConfig.EnableMetrics = false
	httpConfig.MaxIngestChannels = 2
	httpConfig.APIKeys = keys

	return NewServer(quietLogger(), httpConfig, engine, nil), engine
}

func do(t *testing.T, s *Server, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthHandler(t *testing.T) {
	t.Run("with profile", func(t *testing.T) {
		s, _ := newTestServer(t, nil, "A")
		rec := do(t, s, http.MethodGet, "/health", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var health HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, "healthy", health.Status)
		assert.Equal(t, "healthy", health.Checks["profile"].Status)
		assert.Equal(t, "degraded", health.Checks["websocket"].Status)
		assert.NotEmpty(t, rec.Header().Get("Server"))
	})

	t.Run("without profile", func(t *testing.T) {
		s, _ := newTestServer(t, nil)
		rec := do(t, s, http.MethodGet, "/health", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var health HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, "degraded", health.Status)
	})

	t.Run("without engine", func(t *testing.T) {
		s := NewServer(quietLogger(), DefaultConfig(), nil, nil)
		rec := do(t, s, http.MethodGet, "/health", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestReadinessHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health/ready", nil, nil).Code)

	s, _ = newTestServer(t, nil, "A")
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/ready", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live", nil, nil).Code)
}

func TestResultHandler(t *testing.T) {
	s, _ := newTestServer(t, nil, "A")

	rec := do(t, s, http.MethodGet, "/api/result", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result phoneme.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, -1, result.Index)
	assert.Empty(t, result.Ratios)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodPost, "/api/result", nil, nil).Code)
}

func TestStatsHandler(t *testing.T) {
	s, engine := newTestServer(t, nil, "A")

	rec := do(t, s, http.MethodGet, "/api/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, engine.SessionID(), stats["session_id"])
	assert.Equal(t, true, stats["has_profile"])
}

func TestCalibrateHandler(t *testing.T) {
	s, engine := newTestServer(t, nil, "A", "I")

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"missing parameter", "/api/calibrate", http.StatusBadRequest},
		{"non numeric index", "/api/calibrate?index=first", http.StatusBadRequest},
		{"index out of range", "/api/calibrate?index=5", http.StatusNotFound},
		{"unknown phoneme", "/api/calibrate?phoneme=Z", http.StatusNotFound},
		{"by index", "/api/calibrate?index=1", http.StatusAccepted},
		{"by phoneme", "/api/calibrate?phoneme=A", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, tt.target, nil, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	assert.Equal(t, 2, engine.Stats().PendingCalibrations)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/api/calibrate?index=0", nil, nil).Code)
}

func TestCalibrateHandlerWithoutProfile(t *testing.T) {
	s, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/calibrate?index=0", nil, nil).Code)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/calibrate?phoneme=A", nil, nil).Code)
}

func TestProfileHandlerExport(t *testing.T) {
	s, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodGet, "/api/profile", nil, nil).Code)

	s, _ = newTestServer(t, nil, "A", "I", "U")
	rec := do(t, s, http.MethodGet, "/api/profile", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	profile, err := phoneme.LoadDocument(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "I", "U"}, profile.Names())
}

func TestProfileHandlerInstall(t *testing.T) {
	s, engine := newTestServer(t, nil, "A")

	var installed *phoneme.Profile
	s.SetProfileListener(func(p *phoneme.Profile) { installed = p })

	var doc bytes.Buffer
	require.NoError(t, phoneme.SaveDocument(&doc, newProfile(t, engine.Config(), "E", "O")))

	rec := do(t, s, http.MethodPut, "/api/profile", doc.Bytes(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, []string{"E", "O"}, engine.Profile().Names())
	require.NotNil(t, installed)
	assert.Same(t, engine.Profile(), installed)
}

func TestProfileHandlerRejects(t *testing.T) {
	s, engine := newTestServer(t, nil, "A")

	t.Run("malformed document", func(t *testing.T) {
		rec := do(t, s, http.MethodPut, "/api/profile", []byte("{not json"), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong dimension", func(t *testing.T) {
		opts := engine.Config().ProfileOptions("other")
		opts.Dimension++
		p, err := phoneme.NewProfile(opts)
		require.NoError(t, err)
		_, err = p.AddEntry("A")
		require.NoError(t, err)

		var doc bytes.Buffer
		require.NoError(t, phoneme.SaveDocument(&doc, p))
		rec := do(t, s, http.MethodPut, "/api/profile", doc.Bytes(), nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	assert.Equal(t, []string{"A"}, engine.Profile().Names())
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodDelete, "/api/profile", nil, nil).Code)
}

func TestAPIKeyAuthentication(t *testing.T) {
	s, _ := newTestServer(t, []string{"secret"}, "A")

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPost, "/api/calibrate?index=0", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPost, "/api/calibrate?index=0", nil,
		map[string]string{"X-API-Key": "wrong"}).Code)

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/calibrate?index=0", nil,
		map[string]string{"X-API-Key": "secret"}).Code)
	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/calibrate?index=0", nil,
		map[string]string{"Authorization": "Bearer secret"}).Code)

	// read-only endpoints stay open
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/result", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil, nil).Code)
}

func TestControlEndpointsAreRateLimited(t *testing.T) {
	engine, err := realtime.NewEngine(config.DefaultAnalysisConfig(), quietLogger(),
		realtime.WithProfile(newProfile(t, config.DefaultAnalysisConfig(), "A")))
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	httpConfig := DefaultConfig()
	httpConfig.EnableMetrics = false
	httpConfig.RateLimit = ratelimit.Config{Enabled: true, RequestsPerSecond: 0.001, Burst: 2}
	s := NewServer(quietLogger(), httpConfig, engine, nil)

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/calibrate?index=0", nil, nil).Code)
	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/calibrate?index=0", nil, nil).Code)

	rec := do(t, s, http.MethodPost, "/api/calibrate?index=0", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// another client has its own bucket
	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/calibrate?index=0", nil,
		map[string]string{"X-Forwarded-For": "198.51.100.7"}).Code)

	// reads are not limited
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/result", nil, nil).Code)
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func float32LE(samples ...float32) []byte {
	buf := make([]byte, 0, 4*len(samples))
	for _, s := range samples {
		bits := math.Float32bits(s)
		buf = append(buf, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}
	return buf
}

func TestIngestHandler(t *testing.T) {
	s, engine := newTestServer(t, nil, "A")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/ingest?channels=2"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, float32LE(0.1, -0.1, 0.2, -0.2, 0.3, -0.3)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, float32LE(0.4, -0.4)))

	assert.Eventually(t, func() bool {
		return engine.Stats().Stream.SamplesWritten == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), engine.Stats().Stream.AudioFramesProcessed)
}

func TestIngestHandlerRejectsPartialSamples(t *testing.T) {
	s, _ := newTestServer(t, nil, "A")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/ingest"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "got %v", err)
}

func TestIngestHandlerChannelRange(t *testing.T) {
	s, _ := newTestServer(t, nil, "A")

	for _, channels := range []string{"0", "3", "stereo"} {
		rec := do(t, s, http.MethodGet, "/ws/ingest?channels="+channels, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "channels=%s", channels)
	}
}

func TestIngestHandlerRequiresKey(t *testing.T) {
	s, _ := newTestServer(t, []string{"secret"}, "A")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/ingest"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/ingest?api_key=secret"), nil)
	require.NoError(t, err)
	conn.Close()
}

func TestResultHubBroadcast(t *testing.T) {
	hub := NewResultHub(quietLogger())
	s := NewServer(quietLogger(), DefaultConfig(), nil, hub)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// not running yet
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/results"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	require.Eventually(t, hub.IsRunning, time.Second, 5*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/results"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.OnResult(phoneme.Result{Sequence: 7, Phoneme: "A", Index: 0, Ratios: map[string]float64{"A": 1}, Volume: 0.5})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got phoneme.Result
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, "A", got.Phoneme)
	assert.InDelta(t, 1.0, got.Ratios["A"], 1e-12)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	assert.False(t, hub.IsRunning())
	assert.Equal(t, 0, hub.ClientCount())
}
