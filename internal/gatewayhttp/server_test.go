package gatewayhttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecluster/controlplane/internal/broadcaster"
	"github.com/voicecluster/controlplane/internal/config"
	"github.com/voicecluster/controlplane/internal/observability"
	"github.com/voicecluster/controlplane/internal/ratelimiter"
	"github.com/voicecluster/controlplane/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)

	metrics := observability.NewMetrics()
	reg := registry.New(logger, metrics, 30*time.Second)
	limiter := ratelimiter.New(1000, 1000, 1000, nil)
	hub := broadcaster.New(logger, metrics, nil, time.Hour)
	anns := registry.NewAnnouncementStore()
	health := observability.NewHealthChecker()

	cfg := config.DefaultGatewayConfig()
	cfg.System.RequestTimeout = 2 * time.Second
	cfg.System.BatchTimeout = 5 * time.Second

	srv := New(&cfg, reg, limiter, hub, anns, health, metrics, logger)
	hub.SetStatusProvider(srv)
	return srv, reg
}

// scenario 5: forward
func TestSynthesizeForwardsAndReturnsAudio(t *testing.T) {
	audio := bytes.Repeat([]byte{0xAB}, 12000)
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/synthesize", r.URL.Path)
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(audio)
	}))
	defer worker.Close()

	srv, reg := newTestServer(t)
	host, port := splitHostPort(t, worker.URL)
	reg.Register(registry.WorkerRecord{
		ID: "A", Engine: config.EngineXTTS, Host: host, Port: port,
		State: registry.StateReady, ModelLoaded: true,
	})

	body, _ := json.Marshal(map[string]interface{}{"text": "hello", "voice_id": "v"})
	req := httptest.NewRequest(http.MethodPost, "/api/synthesize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "A", w.Header().Get("X-Node-Id"))
	assert.Equal(t, "xtts", w.Header().Get("X-Engine"))
	assert.Equal(t, 12000, w.Body.Len())
}

func TestSynthesizeNoAvailableNodeReturns200Failure(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"text": "hello", "voice_id": "v"})
	req := httptest.NewRequest(http.MethodPost, "/api/synthesize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "NO_AVAILABLE_NODE", resp["code"])
}

// boundary: text length and speed bounds
func TestSynthesizeValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"empty text", map[string]interface{}{"text": "", "voice_id": "v"}},
		{"speed too low", map[string]interface{}{"text": "hi", "voice_id": "v", "speed": 0.49}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, _ := json.Marshal(tc.body)
			req := httptest.NewRequest(http.MethodPost, "/api/synthesize", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			srv.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSynthesizeSpeedAtLowerBoundAccepted(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write([]byte("ok"))
	}))
	defer worker.Close()

	srv, reg := newTestServer(t)
	host, port := splitHostPort(t, worker.URL)
	reg.Register(registry.WorkerRecord{
		ID: "A", Engine: config.EngineXTTS, Host: host, Port: port,
		State: registry.StateReady, ModelLoaded: true,
	})

	body, _ := json.Marshal(map[string]interface{}{"text": "hi", "voice_id": "v", "speed": 0.5})
	req := httptest.NewRequest(http.MethodPost, "/api/synthesize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNodeManagementRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	regBody, _ := json.Marshal(map[string]interface{}{
		"id": "abc12345", "engine": "xtts", "host": "h", "port": 8001,
		"state": "ready", "model_loaded": true,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/nodes/register", bytes.NewReader(regBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/nodes", nil)
	w2 := httptest.NewRecorder()
	srv.router.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Contains(t, w2.Body.String(), "abc12345")
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	return parsed.Hostname(), port
}
