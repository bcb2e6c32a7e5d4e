package workerrt

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecluster/controlplane/internal/config"
	"github.com/voicecluster/controlplane/internal/observability"
	"github.com/voicecluster/controlplane/internal/voicestore"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	adapter, err := NewAdapter(config.EngineXTTS, "")
	require.NoError(t, err)

	store, err := voicestore.New(t.TempDir(), observability.NewMetrics())
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Worker = config.DefaultWorkerConfig()
	cfg.Gateway = config.DefaultGatewayConfig()

	return New(cfg, adapter, store, observability.NewMetrics(), nil, 4)
}

func TestHealthReflectsModelLoadedState(t *testing.T) {
	rt := newTestRuntime(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	rt.Router().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["model_loaded"])
	assert.Equal(t, "standby", body["state"])
}

func TestSynthesizeReturns503WhenModelNotLoaded(t *testing.T) {
	rt := newTestRuntime(t)

	body, _ := json.Marshal(map[string]interface{}{"text": "hi", "voice_id": "v"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/synthesize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rt.Router().ServeHTTP(w, req)

	assert.Equal(t, 503, w.Code)
}

func TestActivateCommandLoadsModelThenSynthesizeSucceeds(t *testing.T) {
	rt := newTestRuntime(t)

	cmdBody, _ := json.Marshal(map[string]string{"command": "activate"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/command", bytes.NewReader(cmdBody))
	req.Header.Set("Content-Type", "application/json")
	rt.Router().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	state, modelLoaded, _ := rt.snapshot()
	assert.Equal(t, StateReady, state)
	assert.True(t, modelLoaded)

	synthBody, _ := json.Marshal(map[string]interface{}{"text": "hi", "voice_id": "v"})
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("POST", "/synthesize", bytes.NewReader(synthBody))
	req2.Header.Set("Content-Type", "application/json")
	rt.Router().ServeHTTP(w2, req2)
	assert.Equal(t, 200, w2.Code)
	assert.Greater(t, w2.Body.Len(), 0)
}

func TestStandbyCommandTransitionsState(t *testing.T) {
	rt := newTestRuntime(t)
	rt.setState(StateReady)

	cmdBody, _ := json.Marshal(map[string]string{"command": "standby"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/command", bytes.NewReader(cmdBody))
	req.Header.Set("Content-Type", "application/json")
	rt.Router().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	state, _, _ := rt.snapshot()
	assert.Equal(t, StateStandby, state)
}

func TestUnknownCommandRejected(t *testing.T) {
	rt := newTestRuntime(t)

	cmdBody, _ := json.Marshal(map[string]string{"command": "explode"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/command", bytes.NewReader(cmdBody))
	req.Header.Set("Content-Type", "application/json")
	rt.Router().ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
}

func TestExtractVoicePersistsToStoreWhenModelLoaded(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.LoadModel(context.Background()))

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", "sample.wav")
	require.NoError(t, err)
	part.Write([]byte("fake-audio-bytes"))
	writer.WriteField("voice_id", "voice-1")
	writer.WriteField("voice_name", "narrator")
	writer.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/extract_voice", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rt.Router().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)

	embedding, side, err := rt.store.Load("voice-1")
	require.NoError(t, err)
	assert.Equal(t, "fake-audio-bytes", string(embedding))
	assert.Equal(t, "narrator", side.Name)
}

func TestGenerateWorkerIDIsEightHex(t *testing.T) {
	id := generateWorkerID()
	assert.Len(t, id, 8)
}

func TestHeartbeatLoopStopsOnContextCancel(t *testing.T) {
	rt := newTestRuntime(t)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		rt.HeartbeatLoop(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HeartbeatLoop did not stop after cancel")
	}
}
