// Package workerrt is a worker process: one engine adapter, a
// lifecycle FSM, a register/heartbeat loop against the gateway, and a
// local HTTP surface.
//
// Structurally grounded on Altacee-dockation/internal/worker/worker.go
// (a Worker struct composing a connector/inventory/executor) and
// internal/worker/connector.go's connect/heartbeat/backoff shape,
// translated from gRPC streams to HTTP POSTs per spec.md §4.5.
package workerrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"

	"github.com/voicecluster/controlplane/internal/config"
)

// EngineAdapter is the tagged-variant dispatch spec.md §9 calls for: a
// worker holds exactly one adapter, chosen by --engine at startup.
type EngineAdapter interface {
	Load(ctx context.Context, modelPath string) error
	Unload(ctx context.Context) error
	Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error)
	ExtractVoice(ctx context.Context, req ExtractVoiceRequest) (ExtractVoiceResult, error)
}

// SynthesizeRequest is the worker-local synthesize contract.
type SynthesizeRequest struct {
	Text     string
	VoiceID  string
	Language string
	Speed    float64
	Pitch    float64
}

// ExtractVoiceRequest is the worker-local extract_voice contract.
type ExtractVoiceRequest struct {
	AudioPath string
	VoiceID   string
	VoiceName string
}

// ExtractVoiceResult is returned to the caller after a successful
// extraction.
type ExtractVoiceResult struct {
	VoiceID   string
	VoiceName string
}

// xttsAdapter and openvoiceAdapter are black-box engine stand-ins: the
// actual inference is out of scope (spec.md §1), so these model only
// the contract shape — a synchronous call that would, in a real
// deployment, invoke the bound Python/C++ engine process via its own
// IPC mechanism.
type xttsAdapter struct {
	modelPath   string
	modelLoaded bool
}

func newXTTSAdapter() *xttsAdapter { return &xttsAdapter{} }

func (a *xttsAdapter) Load(ctx context.Context, modelPath string) error {
	a.modelPath = modelPath
	a.modelLoaded = true
	return nil
}

func (a *xttsAdapter) Unload(ctx context.Context) error {
	a.modelLoaded = false
	return nil
}

func (a *xttsAdapter) Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error) {
	if !a.modelLoaded {
		return nil, fmt.Errorf("model not loaded")
	}
	return synthesizePlaceholder(req), nil
}

func (a *xttsAdapter) ExtractVoice(ctx context.Context, req ExtractVoiceRequest) (ExtractVoiceResult, error) {
	if !a.modelLoaded {
		return ExtractVoiceResult{}, fmt.Errorf("model not loaded")
	}
	return ExtractVoiceResult{VoiceID: req.VoiceID, VoiceName: req.VoiceName}, nil
}

type openvoiceAdapter struct {
	modelPath   string
	modelLoaded bool
}

func newOpenVoiceAdapter() *openvoiceAdapter { return &openvoiceAdapter{} }

func (a *openvoiceAdapter) Load(ctx context.Context, modelPath string) error {
	a.modelPath = modelPath
	a.modelLoaded = true
	return nil
}

func (a *openvoiceAdapter) Unload(ctx context.Context) error {
	a.modelLoaded = false
	return nil
}

func (a *openvoiceAdapter) Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error) {
	if !a.modelLoaded {
		return nil, fmt.Errorf("model not loaded")
	}
	return synthesizePlaceholder(req), nil
}

func (a *openvoiceAdapter) ExtractVoice(ctx context.Context, req ExtractVoiceRequest) (ExtractVoiceResult, error) {
	if !a.modelLoaded {
		return ExtractVoiceResult{}, fmt.Errorf("model not loaded")
	}
	return ExtractVoiceResult{VoiceID: req.VoiceID, VoiceName: req.VoiceName}, nil
}

// gptSovitsAdapter is a thin reverse proxy to a configured upstream
// HTTP engine, exactly as spec.md §9 prescribes for the
// subprocess-deployed GPT-SoVITS case.
type gptSovitsAdapter struct {
	upstream *url.URL
	proxy    *httputil.ReverseProxy
	loaded   bool
}

func newGPTSovitsAdapter(upstreamURL string) (*gptSovitsAdapter, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	return &gptSovitsAdapter{upstream: u, proxy: httputil.NewSingleHostReverseProxy(u)}, nil
}

func (a *gptSovitsAdapter) Load(ctx context.Context, modelPath string) error {
	a.loaded = true
	return nil
}

func (a *gptSovitsAdapter) Unload(ctx context.Context) error {
	a.loaded = false
	return nil
}

func (a *gptSovitsAdapter) Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error) {
	if !a.loaded {
		return nil, fmt.Errorf("model not loaded")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode synthesize request: %w", err)
	}
	rec, err := a.proxyCall(ctx, "/synthesize", body)
	if err != nil {
		return nil, err
	}
	return rec.Body.Bytes(), nil
}

func (a *gptSovitsAdapter) ExtractVoice(ctx context.Context, req ExtractVoiceRequest) (ExtractVoiceResult, error) {
	if !a.loaded {
		return ExtractVoiceResult{}, fmt.Errorf("model not loaded")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ExtractVoiceResult{}, fmt.Errorf("encode extract_voice request: %w", err)
	}
	rec, err := a.proxyCall(ctx, "/extract_voice", body)
	if err != nil {
		return ExtractVoiceResult{}, err
	}
	var result ExtractVoiceResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		return ExtractVoiceResult{}, fmt.Errorf("decode extract_voice response: %w", err)
	}
	return result, nil
}

// proxyCall drives a.proxy exactly as http.Server would for an inbound
// request, capturing the upstream's response into an in-memory
// recorder so the EngineAdapter interface's (bytes, error) shape stays
// independent of net/http's ResponseWriter/Request plumbing.
func (a *gptSovitsAdapter) proxyCall(ctx context.Context, path string, body []byte) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest("POST", path, bytes.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	a.proxy.ServeHTTP(rec, req)

	if rec.Code >= 400 {
		return nil, fmt.Errorf("upstream %s returned status %d", a.upstream, rec.Code)
	}
	return rec, nil
}

// synthesizePlaceholder stands in for the black-box engine call; real
// inference is explicitly out of scope (spec.md §1).
func synthesizePlaceholder(req SynthesizeRequest) []byte {
	return []byte("RIFF....WAVEfmt " + req.Text)
}

// NewAdapter builds the adapter for engine, per spec.md §9's static
// per-process dispatch.
func NewAdapter(engine config.Engine, upstreamURL string) (EngineAdapter, error) {
	switch engine {
	case config.EngineXTTS:
		return newXTTSAdapter(), nil
	case config.EngineOpenVoice:
		return newOpenVoiceAdapter(), nil
	case config.EngineGPTSoVITS:
		return newGPTSovitsAdapter(upstreamURL)
	default:
		return nil, fmt.Errorf("unknown engine: %s", engine)
	}
}
