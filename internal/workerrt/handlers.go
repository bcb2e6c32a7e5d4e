package workerrt

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicecluster/controlplane/internal/cperrors"
	"github.com/voicecluster/controlplane/internal/observability"
)

// Health reports this process's own liveness, not the engine's model
// state — a worker answers 200 here even while loading, matching
// spec.md §4.5's distinction between "process up" and "ready to serve".
func (rt *Runtime) Health(c *gin.Context) {
	state, modelLoaded, _ := rt.snapshot()
	c.JSON(http.StatusOK, gin.H{
		"state":        state,
		"model_loaded": modelLoaded,
	})
}

// Info returns static and current identity/state fields, the worker's
// analogue of the gateway's /api/status.
func (rt *Runtime) Info(c *gin.Context) {
	state, modelLoaded, concurrent := rt.snapshot()
	c.JSON(http.StatusOK, gin.H{
		"id":                 rt.cfg.GetWorkerID(),
		"engine":             rt.cfg.Worker.Engine,
		"host":               rt.cfg.Worker.Host,
		"port":               rt.cfg.Worker.Port,
		"state":              state,
		"model_loaded":       modelLoaded,
		"current_concurrent": concurrent,
		"total_requests":     atomic.LoadInt64(&rt.totalRequests),
		"total_errors":       atomic.LoadInt64(&rt.totalErrors),
	})
}

// Metrics exposes the worker's own Prometheus text-format surface.
func (rt *Runtime) Metrics(c *gin.Context) {
	_, _, concurrent := rt.snapshot()
	observability.WorkerConcurrency.Set(float64(concurrent))
	gin.WrapH(promhttp.Handler())(c)
}

type commandRequest struct {
	Command string `json:"command"`
}

// Command handles POST /command {activate|standby|stop}, the worker's
// half of the gateway's SendCommand, per spec.md §4.3's command list.
func (rt *Runtime) Command(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeWorkerError(c, cperrors.InvalidRequest(err.Error()))
		return
	}

	switch req.Command {
	case "activate":
		ctx := c.Request.Context()
		if err := rt.LoadModel(ctx); err != nil {
			writeWorkerError(c, cperrors.EngineError(err.Error()))
			return
		}
	case "standby":
		rt.setState(StateStandby)
	case "stop":
		go rt.Stop(context.Background(), 10*time.Second)
	default:
		writeWorkerError(c, cperrors.InvalidRequest("unknown command: "+req.Command))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type synthesizeBody struct {
	Text     string  `json:"text"`
	VoiceID  string  `json:"voice_id"`
	Language string  `json:"language"`
	Speed    float64 `json:"speed"`
	Pitch    float64 `json:"pitch"`
}

// Synthesize handles POST /synthesize on the worker's local surface. It
// short-circuits 503 when the model isn't loaded, acquires the bounded
// work pool, and dispatches to the configured EngineAdapter.
func (rt *Runtime) Synthesize(c *gin.Context) {
	_, modelLoaded, _ := rt.snapshot()
	if !modelLoaded {
		writeWorkerError(c, cperrors.ModelNotLoaded(rt.cfg.GetWorkerID()))
		return
	}

	var body synthesizeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeWorkerError(c, cperrors.InvalidRequest(err.Error()))
		return
	}

	ctx := c.Request.Context()
	if err := rt.workPool.Acquire(ctx, 1); err != nil {
		writeWorkerError(c, cperrors.RequestTimeout("work pool saturated"))
		return
	}
	defer rt.workPool.Release(1)

	atomic.AddInt32(&rt.currentConcurrent, 1)
	defer atomic.AddInt32(&rt.currentConcurrent, -1)

	audio, err := rt.adapter.Synthesize(ctx, SynthesizeRequest{
		Text: body.Text, VoiceID: body.VoiceID, Language: body.Language,
		Speed: body.Speed, Pitch: body.Pitch,
	})
	atomic.AddInt64(&rt.totalRequests, 1)
	if err != nil {
		atomic.AddInt64(&rt.totalErrors, 1)
		writeWorkerError(c, cperrors.EngineError(err.Error()))
		return
	}

	c.Data(http.StatusOK, "audio/wav", audio)
}

// ExtractVoice handles POST /extract_voice on the worker's local
// surface, persisting the resulting embedding via the voice store when
// one is configured.
func (rt *Runtime) ExtractVoice(c *gin.Context) {
	_, modelLoaded, _ := rt.snapshot()
	if !modelLoaded {
		writeWorkerError(c, cperrors.ModelNotLoaded(rt.cfg.GetWorkerID()))
		return
	}

	file, _, err := c.Request.FormFile("audio")
	if err != nil {
		writeWorkerError(c, cperrors.InvalidRequest("audio file is required"))
		return
	}
	defer file.Close()

	voiceID := c.PostForm("voice_id")
	voiceName := c.PostForm("voice_name")

	audioBytes, err := io.ReadAll(file)
	if err != nil {
		writeWorkerError(c, cperrors.InvalidRequest(err.Error()))
		return
	}

	ctx := c.Request.Context()
	if err := rt.workPool.Acquire(ctx, 1); err != nil {
		writeWorkerError(c, cperrors.RequestTimeout("work pool saturated"))
		return
	}
	defer rt.workPool.Release(1)

	atomic.AddInt32(&rt.currentConcurrent, 1)
	defer atomic.AddInt32(&rt.currentConcurrent, -1)

	result, err := rt.adapter.ExtractVoice(ctx, ExtractVoiceRequest{VoiceID: voiceID, VoiceName: voiceName})
	if err != nil {
		writeWorkerError(c, cperrors.EngineError(err.Error()))
		return
	}

	if rt.store != nil {
		if err := rt.store.Save(result.VoiceID, result.VoiceName, rt.cfg.Worker.Engine, audioBytes); err != nil && rt.logger != nil {
			rt.logger.Warn("failed to persist extracted voice")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"voice_id":   result.VoiceID,
		"voice_name": result.VoiceName,
	})
}

func writeWorkerError(c *gin.Context, err error) {
	cpe, ok := cperrors.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal error", "code": "INTERNAL_ERROR"})
		return
	}
	status := http.StatusInternalServerError
	switch cpe.Code {
	case cperrors.CodeInvalidRequest:
		status = http.StatusBadRequest
	case cperrors.CodeModelNotLoaded:
		status = http.StatusServiceUnavailable
	case cperrors.CodeRequestTimeout:
		status = http.StatusGatewayTimeout
	case cperrors.CodeEngineError:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"success": false, "message": cpe.Message, "code": string(cpe.Code)})
}
