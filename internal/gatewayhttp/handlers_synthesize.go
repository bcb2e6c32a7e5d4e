package gatewayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/voicecluster/controlplane/internal/config"
	"github.com/voicecluster/controlplane/internal/cperrors"
	"github.com/voicecluster/controlplane/internal/registry"
)

// synthesizeRequest mirrors spec.md §4.4's input constraints.
type synthesizeRequest struct {
	Text     string        `json:"text"`
	VoiceID  string        `json:"voice_id"`
	Engine   config.Engine `json:"engine,omitempty"`
	Language string        `json:"language,omitempty"`
	Speed    *float64      `json:"speed,omitempty"`
	Pitch    *float64      `json:"pitch,omitempty"`
}

func (r *synthesizeRequest) validate(defaultEngine config.Engine) error {
	if n := utf8.RuneCountInString(r.Text); n < 1 || n > 5000 {
		return cperrors.InvalidRequest("text must be between 1 and 5000 characters")
	}
	if r.VoiceID == "" {
		return cperrors.InvalidRequest("voice_id is required")
	}
	if r.Engine == "" {
		r.Engine = defaultEngine
	}
	if !config.ValidEngine(r.Engine) {
		return cperrors.InvalidRequest("unknown engine")
	}
	if r.Language == "" {
		r.Language = "zh"
	}
	if r.Speed == nil {
		v := 1.0
		r.Speed = &v
	}
	if *r.Speed < 0.5 || *r.Speed > 2.0 {
		return cperrors.InvalidRequest("speed must be between 0.5 and 2.0")
	}
	if r.Pitch == nil {
		v := 1.0
		r.Pitch = &v
	}
	if *r.Pitch < 0.5 || *r.Pitch > 2.0 {
		return cperrors.InvalidRequest("pitch must be between 0.5 and 2.0")
	}
	return nil
}

// Synthesize handles POST /api/synthesize: select a worker, forward
// the request body, stream the audio back. On NoAvailableNode this
// returns a structured 200 failure body per spec.md §9's
// preserved-as-is open question, not a 503.
func (s *Server) Synthesize(c *gin.Context) {
	var req synthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidRequest(err.Error()))
		return
	}
	if err := req.validate(s.cfg.System.DefaultEngine); err != nil {
		writeError(c, err)
		return
	}

	if s.hub != nil {
		s.hub.NotifyRequestStart(gin.H{"voice_id": req.VoiceID, "engine": req.Engine})
	}

	start := time.Now()
	node, err := s.reg.Select(req.Engine, registry.StrategyRoundRobin)
	if err != nil {
		if s.hub != nil {
			s.hub.NotifyRequestError(gin.H{"reason": "no_available_node"})
		}
		if s.metrics != nil {
			s.metrics.RecordSynthesize(string(req.Engine), "no_available_node", time.Since(start).Seconds())
		}
		c.JSON(http.StatusOK, gin.H{"success": false, "code": string(cperrors.CodeNoAvailableNode), "message": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.System.RequestTimeout)
	defer cancel()

	body, _ := json.Marshal(req)
	resp, err := s.forward(ctx, http.MethodPost, node.Address()+"/synthesize", "application/json", bytes.NewReader(body))
	if err != nil {
		if s.hub != nil {
			s.hub.NotifyRequestError(gin.H{"node_id": node.ID, "reason": err.Error()})
		}
		if s.metrics != nil {
			s.metrics.RecordSynthesize(string(req.Engine), "timeout", time.Since(start).Seconds())
		}
		writeError(c, cperrors.RequestTimeout(err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		if s.hub != nil {
			s.hub.NotifyRequestError(gin.H{"node_id": node.ID, "status": resp.StatusCode})
		}
		if s.metrics != nil {
			s.metrics.RecordSynthesize(string(req.Engine), "engine_error", time.Since(start).Seconds())
		}
		writeError(c, cperrors.EngineError("worker returned an error"))
		return
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordSynthesize(string(req.Engine), "read_error", time.Since(start).Seconds())
		}
		writeError(c, cperrors.RequestTimeout(err.Error()))
		return
	}

	c.Header("X-Node-Id", node.ID)
	c.Header("X-Engine", string(node.Engine))
	if s.hub != nil {
		s.hub.NotifyRequestComplete(gin.H{"node_id": node.ID, "bytes": len(audio)})
	}
	if s.metrics != nil {
		s.metrics.RecordSynthesize(string(req.Engine), "success", time.Since(start).Seconds())
	}
	c.Data(http.StatusOK, "audio/wav", audio)
}

// ExtractVoice handles POST /api/extract_voice: forward a multipart
// form to the selected worker, return the worker's JSON response
// augmented with a success flag. Timeout: 120s, per spec.md §4.4.
func (s *Server) ExtractVoice(c *gin.Context) {
	engine := config.Engine(c.PostForm("engine"))
	if engine == "" {
		engine = s.cfg.System.DefaultEngine
	}
	if !config.ValidEngine(engine) {
		writeError(c, cperrors.InvalidRequest("unknown engine"))
		return
	}

	file, header, err := c.Request.FormFile("audio")
	if err != nil {
		writeError(c, cperrors.InvalidRequest("audio file is required"))
		return
	}
	defer file.Close()

	node, err := s.reg.Select(engine, registry.StrategyRoundRobin)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordExtractVoice(string(engine), "no_available_node")
		}
		c.JSON(http.StatusOK, gin.H{"success": false, "code": string(cperrors.CodeNoAvailableNode), "message": err.Error()})
		return
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", header.Filename)
	if err != nil {
		writeError(c, cperrors.InvalidRequest(err.Error()))
		return
	}
	if _, err := io.Copy(part, file); err != nil {
		writeError(c, cperrors.InvalidRequest(err.Error()))
		return
	}
	_ = writer.WriteField("voice_id", c.PostForm("voice_id"))
	_ = writer.WriteField("voice_name", c.PostForm("voice_name"))
	_ = writer.WriteField("engine", string(engine))
	writer.Close()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 120*time.Second)
	defer cancel()

	resp, err := s.forward(ctx, http.MethodPost, node.Address()+"/extract_voice", writer.FormDataContentType(), &buf)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordExtractVoice(string(engine), "timeout")
		}
		writeError(c, cperrors.RequestTimeout(err.Error()))
		return
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if s.metrics != nil {
			s.metrics.RecordExtractVoice(string(engine), "malformed_response")
		}
		writeError(c, cperrors.EngineError("malformed worker response"))
		return
	}
	if resp.StatusCode >= 300 {
		if s.metrics != nil {
			s.metrics.RecordExtractVoice(string(engine), "engine_error")
		}
		result["success"] = false
		c.JSON(resp.StatusCode, result)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordExtractVoice(string(engine), "success")
	}
	result["success"] = true
	c.JSON(http.StatusOK, result)
}

// batchItem is one entry in a batch-synthesize request.
type batchItem struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
}

type batchSynthesizeRequest struct {
	Items  []batchItem   `json:"items"`
	Engine config.Engine `json:"engine,omitempty"`
}

type batchResult struct {
	Text    string `json:"text"`
	Success bool   `json:"success"`
	NodeID  string `json:"node_id,omitempty"`
	Bytes   int    `json:"bytes,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchSynthesize handles POST /api/batch_synthesize: per-item
// round-robin selection and forwarding, aggregated into
// {total, succeeded, failed, results}. Partial failure is reported, not
// raised, per spec.md §4.4.
func (s *Server) BatchSynthesize(c *gin.Context) {
	var req batchSynthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidRequest(err.Error()))
		return
	}
	engine := req.Engine
	if engine == "" {
		engine = s.cfg.System.DefaultEngine
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.System.BatchTimeout)
	defer cancel()

	results := make([]batchResult, 0, len(req.Items))
	succeeded, failed := 0, 0

	for _, item := range req.Items {
		result := s.synthesizeOneBatchItem(ctx, engine, item)
		if result.Success {
			succeeded++
			if s.metrics != nil {
				s.metrics.RecordBatchSynthesizeItem("success")
			}
		} else {
			failed++
			if s.metrics != nil {
				s.metrics.RecordBatchSynthesizeItem("failure")
			}
		}
		results = append(results, result)
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     len(req.Items),
		"succeeded": succeeded,
		"failed":    failed,
		"results":   results,
	})
}

func (s *Server) synthesizeOneBatchItem(ctx context.Context, engine config.Engine, item batchItem) batchResult {
	node, err := s.reg.Select(engine, registry.StrategyRoundRobin)
	if err != nil {
		return batchResult{Text: item.Text, Success: false, Error: err.Error()}
	}

	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.System.RequestTimeout)
	defer cancel()

	body, _ := json.Marshal(synthesizeRequest{Text: item.Text, VoiceID: item.VoiceID, Engine: engine})
	resp, err := s.forward(itemCtx, http.MethodPost, node.Address()+"/synthesize", "application/json", bytes.NewReader(body))
	if err != nil {
		return batchResult{Text: item.Text, Success: false, NodeID: node.ID, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return batchResult{Text: item.Text, Success: false, NodeID: node.ID, Error: "worker returned an error"}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return batchResult{Text: item.Text, Success: false, NodeID: node.ID, Error: err.Error()}
	}
	return batchResult{Text: item.Text, Success: true, NodeID: node.ID, Bytes: len(audio)}
}

// forward issues an HTTP request against a selected worker using the
// server's shared client, grounded on the teacher's StartContainer-style
// handler shape (context-with-timeout, call collaborator, map error).
func (s *Server) forward(ctx context.Context, method, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return s.httpClient.Do(req)
}
