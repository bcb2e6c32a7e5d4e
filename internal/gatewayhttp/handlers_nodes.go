package gatewayhttp

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicecluster/controlplane/internal/config"
	"github.com/voicecluster/controlplane/internal/registry"
)

// registerNodeRequest is the body of POST /api/nodes/register.
type registerNodeRequest struct {
	ID          string        `json:"id"`
	Engine      config.Engine `json:"engine"`
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	State       string        `json:"state"`
	ModelLoaded bool          `json:"model_loaded"`
}

// RegisterNode handles POST /api/nodes/register.
func (s *Server) RegisterNode(c *gin.Context) {
	var req registerNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidRequest(err.Error()))
		return
	}
	if req.ID == "" || !config.ValidEngine(req.Engine) {
		writeError(c, invalidRequest("id and a valid engine are required"))
		return
	}

	state := registry.WorkerState(req.State)
	if state == "" {
		state = registry.StateStandby
	}

	id := s.reg.Register(registry.WorkerRecord{
		ID:          req.ID,
		Engine:      req.Engine,
		Host:        req.Host,
		Port:        req.Port,
		State:       state,
		ModelLoaded: req.ModelLoaded,
	})

	c.JSON(http.StatusOK, gin.H{"success": true, "node_id": id})
}

// UnregisterNode handles DELETE /api/nodes/{id}.
func (s *Server) UnregisterNode(c *gin.Context) {
	id := c.Param("id")
	s.reg.Unregister(id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// heartbeatRequest is the body of POST /api/nodes/{id}/heartbeat.
type heartbeatRequest struct {
	State             string  `json:"state"`
	ModelLoaded       bool    `json:"model_loaded"`
	CPUPercent        float64 `json:"cpu_percent"`
	RAMPercent        float64 `json:"ram_percent"`
	GPUPercent        float64 `json:"gpu_percent"`
	GPUMemPercent     float64 `json:"gpu_mem_percent"`
	TotalRequests     int64   `json:"total_requests"`
	TotalErrors       int64   `json:"total_errors"`
	AvgResponseMS     float64 `json:"avg_response_ms"`
	CurrentConcurrent int32   `json:"current_concurrent"`
}

// Heartbeat handles POST /api/nodes/{id}/heartbeat.
func (s *Server) Heartbeat(c *gin.Context) {
	id := c.Param("id")
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidRequest(err.Error()))
		return
	}

	metrics := &registry.MetricsSnapshot{
		State:             registry.WorkerState(req.State),
		ModelLoaded:       req.ModelLoaded,
		CPUPercent:        req.CPUPercent,
		RAMPercent:        req.RAMPercent,
		GPUPercent:        req.GPUPercent,
		GPUMemPercent:     req.GPUMemPercent,
		TotalRequests:     req.TotalRequests,
		TotalErrors:       req.TotalErrors,
		AvgResponseMS:     req.AvgResponseMS,
		CurrentConcurrent: req.CurrentConcurrent,
	}
	ok := s.reg.Heartbeat(id, metrics)
	c.JSON(http.StatusOK, gin.H{"success": ok})
}

// ListNodes handles GET /api/nodes?engine=&status=.
func (s *Server) ListNodes(c *gin.Context) {
	engine := config.Engine(c.Query("engine"))
	state := registry.WorkerState(c.Query("status"))
	nodes := s.reg.GetNodes(engine, state, false)
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

// GetNode handles GET /api/nodes/{id}.
func (s *Server) GetNode(c *gin.Context) {
	node, err := s.reg.GetNode(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// sendCommandRequest is the body of POST /api/nodes/{id}/command.
type sendCommandRequest struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// SendCommand handles POST /api/nodes/{id}/command.
func (s *Server) SendCommand(c *gin.Context) {
	var req sendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidRequest(err.Error()))
		return
	}
	if err := s.reg.SendCommand(c.Request.Context(), c.Param("id"), req.Command, req.Params); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
