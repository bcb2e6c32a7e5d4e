package workerrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/voicecluster/controlplane/internal/config"
	"github.com/voicecluster/controlplane/internal/observability"
	"github.com/voicecluster/controlplane/internal/voicestore"
)

// State is the worker-local mirror of registry.WorkerState; kept as its
// own type (rather than importing registry) so a worker process never
// needs the gateway's registry package, matching spec.md §1's
// component boundary between gateway and worker.
type State string

const (
	StateStandby State = "standby"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateBusy    State = "busy"
	StateError   State = "error"
	StateOffline State = "offline"
)

// MetricsSource is an optional capability for gathering host resource
// gauges. Its absence degrades to zeros rather than failing heartbeats,
// per spec.md §9.
type MetricsSource interface {
	CPUPercent() float64
	RAMPercent() float64
	GPUPercent() float64
	GPUMemPercent() float64
}

// Runtime is one worker process: adapter, FSM, voice store, and the
// registration/heartbeat loops against a configured gateway.
type Runtime struct {
	cfg     *config.Config
	adapter EngineAdapter
	store   *voicestore.Store
	logger  *observability.Logger
	metrics *observability.Metrics
	source  MetricsSource

	httpClient *http.Client
	workPool   *semaphore.Weighted

	mu          sync.RWMutex
	state       State
	modelLoaded bool

	currentConcurrent int32
	totalRequests     int64
	totalErrors       int64

	router *gin.Engine
	srv    *http.Server
}

// New builds a worker runtime. concurrencyLimit bounds the blocking-work
// pool for engine calls.
func New(cfg *config.Config, adapter EngineAdapter, store *voicestore.Store, metrics *observability.Metrics, logger *observability.Logger, concurrencyLimit int64) *Runtime {
	rt := &Runtime{
		cfg:        cfg,
		adapter:    adapter,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		workPool:   semaphore.NewWeighted(concurrencyLimit),
		state:      StateStandby,
	}
	rt.setupRouter()
	return rt
}

// SetMetricsSource wires an optional host-metrics capability.
func (rt *Runtime) SetMetricsSource(source MetricsSource) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.source = source
}

func (rt *Runtime) setupRouter() {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", rt.Health)
	r.GET("/info", rt.Info)
	r.GET("/metrics", rt.Metrics)
	r.POST("/command", rt.Command)
	r.POST("/synthesize", rt.Synthesize)
	r.POST("/extract_voice", rt.ExtractVoice)

	rt.router = r
}

// LoadModel transitions standby -> loading -> ready|error, invoking the
// adapter's Load.
func (rt *Runtime) LoadModel(ctx context.Context) error {
	rt.setState(StateLoading)
	if err := rt.adapter.Load(ctx, rt.cfg.Worker.ModelPath); err != nil {
		rt.setState(StateError)
		if rt.logger != nil {
			rt.logger.Error("model load failed", zap.Error(err))
		}
		return err
	}
	rt.mu.Lock()
	rt.modelLoaded = true
	rt.mu.Unlock()
	rt.setState(StateReady)
	return nil
}

func (rt *Runtime) setState(s State) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

func (rt *Runtime) snapshot() (State, bool, int32) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.state, rt.modelLoaded, atomic.LoadInt32(&rt.currentConcurrent)
}

// Router exposes the local HTTP surface for use by Start/tests.
func (rt *Runtime) Router() *gin.Engine { return rt.router }

// Start serves the local HTTP surface and blocks until ctx is
// cancelled.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.srv = &http.Server{Addr: fmt.Sprintf("%s:%d", rt.cfg.Worker.Host, rt.cfg.Worker.Port), Handler: rt.router}
	if rt.logger != nil {
		rt.logger.Info("starting worker HTTP server", zap.String("addr", rt.srv.Addr))
	}
	if err := rt.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop implements the graceful-stop sequence from spec.md §4.5: stop
// accepting -> drain up to drainTimeout -> adapter Unload -> Unregister ->
// exit, grounded on the teacher's Worker.Stop() cancel-then-cleanup
// shape.
func (rt *Runtime) Stop(ctx context.Context, drainTimeout time.Duration) {
	if rt.logger != nil {
		rt.logger.Info("stopping worker")
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if rt.srv != nil {
		rt.srv.Shutdown(drainCtx)
	}

	unloadCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := rt.adapter.Unload(unloadCtx); err != nil && rt.logger != nil {
		rt.logger.Warn("adapter unload failed", zap.Error(err))
	}

	rt.setState(StateOffline)

	if rt.cfg.Worker.GatewayURL != "" {
		id := rt.cfg.GetWorkerID()
		if id != "" {
			rt.unregister(context.Background(), id)
		}
	}
}

func (rt *Runtime) unregister(ctx context.Context, id string) {
	url := rt.cfg.Worker.GatewayURL + "/api/nodes/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	resp, err := rt.httpClient.Do(req)
	if err != nil {
		if rt.logger != nil {
			rt.logger.Warn("unregister from gateway failed", zap.Error(err))
		}
		return
	}
	resp.Body.Close()
}

// RegisterOnStart POSTs this worker's record to the gateway. Failure is
// logged and retried on the next heartbeat tick, not via its own
// backoff loop, per spec.md §4.5. A generated id is kept only once a
// registration succeeds, so an empty id means "not yet registered".
// When a worker id is configured, heartbeats start at once and a failed
// registration is not retried.
func (rt *Runtime) RegisterOnStart(ctx context.Context) {
	if rt.cfg.Worker.GatewayURL == "" {
		return
	}
	if err := rt.postRegister(ctx); err != nil && rt.logger != nil {
		rt.logger.Warn("initial registration failed, will retry on next heartbeat", zap.Error(err))
	}
}

func (rt *Runtime) postRegister(ctx context.Context) error {
	state, modelLoaded, _ := rt.snapshot()
	id := rt.cfg.GetWorkerID()
	generated := id == ""
	if generated {
		id = generateWorkerID()
	}

	body := map[string]interface{}{
		"id":           id,
		"engine":       rt.cfg.Worker.Engine,
		"host":         rt.cfg.Worker.Host,
		"port":         rt.cfg.Worker.Port,
		"state":        state,
		"model_loaded": modelLoaded,
	}
	if err := postJSON(ctx, rt.httpClient, rt.cfg.Worker.GatewayURL+"/api/nodes/register", body); err != nil {
		return err
	}
	if generated {
		rt.cfg.SetWorkerID(id)
	}
	return nil
}

// HeartbeatLoop POSTs a metrics snapshot to the gateway every interval
// until ctx is cancelled. Missed posts do not alter local state; the
// gateway's sweeper handles staleness, per spec.md §4.5.
func (rt *Runtime) HeartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.beatOnce(ctx)
		}
	}
}

func (rt *Runtime) beatOnce(ctx context.Context) {
	id := rt.cfg.GetWorkerID()
	if id == "" {
		// Never successfully registered; retry registration this tick.
		rt.RegisterOnStart(ctx)
		return
	}
	if rt.cfg.Worker.GatewayURL == "" {
		return
	}

	state, modelLoaded, concurrent := rt.snapshot()
	cpu, ram, gpu, gpuMem := rt.gatherHostMetrics()

	body := map[string]interface{}{
		"state":              state,
		"model_loaded":       modelLoaded,
		"cpu_percent":        cpu,
		"ram_percent":        ram,
		"gpu_percent":        gpu,
		"gpu_mem_percent":    gpuMem,
		"total_requests":     atomic.LoadInt64(&rt.totalRequests),
		"total_errors":       atomic.LoadInt64(&rt.totalErrors),
		"current_concurrent": concurrent,
	}
	url := rt.cfg.Worker.GatewayURL + "/api/nodes/" + id + "/heartbeat"
	if err := postJSON(ctx, rt.httpClient, url, body); err != nil && rt.logger != nil {
		rt.logger.Warn("heartbeat post failed", zap.Error(err))
	}
}

func (rt *Runtime) gatherHostMetrics() (cpu, ram, gpu, gpuMem float64) {
	rt.mu.RLock()
	source := rt.source
	rt.mu.RUnlock()
	if source == nil {
		return 0, 0, 0, 0
	}
	return source.CPUPercent(), source.RAMPercent(), source.GPUPercent(), source.GPUMemPercent()
}

func generateWorkerID() string {
	return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
}

func postJSON(ctx context.Context, client *http.Client, url string, body interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s failed: status %d", url, resp.StatusCode)
	}
	return nil
}
