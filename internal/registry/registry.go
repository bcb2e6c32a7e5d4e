// Package registry maintains the gateway's in-memory view of worker
// membership: records, an engine index, heartbeat bookkeeping, a
// liveness sweeper, and load-balanced selection strategies.
package registry

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicecluster/controlplane/internal/config"
	"github.com/voicecluster/controlplane/internal/cperrors"
	"github.com/voicecluster/controlplane/internal/observability"
	"go.uber.org/zap"
)

// WorkerState is one of the FSM states spec.md §4.1 names.
type WorkerState string

const (
	StateStandby WorkerState = "standby"
	StateLoading WorkerState = "loading"
	StateReady   WorkerState = "ready"
	StateBusy    WorkerState = "busy"
	StateError   WorkerState = "error"
	StateOffline WorkerState = "offline"
)

// Strategy selects among available records for an engine.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastLoad  Strategy = "least_load"
	StrategyRandom     Strategy = "random"
)

// WorkerRecord is the registry's entry for one worker.
type WorkerRecord struct {
	ID          string        `json:"id"`
	Engine      config.Engine `json:"engine"`
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	State       WorkerState   `json:"state"`
	ModelLoaded bool          `json:"model_loaded"`

	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	CPUPercent    float64 `json:"cpu_percent"`
	RAMPercent    float64 `json:"ram_percent"`
	GPUPercent    float64 `json:"gpu_percent"`
	GPUMemPercent float64 `json:"gpu_mem_percent"`

	TotalRequests     int64   `json:"total_requests"`
	TotalErrors       int64   `json:"total_errors"`
	AvgResponseMS     float64 `json:"avg_response_ms"`
	CurrentConcurrent int32   `json:"current_concurrent"`
}

// IsAvailable reports whether the record can accept selection.
func (r *WorkerRecord) IsAvailable() bool {
	return r.State == StateReady && r.ModelLoaded
}

// Address is the worker's forwarding base URL.
func (r *WorkerRecord) Address() string {
	return fmt.Sprintf("http://%s:%d", r.Host, r.Port)
}

// Snapshot returns a value copy safe to hand to a caller outside the
// registry mutex.
func (r *WorkerRecord) Snapshot() WorkerRecord {
	return *r
}

// MetricsSnapshot is the transient heartbeat payload; fields are copied
// onto the record and the snapshot itself is discarded.
type MetricsSnapshot struct {
	State             WorkerState
	ModelLoaded       bool
	CPUPercent        float64
	RAMPercent        float64
	GPUPercent        float64
	GPUMemPercent     float64
	TotalRequests     int64
	TotalErrors       int64
	AvgResponseMS     float64
	CurrentConcurrent int32
}

// EngineStats is the per-engine breakdown within Stats.
type EngineStats struct {
	Total  int `json:"total"`
	Online int `json:"online"`
	Ready  int `json:"ready"`
}

// Stats is the aggregate membership snapshot returned by Stats().
type Stats struct {
	Total   int                           `json:"total"`
	Online  int                           `json:"online"`
	Ready   int                           `json:"ready"`
	Engines map[config.Engine]EngineStats `json:"engines"`
}

// Broadcaster is the narrow event sink the registry fans out to. Kept
// as an interface, not a concrete *broadcaster.Hub import, so registry
// stays decoupled from the websocket layer the way the teacher's
// Registry depends only on *observability.Logger, never on the server
// package.
type Broadcaster interface {
	NotifyNodeOnline(record WorkerRecord)
	NotifyNodeOffline(id string)
	NotifyNodeStatusChanged(record WorkerRecord, previous WorkerState)
}

// Registry is the gateway's worker membership table.
type Registry struct {
	mu          sync.RWMutex
	workers     map[string]*WorkerRecord
	engineIndex map[config.Engine]map[string]struct{}
	order       []string // insertion order, for stable GetNodes/Select iteration

	cursorMu sync.Mutex // guards rrCursor independently of mu, so Select never nests mu.Lock inside mu.RLock
	rrCursor map[config.Engine]*uint64

	deadThreshold time.Duration
	logger        *observability.Logger
	metrics       *observability.Metrics
	broadcaster   Broadcaster
	httpClient    *http.Client
}

// New creates an empty registry. The broadcaster is wired in later via
// SetBroadcaster, since construction order in cmd/gateway builds the
// registry before the broadcaster exists.
func New(logger *observability.Logger, metrics *observability.Metrics, deadThreshold time.Duration) *Registry {
	return &Registry{
		workers:       make(map[string]*WorkerRecord),
		engineIndex:   make(map[config.Engine]map[string]struct{}),
		rrCursor:      make(map[config.Engine]*uint64),
		deadThreshold: deadThreshold,
		logger:        logger,
		metrics:       metrics,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
	}
}

// recomputeGauges recounts workers by engine/state and pushes the
// result to the registry_nodes gauge. Called after every mutation
// rather than incrementing/decrementing, so the gauge can never drift
// from the table's actual contents.
func (r *Registry) recomputeGauges() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	counts := make(map[config.Engine]map[WorkerState]int)
	for _, w := range r.workers {
		byState, ok := counts[w.Engine]
		if !ok {
			byState = make(map[WorkerState]int)
			counts[w.Engine] = byState
		}
		byState[w.State]++
	}
	r.mu.RUnlock()

	for _, engine := range []config.Engine{config.EngineXTTS, config.EngineOpenVoice, config.EngineGPTSoVITS} {
		for _, state := range []WorkerState{StateStandby, StateLoading, StateReady, StateBusy, StateError, StateOffline} {
			if _, ok := counts[engine][state]; !ok {
				r.metrics.SetRegistryGauge(string(engine), string(state), 0)
			}
		}
	}
	for engine, byState := range counts {
		for state, count := range byState {
			r.metrics.SetRegistryGauge(string(engine), string(state), float64(count))
		}
	}
}

// SetBroadcaster wires the event sink after construction.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcaster = b
}

func (r *Registry) indexAdd(engine config.Engine, id string) {
	bucket, ok := r.engineIndex[engine]
	if !ok {
		bucket = make(map[string]struct{})
		r.engineIndex[engine] = bucket
	}
	bucket[id] = struct{}{}
}

func (r *Registry) indexRemove(engine config.Engine, id string) {
	if bucket, ok := r.engineIndex[engine]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(r.engineIndex, engine)
		}
	}
}

// Register upserts record by id. See spec.md §4.1 for the exact event
// semantics: node_online fires only when the id is newly added, or when
// a previously-offline record becomes non-offline.
func (r *Registry) Register(record WorkerRecord) string {
	r.mu.Lock()

	existing, present := r.workers[record.ID]
	wasOffline := present && existing.State == StateOffline
	now := time.Now()

	if !present {
		record.RegisteredAt = now
		record.LastHeartbeat = now
		stored := record
		r.workers[record.ID] = &stored
		r.indexAdd(record.Engine, record.ID)
		r.order = append(r.order, record.ID)
	} else {
		if existing.Engine != record.Engine {
			r.indexRemove(existing.Engine, record.ID)
			r.indexAdd(record.Engine, record.ID)
		}
		record.RegisteredAt = existing.RegisteredAt
		record.LastHeartbeat = now
		stored := record
		r.workers[record.ID] = &stored
	}

	emitOnline := !present || (wasOffline && record.State != StateOffline)
	var snapshot WorkerRecord
	if emitOnline {
		snapshot = r.workers[record.ID].Snapshot()
	}
	b := r.broadcaster
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("worker registered",
			zap.String("node_id", record.ID),
			zap.String("engine", string(record.Engine)),
			zap.Bool("new", !present),
		)
	}

	if emitOnline {
		if b != nil {
			b.NotifyNodeOnline(snapshot)
		}
		if r.metrics != nil {
			r.metrics.RecordRegistryEvent("node_online")
		}
	}
	r.recomputeGauges()
	return record.ID
}

// Unregister removes a record and its engine-index entry. Re-unregister
// of an already-absent id is a no-op returning false.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.workers, id)
	r.indexRemove(w.Engine, id)
	r.removeFromOrder(id)
	b := r.broadcaster
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("worker unregistered", zap.String("node_id", id))
	}
	if b != nil {
		b.NotifyNodeOffline(id)
	}
	if r.metrics != nil {
		r.metrics.RecordRegistryEvent("node_offline")
	}
	r.recomputeGauges()
	return true
}

func (r *Registry) removeFromOrder(id string) {
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Heartbeat refreshes last_heartbeat and, if metrics are provided,
// copies gauges/counters and applies any reported state transition.
// Returns false iff id is unknown; unknown ids are dropped silently,
// not treated as an error (spec.md §4.1).
func (r *Registry) Heartbeat(id string, metrics *MetricsSnapshot) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	w.LastHeartbeat = time.Now()

	var previous WorkerState
	var stateChanged bool
	var snapshot WorkerRecord

	if metrics != nil {
		w.CPUPercent = metrics.CPUPercent
		w.RAMPercent = metrics.RAMPercent
		w.GPUPercent = metrics.GPUPercent
		w.GPUMemPercent = metrics.GPUMemPercent
		w.TotalRequests = metrics.TotalRequests
		w.TotalErrors = metrics.TotalErrors
		w.AvgResponseMS = metrics.AvgResponseMS
		w.CurrentConcurrent = metrics.CurrentConcurrent
		w.ModelLoaded = metrics.ModelLoaded

		if metrics.State != "" && metrics.State != w.State {
			previous = w.State
			w.State = metrics.State
			stateChanged = true
			snapshot = w.Snapshot()
		}
	}
	b := r.broadcaster
	r.mu.Unlock()

	if stateChanged {
		if b != nil {
			b.NotifyNodeStatusChanged(snapshot, previous)
		}
		if r.metrics != nil {
			r.metrics.RecordRegistryEvent("node_status_changed")
		}
		r.recomputeGauges()
	}
	return true
}

// UpdateStatus records a new state, refreshes last_heartbeat, and
// emits node_status_changed on an actual change.
func (r *Registry) UpdateStatus(id string, newState WorkerState) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	w.LastHeartbeat = time.Now()
	previous := w.State
	changed := previous != newState
	w.State = newState
	var snapshot WorkerRecord
	if changed {
		snapshot = w.Snapshot()
	}
	b := r.broadcaster
	r.mu.Unlock()

	if changed {
		if b != nil {
			b.NotifyNodeStatusChanged(snapshot, previous)
		}
		if r.metrics != nil {
			r.metrics.RecordRegistryEvent("node_status_changed")
		}
		r.recomputeGauges()
	}
	return true
}

// GetNode returns a copy of the record for id, or NodeNotFound.
func (r *Registry) GetNode(id string) (WorkerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return WorkerRecord{}, cperrors.NodeNotFound(id)
	}
	return w.Snapshot(), nil
}

// GetNodes returns records filtered by optional engine/state/available_only,
// in insertion order (stable for deterministic round-robin), matching
// spec.md §4.1. An empty engine/state means "no filter on that field".
func (r *Registry) GetNodes(engine config.Engine, state WorkerState, availableOnly bool) []WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerRecord, 0, len(r.workers))
	for _, id := range r.order {
		w, ok := r.workers[id]
		if !ok {
			continue
		}
		if engine != "" && w.Engine != engine {
			continue
		}
		if state != "" && w.State != state {
			continue
		}
		if availableOnly && !w.IsAvailable() {
			continue
		}
		out = append(out, w.Snapshot())
	}
	return out
}

// Select picks one available worker for engine using strategy, or fails
// with NoAvailableNode. round_robin advances a per-engine cursor
// atomically after the pick so concurrent callers converge on distinct
// indices rather than racing on a single read-then-increment.
func (r *Registry) Select(engine config.Engine, strategy Strategy) (WorkerRecord, error) {
	r.mu.RLock()
	candidates := make([]*WorkerRecord, 0)
	for _, id := range r.order {
		w, ok := r.workers[id]
		if !ok || w.Engine != engine || !w.IsAvailable() {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		r.mu.RUnlock()
		return WorkerRecord{}, cperrors.NoAvailableNode(string(engine))
	}

	switch strategy {
	case StrategyLeastLoad:
		best := candidates[0]
		for _, w := range candidates[1:] {
			if w.CurrentConcurrent < best.CurrentConcurrent {
				best = w
			}
		}
		snap := best.Snapshot()
		r.mu.RUnlock()
		return snap, nil

	case StrategyRandom:
		pick := candidates[rand.Intn(len(candidates))]
		snap := pick.Snapshot()
		r.mu.RUnlock()
		return snap, nil

	default: // StrategyRoundRobin
		idx := atomic.AddUint64(r.cursorFor(engine), 1) - 1
		snap := candidates[int(idx%uint64(len(candidates)))].Snapshot()
		r.mu.RUnlock()
		return snap, nil
	}
}

// cursorFor returns the round-robin cursor for engine, creating it
// lazily under its own mutex — independent of r.mu so it can be called
// while Select holds r.mu's read lock.
func (r *Registry) cursorFor(engine config.Engine) *uint64 {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	c, ok := r.rrCursor[engine]
	if !ok {
		c = new(uint64)
		r.rrCursor[engine] = c
	}
	return c
}

// GetStats returns the aggregate membership snapshot.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Engines: make(map[config.Engine]EngineStats)}
	for _, e := range []config.Engine{config.EngineXTTS, config.EngineOpenVoice, config.EngineGPTSoVITS} {
		stats.Engines[e] = EngineStats{}
	}
	for _, id := range r.order {
		w, ok := r.workers[id]
		if !ok {
			continue
		}
		es := stats.Engines[w.Engine]
		es.Total++
		stats.Total++
		online := w.State != StateOffline
		if online {
			es.Online++
			stats.Online++
		}
		if w.IsAvailable() {
			es.Ready++
			stats.Ready++
		}
		stats.Engines[w.Engine] = es
	}
	return stats
}

// SendCommand is a fire-and-forget proxy: POST to the worker's
// /command, returning whether the HTTP call itself succeeded. It never
// mutates registry state directly — the worker's reciprocal heartbeat
// or explicit status update does that, per spec.md §4.1.
func (r *Registry) SendCommand(ctx context.Context, id string, command string, params map[string]interface{}) error {
	r.mu.RLock()
	w, ok := r.workers[id]
	var addr string
	if ok {
		addr = w.Address()
	}
	client := r.httpClient
	r.mu.RUnlock()

	if !ok {
		return cperrors.NodeNotFound(id)
	}

	body := map[string]interface{}{"command": command}
	if params != nil {
		body["params"] = params
	}
	return postJSON(ctx, client, addr+"/command", body)
}

// StartSweeper runs the liveness sweeper every interval until ctx is
// cancelled, transitioning stale records to offline WITHOUT removing
// them — admin control expects offline nodes to stay visible until an
// explicit Unregister, unlike the teacher's cleanupStale which deletes.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	r.mu.Lock()
	cutoff := time.Now().Add(-r.deadThreshold)
	var stale []string
	for _, id := range r.order {
		w, ok := r.workers[id]
		if !ok || w.State == StateOffline {
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			w.State = StateOffline
			stale = append(stale, id)
		}
	}
	b := r.broadcaster
	r.mu.Unlock()

	for _, id := range stale {
		if r.logger != nil {
			r.logger.Warn("worker marked offline by sweeper", zap.String("node_id", id))
		}
		if b != nil {
			b.NotifyNodeOffline(id)
		}
		if r.metrics != nil {
			r.metrics.RecordRegistryEvent("node_offline")
		}
	}
	if len(stale) > 0 {
		r.recomputeGauges()
	}
}
