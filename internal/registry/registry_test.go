package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecluster/controlplane/internal/config"
)

type fakeBroadcaster struct {
	online  []WorkerRecord
	offline []string
	changed []WorkerState
}

func (f *fakeBroadcaster) NotifyNodeOnline(r WorkerRecord)  { f.online = append(f.online, r) }
func (f *fakeBroadcaster) NotifyNodeOffline(id string)      { f.offline = append(f.offline, id) }
func (f *fakeBroadcaster) NotifyNodeStatusChanged(r WorkerRecord, prev WorkerState) {
	f.changed = append(f.changed, prev)
}

func newTestRecord(id string, engine config.Engine) WorkerRecord {
	return WorkerRecord{
		ID:          id,
		Engine:      engine,
		Host:        "127.0.0.1",
		Port:        9000,
		State:       StateReady,
		ModelLoaded: true,
	}
}

// scenario 1: membership
func TestMembership(t *testing.T) {
	reg := New(nil, nil, 30*time.Second)
	reg.Register(newTestRecord("abc12345", config.EngineXTTS))

	nodes := reg.GetNodes("", "", false)
	require.Len(t, nodes, 1)

	stats := reg.GetStats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Online)
	assert.Equal(t, 1, stats.Ready)
	assert.Equal(t, EngineStats{Total: 1, Online: 1, Ready: 1}, stats.Engines[config.EngineXTTS])
}

// scenario 2: round-robin selection alternates strictly between two ready workers
func TestSelectRoundRobinAlternates(t *testing.T) {
	reg := New(nil, nil, 30*time.Second)
	reg.Register(newTestRecord("A", config.EngineXTTS))
	reg.Register(newTestRecord("B", config.EngineXTTS))

	var picks []string
	for i := 0; i < 3; i++ {
		rec, err := reg.Select(config.EngineXTTS, StrategyRoundRobin)
		require.NoError(t, err)
		picks = append(picks, rec.ID)
	}
	assert.Equal(t, []string{"A", "B", "A"}, picks)
}

func TestSelectRoundRobinTenCallsStrictAlternation(t *testing.T) {
	reg := New(nil, nil, 30*time.Second)
	reg.Register(newTestRecord("A", config.EngineXTTS))
	reg.Register(newTestRecord("B", config.EngineXTTS))

	var picks []string
	for i := 0; i < 10; i++ {
		rec, err := reg.Select(config.EngineXTTS, StrategyRoundRobin)
		require.NoError(t, err)
		picks = append(picks, rec.ID)
	}
	for i := 0; i < len(picks)-1; i++ {
		assert.NotEqual(t, picks[i], picks[i+1], "adjacent picks must alternate")
	}
}

func TestSelectNoAvailableNode(t *testing.T) {
	reg := New(nil, nil, 30*time.Second)
	_, err := reg.Select(config.EngineOpenVoice, StrategyRoundRobin)
	require.Error(t, err)
}

// scenario 3 / sweeper liveness
func TestSweeperMarksOfflineWithoutDeleting(t *testing.T) {
	reg := New(nil, nil, 3*time.Second)
	b := &fakeBroadcaster{}
	reg.SetBroadcaster(b)
	reg.Register(newTestRecord("A", config.EngineXTTS))

	reg.mu.Lock()
	reg.workers["A"].LastHeartbeat = time.Now().Add(-4 * time.Second)
	reg.mu.Unlock()

	reg.sweepOnce()

	rec, err := reg.GetNode("A")
	require.NoError(t, err)
	assert.Equal(t, StateOffline, rec.State)
	assert.Equal(t, []string{"A"}, b.offline)

	// Sweeper must not remove; admin control expects offline nodes visible.
	nodes := reg.GetNodes("", "", false)
	assert.Len(t, nodes, 1)
}

// round-trip: register; register; unregister leaves registry empty,
// emits exactly one node_online and one node_offline
func TestRegisterIdempotentThenUnregister(t *testing.T) {
	reg := New(nil, nil, 30*time.Second)
	b := &fakeBroadcaster{}
	reg.SetBroadcaster(b)

	rec := newTestRecord("abc12345", config.EngineXTTS)
	reg.Register(rec)
	reg.Register(rec)

	assert.Len(t, b.online, 1, "re-register of a live node must not re-emit node_online")

	ok := reg.Unregister("abc12345")
	assert.True(t, ok)
	assert.Len(t, b.offline, 1)

	ok = reg.Unregister("abc12345")
	assert.False(t, ok, "re-unregister is a no-op")

	assert.Empty(t, reg.GetNodes("", "", false))
}

func TestHeartbeatUnknownIDIsNoop(t *testing.T) {
	reg := New(nil, nil, 30*time.Second)
	ok := reg.Heartbeat("does-not-exist", nil)
	assert.False(t, ok)
}

func TestHeartbeatAppliesStateTransitionAndEmitsEvent(t *testing.T) {
	reg := New(nil, nil, 30*time.Second)
	b := &fakeBroadcaster{}
	reg.SetBroadcaster(b)
	reg.Register(newTestRecord("A", config.EngineXTTS))

	ok := reg.Heartbeat("A", &MetricsSnapshot{State: StateBusy, ModelLoaded: true, CurrentConcurrent: 2})
	require.True(t, ok)
	require.Len(t, b.changed, 1)
	assert.Equal(t, StateReady, b.changed[0])

	rec, err := reg.GetNode("A")
	require.NoError(t, err)
	assert.Equal(t, StateBusy, rec.State)
	assert.EqualValues(t, 2, rec.CurrentConcurrent)
}

func TestEngineIndexInvariant(t *testing.T) {
	reg := New(nil, nil, 30*time.Second)
	reg.Register(newTestRecord("A", config.EngineXTTS))
	reg.Register(newTestRecord("B", config.EngineOpenVoice))

	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, inXTTS := reg.engineIndex[config.EngineXTTS]["A"]
	_, inOpenVoice := reg.engineIndex[config.EngineOpenVoice]["A"]
	assert.True(t, inXTTS)
	assert.False(t, inOpenVoice)
}

func TestSelectLeastLoadPicksLowestConcurrency(t *testing.T) {
	reg := New(nil, nil, 30*time.Second)
	a := newTestRecord("A", config.EngineXTTS)
	a.CurrentConcurrent = 5
	b := newTestRecord("B", config.EngineXTTS)
	b.CurrentConcurrent = 1
	reg.Register(a)
	reg.Register(b)

	rec, err := reg.Select(config.EngineXTTS, StrategyLeastLoad)
	require.NoError(t, err)
	assert.Equal(t, "B", rec.ID)
}
