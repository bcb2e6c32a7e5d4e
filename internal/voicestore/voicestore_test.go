package voicestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecluster/controlplane/internal/config"
	"github.com/voicecluster/controlplane/internal/observability"
)

func TestSaveThenLoadRoundTrip(t *testing.T) {
	store, err := New(t.TempDir(), observability.NewMetrics())
	require.NoError(t, err)

	embedding := []byte("some-embedding-bytes")
	require.NoError(t, store.Save("voice-1", "narrator", config.EngineXTTS, embedding))

	got, side, err := store.Load("voice-1")
	require.NoError(t, err)
	assert.Equal(t, embedding, got)
	assert.Equal(t, "voice-1", side.VoiceID)
	assert.Equal(t, "narrator", side.Name)
	assert.Equal(t, config.EngineXTTS, side.Engine)
	assert.NotZero(t, side.Checksum)
}

func TestLoadMissingVoiceReturnsError(t *testing.T) {
	store, err := New(t.TempDir(), observability.NewMetrics())
	require.NoError(t, err)

	_, _, err = store.Load("does-not-exist")
	assert.Error(t, err)
}

func TestLoadDetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, observability.NewMetrics())
	require.NoError(t, err)

	require.NoError(t, store.Save("voice-2", "name", config.EngineOpenVoice, []byte("original")))

	// Tamper with the embedding after the side-file checksum was recorded.
	embPath := filepath.Join(dir, "voice-2", "embedding.bin")
	require.NoError(t, os.WriteFile(embPath, []byte("tampered!"), 0o644))

	_, _, err = store.Load("voice-2")
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestSaveOverwritesExistingVoice(t *testing.T) {
	store, err := New(t.TempDir(), observability.NewMetrics())
	require.NoError(t, err)

	require.NoError(t, store.Save("voice-3", "v1", config.EngineXTTS, []byte("first")))
	require.NoError(t, store.Save("voice-3", "v2", config.EngineXTTS, []byte("second")))

	got, side, err := store.Load("voice-3")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
	assert.Equal(t, "v2", side.Name)
}

func TestNewCreatesVoicesDirIfAbsent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "voices")
	_, err := New(dir, observability.NewMetrics())
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
