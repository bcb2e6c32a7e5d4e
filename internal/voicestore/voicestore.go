// Package voicestore persists a worker's voice artifacts: an
// engine-opaque embedding blob plus a JSON side-file recording
// {voice_id, name, engine, created_at} and an xxhash64 checksum of the
// blob.
//
// Writes use temp-file-then-rename the way the teacher's Config.Save
// does atomic config writes; corruption on crash is acceptable per
// spec.md §4.5 since voices are re-extractable.
package voicestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/voicecluster/controlplane/internal/config"
	"github.com/voicecluster/controlplane/internal/observability"
)

// SideFile is the JSON metadata recorded alongside a voice's embedding
// blob.
type SideFile struct {
	VoiceID   string        `json:"voice_id"`
	Name      string        `json:"name"`
	Engine    config.Engine `json:"engine"`
	CreatedAt time.Time     `json:"created_at"`
	Checksum  uint64        `json:"checksum"`
}

// Store manages per-voice directories under a root voices directory.
type Store struct {
	root    string
	metrics *observability.Metrics
}

// New creates a Store rooted at dir, creating it if absent.
func New(dir string, metrics *observability.Metrics) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create voices dir: %w", err)
	}
	return &Store{root: dir, metrics: metrics}, nil
}

func (s *Store) voiceDir(voiceID string) string {
	return filepath.Join(s.root, voiceID)
}

// Save writes the embedding blob and side-file for voiceID, computing
// and recording an xxhash64 checksum of the blob.
func (s *Store) Save(voiceID, name string, engine config.Engine, embedding []byte) error {
	dir := s.voiceDir(voiceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	checksum := xxhash.Sum64(embedding)

	if err := atomicWrite(filepath.Join(dir, "embedding.bin"), embedding); err != nil {
		return err
	}

	side := SideFile{
		VoiceID:   voiceID,
		Name:      name,
		Engine:    engine,
		CreatedAt: time.Now(),
		Checksum:  checksum,
	}
	sideBytes, err := json.MarshalIndent(side, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, "voice.json"), sideBytes)
}

// Load reads back a voice's embedding and verifies its checksum,
// recording the outcome via observability.VoiceChecksumVerifications.
func (s *Store) Load(voiceID string) ([]byte, SideFile, error) {
	dir := s.voiceDir(voiceID)

	sideBytes, err := os.ReadFile(filepath.Join(dir, "voice.json"))
	if err != nil {
		return nil, SideFile{}, fmt.Errorf("voice not found: %s", voiceID)
	}
	var side SideFile
	if err := json.Unmarshal(sideBytes, &side); err != nil {
		return nil, SideFile{}, fmt.Errorf("corrupt side-file for voice %s: %w", voiceID, err)
	}

	embedding, err := os.ReadFile(filepath.Join(dir, "embedding.bin"))
	if err != nil {
		return nil, SideFile{}, fmt.Errorf("missing embedding for voice %s: %w", voiceID, err)
	}

	if xxhash.Sum64(embedding) != side.Checksum {
		s.recordChecksum("mismatch")
		return nil, SideFile{}, fmt.Errorf("checksum mismatch for voice %s", voiceID)
	}
	s.recordChecksum("ok")
	return embedding, side, nil
}

func (s *Store) recordChecksum(result string) {
	if s.metrics != nil {
		observability.VoiceChecksumVerifications.WithLabelValues(result).Inc()
	}
}

// atomicWrite writes data to a temp file in the same directory as path
// and renames it into place, the best-effort atomicity contract
// spec.md §4.5 accepts.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
