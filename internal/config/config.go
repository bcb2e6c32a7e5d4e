package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Role constants name the three deployment roles. Only the gateway and
// worker roles have an entry point (cmd/gateway, cmd/worker); there is
// no standalone command, and nothing in the repository reads these
// constants.
const (
	RoleGateway    = "gateway"
	RoleWorker     = "worker"
	RoleStandalone = "standalone"
)

// Engine is the TTS model family a worker is bound to.
type Engine string

const (
	EngineXTTS      Engine = "xtts"
	EngineOpenVoice Engine = "openvoice"
	EngineGPTSoVITS Engine = "gpt-sovits"
)

// ValidEngine reports whether e is one of the three supported engines.
func ValidEngine(e Engine) bool {
	switch e {
	case EngineXTTS, EngineOpenVoice, EngineGPTSoVITS:
		return true
	}
	return false
}

// SystemConfig holds the tunables read once at gateway start (spec.md §3).
// There is no hot reload: these are copied out of viper at startup and
// never re-read.
type SystemConfig struct {
	GlobalRPM         int
	IPRPM             int
	ConcurrentLimit   int
	HeartbeatInterval time.Duration
	DeadThreshold     time.Duration
	BroadcastInterval time.Duration
	DefaultEngine     Engine
	RequestTimeout    time.Duration
	BatchTimeout      time.Duration
	RateLimitedPaths  []string
}

// GatewayConfig holds gateway-specific wiring.
type GatewayConfig struct {
	HTTPAddr string
	LogLevel string
	System   SystemConfig
}

// WorkerConfig holds worker-specific wiring (spec.md §6 env overrides).
type WorkerConfig struct {
	Engine      Engine
	Host        string
	Port        int
	VoicesDir   string
	ModelPath   string
	Device      string
	GatewayURL  string
	UpstreamURL string // used only by the gpt-sovits reverse-proxy adapter
	LogLevel    string
	WorkerID    string // client-supplied 8-hex id; generated if empty
}

// Config is built once at startup from layered defaults/file/env and
// treated as read-only afterwards, per spec.md's "no hot reload" note.
// The mutex exists only so a worker can safely persist the id it's
// assigned at registration and read it back from another goroutine.
type Config struct {
	mu      sync.RWMutex
	Gateway GatewayConfig
	Worker  WorkerConfig
}

// DefaultGatewayConfig returns sensible gateway defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		HTTPAddr: ":8080",
		LogLevel: "info",
		System: SystemConfig{
			GlobalRPM:         600,
			IPRPM:             60,
			ConcurrentLimit:   32,
			HeartbeatInterval: 10 * time.Second,
			DeadThreshold:     30 * time.Second,
			BroadcastInterval: 2 * time.Second,
			DefaultEngine:     EngineXTTS,
			RequestTimeout:    30 * time.Second,
			BatchTimeout:      5 * time.Minute,
		},
	}
}

// DefaultWorkerConfig returns sensible worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Engine:     EngineXTTS,
		Host:       "127.0.0.1",
		Port:       9000,
		VoicesDir:  "./voices",
		Device:     "cpu",
		GatewayURL: "http://127.0.0.1:8080",
		LogLevel:   "info",
	}
}

// Load builds a Config from (in ascending priority) built-in defaults, an
// optional config file, and environment variables — following the
// layered-source pattern viper gives the rest of the example pack,
// generalized here to this spec's env var table (VOICE_ENGINE,
// VOICE_HOST, VOICE_PORT, VOICES_DIR, MODEL_PATH, DEVICE, GATEWAY_URL).
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VOICE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	gw := DefaultGatewayConfig()
	wk := DefaultWorkerConfig()
	setDefaults(v, gw, wk)
	bindExtra(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	cfg.Gateway = gw
	cfg.Gateway.HTTPAddr = v.GetString("http_addr")
	cfg.Gateway.LogLevel = v.GetString("log_level")
	cfg.Gateway.System.GlobalRPM = v.GetInt("global_rpm")
	cfg.Gateway.System.IPRPM = v.GetInt("ip_rpm")
	cfg.Gateway.System.ConcurrentLimit = v.GetInt("concurrent_limit")
	cfg.Gateway.System.HeartbeatInterval = v.GetDuration("heartbeat_interval_s")
	cfg.Gateway.System.DeadThreshold = v.GetDuration("dead_threshold_s")
	cfg.Gateway.System.BroadcastInterval = v.GetDuration("broadcast_interval_s")
	cfg.Gateway.System.DefaultEngine = Engine(v.GetString("default_engine"))
	cfg.Gateway.System.RequestTimeout = v.GetDuration("request_timeout_s")
	cfg.Gateway.System.BatchTimeout = v.GetDuration("batch_timeout_s")
	cfg.Gateway.System.RateLimitedPaths = v.GetStringSlice("rate_limited_endpoints")

	cfg.Worker = wk
	cfg.Worker.Engine = Engine(v.GetString("engine"))
	cfg.Worker.Host = v.GetString("host")
	cfg.Worker.Port = v.GetInt("port")
	cfg.Worker.VoicesDir = v.GetString("voices_dir")
	cfg.Worker.ModelPath = v.GetString("model_path")
	cfg.Worker.Device = v.GetString("device")
	cfg.Worker.GatewayURL = v.GetString("gateway_url")
	cfg.Worker.UpstreamURL = v.GetString("upstream_url")
	cfg.Worker.LogLevel = v.GetString("log_level")
	cfg.Worker.WorkerID = v.GetString("worker_id")

	return cfg, nil
}

func setDefaults(v *viper.Viper, gw GatewayConfig, wk WorkerConfig) {
	v.SetDefault("http_addr", gw.HTTPAddr)
	v.SetDefault("log_level", gw.LogLevel)
	v.SetDefault("global_rpm", gw.System.GlobalRPM)
	v.SetDefault("ip_rpm", gw.System.IPRPM)
	v.SetDefault("concurrent_limit", gw.System.ConcurrentLimit)
	v.SetDefault("heartbeat_interval_s", gw.System.HeartbeatInterval)
	v.SetDefault("dead_threshold_s", gw.System.DeadThreshold)
	v.SetDefault("broadcast_interval_s", gw.System.BroadcastInterval)
	v.SetDefault("default_engine", string(gw.System.DefaultEngine))
	v.SetDefault("request_timeout_s", gw.System.RequestTimeout)
	v.SetDefault("batch_timeout_s", gw.System.BatchTimeout)

	v.SetDefault("engine", string(wk.Engine))
	v.SetDefault("host", wk.Host)
	v.SetDefault("port", wk.Port)
	v.SetDefault("voices_dir", wk.VoicesDir)
	v.SetDefault("device", wk.Device)
	v.SetDefault("gateway_url", wk.GatewayURL)
}

func bindExtra(v *viper.Viper) {
	_ = v.BindEnv("engine", "VOICE_ENGINE")
	_ = v.BindEnv("host", "VOICE_HOST")
	_ = v.BindEnv("port", "VOICE_PORT")
	_ = v.BindEnv("voices_dir", "VOICES_DIR")
	_ = v.BindEnv("model_path", "MODEL_PATH")
	_ = v.BindEnv("device", "DEVICE")
	_ = v.BindEnv("gateway_url", "GATEWAY_URL")
}

// SetWorkerID persists the id a worker generated or was assigned at
// registration, so later heartbeats and the local /info endpoint agree.
func (c *Config) SetWorkerID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Worker.WorkerID = id
}

// GetWorkerID returns the worker's current id.
func (c *Config) GetWorkerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Worker.WorkerID
}

// Redact returns a copy of the config safe to log, mirroring the
// teacher's Config.Redact() so operators always get a loggable summary
// rather than the raw struct.
func (c *Config) Redact() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"http_addr":        c.Gateway.HTTPAddr,
		"log_level":        c.Gateway.LogLevel,
		"global_rpm":       c.Gateway.System.GlobalRPM,
		"ip_rpm":           c.Gateway.System.IPRPM,
		"concurrent_limit": c.Gateway.System.ConcurrentLimit,
		"default_engine":   c.Gateway.System.DefaultEngine,
		"worker_engine":    c.Worker.Engine,
		"worker_host":      c.Worker.Host,
		"worker_port":      c.Worker.Port,
		"gateway_url":      c.Worker.GatewayURL,
	}
}
