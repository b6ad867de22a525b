// Package config loads the TOML configuration with environment
// overrides and owns the data-root directory layout.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigName is the file the loader searches for.
const ConfigName = "groundline.toml"

// Config is the full runtime configuration.
type Config struct {
	DataRoot string `mapstructure:"data_root"`
	LogLevel string `mapstructure:"log_level"`

	Server      ServerConfig      `mapstructure:"server"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Router      RouterConfig      `mapstructure:"router"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	Trace       TraceConfig       `mapstructure:"trace"`
	Feedback    FeedbackConfig    `mapstructure:"feedback"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// GatewayConfig selects and tunes the model backend.
type GatewayConfig struct {
	Backend       string        `mapstructure:"backend"` // openai or static
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	EmbedModel    string        `mapstructure:"embed_model"`
	GenModel      string        `mapstructure:"gen_model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	// Dimension of the static backend's hash embeddings.
	StaticDim int `mapstructure:"static_dim"`
}

// RetrievalConfig tunes the retrieval engine and the chunker.
type RetrievalConfig struct {
	TopK        int    `mapstructure:"top_k"`
	TokenBudget int    `mapstructure:"token_budget"`
	Strategy    string `mapstructure:"strategy"`
	Rerank      bool   `mapstructure:"rerank"`
	ExpandGraph bool   `mapstructure:"expand_graph"`
	GraphDepth  int    `mapstructure:"graph_depth"`
	ChunkSize   int    `mapstructure:"chunk_size"`
	Overlap     int    `mapstructure:"overlap"`
}

// MemoryConfig bounds the working tier and schedules consolidation.
type MemoryConfig struct {
	MaxMsgs          int    `mapstructure:"max_msgs"`
	MaxTokens        int    `mapstructure:"max_tokens"`
	MaxContextTokens int    `mapstructure:"max_context_tokens"`
	ConsolidateCron  string `mapstructure:"consolidate_cron"`
}

// RouterConfig tunes route matching.
type RouterConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence"`
	TopK          int     `mapstructure:"top_k"`
}

// CoordinatorConfig tunes plan execution.
type CoordinatorConfig struct {
	ReflectThreshold float64 `mapstructure:"reflect_threshold"`
	MaxIters         int     `mapstructure:"max_iters"`
}

// MCPConfig selects transports and the per-connection rate limit.
type MCPConfig struct {
	Stdio        bool    `mapstructure:"stdio"`
	HTTPAddr     string  `mapstructure:"http_addr"`
	WSAddr       string  `mapstructure:"ws_addr"`
	RatePerSec   float64 `mapstructure:"rate_per_sec"`
	Burst        int     `mapstructure:"burst"`
	PageSize     int     `mapstructure:"page_size"`
	FilesEnabled bool    `mapstructure:"files_enabled"`
}

// TraceConfig selects the span exporter.
type TraceConfig struct {
	Export        string        `mapstructure:"export"` // console, sqlite, none
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// FeedbackConfig toggles feedback capture.
type FeedbackConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads the config file (explicit path, CWD, then the data root)
// and applies environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setDefaults(v)
	bindEnvVars(v)

	dataRoot := v.GetString("data_root")
	switch {
	case configPath != "":
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		v.SetConfigFile(abs)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	default:
		// Search order: ./groundline.toml, then <data_root>/groundline.toml.
		for _, candidate := range []string{ConfigName, filepath.Join(dataRoot, ConfigName)} {
			if _, err := os.Stat(candidate); err == nil {
				v.SetConfigFile(candidate)
				if err := v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("failed to read config file %s: %w", candidate, err)
				}
				break
			}
		}
		// Absent files fall through to defaults and env.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.DataRoot = expandHomePath(cfg.DataRoot)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_root", "~/.groundline")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7700)

	v.SetDefault("gateway.backend", "openai")
	v.SetDefault("gateway.base_url", "http://localhost:11434/v1")
	v.SetDefault("gateway.embed_model", "nomic-embed-text")
	v.SetDefault("gateway.gen_model", "qwen3")
	v.SetDefault("gateway.timeout", 60*time.Second)
	v.SetDefault("gateway.max_concurrent", 4)
	v.SetDefault("gateway.temperature", 0.7)
	v.SetDefault("gateway.max_tokens", 2048)
	v.SetDefault("gateway.static_dim", 256)

	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.token_budget", 3000)
	v.SetDefault("retrieval.strategy", "hybrid")
	v.SetDefault("retrieval.rerank", false)
	v.SetDefault("retrieval.expand_graph", false)
	v.SetDefault("retrieval.graph_depth", 2)
	v.SetDefault("retrieval.chunk_size", 300)
	v.SetDefault("retrieval.overlap", 50)

	v.SetDefault("memory.max_msgs", 20)
	v.SetDefault("memory.max_tokens", 4000)
	v.SetDefault("memory.max_context_tokens", 8000)
	v.SetDefault("memory.consolidate_cron", "@hourly")

	v.SetDefault("router.min_confidence", 0.3)
	v.SetDefault("router.top_k", 3)

	v.SetDefault("coordinator.reflect_threshold", 0.5)
	v.SetDefault("coordinator.max_iters", 10)

	v.SetDefault("mcp.stdio", false)
	v.SetDefault("mcp.http_addr", "")
	v.SetDefault("mcp.ws_addr", "")
	v.SetDefault("mcp.rate_per_sec", 50.0)
	v.SetDefault("mcp.burst", 25)
	v.SetDefault("mcp.page_size", 100)
	v.SetDefault("mcp.files_enabled", true)

	v.SetDefault("trace.export", "sqlite")
	v.SetDefault("trace.batch_size", 100)
	v.SetDefault("trace.flush_interval", 2*time.Second)

	v.SetDefault("feedback.enabled", true)
}

func bindEnvVars(v *viper.Viper) {
	for key, env := range map[string]string{
		"data_root":           "GROUNDLINE_DATA_ROOT",
		"log_level":           "GROUNDLINE_LOG_LEVEL",
		"gateway.base_url":    "GROUNDLINE_GEN_BACKEND_URL",
		"gateway.api_key":     "GROUNDLINE_API_KEY",
		"gateway.embed_model": "GROUNDLINE_EMBED_MODEL",
		"gateway.gen_model":   "GROUNDLINE_GEN_MODEL",
		"mcp.stdio":           "GROUNDLINE_MCP_STDIO",
		"mcp.http_addr":       "GROUNDLINE_MCP_HTTP_ADDR",
		"mcp.ws_addr":         "GROUNDLINE_MCP_WS_ADDR",
		"trace.export":        "GROUNDLINE_TRACE_EXPORT",
	} {
		_ = v.BindEnv(key, env)
	}
}

// Validate rejects out-of-range settings early.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Gateway.Backend {
	case "openai", "static":
	default:
		return fmt.Errorf("unknown gateway.backend %q", c.Gateway.Backend)
	}
	switch c.Retrieval.Strategy {
	case "dense", "sparse", "hybrid":
	default:
		return fmt.Errorf("unknown retrieval.strategy %q", c.Retrieval.Strategy)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	if c.Retrieval.Overlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("retrieval.overlap must be smaller than chunk_size")
	}
	if c.Router.MinConfidence < 0 || c.Router.MinConfidence > 1 {
		return fmt.Errorf("router.min_confidence must be in [0,1]")
	}
	if c.Coordinator.MaxIters <= 0 {
		return fmt.Errorf("coordinator.max_iters must be positive")
	}
	switch c.Trace.Export {
	case "console", "sqlite", "none":
	default:
		return fmt.Errorf("unknown trace.export %q", c.Trace.Export)
	}
	return nil
}

// Data-root subdirectories, one per durable store.
var layout = []string{"chunks", "vectors", "graph", "memory", "sessions", "feedback", "traces"}

// Path returns <data_root>/<store>/<file>.
func (c *Config) Path(store, file string) string {
	return filepath.Join(c.DataRoot, store, file)
}

// EnsureLayout creates the data root and its subdirectories.
func (c *Config) EnsureLayout() error {
	for _, dir := range layout {
		if err := os.MkdirAll(filepath.Join(c.DataRoot, dir), 0o755); err != nil {
			return fmt.Errorf("failed to create data dir %s: %w", dir, err)
		}
	}
	return nil
}

func expandHomePath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
