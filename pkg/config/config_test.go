package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7700, cfg.Server.Port)
	assert.Equal(t, "hybrid", cfg.Retrieval.Strategy)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 3000, cfg.Retrieval.TokenBudget)
	assert.Equal(t, 20, cfg.Memory.MaxMsgs)
	assert.Equal(t, "@hourly", cfg.Memory.ConsolidateCron)
	assert.Equal(t, 0.3, cfg.Router.MinConfidence)
	assert.Equal(t, 10, cfg.Coordinator.MaxIters)
	assert.Equal(t, 100, cfg.MCP.PageSize)
	assert.Equal(t, "sqlite", cfg.Trace.Export)
	assert.Equal(t, 2*time.Second, cfg.Trace.FlushInterval)
}

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_root = "`+dir+`"

[retrieval]
top_k = 8
strategy = "sparse"

[gateway]
backend = "static"
gen_model = "test-model"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataRoot)
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.Equal(t, "sparse", cfg.Retrieval.Strategy)
	assert.Equal(t, "static", cfg.Gateway.Backend)
	assert.Equal(t, "test-model", cfg.Gateway.GenModel)
	// Untouched sections keep defaults.
	assert.Equal(t, 3000, cfg.Retrieval.TokenBudget)
}

func TestLoadFindsFileInCWD(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigName), []byte(`
[server]
port = 9999
`), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GROUNDLINE_DATA_ROOT", "/tmp/gl-test")
	t.Setenv("GROUNDLINE_GEN_MODEL", "env-model")
	t.Setenv("GROUNDLINE_TRACE_EXPORT", "console")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/gl-test", cfg.DataRoot)
	assert.Equal(t, "env-model", cfg.Gateway.GenModel)
	assert.Equal(t, "console", cfg.Trace.Export)
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	cases := []struct{ name, body string }{
		{"bad strategy", "[retrieval]\nstrategy = \"psychic\"\n"},
		{"bad backend", "[gateway]\nbackend = \"carrier-pigeon\"\n"},
		{"bad port", "[server]\nport = 99999\n"},
		{"overlap too large", "[retrieval]\nchunk_size = 50\noverlap = 60\n"},
		{"bad trace export", "[trace]\nexport = \"jaeger\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".toml")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestDataRootLayout(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{DataRoot: root}
	require.NoError(t, cfg.EnsureLayout())

	for _, dir := range []string{"chunks", "vectors", "graph", "memory", "sessions", "feedback", "traces"} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(root, "memory", "memory.db"), cfg.Path("memory", "memory.db"))
}
