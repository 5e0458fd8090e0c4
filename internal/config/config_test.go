package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	t.Setenv("RELAY_CONFIG", path)
	t.Setenv("RELAY_BACKEND", "")
	t.Setenv("RELAY_AGENT_CLI", "")
	t.Setenv("RELAY_API_BASE_URL", "")
	t.Setenv("RELAY_LOG_LEVEL", "")
	t.Setenv("RELAY_POLL_BUDGET", "")
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendCLI, cfg.Backend)
	assert.Equal(t, "jules", cfg.AgentCLI)
	assert.Equal(t, "https://jules.googleapis.com/v1alpha", cfg.APIBaseURL)
	assert.Equal(t, 3*time.Second, cfg.PollInitial())
	assert.Equal(t, 30*time.Second, cfg.PollCeiling())
	assert.Equal(t, 200, cfg.PollBudget)
}

func TestLoadFromFile(t *testing.T) {
	path := isolate(t)
	require.NoError(t, os.WriteFile(path, []byte(`{
		"backend": "api",
		"agentCLI": "jules-beta",
		"pollBudget": 50
	}`), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendAPI, cfg.Backend)
	assert.Equal(t, "jules-beta", cfg.AgentCLI)
	assert.Equal(t, 50, cfg.PollBudget)
	// Unset fields keep their defaults.
	assert.Equal(t, "https://jules.googleapis.com/v1alpha", cfg.APIBaseURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("RELAY_BACKEND", "api")
	t.Setenv("RELAY_AGENT_CLI", "custom-agent")
	t.Setenv("RELAY_POLL_BUDGET", "17")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendAPI, cfg.Backend)
	assert.Equal(t, "custom-agent", cfg.AgentCLI)
	assert.Equal(t, 17, cfg.PollBudget)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	isolate(t)
	t.Setenv("RELAY_BACKEND", "carrier-pigeon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendCLI, cfg.Backend)
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)

	cfg := Default()
	cfg.Backend = BackendAPI
	cfg.LogLevel = "debug"
	require.NoError(t, cfg.Save())

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendAPI, loaded.Backend)
	assert.Equal(t, "debug", loaded.LogLevel)
}

func TestDataDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/share")
	assert.Equal(t, filepath.Join("/custom/share", "relay"), DataDir())
}

func TestWatcherFiresOnWrite(t *testing.T) {
	path := isolate(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"backend":"cli"}`), 0644))

	var (
		mu  sync.Mutex
		got []*Config
	)
	w, err := NewWatcher(func(cfg *Config) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	})
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"backend":"api"}`), 0644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, BackendAPI, got[len(got)-1].Backend)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	isolate(t)
	w, err := NewWatcher(func(*Config) {})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
}
