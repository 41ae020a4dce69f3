package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func newTestLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, Default())

	loader, err := NewLoader(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Stop() })
	return loader, path
}

func TestLoader_Load(t *testing.T) {
	loader, _ := newTestLoader(t)

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Same(t, cfg, loader.GetConfig())
}

func TestLoader_ReloadOnChange(t *testing.T) {
	loader, path := newTestLoader(t)
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	require.NoError(t, loader.StartWatching(func(cfg *Config) error {
		changed <- cfg
		return nil
	}))

	next := Default()
	next.Listen = ":9091"
	writeConfig(t, path, next)

	select {
	case cfg := <-changed:
		assert.Equal(t, ":9091", cfg.Listen)
		assert.Equal(t, ":9091", loader.GetConfig().Listen)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a reload")
	}
}

func TestLoader_InvalidChangeKeepsCurrent(t *testing.T) {
	loader, path := newTestLoader(t)
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan struct{}, 1)
	require.NoError(t, loader.StartWatching(func(*Config) error {
		changed <- struct{}{}
		return nil
	}))

	// A file that fails validation never reaches the callback.
	require.NoError(t, os.WriteFile(path, []byte(`{"listen": ""}`), 0o600))

	select {
	case <-changed:
		t.Fatal("invalid config must not be applied")
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, ":8080", loader.GetConfig().Listen)
}

func TestLoader_RejectedChangeRollsBack(t *testing.T) {
	loader, path := newTestLoader(t)
	initial, err := loader.Load()
	require.NoError(t, err)

	applied := make(chan struct{}, 1)
	require.NoError(t, loader.StartWatching(func(cfg *Config) error {
		applied <- struct{}{}
		return assert.AnError
	}))

	next := Default()
	next.Listen = ":9092"
	writeConfig(t, path, next)

	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the callback to run")
	}

	// The callback rejected the change, so the prior config stands.
	assert.Eventually(t, func() bool {
		return loader.GetConfig().Listen == initial.Listen
	}, time.Second, 10*time.Millisecond)
}

func TestLoader_UpdateConfigAtomic(t *testing.T) {
	loader, path := newTestLoader(t)
	_, err := loader.Load()
	require.NoError(t, err)

	require.NoError(t, loader.UpdateConfigAtomic(func(cfg *Config) (*Config, error) {
		cfg.Listen = ":9093"
		return cfg, nil
	}))
	assert.Equal(t, ":9093", loader.GetConfig().Listen)

	// The change is durable on disk.
	onDisk, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9093", onDisk.Listen)

	// An update that fails validation changes nothing.
	err = loader.UpdateConfigAtomic(func(cfg *Config) (*Config, error) {
		cfg.Listen = ""
		return cfg, nil
	})
	require.Error(t, err)
	assert.Equal(t, ":9093", loader.GetConfig().Listen)
}

func TestLoader_UpdateConfigAtomicNotifiesWatcher(t *testing.T) {
	loader, _ := newTestLoader(t)
	_, err := loader.Load()
	require.NoError(t, err)

	applied := make(chan *Config, 1)
	var reject bool
	require.NoError(t, loader.StartWatching(func(cfg *Config) error {
		if reject {
			return assert.AnError
		}
		applied <- cfg
		return nil
	}))

	// API-driven updates reach the same callback as on-disk edits.
	require.NoError(t, loader.UpdateConfigAtomic(func(cfg *Config) (*Config, error) {
		cfg.Reconnect.MaxAttempts = 7
		return cfg, nil
	}))

	select {
	case cfg := <-applied:
		assert.Equal(t, 7, cfg.Reconnect.MaxAttempts)
	case <-time.After(time.Second):
		t.Fatal("expected the watch callback to see the update")
	}

	// A callback rejection surfaces to the caller.
	reject = true
	err = loader.UpdateConfigAtomic(func(cfg *Config) (*Config, error) {
		cfg.Reconnect.MaxAttempts = 8
		return cfg, nil
	})
	require.Error(t, err)
}
