package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "data", cfg.Node.DataDir)
	assert.Equal(t, DefaultTopic, cfg.P2P.Topic)
	assert.Len(t, cfg.P2P.ListenAddresses, 2)
	assert.True(t, cfg.P2P.MDNSEnabled())
	assert.True(t, cfg.P2P.DHTEnabled())
	assert.Equal(t, 2*time.Minute, cfg.Daemon.PairingTimeout())
	assert.Equal(t, 10*time.Minute, cfg.Daemon.DedupWindow())
	assert.Equal(t, 4, cfg.Daemon.Workers)
	assert.Equal(t, 256, cfg.Daemon.MaxQueued)
	assert.Equal(t, 30*time.Second, cfg.Client.CommitTimeout())
	assert.Equal(t, "127.0.0.1", cfg.API.Host)
	assert.Equal(t, 8090, cfg.API.Port)
	assert.Equal(t, filepath.Join("data", "trust.db"), cfg.TrustDBPath())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "overrides and defaults",
			content: `
[node]
name = "laptop"
data_dir = "/var/lib/remote-commit"

[p2p]
enable_mdns = false
bootstrap_peers = ["/ip4/1.2.3.4/tcp/4001/p2p/12D3KooWHYyhN6Tq7PmNMYiu66MzLfC6aHN6Y3hnx8Cq2ZVHAnka"]

[daemon]
dedup_window_seconds = 60
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "laptop", cfg.Node.Name)
				assert.Equal(t, "/var/lib/remote-commit", cfg.Node.DataDir)
				assert.False(t, cfg.P2P.MDNSEnabled())
				assert.True(t, cfg.P2P.DHTEnabled())
				assert.Len(t, cfg.P2P.BootstrapPeers, 1)
				assert.Equal(t, time.Minute, cfg.Daemon.DedupWindow())
				assert.Equal(t, 120, cfg.Daemon.PairingTimeoutSeconds)
			},
		},
		{
			name:    "malformed toml",
			content: "[node\nname=",
			wantErr: true,
		},
		{
			name: "api without key",
			content: `
[api]
enabled = true
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			cfg, err := Load(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := ForDataDir(filepath.Join(dir, "data"))
	cfg.Node.Name = "daemon"
	cfg.API.Enabled = true
	cfg.API.APIKey = "secret"

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, cfg.Save(path))
	require.NoError(t, cfg.EnsureDirs())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Node, loaded.Node)
	assert.Equal(t, cfg.API, loaded.API)
	assert.DirExists(t, cfg.Node.DataDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
