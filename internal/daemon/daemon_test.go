package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemantsingh443/remote-commit/internal/config"
	"github.com/hemantsingh443/remote-commit/internal/fault"
)

func loopbackConfig(dir string) *config.Config {
	cfg := config.ForDataDir(dir)
	off := false
	cfg.P2P.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.P2P.EnableMDNS = &off
	cfg.P2P.EnableDHT = &off
	return cfg
}

func TestNewCreatesState(t *testing.T) {
	cfg := loopbackConfig(t.TempDir())

	d, err := New(cfg, Options{})
	require.NoError(t, err)
	id := d.ID()
	require.NoError(t, d.Close())

	for _, path := range []string{cfg.IdentityPath(), cfg.TrustDBPath(), cfg.AddrCacheDBPath()} {
		assert.FileExists(t, path)
	}

	// The identity survives a restart.
	d, err = New(cfg, Options{})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, id, d.ID())
}

func TestCorruptStateIsFatal(t *testing.T) {
	tests := []struct {
		name string
		path func(*config.Config) string
	}{
		{name: "identity", path: (*config.Config).IdentityPath},
		{name: "trust store", path: (*config.Config).TrustDBPath},
		{name: "address cache", path: (*config.Config).AddrCacheDBPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loopbackConfig(t.TempDir())
			require.NoError(t, cfg.EnsureDirs())
			require.NoError(t, os.WriteFile(tt.path(cfg), []byte("this is not what you think it is"), 0600))

			_, err := New(cfg, Options{})
			require.Error(t, err)
			assert.True(t, fault.IsKind(err, fault.Configuration), "got %v", err)
		})
	}
}

func TestStartAndRun(t *testing.T) {
	cfg := loopbackConfig(t.TempDir())
	d, err := New(cfg, Options{PairingMode: true})
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	assert.NotEmpty(t, d.Addrs())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
