package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemantsingh443/remote-commit/internal/config"
	"github.com/hemantsingh443/remote-commit/internal/daemon"
	"github.com/hemantsingh443/remote-commit/internal/engine"
	"github.com/hemantsingh443/remote-commit/internal/fault"
	"github.com/hemantsingh443/remote-commit/internal/models"
)

func loopbackConfig(dir string) *config.Config {
	cfg := config.ForDataDir(dir)
	off := false
	cfg.P2P.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.P2P.EnableMDNS = &off
	cfg.P2P.EnableDHT = &off
	cfg.Client.CommitTimeoutSeconds = 10
	cfg.Client.PairTimeoutSeconds = 10
	cfg.Client.DialTimeoutSeconds = 10
	return cfg
}

func startDaemon(t *testing.T, ctx context.Context) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(loopbackConfig(t.TempDir()), daemon.Options{PairingMode: true})
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		d.Close()
		<-done
	})
	return d
}

func newTestPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestParseDaemon(t *testing.T) {
	id := newTestPeer(t).String()

	tests := []struct {
		name      string
		input     string
		wantAddrs int
		wantErr   bool
	}{
		{name: "full multiaddr", input: "/ip4/192.168.1.10/tcp/4001/p2p/" + id, wantAddrs: 1},
		{name: "bare peer id", input: " " + id + " ", wantAddrs: 0},
		{name: "multiaddr without peer", input: "/ip4/192.168.1.10/tcp/4001", wantErr: true},
		{name: "garbage", input: "daemon.local", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ParseDaemon(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, fault.IsKind(err, fault.Configuration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, info.ID.String())
			assert.Len(t, info.Addrs, tt.wantAddrs)
		})
	}
}

func TestSessionPairThenCommit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	d := startDaemon(t, ctx)

	repoPath := filepath.Join(t.TempDir(), "repo")
	_, err := git.PlainInit(repoPath, false)
	require.NoError(t, err)

	s, err := Dial(ctx, loopbackConfig(t.TempDir()), d.Addrs()[0])
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, d.ID(), s.Daemon())

	params := engine.CommitParams{RepoPath: repoPath, FilePath: "status.txt", Content: "degraded\n", Message: "mark degraded"}

	_, err = s.Commit(ctx, params)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrNotAuthorized)

	pairErr := make(chan error, 1)
	go func() { pairErr <- s.Pair(ctx) }()

	require.Eventually(t, func() bool { return len(d.Pairing().Pending()) == 1 }, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, d.Pairing().Resolve(s.ID(), true))
	require.NoError(t, <-pairErr)

	state, err := d.Trust().Lookup(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, models.TrustApproved, state)

	hash, err := s.Commit(ctx, params)
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	data, err := os.ReadFile(filepath.Join(repoPath, "status.txt"))
	require.NoError(t, err)
	assert.Equal(t, "degraded\n", string(data))
}

func TestDialUnreachableDaemon(t *testing.T) {
	ctx := context.Background()
	cfg := loopbackConfig(t.TempDir())
	cfg.Client.DialTimeoutSeconds = 2

	// A peer ID with no addresses anywhere.
	_, err := Dial(ctx, cfg, newTestPeer(t).String())
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Network), "got %v", err)
}
