package mobile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemantsingh443/remote-commit/internal/config"
	"github.com/hemantsingh443/remote-commit/internal/daemon"
	"github.com/hemantsingh443/remote-commit/internal/fault"
)

func TestToMobile(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantKind    ErrorKind
		wantMessage bool
	}{
		{name: "network", err: fault.Errorf(fault.Network, "dial", "no known addresses"), wantKind: KindNetwork, wantMessage: true},
		{name: "authorization", err: fault.E(fault.Authorization, "commit", fault.ErrNotAuthorized), wantKind: KindNetwork, wantMessage: true},
		{name: "repository", err: fault.Errorf(fault.Repository, "commit", "nothing to commit"), wantKind: KindNetwork, wantMessage: true},
		{name: "configuration", err: fault.Errorf(fault.Configuration, "load identity", "corrupt key"), wantKind: KindNetwork, wantMessage: true},
		{name: "protocol", err: fault.Errorf(fault.Protocol, "decode", "bad json"), wantKind: KindData, wantMessage: true},
		{name: "timeout", err: fault.E(fault.Timeout, "commit", fault.ErrTimeout), wantKind: KindTimeout},
		{name: "deadline", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), wantKind: KindTimeout},
		{name: "plain", err: errors.New("boom"), wantKind: KindNetwork, wantMessage: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var me *Error
			require.ErrorAs(t, toMobile(tt.err), &me)
			assert.Equal(t, tt.wantKind, me.Kind)
			if tt.wantMessage {
				assert.NotEmpty(t, me.Message)
			} else {
				assert.Empty(t, me.Message)
			}
		})
	}

	assert.NoError(t, toMobile(nil))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "timeout", (&Error{Kind: KindTimeout}).Error())
	assert.Equal(t, "data: bad json", (&Error{Kind: KindData, Message: "bad json"}).Error())
}

func TestPeerIDIsStable(t *testing.T) {
	dir := t.TempDir()

	first, err := PeerID(dir)
	require.NoError(t, err)
	second, err := PeerID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = PeerID("")
	assert.Error(t, err)
}

func loopbackConfig(dir string) *config.Config {
	cfg := config.ForDataDir(dir)
	off := false
	cfg.P2P.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.P2P.EnableMDNS = &off
	cfg.P2P.EnableDHT = &off
	cfg.Client.DialTimeoutSeconds = 10
	cfg.Client.CommitTimeoutSeconds = 10
	cfg.Client.PairTimeoutSeconds = 10
	return cfg
}

func TestPairAndCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := daemon.New(loopbackConfig(t.TempDir()), daemon.Options{PairingMode: true})
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	defer func() {
		d.Close()
		<-done
	}()
	daemonAddr := d.Addrs()[0]

	phoneDir := t.TempDir()
	require.NoError(t, loopbackConfig(phoneDir).Save(filepath.Join(phoneDir, ConfigFile)))

	repoPath := filepath.Join(t.TempDir(), "repo")
	_, err = git.PlainInit(repoPath, false)
	require.NoError(t, err)

	_, err = EmergencyCommit(phoneDir, daemonAddr, repoPath, "NOTICE", "down for maintenance\n", "notice")
	var me *Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, KindNetwork, me.Kind)

	pairErr := make(chan error, 1)
	go func() { pairErr <- Pair(phoneDir, daemonAddr) }()
	require.Eventually(t, func() bool { return len(d.Pairing().Pending()) == 1 }, 15*time.Second, 20*time.Millisecond)

	id, err := PeerID(phoneDir)
	require.NoError(t, err)
	assert.Equal(t, id, d.Pairing().Pending()[0].PeerID)
	pid, err := peer.Decode(id)
	require.NoError(t, err)
	require.NoError(t, d.Pairing().Resolve(pid, true))
	require.NoError(t, <-pairErr)

	hash, err := EmergencyCommit(phoneDir, daemonAddr, repoPath, "NOTICE", "down for maintenance\n", "notice")
	require.NoError(t, err)
	assert.Len(t, hash, 40)
}
