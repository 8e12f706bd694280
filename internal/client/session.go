// Package client assembles the caller side: identity, address cache, libp2p
// node and protocol client, connected to one daemon.
package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hemantsingh443/remote-commit/internal/config"
	"github.com/hemantsingh443/remote-commit/internal/discovery"
	"github.com/hemantsingh443/remote-commit/internal/engine"
	"github.com/hemantsingh443/remote-commit/internal/fault"
	"github.com/hemantsingh443/remote-commit/internal/identity"
	"github.com/hemantsingh443/remote-commit/internal/logging"
	"github.com/hemantsingh443/remote-commit/internal/p2p"
)

var log = logging.Logger("client")

// Session is a connected caller. It is safe for concurrent Commit calls.
type Session struct {
	ident  *identity.Identity
	cache  *discovery.Cache
	node   *p2p.Node
	client *engine.Client
	daemon peer.ID

	cancel context.CancelFunc
	done   chan struct{}
}

// ParseDaemon accepts either a full multiaddr ending in /p2p/<id> or a bare
// peer ID, in which case addresses come from the cache, mDNS and the DHT.
func ParseDaemon(s string) (peer.AddrInfo, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "/") {
		info, err := p2p.ParseAddr(s)
		if err != nil {
			return peer.AddrInfo{}, fault.E(fault.Configuration, "parse daemon address", err)
		}
		return info, nil
	}
	id, err := peer.Decode(s)
	if err != nil {
		return peer.AddrInfo{}, fault.E(fault.Configuration, "parse daemon address", fmt.Errorf("invalid peer ID %q: %w", s, err))
	}
	return peer.AddrInfo{ID: id}, nil
}

// Dial opens the caller's stores, starts a node and connects to the daemon.
// The returned session must be closed.
func Dial(ctx context.Context, cfg *config.Config, daemonAddr string) (_ *Session, err error) {
	daemon, err := ParseDaemon(daemonAddr)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fault.E(fault.Configuration, "dial", err)
	}

	ident, err := identity.LoadOrCreate(cfg.IdentityPath())
	if err != nil {
		return nil, err
	}
	if ident.ID() == daemon.ID {
		return nil, fault.Errorf(fault.Configuration, "dial", "daemon address points at this installation's own identity")
	}

	cache, err := discovery.OpenCache(cfg.AddrCacheDBPath())
	if err != nil {
		return nil, err
	}

	node, err := p2p.NewNode(ident, p2p.NodeConfig{
		ListenAddresses: cfg.P2P.ListenAddresses,
		BootstrapPeers:  cfg.P2P.BootstrapPeers,
		Topic:           cfg.P2P.Topic,
		EnableMDNS:      cfg.P2P.MDNSEnabled(),
		MDNSService:     cfg.P2P.MDNSService,
		EnableDHT:       cfg.P2P.DHTEnabled(),
	}, cache)
	if err != nil {
		cache.Close()
		return nil, fault.E(fault.Configuration, "dial", err)
	}

	s := &Session{ident: ident, cache: cache, node: node, daemon: daemon.ID, done: make(chan struct{})}
	defer func() {
		if err != nil {
			s.closeNode()
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if err := node.Start(runCtx); err != nil {
		return nil, fault.E(fault.Network, "start node", err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.Client.DialTimeout())
	defer dialCancel()

	addr, err := node.Resolver(daemon).Dial(dialCtx, daemon.ID, node.Connect)
	if err != nil {
		return nil, err
	}
	if err := node.WaitForPeer(dialCtx, daemon.ID); err != nil {
		return nil, fault.E(fault.Network, "join topic", fmt.Errorf("daemon %s did not join %s: %w", daemon.ID, cfg.P2P.Topic, err))
	}
	log.Infow("connected to daemon", "daemon", daemon.ID, "addr", addr)

	s.client = engine.NewClient(node, daemon.ID, engine.ClientConfig{
		CommitTimeout: cfg.Client.CommitTimeout(),
		PairTimeout:   cfg.Client.PairTimeout(),
	})
	go func() {
		defer close(s.done)
		s.client.Run(runCtx)
	}()
	return s, nil
}

// LocalID returns the peer ID of the installation described by cfg, creating
// its identity if needed.
func LocalID(cfg *config.Config) (peer.ID, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return "", fault.E(fault.Configuration, "load identity", err)
	}
	ident, err := identity.LoadOrCreate(cfg.IdentityPath())
	if err != nil {
		return "", err
	}
	return ident.ID(), nil
}

// ID returns the caller's peer ID.
func (s *Session) ID() peer.ID { return s.ident.ID() }

// Daemon returns the peer ID of the connected daemon.
func (s *Session) Daemon() peer.ID { return s.daemon }

// Commit asks the daemon to write and commit a file, returning the hash.
func (s *Session) Commit(ctx context.Context, p engine.CommitParams) (string, error) {
	return s.client.Commit(ctx, p)
}

// Pair asks the daemon to trust this installation.
func (s *Session) Pair(ctx context.Context) error {
	return s.client.Pair(ctx)
}

// Close stops the node and releases the stores.
func (s *Session) Close() error {
	err := s.closeNode()
	<-s.done
	return err
}

func (s *Session) closeNode() error {
	var result *multierror.Error
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.node.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.cache.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close address cache: %w", err))
	}
	return result.ErrorOrNil()
}
