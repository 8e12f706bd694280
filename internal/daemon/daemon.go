// Package daemon assembles the repository-owning side: identity, trust
// store, address cache, libp2p node, pairing coordinator and protocol server.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hemantsingh443/remote-commit/internal/config"
	"github.com/hemantsingh443/remote-commit/internal/discovery"
	"github.com/hemantsingh443/remote-commit/internal/engine"
	"github.com/hemantsingh443/remote-commit/internal/fault"
	"github.com/hemantsingh443/remote-commit/internal/gitactor"
	"github.com/hemantsingh443/remote-commit/internal/identity"
	"github.com/hemantsingh443/remote-commit/internal/logging"
	"github.com/hemantsingh443/remote-commit/internal/p2p"
	"github.com/hemantsingh443/remote-commit/internal/pairing"
	"github.com/hemantsingh443/remote-commit/internal/trust"
)

var log = logging.Logger("daemon")

// Options selects runtime behaviour not stored in the config file.
type Options struct {
	// PairingMode lets unknown peers request approval.
	PairingMode bool
	// Prompter asks the operator about pairing requests. When nil, requests
	// wait for a decision through the admin API.
	Prompter pairing.Prompter
}

// Daemon owns every long-lived resource of a running daemon.
type Daemon struct {
	cfg   *config.Config
	opts  Options
	ident *identity.Identity
	trust *trust.Store
	cache *discovery.Cache
	node  *p2p.Node

	pairing *pairing.Coordinator
	server  *engine.Server
}

// New opens the daemon's persistent state. Corrupt state is reported as a
// configuration fault; nothing is regenerated.
func New(cfg *config.Config, opts Options) (_ *Daemon, err error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fault.E(fault.Configuration, "open daemon", err)
	}

	d := &Daemon{cfg: cfg, opts: opts}
	defer func() {
		if err != nil {
			d.closeStores()
		}
	}()

	d.ident, err = identity.LoadOrCreate(cfg.IdentityPath())
	if err != nil {
		return nil, err
	}
	d.trust, err = trust.Open(cfg.TrustDBPath())
	if err != nil {
		return nil, err
	}
	d.cache, err = discovery.OpenCache(cfg.AddrCacheDBPath())
	if err != nil {
		return nil, err
	}

	d.node, err = p2p.NewNode(d.ident, p2p.NodeConfig{
		ListenAddresses: cfg.P2P.ListenAddresses,
		BootstrapPeers:  cfg.P2P.BootstrapPeers,
		Topic:           cfg.P2P.Topic,
		EnableMDNS:      cfg.P2P.MDNSEnabled(),
		MDNSService:     cfg.P2P.MDNSService,
		EnableDHT:       cfg.P2P.DHTEnabled(),
	}, d.cache)
	if err != nil {
		return nil, fault.E(fault.Configuration, "open daemon", err)
	}

	d.pairing = pairing.NewCoordinator(d.trust, opts.Prompter, cfg.Daemon.PairingTimeout())

	var pairer engine.Pairer
	if opts.PairingMode {
		pairer = d.pairing
	}
	actor := gitactor.New(cfg.Git.AuthorName, cfg.Git.AuthorEmail)
	d.server = engine.NewServer(d.node, d.trust, actor, pairer, engine.ServerConfig{
		DedupWindow: cfg.Daemon.DedupWindow(),
		Workers:     cfg.Daemon.Workers,
		MaxQueued:   cfg.Daemon.MaxQueued,
	})
	return d, nil
}

// Start brings the node online. Run serves requests afterwards.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.node.Start(ctx); err != nil {
		return fault.E(fault.Network, "start node", err)
	}
	log.Infow("daemon started", "peer", d.ident.ID(), "pairing", d.opts.PairingMode)
	return nil
}

// Run serves requests until ctx is cancelled or the node stops.
func (d *Daemon) Run(ctx context.Context) error {
	err := d.server.Run(ctx)
	d.pairing.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close stops the node and closes the stores.
func (d *Daemon) Close() error {
	var result *multierror.Error
	if d.node != nil {
		if err := d.node.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := d.closeStores(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (d *Daemon) closeStores() error {
	var result *multierror.Error
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close address cache: %w", err))
		}
	}
	if d.trust != nil {
		if err := d.trust.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close trust store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// ID returns the daemon's peer ID.
func (d *Daemon) ID() peer.ID { return d.ident.ID() }

// Addrs returns the daemon's dialable multiaddrs.
func (d *Daemon) Addrs() []string { return d.node.Addrs() }

// Trust returns the trust store.
func (d *Daemon) Trust() *trust.Store { return d.trust }

// Cache returns the address cache.
func (d *Daemon) Cache() *discovery.Cache { return d.cache }

// Pairing returns the pairing coordinator.
func (d *Daemon) Pairing() *pairing.Coordinator { return d.pairing }
