// Package p2p hosts the libp2p node and adapts its GossipSub topic to the
// protocol engine's transport.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/hemantsingh443/remote-commit/internal/discovery"
	"github.com/hemantsingh443/remote-commit/internal/engine"
	"github.com/hemantsingh443/remote-commit/internal/identity"
	"github.com/hemantsingh443/remote-commit/internal/logging"
)

var log = logging.Logger("p2p")

const (
	// ProtocolVersion is announced through identify.
	ProtocolVersion = "/emergency-git/1.0"
	userAgent       = "remote-commit/1.0"
)

// NodeConfig holds P2P node configuration
type NodeConfig struct {
	ListenAddresses []string
	BootstrapPeers  []string
	Topic           string
	EnableMDNS      bool
	MDNSService     string
	EnableDHT       bool
}

// Node represents the libp2p node of a daemon or client
type Node struct {
	ident  *identity.Identity
	config NodeConfig
	cache  *discovery.Cache
	local  *discovery.LocalPeers

	host  host.Host
	dht   *dht.IpfsDHT
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service

	deliveries chan engine.Delivery
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopErr    error
}

// NewNode creates a node for ident. cache may be nil; when set, addresses of
// outbound connections are recorded in it.
func NewNode(ident *identity.Identity, config NodeConfig, cache *discovery.Cache) (*Node, error) {
	if ident == nil {
		return nil, errors.New("identity is required")
	}
	if config.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if len(config.ListenAddresses) == 0 {
		config.ListenAddresses = []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		}
	}

	return &Node{
		ident:      ident,
		config:     config,
		cache:      cache,
		local:      discovery.NewLocalPeers(),
		deliveries: make(chan engine.Delivery, 64),
	}, nil
}

// Start starts the P2P node and joins the topic
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	h, err := libp2p.New(
		libp2p.Identity(n.ident.PrivKey()),
		libp2p.ListenAddrStrings(n.config.ListenAddresses...),
		libp2p.ProtocolVersion(ProtocolVersion),
		libp2p.UserAgent(userAgent),
	)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h

	if n.cache != nil {
		h.Network().Notify(&network.NotifyBundle{ConnectedF: n.connected})
	}

	bootstrap, err := parseAddrInfos(n.config.BootstrapPeers)
	if err != nil {
		return err
	}

	if n.config.EnableDHT {
		kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto), dht.BootstrapPeers(dhtBootstrapPeers(bootstrap)...))
		if err != nil {
			return fmt.Errorf("failed to create DHT: %w", err)
		}
		n.dht = kadDHT

		if err := kadDHT.Bootstrap(ctx); err != nil {
			return fmt.Errorf("failed to bootstrap DHT: %w", err)
		}
	}

	n.ps, err = pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return fmt.Errorf("failed to create gossipsub: %w", err)
	}
	n.topic, err = n.ps.Join(n.config.Topic)
	if err != nil {
		return fmt.Errorf("failed to join topic %s: %w", n.config.Topic, err)
	}
	n.sub, err = n.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", n.config.Topic, err)
	}

	if n.config.EnableMDNS {
		n.mdns = mdns.NewMdnsService(h, n.config.MDNSService, n.local)
		if err := n.mdns.Start(); err != nil {
			return fmt.Errorf("failed to start mdns: %w", err)
		}
		n.wg.Add(1)
		go n.connectLocalPeers(ctx)
	}

	for _, info := range bootstrap {
		if err := h.Connect(ctx, info); err != nil {
			log.Warnw("failed to connect to bootstrap peer", "peer", info.ID, "error", err)
		}
	}

	n.wg.Add(1)
	go n.pump(ctx)

	log.Infow("node started", "peer", h.ID(), "addrs", n.Addrs(), "topic", n.config.Topic,
		"mdns", n.config.EnableMDNS, "dht", n.config.EnableDHT)
	return nil
}

// pump forwards topic messages to Deliveries until the subscription ends.
func (n *Node) pump(ctx context.Context) {
	defer n.wg.Done()
	defer close(n.deliveries)

	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		d := engine.Delivery{From: msg.GetFrom(), Data: msg.Data}
		select {
		case n.deliveries <- d:
		case <-ctx.Done():
			return
		}
	}
}

// connectLocalPeers dials peers announced over mDNS so the topic mesh forms
// without a bootstrap node.
func (n *Node) connectLocalPeers(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case info := <-n.local.Found():
			if info.ID == n.host.ID() {
				continue
			}
			if err := n.host.Connect(ctx, info); err != nil {
				log.Debugw("failed to connect to local peer", "peer", info.ID, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) connected(_ network.Network, c network.Conn) {
	if c.Stat().Direction != network.DirOutbound {
		return
	}
	id, addr := c.RemotePeer(), c.RemoteMultiaddr()
	go func() {
		if err := n.cache.RecordSuccess(context.Background(), id, addr); err != nil {
			log.Debugw("failed to cache peer address", "peer", id, "error", err)
		}
	}()
}

// Stop stops the P2P node. Later calls return the first call's result.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() { n.stopErr = n.stop() })
	return n.stopErr
}

func (n *Node) stop() error {
	var result *multierror.Error
	if n.sub != nil {
		n.sub.Cancel()
	}
	if n.mdns != nil {
		if err := n.mdns.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close mdns: %w", err))
		}
	}
	// The topic must be closed while the pubsub loop is still running.
	if n.topic != nil {
		if err := n.topic.Close(); err != nil {
			log.Debugw("failed to close topic", "error", err)
		}
	}
	if n.cancel != nil {
		n.cancel()
	}
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close DHT: %w", err))
		}
	}
	if n.host != nil {
		if err := n.host.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close host: %w", err))
		}
	}
	n.wg.Wait()
	return result.ErrorOrNil()
}

// Close is an alias for Stop
func (n *Node) Close() error {
	return n.Stop()
}

// Host returns the libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// Self returns the peer ID messages are published under.
func (n *Node) Self() peer.ID {
	return n.ident.ID()
}

// Publish publishes data on the topic.
func (n *Node) Publish(ctx context.Context, data []byte) error {
	if n.topic == nil {
		return errors.New("node not started")
	}
	return n.topic.Publish(ctx, data)
}

// Deliveries yields topic messages, including the node's own.
func (n *Node) Deliveries() <-chan engine.Delivery {
	return n.deliveries
}

// Addrs returns the full multiaddrs the node is reachable on
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}

	var addrs []string
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr.String(), n.host.ID().String()))
	}
	return addrs
}

// Connect dials a single candidate address of a peer. Previously learned
// addresses are cleared first so the outcome is attributable to info.Addrs.
func (n *Node) Connect(ctx context.Context, info peer.AddrInfo) error {
	if n.host.Network().Connectedness(info.ID) == network.Connected {
		return nil
	}
	n.host.Peerstore().ClearAddrs(info.ID)
	if err := n.host.Connect(ctx, info); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}
	return nil
}

// Resolver returns a resolver over the address cache, the given seed
// addresses, local network announcements and the DHT.
func (n *Node) Resolver(seeds ...peer.AddrInfo) *discovery.Resolver {
	sources := []discovery.Source{discovery.NewSeeds(seeds...), n.local}
	if n.dht != nil {
		sources = append(sources, discovery.NewRouting(n.dht))
	}
	return discovery.NewResolver(n.cache, sources...)
}

// WaitForPeer blocks until id has joined the topic.
func (n *Node) WaitForPeer(ctx context.Context, id peer.ID) error {
	events, err := n.topic.EventHandler()
	if err != nil {
		return fmt.Errorf("failed to watch topic peers: %w", err)
	}
	defer events.Cancel()

	for _, p := range n.topic.ListPeers() {
		if p == id {
			return nil
		}
	}
	for {
		ev, err := events.NextPeerEvent(ctx)
		if err != nil {
			return err
		}
		if ev.Type == pubsub.PeerJoin && ev.Peer == id {
			return nil
		}
	}
}

// TopicPeers returns the peers currently subscribed to the topic.
func (n *Node) TopicPeers() []peer.ID {
	if n.topic == nil {
		return nil
	}
	return n.topic.ListPeers()
}

// dhtBootstrapPeers seeds Kademlia with the public libp2p bootstrap nodes
// unless peers were configured.
func dhtBootstrapPeers(configured []peer.AddrInfo) []peer.AddrInfo {
	if len(configured) > 0 {
		return configured
	}
	return dht.GetDefaultBootstrapPeerAddrInfos()
}

func parseAddrInfos(addrs []string) ([]peer.AddrInfo, error) {
	var infos []peer.AddrInfo
	for _, s := range addrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address %q: %w", s, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// ParseAddr splits a full multiaddr such as /ip4/1.2.3.4/tcp/4001/p2p/<id>
// into its peer ID and transport address.
func ParseAddr(s string) (peer.AddrInfo, error) {
	info, err := peer.AddrInfoFromString(s)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("failed to parse peer address: %w", err)
	}
	return *info, nil
}
