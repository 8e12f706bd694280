package discovery

import (
	"context"
	"iter"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/hemantsingh443/remote-commit/internal/fault"
)

// Source produces candidate addresses for a peer. A source is only queried
// when the consumer of a resolution reaches it.
type Source interface {
	Name() string
	Addrs(ctx context.Context, id peer.ID) ([]ma.Multiaddr, error)
}

// ConnectFunc attempts a connection to a single candidate address.
type ConnectFunc func(ctx context.Context, info peer.AddrInfo) error

// Resolver merges the address cache with live discovery sources.
type Resolver struct {
	cache   *Cache
	sources []Source
}

// NewResolver returns a resolver that yields confirmed cached addresses
// first, then the addresses of each source in the order given, then cached
// addresses that never connected. cache may be nil.
func NewResolver(cache *Cache, sources ...Source) *Resolver {
	return &Resolver{cache: cache, sources: sources}
}

// Resolve returns the deduplicated candidate addresses of id. The sequence is
// lazy and finite, and every iteration starts over from the cache.
func (r *Resolver) Resolve(ctx context.Context, id peer.ID) iter.Seq[ma.Multiaddr] {
	return func(yield func(ma.Multiaddr) bool) {
		seen := make(map[string]struct{})
		emit := func(addrs []ma.Multiaddr) bool {
			for _, addr := range addrs {
				addr, _ = peer.SplitAddr(addr)
				if len(addr) == 0 {
					continue
				}
				key := addr.String()
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				if !yield(addr) {
					return false
				}
			}
			return true
		}

		if r.cache != nil {
			addrs, err := r.cache.Confirmed(ctx, id)
			if err != nil {
				log.Warnw("address cache lookup failed", "peer", id, "error", err)
			}
			if !emit(addrs) {
				return
			}
		}

		for _, src := range r.sources {
			if ctx.Err() != nil {
				return
			}
			addrs, err := src.Addrs(ctx, id)
			if err != nil {
				log.Debugw("discovery source failed", "source", src.Name(), "peer", id, "error", err)
				continue
			}
			if !emit(addrs) {
				return
			}
		}

		if r.cache != nil && ctx.Err() == nil {
			addrs, err := r.cache.Unconfirmed(ctx, id)
			if err != nil {
				log.Warnw("address cache lookup failed", "peer", id, "error", err)
			}
			emit(addrs)
		}
	}
}

// Dial tries every candidate of id in resolution order until connect
// succeeds, recording each outcome in the cache. It returns the address that
// worked, or a network fault once every candidate has been tried.
func (r *Resolver) Dial(ctx context.Context, id peer.ID, connect ConnectFunc) (ma.Multiaddr, error) {
	var (
		errs  *multierror.Error
		tried int
	)
	for addr := range r.Resolve(ctx, id) {
		tried++
		err := connect(ctx, peer.AddrInfo{ID: id, Addrs: []ma.Multiaddr{addr}})
		if err == nil {
			if r.cache != nil {
				if cerr := r.cache.RecordSuccess(ctx, id, addr); cerr != nil {
					log.Warnw("failed to record address success", "peer", id, "addr", addr, "error", cerr)
				}
			}
			log.Debugw("dialed peer", "peer", id, "addr", addr)
			return addr, nil
		}

		log.Debugw("dial attempt failed", "peer", id, "addr", addr, "error", err)
		errs = multierror.Append(errs, err)
		if r.cache != nil {
			if cerr := r.cache.RecordFailure(context.WithoutCancel(ctx), id, addr); cerr != nil {
				log.Warnw("failed to record address failure", "peer", id, "addr", addr, "error", cerr)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	if tried == 0 {
		return nil, fault.Errorf(fault.Network, "dial "+id.String(), "no known addresses")
	}
	if ctx.Err() != nil {
		errs = multierror.Append(errs, ctx.Err())
	}
	return nil, fault.E(fault.Network, "dial "+id.String(), errs.ErrorOrNil())
}

// Seeds is a fixed set of addresses supplied by the caller, for example the
// multiaddr given on the command line.
type Seeds struct {
	mu    sync.RWMutex
	addrs map[peer.ID][]ma.Multiaddr
}

// NewSeeds builds a seed source from address infos.
func NewSeeds(infos ...peer.AddrInfo) *Seeds {
	s := &Seeds{addrs: make(map[peer.ID][]ma.Multiaddr)}
	for _, info := range infos {
		s.Add(info)
	}
	return s
}

// Add appends the addresses of info.
func (s *Seeds) Add(info peer.AddrInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[info.ID] = append(s.addrs[info.ID], info.Addrs...)
}

func (s *Seeds) Name() string { return "seeds" }

func (s *Seeds) Addrs(_ context.Context, id peer.ID) ([]ma.Multiaddr, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ma.Multiaddr(nil), s.addrs[id]...), nil
}

// LocalPeers collects peers announced on the local network. It implements
// the mdns.Notifee interface so it can be handed straight to the mDNS service.
type LocalPeers struct {
	mu    sync.RWMutex
	addrs map[peer.ID][]ma.Multiaddr
	found chan peer.AddrInfo
}

// NewLocalPeers returns an empty local peer table.
func NewLocalPeers() *LocalPeers {
	return &LocalPeers{
		addrs: make(map[peer.ID][]ma.Multiaddr),
		found: make(chan peer.AddrInfo, 16),
	}
}

// HandlePeerFound records an mDNS announcement.
func (l *LocalPeers) HandlePeerFound(info peer.AddrInfo) {
	l.mu.Lock()
	l.addrs[info.ID] = mergeAddrs(l.addrs[info.ID], info.Addrs)
	l.mu.Unlock()

	log.Debugw("mdns peer found", "peer", info.ID, "addrs", info.Addrs)
	select {
	case l.found <- info:
	default:
	}
}

// Found delivers announcements as they arrive. Announcements are dropped when
// nobody is reading.
func (l *LocalPeers) Found() <-chan peer.AddrInfo { return l.found }

func (l *LocalPeers) Name() string { return "mdns" }

func (l *LocalPeers) Addrs(_ context.Context, id peer.ID) ([]ma.Multiaddr, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]ma.Multiaddr(nil), l.addrs[id]...), nil
}

// PeerFinder is the subset of a routing system used for lookups. The
// Kademlia DHT satisfies it.
type PeerFinder interface {
	FindPeer(ctx context.Context, id peer.ID) (peer.AddrInfo, error)
}

// Routing queries a distributed routing system for a peer's addresses.
type Routing struct {
	finder PeerFinder
}

// NewRouting wraps a peer finder as a discovery source.
func NewRouting(finder PeerFinder) *Routing {
	return &Routing{finder: finder}
}

func (r *Routing) Name() string { return "dht" }

func (r *Routing) Addrs(ctx context.Context, id peer.ID) ([]ma.Multiaddr, error) {
	info, err := r.finder.FindPeer(ctx, id)
	if err != nil {
		return nil, err
	}
	return info.Addrs, nil
}

func mergeAddrs(existing, added []ma.Multiaddr) []ma.Multiaddr {
	for _, addr := range added {
		dup := false
		for _, e := range existing {
			if e.Equal(addr) {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, addr)
		}
	}
	return existing
}
