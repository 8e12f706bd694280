package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

// bus is an in-memory topic: every publish reaches every member, the
// publisher included, tagged with the publisher's identity.
type bus struct {
	mu      sync.Mutex
	members []*busTransport
}

type busTransport struct {
	bus    *bus
	self   peer.ID
	ch     chan Delivery
	mu     sync.Mutex
	closed bool
	sent   [][]byte
}

func newTestPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func (b *bus) join(t *testing.T) *busTransport {
	t.Helper()
	bt := &busTransport{bus: b, self: newTestPeer(t), ch: make(chan Delivery, 256)}
	b.mu.Lock()
	b.members = append(b.members, bt)
	b.mu.Unlock()
	t.Cleanup(bt.close)
	return bt
}

// inject delivers data to every member as if from.
func (b *bus) inject(from peer.ID, data []byte) {
	b.mu.Lock()
	members := append([]*busTransport(nil), b.members...)
	b.mu.Unlock()
	for _, m := range members {
		m.deliver(Delivery{From: from, Data: data})
	}
}

func (t *busTransport) Self() peer.ID { return t.self }

func (t *busTransport) Publish(_ context.Context, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	t.sent = append(t.sent, data)
	t.mu.Unlock()
	t.bus.inject(t.self, data)
	return nil
}

func (t *busTransport) Deliveries() <-chan Delivery { return t.ch }

func (t *busTransport) deliver(d Delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.ch <- d
}

func (t *busTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
}

func (t *busTransport) published() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}
