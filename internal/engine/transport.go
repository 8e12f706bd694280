// Package engine runs the commit request/response protocol on top of a
// publish/subscribe transport: Server on the daemon and Client on callers.
package engine

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hemantsingh443/remote-commit/internal/logging"
	"github.com/hemantsingh443/remote-commit/internal/models"
)

var log = logging.Logger("engine")

// Delivery is an inbound message together with its authenticated author.
type Delivery struct {
	From peer.ID
	Data []byte
}

// Transport is the shared topic both sides publish to and read from.
type Transport interface {
	// Self is the identity messages are published under.
	Self() peer.ID
	Publish(ctx context.Context, data []byte) error
	// Deliveries yields every message seen on the topic. The channel is
	// closed when the transport shuts down.
	Deliveries() <-chan Delivery
}

// TrustStore is the view of the trust store the server needs.
type TrustStore interface {
	Lookup(ctx context.Context, id peer.ID) (models.TrustState, error)
	RecordPending(ctx context.Context, id peer.ID) (models.TrustState, error)
}

// Actor performs a commit in a local repository and returns its hash.
type Actor interface {
	Commit(ctx context.Context, repoPath, filePath, content, message string) (string, error)
}

// Pairer asks the operator whether a pending identity should be trusted.
// Request must not block; reply is called once the decision is known.
type Pairer interface {
	Request(ctx context.Context, id peer.ID, requestID string, reply func(approved bool, reason string))
}
