package models

import (
	"time"
)

// TrustState classifies a peer identity for commit authorization
type TrustState string

const (
	TrustUnknown  TrustState = "unknown"
	TrustPending  TrustState = "pending"
	TrustApproved TrustState = "approved"
	TrustRevoked  TrustState = "revoked"
)

// Valid reports whether s is one of the persisted states.
func (s TrustState) Valid() bool {
	switch s {
	case TrustPending, TrustApproved, TrustRevoked:
		return true
	}
	return false
}

// TrustEntry represents the trust record for one peer identity
type TrustEntry struct {
	PeerID       string     `db:"peer_id" json:"peer_id"`
	State        TrustState `db:"state" json:"state"`
	FirstSeen    time.Time  `db:"first_seen" json:"first_seen"`
	LastApproved *time.Time `db:"last_approved" json:"last_approved,omitempty"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// AddressCacheEntry represents a previously observed address of a peer
type AddressCacheEntry struct {
	PeerID        string     `db:"peer_id" json:"peer_id"`
	Multiaddr     string     `db:"multiaddr" json:"multiaddr"`
	LastConfirmed *time.Time `db:"last_confirmed" json:"last_confirmed,omitempty"`
	LastFailed    *time.Time `db:"last_failed" json:"last_failed,omitempty"`
	Failures      int        `db:"failures" json:"failures"`
}
