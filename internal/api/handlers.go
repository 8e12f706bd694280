// Package api is the daemon's operator HTTP surface.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hemantsingh443/remote-commit/internal/models"
	"github.com/hemantsingh443/remote-commit/internal/pairing"
	"github.com/hemantsingh443/remote-commit/internal/trust"
)

// TrustStore is the part of the trust store the API manages.
type TrustStore interface {
	Get(ctx context.Context, id peer.ID) (*models.TrustEntry, error)
	List(ctx context.Context, state models.TrustState) ([]models.TrustEntry, error)
	Approve(ctx context.Context, id peer.ID) error
	Revoke(ctx context.Context, id peer.ID) error
}

// PairingQueue exposes outstanding pairing prompts.
type PairingQueue interface {
	Pending() []pairing.PendingPrompt
	Resolve(id peer.ID, approved bool) error
}

// AddressCache exposes the daemon's address cache.
type AddressCache interface {
	List(ctx context.Context) ([]models.AddressCacheEntry, error)
}

// PeerHandler handles trust management requests
type PeerHandler struct {
	trust   TrustStore
	pairing PairingQueue
}

// NewPeerHandler creates a new peer handler
func NewPeerHandler(trust TrustStore, pairing PairingQueue) *PeerHandler {
	return &PeerHandler{trust: trust, pairing: pairing}
}

// ListPeers handles listing trust entries, optionally filtered by ?state=
func (h *PeerHandler) ListPeers(c *gin.Context) {
	state := models.TrustState(c.Query("state"))
	if state != "" && !state.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}

	entries, err := h.trust.List(c.Request.Context(), state)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []models.TrustEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"peers": entries})
}

// GetPeer handles fetching one trust entry
func (h *PeerHandler) GetPeer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}

	entry, err := h.trust.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found", "state": models.TrustUnknown})
		return
	}

	c.JSON(http.StatusOK, entry)
}

// Approve answers an outstanding prompt for the peer, or approves a pending
// entry directly when no prompt is open.
func (h *PeerHandler) Approve(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}

	if h.pairing != nil {
		if err := h.pairing.Resolve(id, true); err == nil {
			c.JSON(http.StatusAccepted, gin.H{"status": "resolved", "peer_id": id.String()})
			return
		}
	}

	err := h.trust.Approve(c.Request.Context(), id)
	switch {
	case errors.Is(err, trust.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": models.TrustApproved, "peer_id": id.String()})
}

// Revoke revokes the peer and declines any outstanding prompt for it.
func (h *PeerHandler) Revoke(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}

	if err := h.trust.Revoke(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.pairing != nil {
		_ = h.pairing.Resolve(id, false)
	}

	c.JSON(http.StatusOK, gin.H{"status": models.TrustRevoked, "peer_id": id.String()})
}

// PendingPrompts lists pairing prompts waiting for a decision
func (h *PeerHandler) PendingPrompts(c *gin.Context) {
	prompts := []pairing.PendingPrompt{}
	if h.pairing != nil {
		prompts = h.pairing.Pending()
	}
	c.JSON(http.StatusOK, gin.H{"pending": prompts})
}

// AddressHandler handles address cache requests
type AddressHandler struct {
	cache AddressCache
}

// NewAddressHandler creates a new address handler
func NewAddressHandler(cache AddressCache) *AddressHandler {
	return &AddressHandler{cache: cache}
}

// ListAddresses dumps the address cache
func (h *AddressHandler) ListAddresses(c *gin.Context) {
	entries, err := h.cache.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []models.AddressCacheEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"addresses": entries})
}

func peerParam(c *gin.Context) (peer.ID, bool) {
	id, err := peer.Decode(c.Param("peer_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return "", false
	}
	return id, true
}
