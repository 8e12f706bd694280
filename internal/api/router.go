package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hemantsingh443/remote-commit/internal/config"
	"github.com/hemantsingh443/remote-commit/internal/logging"
)

var log = logging.Logger("api")

// NewRouter builds the operator API routes.
func NewRouter(apiKey string, trust TrustStore, pairing PairingQueue, cache AddressCache) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	peerHandler := NewPeerHandler(trust, pairing)
	addressHandler := NewAddressHandler(cache)

	api := router.Group("/api/v1")
	api.Use(APIKeyMiddleware(apiKey))
	{
		peers := api.Group("/peers")
		{
			peers.GET("", peerHandler.ListPeers)
			peers.GET("/:peer_id", peerHandler.GetPeer)
			peers.POST("/:peer_id/approve", peerHandler.Approve)
			peers.POST("/:peer_id/revoke", peerHandler.Revoke)
		}

		api.GET("/pairing/pending", peerHandler.PendingPrompts)
		api.GET("/addresses", addressHandler.ListAddresses)
	}

	return router
}

// Server runs the operator API over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer creates an HTTP server for handler on cfg's address.
func NewServer(cfg config.APIConfig, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Serve listens and serves until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	log.Infow("admin API listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin API: %w", err)
	}
	return nil
}
