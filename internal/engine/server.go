package engine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/semaphore"

	"github.com/hemantsingh443/remote-commit/internal/models"
	"github.com/hemantsingh443/remote-commit/internal/protocol"
)

const (
	// DefaultDedupWindow is how long a completed response is replayed for.
	DefaultDedupWindow = 10 * time.Minute
	// DefaultWorkers bounds concurrent trust and repository work.
	DefaultWorkers = 4
	// DefaultMaxQueued bounds requests accepted but not yet answered.
	DefaultMaxQueued = 256

	reasonPairingDisabled = "pairing disabled"
	reasonNotApproved     = "requester is not an approved peer"
	reasonTrustLookup     = "trust lookup failed"
	reasonReusedID        = "request_id reused with different content"
	reasonBusy            = "daemon busy, retry later"
)

// ServerConfig tunes the daemon side of the protocol.
type ServerConfig struct {
	DedupWindow time.Duration
	Workers     int
	MaxQueued   int
}

// Server answers pair and commit requests on the daemon.
type Server struct {
	transport Transport
	trust     TrustStore
	actor     Actor
	pairer    Pairer

	dedup *dedupWindow
	locks *keyedMutex
	sem   *semaphore.Weighted

	queued    atomic.Int64
	maxQueued int64

	wg  sync.WaitGroup
	now func() time.Time
}

// NewServer builds a server. pairer may be nil, in which case pair requests
// from unapproved identities are declined with "pairing disabled".
func NewServer(t Transport, trust TrustStore, actor Actor, pairer Pairer, cfg ServerConfig) *Server {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	s := &Server{
		transport: t,
		trust:     trust,
		actor:     actor,
		pairer:    pairer,
		locks:     newKeyedMutex(),
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		maxQueued: int64(cfg.MaxQueued),
		now:       time.Now,
	}
	s.dedup = newDedupWindow(cfg.DedupWindow, func() time.Time { return s.now() })
	return s
}

// Run is the server's event loop. It returns when ctx is done or the
// transport closes, after in-flight work has finished.
func (s *Server) Run(ctx context.Context) error {
	reapCtx, stopReap := context.WithCancel(ctx)
	defer stopReap()
	go s.dedup.run(reapCtx, time.Minute)

	defer s.wg.Wait()

	self := s.transport.Self()
	log.Infow("protocol server running", "peer", self, "pairing", s.pairer != nil)

	deliveries := s.transport.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if d.From == self {
				continue
			}
			s.dispatch(ctx, d)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, d Delivery) {
	msg, err := protocol.Decode(d.Data)
	if err != nil {
		log.Warnw("dropping malformed message", "from", d.From, "error", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.PairRequest:
		if m.Requester != d.From {
			log.Warnw("dropping pair request with forged requester", "from", d.From, "requester", m.Requester)
			return
		}
		s.spawn(func() { s.handlePair(ctx, m) }, func() {
			s.publish(ctx, &protocol.PairResult{RequestID: m.RequestID, Recipient: m.Requester, Reason: reasonBusy})
		})
	case *protocol.CommitRequest:
		if m.Requester != d.From {
			log.Warnw("dropping commit request with forged requester", "from", d.From, "requester", m.Requester)
			return
		}
		s.spawn(func() { s.handleCommit(ctx, m) }, func() {
			s.publish(ctx, &protocol.CommitResponse{
				RequestID: m.RequestID,
				Recipient: m.Requester,
				Outcome:   protocol.Failure(protocol.CodeRepositoryError, reasonBusy),
			})
		})
	default:
		log.Debugw("ignoring message", "from", d.From, "kind", msg.Kind())
	}
}

// spawn starts fn without ever blocking the loop. Workers are taken inside
// the handlers; when the backlog is full, overflow answers instead.
func (s *Server) spawn(fn, overflow func()) {
	if s.queued.Add(1) > s.maxQueued {
		s.queued.Add(-1)
		log.Warnw("request backlog full", "limit", s.maxQueued)
		overflow()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.queued.Add(-1)
		fn()
	}()
}

func (s *Server) handlePair(ctx context.Context, req *protocol.PairRequest) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	reply := func(approved bool, reason string) {
		s.publish(ctx, &protocol.PairResult{
			RequestID: req.RequestID,
			Recipient: req.Requester,
			Approved:  approved,
			Reason:    reason,
		})
	}

	state, err := s.trust.Lookup(ctx, req.Requester)
	if err != nil {
		log.Warnw("trust lookup failed", "peer", req.Requester, "error", err)
		reply(false, reasonTrustLookup)
		return
	}
	if state == models.TrustApproved {
		log.Infow("pair request from approved peer", "peer", req.Requester, "request_id", req.RequestID)
		reply(true, "")
		return
	}
	if s.pairer == nil {
		log.Infow("declining pair request, pairing disabled", "peer", req.Requester, "request_id", req.RequestID)
		reply(false, reasonPairingDisabled)
		return
	}

	state, err = s.trust.RecordPending(ctx, req.Requester)
	if err != nil {
		log.Warnw("failed to record pending peer", "peer", req.Requester, "error", err)
		reply(false, reasonTrustLookup)
		return
	}
	if state == models.TrustApproved {
		reply(true, "")
		return
	}

	log.Infow("pair request awaiting operator", "peer", req.Requester, "request_id", req.RequestID)
	s.pairer.Request(ctx, req.Requester, req.RequestID, reply)
}

func (s *Server) handleCommit(ctx context.Context, req *protocol.CommitRequest) {
	respond := func(outcome protocol.Outcome) {
		s.publish(ctx, &protocol.CommitResponse{RequestID: req.RequestID, Recipient: req.Requester, Outcome: outcome})
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	ok := s.authorized(ctx, req)
	s.sem.Release(1)
	if !ok {
		respond(protocol.Failure(protocol.CodeNotAuthorized, reasonNotApproved))
		return
	}

	key := dedupKey{requester: req.Requester, requestID: req.RequestID}
	switch adm, cached := s.dedup.begin(key, requestDigest(req)); adm {
	case admitInFlight:
		log.Debugw("dropping retransmission of in-flight request", "peer", req.Requester, "request_id", req.RequestID)
		return
	case admitReplay:
		log.Infow("replaying cached response", "peer", req.Requester, "request_id", req.RequestID)
		s.publish(ctx, cached)
		return
	case admitConflict:
		log.Warnw("request id reused with different content", "peer", req.Requester, "request_id", req.RequestID)
		respond(protocol.Failure(protocol.CodeProtocolError, reasonReusedID))
		return
	}

	// Waiting for the repository holds no worker.
	unlock, err := s.locks.lock(ctx, filepath.Clean(req.RepoPath))
	if err != nil {
		s.dedup.abort(key)
		return
	}
	defer unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.dedup.abort(key)
		return
	}
	defer s.sem.Release(1)

	// Trust may have been revoked while the request was queued.
	if !s.authorized(ctx, req) {
		s.dedup.abort(key)
		respond(protocol.Failure(protocol.CodeNotAuthorized, reasonNotApproved))
		return
	}

	log.Infow("executing commit", "peer", req.Requester, "request_id", req.RequestID,
		"repo", req.RepoPath, "file", req.FilePath)
	hash, err := s.actor.Commit(context.WithoutCancel(ctx), req.RepoPath, req.FilePath, req.NewContent, req.CommitMessage)

	var outcome protocol.Outcome
	if err != nil {
		log.Warnw("commit failed", "request_id", req.RequestID, "repo", req.RepoPath, "error", err)
		outcome = protocol.Failure(protocol.CodeRepositoryError, err.Error())
	} else {
		log.Infow("commit created", "request_id", req.RequestID, "repo", req.RepoPath, "hash", hash)
		outcome = protocol.Success(hash)
	}

	resp := &protocol.CommitResponse{RequestID: req.RequestID, Recipient: req.Requester, Outcome: outcome}
	s.dedup.complete(key, resp)
	s.publish(ctx, resp)
}

func (s *Server) authorized(ctx context.Context, req *protocol.CommitRequest) bool {
	state, err := s.trust.Lookup(ctx, req.Requester)
	if err != nil {
		log.Warnw("trust lookup failed", "peer", req.Requester, "error", err)
		return false
	}
	if state != models.TrustApproved {
		log.Infow("rejecting commit from unapproved peer", "peer", req.Requester, "state", state, "request_id", req.RequestID)
		return false
	}
	return true
}

func (s *Server) publish(ctx context.Context, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Warnw("failed to encode response", "kind", msg.Kind(), "error", err)
		return
	}
	if err := s.transport.Publish(ctx, data); err != nil {
		log.Warnw("failed to publish response", "kind", msg.Kind(), "request_id", msg.ID(), "error", err)
	}
}

// Self returns the identity the server answers as.
func (s *Server) Self() peer.ID { return s.transport.Self() }
