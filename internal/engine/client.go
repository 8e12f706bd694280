package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hemantsingh443/remote-commit/internal/fault"
	"github.com/hemantsingh443/remote-commit/internal/protocol"
)

const (
	DefaultCommitTimeout = 30 * time.Second
	DefaultPairTimeout   = 150 * time.Second
)

// State is the lifecycle of a request on the initiating side.
type State int

const (
	StateCreated State = iota
	StateSent
	StateAwaitingResponse
	StateCompleted
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// CommitParams describes the file to write and commit on the daemon.
type CommitParams struct {
	RepoPath string
	FilePath string
	Content  string
	Message  string
}

// ClientConfig tunes the caller side of the protocol.
type ClientConfig struct {
	CommitTimeout time.Duration
	PairTimeout   time.Duration
}

// Client issues requests to one daemon and correlates the responses.
type Client struct {
	transport Transport
	daemon    peer.ID
	cfg       ClientConfig

	mu      sync.Mutex
	pending map[string]chan protocol.Message

	newID func() string
	now   func() time.Time
}

// NewClient builds a client addressing daemon. Run must be running for
// responses to be delivered.
func NewClient(t Transport, daemon peer.ID, cfg ClientConfig) *Client {
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.PairTimeout <= 0 {
		cfg.PairTimeout = DefaultPairTimeout
	}
	return &Client{
		transport: t,
		daemon:    daemon,
		cfg:       cfg,
		pending:   make(map[string]chan protocol.Message),
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// Run routes responses to waiting requests until ctx is done or the
// transport closes.
func (c *Client) Run(ctx context.Context) error {
	deliveries := c.transport.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.route(d)
		}
	}
}

func (c *Client) route(d Delivery) {
	if d.From != c.daemon {
		return
	}
	msg, err := protocol.Decode(d.Data)
	if err != nil {
		log.Warnw("dropping malformed message from daemon", "error", err)
		return
	}

	var recipient peer.ID
	switch m := msg.(type) {
	case *protocol.CommitResponse:
		recipient = m.Recipient
	case *protocol.PairResult:
		recipient = m.Recipient
	default:
		return
	}
	if recipient != c.transport.Self() {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.ID()]
	if ok {
		delete(c.pending, msg.ID())
	}
	c.mu.Unlock()

	if !ok {
		log.Debugw("discarding late or unknown response", "request_id", msg.ID(), "kind", msg.Kind())
		return
	}
	ch <- msg
}

// Commit asks the daemon to write and commit a file and returns the new
// commit hash.
func (c *Client) Commit(ctx context.Context, p CommitParams) (string, error) {
	req := &protocol.CommitRequest{
		RequestID:     c.newID(),
		Requester:     c.transport.Self(),
		RepoPath:      p.RepoPath,
		FilePath:      p.FilePath,
		NewContent:    p.Content,
		CommitMessage: p.Message,
	}
	msg, err := c.roundTrip(ctx, req, c.cfg.CommitTimeout)
	if err != nil {
		return "", err
	}

	resp, ok := msg.(*protocol.CommitResponse)
	if !ok {
		return "", fault.Errorf(fault.Protocol, "commit", "unexpected %s response", msg.Kind())
	}
	return outcomeResult(resp.Outcome)
}

// Pair asks the daemon to trust this identity. It returns nil once approved
// and an error wrapping fault.ErrPairingRejected when declined.
func (c *Client) Pair(ctx context.Context) error {
	req := &protocol.PairRequest{
		RequestID: c.newID(),
		Requester: c.transport.Self(),
		Timestamp: c.now().Unix(),
	}
	msg, err := c.roundTrip(ctx, req, c.cfg.PairTimeout)
	if err != nil {
		return err
	}

	res, ok := msg.(*protocol.PairResult)
	if !ok {
		return fault.Errorf(fault.Protocol, "pair", "unexpected %s response", msg.Kind())
	}
	if !res.Approved {
		err := fault.ErrPairingRejected
		if res.Reason != "" {
			err = fmt.Errorf("%w: %s", fault.ErrPairingRejected, res.Reason)
		}
		return fault.E(fault.Authorization, "pair", err)
	}
	return nil
}

// Pending reports how many requests are awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) roundTrip(ctx context.Context, req protocol.Message, timeout time.Duration) (protocol.Message, error) {
	id := req.ID()
	op := string(req.Kind()) + " " + id
	state := StateCreated

	data, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.transport.Publish(ctx, data); err != nil {
		c.forget(id)
		return nil, fault.E(fault.Network, op, fmt.Errorf("failed to publish request: %w", err))
	}
	state = StateSent
	log.Debugw("request sent", "request_id", id, "kind", req.Kind(), "state", state)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	state = StateAwaitingResponse

	select {
	case msg := <-ch:
		state = StateCompleted
		log.Debugw("response received", "request_id", id, "state", state)
		return msg, nil
	case <-timer.C:
		c.forget(id)
		state = StateTimedOut
		log.Infow("request timed out", "request_id", id, "kind", req.Kind(), "state", state, "timeout", timeout)
		return nil, fault.E(fault.Timeout, op, fmt.Errorf("no response within %s", timeout))
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.E(fault.Timeout, op, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func outcomeResult(o protocol.Outcome) (string, error) {
	if o.Status == protocol.StatusSuccess {
		return o.CommitHash, nil
	}
	switch o.Code {
	case protocol.CodeNotAuthorized:
		return "", fault.E(fault.Authorization, "commit", fmt.Errorf("%w: %s", fault.ErrNotAuthorized, o.Reason))
	case protocol.CodeRepositoryError:
		return "", fault.Errorf(fault.Repository, "commit", "%s", o.Reason)
	default:
		return "", fault.Errorf(fault.Protocol, "commit", "daemon rejected request: %s", o.Reason)
	}
}
