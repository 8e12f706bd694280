// Package pairing turns pair requests into operator decisions.
package pairing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hemantsingh443/remote-commit/internal/logging"
)

var log = logging.Logger("pairing")

// DefaultTimeout bounds how long a pair request waits for the operator.
const DefaultTimeout = 2 * time.Minute

const (
	reasonDeclined = "declined by operator"
	reasonTimeout  = "pairing timed out"
	reasonShutdown = "daemon shutting down"
	reasonFailed   = "approval could not be recorded"
)

// ErrNoPrompt is returned by Resolve when no prompt is outstanding for a peer.
var ErrNoPrompt = errors.New("no pairing prompt outstanding for peer")

// TrustStore records operator decisions.
type TrustStore interface {
	Approve(ctx context.Context, id peer.ID) error
	Revoke(ctx context.Context, id peer.ID) error
}

// Prompter asks a human about a peer. It returns an error when no decision
// could be obtained, leaving the prompt open for other decision sources.
type Prompter interface {
	Prompt(ctx context.Context, id peer.ID) (bool, error)
}

// PendingPrompt describes an outstanding prompt.
type PendingPrompt struct {
	PeerID     string    `json:"peer_id"`
	RequestIDs []string  `json:"request_ids"`
	Since      time.Time `json:"since"`
}

type prompt struct {
	id         peer.ID
	since      time.Time
	requestIDs []string
	waiters    []func(approved bool, reason string)
	decided    chan bool
}

// Coordinator keeps at most one prompt per identity. Further requests from
// the same identity wait on the outstanding prompt.
type Coordinator struct {
	trust    TrustStore
	prompter Prompter
	timeout  time.Duration

	mu      sync.Mutex
	prompts map[peer.ID]*prompt
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewCoordinator returns a coordinator. prompter may be nil when decisions
// only arrive through Resolve.
func NewCoordinator(trust TrustStore, prompter Prompter, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		trust:    trust,
		prompter: prompter,
		timeout:  timeout,
		prompts:  make(map[peer.ID]*prompt),
		now:      time.Now,
	}
}

// Request registers a pair request and returns immediately. reply is called
// exactly once with the decision.
func (c *Coordinator) Request(ctx context.Context, id peer.ID, requestID string, reply func(approved bool, reason string)) {
	c.mu.Lock()
	if p, ok := c.prompts[id]; ok {
		p.requestIDs = append(p.requestIDs, requestID)
		p.waiters = append(p.waiters, reply)
		c.mu.Unlock()
		log.Debugw("attached to outstanding prompt", "peer", id, "request_id", requestID)
		return
	}

	p := &prompt{
		id:         id,
		since:      c.now(),
		requestIDs: []string{requestID},
		waiters:    []func(bool, string){reply},
		decided:    make(chan bool, 1),
	}
	c.prompts[id] = p
	c.mu.Unlock()

	log.Infow("pairing prompt opened", "peer", id, "request_id", requestID, "timeout", c.timeout)

	promptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	if c.prompter != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			approved, err := c.prompter.Prompt(promptCtx, id)
			if err != nil {
				log.Debugw("prompter gave no decision", "peer", id, "error", err)
				return
			}
			c.decide(p, approved)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.await(ctx, promptCtx, p)
	}()
}

// Resolve records an operator decision for id's outstanding prompt.
func (c *Coordinator) Resolve(id peer.ID, approved bool) error {
	c.mu.Lock()
	p, ok := c.prompts[id]
	c.mu.Unlock()
	if !ok {
		return ErrNoPrompt
	}
	c.decide(p, approved)
	return nil
}

// Pending lists outstanding prompts, oldest first.
func (c *Coordinator) Pending() []PendingPrompt {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingPrompt, 0, len(c.prompts))
	for _, p := range c.prompts {
		out = append(out, PendingPrompt{
			PeerID:     p.id.String(),
			RequestIDs: append([]string(nil), p.requestIDs...),
			Since:      p.since,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// Wait blocks until every prompt has been answered.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// decide delivers the first decision; later ones are ignored.
func (c *Coordinator) decide(p *prompt, approved bool) {
	select {
	case p.decided <- approved:
	default:
	}
}

func (c *Coordinator) await(ctx, promptCtx context.Context, p *prompt) {
	var (
		approved bool
		reason   string
	)

	select {
	case approved = <-p.decided:
		if approved {
			if err := c.trust.Approve(context.WithoutCancel(ctx), p.id); err != nil {
				log.Warnw("failed to approve peer", "peer", p.id, "error", err)
				approved, reason = false, reasonFailed
			} else {
				log.Infow("pairing approved", "peer", p.id)
			}
		} else {
			if err := c.trust.Revoke(context.WithoutCancel(ctx), p.id); err != nil {
				log.Warnw("failed to revoke declined peer", "peer", p.id, "error", err)
			}
			reason = reasonDeclined
			log.Infow("pairing declined", "peer", p.id)
		}
	case <-promptCtx.Done():
		// The entry stays pending so a later request can prompt again.
		if ctx.Err() != nil {
			reason = reasonShutdown
		} else {
			reason = reasonTimeout
			log.Infow("pairing prompt timed out", "peer", p.id)
		}
	}

	c.mu.Lock()
	delete(c.prompts, p.id)
	waiters := p.waiters
	c.mu.Unlock()

	for _, reply := range waiters {
		reply(approved, reason)
	}
}
