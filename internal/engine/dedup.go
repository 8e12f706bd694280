package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hemantsingh443/remote-commit/internal/protocol"
)

type admission int

const (
	admitNew admission = iota
	admitInFlight
	admitReplay
	admitConflict
)

type dedupKey struct {
	requester peer.ID
	requestID string
}

type dedupEntry struct {
	digest   [32]byte
	response *protocol.CommitResponse
	expires  time.Time
}

// dedupWindow remembers recently seen commit requests so that a
// retransmission is answered from the cache instead of executing again.
type dedupWindow struct {
	mu      sync.Mutex
	entries map[dedupKey]*dedupEntry
	window  time.Duration
	now     func() time.Time
}

func newDedupWindow(window time.Duration, now func() time.Time) *dedupWindow {
	return &dedupWindow{
		entries: make(map[dedupKey]*dedupEntry),
		window:  window,
		now:     now,
	}
}

// requestDigest hashes the fields that make a commit request what it is.
func requestDigest(req *protocol.CommitRequest) [32]byte {
	h := sha256.New()
	for _, field := range []string{req.RepoPath, req.FilePath, req.NewContent, req.CommitMessage} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// begin admits a request. For admitReplay the cached response is returned.
// An in-flight entry never expires; a completed one expires window after
// completion, after which the same key is admitted as new.
func (d *dedupWindow) begin(key dedupKey, digest [32]byte) (admission, *protocol.CommitResponse) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[key]; ok {
		if e.response != nil && !d.now().Before(e.expires) {
			delete(d.entries, key)
		} else if e.digest != digest {
			return admitConflict, nil
		} else if e.response == nil {
			return admitInFlight, nil
		} else {
			return admitReplay, e.response
		}
	}

	d.entries[key] = &dedupEntry{digest: digest}
	return admitNew, nil
}

// complete stores the response of an admitted request.
func (d *dedupWindow) complete(key dedupKey, resp *protocol.CommitResponse) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[key]; ok {
		e.response = resp
		e.expires = d.now().Add(d.window)
	}
}

// abort forgets an admitted request whose response must not be cached.
func (d *dedupWindow) abort(key dedupKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[key]; ok && e.response == nil {
		delete(d.entries, key)
	}
}

// reap removes expired entries.
func (d *dedupWindow) reap() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for key, e := range d.entries {
		if e.response != nil && !now.Before(e.expires) {
			delete(d.entries, key)
		}
	}
}

func (d *dedupWindow) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// run reaps on every tick until ctx is done.
func (d *dedupWindow) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.reap()
		case <-ctx.Done():
			return
		}
	}
}
