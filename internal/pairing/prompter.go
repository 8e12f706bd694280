package pairing

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrInputClosed is returned once the prompter's input has ended.
var ErrInputClosed = errors.New("prompt input closed")

// Terminal asks the operator on a terminal, one question at a time. An
// answer counts only for the question on screen when it was typed; lines
// read while no question is open are discarded.
type Terminal struct {
	out   io.Writer
	lines chan answer

	// gen is odd while a question is open.
	gen     atomic.Uint64
	dropped atomic.Int64

	mu sync.Mutex
}

type answer struct {
	gen  uint64
	text string
}

// NewTerminal reads answers from in and writes questions to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{out: out, lines: make(chan answer)}
	go func() {
		defer close(t.lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			gen := t.gen.Load()
			if gen%2 == 0 {
				t.dropped.Add(1)
				continue
			}
			t.lines <- answer{gen: gen, text: scanner.Text()}
		}
	}()
	return t
}

// Prompt asks whether id should be trusted. Only "y" or "yes" approve.
func (t *Terminal) Prompt(ctx context.Context, id peer.ID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gen := t.gen.Add(1)
	defer t.gen.Add(1)

	fmt.Fprintf(t.out, "\nPairing request from %s\nApprove this device? [y/N]: ", id)

	for {
		select {
		case line, ok := <-t.lines:
			if !ok {
				return false, ErrInputClosed
			}
			if line.gen != gen {
				t.dropped.Add(1)
				continue
			}
			switch strings.ToLower(strings.TrimSpace(line.text)) {
			case "y", "yes":
				return true, nil
			default:
				return false, nil
			}
		case <-ctx.Done():
			fmt.Fprintln(t.out)
			return false, ctx.Err()
		}
	}
}
