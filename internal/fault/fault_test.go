package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "plain error", err: base, want: Unknown},
		{name: "classified", err: E(Network, "dial", base), want: Network},
		{name: "wrapped classified", err: fmt.Errorf("failed to pair: %w", E(Timeout, "pair", nil)), want: Timeout},
		{name: "errorf", err: Errorf(Repository, "commit", "bad path %q", "../x"), want: Repository},
		{name: "nil", err: nil, want: Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("commit: %w", E(Timeout, "await response", errors.New("deadline")))

	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, errors.Is(E(Network, "dial", nil), ErrTimeout))
	assert.True(t, IsKind(err, Timeout))
	assert.False(t, IsKind(nil, Timeout))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "dial: refused", E(Network, "dial", errors.New("refused")).Error())
	assert.Equal(t, "await: timeout error", E(Timeout, "await", nil).Error())
	assert.Equal(t, "refused", E(Network, "", errors.New("refused")).Error())
	assert.Equal(t, "protocol error", (&Error{Kind: Protocol}).Error())
}
