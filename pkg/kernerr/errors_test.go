package kernerr_test

import (
	"fmt"
	"testing"

	"github.com/quarkkern/quark/pkg/kernerr"
	"github.com/stretchr/testify/assert"
)

func TestWrapAndIs(t *testing.T) {
	err := fmt.Errorf("reading block 4: %w", kernerr.ErrIO)
	assert.True(t, kernerr.Is(err, kernerr.ErrIO))
	assert.False(t, kernerr.Is(err, kernerr.ErrTimeout))
}

func TestRetryable(t *testing.T) {
	plain := kernerr.ErrHostUnreachable
	assert.False(t, kernerr.Retryable(plain))

	wrapped := kernerr.NewRetryable("arp resolution pending", kernerr.ErrHostUnreachable)
	assert.True(t, kernerr.Retryable(wrapped))
	assert.True(t, kernerr.Is(wrapped, kernerr.ErrHostUnreachable))
}
