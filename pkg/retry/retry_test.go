package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Base: time.Millisecond, Factor: 2, MaxRetries: 5}, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Base: time.Millisecond, Factor: 2, MaxRetries: 2}, func(attempt int) error {
		calls++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	sentinel := errors.New("auth failure")
	err := Do(context.Background(), Policy{Base: time.Millisecond, Factor: 2, MaxRetries: 5}, func(attempt int) error {
		calls++
		return Permanent(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}
