package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetry_TransientRetriedUpToBudget(t *testing.T) {
	var attempts int
	err := Retry(context.Background(), 3, time.Millisecond, &attempts, func() error {
		return Transientf("status 429")
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry budget exhausted after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_NonTransientReturnsImmediately(t *testing.T) {
	var attempts int
	boom := errors.New("boom")
	err := Retry(context.Background(), 3, time.Millisecond, &attempts, func() error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestRetry_SuccessCountsFinalAttempt(t *testing.T) {
	var attempts int
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, &attempts, func() error {
		calls++
		if calls < 2 {
			return Transientf("timeout")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetry_NilAttemptsAllowed(t *testing.T) {
	err := Retry(context.Background(), 2, time.Millisecond, nil, func() error { return nil })
	assert.NoError(t, err)
}
