package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithRetryRecoversTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("flaky write: %w", ErrStorageIO)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetryGivesUpAfterBudget(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return fmt.Errorf("still broken: %w", ErrStorageIO)
	})
	require.ErrorIs(t, err, ErrStorageIO)
	require.Equal(t, defaultMaxRetries+1, attempts)
}

func TestWithRetryNeverRetriesCapacityErrors(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return fmt.Errorf("disk full: %w", ErrCapacityExceeded)
	})
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, 1, attempts)
}

func TestWithRetryTreatsUnknownErrorsAsPermanent(t *testing.T) {
	attempts := 0
	sentinel := errors.New("logic bug")
	err := WithRetry(context.Background(), func() error {
		attempts++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, attempts)
}
