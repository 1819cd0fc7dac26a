package retry

import (
	"context"
	"testing"
	"time"

	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/stretchr/testify/require"
)

func TestDo_RetriesOnceThenSucceeds(t *testing.T) {
	attempts := 0
	retries := 0

	result, err := Do(context.Background(), Config{
		Retry:      DefaultClassifier,
		Idempotent: true,
		Budget:     2,
		Strategy:   func(error, int) time.Duration { return 0 },
		OnRetry:    func(RetryInfo) { retries++ },
	}, func(ctx context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			return 0, xerrors.NewTransportError(xerrors.TransportUnavailable, nil)
		}
		return 42, nil
	})

	require.NoError(t, err)
	require.Equal(t, 42, result)
	require.Equal(t, 1, retries)
	require.Equal(t, 2, attempts)
}

func TestDo_BudgetZeroNeverInvokesOp(t *testing.T) {
	invoked := false
	_, err := Do(context.Background(), Config{Budget: 0}, func(ctx context.Context) (int, error) {
		invoked = true
		return 0, nil
	})
	require.Error(t, err)
	require.False(t, invoked)
}

func TestDo_NonRetryableErrorStopsImmediately(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), Config{Budget: 5}, func(ctx context.Context) (int, error) {
		attempts++
		return 0, xerrors.NewClientError(xerrors.ClientErrInvalidDSN, "bad dsn")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestDo_BudgetExhaustedReturnsLastError(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), Config{
		Budget:     3,
		Idempotent: true,
		Strategy:   func(error, int) time.Duration { return 0 },
	}, func(ctx context.Context) (int, error) {
		attempts++
		return 0, xerrors.NewStatusError(xerrors.StatusOverloaded, nil)
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
	var statusErr *xerrors.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, xerrors.StatusOverloaded, statusErr.Code)
}

func TestDo_ExternalCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, Config{Budget: 5}, func(ctx context.Context) (int, error) {
		return 0, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDefaultClassifier(t *testing.T) {
	require.True(t, DefaultClassifier(xerrors.NewStatusError(xerrors.StatusBadSession, nil), false))
	require.False(t, DefaultClassifier(xerrors.NewStatusError(xerrors.StatusSessionExpired, nil), false))
	require.True(t, DefaultClassifier(xerrors.NewStatusError(xerrors.StatusSessionExpired, nil), true))
	require.False(t, DefaultClassifier(xerrors.NewClientError(xerrors.ClientErrInvalidDSN, "x"), true))
}
