package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BotProxy/internal/apperr"
)

func fastPolicy() Policy {
	return Policy{Attempts: 3, InitialInterval: time.Millisecond, Multiplier: 2, Timeout: time.Second}
}

func TestDoRetriesTransportFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "gateway", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsToUnavailable(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "search API", func(ctx context.Context) error {
		calls++
		return errors.New("i/o timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, http.StatusServiceUnavailable, apperr.HTTPStatus(err))
	assert.Contains(t, apperr.PublicMessage(err), "search API")
}

func TestDoDoesNotRetryProtocolErrors(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "gateway", func(ctx context.Context) error {
		calls++
		return apperr.Protocol("gateway", http.StatusUnauthorized, `{"error":"bad key"}`)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusUnauthorized, apperr.HTTPStatus(err))
}

func TestDoAppliesPerAttemptTimeout(t *testing.T) {
	p := fastPolicy()
	p.Timeout = 10 * time.Millisecond
	calls := 0
	err := p.Do(context.Background(), "search API", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, apperr.Is(err, apperr.KindUpstreamTransport))
}

func TestOnceMakesSingleAttempt(t *testing.T) {
	calls := 0
	err := fastPolicy().Once().Do(context.Background(), "gateway", func(ctx context.Context) error {
		calls++
		return errors.New("refused")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDefaultPolicies(t *testing.T) {
	assert.Equal(t, 60*time.Second, Gateway().Timeout)
	assert.Equal(t, 30*time.Second, Search().Timeout)
	assert.Equal(t, 3, Search().Attempts)
	assert.Equal(t, time.Second, Gateway().InitialInterval)
}
