package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

func TestClassifyContextErrors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindCancelled, Classify(ScopeModel, context.Canceled).Kind)
	assert.Equal(t, KindModelTimeout, Classify(ScopeModel, context.DeadlineExceeded).Kind)
	assert.Equal(t, KindToolTimeout, Classify(ScopeTool, fmt.Errorf("call: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, KindRetrievalTimeout, Classify(ScopeRetrieval, context.DeadlineExceeded).Kind)
	assert.Equal(t, KindRequestTimeout, Classify(ScopeGeneral, context.DeadlineExceeded).Kind)
}

func TestClassifySentinels(t *testing.T) {
	t.Parallel()

	rec := Classify(ScopeGeneral, fmt.Errorf("%w: id=cardio", contractx.ErrAgentNotFound))
	assert.Equal(t, KindAgentNotFound, rec.Kind)
	assert.Equal(t, http.StatusNotFound, rec.Status)
	assert.False(t, rec.Retryable)
	assert.Contains(t, rec.UserMessage(), "Choose another expert")

	rec = Classify(ScopeModel, fmt.Errorf("%w: bad json", contractx.ErrSchemaViolation))
	assert.Equal(t, KindModelAPIError, rec.Kind)
	assert.True(t, rec.Retryable)
	assert.Equal(t, true, rec.Metadata["schema_violation"])
	assert.Contains(t, rec.UserMessage(), "Please try again.")

	assert.Equal(t, KindValidation, Classify(ScopeGeneral, contractx.ErrValidation).Kind)
	assert.Equal(t, KindUnknown, Classify(ScopeGeneral, errors.New("boom")).Kind)
	assert.Equal(t, KindToolFailed, Classify(ScopeTool, errors.New("boom")).Kind)
}

func TestClassifyProviderStatus(t *testing.T) {
	t.Parallel()

	rec := Classify(ScopeModel, &openaisdk.Error{StatusCode: http.StatusTooManyRequests})
	assert.Equal(t, KindModelRateLimit, rec.Kind)
	assert.True(t, rec.Retryable)

	rec = Classify(ScopeModel, &openaisdk.Error{StatusCode: http.StatusBadRequest})
	assert.Equal(t, KindModelAPIError, rec.Kind)
	assert.False(t, rec.Retryable)

	rec = Classify(ScopeModel, &openaisdk.Error{StatusCode: http.StatusUnauthorized})
	assert.Equal(t, KindConfiguration, rec.Kind)
}

func TestClassifyKeepsExistingRecord(t *testing.T) {
	t.Parallel()

	orig := New(KindToolNotFound, errors.New("x"))
	got := Classify(ScopeModel, fmt.Errorf("wrapped: %w", orig))
	assert.Same(t, orig, got)
}

func TestPolicyDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 500 * time.Millisecond, MaxAttempts: 10}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 500*time.Millisecond, p.Delay(4))
	assert.Equal(t, 500*time.Millisecond, p.Delay(60))
}

func TestPolicyAdvise(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second, MaxAttempts: 3}

	assert.True(t, p.Advise(1, New(KindModelTimeout, nil)).Retry)
	assert.True(t, p.Advise(2, New(KindModelTimeout, nil)).Retry)
	assert.False(t, p.Advise(3, New(KindModelTimeout, nil)).Retry, "attempt budget exhausted")
	assert.False(t, p.Advise(1, New(KindValidation, nil)).Retry, "non-retryable kind")
	assert.False(t, p.Advise(1, nil).Retry)

	p.RetryOn = []Kind{KindModelRateLimit}
	assert.False(t, p.Advise(1, New(KindModelTimeout, nil)).Retry, "kind outside allow-list")
	assert.True(t, p.Advise(1, New(KindModelRateLimit, nil)).Retry)
}

func TestConfigPolicyNormalizes(t *testing.T) {
	t.Parallel()

	p := Config{RetryOn: []string{" tool_timeout ", ""}}.Policy()
	assert.Equal(t, DefaultPolicy().InitialDelay, p.InitialDelay)
	assert.Equal(t, DefaultPolicy().MaxAttempts, p.MaxAttempts)
	assert.Equal(t, []Kind{KindToolTimeout}, p.RetryOn)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond, MaxAttempts: 3}
	calls := 0
	out, err := DoValue(context.Background(), p, ScopeTool, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", context.DeadlineExceeded
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), DefaultPolicy(), ScopeGeneral, func(context.Context) error {
		calls++
		return contractx.ErrValidation
	})
	rec, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, rec.Kind)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond, MaxAttempts: 2}
	calls := 0
	err := Do(context.Background(), p, ScopeTool, func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	rec, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindToolTimeout, rec.Kind)
	assert.Equal(t, 2, calls)
}

func TestDoHonorsCancellationDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour, MaxAttempts: 5}
	err := Do(ctx, p, ScopeModel, func(context.Context) error {
		cancel()
		return errors.New("transient")
	})
	rec, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindCancelled, rec.Kind)
}
