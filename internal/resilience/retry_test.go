package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func rateLimited() error {
	return NewTransientError(errors.New("429 too many requests"), 429)
}

func fastConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
	}
}

// retryErr runs an error-only fn through DoVal.
func retryErr(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := retryErr(context.Background(), fastConfig(4), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := retryErr(context.Background(), fastConfig(4), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return rateLimited()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ExhaustsRetries(t *testing.T) {
	var calls int
	err := retryErr(context.Background(), fastConfig(4), func(_ context.Context) error {
		calls++
		return rateLimited()
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
	if !IsExhausted(err) {
		t.Errorf("expected ExhaustedError, got %T", err)
	}
	if !IsRateLimited(err) {
		t.Error("exhausted error should still unwrap to the rate-limit cause")
	}
}

func TestRetry_NonTransientError_NoRetry(t *testing.T) {
	var calls int
	err := retryErr(context.Background(), fastConfig(4), func(_ context.Context) error {
		calls++
		return errors.New("permanent error: bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call (no retry for non-transient), got %d", calls)
	}
	if IsExhausted(err) {
		t.Error("non-retryable error must be returned as-is")
	}
}

func TestRetry_ContextCancelled_StopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		Multiplier:     2.0,
	}

	err := retryErr(ctx, cfg, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return rateLimited()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls before cancel took effect, got %d", calls)
	}
}

func TestRetry_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := fastConfig(3)
	cfg.ShouldRetry = func(err error) bool {
		return err.Error() == "retry me"
	}

	err := retryErr(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("retry me")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetry_OnRetryCallback(t *testing.T) {
	var retries []int
	cfg := fastConfig(4)
	cfg.OnRetry = func(retry int, _ error) {
		retries = append(retries, retry)
	}

	_ = retryErr(context.Background(), cfg, func(_ context.Context) error {
		return rateLimited()
	})

	if len(retries) != 3 {
		t.Fatalf("expected 3 OnRetry calls, got %d", len(retries))
	}
	for i, r := range retries {
		if r != i+1 {
			t.Errorf("expected retries [1 2 3], got %v", retries)
			break
		}
	}
}

func TestDoVal_ReturnsValueOnSuccess(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastConfig(4), func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", rateLimited()
		}
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "hello" {
		t.Errorf("expected %q, got %q", "hello", val)
	}
}

func TestDoVal_ReturnsZeroOnFailure(t *testing.T) {
	val, err := DoVal(context.Background(), fastConfig(2), func(_ context.Context) (int, error) {
		return 42, rateLimited()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if val != 0 {
		t.Errorf("expected zero value on failure, got %d", val)
	}
}

func TestDefaultRetryConfig_PowersOfTwoSeconds(t *testing.T) {
	cfg := applyDefaults(DefaultRetryConfig())
	if cfg.MaxAttempts != 4 {
		t.Errorf("expected 4 attempts, got %d", cfg.MaxAttempts)
	}

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt, want := range expected {
		if got := computeBackoff(attempt, cfg); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestComputeBackoff_CapsAtMax(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
		Multiplier:     10.0,
	})

	if delay := computeBackoff(5, cfg); delay != 5*time.Second {
		t.Errorf("expected delay capped at 5s, got %v", delay)
	}
}

func TestComputeBackoff_WithJitter(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.5,
	})

	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		d := computeBackoff(0, cfg)
		seen[d] = true
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Errorf("delay %v outside expected range [500ms, 1500ms]", d)
		}
	}
	if len(seen) < 2 {
		t.Error("expected jitter to produce varying delays")
	}
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(3, 1000, 2)
	if cfg.MaxAttempts != 4 {
		t.Errorf("expected 4 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff != time.Second {
		t.Errorf("expected 1s initial backoff, got %v", cfg.InitialBackoff)
	}

	noRetry := FromRetryConfig(0, 0, 0)
	if noRetry.MaxAttempts != 1 {
		t.Errorf("expected 1 attempt, got %d", noRetry.MaxAttempts)
	}
}

func TestRetryLogger(t *testing.T) {
	t.Parallel()
	logger := RetryLogger("anthropic", "classify")
	logger(1, errors.New("test error"))
}
