package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_Basic(t *testing.T) {
	config := &CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  100 * time.Millisecond,
		SuccessThreshold: 2,
		MaxRequests:      5,
		Timeout:          time.Second,
		Name:             "test",
	}

	cb := NewCircuitBreaker(config)
	assert.Equal(t, StateClosed, cb.GetState())

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cb.GetStats().TotalSuccesses)
}

func TestCircuitBreaker_FailureThreshold(t *testing.T) {
	config := &CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  100 * time.Millisecond,
		SuccessThreshold: 1,
		MaxRequests:      5,
		Timeout:          time.Second,
		Name:             "test",
	}

	cb := NewCircuitBreaker(config)

	for i := 0; i < 2; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("test failure")
		})
		assert.Error(t, err)
	}

	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsCircuitOpenError(err))
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	config := &CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 1,
		MaxRequests:      5,
		Timeout:          time.Second,
		Name:             "test",
	}

	cb := NewCircuitBreaker(config)

	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("test failure")
		})
	}
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(100 * time.Millisecond)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailure(t *testing.T) {
	config := &CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
		MaxRequests:      5,
		Timeout:          time.Second,
		Name:             "test",
	}

	cb := NewCircuitBreaker(config)
	cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("test failure")
	})

	time.Sleep(100 * time.Millisecond)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("test failure")
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	config := DefaultCircuitBreakerConfig("test")
	config.FailureThreshold = 1

	cb := NewCircuitBreaker(config)

	changes := make(chan CircuitBreakerState, 1)
	cb.SetStateChangeCallback(func(from, to CircuitBreakerState) {
		changes <- to
	})

	cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("test failure")
	})

	select {
	case to := <-changes:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("state change callback never fired")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	config := DefaultCircuitBreakerConfig("test")
	config.FailureThreshold = 1

	cb := NewCircuitBreaker(config)
	cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("test failure")
	})
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())

	stats := cb.GetStats()
	assert.Equal(t, int64(0), stats.Failures)
	assert.NotZero(t, stats.TotalFailures)
}

func TestCircuitBreaker_SyntaxErrorsDoNotTripBreaker(t *testing.T) {
	config := &CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 1,
		MaxRequests:      5,
		Timeout:          time.Second,
		Name:             "test",
	}

	cb := NewCircuitBreaker(config)

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return &ControllerSyntaxError{Code: 20, Line: "G0 X"}
		})
		require.Error(t, err)
		assert.False(t, IsCircuitOpenError(err))
	}

	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, int64(0), cb.GetStats().Failures)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("transport failure")
	})
	require.Error(t, err)
	assert.False(t, IsCircuitOpenError(err))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  ErrorKind
		retryable bool
	}{
		{"timeout", context.DeadlineExceeded, TimeoutKind, true},
		{"window stall", ErrWindowStall, TimeoutKind, true},
		{"transport fault", ErrTransportFaulted, TransportKind, true},
		{"controller alarm", &ControllerAlarmError{Code: 1}, AlarmKind, false},
		{"controller syntax", &ControllerSyntaxError{Code: 20, Line: "G0 X"}, SyntaxKind, false},
		{"unknown", errors.New("something broke"), UnknownErrorKind, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			classified := ClassifyError(tc.err, "test")
			require.NotNil(t, classified)
			assert.Equal(t, tc.wantKind, classified.Kind)
			assert.Equal(t, tc.retryable, classified.Retryable)
		})
	}
}

func TestClassifyError_Nil(t *testing.T) {
	assert.Nil(t, ClassifyError(nil, "test"))
}

func TestRetryManager_RetriesThenSucceeds(t *testing.T) {
	rm := NewRetryManager(&RetryConfig{
		MaxRetries:          2,
		InitialInterval:     1 * time.Millisecond,
		MaxInterval:         10 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}, "test")

	attempts := 0
	err := rm.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryManager_PermanentErrorStopsImmediately(t *testing.T) {
	rm := NewRetryManager(DefaultRetryConfig(), "test")

	attempts := 0
	err := rm.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return &ControllerAlarmError{Code: 1}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryManager_ExhaustsMaxRetries(t *testing.T) {
	rm := NewRetryManager(&RetryConfig{
		MaxRetries:          2,
		InitialInterval:     1 * time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}, "test")

	attempts := 0
	err := rm.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("always fails")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial attempt + 2 retries
}
