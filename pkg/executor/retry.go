package executor

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/swarmlite/swarmlite/pkg/engine"
)

// maxBackoffShift caps the exponent so delay*2^attempt cannot overflow.
const maxBackoffShift = 30

// Scope identifies the work being retried in log output.
type Scope struct {
	WorkflowID string
	TaskID     string
	TaskType   string
}

// Action is a single attempt of a unit of work.
type Action func(ctx context.Context) (interface{}, error)

// JitterFunc returns the random delay added to each backoff.
type JitterFunc func() time.Duration

// UniformJitter returns a uniform random duration in [0, 1s).
func UniformJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(time.Second)))
}

// RetryExecutor runs actions with bounded retry, exponential backoff and jitter.
type RetryExecutor struct {
	logger   zerolog.Logger
	jitter   JitterFunc
	newTimer func() backoff.Timer
	onRetry  func(scope Scope)
}

// RetryOption configures a RetryExecutor.
type RetryOption func(*RetryExecutor)

// WithJitter replaces the jitter source.
func WithJitter(j JitterFunc) RetryOption {
	return func(r *RetryExecutor) {
		if j != nil {
			r.jitter = j
		}
	}
}

// WithTimer replaces the timer used for backoff sleeps.
func WithTimer(newTimer func() backoff.Timer) RetryOption {
	return func(r *RetryExecutor) {
		r.newTimer = newTimer
	}
}

// WithRetryHook registers a callback invoked before each backoff sleep.
func WithRetryHook(fn func(scope Scope)) RetryOption {
	return func(r *RetryExecutor) {
		r.onRetry = fn
	}
}

// NewRetryExecutor creates a retry executor with uniform [0, 1s) jitter.
func NewRetryExecutor(logger zerolog.Logger, opts ...RetryOption) *RetryExecutor {
	r := &RetryExecutor{
		logger: logger.With().Str("component", "retry").Logger(),
		jitter: UniformJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// policyBackOff yields delay*2^attempt (or a constant delay) plus jitter.
type policyBackOff struct {
	policy  engine.RetryPolicy
	jitter  JitterFunc
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	delay := b.policy.Delay
	if b.policy.ExponentialBackoff {
		shift := b.attempt
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		delay *= time.Duration(1) << shift
	}
	b.attempt++
	return delay + b.jitter()
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}

// Execute invokes action up to policy.MaxAttempts times. Every failure is
// logged; after the last one its error is returned unchanged. A permanent
// engine error ends the loop at once. A cancelled context interrupts the
// backoff sleep and returns the context error.
func (r *RetryExecutor) Execute(ctx context.Context, policy engine.RetryPolicy, scope Scope, action Action) (interface{}, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	logger := r.logger.With().
		Str("workflow_id", scope.WorkflowID).
		Str("task_id", scope.TaskID).
		Logger()

	var (
		result  interface{}
		attempt int
	)
	operation := func() error {
		attempt++
		res, err := action(ctx)
		if err != nil {
			logger.Error().Err(err).
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Msg("Attempt failed")
			if engine.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	notify := func(err error, next time.Duration) {
		if r.onRetry != nil {
			r.onRetry(scope)
		}
		logger.Debug().
			Int("attempt", attempt).
			Dur("backoff", next).
			Msg("Retrying after backoff")
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&policyBackOff{policy: policy, jitter: r.jitter}, uint64(maxAttempts-1)),
		ctx,
	)

	var timer backoff.Timer
	if r.newTimer != nil {
		timer = r.newTimer()
	}

	if err := backoff.RetryNotifyWithTimer(operation, b, notify, timer); err != nil {
		return nil, err
	}
	return result, nil
}

// Compensate runs fn exactly once with no retry or backoff. A failure is
// logged and returned.
func (r *RetryExecutor) Compensate(ctx context.Context, scope Scope, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		r.logger.Error().Err(err).
			Str("workflow_id", scope.WorkflowID).
			Str("task_id", scope.TaskID).
			Msg("Compensation failed")
		return err
	}
	return nil
}
