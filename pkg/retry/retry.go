package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/config"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/logging"
)

// Policy defines retry behavior with optional exponential backoff.
// A Policy is not modified by Execute and may be shared between goroutines.
type Policy struct {
	MaxRetries            int
	InitialDelay          time.Duration
	MaxDelay              time.Duration
	UseExponentialBackoff bool
	JitterFactor          float64 // 0.0-1.0, +/- share of the delay randomized to prevent thundering herd

	// Classifier decides whether a failure is worth retrying. Nil means DefaultClassifier.
	Classifier Classifier

	// OnRetry, if set, is called before each wait with the attempt that just failed (1-based).
	OnRetry func(attempt int, err error, delay time.Duration)

	logger *zap.Logger
	wait   func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns sensible defaults for database operations:
// 3 retries with 100ms initial delay, doubling each time, capped at 5s.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:            3,
		InitialDelay:          100 * time.Millisecond,
		MaxDelay:              5 * time.Second,
		UseExponentialBackoff: true,
	}
}

// FromConfig builds a policy from the retry section of the configuration.
func FromConfig(cfg config.RetryConfig, logger *zap.Logger) *Policy {
	return &Policy{
		MaxRetries:            cfg.EffectiveMaxRetries(),
		InitialDelay:          cfg.InitialDelay,
		MaxDelay:              cfg.MaxDelay,
		UseExponentialBackoff: cfg.Backoff != config.BackoffConstant,
		JitterFactor:          cfg.JitterFactor,
		logger:                logger,
	}
}

// WithLogger returns a copy of the policy that logs retries to logger.
func (p *Policy) WithLogger(logger *zap.Logger) *Policy {
	cp := *p
	cp.logger = logger
	return &cp
}

// Validate checks the policy bounds.
func (p *Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", p.MaxRetries)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("initial delay must not be negative, got %s", p.InitialDelay)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("max delay %s must be >= initial delay %s", p.MaxDelay, p.InitialDelay)
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return fmt.Errorf("jitter factor must be within [0, 1], got %v", p.JitterFactor)
	}
	return nil
}

// Delay returns the wait after the given failed attempt (0-based) before jitter:
// InitialDelay without backoff, otherwise min(InitialDelay * 2^attempt, MaxDelay).
func (p *Policy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	if !p.UseExponentialBackoff {
		return delay
	}
	for i := 0; i < attempt && delay > 0 && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// applyJitter adds random jitter to a delay to prevent thundering herd.
// Jitter is calculated as: delay +/- (delay * jitterFactor * random(-1 to +1))
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || delay <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// Execute runs fn until it succeeds, fails permanently or retries run out.
//
// A single failure is returned as is; when more than one attempt failed the
// failures are combined into an *ExhaustedError. Cancellation of ctx during a
// wait aborts at once with ctx.Err(). An attempt already running is never
// interrupted by the policy.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	classify := p.Classifier
	if classify == nil {
		classify = DefaultClassifier
	}
	wait := p.wait
	if wait == nil {
		wait = sleep
	}
	logger := logging.OrNop(p.logger)

	var failures []error
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		failures = append(failures, err)

		if classify(err) == Permanent {
			logger.Debug("permanent failure, not retrying",
				zap.Int("attempt", attempt+1),
				logging.Error(err),
			)
			return surface(failures)
		}
		if attempt >= p.MaxRetries {
			logger.Warn("retries exhausted",
				zap.Int("attempts", attempt+1),
				logging.Error(err),
			)
			return surface(failures)
		}

		delay := applyJitter(p.Delay(attempt), p.JitterFactor)
		logger.Warn("transient failure, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", p.MaxRetries),
			zap.Duration("delay", delay),
			logging.Error(err),
		)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}

		if err := wait(ctx, delay); err != nil {
			return err
		}
	}
}

// ExecuteAsync runs Execute on a new goroutine. The returned channel receives
// exactly one value and is then closed.
func (p *Policy) ExecuteAsync(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- p.Execute(ctx, fn)
	}()
	return done
}

// Do executes fn under the policy and returns its result.
// Useful for functions that return values (like opening a connection).
func Do[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if p == nil {
		p = DefaultPolicy()
	}
	var result T
	err := p.Execute(ctx, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func surface(failures []error) error {
	if len(failures) == 1 {
		return failures[0]
	}
	return &ExhaustedError{
		Attempts: len(failures),
		errs:     multierr.Combine(failures...),
		last:     failures[len(failures)-1],
	}
}

// ExhaustedError carries every failure of a retried operation.
type ExhaustedError struct {
	Attempts int
	errs     error
	last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.last)
}

// Last returns the failure of the final attempt.
func (e *ExhaustedError) Last() error {
	return e.last
}

// Errors returns the failures in attempt order.
func (e *ExhaustedError) Errors() []error {
	return multierr.Errors(e.errs)
}

// Unwrap exposes every failure to errors.Is / errors.As.
func (e *ExhaustedError) Unwrap() []error {
	return e.Errors()
}
