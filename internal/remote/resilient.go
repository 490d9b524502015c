package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tillbook/tillbook/internal/record"
)

// RetryConfig controls how Resilient retries transient failures within a
// single call. Retries are bounded; anything still failing is reported as
// record.ErrUnavailable and picked up by the next sync trigger.
type RetryConfig struct {
	MaxAttempts int           // maximum attempts per call (default: 3)
	InitialWait time.Duration // wait before first retry (default: 200ms)
	MaxWait     time.Duration // maximum wait between retries (default: 5s)
	Multiplier  float64       // backoff multiplier (default: 2.0)

	// RatePerSecond caps calls to the backend (0 = unlimited).
	RatePerSecond float64
	// Burst is the limiter burst size (default: 1 when limited).
	Burst int
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
	}
}

// Resilient decorates a Store with rate limiting and bounded retries of
// transient failures. Permission and payload rejections are never retried.
type Resilient struct {
	next    Store
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Store = (*Resilient)(nil)

// NewResilient wraps next. logger may be nil.
func NewResilient(next Store, cfg RetryConfig, logger *zap.Logger) *Resilient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resilient{next: next, cfg: cfg, logger: logger}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return r
}

// Put implements Store.
func (r *Resilient) Put(ctx context.Context, kind record.Kind, doc *Document) error {
	return r.do(ctx, "put", kind, doc.ID, func() error {
		return r.next.Put(ctx, kind, doc)
	})
}

// Delete implements Store.
func (r *Resilient) Delete(ctx context.Context, kind record.Kind, tenantID, id string) error {
	return r.do(ctx, "delete", kind, id, func() error {
		err := r.next.Delete(ctx, kind, tenantID, id)
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		return err
	})
}

// ListByTenant implements Store.
func (r *Resilient) ListByTenant(ctx context.Context, kind record.Kind, tenantID string) ([]*Document, error) {
	var docs []*Document
	err := r.do(ctx, "list", kind, "", func() error {
		var err error
		docs, err = r.next.ListByTenant(ctx, kind, tenantID)
		return err
	})
	return docs, err
}

func (r *Resilient) do(ctx context.Context, op string, kind record.Kind, id string, fn func() error) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.InitialWait,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          r.cfg.Multiplier,
		MaxInterval:         r.cfg.MaxWait,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	if b.Multiplier < 1 {
		b.Multiplier = backoff.DefaultMultiplier
	}
	b.Reset()

	attempts := 0
	operation := func() error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !record.Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("retrying remote call",
			zap.String("op", op),
			zap.String("kind", kind.String()),
			zap.String("record_id", id),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && !record.Transient(err) {
		// Cancellation leaves the record for the next trigger.
		return &record.OpError{Op: op, Kind: kind, ID: id, Err: fmt.Errorf("%w: %w", record.ErrUnavailable, ctx.Err())}
	}
	var opErr *record.OpError
	if errors.As(err, &opErr) {
		return err
	}
	return &record.OpError{Op: op, Kind: kind, ID: id, Err: fmt.Errorf("after %d attempts: %w", attempts, err)}
}
