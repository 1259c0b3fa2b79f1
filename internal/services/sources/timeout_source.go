package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
)

// TimeoutSource bounds every fetch of the wrapped source. The bound holds even
// when the inner source ignores its context; the abandoned fetch finishes in
// the background and its result is dropped.
type TimeoutSource struct {
	inner   domrepo.QuoteSource
	timeout time.Duration
}

func NewTimeoutSource(inner domrepo.QuoteSource, timeout time.Duration) *TimeoutSource {
	return &TimeoutSource{inner: inner, timeout: timeout}
}

func (s *TimeoutSource) SourceID() string { return s.inner.SourceID() }

type fetchResult struct {
	quote models.OracleQuote
	err   error
}

func (s *TimeoutSource) FetchQuote(ctx context.Context, metric string) (models.OracleQuote, error) {
	if s.timeout <= 0 {
		return s.inner.FetchQuote(ctx, metric)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		q, err := s.inner.FetchQuote(ctx, metric)
		done <- fetchResult{quote: q, err: err}
	}()

	select {
	case res := <-done:
		return res.quote, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.OracleQuote{}, fmt.Errorf("%w after %s: %w", ErrTimeout, s.timeout, ctx.Err())
		}
		return models.OracleQuote{}, ctx.Err()
	}
}
