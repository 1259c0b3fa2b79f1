package sources

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
	"SettleGuard/pkg/cache"
	applogger "SettleGuard/pkg/logger"
)

// CachedSource serves quotes from cache.Service for ttl and collapses
// concurrent misses for the same metric into one upstream fetch. Cache
// failures are logged and bypassed; only the upstream result is authoritative.
//
// The shared fetch is detached from any single caller's context and bounded
// by fetchTimeout instead. Each caller still stops waiting when its own
// context is done.
type CachedSource struct {
	inner        domrepo.QuoteSource
	cache        cache.Service
	ttl          time.Duration
	fetchTimeout time.Duration
	group        singleflight.Group
	logger       *applogger.Logger
}

// CachedOption configures CachedSource.
type CachedOption func(*CachedSource)

// WithFetchTimeout bounds the shared upstream fetch.
func WithFetchTimeout(d time.Duration) CachedOption {
	return func(s *CachedSource) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

func NewCachedSource(inner domrepo.QuoteSource, c cache.Service, ttl time.Duration, logger *applogger.Logger, opts ...CachedOption) *CachedSource {
	if logger == nil {
		logger = applogger.Nop()
	}
	s := &CachedSource{inner: inner, cache: c, ttl: ttl, fetchTimeout: 30 * time.Second, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CachedSource) SourceID() string { return s.inner.SourceID() }

func (s *CachedSource) FetchQuote(ctx context.Context, metric string) (models.OracleQuote, error) {
	key := QuoteCacheKey(s.inner.SourceID(), metric)

	var q models.OracleQuote
	err := s.cache.Get(ctx, key, &q)
	switch {
	case err == nil:
		return q, nil
	case !errors.Is(err, cache.ErrCacheMiss):
		s.logger.Warn("quote cache read failed",
			applogger.String("source", s.inner.SourceID()),
			applogger.String("key", key),
			applogger.Error(err),
		)
	}

	ch := s.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()

		q, err := s.inner.FetchQuote(fetchCtx, metric)
		if err != nil {
			return models.OracleQuote{}, err
		}
		if err := s.cache.Set(fetchCtx, key, q, s.ttl); err != nil {
			s.logger.Warn("quote cache write failed",
				applogger.String("source", s.inner.SourceID()),
				applogger.String("key", key),
				applogger.Error(err),
			)
		}
		return q, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.OracleQuote{}, res.Err
		}
		return res.Val.(models.OracleQuote), nil
	case <-ctx.Done():
		return models.OracleQuote{}, ctx.Err()
	}
}

// QuoteCacheKey is the cache key of one source's quote for a metric.
func QuoteCacheKey(sourceID, metric string) string {
	return cache.GenerateKeyWithParams("quote", sourceID, metric)
}
