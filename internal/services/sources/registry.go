package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
	"SettleGuard/pkg/cache"
	"SettleGuard/pkg/config"
	xhttp "SettleGuard/pkg/http"
	applogger "SettleGuard/pkg/logger"
)

// Registry maps data sources to quote sources by normalized URI. Sources
// named in config are built up front and never change. Any other URI gets a
// throwaway, uncached HTTP or websocket source named after the data source,
// provided unregistered sources are allowed and the URI scheme is too.
type Registry struct {
	byURI             map[string]domrepo.QuoteSource
	cache             cache.Service
	cacheTTL          time.Duration
	timeout           time.Duration
	allowUnregistered bool
	schemes           map[string]bool
	client            *xhttp.Client
	logger            *applogger.Logger
}

// RegistryOption configures Registry.
type RegistryOption func(*Registry)

// WithQuoteCache caches quotes of every configured source for ttl unless its
// config sets its own cache_ttl. A zero ttl disables caching by default.
func WithQuoteCache(c cache.Service, ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithDefaultTimeout bounds fetches of sources without their own timeout.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = d
	}
}

// WithRegistryLogger sets the logger handed to cached sources.
func WithRegistryLogger(l *applogger.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithUnregisteredSources controls URIs missing from config. When allow is
// false only configured sources resolve; otherwise the URI scheme must be one
// of schemes. An empty schemes list keeps the default http, https, ws and wss.
func WithUnregisteredSources(allow bool, schemes []string) RegistryOption {
	return func(r *Registry) {
		r.allowUnregistered = allow
		if len(schemes) == 0 {
			return
		}
		r.schemes = make(map[string]bool, len(schemes))
		for _, sc := range schemes {
			r.schemes[strings.ToLower(strings.TrimSpace(sc))] = true
		}
	}
}

func NewRegistry(entries []config.SourceConfig, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		byURI:             make(map[string]domrepo.QuoteSource, len(entries)),
		timeout:           5 * time.Second,
		allowUnregistered: true,
		schemes:           map[string]bool{"http": true, "https": true, "ws": true, "wss": true},
		logger:            applogger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.client = xhttp.NewClient(xhttp.WithTimeout(r.timeout))

	for i, e := range entries {
		key := models.NormalizeSourceURI(e.URI)
		if key == "" {
			return nil, fmt.Errorf("sources[%d]: uri is required", i)
		}
		if _, dup := r.byURI[key]; dup {
			return nil, fmt.Errorf("sources[%d]: uri %s registered twice", i, e.URI)
		}
		id := e.ID
		if id == "" {
			id = key
		}
		cacheTTL := e.CacheTTL
		if cacheTTL <= 0 {
			cacheTTL = r.cacheTTL
		}
		src, err := r.build(id, strings.TrimSpace(e.URI), e.Kind, e.Headers, e.Timeout, cacheTTL)
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		r.byURI[key] = src
	}
	return r, nil
}

// Resolve returns the quote source serving ds. A URI that may not be fetched
// resolves to a source whose every fetch fails with ErrSourceNotAllowed, so
// the aggregator counts it as a failed source.
func (r *Registry) Resolve(ds models.DataSource) domrepo.QuoteSource {
	key := models.NormalizeSourceURI(ds.URI)
	if src, ok := r.byURI[key]; ok {
		return src
	}

	id := strings.TrimSpace(ds.Name)
	if id == "" {
		id = key
	}
	if !r.allowUnregistered {
		return rejectedSource{id: id, err: fmt.Errorf("%w: %s is not registered", ErrSourceNotAllowed, key)}
	}
	u, err := url.Parse(strings.TrimSpace(ds.URI))
	if err != nil || u.Host == "" || !r.schemes[strings.ToLower(u.Scheme)] {
		return rejectedSource{id: id, err: fmt.Errorf("%w: %q", ErrSourceNotAllowed, ds.URI)}
	}

	kind := config.SourceKindHTTP
	if isWebSocketURI(key) {
		kind = config.SourceKindWebSocket
	}
	// kind is derived from the scheme, so build cannot fail here
	src, _ := r.build(id, strings.TrimSpace(ds.URI), kind, nil, 0, 0)
	return src
}

// Len is the number of configured sources.
func (r *Registry) Len() int { return len(r.byURI) }

// ForSpec returns one quote source per unique normalized URI in spec order;
// later duplicates are dropped.
func (r *Registry) ForSpec(spec models.SettlementSpec) []domrepo.QuoteSource {
	seen := make(map[string]struct{}, len(spec.DataSources))
	out := make([]domrepo.QuoteSource, 0, len(spec.DataSources))
	for _, ds := range spec.DataSources {
		key := models.NormalizeSourceURI(ds.URI)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r.Resolve(ds))
	}
	return out
}

func (r *Registry) build(id, uri, kind string, headers map[string]string, timeout, cacheTTL time.Duration) (domrepo.QuoteSource, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}

	var src domrepo.QuoteSource
	switch kind {
	case config.SourceKindHTTP, "":
		client := r.client
		if timeout != r.timeout {
			client = xhttp.NewClient(xhttp.WithTimeout(timeout))
		}
		src = NewHTTPSource(id, uri, WithHTTPClient(client), WithHeaders(headers))
	case config.SourceKindWebSocket:
		src = NewWebSocketSource(id, uri, WithReadTimeout(timeout), WithDialHeaders(headers))
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}

	if r.cache != nil && cacheTTL > 0 {
		src = NewCachedSource(src, r.cache, cacheTTL, r.logger, WithFetchTimeout(timeout))
	}
	return NewTimeoutSource(src, timeout), nil
}

func isWebSocketURI(uri string) bool {
	return strings.HasPrefix(uri, "ws://") || strings.HasPrefix(uri, "wss://")
}

type rejectedSource struct {
	id  string
	err error
}

func (s rejectedSource) SourceID() string { return s.id }

func (s rejectedSource) FetchQuote(context.Context, string) (models.OracleQuote, error) {
	return models.OracleQuote{}, s.err
}
