package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"SettleGuard/internal/domain/models"
	xhttp "SettleGuard/pkg/http"
)

// HTTPSource fetches one quote with GET <uri>?metric=<metric>.
type HTTPSource struct {
	id      string
	uri     string
	headers map[string]string
	client  *xhttp.Client
	now     func() time.Time
}

// HTTPOption configures HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *xhttp.Client) HTTPOption {
	return func(s *HTTPSource) {
		if c != nil {
			s.client = c
		}
	}
}

// WithHeaders adds request headers, e.g. an API key.
func WithHeaders(h map[string]string) HTTPOption {
	return func(s *HTTPSource) {
		s.headers = h
	}
}

func withClock(now func() time.Time) HTTPOption {
	return func(s *HTTPSource) {
		s.now = now
	}
}

func NewHTTPSource(id, uri string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		id:     id,
		uri:    uri,
		client: xhttp.NewClient(xhttp.WithTimeout(10 * time.Second)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSource) SourceID() string { return s.id }

func (s *HTTPSource) FetchQuote(ctx context.Context, metric string) (models.OracleQuote, error) {
	var p quotePayload
	err := s.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         s.uri,
		Headers:     s.headers,
		QueryParams: map[string][]string{"metric": {metric}},
	}, &p)
	if err != nil {
		var se *xhttp.StatusError
		if errors.As(err, &se) {
			return models.OracleQuote{}, err
		}
		return models.OracleQuote{}, fmt.Errorf("get %s: %w", s.uri, err)
	}
	return p.toQuote(s.id, s.now())
}
