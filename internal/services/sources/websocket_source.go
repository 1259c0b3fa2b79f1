package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"SettleGuard/internal/domain/models"
)

const (
	frameSubscribe = "subscribe"
	frameQuote     = "quote"
	frameError     = "error"
)

// WebSocketSource dials a streaming feed per fetch, subscribes to the metric
// and returns the first quote frame. Other frame types are ignored.
type WebSocketSource struct {
	id          string
	uri         string
	header      http.Header
	dialer      *websocket.Dialer
	readTimeout time.Duration
	now         func() time.Time
}

// WebSocketOption configures WebSocketSource.
type WebSocketOption func(*WebSocketSource)

// WithReadTimeout bounds the wait for a quote frame when ctx has no deadline.
func WithReadTimeout(d time.Duration) WebSocketOption {
	return func(s *WebSocketSource) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithDialHeaders sets headers sent on the upgrade request.
func WithDialHeaders(h map[string]string) WebSocketOption {
	return func(s *WebSocketSource) {
		for k, v := range h {
			s.header.Set(k, v)
		}
	}
}

func NewWebSocketSource(id, uri string, opts ...WebSocketOption) *WebSocketSource {
	s := &WebSocketSource{
		id:          id,
		uri:         uri,
		header:      http.Header{},
		dialer:      websocket.DefaultDialer,
		readTimeout: 10 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebSocketSource) SourceID() string { return s.id }

type wsFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	quotePayload
}

type wsSubscribe struct {
	Type   string `json:"type"`
	Metric string `json:"metric"`
}

func (s *WebSocketSource) FetchQuote(ctx context.Context, metric string) (models.OracleQuote, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.uri, s.header)
	if err != nil {
		return models.OracleQuote{}, fmt.Errorf("dial %s: %w", s.uri, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.readTimeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	// unblock ReadMessage if ctx is cancelled before the deadline
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	if err := conn.WriteJSON(wsSubscribe{Type: frameSubscribe, Metric: metric}); err != nil {
		return models.OracleQuote{}, fmt.Errorf("subscribe %s: %w", metric, err)
	}

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return models.OracleQuote{}, ctx.Err()
			}
			return models.OracleQuote{}, fmt.Errorf("read %s: %w", s.uri, err)
		}

		var f wsFrame
		if err := json.Unmarshal(b, &f); err != nil {
			// ignore frames that are not JSON objects, e.g. heartbeats
			continue
		}
		switch f.Type {
		case frameQuote:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return f.toQuote(s.id, s.now())
		case frameError:
			return models.OracleQuote{}, fmt.Errorf("%w: %s", ErrSourceError, f.Message)
		}
	}
}
