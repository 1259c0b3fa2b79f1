package sources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"SettleGuard/internal/domain/models"
	"SettleGuard/pkg/util"
)

// quotePayload is the wire shape shared by HTTP and websocket sources.
// value may be a JSON number or a numeric string; observedAt may be RFC3339
// or unix seconds/milliseconds, as a string or a number.
type quotePayload struct {
	Metric     string           `json:"metric"`
	Value      *decimal.Decimal `json:"value"`
	ObservedAt json.RawMessage  `json:"observedAt"`
}

func (p quotePayload) toQuote(sourceID string, now time.Time) (models.OracleQuote, error) {
	metric := strings.TrimSpace(p.Metric)
	if metric == "" {
		return models.OracleQuote{}, fmt.Errorf("%w: missing metric", ErrMalformedQuote)
	}
	if p.Value == nil {
		return models.OracleQuote{}, fmt.Errorf("%w: missing value", ErrMalformedQuote)
	}
	value, _ := p.Value.Float64()

	observedAt, err := observedAt(p.ObservedAt, now)
	if err != nil {
		return models.OracleQuote{}, err
	}

	return models.OracleQuote{
		SourceID:   sourceID,
		Metric:     metric,
		Value:      value,
		ObservedAt: observedAt,
	}, nil
}

func observedAt(raw json.RawMessage, now time.Time) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return util.FormatTime(now), nil
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", fmt.Errorf("%w: observedAt: %v", ErrMalformedQuote, err)
		}
		if text == "" {
			return util.FormatTime(now), nil
		}
	}

	ts, ok := util.NormalizeTimestamp(text)
	if !ok {
		return "", fmt.Errorf("%w: observedAt %q is not a timestamp", ErrMalformedQuote, text)
	}
	return ts, nil
}
