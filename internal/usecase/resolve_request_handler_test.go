package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
)

type stubResolver struct {
	marketID string
	override int
	err      error
}

func (s *stubResolver) Resolve(_ context.Context, marketID string, override int) (*models.SettlementOutcome, error) {
	s.marketID, s.override = marketID, override
	if s.err != nil {
		return nil, s.err
	}
	return &models.SettlementOutcome{MarketID: marketID, Response: models.OracleAggregationResponse{OK: true, Errors: []string{}}}, nil
}

func TestResolveRequestHandlerDispatches(t *testing.T) {
	r := &stubResolver{}
	h := NewResolveRequestHandler("settlement.requests", r, nil, nil)

	require.NoError(t, h.Handle(context.Background(), []byte(`{"marketId":" m1 ","minSources":3}`)))

	assert.Equal(t, "settlement.requests", h.Topic())
	assert.Equal(t, "m1", r.marketID)
	assert.Equal(t, 3, r.override)
}

func TestResolveRequestHandlerRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"missing market", `{"minSources":2}`},
		{"blank market", `{"marketId":"   "}`},
		{"negative quorum", `{"marketId":"m1","minSources":-1}`},
		{"wrong type", `{"marketId":7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &recordingMetrics{}
			r := &stubResolver{}
			h := NewResolveRequestHandler("t", r, m, nil)

			err := h.Handle(context.Background(), []byte(tt.body))

			assert.Error(t, err)
			assert.Empty(t, r.marketID, "resolver must not be called")
			assert.Len(t, m.errs, 1)
		})
	}
}

func TestResolveRequestHandlerPropagatesResolveErrors(t *testing.T) {
	m := &recordingMetrics{}
	h := NewResolveRequestHandler("t", &stubResolver{err: domrepo.ErrListingNotFound}, m, nil)

	err := h.Handle(context.Background(), []byte(`{"marketId":"ghost"}`))

	require.Error(t, err)
	assert.True(t, errors.Is(err, domrepo.ErrListingNotFound))
	assert.Equal(t, []string{"consumer_unknown_market"}, m.errs)
}
