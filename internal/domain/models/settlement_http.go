package models

// Requests for settlement HTTP endpoints and Kafka payloads.

type AggregateRequest struct {
	Metric     string       `json:"metric" validate:"required"`
	MinSources int          `json:"minSources"`
	Sources    []DataSource `json:"sources" validate:"required,min=1,max=64,dive"`
}

type ResolveRequest struct {
	MarketID   string `json:"marketId" param:"id" validate:"required"`
	MinSources int    `json:"minSources" validate:"gte=0,lte=64"`
}
