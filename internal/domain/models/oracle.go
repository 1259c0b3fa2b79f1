package models

import "time"

// OracleQuote is one observation returned by a quote source.
type OracleQuote struct {
	SourceID   string  `json:"sourceId"`
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
	ObservedAt string  `json:"observedAt"`
}

type OracleAggregationPolicy struct {
	MinSources int `json:"minSources"`
}

type OracleAggregateResult struct {
	Metric string        `json:"metric"`
	Quotes []OracleQuote `json:"quotes"`
	Median float64       `json:"median"`
	Min    float64       `json:"min"`
	Max    float64       `json:"max"`
}

// OracleAggregationResponse always carries Errors, including non-fatal
// diagnostics on a successful aggregation.
type OracleAggregationResponse struct {
	OK     bool                   `json:"ok"`
	Result *OracleAggregateResult `json:"result,omitempty"`
	Errors []string               `json:"errors"`
}

// SettlementOutcome records one resolution attempt for a listed market.
// Note: an outcome with Response.OK == false is still an outcome.
type SettlementOutcome struct {
	MarketID   string                    `json:"marketId"`
	Metric     string                    `json:"metric"`
	Policy     OracleAggregationPolicy   `json:"policy"`
	Sources    []string                  `json:"sources"`
	Response   OracleAggregationResponse `json:"response"`
	ResolvedAt time.Time                 `json:"resolvedAt"`
}

// ListingRecord is a validated listing as held by the registry.
type ListingRecord struct {
	Listing  MarketListingCandidate `json:"listing"`
	Warnings []string               `json:"warnings"`
	ListedAt time.Time              `json:"listedAt"`
}
