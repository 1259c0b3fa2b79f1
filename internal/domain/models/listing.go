package models

import "strings"

type ContractType string

const (
	ContractBinary      ContractType = "binary"
	ContractScalar      ContractType = "scalar"
	ContractConditional ContractType = "conditional"
)

type ActionMapping string

const (
	ActionInformational     ActionMapping = "informational"
	ActionAdvisoryTriggered ActionMapping = "advisory-triggered"
	ActionBoundedAuto       ActionMapping = "bounded-auto"
)

// DataSource names one independent provider backing a settlement.
type DataSource struct {
	Name string `json:"name" validate:"required"`
	URI  string `json:"uri" validate:"required"`
}

// SettlementSpec declares how a market outcome is determined.
type SettlementSpec struct {
	MetricName         string       `json:"metricName" validate:"required"`
	MetricDescription  string       `json:"metricDescription" validate:"required"`
	DataSources        []DataSource `json:"dataSources" validate:"required,min=1,dive"`
	DisputeWindowHours int          `json:"disputeWindowHours" validate:"gt=0"`
	ChallengeBondUSD   float64      `json:"challengeBondUsd" validate:"gte=0"`
}

// MarketListingCandidate is a proposed market awaiting the listing gate.
type MarketListingCandidate struct {
	MarketID                string         `json:"marketId" validate:"required"`
	Title                   string         `json:"title" validate:"required"`
	ContractType            ContractType   `json:"contractType" validate:"required,oneof=binary scalar conditional"`
	Settlement              SettlementSpec `json:"settlement" validate:"required"`
	ManipulationMitigations []string       `json:"manipulationMitigations" validate:"required,min=1,dive,required"`
	ActionMapping           ActionMapping  `json:"actionMapping" validate:"required,oneof=informational advisory-triggered bounded-auto"`
}

// ListingValidationResult is the outcome of the listing gate. Normalized is
// set whenever the candidate was structurally well formed, even if business
// rules failed.
type ListingValidationResult struct {
	Valid      bool                    `json:"valid"`
	Errors     []string                `json:"errors"`
	Warnings   []string                `json:"warnings"`
	Normalized *MarketListingCandidate `json:"normalized,omitempty"`
}

// NormalizeSourceURI is the identity used for source-diversity counting.
func NormalizeSourceURI(uri string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(uri)), "/")
}

// UniqueSourceCount counts data sources by normalized URI.
func (s SettlementSpec) UniqueSourceCount() int {
	seen := make(map[string]struct{}, len(s.DataSources))
	for _, ds := range s.DataSources {
		seen[NormalizeSourceURI(ds.URI)] = struct{}{}
	}
	return len(seen)
}

// RequiredSources is the diversity floor a contract type must meet at listing
// time; the same number is the default quorum at resolution time.
func RequiredSources(ct ContractType) int {
	if ct == ContractConditional {
		return 3
	}
	return 2
}
