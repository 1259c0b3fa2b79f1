package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SettleGuard/internal/domain/models"
)

func validCandidate() models.MarketListingCandidate {
	return models.MarketListingCandidate{
		MarketID:     "tvl-weekly-001",
		Title:        "Will weekly TVL exceed 10M?",
		ContractType: models.ContractBinary,
		Settlement: models.SettlementSpec{
			MetricName:        "weekly_tvl",
			MetricDescription: "Total value locked at Sunday 00:00 UTC",
			DataSources: []models.DataSource{
				{Name: "defillama", URI: "https://api.llama.fi/tvl"},
				{Name: "dune", URI: "https://api.dune.com/tvl"},
			},
			DisputeWindowHours: 48,
			ChallengeBondUSD:   2500,
		},
		ManipulationMitigations: []string{"median of independent feeds", "dispute window"},
		ActionMapping:           models.ActionInformational,
	}
}

const validListingJSON = `{
	"marketId": "  tvl-weekly-001 ",
	"title": "Will weekly TVL exceed 10M?",
	"contractType": "binary",
	"settlement": {
		"metricName": "weekly_tvl",
		"metricDescription": "Total value locked at Sunday 00:00 UTC",
		"dataSources": [
			{"name": "defillama", "uri": "https://api.llama.fi/tvl"},
			{"name": "dune", "uri": "https://api.dune.com/tvl"}
		],
		"disputeWindowHours": 48,
		"challengeBondUsd": 2500
	},
	"manipulationMitigations": ["median of independent feeds", "dispute window"],
	"actionMapping": "informational"
}`

func TestValidateCandidateAcceptsWellFormedListing(t *testing.T) {
	res := ValidateCandidate(validCandidate())

	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
	require.NotNil(t, res.Normalized)
	assert.Equal(t, "tvl-weekly-001", res.Normalized.MarketID)
}

func TestValidateCandidateShortDisputeWindow(t *testing.T) {
	c := validCandidate()
	c.Settlement.DisputeWindowHours = 12

	res := ValidateCandidate(c)

	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "dispute window must be at least 24 hours for safe settlement review.")
	require.NotNil(t, res.Normalized, "business rule failures keep the normalized candidate")
}

func TestValidateCandidateConditionalNeedsThreeSources(t *testing.T) {
	c := validCandidate()
	c.ContractType = models.ContractConditional
	c.Settlement.DataSources = []models.DataSource{
		{Name: "a", URI: "https://feed.example/x"},
		{Name: "b", URI: "https://FEED.example/x/ "},
		{Name: "c", URI: "https://other.example/y"},
	}

	res := ValidateCandidate(c)

	assert.False(t, res.Valid)
	assert.Equal(t, []string{MsgConditionalSources}, res.Errors)

	// a single unique source trips both diversity rules
	c.Settlement.DataSources = c.Settlement.DataSources[:2]
	res = ValidateCandidate(c)
	assert.Equal(t, []string{MsgMinSources, MsgConditionalSources}, res.Errors)
}

func TestValidateCandidateConditionalWithTwoUniqueSources(t *testing.T) {
	c := validCandidate()
	c.ContractType = models.ContractConditional

	res := ValidateCandidate(c)

	assert.False(t, res.Valid)
	assert.Equal(t, []string{MsgConditionalSources}, res.Errors)
	assert.NotContains(t, res.Errors, MsgMinSources)
}

func TestValidateCandidateDiversityIgnoresCaseWhitespaceAndSlash(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"case", "https://Feed.Example/tvl", "https://feed.example/tvl"},
		{"whitespace", " https://feed.example/tvl", "https://feed.example/tvl\t"},
		{"trailing slash", "https://feed.example/tvl/", "https://feed.example/tvl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandidate()
			c.Settlement.DataSources = []models.DataSource{
				{Name: "one", URI: tt.a},
				{Name: "two", URI: tt.b},
			}
			res := ValidateCandidate(c)
			assert.False(t, res.Valid)
			assert.Equal(t, []string{MsgMinSources}, res.Errors)
		})
	}
}

func TestValidateCandidateBusinessRulesDoNotShortCircuit(t *testing.T) {
	c := validCandidate()
	c.ContractType = models.ContractConditional
	c.Settlement.DisputeWindowHours = 1
	c.Settlement.DataSources = c.Settlement.DataSources[:1]

	res := ValidateCandidate(c)

	assert.Equal(t, []string{MsgDisputeWindow, MsgMinSources, MsgConditionalSources}, res.Errors)
}

func TestValidateCandidateWarnings(t *testing.T) {
	c := validCandidate()
	c.ManipulationMitigations = []string{"median"}
	c.ActionMapping = models.ActionBoundedAuto
	c.Settlement.ChallengeBondUSD = 999.99

	res := ValidateCandidate(c)

	assert.True(t, res.Valid, "warnings never block a listing")
	assert.Equal(t, []string{MsgWeakMitigations, MsgLowBond}, res.Warnings)

	c.Settlement.ChallengeBondUSD = 1000
	res = ValidateCandidate(c)
	assert.Equal(t, []string{MsgWeakMitigations}, res.Warnings)
}

func TestValidateCandidateStructuralErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.MarketListingCandidate)
		want   string
	}{
		{"missing title", func(c *models.MarketListingCandidate) { c.Title = "   " }, "title is required"},
		{"bad contract type", func(c *models.MarketListingCandidate) { c.ContractType = "range" }, "contractType must be one of: binary, scalar, conditional"},
		{"bad action mapping", func(c *models.MarketListingCandidate) { c.ActionMapping = "auto" }, "actionMapping must be one of: informational, advisory-triggered, bounded-auto"},
		{"zero dispute window", func(c *models.MarketListingCandidate) { c.Settlement.DisputeWindowHours = 0 }, "settlement.disputeWindowHours must be greater than 0"},
		{"negative bond", func(c *models.MarketListingCandidate) { c.Settlement.ChallengeBondUSD = -1 }, "settlement.challengeBondUsd must be greater than or equal to 0"},
		{"no data sources", func(c *models.MarketListingCandidate) { c.Settlement.DataSources = []models.DataSource{} }, "settlement.dataSources must contain at least 1 item(s)"},
		{"blank source uri", func(c *models.MarketListingCandidate) { c.Settlement.DataSources[1].URI = " " }, "settlement.dataSources[1].uri is required"},
		{"no mitigations", func(c *models.MarketListingCandidate) { c.ManipulationMitigations = []string{} }, "manipulationMitigations must contain at least 1 item(s)"},
		{"blank mitigation", func(c *models.MarketListingCandidate) { c.ManipulationMitigations[0] = "" }, "manipulationMitigations[0] is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandidate()
			tt.mutate(&c)

			res := ValidateCandidate(c)

			assert.False(t, res.Valid)
			assert.Nil(t, res.Normalized)
			assert.Contains(t, res.Errors, tt.want)
		})
	}
}

func TestValidateCandidateCollectsSeveralStructuralErrors(t *testing.T) {
	c := validCandidate()
	c.Title = ""
	c.ActionMapping = ""

	res := ValidateCandidate(c)

	assert.Equal(t, []string{"title is required", "actionMapping is required"}, res.Errors)
}

func TestValidateListingJSONNormalizes(t *testing.T) {
	res := ValidateListingJSON([]byte(validListingJSON))

	require.True(t, res.Valid, "errors: %v", res.Errors)
	require.NotNil(t, res.Normalized)
	assert.Equal(t, "tvl-weekly-001", res.Normalized.MarketID)
	assert.Equal(t, 48, res.Normalized.Settlement.DisputeWindowHours)
	assert.Equal(t, 2500.0, res.Normalized.Settlement.ChallengeBondUSD)
}

func TestValidateListingJSONCoercesNumbers(t *testing.T) {
	body := `{
		"marketId": "m", "title": "t", "contractType": "scalar",
		"settlement": {
			"metricName": "m", "metricDescription": "d",
			"dataSources": [{"name": "a", "uri": "https://a"}, {"name": "b", "uri": "https://b"}],
			"disputeWindowHours": "72", "challengeBondUsd": 10.5
		},
		"manipulationMitigations": ["x", "y"], "actionMapping": "advisory-triggered"
	}`
	res := ValidateListingJSON([]byte(body))
	require.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Equal(t, 72, res.Normalized.Settlement.DisputeWindowHours)

	res = ValidateListingJSON([]byte(replaceOnce(body, `"72"`, `36.0`)))
	require.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Equal(t, 36, res.Normalized.Settlement.DisputeWindowHours)
}

func TestValidateListingJSONRejectsFractionalDisputeWindow(t *testing.T) {
	res := ValidateListingJSON([]byte(replaceOnce(validListingJSON, `"disputeWindowHours": 48`, `"disputeWindowHours": 48.5`)))

	assert.False(t, res.Valid)
	assert.Nil(t, res.Normalized)
	assert.Equal(t, []string{"settlement.disputeWindowHours must be an integer"}, res.Errors)
}

func TestValidateListingJSONRejectsNonNumericBond(t *testing.T) {
	res := ValidateListingJSON([]byte(replaceOnce(validListingJSON, `"challengeBondUsd": 2500`, `"challengeBondUsd": "lots"`)))

	assert.False(t, res.Valid)
	assert.Equal(t, []string{"settlement.challengeBondUsd must be a number"}, res.Errors)
}

func TestValidateListingJSONWrongFieldType(t *testing.T) {
	res := ValidateListingJSON([]byte(replaceOnce(validListingJSON, `"title": "Will weekly TVL exceed 10M?"`, `"title": 42`)))

	assert.False(t, res.Valid)
	assert.Nil(t, res.Normalized)
	assert.Equal(t, []string{"title must be of type string, got number"}, res.Errors)
}

func TestValidateListingJSONNestedTypeErrorReportedOnce(t *testing.T) {
	body := replaceOnce(validListingJSON, `"uri": "https://api.llama.fi/tvl"`, `"uri": 5`)

	res := ValidateListingJSON([]byte(body))

	assert.False(t, res.Valid)
	assert.Equal(t, []string{"settlement.dataSources.uri must be of type string, got number"}, res.Errors)
}

func TestValidateListingJSONArrayElementTypeErrorReportedOnce(t *testing.T) {
	body := replaceOnce(validListingJSON, `["median of independent feeds", "dispute window"]`, `[7, "b"]`)

	res := ValidateListingJSON([]byte(body))

	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1, "errors: %v", res.Errors)
	assert.Contains(t, res.Errors[0], "manipulationMitigations must be of type string")
}

func TestValidateListingJSONWrongSettlementTypeHidesChildErrors(t *testing.T) {
	body := `{"marketId":"m","title":"t","contractType":"binary","settlement":"oops",` +
		`"manipulationMitigations":["a","b"],"actionMapping":"informational"}`

	res := ValidateListingJSON([]byte(body))

	assert.False(t, res.Valid)
	assert.Equal(t, []string{"settlement must be of type object, got string"}, res.Errors)
}

func TestValidateListingJSONAcceptsLargeDisputeWindow(t *testing.T) {
	res := ValidateListingJSON([]byte(replaceOnce(validListingJSON, `"disputeWindowHours": 48`, `"disputeWindowHours": 3000000000`)))

	require.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Equal(t, 3000000000, res.Normalized.Settlement.DisputeWindowHours)
}

func TestValidateListingJSONDisputeWindowOutOfRange(t *testing.T) {
	res := ValidateListingJSON([]byte(replaceOnce(validListingJSON, `"disputeWindowHours": 48`, `"disputeWindowHours": 1e30`)))

	assert.False(t, res.Valid)
	assert.Equal(t, []string{"settlement.disputeWindowHours is out of range"}, res.Errors)
}

func TestValidateListingJSONMissingSettlement(t *testing.T) {
	res := ValidateListingJSON([]byte(`{"marketId":"m","title":"t","contractType":"binary","manipulationMitigations":["a"],"actionMapping":"informational"}`))

	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "settlement is required")
}

func TestValidateListingJSONNotAnObject(t *testing.T) {
	for _, body := range []string{`not json`, `[1,2]`, `"listing"`} {
		res := ValidateListingJSON([]byte(body))
		assert.False(t, res.Valid, body)
		require.Len(t, res.Errors, 1, body)
		assert.Contains(t, res.Errors[0], "listing must be a JSON object", body)
	}
}

func TestListingValidatorRecordsOutcome(t *testing.T) {
	m := &recordingMetrics{}
	v := NewListingValidator(m, nil)

	v.Validate(validCandidate())
	v.ValidateJSON([]byte(`{}`))

	assert.Equal(t, []bool{true, false}, m.listings)
}

func replaceOnce(s, old, new string) string {
	if !strings.Contains(s, old) {
		panic("replaceOnce: substring not found: " + old)
	}
	return strings.Replace(s, old, new, 1)
}
