package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
	applogger "SettleGuard/pkg/logger"
	"SettleGuard/pkg/validate"
)

const (
	MinDisputeWindowHours = 24
	MinMitigations        = 2
	BoundedAutoMinBondUSD = 1000
)

const (
	MsgDisputeWindow      = "dispute window must be at least 24 hours for safe settlement review."
	MsgMinSources         = "settlement requires at least 2 unique data sources."
	MsgConditionalSources = "conditional markets require at least 3 unique data sources."
	MsgWeakMitigations    = "provide at least 2 manipulation mitigations for stronger listing quality."
	MsgLowBond            = "bounded-auto markets should use a higher challenge bond (>= 1000 USD suggested)."
)

// listingInput mirrors MarketListingCandidate for untrusted JSON. Numeric
// fields stay raw so quoted numerals and 48.0 style integers coerce.
type listingInput struct {
	MarketID                string           `json:"marketId"`
	Title                   string           `json:"title"`
	ContractType            string           `json:"contractType"`
	Settlement              *settlementInput `json:"settlement"`
	ManipulationMitigations []string         `json:"manipulationMitigations"`
	ActionMapping           string           `json:"actionMapping"`
}

type settlementInput struct {
	MetricName         string              `json:"metricName"`
	MetricDescription  string              `json:"metricDescription"`
	DataSources        []models.DataSource `json:"dataSources"`
	DisputeWindowHours json.RawMessage     `json:"disputeWindowHours"`
	ChallengeBondUSD   json.RawMessage     `json:"challengeBondUsd"`
}

// ValidateListingJSON runs the listing gate over raw, untrusted JSON.
func ValidateListingJSON(data []byte) models.ListingValidationResult {
	var (
		in      listingInput
		errs    []string
		skipped = map[string]bool{}
	)

	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&in); err != nil {
		var te *json.UnmarshalTypeError
		if !errors.As(err, &te) {
			return invalidListing([]string{fmt.Sprintf("listing must be a JSON object: %v", err)})
		}
		// the decoder keeps filling the remaining fields after a type error
		field := te.Field
		if field == "" {
			return invalidListing([]string{fmt.Sprintf("listing must be a JSON object, got %s", te.Value)})
		}
		errs = append(errs, fmt.Sprintf("%s must be of type %s, got %s", field, jsonTypeName(te.Type), te.Value))
		skipped[field] = true
	}

	c := models.MarketListingCandidate{
		MarketID:                in.MarketID,
		Title:                   in.Title,
		ContractType:            models.ContractType(in.ContractType),
		ManipulationMitigations: in.ManipulationMitigations,
		ActionMapping:           models.ActionMapping(in.ActionMapping),
	}
	if s := in.Settlement; s != nil {
		c.Settlement = models.SettlementSpec{
			MetricName:        s.MetricName,
			MetricDescription: s.MetricDescription,
			DataSources:       s.DataSources,
		}
		if n, msg := wholeNumber("settlement.disputeWindowHours", s.DisputeWindowHours); msg != "" {
			errs = appendUnlessSkipped(errs, skipped, "settlement.disputeWindowHours", msg)
		} else {
			c.Settlement.DisputeWindowHours = n
		}
		if f, msg := number("settlement.challengeBondUsd", s.ChallengeBondUSD); msg != "" {
			errs = appendUnlessSkipped(errs, skipped, "settlement.challengeBondUsd", msg)
		} else {
			c.Settlement.ChallengeBondUSD = f
		}
	}

	return validateCandidate(c, errs, skipped)
}

// ValidateCandidate runs the listing gate over an already typed candidate.
func ValidateCandidate(c models.MarketListingCandidate) models.ListingValidationResult {
	return validateCandidate(c, nil, nil)
}

func validateCandidate(c models.MarketListingCandidate, errs []string, skipped map[string]bool) models.ListingValidationResult {
	c = normalizeCandidate(c)

	if err := validate.Struct(context.Background(), &c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return invalidListing(append(errs, err.Error()))
		}
		for _, fe := range verrs {
			if isSkipped(skipped, validate.FieldPath(fe)) {
				continue
			}
			errs = append(errs, validate.Message(fe))
		}
	}
	if len(errs) > 0 {
		return invalidListing(errs)
	}

	res := models.ListingValidationResult{
		Errors:     []string{},
		Warnings:   []string{},
		Normalized: &c,
	}
	s := c.Settlement
	unique := s.UniqueSourceCount()

	if s.DisputeWindowHours < MinDisputeWindowHours {
		res.Errors = append(res.Errors, MsgDisputeWindow)
	}
	if unique < models.RequiredSources(models.ContractBinary) {
		res.Errors = append(res.Errors, MsgMinSources)
	}
	// conditional markets compare policy paths, so they need a wider source base
	if c.ContractType == models.ContractConditional && unique < models.RequiredSources(models.ContractConditional) {
		res.Errors = append(res.Errors, MsgConditionalSources)
	}
	if len(c.ManipulationMitigations) < MinMitigations {
		res.Warnings = append(res.Warnings, MsgWeakMitigations)
	}
	if c.ActionMapping == models.ActionBoundedAuto && s.ChallengeBondUSD < BoundedAutoMinBondUSD {
		res.Warnings = append(res.Warnings, MsgLowBond)
	}

	res.Valid = len(res.Errors) == 0
	return res
}

func normalizeCandidate(c models.MarketListingCandidate) models.MarketListingCandidate {
	c.MarketID = strings.TrimSpace(c.MarketID)
	c.Title = strings.TrimSpace(c.Title)
	c.ContractType = models.ContractType(strings.TrimSpace(string(c.ContractType)))
	c.ActionMapping = models.ActionMapping(strings.TrimSpace(string(c.ActionMapping)))
	c.Settlement.MetricName = strings.TrimSpace(c.Settlement.MetricName)
	c.Settlement.MetricDescription = strings.TrimSpace(c.Settlement.MetricDescription)

	if c.Settlement.DataSources != nil {
		sources := make([]models.DataSource, len(c.Settlement.DataSources))
		for i, ds := range c.Settlement.DataSources {
			sources[i] = models.DataSource{Name: strings.TrimSpace(ds.Name), URI: strings.TrimSpace(ds.URI)}
		}
		c.Settlement.DataSources = sources
	}
	if c.ManipulationMitigations != nil {
		mitigations := make([]string, len(c.ManipulationMitigations))
		for i, m := range c.ManipulationMitigations {
			mitigations[i] = strings.TrimSpace(m)
		}
		c.ManipulationMitigations = mitigations
	}
	return c
}

func invalidListing(errs []string) models.ListingValidationResult {
	return models.ListingValidationResult{Valid: false, Errors: errs, Warnings: []string{}}
}

var indexPattern = regexp.MustCompile(`\[\d+\]`)

// isSkipped reports whether path sits under a field the decoder already
// rejected. Decoder paths carry no slice indexes, so they are stripped first.
func isSkipped(skipped map[string]bool, path string) bool {
	if len(skipped) == 0 {
		return false
	}
	path = indexPattern.ReplaceAllString(path, "")
	for field := range skipped {
		if path == field || strings.HasPrefix(path, field+".") {
			return true
		}
	}
	return false
}

func appendUnlessSkipped(errs []string, skipped map[string]bool, field, msg string) []string {
	if skipped[field] {
		return errs
	}
	skipped[field] = true
	return append(errs, msg)
}

func jsonTypeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Struct, reflect.Ptr, reflect.Map:
		return "object"
	case reflect.Int, reflect.Int64, reflect.Float64:
		return "number"
	}
	return t.Kind().String()
}

// number accepts a JSON number or a string holding one.
func number(field string, raw json.RawMessage) (float64, string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, field + " is required"
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, field + " must be a number"
		}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return 0, field + " must be a number"
	}
	f, _ := d.Float64()
	if math.IsInf(f, 0) {
		return 0, field + " must be a number"
	}
	return f, ""
}

func wholeNumber(field string, raw json.RawMessage) (int, string) {
	f, msg := number(field, raw)
	if msg != "" {
		return 0, msg
	}
	if f != math.Trunc(f) {
		return 0, field + " must be an integer"
	}
	if math.Abs(f) >= float64(math.MaxInt) {
		return 0, field + " is out of range"
	}
	return int(f), ""
}

// ListingValidator instruments the listing gate with metrics and logging.
type ListingValidator struct {
	metrics domrepo.Metrics
	logger  *applogger.Logger
}

func NewListingValidator(metrics domrepo.Metrics, logger *applogger.Logger) *ListingValidator {
	if metrics == nil {
		metrics = domrepo.NopMetrics{}
	}
	if logger == nil {
		logger = applogger.Nop()
	}
	return &ListingValidator{metrics: metrics, logger: logger}
}

func (v *ListingValidator) ValidateJSON(data []byte) models.ListingValidationResult {
	return v.observe(ValidateListingJSON(data))
}

func (v *ListingValidator) Validate(c models.MarketListingCandidate) models.ListingValidationResult {
	return v.observe(ValidateCandidate(c))
}

func (v *ListingValidator) observe(res models.ListingValidationResult) models.ListingValidationResult {
	v.metrics.RecordListingValidation(res.Valid)
	if !res.Valid {
		fields := []applogger.Field{applogger.Strings("errors", res.Errors)}
		if res.Normalized != nil {
			fields = append(fields, applogger.String("market_id", res.Normalized.MarketID))
		}
		v.logger.Debug("listing rejected", fields...)
	}
	return res
}
