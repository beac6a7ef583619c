package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/provider-validator/internal/domain"
)

func successResult(t domain.TaskType, fields map[string]domain.FieldValue, conf map[string]float64) domain.WorkerResult {
	return domain.WorkerResult{
		TaskType:         t,
		Success:          true,
		NormalizedFields: fields,
		FieldConfidence:  conf,
	}
}

func TestFuse_PerFieldUsesMaxWeightedSource(t *testing.T) {
	results := []domain.WorkerResult{
		successResult(domain.TaskEnrichment, map[string]domain.FieldValue{"given_name": "Jon"}, map[string]float64{"given_name": 1.0}),
		successResult(domain.TaskIdentifierCheck, map[string]domain.FieldValue{"given_name": "Jonathan"}, map[string]float64{"given_name": 0.9}),
	}
	report := Fuse("job-1", "provider-1", results)

	// enrichment: 1.0*0.20=0.20, identifier: 0.9*0.40=0.36 -> identifier wins
	assert.Equal(t, "Jonathan", report.AggregatedFields["given_name"])
}

func TestFuse_TieBreaksOnSourceWeightOrder(t *testing.T) {
	// Equal weighted scores: identifier (0.40 * 0.25 = 0.10) vs geocode (0.25 * 0.40 = 0.10)
	results := []domain.WorkerResult{
		successResult(domain.TaskGeocode, map[string]domain.FieldValue{"address_street": "geocode-value"}, map[string]float64{"address_street": 0.40}),
		successResult(domain.TaskIdentifierCheck, map[string]domain.FieldValue{"address_street": "identifier-value"}, map[string]float64{"address_street": 0.25}),
	}
	report := Fuse("job-1", "provider-1", results)
	assert.Equal(t, "identifier-value", report.AggregatedFields["address_street"])
}

func TestFuse_FailedSourceContributesNoFields(t *testing.T) {
	results := []domain.WorkerResult{
		{TaskType: domain.TaskIdentifierCheck, Success: false},
		successResult(domain.TaskGeocode, map[string]domain.FieldValue{"given_name": "Jon"}, map[string]float64{"given_name": 0.9}),
	}
	report := Fuse("job-1", "provider-1", results)
	assert.Equal(t, "Jon", report.AggregatedFields["given_name"])
	assert.Contains(t, report.Flags, "FAILED_IDENTIFIER_CHECK")
}

func TestFuse_OverallConfidenceRenormalizesOverPresentFields(t *testing.T) {
	// Only identifier (importance 0.25) and phone_primary (importance 0.10) present.
	results := []domain.WorkerResult{
		successResult(domain.TaskIdentifierCheck, map[string]domain.FieldValue{
			"identifier":    "1234567893",
			"phone_primary": "555-0100",
		}, map[string]float64{
			"identifier":    1.0,
			"phone_primary": 0.5,
		}),
	}
	report := Fuse("job-1", "provider-1", results)

	// identifier weighted: 1.0*0.40=0.40; phone weighted: 0.5*0.40=0.20
	// overall = (0.40*0.25 + 0.20*0.10) / (0.25+0.10) = (0.10+0.02)/0.35 = 0.342857...
	assert.InDelta(t, 0.342857, report.OverallConfidence, 0.0001)
}

func TestFuse_StatusBoundaries(t *testing.T) {
	cases := []struct {
		name     string
		conf     float64
		expected domain.ValidationStatus
	}{
		{"exactly valid threshold", 0.8, domain.StatusValid},
		{"just below valid", 0.79, domain.StatusWarning},
		{"exactly warning threshold", 0.6, domain.StatusWarning},
		{"just below warning", 0.59, domain.StatusInvalid},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, deriveStatus(c.conf))
		})
	}
}

func TestFuse_MissingCriticalFieldFlag(t *testing.T) {
	results := []domain.WorkerResult{
		successResult(domain.TaskEnrichment, map[string]domain.FieldValue{"email": "a@b.com"}, map[string]float64{"email": 0.9}),
	}
	report := Fuse("job-1", "provider-1", results)
	assert.Contains(t, report.Flags, "MISSING_IDENTIFIER")
	assert.Contains(t, report.Flags, "MISSING_GIVEN_NAME")
	assert.Contains(t, report.Flags, "MISSING_FAMILY_NAME")
	assert.Contains(t, report.Flags, "MISSING_LICENSE_NUMBER")
}

func TestFuse_LowConfidenceFlag(t *testing.T) {
	results := []domain.WorkerResult{
		successResult(domain.TaskEnrichment, map[string]domain.FieldValue{"email": "a@b.com"}, map[string]float64{"email": 0.3}),
	}
	report := Fuse("job-1", "provider-1", results)
	// weighted = 0.3*0.20 = 0.06 < 0.5
	assert.Contains(t, report.Flags, "LOW_CONFIDENCE_EMAIL")
}

func TestFuse_LicenseStatusFlags(t *testing.T) {
	for _, tc := range []struct {
		status string
		flag   string
	}{
		{"suspended", "SUSPENDED_LICENSE"},
		{"revoked", "REVOKED_LICENSE"},
		{"expired", "EXPIRED_LICENSE"},
	} {
		results := []domain.WorkerResult{
			successResult(domain.TaskLicenseCheck, map[string]domain.FieldValue{"license_status": tc.status}, map[string]float64{"license_status": 0.9}),
		}
		report := Fuse("job-1", "provider-1", results)
		assert.Contains(t, report.Flags, tc.flag)
	}
}

func TestFuse_FormatInvalidFlags(t *testing.T) {
	results := []domain.WorkerResult{
		successResult(domain.TaskEnrichment, map[string]domain.FieldValue{
			"phone_primary_invalid": true,
			"email_invalid":         true,
			"identifier_invalid":    true,
		}, map[string]float64{}),
	}
	report := Fuse("job-1", "provider-1", results)
	assert.Contains(t, report.Flags, "INVALID_PHONE")
	assert.Contains(t, report.Flags, "INVALID_EMAIL")
	assert.Contains(t, report.Flags, "INVALID_IDENTIFIER")
}

func TestFuse_NoResultsProducesZeroConfidenceAndInvalidStatus(t *testing.T) {
	report := Fuse("job-1", "provider-1", nil)
	assert.Equal(t, 0.0, report.OverallConfidence)
	assert.Equal(t, domain.StatusInvalid, report.Status)
	assert.Contains(t, report.Insights, "critical fields missing: IDENTIFIER, GIVEN_NAME, FAMILY_NAME, LICENSE_NUMBER")
}

func TestFuse_IsDeterministic(t *testing.T) {
	results := []domain.WorkerResult{
		successResult(domain.TaskIdentifierCheck, map[string]domain.FieldValue{"identifier": "1234567893"}, map[string]float64{"identifier": 0.95}),
		successResult(domain.TaskGeocode, map[string]domain.FieldValue{"address_street": "123 Main St"}, map[string]float64{"address_street": 0.8}),
	}
	first := Fuse("job-1", "provider-1", results)
	second := Fuse("job-1", "provider-1", results)
	assert.Equal(t, first.AggregatedFields, second.AggregatedFields)
	assert.Equal(t, first.OverallConfidence, second.OverallConfidence)
	assert.Equal(t, first.Flags, second.Flags)
}

func TestRecommend_DeduplicatesAdviceAndFollowsFlagOrder(t *testing.T) {
	flags := []string{"MISSING_IDENTIFIER", "MISSING_GIVEN_NAME", "LOW_CONFIDENCE_EMAIL"}
	advice := recommend(flags)
	assert.Equal(t, []string{"provide missing critical fields", "verify email domain"}, advice)
}

func TestInsights_NoFlagsReportsClean(t *testing.T) {
	assert.Equal(t, []string{"no issues detected"}, Insights(nil))
}

func TestInsights_SummarizesEachCategory(t *testing.T) {
	flags := []string{"MISSING_IDENTIFIER", "FAILED_OCR", "SUSPENDED_LICENSE"}
	insights := Insights(flags)
	assert.Len(t, insights, 3)
}
