// Package fusion implements the confidence-aggregation algebra that
// turns a set of per-source WorkerResults into a single ValidationReport,
// per §4.3. Fuse is a pure function: given the same WorkerResults it
// always produces the same report, which is what lets a job's report be
// deterministically recomputed from persisted worker results.
package fusion

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/provider-validator/internal/domain"
)

// SourceWeight is the fixed per-connector weight applied when fusing
// field contributions, grounded on the original aggregator's
// source_weights table.
var SourceWeight = map[domain.TaskType]float64{
	domain.TaskIdentifierCheck: 0.40,
	domain.TaskGeocode:         0.25,
	domain.TaskEnrichment:      0.20,
	domain.TaskLicenseCheck:    0.15,
}

// defaultSourceWeight applies to any task type not in SourceWeight (OCR,
// which contributes evidence but has no standalone source weight in the
// aggregation table — it feeds OCR-extracted fields at a conservative
// weight so it can never outrank a verified registry source).
const defaultSourceWeight = 0.10

// fieldImportance weights the contribution of each field to the overall
// confidence score; unlisted fields fall back to otherImportance.
var fieldImportance = map[string]float64{
	"identifier":      0.25,
	"given_name":      0.20,
	"family_name":     0.20,
	"license_number":  0.15,
	"phone_primary":   0.10,
	"email":           0.10,
}

const otherImportance = 0.05

const (
	thresholdValid   = 0.8
	thresholdWarning = 0.6
	lowConfidence    = 0.5
)

var criticalFields = []string{"identifier", "given_name", "family_name", "license_number"}

// sourceWeight returns a source's weight from SourceWeight, falling back
// to defaultSourceWeight.
func sourceWeight(t domain.TaskType) float64 {
	if w, ok := SourceWeight[t]; ok {
		return w
	}
	return defaultSourceWeight
}

// sourceOrder gives a stable tie-break rank: lower index wins.
func sourceOrder(t domain.TaskType) int {
	for i, tt := range domain.AllTaskTypes {
		if tt == t {
			return i
		}
	}
	return len(domain.AllTaskTypes)
}

type contribution struct {
	value      domain.FieldValue
	confidence float64
	weighted   float64
	source     domain.TaskType
}

// Fuse aggregates results into a ValidationReport for (jobID, providerID).
func Fuse(jobID, providerID string, results []domain.WorkerResult) domain.ValidationReport {
	best := make(map[string]contribution)

	// Deterministic iteration: sort results by source order so ties within
	// equal weighted scores resolve by the fixed weight-table order
	// regardless of the slice's original arrival order.
	sorted := make([]domain.WorkerResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sourceOrder(sorted[i].TaskType) < sourceOrder(sorted[j].TaskType)
	})

	for _, r := range sorted {
		if !r.Success {
			continue
		}
		w := sourceWeight(r.TaskType)
		for field, value := range r.NormalizedFields {
			rawConf := r.FieldConfidence[field]
			weighted := rawConf * w
			cur, exists := best[field]
			if !exists || weighted > cur.weighted {
				best[field] = contribution{value: value, confidence: rawConf, weighted: weighted, source: r.TaskType}
			}
		}
	}

	aggregatedFields := make(map[string]domain.FieldValue, len(best))
	fieldConfidence := make(map[string]float64, len(best))
	for field, c := range best {
		aggregatedFields[field] = c.value
		fieldConfidence[field] = c.weighted
	}

	overall := overallConfidence(fieldConfidence)
	status := deriveStatus(overall)
	flags := deriveFlags(sorted, aggregatedFields, fieldConfidence)
	recommendations := recommend(flags)
	summaries := fieldSummaries(best)

	var totalDuration time.Duration
	var latest time.Time
	for _, r := range results {
		totalDuration += r.ProcessingDuration
		if r.Timestamp.After(latest) {
			latest = r.Timestamp
		}
	}

	return domain.ValidationReport{
		ProviderID:        providerID,
		JobID:             jobID,
		OverallConfidence: overall,
		Status:            status,
		FieldSummaries:    summaries,
		AggregatedFields:  aggregatedFields,
		Flags:             flags,
		Recommendations:   recommendations,
		Insights:          Insights(flags),
		WorkerResults:     results,
		ProcessingTime:    totalDuration,
		CreatedAt:         latest,
	}
}

// overallConfidence computes the importance-weighted average of
// fieldConfidence, renormalized over the fields actually present (the
// spec's resolution of the weighted-average-vs-weighted-max question
// for the OVERALL score, distinct from the per-field MAX fusion rule).
func overallConfidence(fieldConfidence map[string]float64) float64 {
	if len(fieldConfidence) == 0 {
		return 0
	}
	var weightedSum, totalWeight float64
	for field, conf := range fieldConfidence {
		w, ok := fieldImportance[field]
		if !ok {
			w = otherImportance
		}
		weightedSum += conf * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}

func deriveStatus(overall float64) domain.ValidationStatus {
	switch {
	case overall >= thresholdValid:
		return domain.StatusValid
	case overall >= thresholdWarning:
		return domain.StatusWarning
	default:
		return domain.StatusInvalid
	}
}

// deriveFlags implements rules (a) through (e) of §4.3 in order.
func deriveFlags(results []domain.WorkerResult, aggregated map[string]domain.FieldValue, fieldConfidence map[string]float64) []string {
	var flags []string

	// (a) missing critical fields
	for _, f := range criticalFields {
		if _, ok := aggregated[f]; !ok {
			flags = append(flags, "MISSING_"+strings.ToUpper(f))
		}
	}

	// (b) low aggregated confidence
	fields := make([]string, 0, len(fieldConfidence))
	for f := range fieldConfidence {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if fieldConfidence[f] < lowConfidence {
			flags = append(flags, "LOW_CONFIDENCE_"+strings.ToUpper(f))
		}
	}

	// (c) failed sources
	failedSources := make(map[domain.TaskType]bool)
	for _, r := range results {
		if !r.Success {
			failedSources[r.TaskType] = true
		}
	}
	for _, t := range domain.AllTaskTypes {
		if failedSources[t] {
			flags = append(flags, fmt.Sprintf("FAILED_%s", strings.ToUpper(string(t))))
		}
	}

	// (d) license status flags
	if status, ok := aggregated["license_status"]; ok {
		if s, ok := status.(string); ok {
			switch strings.ToLower(s) {
			case "suspended":
				flags = append(flags, "SUSPENDED_LICENSE")
			case "revoked":
				flags = append(flags, "REVOKED_LICENSE")
			case "expired":
				flags = append(flags, "EXPIRED_LICENSE")
			}
		}
	}

	// (e) format-invalid fields
	for _, r := range results {
		if !r.Success {
			continue
		}
		if invalid, ok := r.NormalizedFields["phone_primary_invalid"]; ok && isTrue(invalid) {
			flags = appendUnique(flags, "INVALID_PHONE")
		}
		if invalid, ok := r.NormalizedFields["email_invalid"]; ok && isTrue(invalid) {
			flags = appendUnique(flags, "INVALID_EMAIL")
		}
		if invalid, ok := r.NormalizedFields["identifier_invalid"]; ok && isTrue(invalid) {
			flags = appendUnique(flags, "INVALID_IDENTIFIER")
		}
	}

	return flags
}

func isTrue(v domain.FieldValue) bool {
	b, ok := v.(bool)
	return ok && b
}

func appendUnique(flags []string, f string) []string {
	for _, existing := range flags {
		if existing == f {
			return flags
		}
	}
	return append(flags, f)
}

// recommendation is a fixed flag-prefix -> advice mapping, checked in
// order; the first matching prefix for a flag wins.
var recommendationRules = []struct {
	prefix string
	advice string
}{
	{"MISSING_", "provide missing critical fields"},
	{"LOW_CONFIDENCE_EMAIL", "verify email domain"},
	{"LOW_CONFIDENCE_", "seek an additional corroborating source for this field"},
	{"FAILED_", "retry validation once the source is reachable"},
	{"SUSPENDED_LICENSE", "confirm license reinstatement before approving"},
	{"REVOKED_LICENSE", "do not approve; license has been revoked"},
	{"EXPIRED_LICENSE", "request updated license documentation"},
	{"INVALID_PHONE", "request a corrected phone number"},
	{"INVALID_EMAIL", "request a corrected email address"},
	{"INVALID_IDENTIFIER", "re-verify the submitted identifier"},
}

// recommend maps flags to deterministic advice text, in flag order,
// deduplicated by advice string.
func recommend(flags []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, flag := range flags {
		for _, rule := range recommendationRules {
			if strings.HasPrefix(flag, rule.prefix) {
				if !seen[rule.advice] {
					out = append(out, rule.advice)
					seen[rule.advice] = true
				}
				break
			}
		}
	}
	return out
}

// Insights renders a deterministic, human-readable narrative line per
// flag category present, grounded on the original report generator's
// insight categories (missing critical fields, low confidence, failed
// validations, license issues, format issues) but condensed to the
// plain-string Insights shape used here.
func Insights(flags []string) []string {
	var out []string
	var missing, low, failed []string
	var license, format []string

	for _, f := range flags {
		switch {
		case strings.HasPrefix(f, "MISSING_"):
			missing = append(missing, strings.TrimPrefix(f, "MISSING_"))
		case strings.HasPrefix(f, "LOW_CONFIDENCE_"):
			low = append(low, strings.TrimPrefix(f, "LOW_CONFIDENCE_"))
		case strings.HasPrefix(f, "FAILED_"):
			failed = append(failed, strings.TrimPrefix(f, "FAILED_"))
		case f == "SUSPENDED_LICENSE" || f == "REVOKED_LICENSE" || f == "EXPIRED_LICENSE":
			license = append(license, f)
		case f == "INVALID_PHONE" || f == "INVALID_EMAIL" || f == "INVALID_IDENTIFIER":
			format = append(format, f)
		}
	}

	if len(missing) > 0 {
		out = append(out, fmt.Sprintf("critical fields missing: %s", strings.Join(missing, ", ")))
	}
	if len(low) > 0 {
		out = append(out, fmt.Sprintf("%d field(s) below the confidence floor: %s", len(low), strings.Join(low, ", ")))
	}
	if len(failed) > 0 {
		out = append(out, fmt.Sprintf("%d source(s) failed to respond: %s", len(failed), strings.Join(failed, ", ")))
	}
	for _, l := range license {
		out = append(out, "license status requires attention: "+l)
	}
	if len(format) > 0 {
		out = append(out, fmt.Sprintf("format validation failed: %s", strings.Join(format, ", ")))
	}
	if len(out) == 0 {
		out = append(out, "no issues detected")
	}
	return out
}

func fieldSummaries(best map[string]contribution) []domain.FieldSummary {
	fields := make([]string, 0, len(best))
	for f := range best {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make([]domain.FieldSummary, 0, len(fields))
	for _, f := range fields {
		c := best[f]
		out = append(out, domain.FieldSummary{Field: f, Value: c.value, Confidence: c.weighted, Source: c.source})
	}
	return out
}
