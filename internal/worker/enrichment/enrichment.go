// Package enrichment implements the supplementary-lookup connector: it
// normalizes the provider's contact fields and appends affiliation and
// service-offering details from an enrichment data source. Grounded on
// original_source/backend/services/validator.py's
// enrichment_lookup_worker, with phone/email format normalization
// grounded on connectors/validation_rules.py's
// _validate_phone_e164/_validate_email_mx (condensed to regex-based
// normalization here — no E.164 phone-parsing library is available in
// the example corpus, so normalization stays on the standard library;
// see DESIGN.md).
package enrichment

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/worker"
)

const sourceName = "enrichment"

var (
	digitsPattern = regexp.MustCompile(`\d`)
	emailPattern  = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// Lookup resolves supplementary affiliation/service data for a
// provider. StaticLookup is the implementation in this package; New
// and the tests use it.
type Lookup interface {
	Affiliations(ctx domain.Context, p domain.ProviderInput) ([]string, map[string]any, error)
}

// StaticLookup returns a fixed affiliation/service record for every
// provider, matching the original's mocked enrichment data.
type StaticLookup struct {
	Affiliations_    []string
	ServicesOffered_ map[string]any
}

// Affiliations implements Lookup.
func (s StaticLookup) Affiliations(_ domain.Context, _ domain.ProviderInput) ([]string, map[string]any, error) {
	return s.Affiliations_, s.ServicesOffered_, nil
}

// Client normalizes contact fields and enriches affiliation data.
type Client struct {
	Lookup Lookup
	Guard  *worker.Guard
}

// New builds a Client. lookup defaults to the original's mocked
// affiliation set when nil.
func New(lookup Lookup, guard *worker.Guard) *Client {
	if lookup == nil {
		lookup = StaticLookup{
			Affiliations_:    []string{"Example Hospital", "Medical Group"},
			ServicesOffered_: map[string]any{"primary_care": true, "specialty": false},
		}
	}
	return &Client{Lookup: lookup, Guard: guard}
}

// TaskType implements worker.Adapter.
func (c *Client) TaskType() domain.TaskType { return domain.TaskEnrichment }

// Execute implements worker.Adapter.
func (c *Client) Execute(ctx domain.Context, task domain.WorkerTask) domain.WorkerResult {
	started := time.Now()
	result := worker.NewResult(domain.TaskEnrichment, task, started)
	p := task.Provider

	if p.Phone == "" && p.Email == "" {
		return worker.Fail(result, fmt.Errorf("%s: no contact fields provided: %w", sourceName, domain.ErrInvalidArgument))
	}

	var affiliations []string
	var services map[string]any
	lookupErr := c.Guard.Run(ctx, func(ctx domain.Context) error {
		a, s, err := c.Lookup.Affiliations(ctx, p)
		if err != nil {
			return err
		}
		affiliations, services = a, s
		return nil
	})
	if lookupErr != nil {
		return worker.Fail(result, fmt.Errorf("%s: %w", sourceName, lookupErr))
	}

	result.Success = true
	if p.Phone != "" {
		normalized, valid := normalizePhone(p.Phone)
		result.NormalizedFields["phone_primary"] = normalized
		if valid {
			result.FieldConfidence["phone_primary"] = 0.85
		} else {
			result.NormalizedFields["phone_primary_invalid"] = true
			result.FieldConfidence["phone_primary"] = 0.2
		}
	}
	if p.Email != "" {
		valid := emailPattern.MatchString(strings.TrimSpace(p.Email))
		result.NormalizedFields["email"] = strings.ToLower(strings.TrimSpace(p.Email))
		if valid {
			result.FieldConfidence["email"] = 0.80
		} else {
			result.NormalizedFields["email_invalid"] = true
			result.FieldConfidence["email"] = 0.2
		}
	}
	if len(affiliations) > 0 {
		result.NormalizedFields["affiliations"] = affiliations
		result.FieldConfidence["affiliations"] = 0.70
	}
	if len(services) > 0 {
		result.NormalizedFields["services_offered"] = services
		result.FieldConfidence["services_offered"] = 0.65
	}
	result.TaskConfidence = 0.75
	result.ProcessingDuration = time.Since(started)
	return result
}

// normalizePhone strips formatting punctuation and reports whether the
// result is a plausible 10 or 11-digit US number, a simplified stand-in
// for the original's phonenumbers-backed E.164 parse/validate.
func normalizePhone(raw string) (string, bool) {
	digits := digitsPattern.FindAllString(raw, -1)
	joined := strings.Join(digits, "")
	switch len(joined) {
	case 10:
		return "+1" + joined, true
	case 11:
		if strings.HasPrefix(joined, "1") {
			return "+" + joined, true
		}
	}
	return raw, false
}
