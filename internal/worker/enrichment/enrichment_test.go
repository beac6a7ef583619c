package enrichment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/worker"
	"github.com/fairyhunter13/provider-validator/internal/worker/enrichment"
)

func newGuard() *worker.Guard {
	return &worker.Guard{Connector: "enrichment"}
}

func TestExecute_RejectsEmptyContactFields(t *testing.T) {
	c := enrichment.New(nil, newGuard())
	result := c.Execute(context.Background(), domain.WorkerTask{Provider: domain.ProviderInput{}})
	assert.False(t, result.Success)
}

func TestExecute_NormalizesValidPhoneAndEmail(t *testing.T) {
	c := enrichment.New(nil, newGuard())
	task := domain.WorkerTask{Provider: domain.ProviderInput{Phone: "(555) 123-4567", Email: "Provider@Example.com"}}
	result := c.Execute(context.Background(), task)
	require.True(t, result.Success)
	assert.Equal(t, "+15551234567", result.NormalizedFields["phone_primary"])
	assert.Equal(t, "provider@example.com", result.NormalizedFields["email"])
	assert.InDelta(t, 0.85, result.FieldConfidence["phone_primary"], 0.0001)
}

func TestExecute_FlagsInvalidPhoneAndEmail(t *testing.T) {
	c := enrichment.New(nil, newGuard())
	task := domain.WorkerTask{Provider: domain.ProviderInput{Phone: "123", Email: "not-an-email"}}
	result := c.Execute(context.Background(), task)
	require.True(t, result.Success)
	assert.Equal(t, true, result.NormalizedFields["phone_primary_invalid"])
	assert.Equal(t, true, result.NormalizedFields["email_invalid"])
}

func TestExecute_IncludesAffiliationsFromLookup(t *testing.T) {
	lookup := enrichment.StaticLookup{Affiliations_: []string{"Test Hospital"}, ServicesOffered_: map[string]any{"urgent_care": true}}
	c := enrichment.New(lookup, newGuard())
	task := domain.WorkerTask{Provider: domain.ProviderInput{Email: "a@b.com"}}
	result := c.Execute(context.Background(), task)
	require.True(t, result.Success)
	assert.Equal(t, []string{"Test Hospital"}, result.NormalizedFields["affiliations"])
}

func TestTaskType_ReturnsEnrichment(t *testing.T) {
	c := enrichment.New(nil, newGuard())
	assert.Equal(t, domain.TaskEnrichment, c.TaskType())
}
