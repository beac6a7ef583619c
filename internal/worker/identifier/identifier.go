// Package identifier implements the national identifier registry
// connector: it validates the provider's identifier against the
// registry's Luhn-style checksum and, when reachable, cross-checks the
// registry's on-file name against the submitted name. Grounded on
// original_source/backend/connectors/npi.py's NPIConnector.
package identifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/worker"
)

const sourceName = "identifier_registry"

// Client queries the national identifier registry. BaseURL defaults to
// the production registry endpoint; tests substitute a fake server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Guard   *worker.Guard
	Mock    bool
}

// New builds a Client with sane defaults.
func New(baseURL string, httpClient *http.Client, guard *worker.Guard, mock bool) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{BaseURL: baseURL, HTTP: httpClient, Guard: guard, Mock: mock}
}

// TaskType implements worker.Adapter.
func (c *Client) TaskType() domain.TaskType { return domain.TaskIdentifierCheck }

type registryRecord struct {
	Number     string `json:"number"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Status     string `json:"status"`
}

type registryResponse struct {
	Results []registryRecord `json:"results"`
}

// Execute implements worker.Adapter.
func (c *Client) Execute(ctx domain.Context, task domain.WorkerTask) domain.WorkerResult {
	started := time.Now()
	result := worker.NewResult(domain.TaskIdentifierCheck, task, started)

	npi := normalizeDigits(task.Provider.Identifier)
	if npi == "" {
		return worker.Fail(result, fmt.Errorf("%s: missing identifier: %w", sourceName, domain.ErrInvalidArgument))
	}
	if !validChecksum(npi) {
		result.NormalizedFields["identifier_invalid"] = true
		return worker.Fail(result, fmt.Errorf("%s: invalid identifier checksum: %w", sourceName, domain.ErrInvalidArgument))
	}

	var record registryRecord
	lookupErr := c.Guard.Run(ctx, func(ctx domain.Context) error {
		rec, err := c.lookup(ctx, npi)
		if err != nil {
			return err
		}
		record = rec
		return nil
	})
	if lookupErr != nil {
		return worker.Fail(result, fmt.Errorf("%s: %w", sourceName, lookupErr))
	}

	result.Success = true
	result.NormalizedFields["identifier"] = npi
	result.FieldConfidence["identifier"] = 0.98
	if record.GivenName != "" {
		result.NormalizedFields["given_name"] = record.GivenName
		result.FieldConfidence["given_name"] = nameMatchConfidence(task.Provider.GivenName, record.GivenName)
	}
	if record.FamilyName != "" {
		result.NormalizedFields["family_name"] = record.FamilyName
		result.FieldConfidence["family_name"] = nameMatchConfidence(task.Provider.FamilyName, record.FamilyName)
	}
	result.TaskConfidence = 0.95
	result.ProcessingDuration = time.Since(started)
	return result
}

func (c *Client) lookup(ctx context.Context, npi string) (registryRecord, error) {
	if c.Mock {
		return registryRecord{Number: npi, GivenName: "Mock", FamilyName: "Provider", Status: "active"}, nil
	}

	url := fmt.Sprintf("%s/?number=%s", c.BaseURL, npi)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return registryRecord{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ProviderValidationPlatform/1.0")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return registryRecord{}, fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return registryRecord{}, domain.ErrUpstreamRateLimit
	case resp.StatusCode == http.StatusNotFound:
		return registryRecord{}, domain.ErrNotFound
	case resp.StatusCode >= 500:
		return registryRecord{}, domain.ErrUpstreamTimeout
	case resp.StatusCode != http.StatusOK:
		return registryRecord{}, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return registryRecord{}, fmt.Errorf("read body: %w", err)
	}
	var parsed registryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return registryRecord{}, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	if len(parsed.Results) == 0 {
		return registryRecord{}, domain.ErrNotFound
	}
	return parsed.Results[0], nil
}

func normalizeDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) != 10 {
		return ""
	}
	return digits
}

// validChecksum applies the Luhn check used by the registry's identifier
// format: the 10 digits are checked as if prefixed by the issuer prefix
// 80840, whose fixed contribution to the Luhn sum is 24.
func validChecksum(npi string) bool {
	sum := 24
	alternate := false
	for i := len(npi) - 1; i >= 0; i-- {
		d, err := strconv.Atoi(string(npi[i]))
		if err != nil {
			return false
		}
		if alternate {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alternate = !alternate
	}
	return sum%10 == 0
}

// nameMatchConfidence scores how closely the registry's on-file name
// matches the submitted name: exact case-insensitive match scores
// highest, a shared prefix scores partial credit, otherwise low.
func nameMatchConfidence(submitted, onFile string) float64 {
	s := strings.ToLower(strings.TrimSpace(submitted))
	f := strings.ToLower(strings.TrimSpace(onFile))
	switch {
	case s == "" || f == "":
		return 0.5
	case s == f:
		return 0.97
	case strings.HasPrefix(f, s) || strings.HasPrefix(s, f):
		return 0.75
	default:
		return 0.4
	}
}
