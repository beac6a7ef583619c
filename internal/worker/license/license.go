// Package license implements the state medical licensing board
// connector: a politeness-gated HTML scraper driven by a per-state
// selector configuration, grounded on
// original_source/backend/connectors/state_board_mock.py's
// StateBoardMockConnector (ScrapingConfig, selector-driven field
// extraction, robot-detection check) and
// state_board_connector.py's mock license-status table.
package license

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/worker"
)

const sourceName = "state_license_board"

// BoardConfig describes how to query and parse one state's licensing
// board site, loaded from config.LicenseBoardConfigPath.
type BoardConfig struct {
	StateCode    string            `yaml:"state_code"`
	SearchURL    string            `yaml:"search_url"`
	SearchMethod string            `yaml:"search_method"`
	Selectors    map[string]string `yaml:"selectors"`
}

// selector keys the connector looks for in BoardConfig.Selectors.
const (
	selectorStatus     = "license_status"
	selectorProvider   = "provider_name"
	selectorExpiryDate = "expiry_date"
)

var defaultSelectors = map[string]string{
	selectorStatus:     ".status, .license-status, .current-status",
	selectorProvider:   ".provider-name, .physician-name, .name",
	selectorExpiryDate: ".expiry-date, .expires, .date-expires",
}

// Client scrapes state licensing boards, one BoardConfig per state.
type Client struct {
	Boards map[string]BoardConfig
	HTTP   *http.Client
	Guard  *worker.Guard
	Mock   bool
}

// New builds a Client with sane defaults.
func New(boards map[string]BoardConfig, httpClient *http.Client, guard *worker.Guard, mock bool) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{Boards: boards, HTTP: httpClient, Guard: guard, Mock: mock}
}

// TaskType implements worker.Adapter.
func (c *Client) TaskType() domain.TaskType { return domain.TaskLicenseCheck }

// Execute implements worker.Adapter.
func (c *Client) Execute(ctx domain.Context, task domain.WorkerTask) domain.WorkerResult {
	started := time.Now()
	result := worker.NewResult(domain.TaskLicenseCheck, task, started)
	p := task.Provider

	if p.LicenseNumber == "" || p.LicenseState == "" {
		return worker.Fail(result, fmt.Errorf("%s: license number and state are required: %w", sourceName, domain.ErrInvalidArgument))
	}
	state := strings.ToUpper(strings.TrimSpace(p.LicenseState))

	board, ok := c.Boards[state]
	if !ok {
		return worker.Fail(result, fmt.Errorf("%s: state %s not configured: %w", sourceName, state, domain.ErrNotFound))
	}

	if robotsErr := c.Guard.CheckRobots(ctx, board.SearchURL); robotsErr != nil {
		return worker.Fail(result, robotsErr)
	}

	var record licenseRecord
	scrapeErr := c.Guard.Run(ctx, func(ctx domain.Context) error {
		rec, err := c.scrape(ctx, board, p.LicenseNumber)
		if err != nil {
			return err
		}
		record = rec
		return nil
	})
	if scrapeErr != nil {
		return worker.Fail(result, fmt.Errorf("%s: %w", sourceName, scrapeErr))
	}

	confidence := licenseConfidence(record.status, record.providerName)
	if confidence <= 0.5 {
		return worker.Fail(result, fmt.Errorf("%s: license confidence %.2f at or below threshold: %w", sourceName, confidence, domain.ErrNotFound))
	}

	result.Success = true
	result.NormalizedFields["license_number"] = strings.ToUpper(strings.TrimSpace(p.LicenseNumber))
	result.FieldConfidence["license_number"] = confidence
	if record.status != "" {
		result.NormalizedFields["license_status"] = record.status
		result.FieldConfidence["license_status"] = confidence
	}
	if record.providerName != "" {
		result.NormalizedFields["license_provider_name"] = record.providerName
		result.FieldConfidence["license_provider_name"] = confidence
	}
	if record.expiryDate != "" {
		result.NormalizedFields["license_expiry_date"] = record.expiryDate
	}
	result.TaskConfidence = confidence
	result.ProcessingDuration = time.Since(started)
	return result
}

// licenseConfidence computes the license_check confidence: base 0.80,
// +0.2 for a clear (non-empty) status, +0.2 for a non-empty provider
// name, -0.1 when status couldn't be determined, clamped to [0,1].
func licenseConfidence(status, providerName string) float64 {
	confidence := 0.80
	if status != "" {
		confidence += 0.2
	} else {
		confidence -= 0.1
	}
	if providerName != "" {
		confidence += 0.2
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	if confidence < 0.0 {
		confidence = 0.0
	}
	return confidence
}

type licenseRecord struct {
	status       string
	providerName string
	expiryDate   string
}

func (c *Client) scrape(ctx context.Context, board BoardConfig, licenseNumber string) (licenseRecord, error) {
	if c.Mock {
		return mockLookup(board.StateCode, licenseNumber), nil
	}

	method := board.SearchMethod
	if method == "" {
		method = http.MethodPost
	}
	form := url.Values{"license_number": {licenseNumber}}

	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, board.SearchURL+"?"+form.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, board.SearchURL, bytes.NewBufferString(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return licenseRecord{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return licenseRecord{}, fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return licenseRecord{}, domain.ErrUpstreamRateLimit
	case resp.StatusCode >= 500:
		return licenseRecord{}, domain.ErrUpstreamTimeout
	case resp.StatusCode != http.StatusOK:
		return licenseRecord{}, fmt.Errorf("board returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return licenseRecord{}, fmt.Errorf("read body: %w", err)
	}

	selectors := board.Selectors
	if selectors == nil {
		selectors = defaultSelectors
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return licenseRecord{}, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}

	status := firstBySelector(doc, selectors[selectorStatus])
	providerName := firstBySelector(doc, selectors[selectorProvider])
	if status == "" && providerName == "" {
		return licenseRecord{}, domain.ErrNotFound
	}
	normalizedStatus := ""
	if status != "" {
		normalizedStatus = normalizeStatus(status)
	}
	return licenseRecord{
		status:       normalizedStatus,
		providerName: providerName,
		expiryDate:   firstBySelector(doc, selectors[selectorExpiryDate]),
	}, nil
}

func normalizeStatus(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(lower, "suspend"):
		return "suspended"
	case strings.Contains(lower, "revoke"):
		return "revoked"
	case strings.Contains(lower, "expire"):
		return "expired"
	case strings.Contains(lower, "probation"):
		return "probation"
	case strings.Contains(lower, "inactive"):
		return "inactive"
	case strings.Contains(lower, "pending"):
		return "pending"
	default:
		return "active"
	}
}

// firstBySelector walks the parsed tree for the first element matching
// any of selectors' comma-separated rules (.class, #id, or a bare tag
// name) and returns its text content. This implements only those simple
// selectors, not the full CSS grammar, matching the original's
// BeautifulSoup-backed CSS selector extraction in simplified form.
func firstBySelector(doc *html.Node, selectorList string) string {
	for _, sel := range strings.Split(selectorList, ",") {
		sel = strings.TrimSpace(sel)
		if sel == "" {
			continue
		}
		if n := findBySelector(doc, sel); n != nil {
			return strings.TrimSpace(textContent(n))
		}
	}
	return ""
}

func findBySelector(n *html.Node, sel string) *html.Node {
	if matches(n, sel) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findBySelector(c, sel); found != nil {
			return found
		}
	}
	return nil
}

func matches(n *html.Node, sel string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch {
	case strings.HasPrefix(sel, "."):
		return hasClass(n, sel[1:])
	case strings.HasPrefix(sel, "#"):
		return attr(n, "id") == sel[1:]
	default:
		return n.Data == sel
	}
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// mockLookup reproduces state_board_connector.py's fixed mock license
// tables for deterministic offline behavior.
func mockLookup(stateCode, licenseNumber string) licenseRecord {
	license := strings.ToUpper(strings.TrimSpace(licenseNumber))
	tables := map[string]map[string]string{
		"CA": {
			"A12345": "active", "B67890": "active", "C11111": "active",
			"F44444": "expired", "G55555": "expired",
			"H66666": "revoked", "I77777": "revoked",
		},
		"NY": {
			"NY123456": "active", "NY789012": "active",
			"NY567890": "expired",
			"NY1234567": "revoked",
		},
		"TX": {
			"TX123456": "active", "TX789012": "active",
			"TX901234": "expired",
			"TX567890": "revoked",
		},
	}
	status, ok := tables[stateCode][license]
	if !ok {
		status = "active"
	}
	return licenseRecord{status: status, providerName: "Mock Provider", expiryDate: "2030-01-01"}
}
