// Package ocr implements the document text-extraction connector: it
// uploads a provider's scanned document to an Apache Tika server,
// extracts plain text, then lifts a handful of structured fields out of
// that text with pattern matching. The Tika HTTP shape is grounded on
// internal/adapter/textextractor/tika; the field-extraction/confidence
// shape is grounded on
// original_source/backend/services/validator.py's process_ocr_worker
// (extracted_fields list of field_name/field_value/confidence, folded
// into a result's NormalizedFields/FieldConfidence maps here).
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/worker"
	"github.com/fairyhunter13/provider-validator/pkg/textx"
)

const sourceName = "ocr"

// Client extracts and parses text from a provider's reference document.
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
func (c *Client) TaskType() domain.TaskType { return domain.TaskOCR }

var (
	identifierPattern = regexp.MustCompile(`\b\d{10}\b`)
	licensePattern    = regexp.MustCompile(`\b[A-Z]{1,3}\d{4,9}\b`)
	emailPattern      = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern      = regexp.MustCompile(`\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}`)
)

// Execute implements worker.Adapter.
func (c *Client) Execute(ctx domain.Context, task domain.WorkerTask) domain.WorkerResult {
	started := time.Now()
	result := worker.NewResult(domain.TaskOCR, task, started)

	if task.Provider.DocumentRef == "" {
		return worker.Fail(result, fmt.Errorf("%s: no document reference provided: %w", sourceName, domain.ErrInvalidArgument))
	}

	var text string
	extractErr := c.Guard.Run(ctx, func(ctx domain.Context) error {
		t, err := c.extract(ctx, task.Provider.DocumentRef)
		if err != nil {
			return err
		}
		text = t
		return nil
	})
	if extractErr != nil {
		return worker.Fail(result, fmt.Errorf("%s: %w", sourceName, extractErr))
	}

	fields, confidence := extractFields(text)
	if len(fields) == 0 {
		return worker.Fail(result, fmt.Errorf("%s: no recognizable fields in document: %w", sourceName, domain.ErrNotFound))
	}
	result.Success = true
	for name, value := range fields {
		result.NormalizedFields[name] = value
		result.FieldConfidence[name] = confidence[name]
	}
	result.TaskConfidence = overallConfidence(confidence)
	result.ProcessingDuration = time.Since(started)
	return result
}

func (c *Client) extract(ctx context.Context, documentRef string) (string, error) {
	if c.Mock {
		return "NPI 1234567893 License MD12345 email provider@example.com phone (555) 123-4567", nil
	}

	base := c.BaseURL
	if base == "" {
		base = "http://localhost:9998"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, base+"/tika", bytes.NewReader([]byte(documentRef)))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	if ct := contentTypeFromExt(filepath.Ext(documentRef)); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", domain.ErrUpstreamRateLimit
	case resp.StatusCode >= 500:
		return "", domain.ErrUpstreamTimeout
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("tika status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return textx.SanitizeText(string(body)), nil
}

func contentTypeFromExt(ext string) string {
	ext = strings.ToLower(ext)
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	default:
		if ext != "" {
			return mime.TypeByExtension(ext)
		}
	}
	return ""
}

// extractFields pulls a small set of structured fields out of raw OCR
// text via pattern matching, assigning each a fixed confidence that
// reflects how specific its pattern is.
func extractFields(text string) (map[string]domain.FieldValue, map[string]float64) {
	fields := map[string]domain.FieldValue{}
	confidence := map[string]float64{}

	if m := identifierPattern.FindString(text); m != "" {
		fields["identifier"] = m
		confidence["identifier"] = 0.70
	}
	if m := licensePattern.FindString(text); m != "" {
		fields["license_number"] = m
		confidence["license_number"] = 0.65
	}
	if m := emailPattern.FindString(text); m != "" {
		fields["email"] = m
		confidence["email"] = 0.75
	}
	if m := phonePattern.FindString(text); m != "" {
		fields["phone_primary"] = m
		confidence["phone_primary"] = 0.60
	}
	return fields, confidence
}

func overallConfidence(confidence map[string]float64) float64 {
	if len(confidence) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range confidence {
		sum += v
	}
	return sum / float64(len(confidence))
}
