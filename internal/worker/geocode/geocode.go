// Package geocode implements the address-geocoding connector: it
// resolves a provider's street address (or, when already known, a
// place identifier) to a formatted, place-anchored address, a
// latitude/longitude, parsed address components, and a geometry
// accuracy category. Grounded on
// original_source/backend/connectors/google_places_connector.py's
// GooglePlacesConnector.validate_address, with the original's
// word-overlap confidence heuristic replaced by the geometry-accuracy
// confidence table the spec mandates.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/worker"
)

const sourceName = "geocoder"

// geometryConfidence maps Google-Places-style location_type accuracy
// categories to the per-field confidence the spec assigns them.
var geometryConfidence = map[string]float64{
	"ROOFTOP":            0.95,
	"RANGE_INTERPOLATED": 0.85,
	"GEOMETRIC_CENTER":   0.75,
	"APPROXIMATE":        0.60,
}

// Client resolves provider addresses through a Places-style text-search
// geocoding API, substituting a place-detail lookup when the input
// already carries a place identifier.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Guard   *worker.Guard
	Mock    bool
}

// New builds a Client with sane defaults.
func New(baseURL, apiKey string, httpClient *http.Client, guard *worker.Guard, mock bool) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{BaseURL: baseURL, APIKey: apiKey, HTTP: httpClient, Guard: guard, Mock: mock}
}

// TaskType implements worker.Adapter.
func (c *Client) TaskType() domain.TaskType { return domain.TaskGeocode }

type latLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type geometry struct {
	Location     latLng `json:"location"`
	LocationType string `json:"location_type"`
}

type placeResult struct {
	FormattedAddress string   `json:"formatted_address"`
	PlaceID          string   `json:"place_id"`
	Types            []string `json:"types"`
	Geometry         geometry `json:"geometry"`
}

type searchResponse struct {
	Status  string        `json:"status"`
	Results []placeResult `json:"results"`
}

type detailResponse struct {
	Status string      `json:"status"`
	Result placeResult `json:"result"`
}

// Execute implements worker.Adapter.
func (c *Client) Execute(ctx domain.Context, task domain.WorkerTask) domain.WorkerResult {
	started := time.Now()
	result := worker.NewResult(domain.TaskGeocode, task, started)
	p := task.Provider

	var match placeResult
	var lookupErr error
	if p.PlaceID != "" {
		lookupErr = c.Guard.Run(ctx, func(ctx domain.Context) error {
			m, err := c.lookupByPlaceID(ctx, p.PlaceID)
			if err != nil {
				return err
			}
			match = m
			return nil
		})
	} else {
		query := addressQuery(p)
		if query == "" {
			return worker.Fail(result, fmt.Errorf("%s: no address components provided: %w", sourceName, domain.ErrInvalidArgument))
		}
		lookupErr = c.Guard.Run(ctx, func(ctx domain.Context) error {
			m, err := c.search(ctx, query)
			if err != nil {
				return err
			}
			match = m
			return nil
		})
	}
	if lookupErr != nil {
		return worker.Fail(result, fmt.Errorf("%s: %w", sourceName, lookupErr))
	}

	confidence, ok := geometryConfidence[match.Geometry.LocationType]
	if !ok {
		confidence = geometryConfidence["APPROXIMATE"]
	}
	if confidence < 0.5 {
		return worker.Fail(result, fmt.Errorf("%s: geocode match confidence %.2f below threshold: %w", sourceName, confidence, domain.ErrNotFound))
	}

	street, city, state, postal := addressComponents(p, match.FormattedAddress)

	result.Success = true
	result.NormalizedFields["formatted_address"] = match.FormattedAddress
	result.NormalizedFields["place_id"] = match.PlaceID
	result.NormalizedFields["latitude"] = match.Geometry.Location.Lat
	result.NormalizedFields["longitude"] = match.Geometry.Location.Lng
	result.NormalizedFields["geometry_accuracy"] = match.Geometry.LocationType
	result.NormalizedFields["street"] = street
	result.NormalizedFields["city"] = city
	result.NormalizedFields["state"] = state
	result.NormalizedFields["postal_code"] = postal
	for field := range result.NormalizedFields {
		result.FieldConfidence[field] = confidence
	}
	result.TaskConfidence = confidence
	result.ProcessingDuration = time.Since(started)
	return result
}

func addressQuery(p domain.ProviderInput) string {
	parts := make([]string, 0, 4)
	for _, v := range []string{p.AddressLine1, p.City, p.State, p.PostalCode} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}

// addressComponents prefers the caller's already-structured address
// fields (the source of truth submitted with the provider record) and
// falls back to a simple comma-split of the geocoder's formatted
// address for any component the caller didn't supply.
func addressComponents(p domain.ProviderInput, formatted string) (street, city, state, postal string) {
	street, city, state, postal = p.AddressLine1, p.City, p.State, p.PostalCode
	if street != "" && city != "" && state != "" && postal != "" {
		return
	}
	parts := strings.Split(formatted, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if street == "" && len(parts) > 0 {
		street = parts[0]
	}
	if city == "" && len(parts) > 1 {
		city = parts[1]
	}
	if len(parts) > 2 {
		stateZip := strings.Fields(parts[2])
		if state == "" && len(stateZip) > 0 {
			state = stateZip[0]
		}
		if postal == "" && len(stateZip) > 1 {
			postal = stateZip[1]
		}
	}
	return
}

func (c *Client) search(ctx context.Context, query string) (placeResult, error) {
	if c.Mock {
		return placeResult{
			FormattedAddress: query + ", US",
			PlaceID:          "mock_place_id",
			Types:            []string{"street_address"},
			Geometry:         geometry{Location: latLng{Lat: 39.7817, Lng: -89.6501}, LocationType: "ROOFTOP"},
		}, nil
	}

	reqURL := fmt.Sprintf("%s/textsearch/json?query=%s&key=%s&fields=formatted_address,geometry,place_id,types",
		c.BaseURL, url.QueryEscape(query), url.QueryEscape(c.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return placeResult{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return placeResult{}, fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return placeResult{}, domain.ErrUpstreamRateLimit
	case resp.StatusCode >= 500:
		return placeResult{}, domain.ErrUpstreamTimeout
	case resp.StatusCode != http.StatusOK:
		return placeResult{}, fmt.Errorf("geocoder returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return placeResult{}, fmt.Errorf("read body: %w", err)
	}
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return placeResult{}, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	if parsed.Status != "OK" || len(parsed.Results) == 0 {
		return placeResult{}, domain.ErrNotFound
	}

	return parsed.Results[0], nil
}

// lookupByPlaceID substitutes a place-detail fetch for a full geocode
// when the caller's input already carries a place identifier.
func (c *Client) lookupByPlaceID(ctx context.Context, placeID string) (placeResult, error) {
	if c.Mock {
		return placeResult{
			FormattedAddress: "500 Main St, Springfield, IL 62701, USA",
			PlaceID:          placeID,
			Types:            []string{"street_address"},
			Geometry:         geometry{Location: latLng{Lat: 39.7817, Lng: -89.6501}, LocationType: "ROOFTOP"},
		}, nil
	}

	reqURL := fmt.Sprintf("%s/details/json?place_id=%s&key=%s&fields=formatted_address,geometry,place_id,types",
		c.BaseURL, url.QueryEscape(placeID), url.QueryEscape(c.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return placeResult{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return placeResult{}, fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return placeResult{}, domain.ErrUpstreamRateLimit
	case resp.StatusCode >= 500:
		return placeResult{}, domain.ErrUpstreamTimeout
	case resp.StatusCode != http.StatusOK:
		return placeResult{}, fmt.Errorf("geocoder returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return placeResult{}, fmt.Errorf("read body: %w", err)
	}
	var parsed detailResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return placeResult{}, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	if parsed.Status != "OK" {
		return placeResult{}, domain.ErrNotFound
	}

	return parsed.Result, nil
}
