// Package politeness implements robots.txt compliance checking and the
// standard outbound header/crawl-delay discipline applied to scraping
// connectors, per §4.6. It fails open when robots.txt is unreachable or
// unparseable, matching the original connector's default-to-allow stance.
package politeness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/provider-validator/internal/domain"
)

const (
	// DefaultUserAgent identifies outbound requests to remote robots.txt
	// files and scraped sources.
	DefaultUserAgent = "ProviderValidationPlatform/1.0 (+compliance@provider-validator.invalid)"
	cacheTTL         = 24 * time.Hour
)

// fetchState augments the cached domain.RobotsDirective with the fetch
// error, if any, that produced it. A failed fetch is cached like any
// other for the TTL window; while it is cached, its error suppresses
// path evaluation, so Check permits every path with no crawl delay.
type fetchState struct {
	domain.RobotsDirective
	fetchErr error
}

// HTTPDoer is the subset of *http.Client used to fetch robots.txt; tests
// substitute a stub implementation.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Decision is the outcome of a Check call: whether the request may
// proceed and what crawl-delay it must respect.
type Decision struct {
	Permitted  bool
	CrawlDelay time.Duration
}

// Manager caches per-origin robots.txt directives and exposes the
// compliance check plus standard politeness headers.
type Manager struct {
	client    HTTPDoer
	userAgent string

	mu    sync.Mutex
	cache map[string]fetchState
}

// NewManager builds a Manager. client defaults to http.DefaultClient when nil.
func NewManager(client HTTPDoer, userAgent string) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Manager{client: client, userAgent: userAgent, cache: make(map[string]fetchState)}
}

// Check reports whether targetURL may be fetched and any crawl-delay the
// origin's robots.txt requests. A fetch or parse failure fails open
// (Permitted=true) rather than blocking the caller, per §4.6's resilience
// requirement.
func (m *Manager) Check(ctx context.Context, targetURL string) Decision {
	u, err := url.Parse(targetURL)
	if err != nil {
		return Decision{Permitted: true}
	}
	origin := u.Scheme + "://" + u.Host

	state := m.lookup(ctx, origin)
	if state.fetchErr != nil {
		return Decision{Permitted: true, CrawlDelay: state.CrawlDelay}
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	return Decision{Permitted: m.evaluate(state.RobotsDirective, path), CrawlDelay: state.CrawlDelay}
}

// Directive returns the cached (or freshly fetched) RobotsDirective for
// targetURL's origin, per the domain-model shape in §3.
func (m *Manager) Directive(ctx context.Context, targetURL string) domain.RobotsDirective {
	u, err := url.Parse(targetURL)
	if err != nil {
		return domain.RobotsDirective{}
	}
	return m.lookup(ctx, u.Scheme+"://"+u.Host).RobotsDirective
}

func (m *Manager) lookup(ctx context.Context, origin string) fetchState {
	m.mu.Lock()
	cached, ok := m.cache[origin]
	m.mu.Unlock()
	if ok && time.Since(cached.FetchedAt) < cacheTTL {
		return cached
	}

	state := m.fetch(ctx, origin)
	m.mu.Lock()
	m.cache[origin] = state
	m.mu.Unlock()
	return state
}

func (m *Manager) fetch(ctx context.Context, origin string) fetchState {
	robotsURL := origin + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return fetchState{RobotsDirective: domain.RobotsDirective{Origin: origin, FetchedAt: time.Now()}, fetchErr: err}
	}
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		slog.Warn("robots.txt fetch failed; failing open", slog.String("origin", origin), slog.Any("error", err))
		return fetchState{RobotsDirective: domain.RobotsDirective{Origin: origin, FetchedAt: time.Now()}, fetchErr: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fetchState{RobotsDirective: domain.RobotsDirective{Origin: origin, FetchedAt: time.Now()}}
	}
	if resp.StatusCode >= 400 {
		slog.Warn("robots.txt fetch returned error status; failing open",
			slog.String("origin", origin), slog.Int("status", resp.StatusCode))
		return fetchState{
			RobotsDirective: domain.RobotsDirective{Origin: origin, FetchedAt: time.Now()},
			fetchErr:        fmt.Errorf("robots.txt status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fetchState{RobotsDirective: domain.RobotsDirective{Origin: origin, FetchedAt: time.Now()}, fetchErr: err}
	}

	allow, disallow, delay := parseRobotsTxt(string(body), m.userAgent)
	return fetchState{RobotsDirective: domain.RobotsDirective{
		Origin:     origin,
		Allowed:    allow,
		Disallowed: disallow,
		CrawlDelay: delay,
		FetchedAt:  time.Now(),
	}}
}

// evaluate applies the longest-matching-prefix rule: an Allow rule that
// is at least as specific as every matching Disallow rule wins.
func (m *Manager) evaluate(d domain.RobotsDirective, path string) bool {
	longestDisallow := -1
	for _, p := range d.Disallowed {
		if p != "" && strings.HasPrefix(path, p) && len(p) > longestDisallow {
			longestDisallow = len(p)
		}
	}
	if longestDisallow < 0 {
		return true
	}
	longestAllow := -1
	for _, p := range d.Allowed {
		if p != "" && strings.HasPrefix(path, p) && len(p) > longestAllow {
			longestAllow = len(p)
		}
	}
	return longestAllow >= longestDisallow
}

// parseRobotsTxt extracts the Allow/Disallow/Crawl-delay rules that apply
// to userAgent, falling back to the wildcard "*" group when no group
// names userAgent specifically.
func parseRobotsTxt(body, userAgent string) (allow, disallow []string, crawlDelay time.Duration) {
	type group struct {
		agents             []string
		allow, disallow    []string
		crawlDelaySeconds  float64
		hasCrawlDelay      bool
	}
	var groups []*group
	var current *group

	lines := strings.Split(body, "\n")
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		field := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch field {
		case "user-agent":
			if current == nil || len(current.allow) > 0 || len(current.disallow) > 0 || current.hasCrawlDelay {
				current = &group{}
				groups = append(groups, current)
			}
			current.agents = append(current.agents, strings.ToLower(value))
		case "allow":
			if current != nil {
				current.allow = append(current.allow, value)
			}
		case "disallow":
			if current != nil {
				current.disallow = append(current.disallow, value)
			}
		case "crawl-delay":
			if current != nil {
				if secs, err := strconv.ParseFloat(value, 64); err == nil {
					current.crawlDelaySeconds = secs
					current.hasCrawlDelay = true
				}
			}
		}
	}

	ua := strings.ToLower(userAgent)
	var specific, wildcard *group
	for _, g := range groups {
		for _, a := range g.agents {
			if a == "*" {
				wildcard = g
			} else if strings.Contains(ua, a) || strings.Contains(a, ua) {
				specific = g
			}
		}
	}

	chosen := wildcard
	if specific != nil {
		chosen = specific
	}
	if chosen == nil {
		return nil, nil, 0
	}
	if chosen.hasCrawlDelay {
		crawlDelay = time.Duration(chosen.crawlDelaySeconds * float64(time.Second))
	}
	return chosen.allow, chosen.disallow, crawlDelay
}

// Headers returns the standard politeness header set merged with any
// caller-supplied overrides.
func Headers(extra map[string]string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", DefaultUserAgent)
	h.Set("Accept", "application/json, text/html, text/plain, */*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Connection", "keep-alive")
	h.Set("Cache-Control", "no-cache")
	h.Set("DNT", "1")
	h.Set("Upgrade-Insecure-Requests", "1")
	for k, v := range extra {
		h.Set(k, v)
	}
	return h
}

// EffectiveCrawlDelay returns the larger of the connector's configured
// per-request delay and any robots.txt crawl-delay directive, per §4.6's
// "never go faster than robots.txt requests" rule.
func EffectiveCrawlDelay(configured time.Duration, decision Decision) time.Duration {
	if decision.CrawlDelay > configured {
		return decision.CrawlDelay
	}
	return configured
}
