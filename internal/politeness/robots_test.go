package politeness

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	body       string
	statusCode int
	err        error
	calls      int
}

func (s *stubTransport) Do(req *http.Request) (*http.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	status := s.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(s.body)),
	}, nil
}

func TestManager_AllowsWhenNoDisallowMatches(t *testing.T) {
	stub := &stubTransport{body: "User-agent: *\nDisallow: /admin\n"}
	m := NewManager(stub, "")

	d := m.Check(context.Background(), "https://registry.example.com/providers/123")
	assert.True(t, d.Permitted)
}

func TestManager_BlocksDisallowedPath(t *testing.T) {
	stub := &stubTransport{body: "User-agent: *\nDisallow: /admin\n"}
	m := NewManager(stub, "")

	d := m.Check(context.Background(), "https://registry.example.com/admin/secret")
	assert.False(t, d.Permitted)
}

func TestManager_AllowOverridesDisallowWhenMoreSpecific(t *testing.T) {
	stub := &stubTransport{body: "User-agent: *\nDisallow: /search\nAllow: /search/public\n"}
	m := NewManager(stub, "")

	blocked := m.Check(context.Background(), "https://registry.example.com/search/private")
	assert.False(t, blocked.Permitted)

	allowed := m.Check(context.Background(), "https://registry.example.com/search/public/page")
	assert.True(t, allowed.Permitted)
}

func TestManager_CrawlDelayParsed(t *testing.T) {
	stub := &stubTransport{body: "User-agent: *\nCrawl-delay: 5\nDisallow:\n"}
	m := NewManager(stub, "")

	d := m.Check(context.Background(), "https://board.example.gov/lookup")
	require.True(t, d.Permitted)
	assert.Equal(t, 5*time.Second, d.CrawlDelay)
}

func TestManager_FetchFailureFailsOpen(t *testing.T) {
	stub := &stubTransport{err: errors.New("connection reset")}
	m := NewManager(stub, "")

	d := m.Check(context.Background(), "https://flaky.example.org/data")
	assert.True(t, d.Permitted)
}

func TestManager_NotFoundTreatedAsPermissive(t *testing.T) {
	stub := &stubTransport{statusCode: http.StatusNotFound}
	m := NewManager(stub, "")

	d := m.Check(context.Background(), "https://open.example.org/anything")
	assert.True(t, d.Permitted)
	assert.Equal(t, time.Duration(0), d.CrawlDelay)
}

func TestManager_CachesWithinTTL(t *testing.T) {
	stub := &stubTransport{body: "User-agent: *\nDisallow: /x\n"}
	m := NewManager(stub, "")

	_ = m.Check(context.Background(), "https://cached.example.org/a")
	_ = m.Check(context.Background(), "https://cached.example.org/b")
	assert.Equal(t, 1, stub.calls, "second check for the same origin should reuse the cached directive")
}

func TestEffectiveCrawlDelay_PrefersLarger(t *testing.T) {
	assert.Equal(t, 5*time.Second, EffectiveCrawlDelay(2*time.Second, Decision{CrawlDelay: 5 * time.Second}))
	assert.Equal(t, 2*time.Second, EffectiveCrawlDelay(2*time.Second, Decision{CrawlDelay: time.Second}))
}

func TestHeaders_IncludesStandardSetAndOverrides(t *testing.T) {
	h := Headers(map[string]string{"X-Request-Id": "abc"})
	assert.NotEmpty(t, h.Get("User-Agent"))
	assert.Equal(t, "keep-alive", h.Get("Connection"))
	assert.Equal(t, "1", h.Get("DNT"))
	assert.Equal(t, "abc", h.Get("X-Request-Id"))
}
