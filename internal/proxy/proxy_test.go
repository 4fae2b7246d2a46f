package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/shadowguard/internal/engine"
	"github.com/Wikid82/shadowguard/internal/models"
)

// blockHosts blocks any host containing one of the listed domains.
type blockHosts map[string]models.Tier

func (b blockHosts) Evaluate(host, path, method string) models.Decision {
	d := models.Decision{Host: host, Path: path, Method: method, Timestamp: time.Now(), Outcome: models.OutcomeAllow}
	if host == "console.local" {
		d.Exempt = true
		return d
	}
	for domain, tier := range b {
		if strings.Contains(host, domain) {
			d.Outcome = models.OutcomeBlock
			d.Tier = tier
			d.Rule = &models.Rule{Domain: domain, Tier: tier, Reason: "Not allowed at work", Message: "Known malware host"}
			return d
		}
	}
	return d
}

type recorder struct {
	mu        sync.Mutex
	decisions []models.Decision
}

func (r *recorder) Append(d models.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *recorder) all() []models.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Decision(nil), r.decisions...)
}

func newTestProxy(t *testing.T, rules blockHosts) (*Proxy, *recorder, *url.URL) {
	t.Helper()
	rec := &recorder{}
	p := New(":0", rules, engine.NewBlockPages("", ""), rec)
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return p, rec, u
}

func proxyClient(proxyURL *url.URL, base *http.Transport) *http.Client {
	if base == nil {
		base = &http.Transport{}
	}
	base.Proxy = http.ProxyURL(proxyURL)
	return &http.Client{Transport: base, Timeout: 5 * time.Second}
}

func TestProxy_ForwardsAllowedRequests(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Connection"))
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	}))
	defer upstream.Close()

	_, rec, proxyURL := newTestProxy(t, blockHosts{"twitter.com": models.TierStandard})

	req, err := http.NewRequest(http.MethodGet, upstream.URL+"/docs", nil)
	require.NoError(t, err)
	req.Header.Set("Proxy-Connection", "keep-alive")
	resp, err := proxyClient(proxyURL, nil).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Equal(t, "hello /docs", string(body))

	decisions := rec.all()
	require.Len(t, decisions, 1)
	assert.Equal(t, "127.0.0.1", decisions[0].Host)
	assert.Equal(t, "/docs", decisions[0].Path)
	assert.False(t, decisions[0].Blocked())
}

func TestProxy_ServesBlockPage(t *testing.T) {
	_, rec, proxyURL := newTestProxy(t, blockHosts{"twitter.com": models.TierStandard})

	resp, err := proxyClient(proxyURL, nil).Get("http://mobile.twitter.com/home")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=UTF-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "mobile.twitter.com")
	assert.Contains(t, string(body), "Reason: Not allowed at work")

	decisions := rec.all()
	require.Len(t, decisions, 1)
	assert.Equal(t, models.StatusBlocked, decisions[0].Status())
}

func TestProxy_HighRiskBlockPage(t *testing.T) {
	_, _, proxyURL := newTestProxy(t, blockHosts{"casino.com": models.TierHighRisk})

	resp, err := proxyClient(proxyURL, nil).Get("http://casino.com/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Known malware host")
}

func TestProxy_ExemptHostsAreNotRecorded(t *testing.T) {
	p, rec, _ := newTestProxy(t, blockHosts{})
	p.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("ok"))}, nil
	})

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://console.local/api/v1/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, rec.all())
}

func TestProxy_RejectsOriginFormRequests(t *testing.T) {
	p, rec, _ := newTestProxy(t, blockHosts{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.URL.Host = ""
	req.URL.Scheme = ""
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, rec.all())
}

func TestProxy_UpstreamFailure(t *testing.T) {
	p, _, _ := newTestProxy(t, blockHosts{})
	p.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, &net.OpError{Op: "dial", Err: io.ErrUnexpectedEOF}
	})

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestProxy_ConnectTunnel(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}))
	defer upstream.Close()

	_, rec, proxyURL := newTestProxy(t, blockHosts{"twitter.com": models.TierStandard})

	base := upstream.Client().Transport.(*http.Transport).Clone()
	resp, err := proxyClient(proxyURL, base).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "secure", string(body))

	decisions := rec.all()
	require.Len(t, decisions, 1)
	assert.Equal(t, "/", decisions[0].Path)
	assert.Equal(t, http.MethodGet, decisions[0].Method)
}

func TestProxy_ConnectBlocked(t *testing.T) {
	p, rec, _ := newTestProxy(t, blockHosts{"twitter.com": models.TierStandard})

	req := httptest.NewRequest(http.MethodConnect, "http://twitter.com:443", nil)
	req.Host = "twitter.com:443"
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "twitter.com")
	require.Len(t, rec.all(), 1)
	assert.True(t, rec.all()[0].Blocked())
}

func TestProxy_ServeShutsDown(t *testing.T) {
	p := New(":0", blockHosts{}, nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("proxy did not stop")
	}
}

func TestHostOnly(t *testing.T) {
	assert.Equal(t, "example.com", hostOnly("example.com:443"))
	assert.Equal(t, "example.com", hostOnly("example.com"))
	assert.Equal(t, "::1", hostOnly("[::1]:8080"))
	assert.Equal(t, "::1", hostOnly("[::1]"))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
