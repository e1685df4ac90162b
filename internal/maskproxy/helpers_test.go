package maskproxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

const testOrigin = "http://origin.test"

type recordedRequest struct {
	Method      string
	Host        string
	Path        string
	EscapedPath string
	RawQuery    string
	Range       string
	Header      http.Header
}

// fakeUpstream answers every outbound connection of the code under test and
// dispatches on the Host header, so synthesized URLs such as
// http://1.2.3.4/deliver/... are served locally.
type fakeUpstream struct {
	srv *httptest.Server

	mu       sync.Mutex
	hosts    map[string]http.HandlerFunc
	requests []recordedRequest
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{hosts: map[string]http.HandlerFunc{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method:      r.Method,
		Host:        r.Host,
		Path:        r.URL.Path,
		EscapedPath: r.URL.EscapedPath(),
		RawQuery:    r.URL.RawQuery,
		Range:       r.Header.Get("Range"),
		Header:      r.Header.Clone(),
	})
	h := f.hosts[r.Host]
	f.mu.Unlock()

	if h == nil {
		http.Error(w, "unknown host", http.StatusBadGateway)
		return
	}
	h(w, r)
}

func (f *fakeUpstream) handle(host string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts[host] = h
}

func (f *fakeUpstream) transport() http.RoundTripper {
	addr := f.srv.Listener.Addr().String()
	return &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		DisableKeepAlives: true,
	}
}

func (f *fakeUpstream) requestsTo(host string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Host == host {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeUpstream) count(host, pathPrefix string) int {
	n := 0
	for _, r := range f.requestsTo(host) {
		if strings.HasPrefix(r.Path, pathPrefix) {
			n++
		}
	}
	return n
}

func dropConnection(w http.ResponseWriter, _ *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer cannot hijack")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}

func serveBody(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func newTestResolver(up *fakeUpstream, store *CredentialStore) *Resolver {
	client := &http.Client{Transport: up.transport()}
	profile := ClientProfile{UserAgent: "test-agent", Referer: testOrigin + "/", Origin: testOrigin}
	return &Resolver{
		opts: ResolverOptions{
			Origin:          testOrigin,
			MediaExtensions: []string{".mp4", ".mkv"},
			PrimaryTimeout:  2 * time.Second,
			FallbackTimeout: time.Second,
			DirectIP:        true,
		},
		prober: NewProber(client, profile),
		landing: &landingFetcher{
			client:   client,
			profile:  profile,
			cookies:  newCookieJar(8, time.Minute),
			maxBytes: 1 << 20,
			timeout:  2 * time.Second,
		},
		extractor: PatternExtractor{},
		store:     store,
		log:       zap.NewNop(),
	}
}

const baseTestConfig = `
upstream:
  origin: http://origin.test
  timeout: 2s
  fallbackTimeout: 1s
cascade:
  directRetries: 0
  mediaExtensions: [".mp4"]
`

func newTestService(t *testing.T, up *fakeUpstream, extraYAML string) *Service {
	t.Helper()
	cfg, err := parseConfig([]byte(baseTestConfig+extraYAML), func(string) string { return "" })
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	s, err := newService(cfg, zap.NewNop(), up.transport())
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}
