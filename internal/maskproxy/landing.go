package maskproxy

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/sync/singleflight"
)

const landingAcceptLanguage = "pt-BR,pt;q=0.9,en;q=0.8"

// landingFetcher downloads landing pages the way a browser would. Concurrent
// requests for the same page share one upstream fetch.
type landingFetcher struct {
	client   *http.Client
	profile  ClientProfile
	cookies  *cookieJar
	maxBytes int64
	timeout  time.Duration

	group singleflight.Group
}

func (f *landingFetcher) Fetch(ctx context.Context, target string) (string, error) {
	ch := f.group.DoChan(target, func() (any, error) {
		// Detached so one caller going away does not fail the others.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		return f.fetch(fctx, target)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (f *landingFetcher) fetch(ctx context.Context, target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.profile.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", landingAcceptLanguage)
	req.Header.Set("Accept-Encoding", "gzip, br")
	if f.profile.Referer != "" {
		req.Header.Set("Referer", f.profile.Referer)
	}
	if f.profile.Origin != "" {
		req.Header.Set("Origin", f.profile.Origin)
	}
	if f.cookies != nil {
		if c := f.cookies.Header(u.Host); c != "" {
			req.Header.Set("Cookie", c)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if f.cookies != nil {
		f.cookies.Store(u.Host, resp.Cookies())
	}

	body, err := decodeBody(resp)
	if err != nil {
		return "", fmt.Errorf("decode landing page: %w", err)
	}
	if closer, ok := body.(io.Closer); ok && body != resp.Body {
		defer closer.Close()
	}
	limit := f.maxBytes
	if limit <= 0 {
		limit = 2 << 20
	}
	b, err := io.ReadAll(io.LimitReader(body, limit))
	if err != nil {
		return "", err
	}
	// The page is parsed whatever the status: error pages carry tokens too.
	return string(b), nil
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "gzip", "x-gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
