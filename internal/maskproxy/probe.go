package maskproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxRedirects = 5

// ClientProfile is the browser-like identity presented to the upstream.
type ClientProfile struct {
	UserAgent string
	Referer   string
	Origin    string
}

// Prober performs a single bounded fetch of a candidate URL.
type Prober struct {
	client  *http.Client
	profile ClientProfile
}

func NewProber(client *http.Client, profile ClientProfile) *Prober {
	c := *client
	c.Timeout = 0
	c.CheckRedirect = limitRedirects
	return &Prober{client: &c, profile: profile}
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return http.ErrUseLastResponse
	}
	return nil
}

var errProbeTimeout = errors.New("probe timed out waiting for response headers")

// Probe fetches target. The timeout only bounds the wait for response
// headers; a successful body stays readable for as long as ctx lives.
func (p *Prober) Probe(ctx context.Context, target, method, rangeHeader string, timeout time.Duration) ProbeResult {
	if method != http.MethodHead {
		method = http.MethodGet
	}
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		cancel()
		return ProbeResult{Kind: OutcomeHard, Err: err}
	}
	p.setHeaders(req.Header, "video/mp4,video/*;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "identity")
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, cancel)
	}
	resp, err := p.client.Do(req)
	timedOut := timer != nil && !timer.Stop()
	if err != nil {
		cancel()
		if timedOut {
			err = fmt.Errorf("%w after %s: %v", errProbeTimeout, timeout, err)
		}
		return ProbeResult{Kind: OutcomeHard, Err: err}
	}
	if timedOut {
		resp.Body.Close()
		cancel()
		return ProbeResult{Kind: OutcomeHard, Err: fmt.Errorf("%w after %s", errProbeTimeout, timeout)}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return ProbeResult{Kind: OutcomeSuccess, Status: resp.StatusCode, Resp: resp}
	}

	// Any other status may be transient on this upstream, 404 included.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	cancel()
	return ProbeResult{Kind: OutcomeRetryable, Status: resp.StatusCode}
}

func (p *Prober) setHeaders(h http.Header, accept string) {
	h.Set("User-Agent", p.profile.UserAgent)
	h.Set("Accept", accept)
	if p.profile.Referer != "" {
		h.Set("Referer", p.profile.Referer)
	}
	if p.profile.Origin != "" {
		h.Set("Origin", p.profile.Origin)
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
