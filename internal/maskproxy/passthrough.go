package maskproxy

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
}

// passThrough forwards a request to the origin without any recovery logic.
// Cookies set by the origin are relayed to the client and remembered for
// later landing-page fetches.
func (s *Service) passThrough(w http.ResponseWriter, r *http.Request) {
	target := s.cfg.Upstream.Origin + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeInternalError(w)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength
	if req.Header.Get("Cookie") == "" {
		if c := s.cookies.Header(req.URL.Host); c != "" {
			req.Header.Set("Cookie", c)
		}
	}

	resp, err := s.passClient.Do(req)
	if err != nil {
		if r.Context().Err() == nil {
			s.log.Warn("passthrough failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
		setCORSHeaders(w.Header())
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	s.cookies.Store(req.URL.Host, resp.Cookies())

	copyHeaders(w.Header(), resp.Header)
	if loc := resp.Header.Get("Location"); loc != "" {
		w.Header().Set("Location", s.maskLocation(loc))
	}
	setCORSHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)
	n, err := io.Copy(w, resp.Body)
	if err != nil && r.Context().Err() != nil {
		s.log.Debug("client disconnected during passthrough", zap.String("path", r.URL.Path), zap.Int64("bytes", n))
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if hopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// maskLocation rewrites redirects pointing at the origin so that clients
// stay on the mask host.
func (s *Service) maskLocation(loc string) string {
	if s.cfg.Server.Mask == "" {
		return loc
	}
	u, err := url.Parse(loc)
	if err != nil || !u.IsAbs() {
		return loc
	}
	origin, err := url.Parse(s.cfg.Upstream.Origin)
	if err != nil || !strings.EqualFold(u.Host, origin.Host) {
		return loc
	}
	mask := s.cfg.Server.Mask
	if !strings.Contains(mask, "://") {
		mask = "https://" + mask
	}
	return strings.TrimRight(mask, "/") + u.RequestURI()
}
