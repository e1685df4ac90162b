package maskproxy

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"
)

var relayedHeaders = []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"}

const strategyHeader = "X-Mask-Strategy"

// relay streams a resolved upstream response to the client. The copy is
// driven by the client's pace; closing the body cancels the upstream fetch.
func relay(w http.ResponseWriter, r *http.Request, res *Resolution) (int64, error) {
	resp := res.Response
	defer resp.Body.Close()

	h := w.Header()
	for _, k := range relayedHeaders {
		if v := resp.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	setCORSHeaders(h)
	h.Set(strategyHeader, res.Strategy.String())
	ensureExposedHeader(h, strategyHeader)

	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return 0, nil
	}
	// Players wait for headers before asking for more ranges.
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return io.Copy(w, resp.Body)
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range, Content-Type")
	for _, name := range []string{"Content-Length", "Content-Range", "Accept-Ranges"} {
		ensureExposedHeader(h, name)
	}
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeOptions(w http.ResponseWriter) {
	setCORSHeaders(w.Header())
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// ---- error pages ----

func writeRetryPage(w http.ResponseWriter, path string) {
	p := html.EscapeString(path)
	h := w.Header()
	setCORSHeaders(h)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>404 - Video unavailable</title></head>
<body>
<h1>404 - Video unavailable</h1>
<p>No working source was found for <code>%s</code>. The access token may have expired upstream.</p>
<p><a href="%s">Try again</a></p>
</body>
</html>
`, p, p)
}

func writeInternalError(w http.ResponseWriter) {
	h := w.Header()
	setCORSHeaders(h)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>500 - Internal error</title></head>
<body>
<h1>500 - Internal error</h1>
<p>The proxy failed while handling this request.</p>
</body>
</html>
`)
}
