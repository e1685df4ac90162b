package maskproxy

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// cookieJar remembers upstream cookies per domain for a limited time.
type cookieJar struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, map[string]string]
}

func newCookieJar(maxDomains int, ttl time.Duration) *cookieJar {
	return &cookieJar{cache: expirable.NewLRU[string, map[string]string](maxDomains, nil, ttl)}
}

// Header renders the remembered cookies of domain as a Cookie header value.
func (j *cookieJar) Header(domain string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, ok := j.cache.Get(domain)
	if !ok || len(m) == 0 {
		return ""
	}
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+m[n])
	}
	return strings.Join(parts, "; ")
}

// Store merges cookies into the entry for domain. Expired cookies
// (MaxAge < 0) are removed.
func (j *cookieJar) Store(domain string, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	cur, _ := j.cache.Peek(domain)
	next := make(map[string]string, len(cur)+len(cookies))
	for k, v := range cur {
		next[k] = v
	}
	for _, c := range cookies {
		if c.MaxAge < 0 {
			delete(next, c.Name)
			continue
		}
		next[c.Name] = c.Value
	}
	j.cache.Add(domain, next)
}

func (j *cookieJar) Len() int { return j.cache.Len() }

func (j *cookieJar) Purge() { j.cache.Purge() }
