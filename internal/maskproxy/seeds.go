package maskproxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// loadStaticSeeds puts the configured fallback credentials into the store.
func (s *Service) loadStaticSeeds() int {
	n := 0
	for _, sd := range s.cfg.Credentials.Seeds {
		c := Credential{Host: strings.TrimSpace(sd.Host), Token: strings.TrimSpace(sd.Token)}
		if sd.UC != "" {
			c.Aux = append(c.Aux, AuxParam{Name: "uc", Value: sd.UC})
		}
		if sd.PC != "" {
			c.Aux = append(c.Aux, AuxParam{Name: "pc", Value: sd.PC})
		}
		if s.store.Seed(c) {
			n++
		}
	}
	return n
}

// startSeeding scrapes configured landing pages in the background so the
// store has credentials before the first token expires.
func (s *Service) startSeeding() {
	if len(s.cfg.Seeds.Pages) == 0 && len(s.cfg.Seeds.Sitemaps) == 0 {
		return
	}

	initDelay := s.cfg.Seeds.initialDelayDur
	period := s.cfg.Seeds.everyDur

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			seeded, ignored, err := s.seedOnce(ctx)
			if err != nil {
				s.log.Warn("seeding failed", zap.Error(err))
				return
			}
			s.log.Info("seeding done", zap.Int("seeded", seeded), zap.Int("ignored", ignored))
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

func (s *Service) seedOnce(ctx context.Context) (seeded int, ignored int, _ error) {
	paths := make([]string, 0, len(s.cfg.Seeds.Pages))
	for _, p := range s.cfg.Seeds.Pages {
		if p = normalizePathFromLoc(p); p != "" {
			paths = append(paths, p)
		}
	}
	if len(s.cfg.Seeds.Sitemaps) > 0 {
		found, err := s.sitemapPaths(ctx)
		if err != nil {
			return 0, 0, err
		}
		paths = append(paths, found...)
	}

	seen := map[string]struct{}{}
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return seeded, ignored, ctx.Err()
		case <-s.stopCh:
			return seeded, ignored, nil
		default:
		}

		landing := s.cfg.Upstream.Origin + s.resolver.landingPath(p)
		if _, ok := seen[landing]; ok {
			continue
		}
		seen[landing] = struct{}{}

		if rule := s.cfg.pickRule(p); rule != nil && rule.Bypass {
			ignored++
			continue
		}

		doc, err := s.landing.Fetch(ctx, landing)
		if err != nil {
			ignored++
			s.seedLog.Warn("seed page fetch failed", zap.String("url", landing), zap.Error(err))
			continue
		}
		ex, err := s.extractor.Extract(doc, p)
		if err != nil || ex.Credential.Token == "" {
			ignored++
			continue
		}
		if s.store.Seed(ex.Credential) {
			seeded++
		}
	}
	return seeded, ignored, nil
}

// sitemapPaths walks the configured sitemaps, following nested indexes.
func (s *Service) sitemapPaths(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Seeds.Sitemaps))
	for _, sm := range s.cfg.Seeds.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, s.normalizeMaybeRelativeURL(sm))
		}
	}

	var out []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, s.normalizeMaybeRelativeURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			if p := normalizePathFromLoc(loc); p != "" {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (s *Service) normalizeMaybeRelativeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Upstream.Origin + u
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	req.Header.Set("User-Agent", s.cfg.Upstream.UserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may or may not also be served with Content-Encoding gzip.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

func normalizePathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		loc = u.EscapedPath()
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
