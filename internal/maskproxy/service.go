package maskproxy

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Service struct {
	cfg Config
	log *zap.Logger

	httpClient *http.Client
	passClient *http.Client

	store     *CredentialStore
	renewed   *renewCache
	cookies   *cookieJar
	landing   *landingFetcher
	extractor Extractor
	resolver  *Resolver

	registry *prometheus.Registry
	metrics  *metrics
	stats    *relayStats

	seedLog *rateLimitedLogger

	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	return newService(cfg, log, nil)
}

func newService(cfg Config, log *zap.Logger, rt http.RoundTripper) (*Service, error) {
	if rt == nil {
		rt = newTransport()
	}
	renewed, err := newRenewCache(cfg.Cascade.renewCacheTTLDur)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{Transport: rt, Timeout: time.Minute},
		passClient: &http.Client{
			Transport: rt,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		renewed:   renewed,
		cookies:   newCookieJar(cfg.Cookies.MaxDomains, cfg.Cookies.ttlDur),
		registry:  prometheus.NewRegistry(),
		stats:     newRelayStats(),
		seedLog:   newRateLimitedLogger(log, time.Minute),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}

	s.store = NewCredentialStore(StoreOptions{
		MaxEntries:    cfg.Credentials.MaxEntries,
		RecencyWindow: cfg.Credentials.recencyWindowDur,
		RecencyBonus:  cfg.Credentials.RecencyBonus,
		OnEvict:       evictionLogger(newRateLimitedLogger(log, time.Minute)),
	})
	s.metrics = newMetrics(s.registry, s.store)

	profile := ClientProfile{
		UserAgent: cfg.Upstream.UserAgent,
		Referer:   cfg.Upstream.Referer,
		Origin:    cfg.Upstream.OriginHeader,
	}
	s.landing = &landingFetcher{
		client:   &http.Client{Transport: rt, CheckRedirect: limitRedirects},
		profile:  profile,
		cookies:  s.cookies,
		maxBytes: cfg.Landing.maxBytes,
		timeout:  cfg.Upstream.timeoutDur,
	}
	s.extractor = PatternExtractor{
		DefaultHost: cfg.Landing.DefaultHost,
		DefaultUC:   cfg.Landing.DefaultUC,
		DefaultPC:   cfg.Landing.DefaultPC,
	}
	s.resolver = &Resolver{
		opts: ResolverOptions{
			Origin:           cfg.Upstream.Origin,
			MediaExtensions:  cfg.Cascade.MediaExtensions,
			PrimaryTimeout:   cfg.Upstream.timeoutDur,
			FallbackTimeout:  cfg.Upstream.fallbackTimeoutDur,
			DirectRetries:    cfg.Cascade.DirectRetries,
			DirectRetryDelay: cfg.Cascade.directRetryDelayDur,
			DirectIP:         *cfg.Cascade.DirectIP,
		},
		prober:    NewProber(&http.Client{Transport: rt}, profile),
		landing:   s.landing,
		extractor: s.extractor,
		store:     s.store,
		renewed:   s.renewed,
		metrics:   s.metrics,
		log:       log,
	}

	if n := s.loadStaticSeeds(); n > 0 {
		log.Info("loaded seed credentials", zap.Int("count", n))
	}
	s.startSeeding()

	if every := cfg.Logging.statsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	if ttl := cfg.Cascade.renewCacheTTLDur; ttl > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweepLoop(ttl)
		}()
	}

	return s, nil
}

func newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	t.MaxIdleConns = 256
	t.MaxIdleConnsPerHost = 32
	t.IdleConnTimeout = 90 * time.Second
	return t
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.renewed.close()
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	if *s.cfg.Server.DebugEndpoints {
		r.Get("/fallbacks", s.handleFallbacks)
		r.Get("/clear-cache", s.handleClearCache)
	}
	r.HandleFunc("/*", s.handle)
	return r
}

// recoverer turns a panicking request into a 500 page; the shared store and
// the server keep running.
func (s *Service) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log.Error("panic while handling request",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.String("requestID", middleware.GetReqID(r.Context())),
				zap.Stack("stack"),
			)
			writeInternalError(w)
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeOptions(w)
		return
	}

	rule := s.cfg.pickRule(r.URL.Path)
	if rule != nil && (rule.Bypass || hasAnyCookie(r, rule.BypassWhenCookies)) {
		s.passThrough(w, r)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		setCORSHeaders(w.Header())
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	rc := RequestContext{
		Path:        r.URL.EscapedPath(),
		RawQuery:    r.URL.RawQuery,
		RangeHeader: r.Header.Get("Range"),
		Method:      r.Method,
	}
	if rule != nil {
		rc.Strategies = rule.strategies
	}
	reqID := middleware.GetReqID(r.Context())

	res, err := s.resolver.Resolve(r.Context(), rc)
	if err != nil {
		var exhausted *CascadeExhaustedError
		switch {
		case errors.As(err, &exhausted):
			s.stats.ObserveExhausted()
			s.observeDuration(r, http.StatusNotFound, start)
			s.log.Warn("cascade exhausted",
				zap.String("path", exhausted.Path),
				zap.Int("attempts", exhausted.Attempts),
				zap.Int("credentialsTried", exhausted.CredentialsTried),
				zap.String("requestID", reqID),
			)
			writeRetryPage(w, rc.Path)
		case r.Context().Err() != nil:
			s.log.Debug("client went away during resolution", zap.String("path", rc.Path), zap.String("requestID", reqID))
		default:
			s.log.Error("resolution failed", zap.String("path", rc.Path), zap.Error(err), zap.String("requestID", reqID))
			writeInternalError(w)
		}
		return
	}

	s.observeDuration(r, res.Response.StatusCode, start)
	n, err := relay(w, r, res)
	s.metrics.observeRelayed(n)
	s.stats.ObserveStream(n, err != nil)
	if err != nil {
		if r.Context().Err() != nil {
			s.log.Debug("client disconnected mid-stream", zap.String("path", rc.Path), zap.Int64("bytes", n))
		} else {
			s.log.Warn("relay interrupted", zap.String("path", rc.Path), zap.Int64("bytes", n), zap.Error(err))
		}
		return
	}
	s.log.Debug("relayed",
		zap.String("path", rc.Path),
		zap.String("strategy", res.Strategy.String()),
		zap.Int("status", res.Response.StatusCode),
		zap.Int64("bytes", n),
		zap.Int("attempts", len(res.Attempts)),
		zap.Duration("took", time.Since(start)),
	)
}

func (s *Service) observeDuration(r *http.Request, status int, start time.Time) {
	s.metrics.requestDuration.WithLabelValues(r.Method, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

// ---- operational endpoints ----

type healthDoc struct {
	Status        string             `json:"status"`
	Origin        string             `json:"origin"`
	Mask          string             `json:"mask,omitempty"`
	Credentials   int                `json:"credentials"`
	RenewCache    int                `json:"renewCache"`
	CookieDomains int                `json:"cookieDomains"`
	Uptime        string             `json:"uptime"`
	Timestamp     string             `json:"timestamp"`
	RSSBytes      uint64             `json:"rssBytes,omitempty"`
	Relay         relayStatsSnapshot `json:"relay"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := healthDoc{
		Status:        "ok",
		Origin:        s.cfg.Upstream.Origin,
		Mask:          s.cfg.Server.Mask,
		Credentials:   s.store.Len(),
		RenewCache:    s.renewed.Len(),
		CookieDomains: s.cookies.Len(),
		Uptime:        time.Since(s.startedAt).Round(time.Second).String(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Relay:         s.stats.Snapshot(),
	}
	if rss, ok := processRSSBytes(); ok {
		doc.RSSBytes = rss
	}
	writeJSON(w, http.StatusOK, doc)
}

type fallbackView struct {
	Host         string            `json:"host"`
	Token        string            `json:"token"`
	Aux          map[string]string `json:"aux,omitempty"`
	UseCount     int               `json:"useCount"`
	FailureCount int               `json:"failureCount"`
	Score        int               `json:"score"`
	LastUsedAt   *time.Time        `json:"lastUsedAt,omitempty"`
	LastTestedAt *time.Time        `json:"lastTestedAt,omitempty"`
}

func (s *Service) handleFallbacks(w http.ResponseWriter, r *http.Request) {
	snapshot := s.store.RankedSnapshot()
	out := make([]fallbackView, 0, len(snapshot))
	for _, c := range snapshot {
		v := fallbackView{
			Host:         c.Host,
			Token:        c.Token,
			UseCount:     c.UseCount,
			FailureCount: c.FailureCount,
			Score:        s.store.Score(c),
		}
		if len(c.Aux) > 0 {
			v.Aux = make(map[string]string, len(c.Aux))
			for _, kv := range c.Aux {
				v.Aux[kv.Name] = kv.Value
			}
		}
		if !c.LastUsedAt.IsZero() {
			t := c.LastUsedAt
			v.LastUsedAt = &t
		}
		if !c.LastTestedAt.IsZero() {
			t := c.LastTestedAt
			v.LastTestedAt = &t
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(out), "fallbacks": out})
}

func (s *Service) handleClearCache(w http.ResponseWriter, r *http.Request) {
	n := s.store.Len()
	s.store.Reset()
	s.renewed.Reset()
	s.cookies.Purge()
	s.log.Info("caches cleared", zap.Int("credentials", n))
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "credentials": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---- background loops ----

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.Int("credentials", s.store.Len()),
				zap.Int("renewCache", s.renewed.Len()),
				zap.Uint64("streams", ss.Streams),
				zap.Uint64("aborted", ss.Aborted),
				zap.Uint64("exhausted", ss.Exhausted),
				zap.String("respMin", formatBytes(ss.MinBytes)),
				zap.String("respAvg", formatBytes(ss.AvgBytes)),
				zap.String("respMax", formatBytes(ss.MaxBytes)),
			}
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			if anon, ok := processAnonBytes(); ok {
				fields = append(fields, zap.String("anon", formatBytes(anon)))
			}
			s.log.Info("stats", fields...)
		}
	}
}

func (s *Service) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if n := s.renewed.Sweep(); n > 0 {
				s.log.Debug("expired renewed urls dropped", zap.Int("count", n))
			}
		}
	}
}
