package maskproxy

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// Mask is the public hostname clients use to reach the proxy.
		Mask           string `yaml:"mask"`
		DebugEndpoints *bool  `yaml:"debugEndpoints"`
	} `yaml:"server"`

	Upstream struct {
		Origin          string `yaml:"origin"`
		UserAgent       string `yaml:"userAgent"`
		Referer         string `yaml:"referer"`
		OriginHeader    string `yaml:"originHeader"`
		Timeout         string `yaml:"timeout"`
		FallbackTimeout string `yaml:"fallbackTimeout"`

		timeoutDur         time.Duration
		fallbackTimeoutDur time.Duration
	} `yaml:"upstream"`

	Cascade struct {
		DirectRetries    int      `yaml:"directRetries"`
		DirectRetryDelay string   `yaml:"directRetryDelay"`
		DirectIP         *bool    `yaml:"directIP"`
		MediaExtensions  []string `yaml:"mediaExtensions"`
		RenewCacheTTL    string   `yaml:"renewCacheTTL"`

		directRetryDelayDur time.Duration
		renewCacheTTLDur    time.Duration
	} `yaml:"cascade"`

	Landing struct {
		MaxBytes    string `yaml:"maxBytes"`
		DefaultHost string `yaml:"defaultHost"`
		DefaultUC   string `yaml:"defaultUC"`
		DefaultPC   string `yaml:"defaultPC"`

		maxBytes int64
	} `yaml:"landing"`

	Credentials struct {
		MaxEntries    int              `yaml:"maxEntries"`
		RecencyWindow string           `yaml:"recencyWindow"`
		RecencyBonus  int              `yaml:"recencyBonus"`
		Seeds         []CredentialSeed `yaml:"seeds"`

		recencyWindowDur time.Duration
	} `yaml:"credentials"`

	Seeds struct {
		Pages        []string `yaml:"pages"`
		Sitemaps     []string `yaml:"sitemaps"`
		InitialDelay string   `yaml:"initialDelay"`
		Every        string   `yaml:"every"`

		initialDelayDur time.Duration
		everyDur        time.Duration
	} `yaml:"seeds"`

	Cookies struct {
		MaxDomains int    `yaml:"maxDomains"`
		TTL        string `yaml:"ttl"`

		ttlDur time.Duration
	} `yaml:"cookies"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`
}

// CredentialSeed is a statically configured fallback credential.
type CredentialSeed struct {
	Host  string `yaml:"host"`
	Token string `yaml:"token"`
	UC    string `yaml:"uc"`
	PC    string `yaml:"pc"`
}

type Rule struct {
	Match             string   `yaml:"match"`
	Priority          int      `yaml:"priority"`
	Bypass            bool     `yaml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`
	Strategies        []string `yaml:"strategies"`

	// compiled
	matchers   []pathPrefixMatcher
	strategies strategySet
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// LoadConfig reads the YAML file at path (optional when empty) and applies
// environment overrides on top of it.
func LoadConfig(path string) (Config, error) {
	var b []byte
	if path != "" {
		var err error
		b, err = os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
	}
	return parseConfig(b, os.Getenv)
}

func parseConfig(b []byte, getenv func(string) string) (Config, error) {
	var cfg Config
	if len(b) > 0 {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg, getenv)
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := strings.TrimSpace(getenv("UPSTREAM_ORIGIN")); v != "" {
		cfg.Upstream.Origin = v
	}
	if v := strings.TrimSpace(getenv("MASK_HOST")); v != "" {
		cfg.Server.Mask = v
	}
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.DebugEndpoints == nil {
		off := false
		cfg.Server.DebugEndpoints = &off
	}
	if cfg.Upstream.Origin == "" {
		return fmt.Errorf("upstream.origin is required")
	}
	if !strings.HasPrefix(cfg.Upstream.Origin, "http://") && !strings.HasPrefix(cfg.Upstream.Origin, "https://") {
		return fmt.Errorf("upstream.origin must be an absolute http(s) URL, got %q", cfg.Upstream.Origin)
	}
	cfg.Upstream.Origin = strings.TrimRight(cfg.Upstream.Origin, "/")
	if cfg.Upstream.UserAgent == "" {
		cfg.Upstream.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	}
	if cfg.Upstream.Referer == "" {
		cfg.Upstream.Referer = cfg.Upstream.Origin + "/"
	}
	if cfg.Upstream.OriginHeader == "" {
		cfg.Upstream.OriginHeader = cfg.Upstream.Origin
	}

	var err error
	if cfg.Upstream.timeoutDur, err = durationOr(cfg.Upstream.Timeout, 10*time.Second); err != nil {
		return fmt.Errorf("upstream.timeout: %w", err)
	}
	if cfg.Upstream.fallbackTimeoutDur, err = durationOr(cfg.Upstream.FallbackTimeout, 4*time.Second); err != nil {
		return fmt.Errorf("upstream.fallbackTimeout: %w", err)
	}
	if cfg.Upstream.timeoutDur <= 0 || cfg.Upstream.fallbackTimeoutDur <= 0 {
		return fmt.Errorf("upstream.timeout and upstream.fallbackTimeout must be positive")
	}

	if cfg.Cascade.DirectRetries < 0 {
		return fmt.Errorf("cascade.directRetries must not be negative")
	}
	if cfg.Cascade.directRetryDelayDur, err = durationOr(cfg.Cascade.DirectRetryDelay, time.Second); err != nil {
		return fmt.Errorf("cascade.directRetryDelay: %w", err)
	}
	if cfg.Cascade.DirectIP == nil {
		on := true
		cfg.Cascade.DirectIP = &on
	}
	if len(cfg.Cascade.MediaExtensions) == 0 {
		cfg.Cascade.MediaExtensions = []string{".mp4", ".mkv", ".avi", ".webm", ".m3u8", ".ts"}
	}
	for i, ext := range cfg.Cascade.MediaExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.Cascade.MediaExtensions[i] = ext
	}
	if cfg.Cascade.renewCacheTTLDur, err = durationOr(cfg.Cascade.RenewCacheTTL, 10*time.Minute); err != nil {
		return fmt.Errorf("cascade.renewCacheTTL: %w", err)
	}

	if cfg.Landing.MaxBytes == "" {
		cfg.Landing.MaxBytes = "2mb"
	}
	if cfg.Landing.maxBytes, err = parseBytes(cfg.Landing.MaxBytes); err != nil {
		return fmt.Errorf("landing.maxBytes: %w", err)
	}

	if cfg.Credentials.MaxEntries <= 0 {
		cfg.Credentials.MaxEntries = 50
	}
	if cfg.Credentials.RecencyBonus == 0 {
		cfg.Credentials.RecencyBonus = 20
	}
	if cfg.Credentials.recencyWindowDur, err = durationOr(cfg.Credentials.RecencyWindow, time.Hour); err != nil {
		return fmt.Errorf("credentials.recencyWindow: %w", err)
	}
	for i, s := range cfg.Credentials.Seeds {
		if strings.TrimSpace(s.Host) == "" || strings.TrimSpace(s.Token) == "" {
			return fmt.Errorf("credentials.seeds[%d]: host and token are required", i)
		}
	}

	if cfg.Seeds.initialDelayDur, err = durationOr(cfg.Seeds.InitialDelay, 0); err != nil {
		return fmt.Errorf("seeds.initialDelay: %w", err)
	}
	if cfg.Seeds.everyDur, err = durationOr(cfg.Seeds.Every, 0); err != nil {
		return fmt.Errorf("seeds.every: %w", err)
	}

	if cfg.Cookies.MaxDomains <= 0 {
		cfg.Cookies.MaxDomains = 256
	}
	if cfg.Cookies.ttlDur, err = durationOr(cfg.Cookies.TTL, 30*time.Minute); err != nil {
		return fmt.Errorf("cookies.ttl: %w", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.statsEveryDur, err = durationOr(cfg.Logging.StatsEvery, 0); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		set, err := parseStrategies(r.Strategies)
		if err != nil {
			return fmt.Errorf("rules[%d].strategies: %w", i, err)
		}
		r.strategies = set
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	return nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func parseStrategies(names []string) (strategySet, error) {
	if len(names) == 0 {
		return allStrategies, nil
	}
	var set strategySet
	for _, n := range names {
		st, err := parseStrategy(n)
		if err != nil {
			return 0, err
		}
		set = set.with(st)
	}
	return set, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func (cfg *Config) pickRule(path string) *Rule {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}
