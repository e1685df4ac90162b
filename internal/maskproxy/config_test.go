package maskproxy

import (
	"strings"
	"testing"
	"time"
)

func noEnv(string) string { return "" }

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte("upstream:\n  origin: https://origin.test/\n"), noEnv)
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Server.Port != 3000 || *cfg.Server.DebugEndpoints {
		t.Fatalf("server defaults = %+v", cfg.Server)
	}
	if cfg.Upstream.Origin != "https://origin.test" {
		t.Fatalf("origin not trimmed: %q", cfg.Upstream.Origin)
	}
	if cfg.Upstream.Referer != "https://origin.test/" || cfg.Upstream.OriginHeader != "https://origin.test" {
		t.Fatalf("client profile defaults = %+v", cfg.Upstream)
	}
	if cfg.Upstream.timeoutDur != 10*time.Second || cfg.Upstream.fallbackTimeoutDur != 4*time.Second {
		t.Fatalf("timeouts = %v / %v", cfg.Upstream.timeoutDur, cfg.Upstream.fallbackTimeoutDur)
	}
	if cfg.Cascade.DirectRetries != 0 || cfg.Cascade.directRetryDelayDur != time.Second || !*cfg.Cascade.DirectIP {
		t.Fatalf("cascade defaults = %+v", cfg.Cascade)
	}
	if len(cfg.Cascade.MediaExtensions) != 6 || cfg.Cascade.renewCacheTTLDur != 10*time.Minute {
		t.Fatalf("media defaults = %v ttl=%v", cfg.Cascade.MediaExtensions, cfg.Cascade.renewCacheTTLDur)
	}
	if cfg.Landing.maxBytes != 2<<20 {
		t.Fatalf("landing max = %d", cfg.Landing.maxBytes)
	}
	if cfg.Credentials.MaxEntries != 50 || cfg.Credentials.RecencyBonus != 20 || cfg.Credentials.recencyWindowDur != time.Hour {
		t.Fatalf("credential defaults = %+v", cfg.Credentials)
	}
	if cfg.Cookies.MaxDomains != 256 || cfg.Cookies.ttlDur != 30*time.Minute || cfg.Logging.Level != "info" {
		t.Fatalf("misc defaults = %+v %+v", cfg.Cookies, cfg.Logging)
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	env := map[string]string{
		"PORT":            "8081",
		"UPSTREAM_ORIGIN": "http://env-origin.test",
		"MASK_HOST":       "watch.example",
		"LOG_LEVEL":       "debug",
	}
	cfg, err := parseConfig([]byte("upstream:\n  origin: http://file-origin.test\n"), func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Server.Port != 8081 || cfg.Upstream.Origin != "http://env-origin.test" || cfg.Server.Mask != "watch.example" || cfg.Logging.Level != "debug" {
		t.Fatalf("env not applied: %+v %+v", cfg.Server, cfg.Upstream)
	}

	// environment alone is enough
	if _, err := parseConfig(nil, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("env-only config: %v", err)
	}
}

func TestParseConfigNormalizesExtensions(t *testing.T) {
	cfg, err := parseConfig([]byte(`
upstream:
  origin: http://origin.test
cascade:
  mediaExtensions: ["MP4", " .MKV "]
  directIP: false
`), noEnv)
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if got := strings.Join(cfg.Cascade.MediaExtensions, ","); got != ".mp4,.mkv" {
		t.Fatalf("extensions = %s", got)
	}
	if *cfg.Cascade.DirectIP {
		t.Fatalf("directIP: false ignored")
	}
}

func TestParseConfigRules(t *testing.T) {
	cfg, err := parseConfig([]byte(`
upstream:
  origin: http://origin.test
rules:
  - match: PathPrefix(/series/)
    priority: 20
    strategies: [replay, DirectIP]
  - match: PathPrefix(/api/) | PathPrefix(/auth/)
    priority: 10
    bypass: true
`), noEnv)
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Rules[0].Priority != 10 {
		t.Fatalf("rules not sorted by priority: %+v", cfg.Rules)
	}
	if r := cfg.pickRule("/auth/login"); r == nil || !r.Bypass {
		t.Fatalf("pickRule(/auth/login) = %+v", r)
	}
	r := cfg.pickRule("/series/a/1.mp4")
	if r == nil {
		t.Fatalf("no rule for /series/")
	}
	if r.strategies.has(StrategyDirect) || r.strategies.has(StrategyRenew) || !r.strategies.has(StrategyReplay) || !r.strategies.has(StrategyDirectIP) {
		t.Fatalf("strategies = %08b", r.strategies)
	}
	if cfg.pickRule("/films/1.mp4") != nil {
		t.Fatalf("unexpected rule for /films/")
	}
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"missing origin":     "server:\n  port: 1\n",
		"relative origin":    "upstream:\n  origin: origin.test\n",
		"bad duration":       "upstream:\n  origin: http://o.test\n  timeout: soon\n",
		"negative retries":   "upstream:\n  origin: http://o.test\ncascade:\n  directRetries: -1\n",
		"bad size":           "upstream:\n  origin: http://o.test\nlanding:\n  maxBytes: lots\n",
		"bad match":          "upstream:\n  origin: http://o.test\nrules:\n  - match: Host(x)\n",
		"bad strategy":       "upstream:\n  origin: http://o.test\nrules:\n  - match: PathPrefix(/a)\n    strategies: [teleport]\n",
		"seed without token": "upstream:\n  origin: http://o.test\ncredentials:\n  seeds:\n    - host: 1.1.1.1\n",
		"zero timeout":       "upstream:\n  origin: http://o.test\n  timeout: 0s\n",
		"zero fallback":      "upstream:\n  origin: http://o.test\n  fallbackTimeout: 0s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseConfig([]byte(doc), noEnv); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":   512,
		"64kb":  64 << 10,
		"2MB":   2 << 20,
		"1.5g":  3 << 29,
		" 10 b": 10,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		if err != nil || got != want {
			t.Fatalf("parseBytes(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "kb", "-1", "abc"} {
		if _, err := parseBytes(bad); err == nil {
			t.Fatalf("parseBytes(%q) succeeded", bad)
		}
	}
}
