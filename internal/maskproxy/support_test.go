package maskproxy

import (
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCookieJar(t *testing.T) {
	j := newCookieJar(2, time.Minute)
	j.Store("a.test", []*http.Cookie{{Name: "z", Value: "1"}, {Name: "b", Value: "2"}})
	if got := j.Header("a.test"); got != "b=2; z=1" {
		t.Fatalf("Header = %q", got)
	}

	j.Store("a.test", []*http.Cookie{{Name: "z", MaxAge: -1}, {Name: "b", Value: "3"}})
	if got := j.Header("a.test"); got != "b=3" {
		t.Fatalf("after update Header = %q", got)
	}

	j.Store("b.test", []*http.Cookie{{Name: "x", Value: "1"}})
	j.Store("c.test", []*http.Cookie{{Name: "y", Value: "1"}})
	if j.Len() != 2 || j.Header("a.test") != "" {
		t.Fatalf("least recent domain not evicted: len=%d", j.Len())
	}

	j.Purge()
	if j.Len() != 0 {
		t.Fatalf("Purge left %d domains", j.Len())
	}
}

func TestRenewCache(t *testing.T) {
	c, err := newRenewCache(time.Minute)
	if err != nil {
		t.Fatalf("newRenewCache: %v", err)
	}
	defer c.close()
	clock := newClock()
	c.now = clock.Now

	c.Put("/a.mp4", "http://1.1.1.1/deliver/a.mp4?token=x")
	c.Put("/b.mp4", "http://1.1.1.1/deliver/b.mp4?token=x")
	if u, ok := c.Get("/a.mp4"); !ok || u != "http://1.1.1.1/deliver/a.mp4?token=x" {
		t.Fatalf("Get = %q, %v", u, ok)
	}

	clock.Advance(30 * time.Second)
	c.Put("/b.mp4", "http://2.2.2.2/deliver/b.mp4?token=y")
	clock.Advance(45 * time.Second)

	if _, ok := c.Get("/a.mp4"); ok {
		t.Fatalf("expired entry returned")
	}
	if n := c.Sweep(); n != 0 {
		t.Fatalf("Sweep removed %d, want 0", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d", c.Len())
	}

	clock.Advance(time.Minute)
	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}

	c.Put("/c.mp4", "u")
	c.Delete("/c.mp4")
	c.Put("/d.mp4", "u")
	c.Reset()
	if c.Len() != 0 {
		t.Fatalf("Len after Reset = %d", c.Len())
	}
}

func TestRateLimitedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := newRateLimitedLogger(zap.New(core), time.Hour)

	l.Warn("first")
	l.Warn("dropped")
	l.Info("dropped too")
	if logs.Len() != 1 {
		t.Fatalf("logged %d entries, want 1", logs.Len())
	}

	l.lastAt = time.Now().Add(-2 * time.Hour)
	l.Info("after window")
	entries := logs.All()
	if len(entries) != 2 || entries[1].Message != "after window" {
		t.Fatalf("entries = %+v", entries)
	}
	if got := entries[1].ContextMap()["suppressed"]; got != int64(2) {
		t.Fatalf("suppressed = %v", got)
	}
}

func TestRelayStats(t *testing.T) {
	s := newRelayStats()
	if snap := s.Snapshot(); snap.MinBytes != 0 {
		t.Fatalf("empty MinBytes = %d", snap.MinBytes)
	}
	s.ObserveStream(100, false)
	s.ObserveStream(300, false)
	s.ObserveStream(50, true)
	s.ObserveExhausted()

	snap := s.Snapshot()
	if snap.Streams != 2 || snap.Aborted != 1 || snap.Exhausted != 1 {
		t.Fatalf("counters = %+v", snap)
	}
	if snap.MinBytes != 100 || snap.MaxBytes != 300 || snap.AvgBytes != 200 || snap.TotalBytes != 400 {
		t.Fatalf("sizes = %+v", snap)
	}
	if got := formatBytes(1536); got != "1.5kb" {
		t.Fatalf("formatBytes = %q", got)
	}
}

func TestMaskLocation(t *testing.T) {
	s := &Service{}
	s.cfg.Upstream.Origin = testOrigin
	s.cfg.Server.Mask = "watch.example"

	cases := map[string]string{
		testOrigin + "/a?b=1":     "https://watch.example/a?b=1",
		"/relative":               "/relative",
		"http://elsewhere.test/x": "http://elsewhere.test/x",
	}
	for in, want := range cases {
		if got := s.maskLocation(in); got != want {
			t.Fatalf("maskLocation(%q) = %q, want %q", in, got, want)
		}
	}

	s.cfg.Server.Mask = ""
	if got := s.maskLocation(testOrigin + "/a"); got != testOrigin+"/a" {
		t.Fatalf("unmasked Location rewritten: %q", got)
	}
}
