package maskproxy

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ResolverOptions configures the cascade.
type ResolverOptions struct {
	Origin          string
	MediaExtensions []string

	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration

	// DirectRetries extra direct attempts are made, DirectRetryDelay apart,
	// before the token renewal runs.
	DirectRetries    int
	DirectRetryDelay time.Duration

	DirectIP bool
}

// Resolver turns a client path into a live upstream response by trying the
// direct URL, a renewed token, stored credentials and bare hosts in turn.
type Resolver struct {
	opts      ResolverOptions
	prober    *Prober
	landing   *landingFetcher
	extractor Extractor
	store     *CredentialStore
	renewed   *renewCache
	metrics   *metrics
	log       *zap.Logger
}

// Resolution is a successful cascade outcome. Response must be closed.
type Resolution struct {
	Strategy Strategy
	URL      string
	Response *http.Response
	Attempts []ResolutionAttempt
}

var errAttemptFailed = errors.New("attempt failed")

func (r *Resolver) Resolve(ctx context.Context, rc RequestContext) (*Resolution, error) {
	res := &Resolution{}
	credsTried := 0

	steps := []struct {
		st  Strategy
		run func() bool
	}{
		{StrategyDirect, func() bool { return r.tryDirect(ctx, rc, res) }},
		{StrategyRenew, func() bool { return r.isMedia(rc.Path) && r.tryRenew(ctx, rc, res) }},
		{StrategyReplay, func() bool {
			ok, n := r.tryReplay(ctx, rc, res)
			credsTried = n
			return ok
		}},
		{StrategyDirectIP, func() bool { return r.opts.DirectIP && r.tryDirectIP(ctx, rc, res) }},
	}
	for _, step := range steps {
		if !rc.Strategies.has(step.st) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if step.run() {
			r.metrics.observeResolution(res.Strategy.String())
			return res, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.metrics.observeResolution("exhausted")
	return nil, &CascadeExhaustedError{Path: rc.Path, Attempts: len(res.Attempts), CredentialsTried: credsTried}
}

func (r *Resolver) attempt(ctx context.Context, res *Resolution, st Strategy, target string, rc RequestContext, timeout time.Duration) bool {
	pr := r.prober.Probe(ctx, target, rc.Method, rc.RangeHeader, timeout)
	res.Attempts = append(res.Attempts, ResolutionAttempt{
		Strategy:     st,
		CandidateURL: target,
		Outcome:      pr.Kind,
		Status:       pr.Status,
		Err:          pr.Err,
	})
	r.metrics.observeAttempt(st, pr.Kind)
	r.log.Debug("probe",
		zap.String("strategy", st.String()),
		zap.String("url", target),
		zap.String("outcome", pr.Kind.String()),
		zap.Int("status", pr.Status),
		zap.Error(pr.Err),
	)
	if pr.Kind != OutcomeSuccess {
		return false
	}
	res.Strategy = st
	res.URL = target
	res.Response = pr.Resp
	return true
}

func (r *Resolver) tryDirect(ctx context.Context, rc RequestContext, res *Resolution) bool {
	target := r.opts.Origin + rc.Path
	if rc.RawQuery != "" {
		target += "?" + rc.RawQuery
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(r.opts.DirectRetryDelay)
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.opts.DirectRetries)), ctx)
	err := backoff.RetryNotify(func() error {
		if r.attempt(ctx, res, StrategyDirect, target, rc, r.opts.PrimaryTimeout) {
			return nil
		}
		return errAttemptFailed
	}, b, func(_ error, wait time.Duration) {
		r.log.Debug("direct attempt failed, retrying", zap.String("path", rc.Path), zap.Duration("wait", wait))
	})
	return err == nil
}

func (r *Resolver) tryRenew(ctx context.Context, rc RequestContext, res *Resolution) bool {
	if r.renewed != nil {
		if u, ok := r.renewed.Get(rc.Path); ok {
			if r.attempt(ctx, res, StrategyRenew, u, rc, r.opts.PrimaryTimeout) {
				return true
			}
			r.renewed.Delete(rc.Path)
		}
	}

	landingURL := r.opts.Origin + r.landingPath(rc.Path)
	doc, err := r.landing.Fetch(ctx, landingURL)
	if err != nil {
		r.log.Debug("landing page fetch failed", zap.String("url", landingURL), zap.Error(err))
		return false
	}
	ex, err := r.extractor.Extract(doc, rc.Path)
	if err != nil {
		r.log.Debug("nothing extracted from landing page", zap.String("url", landingURL), zap.Error(err))
		return false
	}

	target := ex.MediaURL
	if target == "" {
		target = deliverURL(ex.Credential, rc.Filename())
	}
	if !r.attempt(ctx, res, StrategyRenew, target, rc, r.opts.PrimaryTimeout) {
		return false
	}
	if ex.MediaURL == "" {
		r.store.InsertOrUpdate(ex.Credential)
		r.log.Info("token renewed",
			zap.String("path", rc.Path),
			zap.String("host", ex.Credential.Host),
		)
	}
	if r.renewed != nil {
		r.renewed.Put(rc.Path, target)
	}
	return true
}

func (r *Resolver) tryReplay(ctx context.Context, rc RequestContext, res *Resolution) (bool, int) {
	file := rc.Filename()
	snapshot := r.store.RankedSnapshot()
	for i, c := range snapshot {
		ok := r.attempt(ctx, res, StrategyReplay, deliverURL(c, file), rc, r.opts.FallbackTimeout)
		if !ok && ctx.Err() != nil {
			// The client left; that says nothing about the credential.
			return false, i
		}
		r.store.RecordOutcome(c, ok)
		if ok {
			return true, i + 1
		}
	}
	return false, len(snapshot)
}

func (r *Resolver) tryDirectIP(ctx context.Context, rc RequestContext, res *Resolution) bool {
	file := rc.Filename()
	for _, host := range r.store.Hosts() {
		if ctx.Err() != nil {
			return false
		}
		if r.attempt(ctx, res, StrategyDirectIP, deliverURL(Credential{Host: host}, file), rc, r.opts.FallbackTimeout) {
			return true
		}
	}
	return false
}

func (r *Resolver) mediaExt(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return ""
	}
	for _, m := range r.opts.MediaExtensions {
		if ext == m {
			return path.Ext(p)
		}
	}
	return ""
}

func (r *Resolver) isMedia(p string) bool { return r.mediaExt(p) != "" }

// landingPath strips the media extension: /series/a/b/361267.mp4 becomes
// /series/a/b/361267. Non-media paths are returned unchanged.
func (r *Resolver) landingPath(p string) string {
	return strings.TrimSuffix(p, r.mediaExt(p))
}
