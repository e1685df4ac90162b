package maskproxy

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StoreOptions tunes ranking and capacity of a CredentialStore.
type StoreOptions struct {
	MaxEntries    int
	RecencyWindow time.Duration
	RecencyBonus  int

	// Now defaults to time.Now.
	Now func() time.Time
	// OnEvict is called with the evicted credential while the store lock is held.
	OnEvict func(Credential)
}

// CredentialStore is a bounded, concurrency-safe registry of credentials
// ranked by observed reliability.
type CredentialStore struct {
	opts StoreOptions

	mu      sync.Mutex
	entries []*Credential
	index   map[credentialKey]*Credential
	nextSeq uint64
}

func NewCredentialStore(opts StoreOptions) *CredentialStore {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 50
	}
	if opts.RecencyWindow <= 0 {
		opts.RecencyWindow = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CredentialStore{opts: opts, index: map[credentialKey]*Credential{}}
}

// InsertOrUpdate registers a credential observed to work. A known (host,
// token) pair gets its use count bumped instead of a second entry.
func (s *CredentialStore) InsertOrUpdate(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	if cur, ok := s.index[c.key()]; ok {
		cur.UseCount++
		cur.LastUsedAt = now
		if len(c.Aux) > 0 {
			cur.Aux = append(AuxParams(nil), c.Aux...)
		}
		return
	}
	c.UseCount = 1
	c.FailureCount = 0
	c.LastUsedAt = now
	s.appendLocked(c)
}

// Seed registers an untested credential. Known pairs are left untouched.
// It reports whether the credential is in the store afterwards.
func (s *CredentialStore) Seed(c Credential) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[c.key()]; ok {
		return false
	}
	c.UseCount, c.FailureCount = 0, 0
	c.LastUsedAt, c.LastTestedAt = time.Time{}, time.Time{}
	s.appendLocked(c)
	// a full store of untested entries evicts the newcomer right away
	_, kept := s.index[c.key()]
	return kept
}

func (s *CredentialStore) appendLocked(c Credential) {
	c.Aux = append(AuxParams(nil), c.Aux...)
	c.seq = s.nextSeq
	s.nextSeq++
	p := &c
	s.entries = append(s.entries, p)
	s.index[c.key()] = p

	if len(s.entries) > s.opts.MaxEntries {
		s.evictLocked()
	}
}

func (s *CredentialStore) evictLocked() {
	ranked := s.rankLocked(s.opts.Now())
	victim := ranked[len(ranked)-1]
	for i, e := range s.entries {
		if e == victim {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	delete(s.index, victim.key())
	if s.opts.OnEvict != nil {
		s.opts.OnEvict(*victim)
	}
}

// RecordOutcome updates statistics after a credential was probed. Unknown
// credentials (evicted or reset meanwhile) are ignored.
func (s *CredentialStore) RecordOutcome(c Credential, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.index[c.key()]
	if !ok {
		return
	}
	now := s.opts.Now()
	if success {
		cur.UseCount++
		cur.LastUsedAt = now
	} else {
		cur.FailureCount++
	}
	cur.LastTestedAt = now
}

// RankedSnapshot returns copies of all credentials, best first.
func (s *CredentialStore) RankedSnapshot() []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranked := s.rankLocked(s.opts.Now())
	out := make([]Credential, len(ranked))
	for i, c := range ranked {
		out[i] = *c
		out[i].Aux = append(AuxParams(nil), c.Aux...)
	}
	return out
}

func (s *CredentialStore) rankLocked(now time.Time) []*Credential {
	ranked := append([]*Credential(nil), s.entries...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := s.score(ranked[i], now), s.score(ranked[j], now)
		if si != sj {
			return si > sj
		}
		return ranked[i].seq < ranked[j].seq
	})
	return ranked
}

func (s *CredentialStore) score(c *Credential, now time.Time) int {
	v := c.UseCount*10 - c.FailureCount*5
	if !c.LastUsedAt.IsZero() && now.Sub(c.LastUsedAt) <= s.opts.RecencyWindow {
		v += s.opts.RecencyBonus
	}
	return v
}

// Score exposes the current ranking score of c.
func (s *CredentialStore) Score(c Credential) int {
	return s.score(&c, s.opts.Now())
}

// Hosts returns distinct hosts in ranking order.
func (s *CredentialStore) Hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]struct{}{}
	var out []string
	for _, c := range s.rankLocked(s.opts.Now()) {
		if _, ok := seen[c.Host]; ok {
			continue
		}
		seen[c.Host] = struct{}{}
		out = append(out, c.Host)
	}
	return out
}

func (s *CredentialStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *CredentialStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.index = map[credentialKey]*Credential{}
}

func evictionLogger(l *rateLimitedLogger) func(Credential) {
	return func(c Credential) {
		l.Info("credential store full, evicting",
			zap.String("host", c.Host),
			zap.Int("useCount", c.UseCount),
			zap.Int("failureCount", c.FailureCount),
		)
	}
}
