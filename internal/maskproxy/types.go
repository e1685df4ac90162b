package maskproxy

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Credential is one known way of reaching the media origin.
type Credential struct {
	Host  string
	Token string
	Aux   AuxParams

	UseCount     int
	FailureCount int
	LastUsedAt   time.Time
	LastTestedAt time.Time

	// insertion sequence, used to break score ties
	seq uint64
}

type credentialKey struct{ host, token string }

func (c Credential) key() credentialKey { return credentialKey{c.Host, c.Token} }

// AuxParam is a named opaque query parameter carried next to the token.
type AuxParam struct {
	Name  string
	Value string
}

// AuxParams keeps the order in which parameters appear in deliver URLs.
type AuxParams []AuxParam

func (p AuxParams) Get(name string) string {
	for _, kv := range p {
		if kv.Name == name {
			return kv.Value
		}
	}
	return ""
}

// RequestContext is one inbound request being resolved.
type RequestContext struct {
	// Path is kept escaped so upstream URLs carry it unchanged.
	Path        string
	RawQuery    string
	RangeHeader string
	Method      string

	// Strategies limits which steps of the cascade run. Zero means all.
	Strategies strategySet
}

// Filename is the last path segment, e.g. "361267.mp4".
func (rc RequestContext) Filename() string {
	i := strings.LastIndexByte(rc.Path, '/')
	return rc.Path[i+1:]
}

type Strategy int

const (
	StrategyDirect Strategy = iota
	StrategyRenew
	StrategyReplay
	StrategyDirectIP
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyRenew:
		return "renew"
	case StrategyReplay:
		return "replay"
	case StrategyDirectIP:
		return "directip"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

func parseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "direct":
		return StrategyDirect, nil
	case "renew":
		return StrategyRenew, nil
	case "replay":
		return StrategyReplay, nil
	case "directip":
		return StrategyDirectIP, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

type strategySet uint8

const allStrategies = strategySet(1<<StrategyDirect | 1<<StrategyRenew | 1<<StrategyReplay | 1<<StrategyDirectIP)

func (s strategySet) with(st Strategy) strategySet { return s | 1<<st }

func (s strategySet) without(st Strategy) strategySet { return s &^ (1 << st) }

func (s strategySet) has(st Strategy) bool {
	if s == 0 {
		s = allStrategies
	}
	return s&(1<<st) != 0
}

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeHard
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeHard:
		return "hard"
	}
	return "unknown"
}

// ProbeResult classifies a single upstream fetch. Resp is only set on
// success and must be closed by the caller.
type ProbeResult struct {
	Kind   OutcomeKind
	Status int
	Resp   *http.Response
	Err    error
}

// ResolutionAttempt records one try within the cascade.
type ResolutionAttempt struct {
	Strategy     Strategy
	CandidateURL string
	Outcome      OutcomeKind
	Status       int
	Err          error
}

var (
	// ErrNoToken is returned by extractors when the document carries no token.
	ErrNoToken = errors.New("no token in landing page")
	// ErrNoHost is returned when a token was found but no deliver host is known.
	ErrNoHost = errors.New("no deliver host for token")

	ErrCascadeExhausted = errors.New("cascade exhausted")
)

// CascadeExhaustedError is the terminal failure of a resolution.
type CascadeExhaustedError struct {
	Path             string
	Attempts         int
	CredentialsTried int
}

func (e *CascadeExhaustedError) Error() string {
	return fmt.Sprintf("no working upstream for %s after %d attempts (%d credentials tried)", e.Path, e.Attempts, e.CredentialsTried)
}

func (e *CascadeExhaustedError) Is(target error) bool { return target == ErrCascadeExhausted }
