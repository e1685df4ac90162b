package maskproxy

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// relayStats tracks streamed body sizes and stream outcomes.
type relayStats struct {
	streams    atomic.Uint64
	aborted    atomic.Uint64
	exhausted  atomic.Uint64
	totalBytes atomic.Uint64
	minBytes   atomic.Uint64
	maxBytes   atomic.Uint64
}

func newRelayStats() *relayStats {
	s := &relayStats{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *relayStats) ObserveStream(n int64, aborted bool) {
	if aborted {
		s.aborted.Add(1)
		return
	}
	if n < 0 {
		n = 0
	}
	v := uint64(n)

	s.streams.Add(1)
	s.totalBytes.Add(v)

	for {
		cur := s.minBytes.Load()
		if v >= cur || s.minBytes.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if v <= cur || s.maxBytes.CompareAndSwap(cur, v) {
			break
		}
	}
}

func (s *relayStats) ObserveExhausted() { s.exhausted.Add(1) }

type relayStatsSnapshot struct {
	Streams    uint64 `json:"streams"`
	Aborted    uint64 `json:"aborted"`
	Exhausted  uint64 `json:"exhausted"`
	TotalBytes uint64 `json:"totalBytes"`
	MinBytes   uint64 `json:"minBytes"`
	MaxBytes   uint64 `json:"maxBytes"`
	AvgBytes   uint64 `json:"avgBytes"`
}

func (s *relayStats) Snapshot() relayStatsSnapshot {
	out := relayStatsSnapshot{
		Streams:    s.streams.Load(),
		Aborted:    s.aborted.Load(),
		Exhausted:  s.exhausted.Load(),
		TotalBytes: s.totalBytes.Load(),
		MaxBytes:   s.maxBytes.Load(),
	}
	if out.Streams == 0 {
		return out
	}
	if minv := s.minBytes.Load(); minv != math.MaxUint64 {
		out.MinBytes = minv
	}
	out.AvgBytes = out.TotalBytes / out.Streams
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
