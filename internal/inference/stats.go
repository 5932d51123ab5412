package inference

import (
	"slices"
	"sync"
	"time"
)

// CallKind names a backend endpoint tracked by LLMStats.
type CallKind string

const (
	KindEmbed    CallKind = "embed"
	KindGenerate CallKind = "generate"
)

// Outcome is how a finished call turned out for the pipeline.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeFailed is an error after retries.
	OutcomeFailed
	// OutcomeEmpty is an embed answer without a vector.
	OutcomeEmpty
)

// LatencySnapshot aggregates the call durations inside the rolling window.
type LatencySnapshot struct {
	Samples int     `json:"samples"`
	MinMs   int64   `json:"min_ms"`
	MaxMs   int64   `json:"max_ms"`
	AvgMs   float64 `json:"avg_ms"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	P99Ms   float64 `json:"p99_ms"`
}

// KindSnapshot reports one call kind. Counters cover the client's lifetime;
// latency covers the rolling window only.
type KindSnapshot struct {
	Calls    int64           `json:"calls"`
	Failed   int64           `json:"failed"`
	Empty    int64           `json:"empty"`
	Rejected int64           `json:"rejected"`
	Retries  int64           `json:"retries"`
	Latency  LatencySnapshot `json:"latency"`
}

type timing struct {
	at time.Time
	ms int64
}

type kindStats struct {
	timings  []timing
	calls    int64
	failed   int64
	empty    int64
	rejected int64
	retries  int64
}

// LLMStats counts backend calls per kind and what the pipeline could not use.
type LLMStats struct {
	mu     sync.Mutex
	window time.Duration
	kinds  map[CallKind]*kindStats
	now    func() time.Time
}

func NewLLMStats(window time.Duration) *LLMStats {
	if window <= 0 {
		window = time.Hour
	}
	return &LLMStats{
		window: window,
		kinds: map[CallKind]*kindStats{
			KindEmbed:    {},
			KindGenerate: {},
		},
		now: time.Now,
	}
}

func (s *LLMStats) kindLocked(kind CallKind) *kindStats {
	k, ok := s.kinds[kind]
	if !ok {
		k = &kindStats{}
		s.kinds[kind] = k
	}
	return k
}

// Observe records one finished call.
func (s *LLMStats) Observe(kind CallKind, elapsed time.Duration, outcome Outcome) {
	ms := max(elapsed.Milliseconds(), 0)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.kindLocked(kind)
	k.calls++
	switch outcome {
	case OutcomeFailed:
		k.failed++
	case OutcomeEmpty:
		k.empty++
	}
	k.timings = append(prune(k.timings, now.Add(-s.window)), timing{at: now, ms: ms})
}

// Retry counts one retried attempt.
func (s *LLMStats) Retry(kind CallKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kindLocked(kind).retries++
}

// Reject counts a successful response the caller could not use, such as a
// summary that fails to parse.
func (s *LLMStats) Reject(kind CallKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kindLocked(kind).rejected++
}

// Kind returns the snapshot of a single call kind.
func (s *LLMStats) Kind(kind CallKind) KindSnapshot {
	return s.Snapshot()[kind]
}

// Snapshot returns every tracked kind.
func (s *LLMStats) Snapshot() map[CallKind]KindSnapshot {
	cutoff := s.now().Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[CallKind]KindSnapshot, len(s.kinds))
	for kind, k := range s.kinds {
		k.timings = prune(k.timings, cutoff)
		out[kind] = KindSnapshot{
			Calls:    k.calls,
			Failed:   k.failed,
			Empty:    k.empty,
			Rejected: k.rejected,
			Retries:  k.retries,
			Latency:  latency(k.timings),
		}
	}
	return out
}

// prune drops timings older than cutoff. Timings are in arrival order.
func prune(ts []timing, cutoff time.Time) []timing {
	i := 0
	for i < len(ts) && ts[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func latency(ts []timing) LatencySnapshot {
	if len(ts) == 0 {
		return LatencySnapshot{}
	}
	ms := make([]int64, len(ts))
	var sum int64
	for i, t := range ts {
		ms[i] = t.ms
		sum += t.ms
	}
	slices.Sort(ms)
	return LatencySnapshot{
		Samples: len(ms),
		MinMs:   ms[0],
		MaxMs:   ms[len(ms)-1],
		AvgMs:   float64(sum) / float64(len(ms)),
		P50Ms:   quantile(ms, 0.50),
		P95Ms:   quantile(ms, 0.95),
		P99Ms:   quantile(ms, 0.99),
	}
}

// quantile interpolates linearly between the two closest ranks.
func quantile(sorted []int64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	i := int(pos)
	if i >= len(sorted)-1 {
		return float64(sorted[len(sorted)-1])
	}
	return float64(sorted[i]) + (pos-float64(i))*float64(sorted[i+1]-sorted[i])
}
