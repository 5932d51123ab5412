package inference

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newClockedStats(window time.Duration) (*LLMStats, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewLLMStats(window)
	s.now = clock.now
	return s, clock
}

func TestLLMStats_Latency(t *testing.T) {
	s, _ := newClockedStats(time.Hour)
	for _, ms := range []int{500, 100, 400, 200, 300} {
		s.Observe(KindEmbed, time.Duration(ms)*time.Millisecond, OutcomeOK)
	}

	lat := s.Kind(KindEmbed).Latency
	want := LatencySnapshot{Samples: 5, MinMs: 100, MaxMs: 500, AvgMs: 300, P50Ms: 300, P95Ms: 480, P99Ms: 496}
	if lat != want {
		t.Errorf("expected %+v, got %+v", want, lat)
	}
	if got := s.Kind(KindGenerate).Latency; got.Samples != 0 {
		t.Errorf("expected generate latency untouched, got %+v", got)
	}
}

func TestLLMStats_Outcomes(t *testing.T) {
	s, _ := newClockedStats(time.Hour)
	s.Observe(KindEmbed, time.Millisecond, OutcomeOK)
	s.Observe(KindEmbed, time.Millisecond, OutcomeEmpty)
	s.Observe(KindEmbed, time.Millisecond, OutcomeFailed)
	s.Retry(KindEmbed)
	s.Retry(KindEmbed)
	s.Observe(KindGenerate, time.Millisecond, OutcomeOK)
	s.Reject(KindGenerate)

	snap := s.Snapshot()
	embed := snap[KindEmbed]
	if embed.Calls != 3 || embed.Empty != 1 || embed.Failed != 1 || embed.Retries != 2 || embed.Rejected != 0 {
		t.Errorf("unexpected embed counters %+v", embed)
	}
	gen := snap[KindGenerate]
	if gen.Calls != 1 || gen.Rejected != 1 || gen.Failed != 0 {
		t.Errorf("unexpected generate counters %+v", gen)
	}
}

func TestLLMStats_SnapshotListsBothKinds(t *testing.T) {
	snap := NewLLMStats(0).Snapshot()
	if _, ok := snap[KindEmbed]; !ok {
		t.Error("expected embed in an empty snapshot")
	}
	if _, ok := snap[KindGenerate]; !ok {
		t.Error("expected generate in an empty snapshot")
	}
}

func TestLLMStats_WindowDropsOldLatencyKeepsCounters(t *testing.T) {
	s, clock := newClockedStats(time.Minute)
	s.Observe(KindGenerate, 100*time.Millisecond, OutcomeOK)

	clock.t = clock.t.Add(2 * time.Minute)
	s.Observe(KindGenerate, 200*time.Millisecond, OutcomeOK)

	snap := s.Kind(KindGenerate)
	if snap.Calls != 2 {
		t.Errorf("expected lifetime count 2, got %d", snap.Calls)
	}
	if snap.Latency.Samples != 1 || snap.Latency.MinMs != 200 {
		t.Errorf("expected only the recent sample, got %+v", snap.Latency)
	}

	clock.t = clock.t.Add(2 * time.Minute)
	if got := s.Kind(KindGenerate).Latency; got.Samples != 0 {
		t.Errorf("expected empty window, got %+v", got)
	}
}

func TestLLMStats_NegativeDurationClamped(t *testing.T) {
	s, _ := newClockedStats(time.Hour)
	s.Observe(KindEmbed, -time.Second, OutcomeOK)
	if lat := s.Kind(KindEmbed).Latency; lat.MinMs != 0 || lat.MaxMs != 0 {
		t.Errorf("expected clamped duration 0, got %+v", lat)
	}
}
