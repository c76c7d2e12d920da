package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/valpere/MediaHarvester/internal/utils"
)

type fakeProber struct {
	err     error
	latency time.Duration
	calls   int
}

func (f *fakeProber) Probe(context.Context, Endpoint) (time.Duration, error) {
	f.calls++
	return f.latency, f.err
}

func newTestPool(t *testing.T, clock *utils.FakeClock, prober Prober, eps ...EndpointConfig) *Pool {
	t.Helper()
	p, err := NewPool(Config{Endpoints: eps}, WithClock(clock), WithProber(prober))
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	return p
}

func setScores(p *Pool, id string, speed, reliability float64) {
	e := p.entries[id]
	e.mu.Lock()
	e.ep.SpeedScore = speed
	e.ep.ReliabilityScore = reliability
	e.mu.Unlock()
}

func testClock() *utils.FakeClock {
	return utils.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestSelectPrefersHigherScore(t *testing.T) {
	p := newTestPool(t, testClock(), &fakeProber{},
		EndpointConfig{Host: "10.0.0.1", Port: 8080},
		EndpointConfig{Host: "10.0.0.2", Port: 8080},
	)
	a, b := EndpointID("10.0.0.1", 8080), EndpointID("10.0.0.2", 8080)
	setScores(p, a, 90, 90)
	setScores(p, b, 50, 50)

	ep, ok := p.Select(Criteria{})
	if !ok {
		t.Fatal("Select() returned no endpoint")
	}
	if ep.ID != a {
		t.Errorf("Select() = %s, want %s", ep.ID, a)
	}
	if got := p.Score(ep); got != 90 {
		t.Errorf("Score() = %v, want 90", got)
	}
}

func TestSelectTieBreaksOnID(t *testing.T) {
	p := newTestPool(t, testClock(), &fakeProber{},
		EndpointConfig{Host: "10.0.0.9", Port: 3128},
		EndpointConfig{Host: "10.0.0.1", Port: 3128},
		EndpointConfig{Host: "10.0.0.5", Port: 3128},
	)
	for i := 0; i < 5; i++ {
		ep, _ := p.Select(Criteria{})
		if ep.ID != "10.0.0.1:3128" {
			t.Fatalf("iteration %d: Select() = %s, want 10.0.0.1:3128", i, ep.ID)
		}
	}
}

func TestBlacklistAndReinstate(t *testing.T) {
	clock := testClock()
	prober := &fakeProber{latency: 100 * time.Millisecond}
	p := newTestPool(t, clock, prober, EndpointConfig{Host: "10.0.0.1", Port: 8080})
	id := EndpointID("10.0.0.1", 8080)

	for i := 0; i < 3; i++ {
		p.ReportOutcome(id, false, 0)
	}

	ep, _ := p.Get(id)
	if !ep.Blacklisted {
		t.Fatal("endpoint not blacklisted after 3 failures")
	}
	if ep.FailCount != 3 {
		t.Errorf("FailCount = %d, want 3", ep.FailCount)
	}
	if ep.ReliabilityScore != 35 {
		t.Errorf("ReliabilityScore = %v, want 35", ep.ReliabilityScore)
	}
	if want := clock.Now().Add(DefaultBaseCooldown); !ep.CooldownUntil.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", ep.CooldownUntil, want)
	}
	if _, ok := p.Select(Criteria{}); ok {
		t.Fatal("Select() returned a blacklisted endpoint")
	}

	// Before the cooldown elapses the health worker leaves it alone.
	if res := p.CheckNow(context.Background()); len(res) != 0 {
		t.Fatalf("CheckNow() probed %d endpoints before cooldown", len(res))
	}

	clock.Advance(DefaultBaseCooldown)
	res := p.CheckNow(context.Background())
	if len(res) != 1 || !res[0].Reinstated {
		t.Fatalf("CheckNow() = %+v, want one reinstated endpoint", res)
	}

	ep, ok := p.Select(Criteria{})
	if !ok || ep.ID != id {
		t.Fatalf("Select() after reinstatement = %v, %v", ep.ID, ok)
	}
	if ep.FailCount != 0 || ep.Blacklisted {
		t.Errorf("reinstated endpoint state = %+v", ep)
	}
	if ep.SpeedScore != 100 {
		t.Errorf("SpeedScore = %v, want 100 for fast probe", ep.SpeedScore)
	}
}

func TestFailedProbeExtendsCooldown(t *testing.T) {
	clock := testClock()
	prober := &fakeProber{err: errors.New("connection refused")}
	p := newTestPool(t, clock, prober, EndpointConfig{Host: "10.0.0.1", Port: 8080})
	id := EndpointID("10.0.0.1", 8080)

	for i := 0; i < 3; i++ {
		p.ReportOutcome(id, false, 0)
	}
	clock.Advance(DefaultBaseCooldown)
	p.CheckNow(context.Background())

	ep, _ := p.Get(id)
	if !ep.Blacklisted {
		t.Fatal("endpoint reinstated despite failed probe")
	}
	if ep.FailCount != 4 {
		t.Errorf("FailCount = %d, want 4", ep.FailCount)
	}
	if want := clock.Now().Add(2 * DefaultBaseCooldown); !ep.CooldownUntil.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", ep.CooldownUntil, want)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	p := newTestPool(t, testClock(), &fakeProber{})
	tests := []struct {
		failCount int
		want      time.Duration
	}{
		{3, time.Minute},
		{4, 2 * time.Minute},
		{6, 8 * time.Minute},
		{8, DefaultMaxCooldown},
		{200, DefaultMaxCooldown},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.failCount); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.failCount, got, tt.want)
		}
	}
}

func TestReportOutcomeKeepsScoresInBounds(t *testing.T) {
	p := newTestPool(t, testClock(), &fakeProber{}, EndpointConfig{Host: "10.0.0.1", Port: 8080})
	id := EndpointID("10.0.0.1", 8080)

	for i := 0; i < 100; i++ {
		p.ReportOutcome(id, true, 10*time.Millisecond)
	}
	ep, _ := p.Get(id)
	if ep.ReliabilityScore != 100 || ep.SpeedScore != 100 {
		t.Errorf("scores after successes = %v/%v, want 100/100", ep.SpeedScore, ep.ReliabilityScore)
	}

	for i := 0; i < 100; i++ {
		p.ReportOutcome(id, false, 0)
	}
	ep, _ = p.Get(id)
	if ep.ReliabilityScore != 0 {
		t.Errorf("ReliabilityScore after failures = %v, want 0", ep.ReliabilityScore)
	}

	p.ReportOutcome(id, true, 10*time.Second)
	ep, _ = p.Get(id)
	if ep.SpeedScore != 0 {
		t.Errorf("SpeedScore for slow success = %v, want 0", ep.SpeedScore)
	}
	if ep.Blacklisted || ep.FailCount != 0 {
		t.Errorf("success did not reset failure state: %+v", ep)
	}
}

func TestSelectNeverReturnsCoolingDownEndpoint(t *testing.T) {
	clock := testClock()
	p := newTestPool(t, clock, &fakeProber{},
		EndpointConfig{Host: "10.0.0.1", Port: 1},
		EndpointConfig{Host: "10.0.0.2", Port: 2},
		EndpointConfig{Host: "10.0.0.3", Port: 3},
	)
	ids := []string{"10.0.0.1:1", "10.0.0.2:2", "10.0.0.3:3"}

	for round := 0; round < 50; round++ {
		id := ids[round%len(ids)]
		p.ReportOutcome(id, round%4 == 0, time.Duration(round)*10*time.Millisecond)
		clock.Advance(7 * time.Second)

		ep, ok := p.Select(Criteria{})
		if !ok {
			continue
		}
		if ep.Blacklisted || clock.Now().Before(ep.CooldownUntil) {
			t.Fatalf("round %d: Select() returned cooling-down endpoint %+v", round, ep)
		}
	}
}

func TestSelectCriteria(t *testing.T) {
	clock := testClock()
	p := newTestPool(t, clock, &fakeProber{},
		EndpointConfig{Host: "de.example", Port: 1, Country: "DE"},
		EndpointConfig{Host: "us.example", Port: 1, Country: "US"},
	)
	setScores(p, "us.example:1", 90, 90)
	setScores(p, "de.example:1", 40, 40)

	t.Run("country match", func(t *testing.T) {
		ep, _ := p.Select(Criteria{Country: "de"})
		if ep.ID != "de.example:1" {
			t.Errorf("Select(DE) = %s", ep.ID)
		}
	})

	t.Run("country fallback", func(t *testing.T) {
		ep, ok := p.Select(Criteria{Country: "JP"})
		if !ok || ep.ID != "us.example:1" {
			t.Errorf("Select(JP) = %s, %v, want fallback to best overall", ep.ID, ok)
		}
	})

	t.Run("exclude", func(t *testing.T) {
		ep, _ := p.Select(Criteria{Exclude: map[string]bool{"us.example:1": true}})
		if ep.ID != "de.example:1" {
			t.Errorf("Select(exclude us) = %s", ep.ID)
		}
	})

	t.Run("recently used", func(t *testing.T) {
		first, _ := p.Select(Criteria{})
		second, ok := p.Select(Criteria{ExcludeRecentlyUsedWithin: time.Minute})
		if ok && second.ID == first.ID {
			t.Errorf("Select() reused %s within exclusion window", first.ID)
		}
		clock.Advance(2 * time.Minute)
		third, _ := p.Select(Criteria{ExcludeRecentlyUsedWithin: time.Minute})
		if third.ID != "us.example:1" {
			t.Errorf("Select() after window = %s", third.ID)
		}
	})

	t.Run("max latency", func(t *testing.T) {
		p.ReportOutcome("us.example:1", true, 3*time.Second)
		ep, _ := p.Select(Criteria{MaxLatency: time.Second})
		if ep.ID != "de.example:1" {
			t.Errorf("Select(max latency) = %s", ep.ID)
		}
	})
}

func TestMergeKeepsScores(t *testing.T) {
	p := newTestPool(t, testClock(), &fakeProber{}, EndpointConfig{Host: "10.0.0.1", Port: 8080})
	setScores(p, "10.0.0.1:8080", 77, 66)

	added := p.Merge([]EndpointConfig{
		{Host: "10.0.0.1", Port: 8080},
		{Host: "10.0.0.2", Port: 8080, Protocol: "socks5"},
		{Host: "", Port: 1},
	})
	if added != 1 {
		t.Errorf("Merge() added %d, want 1", added)
	}
	ep, _ := p.Get("10.0.0.1:8080")
	if ep.SpeedScore != 77 || ep.ReliabilityScore != 66 {
		t.Errorf("Merge() reset scores: %+v", ep)
	}
	if s := p.Stats(); s.Total != 2 || s.Available != 2 {
		t.Errorf("Stats() = %+v", s)
	}
}
