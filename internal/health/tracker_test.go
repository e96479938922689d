package health

import (
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/events"
)

func TestRecordSuccessResetsStreak(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordError("openai", "timeout")
	tr.RecordSuccess("openai", 150.0)
	tr.RecordSuccess("openai", 200.0)

	s := tr.GetStats("openai")
	if s.TotalCalls != 3 {
		t.Errorf("total calls = %d, want 3", s.TotalCalls)
	}
	if s.State != StateHealthy {
		t.Errorf("state = %s, want healthy", s.State)
	}
	if s.ConsecErrors != 0 {
		t.Errorf("consec errors = %d, want 0", s.ConsecErrors)
	}
}

func TestDegradedAfterConsecutiveErrors(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordError("openai", "timeout")
	tr.RecordError("openai", "timeout")

	if s := tr.GetStats("openai"); s.State != StateDegraded {
		t.Errorf("state = %s, want degraded", s.State)
	}
	if !tr.IsAvailable("openai") {
		t.Error("degraded provider should still be available")
	}
}

func TestDownAfterConsecutiveErrors(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 5; i++ {
		tr.RecordError("openai", "server error")
	}

	if s := tr.GetStats("openai"); s.State != StateDown {
		t.Errorf("state = %s, want down", s.State)
	}
	if tr.IsAvailable("openai") {
		t.Error("down provider should not be available during cooldown")
	}
}

func TestCooldownExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tr := NewTracker(TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     2,
		CooldownDuration:        10 * time.Second,
	}, WithClock(clock))

	tr.RecordError("p", "boom")
	tr.RecordError("p", "boom")
	if tr.IsAvailable("p") {
		t.Fatal("should be down")
	}

	now = now.Add(11 * time.Second)
	if !tr.IsAvailable("p") {
		t.Error("cooldown expired, provider should be available again")
	}
}

func TestOnChangeFiresOnTransitions(t *testing.T) {
	var transitions []string
	tr := NewTracker(DefaultConfig(), WithOnChange(func(id string, from, to State, reason string) {
		transitions = append(transitions, string(from)+">"+string(to))
	}))

	for i := 0; i < 5; i++ {
		tr.RecordError("p", "boom")
	}
	tr.RecordSuccess("p", 10)

	want := []string{"healthy>degraded", "degraded>down", "down>healthy"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestEmitConsumesProviderCalls(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Emit(&events.ProviderCall{Provider: "openai", Status: "ok", LatencyMs: 120})
	tr.Emit(&events.ProviderCall{Provider: "openai", Status: "error", ErrorMessage: "timeout"})
	tr.Emit(&events.ProviderCall{Provider: "openai", Status: "skip"})
	tr.Emit(&events.RunMetric{Status: "ok"})

	s := tr.GetStats("openai")
	if s.TotalCalls != 2 || s.TotalErrors != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.LastError != "timeout" {
		t.Errorf("last error = %q", s.LastError)
	}
	if rate := tr.ErrorRate("openai"); rate != 0.5 {
		t.Errorf("error rate = %v", rate)
	}
}

func TestUnknownProviderDefaults(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	if !tr.IsAvailable("never-seen") {
		t.Error("unknown provider should be available")
	}
	if s := tr.GetStats("never-seen"); s.State != StateHealthy {
		t.Errorf("state = %s", s.State)
	}
}
