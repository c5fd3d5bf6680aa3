package scoring

import "testing"

func approxEqual(a, b, eps float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= eps
}

func TestRecencyMonotonicallyDecreasing(t *testing.T) {
	lambda := 0.005
	prev := Recency(0, lambda)
	for _, h := range []float64{1, 10, 100, 1000, 10000} {
		cur := Recency(h, lambda)
		if cur >= prev {
			t.Fatalf("recency not strictly decreasing at h=%v: prev=%v cur=%v", h, prev, cur)
		}
		prev = cur
	}
}

func TestRecencyBounds(t *testing.T) {
	if r := Recency(0, 0.005); !approxEqual(r, 1.0, 1e-9) {
		t.Errorf("recency(0) = %v, want 1.0", r)
	}
	if r := Recency(1e9, 0.005); r < 0 || r > 1 {
		t.Errorf("recency out of bounds: %v", r)
	}
}

func TestRelevanceScenario1(t *testing.T) {
	// A new memory, no embedding comparison (sim=0.5 neutral
	// default), importance=0.8, access_count=0.
	got := Relevance(0.5, 0.8, 0)
	want := 0.50
	if !approxEqual(got, want, 1e-6) {
		t.Errorf("relevance = %v, want %v", got, want)
	}
}

func TestCombinedScenario1(t *testing.T) {
	w := Weights{Recency: 0.333, Importance: 0.333, Relevance: 0.334}
	got := Combined(1.0, 0.8, 0.50, w)
	// 0.333*1.0 + 0.333*0.8 + 0.334*0.50 = 0.7664
	want := 0.7664
	if !approxEqual(got, want, 1e-4) {
		t.Errorf("combined = %v, want %v", got, want)
	}
}

func TestCombinedWeightsMustSumToOneForInvariant(t *testing.T) {
	w := Weights{Recency: 0.333, Importance: 0.333, Relevance: 0.334}
	sum := w.Recency + w.Importance + w.Relevance
	if !approxEqual(sum, 1.0, 1e-9) {
		t.Fatalf("weights must sum to 1, got %v", sum)
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	if sim := CosineSimilarity(a, b); !approxEqual(sim, 1.0, 1e-9) {
		t.Errorf("identical vectors similarity = %v, want 1.0", sim)
	}

	c := []float32{0, 1, 0}
	if sim := CosineSimilarity(a, c); !approxEqual(sim, 0.0, 1e-9) {
		t.Errorf("orthogonal vectors similarity = %v, want 0.0", sim)
	}

	if sim := CosineSimilarity(nil, b); sim != 0 {
		t.Errorf("empty vector similarity = %v, want 0", sim)
	}
}

func TestRecallProbabilityUndefinedWhenNeverAccessed(t *testing.T) {
	_, defined := RecallProbability(nil, 1.0, 1.0)
	if defined {
		t.Fatal("expected undefined recall probability for never-accessed memory")
	}
}

func TestRecallProbabilityScenario2(t *testing.T) {
	// 800h since access, consolidation_strength=1.0, decay_rate=1.0.
	hours := 800.0
	p, defined := RecallProbability(&hours, 1.0, 1.0)
	if !defined {
		t.Fatal("expected defined recall probability")
	}
	if p > 0.01 {
		t.Errorf("p = %v, want ~0 (deep in the forgetting curve tail)", p)
	}
	if p < 0 || p > 1 {
		t.Errorf("p out of bounds: %v", p)
	}
}

func TestRecallProbabilityBoundsForFiniteInputs(t *testing.T) {
	cases := []struct{ hours, strength, decay float64 }{
		{0, 0.1, 0.001},
		{1, 10, 5},
		{1e6, 0.1, 5},
		{0.0001, 10, 0.0001},
	}
	for _, c := range cases {
		p, defined := RecallProbability(&c.hours, c.strength, c.decay)
		if !defined {
			t.Fatalf("expected defined for %+v", c)
		}
		if p < 0 || p > 1 {
			t.Errorf("p out of [0,1] for %+v: got %v", c, p)
		}
	}
}

func TestConsolidationIncrementZeroAtZeroDelta(t *testing.T) {
	// Idempotence law: Δt=0 must change nothing.
	if inc := ConsolidationIncrement(0); !approxEqual(inc, 0, 1e-9) {
		t.Errorf("increment at delta=0 = %v, want 0", inc)
	}
}

func TestConsolidationIncrementSaturates(t *testing.T) {
	inc := ConsolidationIncrement(1000)
	if inc < 0.99 || inc > 1.0 {
		t.Errorf("increment should saturate near 1.0 for large delta, got %v", inc)
	}
}

func TestUpdateConsolidationStrengthCapped(t *testing.T) {
	got := UpdateConsolidationStrength(9.95, 1000)
	if got > 10.0 {
		t.Errorf("consolidation strength exceeded cap: %v", got)
	}
}

func TestUpdateConsolidationStrengthIdempotentAtZeroDelta(t *testing.T) {
	old := 3.5
	got := UpdateConsolidationStrength(old, 0)
	if !approxEqual(got, old, 1e-9) {
		t.Errorf("strength changed at delta=0: old=%v got=%v", old, got)
	}
}

func TestTestingEffectUpdateScenario6(t *testing.T) {
	s := TestingEffectState{RetrievalStrength: 0.0, CurrentIntervalDays: 1.0, EaseFactor: 2.5}

	after := TestingEffectUpdate(s, true, 0)
	if !approxEqual(after.CurrentIntervalDays, 2.5, 1e-9) {
		t.Errorf("interval after success = %v, want 2.5", after.CurrentIntervalDays)
	}
	if !approxEqual(after.EaseFactor, 2.5, 1e-9) {
		t.Errorf("ease factor after success at ceiling = %v, want 2.5 (clamped)", after.EaseFactor)
	}
	if !approxEqual(after.RetrievalStrength, 0.1, 1e-9) {
		t.Errorf("retrieval strength after success = %v, want 0.1", after.RetrievalStrength)
	}

	failed := TestingEffectUpdate(after, false, 1.0)
	if !approxEqual(failed.CurrentIntervalDays, 1.0, 1e-9) {
		t.Errorf("interval after failure = %v, want 1.0", failed.CurrentIntervalDays)
	}
	if !approxEqual(failed.EaseFactor, 2.3, 1e-9) {
		t.Errorf("ease factor after failure = %v, want 2.3", failed.EaseFactor)
	}
}

func TestTestingEffectEaseFactorFloor(t *testing.T) {
	s := TestingEffectState{EaseFactor: 1.35, CurrentIntervalDays: 1.0}
	after := TestingEffectUpdate(s, false, 1.0)
	if after.EaseFactor != 1.3 {
		t.Errorf("ease factor = %v, want floor 1.3", after.EaseFactor)
	}
}

func TestTestingEffectRetrievalStrengthClamped(t *testing.T) {
	s := TestingEffectState{RetrievalStrength: 0.05, EaseFactor: 2.0, CurrentIntervalDays: 1.0}
	after := TestingEffectUpdate(s, false, 1.0)
	if after.RetrievalStrength < 0 {
		t.Errorf("retrieval strength went negative: %v", after.RetrievalStrength)
	}
}
