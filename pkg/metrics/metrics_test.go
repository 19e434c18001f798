package metrics

import (
	"testing"
	"time"
)

type fakeSizeProvider struct {
	total, max int64
}

func (f fakeSizeProvider) TotalBytes() int64 { return f.total }
func (f fakeSizeProvider) MaxBytes() int64   { return f.max }

func TestRecordHitMissUpdatesSnapshot(t *testing.T) {
	c := New(fakeSizeProvider{0, 100}, []string{"inputs"})
	c.RecordHit("inputs")
	c.RecordHit("inputs")
	c.RecordMiss("inputs")

	snap := c.Snapshot(time.Now())
	if snap.Hits != 2 || snap.Misses != 1 {
		t.Fatalf("unexpected hits/misses: %+v", snap)
	}
	if snap.HitRate < 0.66 || snap.HitRate > 0.67 {
		t.Fatalf("unexpected hit rate: %f", snap.HitRate)
	}
}

func TestStatusEscalatesWithUtilization(t *testing.T) {
	c := New(fakeSizeProvider{96, 100}, []string{"inputs"})
	snap := c.Snapshot(time.Now())
	if snap.Status != StatusCritical {
		t.Fatalf("expected critical status at 96%% utilization, got %s", snap.Status)
	}

	c2 := New(fakeSizeProvider{85, 100}, []string{"inputs"})
	snap2 := c2.Snapshot(time.Now())
	if snap2.Status != StatusWarning {
		t.Fatalf("expected warning status at 85%% utilization, got %s", snap2.Status)
	}

	c3 := New(fakeSizeProvider{10, 100}, []string{"inputs"})
	snap3 := c3.Snapshot(time.Now())
	if snap3.Status != StatusHealthy {
		t.Fatalf("expected healthy status at 10%% utilization, got %s", snap3.Status)
	}
}

func TestStatusEscalatesOnErrorRate(t *testing.T) {
	c := New(fakeSizeProvider{0, 100}, []string{"inputs"})
	for i := 0; i < 20; i++ {
		c.RecordWrite("inputs", 10, time.Millisecond)
	}
	for i := 0; i < 2; i++ {
		c.RecordError("inputs")
	}
	snap := c.Snapshot(time.Now())
	if snap.Status != StatusCritical {
		t.Fatalf("expected critical status with >5%% error rate, got %s", snap.Status)
	}
}

func TestSetSizeProviderIsUsedByUtilization(t *testing.T) {
	c := New(nil, []string{"inputs"})
	if c.utilization() != 0 {
		t.Fatalf("expected zero utilization with nil size provider, got %f", c.utilization())
	}
	c.SetSizeProvider(fakeSizeProvider{50, 100})
	if c.utilization() != 50 {
		t.Fatalf("expected 50%% utilization after SetSizeProvider, got %f", c.utilization())
	}
}

func TestShouldExportFiresOnWriteCountThreshold(t *testing.T) {
	c := New(fakeSizeProvider{0, 100}, []string{"inputs"}, WithExportEvery(3, time.Hour))
	now := time.Now()
	if c.ShouldExport(now) {
		t.Fatal("should not export with zero writes yet")
	}
	c.RecordWrite("inputs", 1, time.Millisecond)
	c.RecordWrite("inputs", 1, time.Millisecond)
	c.RecordWrite("inputs", 1, time.Millisecond)
	if !c.ShouldExport(now) {
		t.Fatal("expected export to fire after reaching write threshold")
	}
	if c.ShouldExport(now) {
		t.Fatal("expected writes-since-export counter to reset after firing")
	}
}

func TestHealthRecommendsActionWhenUtilizationHigh(t *testing.T) {
	c := New(fakeSizeProvider{97, 100}, []string{"inputs"})
	report := c.Health(time.Now())
	if len(report.Recommendations) == 0 {
		t.Fatal("expected at least one recommendation at high utilization")
	}
}

func TestHealthReportsNoActionWhenHealthy(t *testing.T) {
	c := New(fakeSizeProvider{5, 100}, []string{"inputs"})
	report := c.Health(time.Now())
	if len(report.Recommendations) != 1 || report.Recommendations[0] != "no action needed" {
		t.Fatalf("expected single no-action recommendation, got %v", report.Recommendations)
	}
}

func TestExportJSONProducesValidSnapshot(t *testing.T) {
	c := New(fakeSizeProvider{0, 100}, []string{"inputs"})
	b, err := c.ExportJSON(time.Now())
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("expected non-empty JSON export")
	}
}

func TestUnknownStageIsRecordedLazily(t *testing.T) {
	c := New(fakeSizeProvider{0, 100}, []string{"inputs"})
	c.RecordHit("never-declared")
	snap := c.Snapshot(time.Now())
	found := false
	for _, s := range snap.Stages {
		if s.Stage == "never-declared" && s.Hits == 1 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected lazily-allocated stage stat to appear in snapshot")
	}
}
