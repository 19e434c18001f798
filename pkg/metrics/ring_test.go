package metrics

import "testing"

func TestSampleRingSnapshotBeforeWrapping(t *testing.T) {
	r := newSampleRing(4)
	r.add(1)
	r.add(2)
	got := r.snapshot()
	want := []float64{1, 2}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSampleRingWrapsAndKeepsMostRecent(t *testing.T) {
	r := newSampleRing(3)
	r.add(1)
	r.add(2)
	r.add(3)
	r.add(4) // overwrites 1

	got := r.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected capacity-bounded snapshot of 3, got %d", len(got))
	}
	want := []float64{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected oldest-to-newest order %v, got %v", want, got)
		}
	}
}

func TestMeanOfEmptyIsZero(t *testing.T) {
	if mean(nil) != 0 {
		t.Fatal("expected mean of empty slice to be zero")
	}
}

func TestMeanComputesAverage(t *testing.T) {
	if got := mean([]float64{1, 2, 3}); got != 2 {
		t.Fatalf("expected mean 2, got %f", got)
	}
}
