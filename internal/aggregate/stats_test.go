package aggregate

import "testing"

func TestMean(t *testing.T) {
	if got := Mean([]float64{2, 4, 6}); got != 4 {
		t.Errorf("Mean = %f, want 4", got)
	}
	if got := Mean(nil); got != 0 {
		t.Errorf("Mean of empty = %f, want 0", got)
	}
}

func TestMedian_UnsortedInput(t *testing.T) {
	if got := Median([]float64{9, 1, 5}); got != 5 {
		t.Errorf("Median = %f, want 5", got)
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	cases := []struct {
		q    float64
		want float64
	}{
		{0.25, 30},
		{0.5, 60},
		{0.75, 80},
		{0.90, 100},
		{0, 10},
		{1, 100},
	}
	for _, c := range cases {
		if got := Percentile(values, c.q); got != c.want {
			t.Errorf("Percentile(%.2f) = %f, want %f", c.q, got, c.want)
		}
	}
}

func TestPercentile_DoesNotMutateInput(t *testing.T) {
	values := []float64{3, 1, 2}
	Percentile(values, 0.5)
	if values[0] != 3 || values[1] != 1 || values[2] != 2 {
		t.Error("Percentile mutated its input")
	}
}
