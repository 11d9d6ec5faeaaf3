package timeparser

import (
	"testing"
	"time"
)

func TestParseCaptureTimestamp(t *testing.T) {
	cases := []struct {
		input string
		want  time.Time
	}{
		{"2026-03-10T09:30:00Z", time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)},
		{"2026-03-10 09:30:00", time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)},
		{"10/03/2026 09:30:00", time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got, err := ParseCaptureTimestamp(c.input)
		if err != nil {
			t.Errorf("ParseCaptureTimestamp(%q) error: %v", c.input, err)
			continue
		}
		if !got.Equal(c.want) {
			t.Errorf("ParseCaptureTimestamp(%q) = %v, want %v", c.input, got, c.want)
		}
	}
}

func TestParseCaptureTimestamp_Invalid(t *testing.T) {
	if _, err := ParseCaptureTimestamp("last tuesday"); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
}

func TestDaysBetween(t *testing.T) {
	earlier := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	if got := DaysBetween(earlier, later); got != 1.5 {
		t.Errorf("DaysBetween = %f, want 1.5", got)
	}
	if got := DaysBetween(later, earlier); got != -1.5 {
		t.Errorf("reversed DaysBetween = %f, want -1.5", got)
	}
}
