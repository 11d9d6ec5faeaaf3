package timeparser

import (
	"fmt"
	"time"
)

// ParseCaptureTimestamp attempts to parse a reading capture timestamp with
// the formats produced by the mobile clients and hardware readers.
func ParseCaptureTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC3339,          // Standard RFC3339
		"2006-01-02 15:04:05", // Without timezone
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss (legacy hardware readers)
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// DaysBetween returns the elapsed time between two capture timestamps in
// fractional days.
func DaysBetween(earlier, later time.Time) float64 {
	return later.Sub(earlier).Hours() / 24
}
