package validator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smhunt/meterscience-verify-worker/tools/timeparser"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
}

// ReadingData represents an incoming meter reading before classification
type ReadingData struct {
	RawValue        string
	NormalizedValue string
	Confidence      float64
	CapturedAt      string
}

// Validator handles reading validation with configurable parameters
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateReadingData validates a single incoming reading. It returns the
// parsed numeric value and capture timestamp alongside the outcome.
func (v *Validator) ValidateReadingData(reading ReadingData, receivedAt time.Time) (float64, time.Time, ValidationResult) {
	result := ValidationResult{IsValid: true}

	value, err := ParseMeterValue(reading.NormalizedValue)
	if err != nil {
		result.IsValid = false
		result.Reason = fmt.Sprintf("invalid reading value: %v", err)
		return 0, time.Time{}, result
	}

	if reading.Confidence < 0 || reading.Confidence > 1 {
		result.IsValid = false
		result.Reason = fmt.Sprintf("confidence %.3f outside [0,1]", reading.Confidence)
		return value, time.Time{}, result
	}

	capturedAt, err := timeparser.ParseCaptureTimestamp(reading.CapturedAt)
	if err != nil {
		result.IsValid = false
		result.Reason = fmt.Sprintf("invalid capture timestamp: %v", err)
		return value, time.Time{}, result
	}

	// Readings captured in the future are clock skew from the client;
	// clamp to the server receive time rather than reject.
	if capturedAt.After(receivedAt) {
		capturedAt = receivedAt
	}

	return value, capturedAt, result
}

// ParseMeterValue parses a meter display value such as "0950" or "12345.6"
// into a numeric reading. Leading zeros from OCR are preserved in the string
// form but irrelevant numerically.
func ParseMeterValue(s string) (float64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty value")
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("not a meter value: %q", s)
	}
	return value, nil
}
