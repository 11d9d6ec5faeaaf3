package anomaly

import (
	"fmt"
	"time"

	"github.com/smhunt/meterscience-verify-worker/internal/db"
	"github.com/smhunt/meterscience-verify-worker/tools/timeparser"
)

// Baseline is the meter history a new reading is judged against. Previous is
// nil for the first reading of a meter; MedianDailyRate is zero when fewer
// than the configured number of historical readings exist.
type Baseline struct {
	Previous        *PreviousReading
	MedianDailyRate float64
	HistoryCount    int
}

// PreviousReading is the meter's last accepted reading
type PreviousReading struct {
	NumericValue float64
	CapturedAt   time.Time
}

// Classification is the detector's decision for a new reading
type Classification struct {
	Status         string
	FlagReason     string
	UsageSinceLast *float64
	DaysSinceLast  *float64
}

// Detector classifies new readings with configurable thresholds
type Detector struct {
	spikeMultiple        float64
	minHistoryForSpike   int
	queueConfidence      float64
	autoVerifyConfidence float64
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeMultiple float64, minHistoryForSpike int, queueConfidence, autoVerifyConfidence float64) *Detector {
	return &Detector{
		spikeMultiple:        spikeMultiple,
		minHistoryForSpike:   minHistoryForSpike,
		queueConfidence:      queueConfidence,
		autoVerifyConfidence: autoVerifyConfidence,
	}
}

// Classify decides the initial verification status of a reading.
//
// Negative usage always flags: meters are monotonic absent replacement, so a
// decrease means a rollback or misread digits. A daily usage rate exceeding
// the configured multiple of the meter's trailing median daily rate also
// flags. A missing baseline is treated as "no anomaly signal", never an
// error. Clean readings route by OCR confidence: high enough to auto-verify,
// low enough to need community votes, or pending in between.
func (d *Detector) Classify(value, confidence float64, capturedAt time.Time, baseline Baseline) Classification {
	c := Classification{Status: db.StatusPending}

	if baseline.Previous != nil {
		usage := value - baseline.Previous.NumericValue
		days := timeparser.DaysBetween(baseline.Previous.CapturedAt, capturedAt)
		c.UsageSinceLast = &usage
		c.DaysSinceLast = &days

		if usage < 0 {
			c.Status = db.StatusFlagged
			c.FlagReason = fmt.Sprintf("reading decreased from previous: %.2f -> %.2f", baseline.Previous.NumericValue, value)
			return c
		}

		if days > 0 && baseline.MedianDailyRate > 0 && baseline.HistoryCount >= d.minHistoryForSpike {
			rate := usage / days
			if rate > d.spikeMultiple*baseline.MedianDailyRate {
				c.Status = db.StatusFlagged
				c.FlagReason = fmt.Sprintf("daily usage %.2f exceeds %.1fx trailing median %.2f",
					rate, d.spikeMultiple, baseline.MedianDailyRate)
				return c
			}
		}
	}

	switch {
	case confidence >= d.autoVerifyConfidence:
		c.Status = db.StatusVerified
	case confidence < d.queueConfidence:
		c.Status = db.StatusQueued
	}

	return c
}
