package anomaly_test

import (
	"testing"
	"time"

	"github.com/smhunt/meterscience-verify-worker/internal/anomaly"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
)

const (
	testSpikeMultiple   = 5.0
	testMinHistory      = 3
	testQueueConfidence = 0.85
	testAutoVerifyConf  = 0.97
)

func newTestDetector() *anomaly.Detector {
	return anomaly.NewDetector(testSpikeMultiple, testMinHistory, testQueueConfidence, testAutoVerifyConf)
}

func baselineWith(prevValue float64, daysAgo float64, medianRate float64, history int) anomaly.Baseline {
	return anomaly.Baseline{
		Previous: &anomaly.PreviousReading{
			NumericValue: prevValue,
			CapturedAt:   time.Now().Add(-time.Duration(daysAgo * 24 * float64(time.Hour))),
		},
		MedianDailyRate: medianRate,
		HistoryCount:    history,
	}
}

func TestClassify_NegativeUsageAlwaysFlagged(t *testing.T) {
	detector := newTestDetector()

	// High confidence must not rescue a meter rollback
	c := detector.Classify(950, 0.99, time.Now(), baselineWith(1000, 7, 10, 5))

	if c.Status != db.StatusFlagged {
		t.Errorf("Expected status flagged, got %s", c.Status)
	}
	if c.FlagReason == "" {
		t.Error("Expected flag reason for negative usage")
	}
	if c.UsageSinceLast == nil || *c.UsageSinceLast != -50 {
		t.Errorf("Expected usage -50, got %v", c.UsageSinceLast)
	}
}

func TestClassify_SpikeFlagged(t *testing.T) {
	detector := newTestDetector()

	// 700 usage over 7 days = 100/day, median is 10/day, 5x threshold = 50/day
	c := detector.Classify(1700, 0.95, time.Now(), baselineWith(1000, 7, 10, 5))

	if c.Status != db.StatusFlagged {
		t.Errorf("Expected status flagged for spike, got %s", c.Status)
	}
}

func TestClassify_AutoVerifyHighConfidence(t *testing.T) {
	detector := newTestDetector()

	// 70 usage over 7 days = 10/day, exactly the median
	c := detector.Classify(1070, 0.98, time.Now(), baselineWith(1000, 7, 10, 5))

	if c.Status != db.StatusVerified {
		t.Errorf("Expected auto-verify, got %s", c.Status)
	}
}

func TestClassify_LowConfidenceQueued(t *testing.T) {
	detector := newTestDetector()

	c := detector.Classify(1070, 0.70, time.Now(), baselineWith(1000, 7, 10, 5))

	if c.Status != db.StatusQueued {
		t.Errorf("Expected queued for low confidence, got %s", c.Status)
	}
}

func TestClassify_MidConfidencePending(t *testing.T) {
	detector := newTestDetector()

	c := detector.Classify(1070, 0.90, time.Now(), baselineWith(1000, 7, 10, 5))

	if c.Status != db.StatusPending {
		t.Errorf("Expected pending for mid confidence, got %s", c.Status)
	}
}

func TestClassify_MissingBaselineNoAnomalySignal(t *testing.T) {
	detector := newTestDetector()

	c := detector.Classify(1000, 0.99, time.Now(), anomaly.Baseline{})

	if c.Status != db.StatusVerified {
		t.Errorf("Expected auto-verify without baseline, got %s", c.Status)
	}
	if c.UsageSinceLast != nil {
		t.Error("Expected no usage delta without previous reading")
	}
}

func TestClassify_InsufficientHistoryNoSpikeDetection(t *testing.T) {
	detector := newTestDetector()

	// Huge rate but only 2 historical readings; spike detection needs 3
	c := detector.Classify(2000, 0.95, time.Now(), baselineWith(1000, 1, 10, 2))

	if c.Status == db.StatusFlagged {
		t.Error("Should not flag spike with insufficient historical data")
	}
}

func TestClassify_ZeroMedianNoSpikeDetection(t *testing.T) {
	detector := newTestDetector()

	c := detector.Classify(1100, 0.95, time.Now(), baselineWith(1000, 1, 0, 5))

	if c.Status == db.StatusFlagged {
		t.Error("Should not flag spike when trailing median is 0")
	}
}
