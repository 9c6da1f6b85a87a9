package detector

import (
	"math"
	"testing"
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/models"
)

func seedBaseline(d *Detector, service, metric string, b *Baseline) {
	sh := d.shard(service, metric)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.baselines[seriesKey(service, metric)] = b
}

func point(service, metric string, value float64) models.MetricPoint {
	return models.MetricPoint{
		Timestamp:  time.Now(),
		Service:    service,
		MetricName: metric,
		Value:      value,
	}
}

func TestObserveColdStart(t *testing.T) {
	d := New(Config{MinSamples: 10}, nil)

	for i := 0; i < 10; i++ {
		if a := d.Observe(point("checkout", "latency_ms", 1e6)); a != nil {
			t.Fatalf("sample %d: expected no anomaly during cold start, got %+v", i, a)
		}
	}
}

func TestObserveExactZScore(t *testing.T) {
	d := New(Config{MinSamples: 10}, nil)

	b := NewBaseline(1000)
	for i := 0; i < 50; i++ {
		// Alternating samples give a stable nonzero variance.
		if i%2 == 0 {
			b.Add(90)
		} else {
			b.Add(110)
		}
	}
	seedBaseline(d, "checkout", "latency_ms", b)

	mean, std := b.Mean(), b.StdDev()
	if std == 0 {
		t.Fatal("baseline std dev must be nonzero for this test")
	}

	for _, k := range []float64{2.5, 3, 4, 7.5} {
		value := mean + k*std
		a := d.Observe(point("checkout", "latency_ms", value))
		if a == nil {
			t.Fatalf("k=%v: expected anomaly", k)
		}
		if math.Abs(a.ZScore-k) > 1e-9 {
			t.Fatalf("k=%v: z-score = %v", k, a.ZScore)
		}
		if got, want := a.Severity, models.SeverityFromZScore(k); got != want {
			t.Fatalf("k=%v: severity = %v, want %v", k, got, want)
		}
		// Reseed: the observation above shifted the baseline.
		fresh := NewBaseline(1000)
		for i := 0; i < 50; i++ {
			if i%2 == 0 {
				fresh.Add(90)
			} else {
				fresh.Add(110)
			}
		}
		seedBaseline(d, "checkout", "latency_ms", fresh)
	}
}

func TestObserveBelowThreshold(t *testing.T) {
	d := New(Config{MinSamples: 10}, nil)

	b := NewBaseline(1000)
	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			b.Add(90)
		} else {
			b.Add(110)
		}
	}
	seedBaseline(d, "checkout", "latency_ms", b)

	if a := d.Observe(point("checkout", "latency_ms", b.Mean()+2*b.StdDev())); a != nil {
		t.Fatalf("z=2 is below the threshold, got %+v", a)
	}
}

func TestObserveZeroStdDev(t *testing.T) {
	d := New(Config{MinSamples: 10}, nil)

	for i := 0; i < 30; i++ {
		d.Observe(point("checkout", "qps", 100))
	}
	// Constant series: std dev is zero, deviation is treated as z = 0.
	if a := d.Observe(point("checkout", "qps", 100)); a != nil {
		t.Fatalf("value at the mean must not be anomalous, got %+v", a)
	}
	if a := d.Observe(point("checkout", "qps", 5000)); a != nil {
		t.Fatalf("zero std dev must not emit an anomaly, got %+v", a)
	}
}

func TestObserveCriticalScenario(t *testing.T) {
	d := New(Config{MinSamples: 10}, nil)

	b := &Baseline{window: 1000, count: 100, mean: 108, variance: 5.74 * 5.74}
	seedBaseline(d, "payments", "latency_ms", b)

	a := d.Observe(point("payments", "latency_ms", 1500))
	if a == nil {
		t.Fatal("expected anomaly")
	}
	if a.ZScore < 242 || a.ZScore > 243 {
		t.Fatalf("z-score = %v, want ~242.5", a.ZScore)
	}
	if a.Severity != models.SeverityCritical {
		t.Fatalf("severity = %v, want critical", a.Severity)
	}
	if a.DeviationPercent < 1280 || a.DeviationPercent > 1295 {
		t.Fatalf("deviation percent = %v, want ~1289", a.DeviationPercent)
	}
	if a.BaselineMean != 108 {
		t.Fatalf("baseline mean = %v, want pre-update mean 108", a.BaselineMean)
	}
}

func TestBaselineShiftsAfterAnomaly(t *testing.T) {
	d := New(Config{MinSamples: 10}, nil)

	b := &Baseline{window: 100, count: 100, mean: 100, variance: 25}
	seedBaseline(d, "payments", "latency_ms", b)

	if a := d.Observe(point("payments", "latency_ms", 500)); a == nil {
		t.Fatal("expected anomaly")
	}
	if b.Mean() <= 100 {
		t.Fatalf("baseline mean must absorb the anomalous point, got %v", b.Mean())
	}
}

func TestObserveLogErrorSpike(t *testing.T) {
	d := New(Config{MinSamples: 2, SpikeFlushEvery: 5}, nil)

	entry := func(level string) models.LogEntry {
		return models.LogEntry{Timestamp: time.Now(), Service: "checkout", Level: level, Message: "x"}
	}

	// Two clean windows establish a near-zero error-rate baseline.
	for i := 0; i < 10; i++ {
		if s := d.ObserveLog(entry("INFO")); s != nil {
			t.Fatalf("no spike expected while learning, got %+v", s)
		}
	}

	var spike *models.ErrorSpike
	for i := 0; i < 5; i++ {
		level := "ERROR"
		if i >= 3 {
			level = "INFO"
		}
		if s := d.ObserveLog(entry(level)); s != nil {
			spike = s
		}
	}
	if spike == nil {
		t.Fatal("expected error-rate spike")
	}
	if spike.CurrentErrorRate != 60 {
		t.Fatalf("error rate = %v, want 60", spike.CurrentErrorRate)
	}
	if spike.Severity != models.SeverityHigh {
		t.Fatalf("severity = %v, want high", spike.Severity)
	}
	if spike.ErrorCount != 3 || spike.TotalCount != 5 {
		t.Fatalf("counts = %d/%d, want 3/5", spike.ErrorCount, spike.TotalCount)
	}
}
