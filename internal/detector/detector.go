// Package detector maintains self-learning baselines per metric series and
// emits anomalies when points deviate beyond the configured z-score threshold.
package detector

import (
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/autopilotstack/autopilot-engine/internal/models"
)

const baselineShards = 32

// Config tunes detection behaviour.
type Config struct {
	// ZScoreThreshold is the minimum z-score that counts as an anomaly.
	ZScoreThreshold float64
	// BaselineWindow is the sample-equivalent capacity of each baseline.
	BaselineWindow int
	// MinSamples is the cold-start floor below which no anomaly is emitted.
	MinSamples int
	// SpikeFlushEvery controls how many log entries accumulate per service
	// before the error rate is evaluated.
	SpikeFlushEvery int
}

func (c *Config) applyDefaults() {
	if c.ZScoreThreshold <= 0 {
		c.ZScoreThreshold = 2.5
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = 1000
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.SpikeFlushEvery <= 0 {
		c.SpikeFlushEvery = 10
	}
}

// Detector owns the baselines. Series are spread over independently locked
// shards keyed by (service, metric_name); there is no global lock.
type Detector struct {
	cfg    Config
	logger *slog.Logger
	shards [baselineShards]*shard
}

type shard struct {
	mu        sync.Mutex
	baselines map[string]*Baseline
	logStats  map[string]*logWindow
}

type logWindow struct {
	errors int
	total  int
}

// New constructs a Detector.
func New(cfg Config, logger *slog.Logger) *Detector {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{cfg: cfg, logger: logger}
	for i := range d.shards {
		d.shards[i] = &shard{
			baselines: make(map[string]*Baseline),
			logStats:  make(map[string]*logWindow),
		}
	}
	return d
}

// Observe folds a metric point into its baseline and returns an anomaly when
// the point deviates beyond the threshold. The baseline is updated with every
// accepted point regardless of anomaly status, so sustained regime changes
// shift the mean and the detector recovers on its own.
func (d *Detector) Observe(p models.MetricPoint) *models.Anomaly {
	sh := d.shard(p.Service, p.MetricName)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	key := seriesKey(p.Service, p.MetricName)
	b, ok := sh.baselines[key]
	if !ok {
		b = NewBaseline(d.cfg.BaselineWindow)
		sh.baselines[key] = b
	}

	if b.Count() < d.cfg.MinSamples {
		// Cold start: learn, emit nothing.
		b.Add(p.Value)
		return nil
	}

	mean := b.Mean()
	stdDev := b.StdDev()

	z := 0.0
	if stdDev > 0 {
		z = math.Abs(p.Value-mean) / stdDev
	}

	b.Add(p.Value)

	if z < d.cfg.ZScoreThreshold {
		return nil
	}
	severity := models.SeverityFromZScore(z)
	if severity == models.SeverityNone {
		return nil
	}

	deviationPct := 0.0
	if mean != 0 {
		deviationPct = (p.Value - mean) / mean * 100
	}

	return &models.Anomaly{
		Service:          p.Service,
		MetricName:       p.MetricName,
		CurrentValue:     p.Value,
		BaselineMean:     mean,
		BaselineStdDev:   stdDev,
		ZScore:           z,
		DeviationPercent: deviationPct,
		Severity:         severity,
		DetectedAt:       p.Timestamp,
		Labels:           p.Labels,
	}
}

// ObserveLog accumulates per-service error counters and evaluates the error
// rate against its own baseline every SpikeFlushEvery entries. Error rates are
// expected to sit near zero, so the spike rule triggers on a multiple of the
// baseline mean rather than a z-score.
func (d *Detector) ObserveLog(e models.LogEntry) *models.ErrorSpike {
	sh := d.shard(e.Service, "error_rate")
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.logStats[e.Service]
	if !ok {
		w = &logWindow{}
		sh.logStats[e.Service] = w
	}

	w.total++
	if isErrorLevel(e.Level) {
		w.errors++
	}
	if w.total < d.cfg.SpikeFlushEvery {
		return nil
	}

	errorCount, totalCount := w.errors, w.total
	w.errors, w.total = 0, 0

	rate := float64(errorCount) / float64(totalCount) * 100

	key := seriesKey(e.Service, "error_rate")
	b, ok := sh.baselines[key]
	if !ok {
		b = NewBaseline(d.cfg.BaselineWindow)
		sh.baselines[key] = b
	}

	if b.Count() < d.cfg.MinSamples {
		b.Add(rate)
		return nil
	}

	if rate > b.Mean()*3 && rate > 1.0 {
		severity := models.SeverityMedium
		if rate > 5 {
			severity = models.SeverityHigh
		}
		return &models.ErrorSpike{
			Service:          e.Service,
			CurrentErrorRate: rate,
			BaselineRate:     b.Mean(),
			ErrorCount:       errorCount,
			TotalCount:       totalCount,
			Severity:         severity,
			DetectedAt:       e.Timestamp,
		}
	}

	b.Add(rate)
	return nil
}

func (d *Detector) shard(service, metric string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(service))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(metric))
	return d.shards[h.Sum32()%baselineShards]
}

func seriesKey(service, metric string) string {
	return service + "\x00" + metric
}

func isErrorLevel(level string) bool {
	switch strings.ToUpper(level) {
	case "ERROR", "CRITICAL", "FATAL":
		return true
	default:
		return false
	}
}
