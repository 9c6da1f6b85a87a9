package models

import "time"

// SignalKind enumerates the event categories flowing through the pipeline.
type SignalKind string

const (
	SignalMetric     SignalKind = "metric"
	SignalLog        SignalKind = "log"
	SignalDeployment SignalKind = "deployment"
	SignalAnomaly    SignalKind = "anomaly"
	SignalErrorSpike SignalKind = "error_spike"
	SignalFlapping   SignalKind = "flapping"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so trigger rules can compare them.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// SeverityFromZScore maps a z-score to the severity tier table.
func SeverityFromZScore(z float64) Severity {
	switch {
	case z >= 4:
		return SeverityCritical
	case z >= 3:
		return SeverityHigh
	case z >= 2.5:
		return SeverityMedium
	default:
		return SeverityNone
	}
}

// MetricPoint is a single metric sample produced by an external collector.
type MetricPoint struct {
	Timestamp  time.Time         `json:"timestamp"`
	Service    string            `json:"service"`
	MetricName string            `json:"metric_name"`
	Value      float64           `json:"value"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// LogEntry is an immutable log fact consumed for error-spike detection.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// DeploymentEvent records a deployment of a service version.
type DeploymentEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Status    string    `json:"status,omitempty"`
}

// Anomaly is a derived fact emitted when a metric deviates from its baseline.
// Never mutated after creation.
type Anomaly struct {
	Service          string    `json:"service"`
	MetricName       string    `json:"metric_name"`
	CurrentValue     float64   `json:"current_value"`
	BaselineMean     float64   `json:"baseline_mean"`
	BaselineStdDev   float64   `json:"baseline_std_dev"`
	ZScore           float64   `json:"z_score"`
	DeviationPercent float64   `json:"deviation_percent"`
	Severity         Severity  `json:"severity"`
	DetectedAt       time.Time `json:"detected_at"`
	// Labels carry over from the originating metric point for rule matching.
	Labels map[string]string `json:"labels,omitempty"`
}

// ErrorSpike is emitted when a service's error-log rate jumps well above its baseline.
type ErrorSpike struct {
	Service          string    `json:"service"`
	CurrentErrorRate float64   `json:"current_error_rate"`
	BaselineRate     float64   `json:"baseline_error_rate"`
	ErrorCount       int       `json:"error_count"`
	TotalCount       int       `json:"total_count"`
	Severity         Severity  `json:"severity"`
	DetectedAt       time.Time `json:"detected_at"`
}

// Signal is the unit the suppressor and correlator operate on. Exactly one of
// the payload pointers is set, matching Kind.
type Signal struct {
	Kind       SignalKind       `json:"kind"`
	Service    string           `json:"service"`
	At         time.Time        `json:"at"`
	Anomaly    *Anomaly         `json:"anomaly,omitempty"`
	ErrorSpike *ErrorSpike      `json:"error_spike,omitempty"`
	Deployment *DeploymentEvent `json:"deployment,omitempty"`
	Log        *LogEntry        `json:"log,omitempty"`
	// Message annotates synthesized signals such as flapping meta-signals.
	Message string `json:"message,omitempty"`
}

// Severity returns the severity carried by the signal payload, or none.
func (s Signal) Severity() Severity {
	switch {
	case s.Anomaly != nil:
		return s.Anomaly.Severity
	case s.ErrorSpike != nil:
		return s.ErrorSpike.Severity
	default:
		return SeverityNone
	}
}

// MetricName returns the metric the signal refers to, when it has one.
func (s Signal) MetricName() string {
	if s.Anomaly != nil {
		return s.Anomaly.MetricName
	}
	if s.ErrorSpike != nil {
		return "error_rate"
	}
	return ""
}
