// Package hunter runs the background hunt loop: poll recent alerts from the
// SIEM on an interval, keep the high-severity subset, log each one, and
// optionally publish it for downstream consumers.
package hunter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kirisame1188/wazuh-threat-hunter/internal/tools"
	"github.com/kirisame1188/wazuh-threat-hunter/internal/types"
)

// Prometheus metrics (registered once).
var (
	huntCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hunter_hunt_cycles_total",
			Help: "Total hunt cycles by outcome",
		},
		[]string{"outcome"},
	)
	highSeverityAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hunter_high_severity_alerts_total",
			Help: "High-severity alerts observed by the hunt loop",
		},
		[]string{"rule_id"},
	)
	publishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hunter_publish_failures_total",
			Help: "Alert publications that failed",
		},
	)
)

func init() {
	prometheus.MustRegister(huntCycles)
	prometheus.MustRegister(highSeverityAlerts)
	prometheus.MustRegister(publishFailures)
}

// Publisher publishes a high-severity alert to a subject. *nats.Conn
// satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config for the hunt loop.
type Config struct {
	Interval          time.Duration
	WindowMinutes     int
	SeverityThreshold int
	Subject           string
}

// Hunter polls the tool layer and fans out high-severity alerts.
type Hunter struct {
	cfg Config
	svc *tools.Service
	log *logrus.Logger
	pub Publisher

	// seen tracks already-reported alert IDs so overlapping poll windows do
	// not re-report. Entries are pruned once they age out of the window.
	seen map[string]time.Time
}

// New creates a Hunter. pub may be nil, in which case alerts are only logged.
func New(cfg Config, svc *tools.Service, pub Publisher, log *logrus.Logger) *Hunter {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = 10
	}
	if cfg.SeverityThreshold <= 0 {
		cfg.SeverityThreshold = tools.DefaultSeverityThreshold
	}
	return &Hunter{
		cfg:  cfg,
		svc:  svc,
		log:  log,
		pub:  pub,
		seen: make(map[string]time.Time),
	}
}

// Run executes hunt cycles until ctx is cancelled.
func (h *Hunter) Run(ctx context.Context) {
	h.log.WithFields(logrus.Fields{
		"interval":  h.cfg.Interval.String(),
		"window":    h.cfg.WindowMinutes,
		"threshold": h.cfg.SeverityThreshold,
	}).Info("Hunt loop started")

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.Info("Hunt loop stopped")
			return
		case <-ticker.C:
			h.hunt(ctx)
		}
	}
}

func (h *Hunter) hunt(ctx context.Context) {
	alerts, err := h.svc.RecentAlerts(ctx, h.cfg.WindowMinutes, "")
	if err != nil {
		huntCycles.WithLabelValues("error").Inc()
		h.log.WithError(err).Warn("Hunt cycle failed")
		return
	}
	huntCycles.WithLabelValues("ok").Inc()

	h.prune()
	for _, alert := range tools.FilterHighSeverity(alerts, h.cfg.SeverityThreshold) {
		if _, ok := h.seen[alert.ID]; ok {
			continue
		}
		h.seen[alert.ID] = alert.Timestamp
		h.report(alert)
	}
}

func (h *Hunter) report(alert types.Alert) {
	highSeverityAlerts.WithLabelValues(alert.RuleID).Inc()
	h.log.WithFields(logrus.Fields{
		"alert_id":    alert.ID,
		"rule_id":     alert.RuleID,
		"severity":    alert.Severity,
		"agent_id":    alert.AgentID,
		"agent_name":  alert.AgentName,
		"description": alert.Description,
	}).Warn("HIGH SEVERITY ALERT")

	if h.pub == nil {
		return
	}
	data, err := json.Marshal(alert)
	if err != nil {
		publishFailures.Inc()
		h.log.WithError(err).Error("Failed to marshal alert for publication")
		return
	}
	if err := h.pub.Publish(h.cfg.Subject, data); err != nil {
		publishFailures.Inc()
		h.log.WithError(err).WithField("alert_id", alert.ID).Error("Failed to publish alert")
	}
}

// prune drops seen entries older than twice the poll window.
func (h *Hunter) prune() {
	cutoff := time.Now().Add(-2 * time.Duration(h.cfg.WindowMinutes) * time.Minute)
	for id, ts := range h.seen {
		if ts.Before(cutoff) {
			delete(h.seen, id)
		}
	}
}
