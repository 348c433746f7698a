// Package tools exposes the threat-hunting operations as named, independently
// invocable tools over the Wazuh client. Each tool takes a structured JSON
// argument object and returns a serializable result, so an external protocol
// layer can surface them to an AI agent without knowing Wazuh specifics.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kirisame1188/wazuh-threat-hunter/internal/types"
)

// Prometheus metrics (registered once).
var toolInvocations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hunter_tool_invocations_total",
		Help: "Total tool invocations by tool name and outcome",
	},
	[]string{"tool", "outcome"},
)

func init() {
	prometheus.MustRegister(toolInvocations)
}

// DefaultSeverityThreshold is the inclusive rule level at which an alert is
// considered high severity when the caller does not supply a threshold.
const DefaultSeverityThreshold = 10

// ValidationError reports malformed caller input to a tool.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid argument: " + e.Message
}

// SiemAPI is the subset of the Wazuh client the tool layer depends on.
type SiemAPI interface {
	ListAgents(ctx context.Context) ([]types.Agent, error)
	Alerts(ctx context.Context, q types.AlertQuery) ([]types.Alert, error)
	AgentSummary(ctx context.Context) (types.AgentSummary, error)
}

// Service implements the threat-hunting operations on top of a SiemAPI.
type Service struct {
	api SiemAPI
	log *logrus.Logger
}

// NewService creates a Service backed by api.
func NewService(api SiemAPI, log *logrus.Logger) *Service {
	return &Service{api: api, log: log}
}

// ListAgents returns all monitored hosts. A fleet with no registered agents
// yields an empty slice, not an error.
func (s *Service) ListAgents(ctx context.Context) ([]types.Agent, error) {
	agents, err := s.api.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []types.Agent{}
	}
	return agents, nil
}

// RecentAlerts returns alerts from the trailing window, newest first,
// optionally scoped to one agent. The window is validated before any network
// call is issued.
func (s *Service) RecentAlerts(ctx context.Context, windowMinutes int, agentID string) ([]types.Alert, error) {
	if windowMinutes <= 0 {
		return nil, &ValidationError{Message: fmt.Sprintf("window_minutes must be positive, got %d", windowMinutes)}
	}

	alerts, err := s.api.Alerts(ctx, types.AlertQuery{
		Window:  time.Duration(windowMinutes) * time.Minute,
		AgentID: agentID,
	})
	if err != nil {
		return nil, err
	}

	// The server is asked to sort, but ordering is part of this operation's
	// contract, so it is enforced here as well.
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
	if alerts == nil {
		alerts = []types.Alert{}
	}
	return alerts, nil
}

// FilterHighSeverity returns the alerts with severity >= threshold,
// preserving input order. The threshold is inclusive; a non-positive
// threshold falls back to DefaultSeverityThreshold. Pure, no I/O.
func FilterHighSeverity(alerts []types.Alert, threshold int) []types.Alert {
	if threshold <= 0 {
		threshold = DefaultSeverityThreshold
	}
	out := make([]types.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.Severity >= threshold {
			out = append(out, a)
		}
	}
	return out
}

// Summarize aggregates alerts into per-severity and per-agent counts. The
// result is deterministic for a given input sequence.
func Summarize(alerts []types.Alert) types.Report {
	report := types.Report{
		Total:      len(alerts),
		BySeverity: make(map[int]int),
		ByAgent:    make(map[string]int),
	}
	for _, a := range alerts {
		report.BySeverity[a.Severity]++
		report.ByAgent[a.AgentID]++
		if a.Severity > report.MaxSeverity {
			report.MaxSeverity = a.Severity
		}
	}
	return report
}

// AgentSummary returns fleet-wide connection-status counts.
func (s *Service) AgentSummary(ctx context.Context) (types.AgentSummary, error) {
	return s.api.AgentSummary(ctx)
}

// Handler executes one tool invocation against its decoded arguments.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Registry maps tool names to handlers for invocation by an external
// protocol layer.
type Registry struct {
	svc      *Service
	log      *logrus.Logger
	handlers map[string]Handler
}

// NewRegistry builds the registry with the full tool set.
func NewRegistry(svc *Service, log *logrus.Logger) *Registry {
	r := &Registry{svc: svc, log: log, handlers: make(map[string]Handler)}
	r.handlers["list_agents"] = r.listAgents
	r.handlers["get_recent_alerts"] = r.getRecentAlerts
	r.handlers["filter_high_severity"] = r.filterHighSeverity
	r.handlers["summarize"] = r.summarize
	r.handlers["get_agent_summary"] = r.getAgentSummary
	return r
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named tool with the given raw JSON arguments. An unknown
// tool name or undecodable arguments yield a ValidationError.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	handler, ok := r.handlers[name]
	if !ok {
		toolInvocations.WithLabelValues(name, "unknown").Inc()
		return nil, &ValidationError{Message: "unknown tool: " + name}
	}

	entry := r.log.WithFields(logrus.Fields{
		"tool":          name,
		"invocation_id": uuid.NewString(),
	})

	start := time.Now()
	result, err := handler(ctx, args)
	entry = entry.WithField("duration", time.Since(start).String())
	if err != nil {
		toolInvocations.WithLabelValues(name, "error").Inc()
		entry.WithError(err).Warn("Tool invocation failed")
		return nil, err
	}
	toolInvocations.WithLabelValues(name, "ok").Inc()
	entry.Debug("Tool invocation completed")
	return result, nil
}

// decodeArgs strictly decodes args into dst. A missing or empty argument
// object is allowed; unknown fields are not.
func decodeArgs(args json.RawMessage, dst any) error {
	if len(args) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ValidationError{Message: "malformed arguments: " + err.Error()}
	}
	return nil
}

func (r *Registry) listAgents(ctx context.Context, _ json.RawMessage) (any, error) {
	return r.svc.ListAgents(ctx)
}

func (r *Registry) getRecentAlerts(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		WindowMinutes int    `json:"window_minutes"`
		AgentID       string `json:"agent_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	return r.svc.RecentAlerts(ctx, in.WindowMinutes, in.AgentID)
}

func (r *Registry) filterHighSeverity(_ context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Alerts    []types.Alert `json:"alerts"`
		Threshold int           `json:"threshold"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	return FilterHighSeverity(in.Alerts, in.Threshold), nil
}

func (r *Registry) summarize(_ context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Alerts []types.Alert `json:"alerts"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	return Summarize(in.Alerts), nil
}

func (r *Registry) getAgentSummary(ctx context.Context, _ json.RawMessage) (any, error) {
	return r.svc.AgentSummary(ctx)
}
