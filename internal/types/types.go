// Package types defines the fixed value types that raw Wazuh API responses
// are mapped into at the client boundary, shared by the tool layer and the
// HTTP API.
package types

import (
	"strings"
	"time"
)

// AgentStatus is the normalized connection status of a monitored host.
type AgentStatus string

const (
	AgentActive         AgentStatus = "active"
	AgentDisconnected   AgentStatus = "disconnected"
	AgentNeverConnected AgentStatus = "never_connected"
)

// NormalizeAgentStatus maps a raw Wazuh status string onto the enumerated
// set. Wazuh reports "pending" for agents that registered but have not yet
// completed a handshake; those have never really connected. Anything
// unrecognized is treated as disconnected.
func NormalizeAgentStatus(raw string) AgentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return AgentActive
	case "never_connected", "never connected", "pending":
		return AgentNeverConnected
	default:
		return AgentDisconnected
	}
}

// Agent is a monitored host registered with the Wazuh manager.
type Agent struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	IP       string      `json:"ip,omitempty"`
	Status   AgentStatus `json:"status"`
	LastSeen time.Time   `json:"last_seen,omitempty"`
}

// Alert is a single flagged security event. Severity is the Wazuh rule
// level; higher means more severe.
type Alert struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Severity    int       `json:"severity"`
	RuleID      string    `json:"rule_id"`
	Description string    `json:"description"`
	AgentID     string    `json:"agent_id"`
	AgentName   string    `json:"agent_name,omitempty"`
}

// AlertQuery is the immutable filter criteria for an alert search. A zero
// AgentID means all agents; a zero Limit means the server default.
type AlertQuery struct {
	Window  time.Duration
	AgentID string
	Limit   int
}

// AgentSummary holds fleet-wide connection-status counts.
type AgentSummary struct {
	Active         int `json:"active"`
	Disconnected   int `json:"disconnected"`
	NeverConnected int `json:"never_connected"`
	Pending        int `json:"pending"`
	Total          int `json:"total"`
}

// Report is a deterministic aggregation over a set of alerts: counts per
// severity level and per source agent.
type Report struct {
	Total       int            `json:"total"`
	MaxSeverity int            `json:"max_severity"`
	BySeverity  map[int]int    `json:"by_severity"`
	ByAgent     map[string]int `json:"by_agent"`
}
