package api

import (
	"encoding/json"
	"time"
)

// v0 wire types shared between the agent and the controller.

// Kind selects which external tool a task maps to. The set is closed:
// the controller may only schedule tools the agent ships adapters for.
type Kind string

const (
	KindScan    Kind = "scan"
	KindFuzz    Kind = "fuzz"
	KindCapture Kind = "capture"
)

// Outcome classifies how a task terminated.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeToolError     Outcome = "tool_error"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeLaunchFailure Outcome = "launch_failure"
)

// TaskSpec is one unit of controller-issued work. Args are opaque to the
// agent; the controller owns their semantic validation.
type TaskSpec struct {
	ID          string    `json:"id"`
	Tool        Kind      `json:"tool"`
	Args        []string  `json:"args"`
	Timeout     int       `json:"timeout_seconds"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// TaskPage is the poll response body.
type TaskPage struct {
	Tasks []TaskSpec `json:"tasks"`
}

// Result is the terminal report for one task. Exactly one Result is
// eventually submitted per admitted task (at-least-once; the controller
// de-duplicates by TaskID).
type Result struct {
	ReportID        string  `json:"report_id"`
	TaskID          string  `json:"task_id"`
	Outcome         Outcome `json:"outcome"`
	ExitCode        int     `json:"exit_code"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	StdoutTruncated bool    `json:"stdout_truncated,omitempty"`
	StderrTruncated bool    `json:"stderr_truncated,omitempty"`
	Duration        int64   `json:"duration_ms"`
	// Findings carries tool-specific structured output extracted by the
	// adapter (open ports, discovered paths). Empty for raw-only tools.
	Findings []Finding `json:"findings,omitempty"`
	// Artifact describes a file produced by the tool (e.g. a capture file)
	// after it has been delivered to the artifact drop.
	Artifact *ArtifactRef `json:"artifact,omitempty"`
}

// Finding is one normalized item extracted from raw tool output.
type Finding struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Extra string `json:"extra,omitempty"`
}

// ArtifactRef points at an uploaded artifact and its integrity checksum.
type ArtifactRef struct {
	RemotePath string `json:"remote_path"`
	SHA256     string `json:"sha256"`
	SizeBytes  int64  `json:"size_bytes"`
}

// RegisterRequest announces the agent to the controller at startup.
type RegisterRequest struct {
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	Platform string `json:"platform"` // linux, darwin or windows
	Version  string `json:"version"`
}

type RegisterResponse struct {
	AgentID string `json:"agent_id"`
}

// Capability reports whether one tool binary is usable on this host.
type Capability struct {
	Tool      Kind   `json:"tool"`
	Binary    string `json:"binary"`
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
}

type CapabilityReport struct {
	AgentID      string       `json:"agent_id"`
	Capabilities []Capability `json:"capabilities"`
}

// HeartbeatRequest carries the agent's current load.
type HeartbeatRequest struct {
	AgentID string    `json:"agent_id"`
	Running int       `json:"running"`
	Queued  int       `json:"queued"`
	Time    time.Time `json:"time"`
}

// Envelope is the controller's generic response wrapper. Data holds the
// payload on success; Title holds the error description otherwise.
type Envelope struct {
	Code  int             `json:"code"`
	Data  json.RawMessage `json:"data,omitempty"`
	Title string          `json:"title,omitempty"`
}
