// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package task defines the shared vocabulary for work items, their
// outcomes, and tier health reporting. Every other component speaks in
// these types; none of them carry behavior beyond construction helpers.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Priority classifies how urgently a task should be dequeued.
type Priority string

const (
	// PriorityCritical is served before everything else
	PriorityCritical Priority = "critical"
	// PriorityHigh is served before normal and low work
	PriorityHigh Priority = "high"
	// PriorityNormal is the default for unclassified work
	PriorityNormal Priority = "normal"
	// PriorityLow is background work that may starve under sustained load
	PriorityLow Priority = "low"
)

// Priorities lists all priorities in dequeue order, most urgent first.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is one of the recognized priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Task is a unit of work routed through the fallback chain.
type Task struct {
	// ID uniquely identifies the task across tiers
	ID string `json:"id"`

	// Type names the kind of work ("tool", "navigate", ...); tiers use it to dispatch
	Type string `json:"type"`

	// Tool is the dynamic handler to invoke when Type is "tool"
	Tool string `json:"tool,omitempty"`

	// Args is the raw JSON argument payload handed to the handler
	Args map[string]interface{} `json:"args,omitempty"`

	// Priority selects the queue bucket
	Priority Priority `json:"priority"`

	// Timeout bounds a single execution attempt
	Timeout time.Duration `json:"timeout"`

	// Retries is the number of full-chain re-dispatches allowed
	Retries int `json:"retries"`

	// RetriesLeft counts down from Retries and never exceeds it. Zero on
	// submission means unset and is topped up to the full budget; submit
	// a negative value to start with no retries.
	RetriesLeft int `json:"retries_left"`

	// CreatedAt is when the task entered the system
	CreatedAt time.Time `json:"created_at"`

	// Source identifies the upstream caller
	Source string `json:"source,omitempty"`

	// Context carries caller-supplied metadata passed through to handlers
	Context map[string]interface{} `json:"context,omitempty"`
}

// New creates a task with a fresh id, normal priority, and sane defaults.
func New(taskType string) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Priority:  PriorityNormal,
		Timeout:   30 * time.Second,
		CreatedAt: time.Now(),
	}
}

// Result is the immutable outcome of one task, produced exactly once.
type Result struct {
	// TaskID ties the result back to its task
	TaskID string `json:"task_id"`

	// Success is false for task-level and transport-level failures alike
	Success bool `json:"success"`

	// Data is the handler's output when Success is true
	Data interface{} `json:"data,omitempty"`

	// Error describes the failure when Success is false
	Error string `json:"error,omitempty"`

	// ExecutedBy is the tier that produced this result
	ExecutedBy string `json:"executed_by"`

	// ExecutionTime is wall time spent producing the result
	ExecutionTime time.Duration `json:"execution_time"`

	// FallbackUsed is true when more than one tier was attempted
	FallbackUsed bool `json:"fallback_used"`

	// FallbackChain lists the tiers attempted, in order
	FallbackChain []string `json:"fallback_chain,omitempty"`
}

// HealthState is the coarse status a tier reports about itself.
type HealthState string

const (
	// StateHealthy means the tier is fully operational
	StateHealthy HealthState = "healthy"
	// StateDegraded means operational but impaired
	StateDegraded HealthState = "degraded"
	// StateUnhealthy means the tier should not receive work
	StateUnhealthy HealthState = "unhealthy"
	// StateStarting means the tier is still booting
	StateStarting HealthState = "starting"
)

// ServerHealth is the payload a tier returns from GET /health.
type ServerHealth struct {
	// Role names the tier ("fast", "standard", "adaptive")
	Role string `json:"role"`

	// Status is the tier's self-reported state
	Status HealthState `json:"status"`

	// Uptime is seconds since the tier process started
	Uptime float64 `json:"uptime"`

	// Load is the tier's current load factor (0.0-1.0)
	Load float64 `json:"load"`

	// TasksProcessed counts completed tasks since start
	TasksProcessed int64 `json:"tasks_processed"`

	// TasksQueued counts tasks waiting on the tier
	TasksQueued int64 `json:"tasks_queued"`

	// TasksFailed counts failed tasks since start
	TasksFailed int64 `json:"tasks_failed"`

	// LastError is the most recent error message, if any
	LastError string `json:"last_error,omitempty"`

	// MemoryBytes is the tier's current heap usage
	MemoryBytes uint64 `json:"memory_bytes"`
}

// ToolDefinition describes a loadable task handler.
type ToolDefinition struct {
	// Name is the handler's unique registration name
	Name string `json:"name"`

	// Description is a human-readable summary of what the handler does
	Description string `json:"description,omitempty"`

	// InputSchema is a JSON-schema-shaped description of expected args
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// IssueSeverity ranks a scanner finding.
type IssueSeverity string

const (
	// SeverityError blocks admission
	SeverityError IssueSeverity = "error"
	// SeverityWarning is reported but never blocks
	SeverityWarning IssueSeverity = "warning"
)

// ScanIssue is a single finding from the admission scanner.
type ScanIssue struct {
	// Severity is error (blocking) or warning (advisory)
	Severity IssueSeverity `json:"severity"`

	// Message explains what was matched
	Message string `json:"message"`

	// Pattern is the construct that matched
	Pattern string `json:"pattern"`

	// Line is the 1-based source line of the match, 0 when unknown
	Line int `json:"line,omitempty"`
}

// ScanResult is the admission scanner's verdict over one source file.
type ScanResult struct {
	// Safe is true only when no error-severity issues were found
	Safe bool `json:"safe"`

	// Issues lists every finding, blocking and advisory alike
	Issues []ScanIssue `json:"issues,omitempty"`
}

// SnapshotTrigger records why a snapshot was taken.
type SnapshotTrigger string

const (
	// TriggerManual is an operator-requested snapshot
	TriggerManual SnapshotTrigger = "manual"
	// TriggerAuto is taken by the supervisor on crash events
	TriggerAuto SnapshotTrigger = "auto"
	// TriggerPreRollback is the safety snapshot taken before every restore
	TriggerPreRollback SnapshotTrigger = "pre-rollback"
)

// SnapshotMeta is the sidecar metadata written next to every snapshot.
type SnapshotMeta struct {
	// ID is the snapshot directory name, "<name>-<unix-ms>"
	ID string `json:"id"`

	// Name is the caller-supplied label
	Name string `json:"name"`

	// CreatedAt is the snapshot creation time
	CreatedAt time.Time `json:"created_at"`

	// Size is the total byte size of the snapshot contents
	Size int64 `json:"size"`

	// ToolCount is the number of tool files captured
	ToolCount int `json:"tool_count"`

	// Trigger records why the snapshot was taken
	Trigger SnapshotTrigger `json:"trigger"`
}
