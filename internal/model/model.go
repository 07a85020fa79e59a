// Package model holds the shared domain types exchanged between the
// orchestrator, scheduler, agents, pipeline and store.
package model

import "time"

// AgentKind identifies a collector implementation.
type AgentKind string

const (
	KindAWS           AgentKind = "AWS"
	KindGCP           AgentKind = "GCP"
	KindAzure         AgentKind = "AZURE"
	KindGitHub        AgentKind = "GITHUB"
	KindWorkspace     AgentKind = "WORKSPACE"
	KindGDPR          AgentKind = "GDPR"
	KindTrustScore    AgentKind = "TRUST_SCORE"
	KindMonitor       AgentKind = "MONITOR"
	KindObservability AgentKind = "OBSERVABILITY"
)

// AgentStatus is a node in the agent lifecycle state machine.
type AgentStatus string

const (
	AgentCreated    AgentStatus = "CREATED"
	AgentStarting   AgentStatus = "STARTING"
	AgentRunning    AgentStatus = "RUNNING"
	AgentPaused     AgentStatus = "PAUSED"
	AgentDegraded   AgentStatus = "DEGRADED"
	AgentStopping   AgentStatus = "STOPPING"
	AgentStopped    AgentStatus = "STOPPED"
	AgentError      AgentStatus = "ERROR"
	AgentTerminated AgentStatus = "TERMINATED"
)

// Terminal reports whether the status is a terminal lifecycle state.
func (s AgentStatus) Terminal() bool {
	return s == AgentStopped || s == AgentTerminated
}

// legalTransitions is the full transition relation of the lifecycle state
// machine. Anything absent here is an illegal transition.
var legalTransitions = map[AgentStatus][]AgentStatus{
	AgentCreated:  {AgentStarting},
	AgentStarting: {AgentRunning, AgentError},
	AgentRunning:  {AgentDegraded, AgentPaused, AgentStopping},
	AgentDegraded: {AgentRunning, AgentError, AgentStopping},
	AgentPaused:   {AgentRunning, AgentStopping},
	AgentStopping: {AgentStopped, AgentTerminated},
	AgentError:    {AgentStopping},
}

// CanTransition reports whether from → to is a legal lifecycle transition.
func CanTransition(from, to AgentStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentMetrics are the per-agent counters reported with each heartbeat.
type AgentMetrics struct {
	InFlight      int     `json:"in_flight"`
	Collected     int64   `json:"collected"`
	Errors        int64   `json:"errors"`
	CPU           float64 `json:"cpu"`
	RSSBytes      uint64  `json:"rss_bytes"`
	LastLatencyMS int64   `json:"last_latency_ms"`
}

// Agent is a managed collector instance. Owned exclusively by the
// orchestrator; mutated only through the lifecycle transitions above.
type Agent struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	Kind            AgentKind         `json:"kind"`
	Config          map[string]string `json:"config,omitempty"`
	Status          AgentStatus       `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	LastHeartbeatAt *time.Time        `json:"last_heartbeat_at,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	ErrorCount      int               `json:"error_count"`
	Metrics         AgentMetrics      `json:"metrics"`
}

// TaskStatus tracks a task through assignment and execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskAssigned  TaskStatus = "ASSIGNED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskRetry     TaskStatus = "RETRY"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Task priorities. Lower numeric value is more urgent; ties break FIFO.
const (
	PriorityCritical = 1
	PriorityHigh     = 3
	PriorityDefault  = 5
	PriorityLow      = 10
)

// Task is a unit of work routed to an agent kind and claimed by one agent.
type Task struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	AgentID     string         `json:"agent_id,omitempty"`
	AgentKind   AgentKind      `json:"agent_kind"`
	Kind        string         `json:"kind"` // e.g. "aws.s3.scan"
	Priority    int            `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      TaskStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	NotBefore   time.Time      `json:"not_before"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}
