package dispatch

import (
	"time"

	"intake/internal/metrics"
)

// Status values carried in every outbound payload.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusRunning  = "running"
	StatusShutdown = "shutdown"
)

// SuccessPayload is published to response/<agent>/todo.
type SuccessPayload struct {
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Priority    string    `json:"priority"`
	Project     string    `json:"project"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorPayload is published to response/<agent>/error.
type ErrorPayload struct {
	Status    string    `json:"status"`
	Error     string    `json:"error"`
	Project   string    `json:"project,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusPayload answers a status command.
type StatusPayload struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Metrics   metrics.Snapshot `json:"metrics"`
}

// NewStatusPayload wraps a live snapshot.
func NewStatusPayload(snap metrics.Snapshot) StatusPayload {
	return StatusPayload{Status: StatusRunning, Timestamp: snap.Timestamp, Metrics: snap}
}

// ShutdownPayload is the final status published when draining starts.
type ShutdownPayload struct {
	Status       string           `json:"status"`
	Timestamp    time.Time        `json:"timestamp"`
	FinalMetrics metrics.Snapshot `json:"final_metrics"`
}

// NewShutdownPayload wraps the final snapshot.
func NewShutdownPayload(snap metrics.Snapshot) ShutdownPayload {
	return ShutdownPayload{Status: StatusShutdown, Timestamp: snap.Timestamp, FinalMetrics: snap}
}

// Command is the control-topic message shape.
type Command struct {
	Command string `json:"command"`
}

// Control commands.
const (
	CommandStatus   = "status"
	CommandShutdown = "shutdown"
)
