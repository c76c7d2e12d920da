// internal/task/task.go

// Package task tracks extraction jobs through their lifecycle and
// persists every accepted change as a snapshot.
package task

import (
	"time"

	"github.com/valpere/MediaHarvester/internal/strategy"
)

// Result is what a completed task produced.
type Result struct {
	Extraction *strategy.Result `json:"extraction"`
	Location   string           `json:"location,omitempty"`
}

// ErrorDetail is the user-facing failure of a task. Message never
// carries stack traces or pool internals.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Snapshot is the full state of a task at one version.
type Snapshot struct {
	ID        string       `json:"id"`
	Target    string       `json:"target"`
	Status    Status       `json:"status"`
	Progress  int          `json:"progress"`
	Message   string       `json:"message"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Result    *Result      `json:"result,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
	Version   int64        `json:"version"`
}

// Terminal reports whether the snapshot is final.
func (s Snapshot) Terminal() bool {
	return s.Status.IsTerminal()
}
