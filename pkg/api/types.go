// pkg/api/types.go
package api

import (
	"time"

	"github.com/valpere/MediaHarvester/internal/strategy"
	"github.com/valpere/MediaHarvester/internal/task"
)

// Re-export types from internal packages for public API
type Task = task.Snapshot
type TaskStatus = task.Status
type TaskResult = task.Result
type TaskError = task.ErrorDetail
type Extraction = strategy.Result
type Format = strategy.Format

// Task statuses.
const (
	StatusPending     = task.StatusPending
	StatusDownloading = task.StatusDownloading
	StatusProcessing  = task.StatusProcessing
	StatusUploading   = task.StatusUploading
	StatusComplete    = task.StatusComplete
	StatusError       = task.StatusError
	StatusCancelled   = task.StatusCancelled
)

// CreateTaskRequest starts an extraction.
type CreateTaskRequest struct {
	URL string `json:"url"`
}

// CancelTaskResponse reports the outcome of a cancel request.
type CancelTaskResponse struct {
	Cancelled bool `json:"cancelled"`
	Task      Task `json:"task"`
}

// ErrorBody is the error payload of every non-2xx response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ProxyInfo is one pooled proxy as exposed by the API. Credentials are
// never included.
type ProxyInfo struct {
	ID               string     `json:"id"`
	Host             string     `json:"host"`
	Port             int        `json:"port"`
	Protocol         string     `json:"protocol"`
	Country          string     `json:"country,omitempty"`
	Score            float64    `json:"score"`
	SpeedScore       float64    `json:"speedScore"`
	ReliabilityScore float64    `json:"reliabilityScore"`
	FailCount        int        `json:"failCount"`
	Blacklisted      bool       `json:"blacklisted"`
	CooldownUntil    *time.Time `json:"cooldownUntil,omitempty"`
	LastLatencyMs    int64      `json:"lastLatencyMs,omitempty"`
}

// ProxyStats counts proxies by health state.
type ProxyStats struct {
	Total       int `json:"total"`
	Available   int `json:"available"`
	Blacklisted int `json:"blacklisted"`
	CoolingDown int `json:"coolingDown"`
}

// ProxyList is the /api/v1/proxies response.
type ProxyList struct {
	Stats   ProxyStats  `json:"stats"`
	Proxies []ProxyInfo `json:"proxies"`
}

// Event is a message on the task stream and event websockets.
type Event struct {
	Type string `json:"type"`
	Data Task   `json:"data"`
}
