// internal/task/status.go
package task

// Status is a task lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusUploading   Status = "uploading"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:     {StatusDownloading, StatusProcessing, StatusError, StatusCancelled},
	StatusDownloading: {StatusProcessing, StatusUploading, StatusError, StatusCancelled},
	StatusProcessing:  {StatusUploading, StatusError},
	StatusUploading:   {StatusComplete, StatusError},
}

// IsTerminal reports whether nothing may follow s.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusProcessing, StatusUploading,
		StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether a task in s may still be cancelled.
func (s Status) Cancellable() bool {
	return CanTransition(s, StatusCancelled)
}
