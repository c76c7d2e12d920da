// internal/orchestrator/attempt.go
package orchestrator

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/valpere/MediaHarvester/internal/strategy"
	"github.com/valpere/MediaHarvester/internal/utils"
)

// Class is how an attempt failure is handled.
type Class string

const (
	ClassSuccess   Class = "success"
	ClassTransient Class = "transient"
	ClassDetection Class = "detection"
	ClassConfig    Class = "configuration"
	ClassFatal     Class = "fatal"
	ClassCancelled Class = "cancelled"
)

// Attempt records one executor call.
type Attempt struct {
	TaskID     string        `json:"task_id"`
	Round      int           `json:"round"`
	Strategy   string        `json:"strategy"`
	Method     string        `json:"method"`
	ProxyID    string        `json:"proxy_id,omitempty"`
	IdentityID string        `json:"identity_id"`
	Outcome    Class         `json:"outcome"`
	Signature  string        `json:"signature,omitempty"`
	Latency    time.Duration `json:"latency"`
	Err        error         `json:"-"`
}

// Observer receives attempt and detection events, typically for metrics.
type Observer interface {
	AttemptFinished(a Attempt)
	DetectionMatched(sig strategy.Signature)
}

// CancelToken is a cooperative cancel flag checked between attempts.
type CancelToken struct {
	cancelled atomic.Bool
}

// Cancel sets the flag. It reports whether this call changed it.
func (t *CancelToken) Cancel() bool {
	return t.cancelled.CompareAndSwap(false, true)
}

// Cancelled reports whether Cancel was called. A nil token is never
// cancelled.
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// classify maps an attempt error to its handling class. Signature text
// is only consulted for errors that are not already typed.
func classify(err error, sigs *strategy.SignatureCatalog) (Class, *strategy.Signature) {
	switch {
	case err == nil:
		return ClassSuccess, nil
	case errors.Is(err, utils.ErrFatalExecutor):
		return ClassFatal, nil
	case errors.Is(err, utils.ErrInvalidTarget), errors.Is(err, utils.ErrInvalidConfig):
		return ClassConfig, nil
	}
	if sigs != nil {
		if sig, ok := sigs.Match(err.Error()); ok {
			return ClassDetection, &sig
		}
	}
	if errors.Is(err, utils.ErrDetection) {
		return ClassDetection, nil
	}
	return ClassTransient, nil
}

// failureLabel is the human form of the last classified failure.
func failureLabel(a Attempt) string {
	if a.Signature != "" {
		return a.Signature
	}
	switch a.Outcome {
	case ClassDetection:
		return "blocked by the platform"
	case ClassTransient:
		return "network error"
	}
	return string(a.Outcome)
}
