// internal/task/registry.go
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valpere/MediaHarvester/internal/utils"
)

// Default configuration constants
const (
	DefaultSnapshotTTL     = 24 * time.Hour
	DefaultMemoryRetention = 30 * time.Minute
	DefaultJanitorInterval = time.Minute
	DefaultKeyPrefix       = "task:"
)

// Config tunes the registry.
type Config struct {
	SnapshotTTL     time.Duration `yaml:"snapshot_ttl" json:"snapshot_ttl"`
	MemoryRetention time.Duration `yaml:"memory_retention" json:"memory_retention"`
	JanitorInterval time.Duration `yaml:"janitor_interval" json:"janitor_interval"`
	KeyPrefix       string        `yaml:"key_prefix" json:"key_prefix"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.SnapshotTTL == 0 {
		c.SnapshotTTL = DefaultSnapshotTTL
	}
	if c.MemoryRetention == 0 {
		c.MemoryRetention = DefaultMemoryRetention
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
}

// Store persists snapshots.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Publisher receives every accepted snapshot, in order per task.
type Publisher interface {
	Publish(s Snapshot)
}

type record struct {
	mu   sync.Mutex
	snap Snapshot
}

// Registry owns task state. Mutations of one task are serialized by that
// task's lock; snapshots are persisted and published under it.
type Registry struct {
	config    Config
	store     Store
	publisher Publisher
	clock     utils.Clock
	log       utils.Logger

	mu      sync.RWMutex
	records map[string]*record

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	lifeMu   sync.Mutex
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(c utils.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithPublisher sets the snapshot publisher.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// NewRegistry creates a registry backed by store.
func NewRegistry(config Config, store Store, opts ...Option) *Registry {
	config.ApplyDefaults()
	r := &Registry{
		config:  config,
		store:   store,
		clock:   utils.SystemClock{},
		log:     utils.NewComponentLogger("task-registry"),
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) key(id string) string {
	return r.config.KeyPrefix + id
}

// Create registers a pending task for target. The target must already
// be validated.
func (r *Registry) Create(ctx context.Context, target string) (Snapshot, error) {
	now := r.clock.Now()
	rec := &record{snap: Snapshot{
		ID:        uuid.NewString(),
		Target:    target,
		Status:    StatusPending,
		Message:   "queued",
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	r.mu.Lock()
	r.records[rec.snap.ID] = rec
	r.mu.Unlock()

	if err := r.persist(ctx, rec.snap); err != nil {
		r.mu.Lock()
		delete(r.records, rec.snap.ID)
		r.mu.Unlock()
		return Snapshot{}, err
	}
	r.publish(rec.snap)
	return rec.snap, nil
}

// Get returns the latest snapshot, from memory first and then the store.
func (r *Registry) Get(ctx context.Context, id string) (Snapshot, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if ok {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.snap, nil
	}
	return r.load(ctx, id)
}

func (r *Registry) load(ctx context.Context, id string) (Snapshot, error) {
	data, err := r.store.Get(ctx, r.key(id))
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return Snapshot{}, utils.NewError(utils.ErrCodeNotFound, "task not found").WithContext("task_id", id).Build()
		}
		return Snapshot{}, utils.WrapError(err, utils.ErrCodeInternal, "failed to load task snapshot")
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, utils.WrapError(err, utils.ErrCodeInternal, "corrupt task snapshot")
	}
	return s, nil
}

// lookup returns the in-memory record, reviving it from the store when
// it was evicted.
func (r *Registry) lookup(ctx context.Context, id string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if ok {
		return rec, nil
	}
	s, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		return rec, nil
	}
	rec = &record{snap: s}
	r.records[id] = rec
	return rec, nil
}

// mutate applies fn under the task lock. fn returns false to reject the
// change, in which case nothing is persisted or published.
func (r *Registry) mutate(ctx context.Context, id string, fn func(s *Snapshot) (bool, error)) (Snapshot, bool, error) {
	rec, err := r.lookup(ctx, id)
	if err != nil {
		return Snapshot{}, false, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	next := rec.snap
	ok, err := fn(&next)
	if err != nil || !ok {
		return rec.snap, false, err
	}
	next.UpdatedAt = r.clock.Now()
	next.Version = rec.snap.Version + 1
	if err := r.persist(ctx, next); err != nil {
		return rec.snap, false, err
	}
	rec.snap = next
	r.publish(next)
	return next, true, nil
}

// persist writes s unless the store already holds a newer version.
func (r *Registry) persist(ctx context.Context, s Snapshot) error {
	if s.Version > 1 {
		if stored, err := r.load(ctx, s.ID); err == nil && stored.Version >= s.Version {
			return utils.NewError(utils.ErrCodeInvalidTransition, "stale task snapshot").
				WithContext("task_id", s.ID).
				WithContext("stored_version", stored.Version).
				WithContext("version", s.Version).
				Build()
		}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return utils.WrapError(err, utils.ErrCodeInternal, "failed to encode task snapshot")
	}
	if err := r.store.SetWithTTL(ctx, r.key(s.ID), data, r.config.SnapshotTTL); err != nil {
		return utils.WrapError(err, utils.ErrCodeInternal, "failed to persist task snapshot")
	}
	return nil
}

func (r *Registry) publish(s Snapshot) {
	if r.publisher != nil {
		r.publisher.Publish(s)
	}
	if s.Terminal() {
		fields := map[string]interface{}{"task_id": s.ID, "status": string(s.Status)}
		if s.Error != nil {
			fields["error_code"] = s.Error.Code
		}
		r.log.WithFields(fields).Info("task finished")
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// UpdateProgress records progress within the current status. Lower
// progress and updates to terminal tasks are logged and ignored.
func (r *Registry) UpdateProgress(ctx context.Context, id string, pct int, msg string) (Snapshot, bool, error) {
	pct = clampProgress(pct)
	return r.mutate(ctx, id, func(s *Snapshot) (bool, error) {
		if s.Terminal() || pct < s.Progress {
			r.log.WithFields(map[string]interface{}{
				"task_id":  id,
				"status":   string(s.Status),
				"current":  s.Progress,
				"rejected": pct,
			}).Debug("progress update rejected")
			return false, nil
		}
		s.Progress = pct
		if msg != "" {
			s.Message = msg
		}
		return true, nil
	})
}

// Transition moves a task to a non-terminal status. Progress never goes
// backwards across the move.
func (r *Registry) Transition(ctx context.Context, id string, to Status, pct int, msg string) (Snapshot, error) {
	if to.IsTerminal() {
		return Snapshot{}, fmt.Errorf("use Complete, Fail or Cancel for %s", to)
	}
	pct = clampProgress(pct)
	snap, _, err := r.mutate(ctx, id, func(s *Snapshot) (bool, error) {
		if s.Status == to {
			if pct < s.Progress {
				return false, nil
			}
			s.Progress = pct
			if msg != "" {
				s.Message = msg
			}
			return true, nil
		}
		if !CanTransition(s.Status, to) {
			return false, invalidTransition(s.ID, s.Status, to)
		}
		s.Status = to
		if pct > s.Progress {
			s.Progress = pct
		}
		s.Message = msg
		return true, nil
	})
	return snap, err
}

// Complete finishes a task successfully. Completing a complete task is a
// no-op.
func (r *Registry) Complete(ctx context.Context, id string, result *Result) (Snapshot, error) {
	snap, _, err := r.mutate(ctx, id, func(s *Snapshot) (bool, error) {
		if s.Status == StatusComplete {
			return false, nil
		}
		if !CanTransition(s.Status, StatusComplete) {
			return false, invalidTransition(s.ID, s.Status, StatusComplete)
		}
		s.Status = StatusComplete
		s.Progress = 100
		s.Message = "complete"
		s.Result = result
		return true, nil
	})
	return snap, err
}

// Fail moves a task to Error with a message safe to show users. Failing
// a task that already failed is a no-op.
func (r *Registry) Fail(ctx context.Context, id string, cause error) (Snapshot, error) {
	snap, _, err := r.mutate(ctx, id, func(s *Snapshot) (bool, error) {
		if s.Status == StatusError {
			return false, nil
		}
		if s.Terminal() {
			return false, invalidTransition(s.ID, s.Status, StatusError)
		}
		msg := utils.UserMessage(cause)
		s.Status = StatusError
		s.Message = msg
		s.Error = &ErrorDetail{Code: string(utils.CodeOf(cause)), Message: msg}
		return true, nil
	})
	return snap, err
}

// Cancel moves a pending or downloading task to Cancelled. It reports
// whether the task is now cancelled.
func (r *Registry) Cancel(ctx context.Context, id string) (Snapshot, bool, error) {
	snap, changed, err := r.mutate(ctx, id, func(s *Snapshot) (bool, error) {
		if !s.Status.Cancellable() {
			return false, nil
		}
		s.Status = StatusCancelled
		s.Message = "cancelled by request"
		return true, nil
	})
	if err != nil {
		return snap, false, err
	}
	return snap, changed || snap.Status == StatusCancelled, nil
}

func invalidTransition(id string, from, to Status) error {
	return utils.NewError(utils.ErrCodeInvalidTransition, fmt.Sprintf("cannot move task from %s to %s", from, to)).
		WithContext("task_id", id).
		Build()
}

// Active returns the number of in-memory tasks that are not terminal.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		rec.mu.Lock()
		if !rec.snap.Terminal() {
			n++
		}
		rec.mu.Unlock()
	}
	return n
}

// Evict drops terminal tasks idle longer than MemoryRetention from
// memory. Their snapshots stay in the store until TTL.
func (r *Registry) Evict() int {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rec := range r.records {
		rec.mu.Lock()
		stale := rec.snap.Terminal() && now.Sub(rec.snap.UpdatedAt) > r.config.MemoryRetention
		rec.mu.Unlock()
		if stale {
			delete(r.records, id)
			removed++
		}
	}
	return removed
}

// Start runs the eviction janitor. It is a no-op if already running.
func (r *Registry) Start() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := r.Evict(); n > 0 {
					r.log.Debugf("evicted %d finished tasks from memory", n)
				}
			case <-r.stopChan:
				return
			}
		}
	}()
}

// Stop halts the janitor and waits for it to exit.
func (r *Registry) Stop() {
	r.lifeMu.Lock()
	if !r.running {
		r.lifeMu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	r.lifeMu.Unlock()
	r.wg.Wait()
}
