// internal/broadcast/broadcaster.go

// Package broadcast fans task snapshots out to live subscribers and
// notification channels.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/valpere/MediaHarvester/internal/task"
	"github.com/valpere/MediaHarvester/internal/utils"
)

// Default configuration constants
const (
	DefaultBufferSize      = 16
	DefaultNotifyQueueSize = 256
	DefaultPushTimeout     = 5 * time.Second
	DefaultRetention       = 10 * time.Minute
)

// NotificationChannel receives every published snapshot. Pushes are best
// effort: failures are logged and never block publishing.
type NotificationChannel interface {
	Name() string
	Push(ctx context.Context, s task.Snapshot) error
}

// Config tunes buffering.
type Config struct {
	BufferSize      int           `yaml:"buffer_size" json:"buffer_size"`
	NotifyQueueSize int           `yaml:"notify_queue_size" json:"notify_queue_size"`
	PushTimeout     time.Duration `yaml:"push_timeout" json:"push_timeout"`
	Retention       time.Duration `yaml:"retention" json:"retention"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.NotifyQueueSize <= 0 {
		c.NotifyQueueSize = DefaultNotifyQueueSize
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = DefaultPushTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
}

type subscriber struct {
	id   int
	ch   chan task.Snapshot
	done chan struct{}
}

func (s *subscriber) close() {
	close(s.ch)
	close(s.done)
}

// send delivers s, dropping the oldest buffered snapshot when the buffer
// is full. Only the publisher sends, so after one drop there is room.
func (s *subscriber) send(snap task.Snapshot) (dropped bool) {
	select {
	case s.ch <- snap:
		return false
	default:
	}
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	s.ch <- snap
	return dropped
}

type topic struct {
	mu       sync.Mutex
	last     *task.Snapshot
	subs     map[int]*subscriber
	nextID   int
	finished time.Time
}

type notifier struct {
	channel NotificationChannel
	queue   chan task.Snapshot
}

// Broadcaster implements task.Publisher. Publishing is serialized per
// task and snapshots older than the last one seen are dropped.
type Broadcaster struct {
	config Config
	clock  utils.Clock
	log    utils.Logger

	mu     sync.Mutex
	topics map[string]*topic

	notifiers []*notifier
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

// WithClock overrides the time source.
func WithClock(c utils.Clock) Option {
	return func(b *Broadcaster) { b.clock = c }
}

// WithChannels adds notification channels.
func WithChannels(chs ...NotificationChannel) Option {
	return func(b *Broadcaster) {
		for _, ch := range chs {
			b.notifiers = append(b.notifiers, &notifier{channel: ch})
		}
	}
}

// New creates a broadcaster and starts one delivery worker per
// notification channel.
func New(config Config, opts ...Option) *Broadcaster {
	config.ApplyDefaults()
	b := &Broadcaster{
		config:   config,
		clock:    utils.SystemClock{},
		log:      utils.NewComponentLogger("broadcaster"),
		topics:   make(map[string]*topic),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, n := range b.notifiers {
		n.queue = make(chan task.Snapshot, config.NotifyQueueSize)
		b.wg.Add(1)
		go b.deliver(n)
	}
	return b
}

func (b *Broadcaster) deliver(n *notifier) {
	defer b.wg.Done()
	for {
		select {
		case s := <-n.queue:
			ctx, cancel := context.WithTimeout(context.Background(), b.config.PushTimeout)
			if err := n.channel.Push(ctx, s); err != nil {
				b.log.WithFields(map[string]interface{}{
					"channel": n.channel.Name(),
					"task_id": s.ID,
				}).Warnf("notification push failed: %v", err)
			}
			cancel()
		case <-b.stopChan:
			return
		}
	}
}

func (b *Broadcaster) topic(id string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[id]
	if !ok {
		t = &topic{subs: make(map[int]*subscriber)}
		b.topics[id] = t
	}
	return t
}

// Publish fans s out. Subscribers of a terminal snapshot are closed
// after it is delivered.
func (b *Broadcaster) Publish(s task.Snapshot) {
	t := b.topic(s.ID)
	t.mu.Lock()
	if t.last != nil && (s.Version < t.last.Version || t.last.Terminal()) {
		t.mu.Unlock()
		return
	}
	snap := s
	t.last = &snap
	for _, sub := range t.subs {
		if sub.send(s) {
			b.log.WithField("task_id", s.ID).Debug("subscriber buffer full, dropped oldest snapshot")
		}
	}
	if s.Terminal() {
		for id, sub := range t.subs {
			sub.close()
			delete(t.subs, id)
		}
		t.finished = b.clock.Now()
	}
	t.mu.Unlock()

	for _, n := range b.notifiers {
		select {
		case n.queue <- s:
		default:
			b.log.WithField("channel", n.channel.Name()).Warn("notification queue full, snapshot skipped")
		}
	}
	if s.Terminal() {
		b.sweep()
	}
}

// Subscribe streams snapshots of current.ID starting with the newest one
// known. The channel closes after a terminal snapshot, when ctx ends or
// when the returned func is called. Unsubscribing never affects the task.
func (b *Broadcaster) Subscribe(ctx context.Context, current task.Snapshot) (<-chan task.Snapshot, func()) {
	t := b.topic(current.ID)
	t.mu.Lock()
	if t.last == nil || current.Version > t.last.Version {
		snap := current
		t.last = &snap
	}
	sub := &subscriber{
		id:   t.nextID,
		ch:   make(chan task.Snapshot, b.config.BufferSize),
		done: make(chan struct{}),
	}
	t.nextID++
	sub.ch <- *t.last
	if t.last.Terminal() {
		close(sub.ch)
		t.mu.Unlock()
		return sub.ch, func() {}
	}
	t.subs[sub.id] = sub
	t.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.mu.Lock()
			if _, ok := t.subs[sub.id]; ok {
				delete(t.subs, sub.id)
				sub.close()
			}
			t.mu.Unlock()
		})
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				unsubscribe()
			case <-sub.done:
			case <-b.stopChan:
			}
		}()
	}
	return sub.ch, unsubscribe
}

// Subscribers returns the live subscriber count for a task.
func (b *Broadcaster) Subscribers(id string) int {
	b.mu.Lock()
	t, ok := b.topics[id]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// sweep drops finished topics older than Retention.
func (b *Broadcaster) sweep() {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.topics {
		t.mu.Lock()
		stale := !t.finished.IsZero() && now.Sub(t.finished) > b.config.Retention && len(t.subs) == 0
		t.mu.Unlock()
		if stale {
			delete(b.topics, id)
		}
	}
}

// Close stops notification workers. Pending queued pushes are dropped.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
}
