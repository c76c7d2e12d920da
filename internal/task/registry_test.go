package task

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/valpere/MediaHarvester/internal/store"
	"github.com/valpere/MediaHarvester/internal/utils"
)

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (p *recordingPublisher) Publish(s Snapshot) {
	p.mu.Lock()
	p.snaps = append(p.snaps, s)
	p.mu.Unlock()
}

func (p *recordingPublisher) All() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Snapshot(nil), p.snaps...)
}

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore, *recordingPublisher, *utils.FakeClock) {
	t.Helper()
	clock := utils.NewFakeClock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore(clock)
	pub := &recordingPublisher{}
	return NewRegistry(Config{}, st, WithClock(clock), WithPublisher(pub)), st, pub, clock
}

func TestProgressRejectedWhenLower(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.Create(ctx, "dQw4w9WgXcQ")

	if _, err := r.Transition(ctx, s.ID, StatusDownloading, 5, "downloading"); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	snap, ok, err := r.UpdateProgress(ctx, s.ID, 20, "fetching")
	if err != nil || !ok || snap.Progress != 20 {
		t.Fatalf("UpdateProgress(20) = %+v, %v, %v", snap, ok, err)
	}
	snap, ok, err = r.UpdateProgress(ctx, s.ID, 10, "late")
	if err != nil || ok {
		t.Fatalf("UpdateProgress(10) accepted = %v, err = %v", ok, err)
	}
	if snap.Progress != 20 || snap.Message != "fetching" {
		t.Errorf("snapshot after rejection = %+v", snap)
	}
}

func TestTransitionRules(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusDownloading, true},
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusUploading, false},
		{StatusDownloading, StatusProcessing, true},
		{StatusDownloading, StatusUploading, true},
		{StatusDownloading, StatusCancelled, true},
		{StatusProcessing, StatusCancelled, false},
		{StatusProcessing, StatusUploading, true},
		{StatusUploading, StatusComplete, true},
		{StatusProcessing, StatusComplete, false},
		{StatusUploading, StatusError, true},
		{StatusComplete, StatusError, false},
		{StatusError, StatusPending, false},
		{StatusCancelled, StatusDownloading, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHappyPath(t *testing.T) {
	r, st, pub, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.Create(ctx, "dQw4w9WgXcQ")

	steps := []struct {
		status Status
		pct    int
	}{
		{StatusDownloading, 5},
		{StatusProcessing, 70},
		{StatusUploading, 85},
	}
	for _, step := range steps {
		if _, err := r.Transition(ctx, s.ID, step.status, step.pct, string(step.status)); err != nil {
			t.Fatalf("Transition(%s) error = %v", step.status, err)
		}
	}
	done, err := r.Complete(ctx, s.ID, &Result{Location: "videos/dQw4w9WgXcQ.json"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.Progress != 100 || done.Result == nil {
		t.Errorf("complete snapshot = %+v", done)
	}

	raw, err := st.Get(ctx, "task:"+s.ID)
	if err != nil {
		t.Fatalf("snapshot not persisted: %v", err)
	}
	var stored map[string]interface{}
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "status", "progress", "message", "createdAt", "updatedAt", "result"} {
		if _, ok := stored[key]; !ok {
			t.Errorf("persisted snapshot missing %q", key)
		}
	}
	if _, ok := stored["error"]; ok {
		t.Error("persisted snapshot has error on success")
	}

	if got := len(pub.All()); got != 5 {
		t.Errorf("published %d snapshots, want 5", got)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.Create(ctx, "dQw4w9WgXcQ")

	if _, err := r.Fail(ctx, s.ID, utils.ErrExhausted); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if _, err := r.Fail(ctx, s.ID, errors.New("again")); err != nil {
		t.Errorf("repeated Fail() error = %v, want no-op", err)
	}
	if _, err := r.Transition(ctx, s.ID, StatusDownloading, 10, ""); !errors.Is(err, utils.ErrInvalidTransition) {
		t.Errorf("Transition() from error = %v, want invalid transition", err)
	}
	if _, err := r.Complete(ctx, s.ID, nil); !errors.Is(err, utils.ErrInvalidTransition) {
		t.Errorf("Complete() from error = %v, want invalid transition", err)
	}
	if _, ok, _ := r.UpdateProgress(ctx, s.ID, 99, ""); ok {
		t.Error("UpdateProgress() accepted on terminal task")
	}
	snap, _ := r.Get(ctx, s.ID)
	if snap.Error == nil || snap.Error.Code != string(utils.ErrCodeExhausted) {
		t.Errorf("error detail = %+v", snap.Error)
	}
}

func TestCancel(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	pending, _ := r.Create(ctx, "a")
	if _, ok, err := r.Cancel(ctx, pending.ID); !ok || err != nil {
		t.Errorf("Cancel(pending) = %v, %v", ok, err)
	}
	if _, ok, _ := r.Cancel(ctx, pending.ID); !ok {
		t.Error("Cancel(cancelled) should report true")
	}

	processing, _ := r.Create(ctx, "b")
	r.Transition(ctx, processing.ID, StatusProcessing, 70, "")
	snap, ok, err := r.Cancel(ctx, processing.ID)
	if ok || err != nil || snap.Status != StatusProcessing {
		t.Errorf("Cancel(processing) = %+v, %v, %v", snap.Status, ok, err)
	}

	if _, _, err := r.Cancel(ctx, "missing"); !errors.Is(err, utils.ErrNotFound) {
		t.Errorf("Cancel(missing) error = %v, want not found", err)
	}
}

func TestSingleTerminalTransitionUnderRace(t *testing.T) {
	r, _, pub, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.Create(ctx, "dQw4w9WgXcQ")
	r.Transition(ctx, s.ID, StatusDownloading, 5, "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				r.Fail(ctx, s.ID, utils.ErrExhausted)
			case 1:
				r.Cancel(ctx, s.ID)
			default:
				r.UpdateProgress(ctx, s.ID, i, "")
			}
		}(i)
	}
	wg.Wait()

	terminal := 0
	for _, snap := range pub.All() {
		if snap.Terminal() {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("terminal snapshots published = %d, want 1", terminal)
	}
}

func TestProgressMonotonicProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 50; run++ {
		r, _, pub, _ := newTestRegistry(t)
		ctx := context.Background()
		s, _ := r.Create(ctx, "dQw4w9WgXcQ")
		r.Transition(ctx, s.ID, StatusDownloading, 0, "")

		for i := 0; i < 30; i++ {
			r.UpdateProgress(ctx, s.ID, rng.Intn(120)-10, "")
		}

		last := -1
		var lastVersion int64
		for _, snap := range pub.All() {
			if snap.Progress < last {
				t.Fatalf("run %d: progress went from %d to %d", run, last, snap.Progress)
			}
			if snap.Version <= lastVersion {
				t.Fatalf("run %d: version went from %d to %d", run, lastVersion, snap.Version)
			}
			last, lastVersion = snap.Progress, snap.Version
		}
	}
}

func TestGetFallsBackToStore(t *testing.T) {
	r, _, _, clock := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.Create(ctx, "dQw4w9WgXcQ")
	r.Fail(ctx, s.ID, utils.ErrExhausted)

	clock.Advance(DefaultMemoryRetention + time.Minute)
	if n := r.Evict(); n != 1 {
		t.Fatalf("Evict() = %d, want 1", n)
	}
	snap, err := r.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if snap.Status != StatusError {
		t.Errorf("status = %s, want error", snap.Status)
	}

	if _, err := r.Get(ctx, "nope"); !errors.Is(err, utils.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want not found", err)
	}
}

func TestStaleVersionRejected(t *testing.T) {
	clock := utils.NewFakeClock(time.Now())
	st := store.NewMemoryStore(clock)
	a := NewRegistry(Config{}, st, WithClock(clock))
	ctx := context.Background()
	s, _ := a.Create(ctx, "dQw4w9WgXcQ")

	b := NewRegistry(Config{}, st, WithClock(clock))
	if _, err := b.Transition(ctx, s.ID, StatusDownloading, 5, "from b"); err != nil {
		t.Fatalf("b.Transition() error = %v", err)
	}
	_, err := a.Transition(ctx, s.ID, StatusProcessing, 70, "from a")
	if !errors.Is(err, utils.ErrInvalidTransition) {
		t.Errorf("stale write error = %v, want invalid transition", err)
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"dQw4w9WgXcQ", "dQw4w9WgXcQ", false},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=42", "dQw4w9WgXcQ", false},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ", false},
		{"https://m.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ", false},
		{"https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ", false},
		{"https://vimeo.com/123456", "", true},
		{"https://www.youtube.com/playlist?list=PL123", "", true},
		{"ftp://youtu.be/dQw4w9WgXcQ", "", true},
		{"short", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTarget() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, utils.ErrInvalidTarget) {
				t.Errorf("ParseTarget() error = %v, want invalid target", err)
			}
			if got != tt.want {
				t.Errorf("ParseTarget() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSameStatusTransitionMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		wantMsg string
	}{
		{name: "empty message keeps previous", msg: "", wantMsg: "downloading"},
		{name: "new message replaces previous", msg: "retrying with another proxy", wantMsg: "retrying with another proxy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _, _ := newTestRegistry(t)
			ctx := context.Background()
			s, _ := r.Create(ctx, "dQw4w9WgXcQ")
			if _, err := r.Transition(ctx, s.ID, StatusDownloading, 5, "downloading"); err != nil {
				t.Fatalf("Transition() error = %v", err)
			}

			snap, err := r.Transition(ctx, s.ID, StatusDownloading, 30, tt.msg)
			if err != nil {
				t.Fatalf("Transition() error = %v", err)
			}
			if snap.Progress != 30 || snap.Message != tt.wantMsg {
				t.Errorf("snapshot = progress %d message %q, want 30 %q", snap.Progress, snap.Message, tt.wantMsg)
			}
		})
	}
}
