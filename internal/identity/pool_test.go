package identity

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/valpere/MediaHarvester/internal/utils"
)

func testClock() *utils.FakeClock {
	return utils.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func singleProfile(class Class, langs ...string) []Profile {
	return []Profile{{Class: class, Platform: "Win32", UserAgent: "UA/" + string(class), Languages: langs}}
}

func TestAcquireLeastRecentlyUsed(t *testing.T) {
	clock := testClock()
	p, err := NewPool(Config{SizePerProfile: 3, Profiles: singleProfile(ClassDesktop, "en-US")}, clock)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		id, err := p.Acquire(Criteria{})
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if seen[id.ID] {
			t.Fatalf("Acquire() returned %s twice before cycling the pool", id.ID)
		}
		seen[id.ID] = true
		p.Release(id)
		clock.Advance(time.Second)
	}

	again, _ := p.Acquire(Criteria{})
	if !seen[again.ID] {
		t.Errorf("fourth Acquire() returned unknown identity %s", again.ID)
	}
	if !again.LastUsedAt.Equal(clock.Now()) {
		t.Errorf("LastUsedAt = %v, want %v", again.LastUsedAt, clock.Now())
	}
}

func TestAcquireCriteria(t *testing.T) {
	p, err := NewPool(Config{SizePerProfile: 1}, testClock())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	tests := []struct {
		name     string
		criteria Criteria
		check    func(Identity) bool
	}{
		{"class android", Criteria{Class: ClassAndroid}, func(id Identity) bool { return id.Class == ClassAndroid }},
		{"german", Criteria{Language: "de-AT"}, func(id Identity) bool { return id.PrimaryLanguage().String() == "de-DE" }},
		{"platform", Criteria{Platform: "macintel"}, func(id Identity) bool { return id.Platform == "MacIntel" }},
		{"generated japanese", Criteria{Class: ClassDesktop, Language: "ja-JP"}, func(id Identity) bool {
			return id.Class == ClassDesktop && id.LanguageTags[0] == "ja-JP"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := p.Acquire(tt.criteria)
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			if !tt.check(id) {
				t.Errorf("Acquire(%+v) = %+v", tt.criteria, id)
			}
		})
	}
}

func TestExclusiveModeNeverSharesIdentity(t *testing.T) {
	p, err := NewPool(Config{SizePerProfile: 2, MaxSize: 4, Exclusive: true, Profiles: singleProfile(ClassDesktop, "en")}, testClock())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	var (
		mu   sync.Mutex
		held = map[string]int{}
		wg   sync.WaitGroup
	)
	errs := make(chan error, 32)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id, err := p.Acquire(Criteria{})
				if errors.Is(err, ErrPoolExhausted) {
					continue
				}
				mu.Lock()
				held[id.ID]++
				if held[id.ID] > 1 {
					errs <- errors.New("identity " + id.ID + " held twice")
				}
				mu.Unlock()

				mu.Lock()
				held[id.ID]--
				mu.Unlock()
				p.Release(id)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if st := p.Stats(); st.InUse != 0 || st.Total > 4 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestExclusiveModeExhaustion(t *testing.T) {
	p, _ := NewPool(Config{SizePerProfile: 1, MaxSize: 2, Exclusive: true, Profiles: singleProfile(ClassDesktop, "en")}, testClock())

	a, err := p.Acquire(Criteria{})
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	b, err := p.Acquire(Criteria{})
	if err != nil {
		t.Fatalf("second Acquire() should generate on demand, error = %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("exclusive pool handed out the same identity twice")
	}
	if _, err := p.Acquire(Criteria{}); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("third Acquire() error = %v, want ErrPoolExhausted", err)
	}
	p.Release(a)
	if c, err := p.Acquire(Criteria{}); err != nil || c.ID != a.ID {
		t.Errorf("Acquire() after Release = %v, %v", c.ID, err)
	}
}

func TestEmptyPoolIsExhausted(t *testing.T) {
	p := &Pool{config: Config{MaxSize: 10}, clock: testClock(), byID: map[string]*slot{}}
	if _, err := p.Acquire(Criteria{}); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Acquire() on empty pool error = %v, want ErrPoolExhausted", err)
	}
}

func TestIdentityApply(t *testing.T) {
	id := New(Profile{
		Class:     ClassDesktop,
		UserAgent: "TestAgent/1.0",
		Languages: []string{"en-US", "en", "fr"},
		Cookies:   []Cookie{{Name: "CONSENT", Value: "YES+"}},
	})
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	id.Apply(req)

	if got := req.Header.Get("User-Agent"); got != "TestAgent/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
	if got := req.Header.Get("Accept-Language"); got != "en-US,en;q=0.9,fr;q=0.8" {
		t.Errorf("Accept-Language = %q", got)
	}
	if c, err := req.Cookie("CONSENT"); err != nil || c.Value != "YES+" {
		t.Errorf("CONSENT cookie = %v, %v", c, err)
	}
	if len(id.FingerprintHash) != 64 {
		t.Errorf("FingerprintHash length = %d, want 64", len(id.FingerprintHash))
	}
	if other := New(Profile{Class: ClassDesktop, UserAgent: "TestAgent/1.0"}); other.FingerprintHash == id.FingerprintHash {
		t.Error("two identities share a fingerprint hash")
	}
}

func TestDefaultIdentity(t *testing.T) {
	id := DefaultIdentity(ClassAndroid)
	if !id.Default || id.Class != ClassAndroid || id.ID != "default-android" {
		t.Errorf("DefaultIdentity() = %+v", id)
	}
}
