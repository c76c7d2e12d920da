// internal/ratelimit/cooldown.go
package ratelimit

import (
	"sync"
	"time"

	"github.com/valpere/MediaHarvester/internal/utils"
)

// Kind says what a cooldown entry restricts.
type Kind string

const (
	// KindSlowDown scales an identity's rate by the slow-down factor.
	KindSlowDown Kind = "slow_down"
	// KindBlock blocks an (identity, proxy) pair outright.
	KindBlock Kind = "block"
	// KindMethod skips an extraction method.
	KindMethod Kind = "method"
	// KindProxy excludes a proxy.
	KindProxy Kind = "proxy"
)

// Entry is one time-bounded restriction.
type Entry struct {
	Kind   Kind      `json:"kind"`
	Key    string    `json:"key"`
	Reason string    `json:"reason,omitempty"`
	Until  time.Time `json:"until"`
}

// IdentityKey keys entries that apply to an identity on any proxy.
func IdentityKey(identityID string) string {
	return "identity:" + identityID
}

// PairKey keys entries that apply to one identity on one proxy. An empty
// proxy id is the direct route.
func PairKey(identityID, proxyID string) string {
	if proxyID == "" {
		proxyID = "direct"
	}
	return "pair:" + identityID + "|" + proxyID
}

// CooldownTable records adaptations until they expire.
type CooldownTable struct {
	mu      sync.Mutex
	clock   utils.Clock
	entries map[string]Entry
}

// NewCooldownTable creates an empty table.
func NewCooldownTable(clock utils.Clock) *CooldownTable {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &CooldownTable{clock: clock, entries: make(map[string]Entry)}
}

func tableKey(kind Kind, key string) string {
	return string(kind) + "#" + key
}

// Add records a restriction for d. An existing entry is only extended,
// never shortened.
func (t *CooldownTable) Add(kind Kind, key string, d time.Duration, reason string) Entry {
	until := t.clock.Now().Add(d)
	t.mu.Lock()
	defer t.mu.Unlock()
	k := tableKey(kind, key)
	if cur, ok := t.entries[k]; ok && cur.Until.After(until) {
		return cur
	}
	e := Entry{Kind: kind, Key: key, Reason: reason, Until: until}
	t.entries[k] = e
	return e
}

// Active returns the entry for (kind, key) if it has not expired.
func (t *CooldownTable) Active(kind Kind, key string) (Entry, bool) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tableKey(kind, key)]
	if !ok || !now.Before(e.Until) {
		return Entry{}, false
	}
	return e, true
}

// Purge drops expired entries and returns how many were removed.
func (t *CooldownTable) Purge() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, e := range t.entries {
		if !now.Before(e.Until) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// Entries returns the active entries.
func (t *CooldownTable) Entries() []Entry {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if now.Before(e.Until) {
			out = append(out, e)
		}
	}
	return out
}
