// internal/identity/pool.go
package identity

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"github.com/valpere/MediaHarvester/internal/utils"
)

var poolLogger = utils.NewComponentLogger("identity-pool")

// ErrPoolExhausted is returned by Acquire when no identity can be handed
// out. Callers fall back to DefaultIdentity.
var ErrPoolExhausted = utils.NewError(utils.ErrCodeResourceExhausted, "identity pool exhausted").
	WithRetryable(true).Build()

// Config controls pool size and hand-out policy.
type Config struct {
	SizePerProfile int       `yaml:"size_per_profile" json:"size_per_profile"`
	MaxSize        int       `yaml:"max_size" json:"max_size"`
	Exclusive      bool      `yaml:"exclusive" json:"exclusive"`
	Profiles       []Profile `yaml:"profiles,omitempty" json:"profiles,omitempty"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.SizePerProfile == 0 {
		c.SizePerProfile = 2
	}
	if len(c.Profiles) == 0 {
		c.Profiles = DefaultProfiles()
	}
	if c.MaxSize == 0 {
		c.MaxSize = 4 * c.SizePerProfile * len(c.Profiles)
	}
}

// Validate checks sizes and profiles.
func (c *Config) Validate() error {
	if c.SizePerProfile < 0 {
		return fmt.Errorf("identity size_per_profile must be non-negative")
	}
	if c.MaxSize < c.SizePerProfile*len(c.Profiles) {
		return fmt.Errorf("identity max_size %d is smaller than the initial pool", c.MaxSize)
	}
	for _, p := range c.Profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		for _, l := range p.Languages {
			if _, err := language.Parse(l); err != nil {
				return fmt.Errorf("identity profile %s: invalid language %q", p.Class, l)
			}
		}
	}
	return nil
}

// Criteria pins identity attributes. Empty fields match anything.
type Criteria struct {
	Class    Class
	Language string
	Platform string
}

// Stats summarizes the pool.
type Stats struct {
	Total int `json:"total"`
	InUse int `json:"in_use"`
}

type slot struct {
	identity Identity
	inUse    int
}

// Pool hands out identities least-recently-used first. In exclusive mode
// an identity is never handed to two holders at once.
type Pool struct {
	config Config
	clock  utils.Clock

	mu    sync.Mutex
	slots []*slot
	byID  map[string]*slot
}

// NewPool creates a pool with SizePerProfile identities per profile.
func NewPool(config Config, clock utils.Clock) (*Pool, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, utils.WrapError(err, utils.ErrCodeInvalidConfig, "invalid identity configuration")
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}

	p := &Pool{config: config, clock: clock, byID: make(map[string]*slot)}
	for _, prof := range config.Profiles {
		for i := 0; i < config.SizePerProfile; i++ {
			p.addLocked(New(prof))
		}
	}
	return p, nil
}

// Add puts an identity into the pool.
func (p *Pool) Add(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(id)
}

func (p *Pool) addLocked(id Identity) *slot {
	s := &slot{identity: id}
	p.slots = append(p.slots, s)
	p.byID[id.ID] = s
	return s
}

func matches(id Identity, c Criteria, want language.Tag, wantSet bool) bool {
	if c.Class != "" && id.Class != c.Class {
		return false
	}
	if c.Platform != "" && !strings.EqualFold(id.Platform, c.Platform) {
		return false
	}
	if wantSet {
		base, _ := want.Base()
		for _, raw := range id.LanguageTags {
			tag, err := language.Parse(raw)
			if err != nil {
				continue
			}
			if b, _ := tag.Base(); b == base {
				return true
			}
		}
		return false
	}
	return true
}

// Acquire returns the least recently used identity matching c. When
// nothing matches, or every match is held in exclusive mode, a new
// identity is generated if the pool has room.
func (p *Pool) Acquire(c Criteria) (Identity, error) {
	var (
		want    language.Tag
		wantSet bool
	)
	if c.Language != "" {
		tag, err := language.Parse(c.Language)
		if err != nil {
			return Identity{}, utils.WrapError(err, utils.ErrCodeInvalidConfig, "invalid language criterion")
		}
		want, wantSet = tag, true
	}

	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.slots) == 0 {
		return Identity{}, ErrPoolExhausted
	}

	var best *slot
	for _, s := range p.slots {
		if p.config.Exclusive && s.inUse > 0 {
			continue
		}
		if !matches(s.identity, c, want, wantSet) {
			continue
		}
		if best == nil || lessRecent(s.identity, best.identity) {
			best = s
		}
	}

	if best == nil {
		if len(p.slots) >= p.config.MaxSize {
			return Identity{}, ErrPoolExhausted
		}
		best = p.addLocked(New(p.profileFor(c, want, wantSet)))
		poolLogger.WithFields(map[string]interface{}{
			"identity": best.identity.ID,
			"class":    best.identity.Class,
		}).Debug("generated identity on demand")
	}

	best.inUse++
	best.identity.LastUsedAt = now
	return copyIdentity(best.identity), nil
}

func lessRecent(a, b Identity) bool {
	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.Before(b.LastUsedAt)
	}
	return a.ID < b.ID
}

// profileFor picks a template satisfying c, overriding language when the
// configured profiles cannot.
func (p *Pool) profileFor(c Criteria, want language.Tag, wantSet bool) Profile {
	var chosen *Profile
	for i := range p.config.Profiles {
		prof := p.config.Profiles[i]
		if matches(Identity{Class: prof.Class, Platform: prof.Platform, LanguageTags: prof.Languages}, c, want, wantSet) {
			return prof
		}
		if chosen == nil && (c.Class == "" || prof.Class == c.Class) {
			chosen = &p.config.Profiles[i]
		}
	}
	var prof Profile
	if chosen != nil {
		prof = *chosen
	} else {
		prof = p.config.Profiles[0]
	}
	if c.Class != "" {
		prof.Class = c.Class
	}
	if c.Platform != "" {
		prof.Platform = c.Platform
	}
	if wantSet {
		base, _ := want.Base()
		prof.Languages = []string{want.String(), base.String()}
	}
	return prof
}

// Release returns an identity to the pool. Releasing an unknown or
// default identity is a no-op.
func (p *Pool) Release(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.byID[id.ID]; ok && s.inUse > 0 {
		s.inUse--
	}
}

// Stats reports pool size and identities currently held.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Total: len(p.slots)}
	for _, s := range p.slots {
		if s.inUse > 0 {
			st.InUse++
		}
	}
	return st
}

// List returns copies of every identity ordered by id.
func (p *Pool) List() []Identity {
	p.mu.Lock()
	out := make([]Identity, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, copyIdentity(s.identity))
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyIdentity(id Identity) Identity {
	id.LanguageTags = append([]string(nil), id.LanguageTags...)
	id.Cookies = append([]Cookie(nil), id.Cookies...)
	return id
}
