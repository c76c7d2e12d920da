// internal/proxy/state.go
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valpere/MediaHarvester/internal/utils"
)

// StateStore is the subset of the persistent store used for pool state.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// PersistedEndpoint is the serialized form of one endpoint.
type PersistedEndpoint struct {
	Host             string     `json:"host"`
	Port             int        `json:"port"`
	Protocol         ProxyType  `json:"protocol"`
	Country          string     `json:"country,omitempty"`
	SpeedScore       float64    `json:"speedScore"`
	ReliabilityScore float64    `json:"reliabilityScore"`
	FailCount        int        `json:"failCount"`
	CooldownUntil    *time.Time `json:"cooldownUntil,omitempty"`
}

// PoolState is the serialized pool.
type PoolState struct {
	Endpoints []PersistedEndpoint `json:"endpoints"`
}

// MarshalState encodes every endpoint's scores. Credentials are omitted.
func (p *Pool) MarshalState() ([]byte, error) {
	eps := p.List()
	state := PoolState{Endpoints: make([]PersistedEndpoint, 0, len(eps))}
	for _, ep := range eps {
		pe := PersistedEndpoint{
			Host:             ep.Host,
			Port:             ep.Port,
			Protocol:         ep.Protocol,
			Country:          ep.Country,
			SpeedScore:       ep.SpeedScore,
			ReliabilityScore: ep.ReliabilityScore,
			FailCount:        ep.FailCount,
		}
		if !ep.CooldownUntil.IsZero() {
			t := ep.CooldownUntil.UTC()
			pe.CooldownUntil = &t
		}
		state.Endpoints = append(state.Endpoints, pe)
	}
	return json.Marshal(state)
}

// UnmarshalState restores scores for known endpoints and adds unknown
// ones. An endpoint at or above the failure threshold comes back
// blacklisted.
func (p *Pool) UnmarshalState(data []byte) (int, error) {
	var state PoolState
	if err := json.Unmarshal(data, &state); err != nil {
		return 0, fmt.Errorf("decode proxy pool state: %w", err)
	}

	restored := 0
	for _, pe := range state.Endpoints {
		p.Merge([]EndpointConfig{{Host: pe.Host, Port: pe.Port, Protocol: string(pe.Protocol), Country: pe.Country}})

		p.mu.RLock()
		e, ok := p.entries[EndpointID(pe.Host, pe.Port)]
		p.mu.RUnlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		e.ep.SpeedScore = clampScore(pe.SpeedScore)
		e.ep.ReliabilityScore = clampScore(pe.ReliabilityScore)
		e.ep.FailCount = pe.FailCount
		if pe.CooldownUntil != nil {
			e.ep.CooldownUntil = *pe.CooldownUntil
		}
		e.ep.Blacklisted = pe.FailCount >= p.config.FailureThreshold
		e.mu.Unlock()
		restored++
	}
	return restored, nil
}

// SaveState writes the pool state under the configured key.
func (p *Pool) SaveState(ctx context.Context, s StateStore) error {
	data, err := p.MarshalState()
	if err != nil {
		return err
	}
	return s.SetWithTTL(ctx, p.config.StateKey, data, 0)
}

// LoadState restores state saved by SaveState. A missing key is not an
// error.
func (p *Pool) LoadState(ctx context.Context, s StateStore) (int, error) {
	data, err := s.Get(ctx, p.config.StateKey)
	if errors.Is(err, utils.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.UnmarshalState(data)
}
