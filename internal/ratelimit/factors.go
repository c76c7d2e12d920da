// internal/ratelimit/factors.go
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/valpere/MediaHarvester/internal/utils"
)

// LoadSampler reports host load as a percentage in [0,100].
type LoadSampler interface {
	Sample(ctx context.Context) (float64, error)
}

// LoadSamplerFunc adapts a function to LoadSampler.
type LoadSamplerFunc func(ctx context.Context) (float64, error)

func (f LoadSamplerFunc) Sample(ctx context.Context) (float64, error) { return f(ctx) }

// SystemLoadSampler reports the higher of CPU and memory utilisation.
type SystemLoadSampler struct{}

func (SystemLoadSampler) Sample(ctx context.Context) (float64, error) {
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	load := vm.UsedPercent
	if len(cpuPct) > 0 && cpuPct[0] > load {
		load = cpuPct[0]
	}
	return load, nil
}

// cachedLoad keeps the last sample for ttl so Wait does not hit the
// sampler on every attempt.
type cachedLoad struct {
	mu      sync.Mutex
	sampler LoadSampler
	clock   utils.Clock
	ttl     time.Duration
	value   float64
	at      time.Time
	log     utils.Logger
}

func (c *cachedLoad) get(ctx context.Context) float64 {
	if c.sampler == nil {
		return 0
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.at.IsZero() && now.Sub(c.at) < c.ttl {
		return c.value
	}
	v, err := c.sampler.Sample(ctx)
	if err != nil {
		c.log.Debugf("load sample failed: %v", err)
		return c.value
	}
	c.value, c.at = v, now
	return v
}

// loadFactor is 1 below the low watermark and falls linearly to
// minFactor at 100% load.
func loadFactor(load, lowWatermark, minFactor float64) float64 {
	if load <= lowWatermark || lowWatermark >= 100 {
		return 1
	}
	if load >= 100 {
		return minFactor
	}
	return 1 - (1-minFactor)*(load-lowWatermark)/(100-lowWatermark)
}

// timeOfDayFactor returns peak inside [start,end) and offPeak otherwise.
// A window with start > end wraps midnight.
func timeOfDayFactor(hour, start, end int, peak, offPeak float64) float64 {
	in := false
	switch {
	case start == end:
		return 1
	case start < end:
		in = hour >= start && hour < end
	default:
		in = hour >= start || hour < end
	}
	if in {
		return peak
	}
	return offPeak
}

type outcome struct {
	at      time.Time
	success bool
}

// successWindow tracks outcomes within a sliding window.
type successWindow struct {
	window   time.Duration
	outcomes []outcome
}

func (w *successWindow) add(now time.Time, success bool) {
	w.outcomes = append(w.outcomes, outcome{at: now, success: success})
	w.trim(now)
}

func (w *successWindow) trim(now time.Time) {
	cut := 0
	for cut < len(w.outcomes) && now.Sub(w.outcomes[cut].at) > w.window {
		cut++
	}
	if cut > 0 {
		w.outcomes = append(w.outcomes[:0], w.outcomes[cut:]...)
	}
}

// factor is 0.5 + success rate, or 1 with fewer than minSamples.
func (w *successWindow) factor(now time.Time, minSamples int) float64 {
	w.trim(now)
	if len(w.outcomes) == 0 || len(w.outcomes) < minSamples {
		return 1
	}
	ok := 0
	for _, o := range w.outcomes {
		if o.success {
			ok++
		}
	}
	return 0.5 + float64(ok)/float64(len(w.outcomes))
}
