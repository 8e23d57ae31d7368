// Package interval turns a nominal refresh period and a jitter configuration
// into the concrete delay before the next refresh.
//
// Two distributions are supported:
//
//	uniform   draw from [min, 2*target-min], mean == target
//	gaussian  target + z*sigma with sigma = 0.25*target (Box-Muller)
//
// Both are floored at the configured minimum and rounded to the millisecond.
// The gaussian floor is applied after sampling without renormalising, so heavy
// clamping shifts the realised mean above target.
package interval

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// Distribution names the random model used when jitter is enabled.
type Distribution string

const (
	Uniform  Distribution = "uniform"
	Gaussian Distribution = "gaussian"
)

// ParseDistribution accepts "uniform" and "gaussian" (case-insensitive).
// The empty string maps to Uniform.
func ParseDistribution(s string) (Distribution, error) {
	switch Distribution(strings.ToLower(strings.TrimSpace(s))) {
	case "", Uniform:
		return Uniform, nil
	case Gaussian:
		return Gaussian, nil
	}
	return "", fmt.Errorf("interval: unknown distribution %q", s)
}

// Jitter is the randomisation applied to the nominal period.
type Jitter struct {
	Enabled      bool         `json:"enabled" yaml:"enabled"`
	Distribution Distribution `json:"distribution" yaml:"distribution"`
}

// Source yields uniform samples in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

// Model computes next delays. It is safe for concurrent use.
type Model struct {
	mu  sync.Mutex
	src Source
}

// New creates a Model drawing from src. A nil src uses the process-wide
// math/rand/v2 generator.
func New(src Source) *Model {
	if src == nil {
		src = globalSource{}
	}
	return &Model{src: src}
}

// Next returns the delay before the next refresh. The result is never
// negative and, when jitter is enabled, never below minLimit.
func (m *Model) Next(target, minLimit time.Duration, j Jitter) time.Duration {
	if target < 0 {
		target = 0
	}
	if !j.Enabled {
		return target
	}

	t := float64(target.Milliseconds())
	lo := float64(minLimit.Milliseconds())

	var v float64
	switch j.Distribution {
	case Gaussian:
		v = m.gaussian(t)
	default:
		v = m.uniform(t, lo)
	}

	v = math.Max(lo, v)
	v = math.Max(0, math.Round(v))
	return time.Duration(v) * time.Millisecond
}

func (m *Model) uniform(target, lo float64) float64 {
	hi := 2*target - lo
	return lo + m.sample()*(hi-lo)
}

func (m *Model) gaussian(target float64) float64 {
	// 1-u keeps u1 in (0, 1] so log never sees zero.
	u1 := 1 - m.sample()
	u2 := m.sample()
	z0 := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	sigma := 0.25 * target
	return target + z0*sigma
}

func (m *Model) sample() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.src.Float64()
}

// Seconds converts a fractional number of seconds to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
