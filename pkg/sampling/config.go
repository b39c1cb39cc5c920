// Package sampling decides how much of an allocation stream is recorded.
//
// Every tracked allocation receives exactly one Disposition: recorded in
// full, folded into frequency summaries, or dropped. The decision is pure
// and per-thread, so the capture hot path never takes a lock for it.
package sampling

import "fmt"

// Config controls the sampling behaviour of a tracking session.
type Config struct {
	// CriticalSizeThreshold is the size in bytes at or above which an
	// allocation is always recorded in full.
	CriticalSizeThreshold uint64 `json:"critical_size_threshold"`

	// MediumSizeThreshold separates the medium size class from the small
	// one. Allocations in [MediumSizeThreshold, CriticalSizeThreshold)
	// are sampled at MediumSampleRate.
	MediumSizeThreshold uint64 `json:"medium_size_threshold"`

	// MediumSampleRate is the probability that a medium allocation is
	// recorded in full. Must be in [0, 1].
	MediumSampleRate float64 `json:"medium_sample_rate"`

	// SmallSampleRate is the probability that a small allocation is
	// recorded in full. Must be in [0, 1].
	SmallSampleRate float64 `json:"small_sample_rate"`

	// FrequencySampleInterval forces every Nth allocation of a size
	// class to be recorded in full regardless of the stochastic draw,
	// guaranteeing periodic baseline visibility.
	FrequencySampleInterval uint64 `json:"frequency_sample_interval"`

	// MaxRecordsPerThread caps the number of fully recorded events per
	// thread. Once reached, later events degrade to FrequencyOnly for
	// the remainder of the run.
	MaxRecordsPerThread uint64 `json:"max_records_per_thread"`
}

// DefaultConfig returns the configuration used when the caller supplies
// none: all critical allocations, 10% of medium, 1% of small.
func DefaultConfig() Config {
	return Config{
		CriticalSizeThreshold:   10 * 1024,
		MediumSizeThreshold:     1024,
		MediumSampleRate:        0.1,
		SmallSampleRate:         0.01,
		FrequencySampleInterval: 100,
		MaxRecordsPerThread:     1_000_000,
	}
}

// HighPrecision returns a configuration for debugging sessions where
// completeness matters more than overhead.
func HighPrecision() Config {
	return Config{
		CriticalSizeThreshold:   4 * 1024,
		MediumSizeThreshold:     512,
		MediumSampleRate:        0.5,
		SmallSampleRate:         0.1,
		FrequencySampleInterval: 10,
		MaxRecordsPerThread:     10_000_000,
	}
}

// PerformanceOptimized returns a configuration suitable for production
// workloads, capturing only the most significant allocations.
func PerformanceOptimized() Config {
	return Config{
		CriticalSizeThreshold:   50 * 1024,
		MediumSizeThreshold:     5 * 1024,
		MediumSampleRate:        0.05,
		SmallSampleRate:         0.001,
		FrequencySampleInterval: 1000,
		MaxRecordsPerThread:     250_000,
	}
}

// LeakDetection returns a configuration tuned to catch allocations that
// are never released: low thresholds, aggressive medium sampling.
func LeakDetection() Config {
	return Config{
		CriticalSizeThreshold:   1024,
		MediumSizeThreshold:     256,
		MediumSampleRate:        0.8,
		SmallSampleRate:         0.01,
		FrequencySampleInterval: 25,
		MaxRecordsPerThread:     5_000_000,
	}
}

// Validate checks the configuration. Invalid thresholds are rejected
// here, at configuration time, never on the capture path.
func (c Config) Validate() error {
	if c.CriticalSizeThreshold == 0 {
		return fmt.Errorf("critical size threshold must be positive")
	}
	if c.MediumSizeThreshold == 0 {
		return fmt.Errorf("medium size threshold must be positive")
	}
	if c.CriticalSizeThreshold <= c.MediumSizeThreshold {
		return fmt.Errorf("critical size threshold (%d) must exceed medium size threshold (%d)",
			c.CriticalSizeThreshold, c.MediumSizeThreshold)
	}
	if c.MediumSampleRate < 0 || c.MediumSampleRate > 1 {
		return fmt.Errorf("medium sample rate %v outside [0, 1]", c.MediumSampleRate)
	}
	if c.SmallSampleRate < 0 || c.SmallSampleRate > 1 {
		return fmt.Errorf("small sample rate %v outside [0, 1]", c.SmallSampleRate)
	}
	if c.FrequencySampleInterval == 0 {
		return fmt.Errorf("frequency sample interval must be positive")
	}
	if c.MaxRecordsPerThread == 0 {
		return fmt.Errorf("max records per thread must be positive")
	}
	return nil
}
