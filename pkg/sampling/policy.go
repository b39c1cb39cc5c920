package sampling

import "github.com/sirupsen/logrus"

// Disposition classifies what happens to a single allocation event.
type Disposition int

const (
	// Dropped means the event leaves no trace beyond aggregate counters
	// maintained by the caller.
	Dropped Disposition = iota

	// FrequencyOnly means the event is folded into per-call-stack
	// frequency summaries but no full record is written.
	FrequencyOnly

	// Full means a complete event record is written to the thread log.
	Full
)

// String returns the disposition name used in logs and reports.
func (d Disposition) String() string {
	switch d {
	case Dropped:
		return "dropped"
	case FrequencyOnly:
		return "frequency-only"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// Policy makes sampling decisions for one thread. It is deterministic
// for a given seed and sequence of sizes, and is not safe for use from
// more than one goroutine; each per-thread recorder owns its own Policy.
type Policy struct {
	cfg Config

	// Linear congruential state. Seeded with the thread id so runs are
	// reproducible per thread.
	rng uint64

	mediumSeen  uint64
	smallSeen   uint64
	fullRecords uint64
	degraded    bool
}

// NewPolicy validates cfg and returns a policy seeded for one thread.
func NewPolicy(cfg Config, seed uint64) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &Policy{cfg: cfg, rng: seed}, nil
}

// Decide classifies one allocation of the given size.
//
// Allocations at or above the critical threshold are always Full. Below
// it, each size class is sampled stochastically at its configured rate,
// and independently every Nth allocation of a class is forced Full.
// After MaxRecordsPerThread full records the policy degrades every later
// event to FrequencyOnly for the remainder of the run.
func (p *Policy) Decide(size uint64) Disposition {
	if p.degraded {
		return FrequencyOnly
	}

	var d Disposition
	switch {
	case size >= p.cfg.CriticalSizeThreshold:
		d = Full
	case size >= p.cfg.MediumSizeThreshold:
		p.mediumSeen++
		if p.mediumSeen%p.cfg.FrequencySampleInterval == 0 || p.draw() < p.cfg.MediumSampleRate {
			d = Full
		} else {
			d = FrequencyOnly
		}
	default:
		p.smallSeen++
		switch {
		case p.smallSeen%p.cfg.FrequencySampleInterval == 0 || p.draw() < p.cfg.SmallSampleRate:
			d = Full
		default:
			// Small allocations that lose the draw are not worth a
			// frequency summary entry either.
			d = Dropped
		}
	}

	if d == Full {
		p.fullRecords++
		if p.fullRecords > p.cfg.MaxRecordsPerThread {
			p.degraded = true
			logrus.WithField("max_records", p.cfg.MaxRecordsPerThread).
				Warn("per-thread record cap reached, degrading to frequency-only capture")
			return FrequencyOnly
		}
	}
	return d
}

// ConsumeRecord counts a full record produced outside Decide, such as a
// deallocation record, against the per-thread cap.
func (p *Policy) ConsumeRecord() Disposition {
	if p.degraded {
		return FrequencyOnly
	}
	p.fullRecords++
	if p.fullRecords > p.cfg.MaxRecordsPerThread {
		p.degraded = true
		logrus.WithField("max_records", p.cfg.MaxRecordsPerThread).
			Warn("per-thread record cap reached, degrading to frequency-only capture")
		return FrequencyOnly
	}
	return Full
}

// Degraded reports whether the per-thread record cap has been reached.
func (p *Policy) Degraded() bool { return p.degraded }

// FullRecords returns the number of events classified Full so far.
func (p *Policy) FullRecords() uint64 {
	if p.fullRecords > p.cfg.MaxRecordsPerThread {
		return p.cfg.MaxRecordsPerThread
	}
	return p.fullRecords
}

// draw advances the generator and returns a value in [0, 1).
func (p *Policy) draw() float64 {
	p.rng = p.rng*1103515245 + 12345
	return float64((p.rng>>16)&0xFFFF) / 65536.0
}
