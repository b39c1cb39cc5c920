package export

import (
	"fmt"
	"os"
	"time"

	"github.com/google/pprof/profile"

	"github.com/Timwood0x10/memscope-go/pkg/aggregate"
	"github.com/Timwood0x10/memscope-go/pkg/callstack"
)

// WriteProfile exports the hottest call stacks as a pprof profile with
// allocation-count and allocated-bytes sample values. Frame addresses
// come from the interner; a hot stack whose frames were not interned
// in this process is represented by a single synthetic location
// carrying its hash, so the sample is never silently dropped.
func WriteProfile(analysis *aggregate.Analysis, interner *callstack.Interner, path string) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "allocations", Unit: "count"},
			{Type: "alloc_space", Unit: "bytes"},
		},
		DefaultSampleType: "alloc_space",
		TimeNanos:         time.Now().UnixNano(),
	}

	locs := make(map[uint64]*profile.Location)
	location := func(addr uint64) *profile.Location {
		if l, ok := locs[addr]; ok {
			return l
		}
		l := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Address: addr,
		}
		locs[addr] = l
		p.Location = append(p.Location, l)
		return l
	}

	for _, hs := range analysis.HottestCallStacks {
		var frames []uint64
		if interner != nil {
			if st, ok := interner.Lookup(hs.CallStackHash); ok {
				frames = st.Frames
			}
		}
		if len(frames) == 0 {
			frames = []uint64{hs.CallStackHash}
		}

		sample := &profile.Sample{
			Value: []int64{int64(hs.TotalFrequency), int64(hs.TotalSize)},
		}
		for _, f := range frames {
			sample.Location = append(sample.Location, location(f))
		}
		p.Sample = append(p.Sample, sample)
	}

	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("profile invalid: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	if err := p.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("write profile: %w", err)
	}
	return f.Close()
}
