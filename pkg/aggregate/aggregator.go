package aggregate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Timwood0x10/memscope-go/pkg/binfmt"
)

// Options configures an aggregation pass.
type Options struct {
	// TopK limits the hottest-call-stacks ranking.
	TopK int
	// Workers bounds the per-thread-file replay pool. Zero means
	// available parallelism.
	Workers int
}

// DefaultOptions returns sensible aggregation defaults.
func DefaultOptions() Options {
	return Options{TopK: 10}
}

// Aggregator replays every per-thread file pair in a directory and
// merges the results. Each file is independent and write-once, so
// replay parallelizes freely across a bounded pool.
type Aggregator struct {
	dir  string
	opts Options
}

// New returns an aggregator for the given session directory.
func New(dir string, opts Options) *Aggregator {
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Aggregator{dir: dir, opts: opts}
}

var threadFileRe = regexp.MustCompile(`^thread-(\d+)\.(bin|freq)$`)

// threadResult is one file pair's replay output.
type threadResult struct {
	stats    ThreadStats
	freq     map[uint64]HotCallStack
	warnings []string
	skipped  bool
}

// AggregateAllThreads scans the directory for thread-<id>.bin /
// thread-<id>.freq pairs and merges them. A missing or unreadable file
// is skipped with a recorded warning, never a hard failure. When ctx is
// cancelled between per-file units the partial analysis computed so far
// is returned together with the context error, distinguishable from
// both success and hard failure.
func (a *Aggregator) AggregateAllThreads(ctx context.Context) (*Analysis, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return NewAnalysis(), fmt.Errorf("cannot scan %q: %w", a.dir, err)
	}

	seen := make(map[uint64]bool)
	var threadIDs []uint64
	for _, e := range entries {
		m := threadFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		threadIDs = append(threadIDs, id)
	}
	sort.Slice(threadIDs, func(i, j int) bool { return threadIDs[i] < threadIDs[j] })

	analysis := NewAnalysis()
	merged := make(map[uint64]HotCallStack)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)

	for _, id := range threadIDs {
		id := id
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Cancellation is checked between per-file units; one
			// file's replay itself is not interruptible.
			if gctx.Err() != nil {
				return nil
			}
			res := a.replayThread(id)
			mu.Lock()
			defer mu.Unlock()
			analysis.Warnings = append(analysis.Warnings, res.warnings...)
			if !res.skipped {
				analysis.ThreadStats[res.stats.ThreadID] = res.stats
				for h, hs := range res.freq {
					m := merged[h]
					m.CallStackHash = h
					m.TotalFrequency += hs.TotalFrequency
					m.TotalSize += hs.TotalSize
					merged[h] = m
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	analysis.HottestCallStacks = rankHotStacks(merged, a.opts.TopK)
	analysis.recalculate(len(merged))
	sort.Strings(analysis.Warnings)

	if err := ctx.Err(); err != nil {
		logrus.WithField("threads_done", len(analysis.ThreadStats)).
			Warn("aggregation cancelled, returning partial analysis")
		return analysis, err
	}
	return analysis, nil
}

// replayThread reads one thread's file pair. Warnings travel back
// inside the result; a result marked skipped contributed nothing
// readable.
func (a *Aggregator) replayThread(id uint64) *threadResult {
	res := &threadResult{
		stats: ThreadStats{ThreadID: id},
		freq:  make(map[uint64]HotCallStack),
	}

	eventPath := filepath.Join(a.dir, fmt.Sprintf("thread-%d.bin", id))
	events, eventWarnings, eventErr := readEvents(eventPath)
	if eventErr != nil {
		// Without a replayable event log the thread has no stats to
		// contribute; skip it rather than report half-truths.
		res.warnings = append(res.warnings, fmt.Sprintf("thread %d skipped: %v", id, eventErr))
		res.skipped = true
		return res
	}
	res.warnings = append(res.warnings, eventWarnings...)

	// Replay in on-disk order, which is that thread's program order.
	live := make(map[uint64]uint64)
	var current uint64
	var fullAllocs uint64
	for _, ev := range events {
		switch ev.Kind {
		case binfmt.EventAllocation:
			fullAllocs++
			res.stats.TotalAllocated += ev.Size
			live[ev.Ptr] += ev.Size
			current += ev.Size
			if current > res.stats.PeakMemory {
				res.stats.PeakMemory = current
			}
		case binfmt.EventDeallocation:
			res.stats.TotalDeallocations++
			if size, ok := live[ev.Ptr]; ok {
				delete(live, ev.Ptr)
				current -= size
			}
		}
	}
	if fullAllocs > 0 {
		res.stats.AvgAllocationSize = float64(res.stats.TotalAllocated) / float64(fullAllocs)
	}

	freqPath := filepath.Join(a.dir, fmt.Sprintf("thread-%d.freq", id))
	freqs, freqWarnings, freqErr := readFreqs(freqPath)
	res.warnings = append(res.warnings, freqWarnings...)
	if freqErr != nil {
		// The frequency log carries the lower-bound counters; without
		// it only fully recorded events can be counted.
		res.warnings = append(res.warnings, fmt.Sprintf("thread %d: frequency log skipped: %v", id, freqErr))
		res.stats.TotalAllocations = fullAllocs
	} else {
		for _, f := range freqs {
			res.stats.TotalAllocations += f.Frequency
			hs := res.freq[f.CallStackHash]
			hs.CallStackHash = f.CallStackHash
			hs.TotalFrequency += f.Frequency
			hs.TotalSize += f.TotalSize
			res.freq[f.CallStackHash] = hs
		}
	}

	return res
}

func readEvents(path string) ([]binfmt.Event, []string, error) {
	r, err := binfmt.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	rep := r.Validate()
	if !rep.FormatValid || !rep.VersionSupported {
		return nil, nil, fmt.Errorf("validation failed: %v", rep.Warnings)
	}
	var warnings []string
	if !rep.Trusted() {
		warnings = append(warnings, fmt.Sprintf("%s: partially trusted: %v", filepath.Base(path), rep.Warnings))
	}
	events, annotations, err := r.Events()
	if err != nil {
		return nil, warnings, err
	}
	for _, a := range annotations {
		warnings = append(warnings, fmt.Sprintf("%s: %s", filepath.Base(path), a))
	}
	return events, warnings, nil
}

func readFreqs(path string) ([]binfmt.FreqRecord, []string, error) {
	r, err := binfmt.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	rep := r.Validate()
	if !rep.FormatValid || !rep.VersionSupported {
		return nil, nil, fmt.Errorf("validation failed: %v", rep.Warnings)
	}
	var warnings []string
	freqs, annotations, err := r.Freqs()
	if err != nil {
		return nil, warnings, err
	}
	for _, a := range annotations {
		warnings = append(warnings, fmt.Sprintf("%s: %s", filepath.Base(path), a))
	}
	return freqs, warnings, nil
}

// rankHotStacks orders stacks by aggregate size, breaking ties by
// frequency and then by hash so the ranking is deterministic.
func rankHotStacks(merged map[uint64]HotCallStack, topK int) []HotCallStack {
	out := make([]HotCallStack, 0, len(merged))
	for _, hs := range merged {
		out = append(out, hs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalSize != out[j].TotalSize {
			return out[i].TotalSize > out[j].TotalSize
		}
		if out[i].TotalFrequency != out[j].TotalFrequency {
			return out[i].TotalFrequency > out[j].TotalFrequency
		}
		return out[i].CallStackHash < out[j].CallStackHash
	})
	if topK < len(out) {
		out = out[:topK]
	}
	return out
}
