// Package tracker captures allocation events per thread with no
// cross-thread locking on the hot path.
//
// One Recorder exists per tracked thread and writes two append-only
// files into the session's output directory: an event log
// (thread-<id>.bin) holding fully recorded events, and a frequency log
// (thread-<id>.freq) summarizing every non-dropped event per call
// stack. The files are consumed later, possibly by a separate process,
// by the aggregate package.
package tracker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Timwood0x10/memscope-go/pkg/binfmt"
	"github.com/Timwood0x10/memscope-go/pkg/callstack"
	"github.com/Timwood0x10/memscope-go/pkg/sampling"
)

// ErrNotActive is returned by capture calls before initialization or
// after finalization. Calls never silently no-op.
var ErrNotActive = errors.New("tracker not initialized or already finalized")

// State of a recorder's lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateFinalized
)

// EventFileName returns the event log name for a thread.
func EventFileName(threadID uint64) string {
	return fmt.Sprintf("thread-%d.bin", threadID)
}

// FreqFileName returns the frequency log name for a thread.
func FreqFileName(threadID uint64) string {
	return fmt.Sprintf("thread-%d.freq", threadID)
}

type freqTally struct {
	frequency uint64
	totalSize uint64
}

// Recorder owns one thread's capture state. It must only be used from
// its owning thread; the only shared structure it touches is the
// interner, whose synchronization is bucket-level and never held across
// I/O.
type Recorder struct {
	threadID uint64
	dir      string
	state    State
	failed   error

	policy   *sampling.Policy
	interner *callstack.Interner

	eventWriter *binfmt.Writer
	eventFile   *os.File
	exportCfg   binfmt.ExportConfig

	buffer    []binfmt.Event
	bufferCap int

	freq          map[uint64]*freqTally
	totalAllocs   uint64
	totalDeallocs uint64
}

func newRecorder(dir string, threadID uint64, cfg sampling.Config, exportCfg binfmt.ExportConfig, interner *callstack.Interner, eventBuffer int) (*Recorder, error) {
	policy, err := sampling.NewPolicy(cfg, threadID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create output directory: %w", err)
	}

	w, f, err := binfmt.Create(filepath.Join(dir, EventFileName(threadID)), binfmt.NewMetadata(binfmt.KindEvents, threadID), exportCfg)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		threadID:    threadID,
		dir:         dir,
		state:       StateActive,
		policy:      policy,
		interner:    interner,
		eventWriter: w,
		eventFile:   f,
		exportCfg:   exportCfg,
		buffer:      make([]binfmt.Event, 0, eventBuffer),
		bufferCap:   eventBuffer,
		freq:        make(map[uint64]*freqTally),
	}, nil
}

// ThreadID returns the thread this recorder captures for.
func (r *Recorder) ThreadID() uint64 { return r.threadID }

// State returns the recorder's lifecycle state.
func (r *Recorder) State() State { return r.state }

// TrackAllocation records one allocation. The sampling policy decides
// whether a full record is written, only a frequency tally is updated,
// or the event is dropped. The call never blocks on cross-thread locks
// and never retries I/O: a write failure fails this thread's tracking
// closed and is reported to the caller.
func (r *Recorder) TrackAllocation(ptr, size uint64, frames []uint64) error {
	if r.state != StateActive {
		return ErrNotActive
	}
	if r.failed != nil {
		return r.failed
	}

	disposition := r.policy.Decide(size)
	if disposition == sampling.Dropped {
		return nil
	}

	r.totalAllocs++
	hash := callstack.HashFrames(frames)
	tally := r.freq[hash]
	if tally == nil {
		tally = &freqTally{}
		r.freq[hash] = tally
	}
	tally.frequency++
	tally.totalSize += size

	if disposition != sampling.Full {
		return nil
	}

	ref := r.interner.Normalize(frames)
	r.buffer = append(r.buffer, binfmt.Event{
		Kind:      binfmt.EventAllocation,
		Timestamp: now(),
		Ptr:       ptr,
		Size:      size,
		ThreadID:  r.threadID,
		Stack:     ref,
	})
	if len(r.buffer) >= r.bufferCap {
		return r.flush()
	}
	return nil
}

// TrackDeallocation records one deallocation. Deallocations are always
// recorded in full while the per-thread record cap allows; past the
// cap they only bump the counter.
func (r *Recorder) TrackDeallocation(ptr uint64, frames []uint64) error {
	if r.state != StateActive {
		return ErrNotActive
	}
	if r.failed != nil {
		return r.failed
	}

	r.totalDeallocs++
	if r.policy.ConsumeRecord() != sampling.Full {
		return nil
	}

	ref := r.interner.Normalize(frames)
	r.buffer = append(r.buffer, binfmt.Event{
		Kind:      binfmt.EventDeallocation,
		Timestamp: now(),
		Ptr:       ptr,
		ThreadID:  r.threadID,
		Stack:     ref,
	})
	if len(r.buffer) >= r.bufferCap {
		return r.flush()
	}
	return nil
}

// Finalize flushes buffered events, writes the frequency log, and
// closes both files. The recorder transitions to Finalized; later
// capture calls return ErrNotActive.
func (r *Recorder) Finalize() error {
	if r.state != StateActive {
		return ErrNotActive
	}
	r.state = StateFinalized

	if r.failed != nil {
		// The raw fd was already closed when tracking failed; release
		// the writer's buffered state too.
		r.eventWriter.Close()
		return r.failed
	}

	flushErr := r.flush()
	if err := r.eventWriter.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	if err := r.eventFile.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	if flushErr != nil {
		return fmt.Errorf("thread %d: %w", r.threadID, flushErr)
	}

	if err := r.writeFreqLog(); err != nil {
		return fmt.Errorf("thread %d: %w", r.threadID, err)
	}
	return nil
}

// Counts returns the running allocation and deallocation totals,
// including frequency-only events.
func (r *Recorder) Counts() (allocations, deallocations uint64) {
	return r.totalAllocs, r.totalDeallocs
}

func (r *Recorder) flush() error {
	for _, ev := range r.buffer {
		if err := r.eventWriter.WriteEvent(ev); err != nil {
			return r.fail(err)
		}
	}
	r.buffer = r.buffer[:0]
	if err := r.eventWriter.Flush(); err != nil {
		return r.fail(err)
	}
	return nil
}

func (r *Recorder) writeFreqLog() error {
	w, f, err := binfmt.Create(filepath.Join(r.dir, FreqFileName(r.threadID)), binfmt.NewMetadata(binfmt.KindFrequency, r.threadID), r.exportCfg)
	if err != nil {
		return err
	}

	hashes := make([]uint64, 0, len(r.freq))
	for h := range r.freq {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	for _, h := range hashes {
		t := r.freq[h]
		if err := w.WriteFreq(binfmt.FreqRecord{
			CallStackHash: h,
			Frequency:     t.frequency,
			TotalSize:     t.totalSize,
			ThreadID:      r.threadID,
		}); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// fail latches an I/O error: tracking for this thread is closed, the
// host program keeps running.
func (r *Recorder) fail(err error) error {
	r.failed = fmt.Errorf("thread %d tracking failed: %w", r.threadID, err)
	r.eventFile.Close()
	return r.failed
}

func now() uint64 {
	ns := time.Now().UnixNano()
	if ns < 0 {
		return 0
	}
	return uint64(ns)
}
