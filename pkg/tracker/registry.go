package tracker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Timwood0x10/memscope-go/pkg/binfmt"
	"github.com/Timwood0x10/memscope-go/pkg/callstack"
	"github.com/Timwood0x10/memscope-go/pkg/sampling"
)

// Options configures a tracking session.
type Options struct {
	// Sampling is validated at session creation; a bad configuration is
	// rejected here, never on the capture path.
	Sampling sampling.Config

	// Export controls the binary files written by every recorder.
	Export binfmt.ExportConfig

	// EventBuffer is the number of events buffered per thread between
	// file flushes.
	EventBuffer int
}

// DefaultOptions returns the options used when the instrumentation
// hooks supply none.
func DefaultOptions() Options {
	return Options{
		Sampling:    sampling.DefaultConfig(),
		Export:      binfmt.PerformanceFirst(),
		EventBuffer: 1024,
	}
}

// Registry owns one tracking session: the shared interner and one
// recorder per tracked thread. Thread identity comes from the
// instrumentation hooks, which supply a thread id with every event;
// hooks that own their threads can instead draw ids from NextThread.
//
// Recorder lookup goes through a sync.Map, whose read path is
// lock-free, so two threads tracking concurrently never contend.
type Registry struct {
	dir      string
	opts     Options
	interner *callstack.Interner

	recorders sync.Map // uint64 -> *recorderHolder
	lastID    atomic.Uint64
}

// recorderHolder serializes recorder creation per thread id. The files
// behind a recorder are opened with truncation, so creation must run
// exactly once per id no matter how many goroutines race on first use.
type recorderHolder struct {
	once sync.Once
	rec  *Recorder
	err  error
}

// NewRegistry validates the options and prepares a session writing into
// dir.
func NewRegistry(dir string, opts Options) (*Registry, error) {
	if err := opts.Sampling.Validate(); err != nil {
		return nil, fmt.Errorf("sampling config: %w", err)
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultOptions().EventBuffer
	}
	if warnings := opts.Export.ValidateAndFix(); len(warnings) > 0 {
		for _, w := range warnings {
			logrus.WithField("dir", dir).Warn("export config corrected: " + w)
		}
	}
	return &Registry{
		dir:      dir,
		opts:     opts,
		interner: callstack.NewInterner(),
	}, nil
}

// Interner returns the session's shared call-stack interner.
func (g *Registry) Interner() *callstack.Interner { return g.interner }

// Dir returns the session output directory.
func (g *Registry) Dir() string { return g.dir }

// Thread returns the recorder for the given thread id, creating it on
// first use. Goroutines racing on the same id's first use all get the
// one recorder whose files were opened; creation never runs twice for
// an id. The recorder must then only be used from that thread.
func (g *Registry) Thread(id uint64) (*Recorder, error) {
	v, _ := g.recorders.LoadOrStore(id, &recorderHolder{})
	h := v.(*recorderHolder)
	h.once.Do(func() {
		h.rec, h.err = newRecorder(g.dir, id, g.opts.Sampling, g.opts.Export, g.interner, g.opts.EventBuffer)
	})
	if h.err != nil {
		return nil, fmt.Errorf("thread %d: %w", id, h.err)
	}
	return h.rec, nil
}

// NextThread allocates a fresh thread id and returns its recorder.
func (g *Registry) NextThread() (*Recorder, error) {
	return g.Thread(g.lastID.Add(1))
}

// CloseAll finalizes every recorder that is still active. Each thread's
// failure is independent; the first error is returned after all
// recorders were given the chance to flush.
func (g *Registry) CloseAll() error {
	var firstErr error
	g.recorders.Range(func(_, v any) bool {
		rec := v.(*recorderHolder).rec
		if rec == nil || rec.State() != StateActive {
			return true
		}
		if err := rec.Finalize(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
