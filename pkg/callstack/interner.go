// Package callstack deduplicates call-stack frame sequences behind small
// integer handles shared by every tracked thread.
package callstack

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Ref is a non-owning handle to an interned call stack.
type Ref struct {
	ID    uint32 `json:"id"`
	Hash  uint64 `json:"hash"`
	Depth uint32 `json:"depth"`
}

// EmptyRef denotes "no stack captured". It never resolves in the interner.
var EmptyRef = Ref{}

// IsEmpty reports whether the ref is the reserved empty variant.
func (r Ref) IsEmpty() bool { return r.ID == 0 }

// Stack is an interned call stack. It is owned by the interner for the
// lifetime of the run; only the frequency counter mutates after insertion.
type Stack struct {
	ID     uint32   `json:"id"`
	Frames []uint64 `json:"frames"`
	Hash   uint64   `json:"hash"`
	Depth  uint32   `json:"depth"`

	frequency atomic.Uint64
}

// Frequency returns how many times this stack has been observed.
func (s *Stack) Frequency() uint64 { return s.frequency.Load() }

// Stats is a snapshot of interner activity.
type Stats struct {
	Processed    uint64 `json:"processed"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	UniqueStacks uint64 `json:"unique_stacks"`
	// BytesSaved estimates memory avoided by handing out refs instead of
	// copying frame slices on every event.
	BytesSaved uint64 `json:"bytes_saved"`
}

const shardCount = 64 // power of two, masks cheaply against the hash

type shard struct {
	mu     sync.RWMutex
	byHash map[uint64]*Stack
}

// Interner maps hashed frame sequences to stable integer ids. Lookups on
// the hit path take only one shard's read lock; inserts take that shard's
// write lock. Ids come from a single atomic counter and are never reused
// or reclaimed within a run.
type Interner struct {
	shards [shardCount]shard
	byID   sync.Map // uint32 -> *Stack

	nextID    atomic.Uint32
	processed atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
}

// NewInterner returns an empty interner. Id 0 is reserved for EmptyRef.
func NewInterner() *Interner {
	in := &Interner{}
	for i := range in.shards {
		in.shards[i].byHash = make(map[uint64]*Stack)
	}
	return in
}

// HashFrames computes the content hash of a frame sequence.
func HashFrames(frames []uint64) uint64 {
	var d xxhash.Digest
	d.Reset()
	var buf [8]byte
	for _, f := range frames {
		binary.LittleEndian.PutUint64(buf[:], f)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Normalize interns the frame sequence and returns its ref. Identical
// sequences always yield the same id within a run. An empty sequence
// yields EmptyRef.
func (in *Interner) Normalize(frames []uint64) Ref {
	if len(frames) == 0 {
		return EmptyRef
	}
	in.processed.Add(1)

	hash := HashFrames(frames)
	sh := &in.shards[hash&(shardCount-1)]

	sh.mu.RLock()
	st := sh.byHash[hash]
	sh.mu.RUnlock()
	if st != nil {
		st.frequency.Add(1)
		in.hits.Add(1)
		return Ref{ID: st.ID, Hash: hash, Depth: st.Depth}
	}

	sh.mu.Lock()
	if st = sh.byHash[hash]; st == nil {
		st = &Stack{
			ID:     in.nextID.Add(1),
			Frames: append([]uint64(nil), frames...),
			Hash:   hash,
			Depth:  uint32(len(frames)),
		}
		sh.byHash[hash] = st
		in.byID.Store(st.ID, st)
		in.misses.Add(1)
	} else {
		in.hits.Add(1)
	}
	sh.mu.Unlock()

	st.frequency.Add(1)
	return Ref{ID: st.ID, Hash: hash, Depth: st.Depth}
}

// Get resolves an id back to its interned stack.
func (in *Interner) Get(id uint32) (*Stack, bool) {
	if id == 0 {
		return nil, false
	}
	v, ok := in.byID.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Stack), true
}

// Lookup resolves a content hash to its interned stack, if present.
func (in *Interner) Lookup(hash uint64) (*Stack, bool) {
	sh := &in.shards[hash&(shardCount-1)]
	sh.mu.RLock()
	st := sh.byHash[hash]
	sh.mu.RUnlock()
	return st, st != nil
}

// All returns a snapshot of every interned stack, ordered by id.
func (in *Interner) All() []*Stack {
	var out []*Stack
	in.byID.Range(func(_, v any) bool {
		out = append(out, v.(*Stack))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns running interner statistics.
func (in *Interner) Stats() Stats {
	unique := uint64(in.nextID.Load())
	hits := in.hits.Load()

	// Each hit avoided storing roughly one frame slice.
	var avgFrameBytes uint64
	if unique > 0 {
		var frames uint64
		in.byID.Range(func(_, v any) bool {
			frames += uint64(len(v.(*Stack).Frames))
			return true
		})
		avgFrameBytes = frames * 8 / unique
	}

	return Stats{
		Processed:    in.processed.Load(),
		Hits:         hits,
		Misses:       in.misses.Load(),
		UniqueStacks: unique,
		BytesSaved:   hits * avgFrameBytes,
	}
}
