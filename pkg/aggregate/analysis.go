// Package aggregate merges independently written per-thread tracking
// files into one unified analysis.
package aggregate

import "sort"

// ThreadStats summarizes one thread's replayed event log.
type ThreadStats struct {
	ThreadID           uint64  `json:"thread_id"`
	TotalAllocations   uint64  `json:"total_allocations"`
	TotalDeallocations uint64  `json:"total_deallocations"`
	PeakMemory         uint64  `json:"peak_memory"`
	TotalAllocated     uint64  `json:"total_allocated"`
	AvgAllocationSize  float64 `json:"avg_allocation_size"`
}

// HotCallStack ranks one call stack across all threads.
type HotCallStack struct {
	CallStackHash  uint64 `json:"call_stack_hash"`
	TotalFrequency uint64 `json:"total_frequency"`
	TotalSize      uint64 `json:"total_size"`
}

// Summary holds cross-thread totals.
type Summary struct {
	TotalThreads       int    `json:"total_threads"`
	TotalAllocations   uint64 `json:"total_allocations"`
	TotalDeallocations uint64 `json:"total_deallocations"`
	// PeakMemoryUsage is the sum of independent per-thread peaks, an
	// upper-bound approximation. Per-thread clocks are not comparable
	// enough for an exact cross-thread sweep.
	PeakMemoryUsage      uint64 `json:"peak_memory_usage"`
	TotalMemoryAllocated uint64 `json:"total_memory_allocated"`
	UniqueCallStacks     int    `json:"unique_call_stacks"`
}

// Analysis is the merged result of one aggregation pass.
type Analysis struct {
	ThreadStats       map[uint64]ThreadStats `json:"thread_stats"`
	Summary           Summary                `json:"summary"`
	HottestCallStacks []HotCallStack         `json:"hottest_call_stacks"`
	// Warnings records skipped or partially read files. A non-empty
	// list still means a usable, best-effort analysis.
	Warnings []string `json:"warnings,omitempty"`
}

// NewAnalysis returns an empty analysis.
func NewAnalysis() *Analysis {
	return &Analysis{ThreadStats: make(map[uint64]ThreadStats)}
}

// MostActiveThreads returns up to limit threads ordered by allocation
// count, busiest first.
func (a *Analysis) MostActiveThreads(limit int) []ThreadStats {
	return a.topThreads(limit, func(s ThreadStats) uint64 { return s.TotalAllocations })
}

// HighestMemoryThreads returns up to limit threads ordered by peak
// memory, largest first.
func (a *Analysis) HighestMemoryThreads(limit int) []ThreadStats {
	return a.topThreads(limit, func(s ThreadStats) uint64 { return s.PeakMemory })
}

func (a *Analysis) topThreads(limit int, key func(ThreadStats) uint64) []ThreadStats {
	out := make([]ThreadStats, 0, len(a.ThreadStats))
	for _, s := range a.ThreadStats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if key(out[i]) != key(out[j]) {
			return key(out[i]) > key(out[j])
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	if limit < len(out) {
		out = out[:limit]
	}
	return out
}

// recalculate fills the summary from the per-thread stats and the
// merged call-stack table.
func (a *Analysis) recalculate(uniqueStacks int) {
	var s Summary
	s.TotalThreads = len(a.ThreadStats)
	s.UniqueCallStacks = uniqueStacks
	for _, st := range a.ThreadStats {
		s.TotalAllocations += st.TotalAllocations
		s.TotalDeallocations += st.TotalDeallocations
		s.PeakMemoryUsage += st.PeakMemory
		s.TotalMemoryAllocated += st.TotalAllocated
	}
	a.Summary = s
}
