//go:build !linux

package resources

import "runtime"

func fill(s *Snapshot) {
	// Without OS counters, report the runtime's own view of memory.
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s.VMSize = m.Sys
	s.VMRSS = m.HeapInuse + m.StackInuse
}
