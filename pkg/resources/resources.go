// Package resources captures a point-in-time snapshot of the resources
// the current process has consumed, for embedding in analysis reports.
package resources

import (
	"os"
	"runtime"
	"time"
)

// Snapshot describes process resource usage at capture time. Byte
// fields are zero on platforms where the underlying counter is
// unavailable.
type Snapshot struct {
	// MaxRSS is the peak resident set size in bytes.
	MaxRSS uint64 `json:"max_rss_bytes"`
	// UserTime and SystemTime are cumulative CPU seconds.
	UserTime   float64 `json:"user_time_seconds"`
	SystemTime float64 `json:"system_time_seconds"`
	// VMSize and VMRSS are the current virtual and resident sizes in
	// bytes.
	VMSize uint64 `json:"vm_size_bytes"`
	VMRSS  uint64 `json:"vm_rss_bytes"`

	NumCPU     int       `json:"num_cpu"`
	Hostname   string    `json:"hostname"`
	CapturedAt time.Time `json:"captured_at"`
}

// Capture takes a snapshot of the current process. Capture never
// fails: counters that cannot be read are left zero.
func Capture() Snapshot {
	s := Snapshot{
		NumCPU:     runtime.NumCPU(),
		CapturedAt: time.Now().UTC(),
	}
	s.Hostname, _ = os.Hostname()
	fill(&s)
	return s
}
