package resources

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func fill(s *Snapshot) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil {
		// ru_maxrss is reported in kilobytes on Linux.
		s.MaxRSS = uint64(ru.Maxrss) * 1024
		s.UserTime = float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
		s.SystemTime = float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
	}

	f, err := os.Open("/proc/self/statm")
	if err != nil {
		return
	}
	defer f.Close()

	// First two statm fields are total program size and resident set,
	// both in pages.
	var size, rss uint64
	if _, err := fmt.Fscan(f, &size, &rss); err != nil {
		return
	}
	pageSize := uint64(os.Getpagesize())
	s.VMSize = size * pageSize
	s.VMRSS = rss * pageSize
}
