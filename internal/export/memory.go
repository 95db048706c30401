package export

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// MemorySample is one point-in-time memory reading, in bytes.
type MemorySample struct {
	// RSS is the process resident set size; zero where /proc is unavailable.
	RSS uint64

	// HeapUsed and HeapTotal are the Go heap's live and reserved bytes.
	HeapUsed  uint64
	HeapTotal uint64

	// External covers off-heap allocations owned by the runtime (stacks and
	// runtime-internal structures).
	External uint64
}

// MemorySampler tracks the peak of each field across samples. Safe for
// concurrent use; exports sample on row-count intervals and readers pull the
// peak for statistics.
type MemorySampler struct {
	mu   sync.Mutex
	peak MemorySample
}

// Sample takes a reading and folds it into the peak. The runtime stats read
// is cheap; the RSS read is one small /proc file and is skipped silently on
// platforms without it.
func (s *MemorySampler) Sample() MemorySample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sample := MemorySample{
		RSS:       readRSS(),
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
		External:  ms.StackSys + ms.OtherSys,
	}

	s.mu.Lock()
	if sample.RSS > s.peak.RSS {
		s.peak.RSS = sample.RSS
	}
	if sample.HeapUsed > s.peak.HeapUsed {
		s.peak.HeapUsed = sample.HeapUsed
	}
	if sample.HeapTotal > s.peak.HeapTotal {
		s.peak.HeapTotal = sample.HeapTotal
	}
	if sample.External > s.peak.External {
		s.peak.External = sample.External
	}
	s.mu.Unlock()
	return sample
}

// Peak returns the highest value seen so far for each field.
func (s *MemorySampler) Peak() MemorySample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// readRSS reads the resident page count from /proc/self/statm.
func readRSS() uint64 {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * uint64(os.Getpagesize())
}
