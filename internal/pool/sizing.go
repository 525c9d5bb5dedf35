package pool

import (
	"runtime"

	"github.com/pbnjay/memory"
)

// ResolveDefaultSize computes the default pool size:
// min(logical CPUs, available memory GiB / 2). Each annotator instance
// plus its own tagger/WSD traffic is memory-hungry enough that CPU
// count alone overcommits on small machines.
func ResolveDefaultSize() int {
	cpus := runtime.NumCPU()

	avail := memory.FreeMemory()
	if avail == 0 {
		avail = memory.TotalMemory()
	}
	const gib = 1 << 30
	memBound := int(avail / gib / 2)
	if memBound <= 0 {
		memBound = 1
	}

	n := cpus
	if memBound < n {
		n = memBound
	}
	if n <= 0 {
		n = 1
	}
	return n
}
