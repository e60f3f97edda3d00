package monitor

import (
	"runtime"
	"time"

	"github.com/prometheus/procfs"
)

// processUsage reads process-wide memory and CPU figures. On Linux it
// samples /proc/self; elsewhere it falls back to runtime heap stats
// with no CPU figure.
type processUsage struct {
	proc    procfs.Proc
	haveFS  bool
	lastCPU float64
	lastAt  time.Time
}

func newProcessUsage() *processUsage {
	u := &processUsage{}
	if proc, err := procfs.Self(); err == nil {
		u.proc = proc
		u.haveFS = true
	}
	return u
}

// read returns resident memory in bytes and CPU utilization as a
// percentage since the previous call (0 on the first call).
func (u *processUsage) read() (uint64, float64) {
	if !u.haveFS {
		return heapBytes(), 0
	}

	stat, err := u.proc.Stat()
	if err != nil {
		return heapBytes(), 0
	}

	now := time.Now()
	total := stat.CPUTime()

	var cpu float64
	if !u.lastAt.IsZero() {
		if elapsed := now.Sub(u.lastAt).Seconds(); elapsed > 0 {
			cpu = (total - u.lastCPU) / elapsed * 100
		}
	}
	u.lastCPU = total
	u.lastAt = now

	return uint64(stat.ResidentMemory()), cpu
}

func heapBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
