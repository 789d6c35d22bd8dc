// Package sysinfo reports best-effort process resource usage for heartbeat
// payloads. Readings are informational; a zero value never blocks anything.
package sysinfo

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// CPUTracker derives process CPU utilization from rusage deltas between
// successive calls. Safe for concurrent use.
type CPUTracker struct {
	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
}

// NewCPUTracker starts tracking from the current instant. The first Percent
// call covers the window since construction.
func NewCPUTracker() *CPUTracker {
	return &CPUTracker{lastWall: time.Now()}
}

// Percent returns the process CPU utilization since the previous call as a
// percentage of one core. Returns 0 when usage cannot be read.
func (t *CPUTracker) Percent() float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	cpu := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	wall := now.Sub(t.lastWall)
	delta := cpu - t.lastCPU
	t.lastCPU = cpu
	t.lastWall = now

	if wall <= 0 || delta < 0 {
		return 0
	}
	return float64(delta) / float64(wall) * 100
}

// HeapMB returns the current heap allocation in megabytes.
func HeapMB() int {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int(ms.HeapAlloc / 1024 / 1024)
}
