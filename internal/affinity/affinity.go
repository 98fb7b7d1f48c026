//go:build linux

// Package affinity pins the calling goroutine's OS thread to a CPU set,
// the way the teacher pins each queue runner's I/O loop thread. Here it is
// used for the scheduler worker goroutine, the one whose ordering with
// hardware doorbells actually matters.
package affinity

import "golang.org/x/sys/unix"

// Pin restricts the calling OS thread to one CPU of the given set; it does
// not lock the goroutine to that thread, so the caller runs
// runtime.LockOSThread before calling it. idx selects cpus[idx%len(cpus)], matching
// the teacher's round-robin queue-to-CPU assignment. A nil or empty cpus
// is a no-op.
func Pin(cpus []int, idx int) error {
	if len(cpus) == 0 {
		return nil
	}
	cpu := cpus[idx%len(cpus)]
	var mask unix.CPUSet
	mask.Set(cpu)
	return unix.SchedSetaffinity(0, &mask)
}
