//go:build !linux

package affinity

// Pin is a no-op on platforms without SCHED_SETAFFINITY; see the linux
// build's Pin for the real behavior.
func Pin(cpus []int, idx int) error { return nil }
