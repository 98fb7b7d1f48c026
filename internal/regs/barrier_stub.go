//go:build !linux || !cgo

package regs

// Sfence is a no-op on platforms without cgo/linux fence intrinsics. Go's
// memory model already orders the atomic stores Write32 performs; this stub
// exists so callers don't need a second build-tagged code path.
func Sfence() {}

// Mfence is a no-op fallback; see Sfence.
func Mfence() {}
