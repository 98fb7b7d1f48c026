package constants

import "time"

// Register window layout
//
// Offsets follow the external register map: a set of fixed single registers,
// a per-queue command-ring block at a 0x10 stride, and a per-queue doorbell
// block at a 4-byte stride in a separate region.
const (
	RegVersion    = 0x0000
	RegCaps       = 0x0004
	RegControl    = 0x0008
	RegStatus     = 0x000C
	RegScratch    = 0x0010
	RegIRQStatus  = 0x0020
	RegIRQEnable  = 0x0024
	RegIRQAck     = 0x0028
	RegCmdBase    = 0x0040
	RegCmdSize    = 0x0044
	RegCmdHead    = 0x0048
	RegCmdTail    = 0x004C
	RegFenceAddr  = 0x0060
	RegFenceValue = 0x0064

	// RegShaderAddr/RegShaderData are the write-window register pair the
	// (excluded) shader manager uses to push instruction words into the
	// device's shader instruction memory. Not part of the bit-exact
	// register map in spec.md §6 (which only specifies the shader manager's
	// interface, not its register offsets); placed in the unused gap
	// between the fence registers and the per-queue command block.
	RegShaderAddr = 0x0068
	RegShaderData = 0x006C

	PerQueueStride = 0x10
	DoorbellBase   = 0x2000
	DoorbellStride = 0x04
)

// CONTROL register bits
const (
	ControlEnable      = 1 << 0
	ControlReset       = 1 << 1
	ControlPause       = 1 << 2
	ControlFlushCache  = 1 << 4
	ControlPerfCounter = 1 << 5
)

// STATUS register bits
const (
	StatusIdle      = 1 << 0
	StatusBusy      = 1 << 1
	StatusError     = 1 << 2
	StatusHalted    = 1 << 3
	StatusFenceDone = 1 << 4
	StatusCmdEmpty  = 1 << 5
	StatusCmdFull   = 1 << 6
)

// IRQ mask bits, shared by IRQ_STATUS/IRQ_ENABLE/IRQ_ACK
const (
	IRQCmdComplete = 1 << 0
	IRQError       = 1 << 1
	IRQFence       = 1 << 2
	IRQQueueEmpty  = 1 << 3
	IRQShaderHalt  = 1 << 4
	IRQPerfCounter = 1 << 5
)

// Command ring sizing
const (
	// MinRingSize is the smallest allowed ring size in bytes.
	MinRingSize = 4096

	// MaxRingSize is the largest allowed ring size in bytes.
	MaxRingSize = 262144

	// DefaultRingSize is used when a queue is created without an explicit size.
	DefaultRingSize = MinRingSize
)

// Priority classes, lowest to highest.
const (
	PriorityLow = iota
	PriorityNormal
	PriorityHigh
	PriorityRealtime

	NumPriorities
)

// Default queue/job configuration
const (
	// DefaultQueueDepth is the hardware-fixed max in-flight admission per queue.
	DefaultQueueDepth = 16

	// DefaultJobTimeout is applied to a job when none is supplied at submit time.
	DefaultJobTimeout = 10 * time.Second

	// DefaultGraphicsQueueID is the queue created eagerly during init.
	DefaultGraphicsQueueID = 0

	// ComputeQueueID and DMAQueueID are the queues auto-selected by job type
	// when the caller does not pin a queue explicitly.
	ComputeQueueID = 1
	DMAQueueID     = 2
)

// Scheduling and health timing
//
// These intervals balance responsiveness against polling overhead; they
// mirror the cadence called out for the timeout sweep, heartbeat, and hang
// detector rather than being tuned against real silicon.
const (
	// TimeoutSweepInterval is how often the scheduler's timeout sweep
	// goroutine scans running jobs for expired deadlines.
	TimeoutSweepInterval = 1 * time.Second

	// HeartbeatInterval is how often the health engine pokes SCRATCH and
	// checks for liveness.
	HeartbeatInterval = 1 * time.Second

	// HangCheckInterval is how often CMD_HEAD and the fence value are
	// sampled for the hang detector.
	HangCheckInterval = 2 * time.Second

	// HangTimeout is how long CMD_HEAD and the fence value may sit
	// unchanged under STATUS_BUSY before a hang is declared.
	HangTimeout = 5 * time.Second

	// WaitSpacePollInterval is the polling granularity for wait_space;
	// short enough to avoid CPU burn, long enough to not busy-loop.
	WaitSpacePollInterval = 1 * time.Millisecond

	// ResetAssertDuration is the minimum time the RESET control bit is
	// held asserted before being cleared during the staged reset sequence.
	ResetAssertDuration = 10 * time.Millisecond
)

// Saved register set captured by the reset/health engine before a reset or
// a transition into a no-power state.
const (
	SavedRegControl   = RegControl
	SavedRegIRQEnable = RegIRQEnable
	SavedRegFenceAddr = RegFenceAddr
)

// Memory sizing
const (
	// FencePageSize is the DMA-coherent allocation backing the fence cells,
	// large enough to hold one uint32 counter per hardware queue with room
	// to grow.
	FencePageSize = 4096
)
