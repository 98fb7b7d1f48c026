package gpu

import (
	"context"
	"sync"
	"time"

	"github.com/fpgadrv/gpucore/internal/command"
	"github.com/fpgadrv/gpucore/internal/constants"
	"github.com/fpgadrv/gpucore/internal/fence"
	"github.com/fpgadrv/gpucore/internal/hw"
	"github.com/fpgadrv/gpucore/internal/lifecycle"
	"github.com/fpgadrv/gpucore/internal/logging"
	"github.com/fpgadrv/gpucore/internal/regs"
	"github.com/fpgadrv/gpucore/internal/reset"
	"github.com/fpgadrv/gpucore/internal/scheduler"
	"github.com/fpgadrv/gpucore/internal/validator"
)

// JobID identifies a submitted job; re-exported from internal/scheduler so
// callers never need to import an internal package.
type JobID = scheduler.JobID

// Kind selects queue auto-assignment the way spec.md §4.E describes:
// DMA prefers queue 2, compute queue 1, everything else (graphics) queue 0.
type Kind = scheduler.Kind

const (
	KindGraphics = scheduler.KindGraphics
	KindCompute  = scheduler.KindCompute
	KindDMA      = scheduler.KindDMA
	KindOther    = scheduler.KindOther
)

// Priority classes, lowest to highest, matching the four scheduler buckets.
const (
	PriorityLow      = constants.PriorityLow
	PriorityNormal   = constants.PriorityNormal
	PriorityHigh     = constants.PriorityHigh
	PriorityRealtime = constants.PriorityRealtime
)

// DeviceParams contains parameters for bringing up a device context,
// following the teacher's DeviceParams/DefaultParams shape.
type DeviceParams struct {
	// NumQueues is the number of hardware queues to create, 1..16.
	NumQueues int

	// QueueRingSize is the per-queue ring size in bytes; rounded up to a
	// power of two in [4096, 262144].
	QueueRingSize int

	// QueueDepth is the hardware-fixed max in-flight admission per queue.
	QueueDepth int

	// DefaultJobTimeout is applied to jobs submitted without an explicit one.
	DefaultJobTimeout time.Duration

	// SweepInterval is how often the scheduler's timeout sweep runs.
	SweepInterval time.Duration

	// RegisterWindowSize is the size of the simulated MMIO window; must
	// cover the doorbell region for NumQueues.
	RegisterWindowSize int

	// EnableUnprivileged is carried in the parameters but Submit does not
	// consult it: SubmitOptions.Privileged alone decides whether
	// REG_WRITE/REG_READ records survive validation or are rewritten to NOP.
	EnableUnprivileged bool

	// CPUAffinity pins the scheduler worker goroutine's OS thread to the
	// given CPU set, mirroring the teacher's per-queue-runner affinity
	// knob; nil/empty disables pinning.
	CPUAffinity []int
}

// DefaultParams returns sensible defaults for a single-graphics-queue device.
func DefaultParams() DeviceParams {
	return DeviceParams{
		NumQueues:          1,
		QueueRingSize:      constants.DefaultRingSize,
		QueueDepth:         constants.DefaultQueueDepth,
		DefaultJobTimeout:  constants.DefaultJobTimeout,
		SweepInterval:      constants.TimeoutSweepInterval,
		RegisterWindowSize: constants.DoorbellBase + 16*constants.DoorbellStride,
		EnableUnprivileged: false,
	}
}

// Options bundles optional collaborators, mirroring the teacher's
// Options{Context, Logger, Observer}.
type Options struct {
	// Context governs the lifetime of every background goroutine; if nil,
	// context.Background() is used.
	Context context.Context

	// Logger receives diagnostic output; if nil, components log nothing.
	Logger *logging.Logger

	// Observer receives job/reset events; if nil, a MetricsObserver backed
	// by the device's own Metrics is installed.
	Observer Observer

	// NewHardware builds the simulated (or real) device; if nil, a fresh
	// internal/hw.Simulator is used.
	NewHardware lifecycle.HardwareFactory
}

// schedObserverAdapter narrows gpu.Observer down to the scheduler package's
// own Observer interface (which cannot import the root package without
// creating a cycle), and widens int64 back to uint64 for callers.
type schedObserverAdapter struct{ o Observer }

func (a schedObserverAdapter) ObserveSubmit() { a.o.ObserveSubmit() }
func (a schedObserverAdapter) ObserveComplete(latencyNs int64) {
	if latencyNs < 0 {
		latencyNs = 0
	}
	a.o.ObserveComplete(uint64(latencyNs))
}
func (a schedObserverAdapter) ObserveAbort()  { a.o.ObserveAbort() }
func (a schedObserverAdapter) ObserveTimeout() { a.o.ObserveTimeout() }

// Device is the root object spec.md §3 calls the "device context": it owns
// the register window, the fence/irq/scheduler/reset subsystems (via the
// lifecycle controller), and the metrics this process exposes about them.
// Exactly one exists per opened device.
type Device struct {
	params  DeviceParams
	ctrl    *lifecycle.Controller
	metrics *Metrics

	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// JobHandle is a caller's reference to a submitted job: it can wait for
// completion and, if a fence was requested, wait on the fence cell
// independently of the job's own completion.
type JobHandle struct {
	dev       *Device
	job       *scheduler.Job
	hasFence  bool
	fenceAddr uint32
	fenceVal  uint32
}

// ID returns the job's identifier.
func (h *JobHandle) ID() JobID { return h.job.ID }

// State returns the job's current lifecycle state.
func (h *JobHandle) State() string { return h.job.State().String() }

// Wait blocks until the job reaches a terminal state, ctx is cancelled, or
// timeout elapses (zero means wait indefinitely, bounded only by ctx).
func (h *JobHandle) Wait(ctx context.Context, timeout time.Duration) error {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-h.job.Done():
		res := h.job.Result()
		return mapSchedulerErr(res.Err)
	case <-timeoutCh:
		return ErrTimeout
	case <-ctx.Done():
		return ErrCancelled
	}
}

// WaitFence blocks until the fence value requested at submission time has
// been reached, independent of the job's own completion; returns
// ErrInvalidArgument if the job was submitted without WithFence.
func (h *JobHandle) WaitFence(ctx context.Context, timeout time.Duration) error {
	if !h.hasFence {
		return NewError("device.wait_fence", ErrCodeInvalidArgument, "job was not submitted with a fence")
	}
	if err := h.dev.ctrl.Fence().Wait(ctx, h.fenceAddr, h.fenceVal, timeout); err != nil {
		code := ErrCodeHardwareError
		if fe, ok := err.(*fence.Error); ok {
			switch fe.Kind {
			case fence.ErrInvalidArgument:
				code = ErrCodeInvalidArgument
			case fence.ErrTimeout:
				code = ErrCodeTimeout
			case fence.ErrCancelled:
				code = ErrCodeCancelled
			}
		}
		h.dev.metrics.RecordFenceWait(code == ErrCodeTimeout)
		return NewError("device.wait_fence", code, err.Error())
	}
	h.dev.metrics.RecordFenceWait(false)
	return nil
}

// SubmitOptions describes one job submission.
type SubmitOptions struct {
	// Kind drives queue auto-selection when QueueID is -1.
	Kind Kind

	// Priority is one of PriorityLow..PriorityRealtime.
	Priority int

	// QueueID pins the submission to a specific hardware queue; -1 means
	// auto-select by Kind.
	QueueID int

	// Command is the raw, unvalidated dword stream.
	Command []uint32

	// Privileged allows REG_WRITE/REG_READ records to survive validation
	// unrewritten.
	Privileged bool

	// Timeout is the job's own deadline; zero uses the device default.
	Timeout time.Duration

	// DependsOn lists predecessor jobs that must complete before this one
	// becomes ready.
	DependsOn []JobID

	// WithFence appends a FENCE record to the validated command stream and
	// arms the returned handle's WaitFence with a freshly allocated
	// monotonic sequence number.
	WithFence bool
}

// Open brings up a device context: register window, interrupt core, fence
// engine, one ring per queue, the shader window, the scheduler, and the
// reset/health engine, in spec.md §4.H's order, then starts every
// background goroutine and unmasks interrupts.
func Open(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	cfg := lifecycle.Config{
		NumQueues:          params.NumQueues,
		QueueRingSize:      params.QueueRingSize,
		QueueDepth:         params.QueueDepth,
		DefaultJobTimeout:  params.DefaultJobTimeout,
		SweepInterval:      params.SweepInterval,
		RegisterWindowSize: params.RegisterWindowSize,
		Logger:             options.Logger,
		SchedulerObserver:  schedObserverAdapter{observer},
		ResetHooks: reset.Hooks{
			OnHeartbeat: metrics.RecordHeartbeat,
			OnHang:      metrics.RecordHang,
			OnReset:     func() { observer.ObserveReset() },
		},
		RecordIRQ:    metrics.RecordIRQ,
		NewHardware:  defaultHardwareFactory(options.NewHardware),
		AffinityCPUs: params.CPUAffinity,
	}

	ctrl, err := lifecycle.New(cfg)
	if err != nil {
		return nil, WrapError("device.open", err)
	}

	devCtx, cancel := context.WithCancel(ctx)
	if err := ctrl.Start(devCtx); err != nil {
		cancel()
		ctrl.Close()
		return nil, WrapError("device.open", err)
	}

	return &Device{params: params, ctrl: ctrl, metrics: metrics, cancel: cancel}, nil
}

// defaultHardwareFactory falls back to internal/hw.Simulator when the
// caller doesn't supply one, which is the normal case since there is no
// physical FPGA in this environment.
func defaultHardwareFactory(f lifecycle.HardwareFactory) lifecycle.HardwareFactory {
	if f != nil {
		return f
	}
	return func(bank *regs.Bank, fe *fence.Engine, sink lifecycle.IRQSink) lifecycle.Hardware {
		return hw.New(bank, fe, sink)
	}
}

// Close tears down every subsystem in the reverse of Open's order.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.cancel()
	d.metrics.Stop()
	return d.ctrl.Close()
}

// Suspend drains the rings and saves registers ahead of a power
// transition; Resume restores them. The scheduler keeps running across
// Suspend.
func (d *Device) Suspend(timeout time.Duration) error { return d.ctrl.Suspend(timeout) }
func (d *Device) Resume() error                       { return d.ctrl.Resume() }

// Submit validates opts.Command, builds a scheduler job, and enqueues it.
// It returns as soon as the job is admitted into a priority bucket; use the
// returned handle's Wait to block for completion.
func (d *Device) Submit(opts SubmitOptions) (*JobHandle, error) {
	if d.ctrl.Reset().Fatal() {
		return nil, NewError("device.submit", ErrCodeHardwareError, "device is dead after a failed reset")
	}
	validated, err := validator.Validate(opts.Command, opts.Privileged)
	if err != nil {
		return nil, NewError("device.submit", ErrCodeInvalidArgument, err.Error())
	}

	var fenceAddr, fenceVal uint32
	hasFence := opts.WithFence
	if hasFence {
		fenceVal = d.ctrl.Fence().Next()
		fenceAddr = uint32(d.ctrl.Fence().Addr())
		if err := d.ctrl.Fence().Emit(fenceAddr, fenceVal); err != nil {
			return nil, WrapError("device.submit", err)
		}
		validated = append(validated, command.Encode(command.Header{Opcode: command.OpFence, Size: 3}), fenceAddr, fenceVal)
	}

	job, err := d.ctrl.Scheduler().Submit(opts.Kind, opts.Priority, opts.QueueID, validated, fenceAddr, fenceVal, opts.Timeout, opts.DependsOn)
	if err != nil {
		return nil, mapSchedulerErr(err)
	}

	return &JobHandle{dev: d, job: job, hasFence: hasFence, fenceAddr: fenceAddr, fenceVal: fenceVal}, nil
}

// SubmitAndWait submits a job and blocks until it completes or timeout
// elapses.
func (d *Device) SubmitAndWait(ctx context.Context, opts SubmitOptions, timeout time.Duration) (*JobHandle, error) {
	h, err := d.Submit(opts)
	if err != nil {
		return nil, err
	}
	return h, h.Wait(ctx, timeout)
}

// Cancel removes a pending or queued job synchronously; running jobs cannot
// be cancelled in place and require a reset cycle.
func (d *Device) Cancel(id JobID) error {
	return mapSchedulerErr(d.ctrl.Scheduler().Cancel(id))
}

// AddDependency makes dependent wait on predecessor after both have already
// been submitted.
func (d *Device) AddDependency(dependent, predecessor JobID) error {
	return mapSchedulerErr(d.ctrl.Scheduler().AddDependency(dependent, predecessor))
}

// Info reports a point-in-time summary of device health.
type Info struct {
	NumQueues  int
	InReset    bool
	Fatal      bool
	ResetCount uint64
}

func (d *Device) Info() Info {
	return Info{
		NumQueues:  d.params.NumQueues,
		InReset:    d.ctrl.Reset().InReset(),
		Fatal:      d.ctrl.Reset().Fatal(),
		ResetCount: d.ctrl.Reset().ResetCount(),
	}
}

// Metrics returns the device's built-in metrics instance.
func (d *Device) Metrics() *Metrics { return d.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the device's metrics.
func (d *Device) MetricsSnapshot() MetricsSnapshot { return d.metrics.Snapshot() }

// mapSchedulerErr maps the scheduler's internal error-kind vocabulary onto
// the root package's public ErrorCode vocabulary.
func mapSchedulerErr(err error) error {
	if err == nil {
		return nil
	}
	se, ok := err.(*scheduler.Error)
	if !ok {
		return WrapError("device", err)
	}
	code := ErrCodeHardwareError
	switch se.Kind {
	case scheduler.ErrSelfDependency, scheduler.ErrUnknownQueue:
		code = ErrCodeInvalidArgument
	case scheduler.ErrNotFound:
		code = ErrCodeNotFound
	case scheduler.ErrAlreadyInProgress:
		code = ErrCodeAlreadyInProgress
	case scheduler.ErrCancelled:
		code = ErrCodeCancelled
	case scheduler.ErrTimeout:
		code = ErrCodeTimeout
	case scheduler.ErrHardwareError:
		code = ErrCodeHardwareError
	case scheduler.ErrBusy:
		code = ErrCodeBusy
	}
	return NewError("device", code, se.Msg)
}

