// Command fpga-simctl opens a gpu.Device backed by the in-process
// simulated FPGA, submits a stream of jobs against it, and prints the
// resulting metrics. There is no physical card to target outside a lab
// bring-up, so this is the generalization of the teacher's ublk-mem
// exerciser: instead of serving a real block device, it drives the same
// simulated collaborator the test suite does.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpu "github.com/fpgadrv/gpucore"
	"github.com/fpgadrv/gpucore/internal/command"
	"github.com/fpgadrv/gpucore/internal/logging"
)

func main() {
	var (
		numQueues = flag.Int("queues", 1, "Number of hardware queues")
		jobCount  = flag.Int("jobs", 1000, "Number of jobs to submit")
		withFence = flag.Bool("fence", false, "Append a fence record to every job and wait on it independently")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	params := gpu.DefaultParams()
	params.NumQueues = *numQueues

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev, err := gpu.Open(ctx, params, &gpu.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to open device", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			logger.Error("error closing device", "error", err)
		}
	}()

	logger.Info("device opened", "queues", params.NumQueues, "jobs", *jobCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	kinds := []gpu.Kind{gpu.KindGraphics, gpu.KindCompute, gpu.KindDMA}
	priorities := []int{gpu.PriorityLow, gpu.PriorityNormal, gpu.PriorityHigh, gpu.PriorityRealtime}

	start := time.Now()
	handles := make([]*gpu.JobHandle, 0, *jobCount)
	for i := 0; i < *jobCount; i++ {
		if ctx.Err() != nil {
			break
		}
		h, err := dev.Submit(gpu.SubmitOptions{
			Kind:      kinds[i%len(kinds)],
			Priority:  priorities[rand.Intn(len(priorities))],
			QueueID:   -1,
			Command:   nopRecord(),
			WithFence: *withFence,
		})
		if err != nil {
			logger.Warn("submit failed", "index", i, "error", err)
			continue
		}
		handles = append(handles, h)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer waitCancel()
	for _, h := range handles {
		if err := h.Wait(waitCtx, 5*time.Second); err != nil {
			logger.Warn("job did not complete", "id", h.ID(), "error", err)
		}
	}

	elapsed := time.Since(start)
	snap := dev.MetricsSnapshot()
	info := dev.Info()

	fmt.Printf("submitted %d jobs in %s\n", len(handles), elapsed)
	fmt.Printf("completed=%d aborted=%d timed_out=%d reset_count=%d\n",
		snap.JobsCompleted, snap.JobsAborted, snap.JobsTimedOut, info.ResetCount)
	fmt.Printf("avg_latency=%s p50=%s p99=%s jobs_per_sec=%.1f\n",
		time.Duration(snap.AvgLatencyNs), time.Duration(snap.LatencyP50Ns),
		time.Duration(snap.LatencyP99Ns), snap.JobsPerSecond)
}

func nopRecord() []uint32 {
	return []uint32{command.Encode(command.Header{Opcode: command.OpNOP, Size: 1})}
}
