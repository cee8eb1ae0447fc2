package worker

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Registry owns the full set of workers and starts/stops them as one
// unit. Stop order is the reverse of start order so downstream
// consumers drain before their upstreams.
type Registry struct {
	workers []*Worker
	log     *zap.SugaredLogger
}

// NewRegistry creates a worker registry.
func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{log: log.Named("workers")}
}

// Add appends a worker to the start order.
func (r *Registry) Add(w *Worker) {
	r.workers = append(r.workers, w)
}

// Workers returns the registered workers in start order.
func (r *Registry) Workers() []*Worker {
	return r.workers
}

// StartAll starts every worker, warning first when the combined
// concurrency looks too high for available memory.
func (r *Registry) StartAll() {
	if warning := r.checkMemoryPressure(); warning != "" {
		r.log.Warnw("Memory pressure warning", "warning", warning)
	}
	for _, w := range r.workers {
		w.Start()
	}
	r.log.Infow("All workers started", "count", len(r.workers))
}

// StopAll stops workers in reverse start order.
func (r *Registry) StopAll() {
	for i := len(r.workers) - 1; i >= 0; i-- {
		r.workers[i].Stop()
	}
	r.log.Info("All workers stopped")
}

// totalConcurrency sums poll slots across workers.
func (r *Registry) totalConcurrency() int {
	total := 0
	for _, w := range r.workers {
		total += w.opts.Concurrency
	}
	return total
}

// checkMemoryPressure validates total slot count against available
// memory. Returns a warning message if the count may be too high,
// empty string if OK.
func (r *Registry) checkMemoryPressure() string {
	v, err := mem.VirtualMemory()
	if err != nil {
		return "" // Can't check, assume OK
	}

	availableGB := float64(v.Available) / 1024 / 1024 / 1024
	totalGB := float64(v.Total) / 1024 / 1024 / 1024
	recommended := safeSlotCount(availableGB)

	slots := r.totalConcurrency()
	if slots > recommended {
		return fmt.Sprintf(
			"Total worker slots (%d) exceed recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider lowering per-queue concurrency.",
			slots, recommended, availableGB, totalGB)
	}
	return ""
}

// safeSlotCount recommends a slot budget from available memory,
// assuming roughly a quarter GB of headroom per in-flight job.
func safeSlotCount(availableGB float64) int {
	const memoryPerSlot = 0.25 // GB per in-flight job
	const memoryBuffer = 1.0   // GB reserved for the rest of the process

	if availableGB < memoryBuffer {
		return 1
	}
	recommended := int((availableGB - memoryBuffer) / memoryPerSlot)
	if recommended < 1 {
		return 1
	}
	if recommended > 200 {
		return 200
	}
	return recommended
}
