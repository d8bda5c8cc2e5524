package health

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"tickflow/logger"
)

type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskPct     float64   `json:"disk_percent"`
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

// resourceSampler records host usage next to pipeline throughput so a
// stalled stage can be told apart from a starved host.
type resourceSampler struct {
	ring[resourceSnapshot]
	interval time.Duration
	diskPath string
	log      *logger.Log

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	return &resourceSampler{
		ring:     ring[resourceSnapshot]{limit: limit},
		interval: interval,
		diskPath: diskPath,
		log:      log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ctx.Err() == nil {
			snap, err := s.sample(ctx)
			if err != nil {
				s.log.WithComponent("health").WithError(err).Debug("resource sample failed")
				select {
				case <-ctx.Done():
				case <-time.After(s.interval):
				}
				continue
			}
			s.push(snap)
		}
	}()
}

// sample blocks for one interval while measuring cpu.
func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuPct, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return resourceSnapshot{}, err
	}
	vm, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}
	du, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return resourceSnapshot{}, err
	}
	snap := resourceSnapshot{
		Timestamp:   time.Now(),
		MemoryUsed:  vm.Used,
		MemoryTotal: vm.Total,
		MemoryPct:   vm.UsedPercent,
		DiskPct:     du.UsedPercent,
	}
	if len(cpuPct) > 0 {
		snap.CPUPercent = cpuPct[0]
	}
	return snap, nil
}

func (s *resourceSampler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
