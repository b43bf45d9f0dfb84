// Package monitor samples the agent process and host at a fixed interval and
// reports through the structured logger. Telemetry only, no control flow.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

const defaultSampleInterval = 30 * time.Second

// Snapshot is one observation of the running agent.
type Snapshot struct {
	CPUPercent     float64 `json:"cpu_percent"`
	HostCPUPercent float64 `json:"host_cpu_percent"`
	RSSBytes       uint64  `json:"rss_bytes"`
	Goroutines     int     `json:"goroutines"`
	LoadAvg1       float64 `json:"load_avg_1"`
	CollectedAtMs  int64   `json:"collected_at_ms"`
}

// Sampler periodically captures a Snapshot of this process.
type Sampler struct {
	log      *slog.Logger
	interval time.Duration
	proc     *process.Process

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewSampler(log *slog.Logger, interval time.Duration) (*Sampler, error) {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{
		log:      log,
		interval: interval,
		proc:     proc,
		stop:     make(chan struct{}),
	}, nil
}

// Start launches the sampling loop. Call Close to stop it.
func (s *Sampler) Start() {
	if s == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				snap, err := s.Sample(context.Background())
				if err != nil {
					s.log.Debug("monitor.sample.failed", "error", err.Error())
					continue
				}
				s.log.Debug("monitor.sample",
					"cpu_percent", snap.CPUPercent,
					"host_cpu_percent", snap.HostCPUPercent,
					"rss_bytes", snap.RSSBytes,
					"goroutines", snap.Goroutines,
					"load_avg_1", snap.LoadAvg1,
				)
			}
		}
	}()
}

func (s *Sampler) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Sample captures one snapshot. Host-level metrics are best effort; their
// absence never fails the sample.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	if s == nil || s.proc == nil {
		return Snapshot{}, errors.New("sampler not initialized")
	}
	snap := Snapshot{
		Goroutines:    runtime.NumGoroutine(),
		CollectedAtMs: time.Now().UnixMilli(),
	}

	if cpuPct, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		snap.CPUPercent = cpuPct
	}
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
	} else if err != nil {
		return Snapshot{}, err
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		snap.HostCPUPercent = pcts[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAvg1 = avg.Load1
	}
	return snap, nil
}
