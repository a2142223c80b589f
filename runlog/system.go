package runlog

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/syntropy-systems-oss/whirr/runs"
)

// systemSampler appends host and process resource usage to system.jsonl on
// a fixed interval while the run is open. Sampling failures are skipped
// silently; a run must never fail because resource probes did.
type systemSampler struct {
	path     string
	interval time.Duration

	mu   sync.Mutex
	idx  int
	stop chan struct{}
	done chan struct{}
	proc *process.Process
}

func newSystemSampler(path string, interval time.Duration) *systemSampler {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &systemSampler{
		path:     path,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		proc:     proc,
	}
}

// Start launches the sampling goroutine. One sample is taken immediately so
// short runs still record a baseline.
func (s *systemSampler) Start() {
	go func() {
		defer close(s.done)
		s.sample()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

// Stop ends sampling and waits for the goroutine to exit.
func (s *systemSampler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *systemSampler) sample() {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := runs.Metric{
		"_idx":       s.idx,
		"_timestamp": runs.UTCNow(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		record["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		record["memory_percent"] = vm.UsedPercent
		record["memory_used_gb"] = float64(vm.Used) / 1024 / 1024 / 1024
	}
	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil {
			record["process_rss_gb"] = float64(info.RSS) / 1024 / 1024 / 1024
		}
	}

	if err := runs.AppendMetric(s.path, record); err != nil {
		return
	}
	s.idx++
}
