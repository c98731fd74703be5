// mediaforge/resource/monitor.go
package resource

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sample is one point-in-time reading of host resources.
type Sample struct {
	CPUPercent    float64   `json:"cpuPercent"`
	MemPercent    float64   `json:"memPercent"`
	DiskFreeBytes uint64    `json:"diskFreeBytes"`
	TakenAt       time.Time `json:"takenAt"`
}

// Monitor samples CPU/memory/disk on a fixed interval and answers admission
// queries from the latest sample, so CanAdmit is O(1) and never blocks on a
// fresh reading.
type Monitor struct {
	memCeilingPct  float64
	minFreeDisk    uint64
	maxConcurrency int
	interval       time.Duration
	watchPath      string
	tempRoot       string
	retention      time.Duration

	latest atomic.Value // Sample
	log    zerolog.Logger
}

type Options struct {
	MemCeilingPct  float64
	MinFreeDisk    int64
	MaxConcurrency int
	SampleInterval time.Duration
	WatchPath      string        // filesystem whose free space gates admission
	TempRoot       string        // swept for expired temp files during cleanup
	TempRetention  time.Duration // age past which an unowned temp file is expired
}

func NewMonitor(opts Options, log zerolog.Logger) *Monitor {
	m := &Monitor{
		memCeilingPct:  opts.MemCeilingPct,
		minFreeDisk:    uint64(opts.MinFreeDisk),
		maxConcurrency: opts.MaxConcurrency,
		interval:       opts.SampleInterval,
		watchPath:      opts.WatchPath,
		tempRoot:       opts.TempRoot,
		retention:      opts.TempRetention,
		log:            log.With().Str("component", "monitor").Logger(),
	}
	m.latest.Store(m.sample())
	return m
}

// Start runs the sampling loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.log.Debug().Msg("monitor shutting down")
				return
			case <-ticker.C:
				s := m.sample()
				m.latest.Store(s)
				if s.MemPercent >= m.memCeilingPct {
					m.log.Warn().Float64("memPercent", s.MemPercent).Msg("memory ceiling crossed, triggering cleanup")
					m.TriggerCleanup()
				}
			}
		}
	}()
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() Sample {
	return m.latest.Load().(Sample)
}

// CanAdmit decides whether a new task may begin given the current number of
// active tasks. It reads the latest sample only; it never samples inline.
func (m *Monitor) CanAdmit(activeTasks int) bool {
	if activeTasks >= m.maxConcurrency {
		return false
	}
	s := m.Latest()
	if s.MemPercent >= m.memCeilingPct {
		return false
	}
	if s.DiskFreeBytes < m.minFreeDisk {
		return false
	}
	return true
}

// TriggerCleanup performs a best-effort reclamation pass: force a GC, hand
// freed pages back to the OS, and delete expired temp files. Admission is not
// guaranteed to succeed afterwards.
func (m *Monitor) TriggerCleanup() {
	runtime.GC()
	debug.FreeOSMemory()
	m.sweepExpiredTempFiles()
}

// sweepExpiredTempFiles deletes regular files directly under the temp root
// that have outlived the retention window. Task workspaces are directories
// and are owned by their task (or the janitor), so only loose files go.
func (m *Monitor) sweepExpiredTempFiles() {
	if m.tempRoot == "" || m.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.retention)
	entries, err := os.ReadDir(m.tempRoot)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		p := filepath.Join(m.tempRoot, e.Name())
		if err := os.Remove(p); err == nil {
			m.log.Info().Str("path", p).Msg("expired temp file removed")
		}
	}
}

func (m *Monitor) sample() Sample {
	s := Sample{TakenAt: time.Now()}

	// Instantaneous reading; a zero interval avoids blocking the loop.
	if p, err := cpu.Percent(0, false); err != nil {
		m.log.Warn().Err(err).Msg("could not get CPU usage")
	} else if len(p) > 0 {
		s.CPUPercent = p[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		m.log.Warn().Err(err).Msg("could not get memory usage")
	} else {
		s.MemPercent = vm.UsedPercent
	}

	if d, err := disk.Usage(m.watchPath); err != nil {
		m.log.Warn().Err(err).Str("path", m.watchPath).Msg("could not get disk usage")
	} else {
		s.DiskFreeBytes = d.Free
	}

	return s
}
