// mediaforge/resource/monitor_test.go
package resource

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMonitor(t *testing.T) *Monitor {
	t.Helper()
	return NewMonitor(Options{
		MemCeilingPct:  80,
		MinFreeDisk:    1 << 30,
		MaxConcurrency: 2,
		SampleInterval: time.Second,
		WatchPath:      t.TempDir(),
	}, zerolog.Nop())
}

func TestMonitor_CanAdmit(t *testing.T) {
	m := testMonitor(t)

	healthy := Sample{CPUPercent: 10, MemPercent: 40, DiskFreeBytes: 10 << 30, TakenAt: time.Now()}

	t.Run("admits under all thresholds", func(t *testing.T) {
		m.latest.Store(healthy)
		assert.True(t, m.CanAdmit(0))
		assert.True(t, m.CanAdmit(1))
	})

	t.Run("rejects at the concurrency ceiling", func(t *testing.T) {
		m.latest.Store(healthy)
		assert.False(t, m.CanAdmit(2))
		assert.False(t, m.CanAdmit(3))
	})

	t.Run("rejects at the memory ceiling", func(t *testing.T) {
		s := healthy
		s.MemPercent = 80
		m.latest.Store(s)
		assert.False(t, m.CanAdmit(0))
	})

	t.Run("rejects when disk is too low", func(t *testing.T) {
		s := healthy
		s.DiskFreeBytes = 100 << 20
		m.latest.Store(s)
		assert.False(t, m.CanAdmit(0))
	})
}

func TestMonitor_SampleIsPopulated(t *testing.T) {
	m := testMonitor(t)
	s := m.Latest()
	assert.False(t, s.TakenAt.IsZero())
	assert.Greater(t, s.DiskFreeBytes, uint64(0))
}

func TestMonitor_CleanupSweepsExpiredTempFiles(t *testing.T) {
	tempRoot := t.TempDir()
	m := NewMonitor(Options{
		MemCeilingPct:  80,
		MinFreeDisk:    1,
		MaxConcurrency: 2,
		SampleInterval: time.Second,
		WatchPath:      tempRoot,
		TempRoot:       tempRoot,
		TempRetention:  time.Millisecond,
	}, zerolog.Nop())

	stale := filepath.Join(tempRoot, "stale.bin")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	workspace := filepath.Join(tempRoot, "task_abc")
	require.NoError(t, os.MkdirAll(workspace, 0o755))

	time.Sleep(5 * time.Millisecond)
	m.TriggerCleanup()

	assert.NoFileExists(t, stale)
	assert.DirExists(t, workspace, "task workspaces are not the monitor's to delete")
}
