package task

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Janitor reclaims expired task records, their durable results, and orphaned
// temp workspaces. Deletions are always scoped to a single task's artifact
// list or workspace directory; it never sweeps a directory an active task
// could be writing to.
type Janitor struct {
	registry    *Registry
	retention   time.Duration
	tempRoot    string
	resultsRoot string
	log         zerolog.Logger
}

func NewJanitor(reg *Registry, retention time.Duration, tempRoot, resultsRoot string, log zerolog.Logger) *Janitor {
	return &Janitor{
		registry:    reg,
		retention:   retention,
		tempRoot:    tempRoot,
		resultsRoot: resultsRoot,
		log:         log.With().Str("component", "janitor").Logger(),
	}
}

// Start runs the sweep loop until ctx is cancelled. The interval is a
// fraction of the retention window so records expire reasonably promptly.
func (j *Janitor) Start(ctx context.Context) {
	interval := j.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				j.log.Debug().Msg("janitor shutting down")
				return
			case <-ticker.C:
				j.Sweep()
			}
		}
	}()
}

// Sweep performs one pass: evict expired records and delete orphan temp dirs.
func (j *Janitor) Sweep() {
	cutoff := time.Now().Add(-j.retention)
	for _, t := range j.registry.ExpiredBefore(cutoff) {
		j.ReclaimTask(t)
		j.registry.Delete(t.ID)
		j.log.Info().Str("task", t.ID).Msg("expired task record evicted")
	}
	j.sweepOrphans()
}

// ReclaimTask deletes the task's temp artifacts, workspace and durable result
// directory. Cleanup failures are logged, never escalated.
func (j *Janitor) ReclaimTask(t Task) {
	for _, p := range t.TempArtifacts {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			j.log.Warn().Err(err).Str("path", p).Msg("failed to remove temp artifact")
		}
	}
	if j.tempRoot != "" {
		removeDir(j.log, filepath.Join(j.tempRoot, t.ID))
	}
	if j.resultsRoot != "" {
		removeDir(j.log, filepath.Join(j.resultsRoot, t.ID))
	}
}

// sweepOrphans removes temp workspaces whose task id is no longer registered.
// A workspace left behind by a crash has no owner and is safe to delete once
// its id is absent from the registry.
func (j *Janitor) sweepOrphans() {
	if j.tempRoot == "" {
		return
	}
	dirs, err := os.ReadDir(j.tempRoot)
	if err != nil {
		return
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if _, known := j.registry.Get(d.Name()); known {
			continue
		}
		removeDir(j.log, filepath.Join(j.tempRoot, d.Name()))
		j.log.Info().Str("dir", d.Name()).Msg("orphan workspace removed")
	}
}

func removeDir(log zerolog.Logger, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to remove directory")
	}
}
