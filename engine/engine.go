package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"mediaforge/compose"
	"mediaforge/config"
	"mediaforge/ffmpeg"
	"mediaforge/task"
)

// StageRunner executes one pipeline stage, reporting progress as 0..100.
type StageRunner interface {
	Run(ctx context.Context, stage ffmpeg.Stage, onProgress func(int)) (ffmpeg.Result, error)
}

// Admitter decides whether a new task may be accepted right now.
type Admitter interface {
	CanAdmit(activeTasks int) bool
}

// Engine owns the task queue and the workers that execute all task kinds. A
// buffered queue feeds a worker loop gated by a concurrency semaphore, so at
// most MaxConcurrency tasks hold FFmpeg processes at a time.
type Engine struct {
	cfg         *config.Config
	registry    *task.Registry
	monitor     Admitter
	runner      StageRunner
	resolver    Resolver
	transcriber Transcriber
	synth       *compose.Synthesizer

	queue chan job
	sem   chan struct{}
	log   zerolog.Logger
}

type job struct {
	id  string
	run func(ctx context.Context, id, workspace string) (interface{}, error)
}

func New(cfg *config.Config, reg *task.Registry, monitor Admitter, runner StageRunner, resolver Resolver, transcriber Transcriber, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		registry:    reg,
		monitor:     monitor,
		runner:      runner,
		resolver:    resolver,
		transcriber: transcriber,
		synth:       compose.NewSynthesizer(),
		queue:       make(chan job, 100),
		sem:         make(chan struct{}, cfg.MaxConcurrency),
		log:         log.With().Str("component", "engine").Logger(),
	}
}

func (e *Engine) Start(ctx context.Context) {
	e.log.Info().Int("maxConcurrency", e.cfg.MaxConcurrency).Msg("engine started")
	go e.workerLoop(ctx)
}

// workerLoop pulls jobs from the queue and processes each in its own
// goroutine once a concurrency slot is free.
func (e *Engine) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("worker loop shutting down")
			return
		case j := <-e.queue:
			select {
			case <-ctx.Done():
				return
			case e.sem <- struct{}{}:
			}
			go func(j job) {
				defer func() { <-e.sem }()
				e.process(ctx, j)
			}(j)
		}
	}
}

func (e *Engine) process(parentCtx context.Context, j job) {
	taskCtx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	e.registry.AttachCancel(j.id, cancel)

	// Cancelled while queued: the record is already terminal.
	if err := e.registry.MarkRunning(j.id); err != nil {
		e.log.Debug().Str("task", j.id).Err(err).Msg("skipping queued job")
		return
	}

	workspace := filepath.Join(e.cfg.TempRoot, j.id)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		e.registry.Fail(j.id, task.NewFailure(task.FailProcess, "create workspace: %v", err))
		return
	}
	e.registry.AddArtifacts(j.id, workspace)

	result, err := j.run(taskCtx, j.id, workspace)
	if err != nil {
		failure := classify(err)
		e.log.Warn().Str("task", j.id).Str("kind", string(failure.Kind)).Msg(failure.Message)
		e.registry.Fail(j.id, failure)
		e.reclaim(j.id, workspace)
		return
	}

	e.registry.Complete(j.id, result)
	// Intermediates are no longer needed; durable outputs live in the
	// results area until the janitor evicts the record.
	if err := os.RemoveAll(workspace); err != nil {
		e.log.Warn().Str("task", j.id).Err(err).Msg("workspace cleanup failed")
	}
	e.log.Info().Str("task", j.id).Msg("task completed")
}

// reclaim removes everything a failed task produced, workspace and any
// partial durable output alike.
func (e *Engine) reclaim(id, workspace string) {
	os.RemoveAll(workspace)
	os.RemoveAll(filepath.Join(e.cfg.ResultsRoot, id))
}

// submit admits, registers and enqueues one task. Admission is checked
// before a record exists so rejected requests leave no trace.
func (e *Engine) submit(kind task.Kind, run func(ctx context.Context, id, workspace string) (interface{}, error)) (task.Task, error) {
	if !e.monitor.CanAdmit(e.registry.ActiveCount()) {
		return task.Task{}, task.NewFailure(task.FailResourceExhausted,
			"service is at capacity, retry later")
	}

	t := e.registry.Create(kind)
	select {
	case e.queue <- job{id: t.ID, run: run}:
	default:
		e.registry.Delete(t.ID)
		return task.Task{}, task.NewFailure(task.FailResourceExhausted, "task queue is full")
	}
	e.log.Info().Str("task", t.ID).Str("kind", string(kind)).Msg("task queued")
	return t, nil
}

// classify maps an arbitrary worker error onto the failure taxonomy.
func classify(err error) *task.Failure {
	var failure *task.Failure
	if errors.As(err, &failure) {
		return failure
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return task.NewFailure(task.FailTimeout, "stage exceeded its time budget")
	}
	if errors.Is(err, context.Canceled) {
		return task.NewFailure(task.FailCancelled, "task was cancelled")
	}
	var procErr *ffmpeg.ProcessError
	if errors.As(err, &procErr) {
		return task.NewFailure(task.FailProcess, "%v", procErr)
	}
	return task.NewFailure(task.FailProcess, "%v", err)
}

// runStages executes a stage plan sequentially. Each stage gets its own
// deadline from the source duration, and its 0..100 progress is mapped onto
// an equal share of the task's progress range.
func (e *Engine) runStages(ctx context.Context, id string, stages []ffmpeg.Stage) ([]StageTiming, error) {
	timings := make([]StageTiming, 0, len(stages))
	for i, st := range stages {
		if st.Sidecar != nil {
			if err := os.WriteFile(st.Sidecar.Path, []byte(st.Sidecar.Content), 0o644); err != nil {
				return timings, task.NewFailure(task.FailProcess, "write %s: %v", st.Sidecar.Path, err)
			}
		}

		base := i * 100 / len(stages)
		span := (i+1)*100/len(stages) - base
		e.registry.UpdateProgress(id, base, st.Name)

		stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout(st.Duration))
		res, err := e.runner.Run(stageCtx, st, func(pct int) {
			e.registry.UpdateProgress(id, base+pct*span/100, st.Name)
		})
		cancel()
		timings = append(timings, StageTiming{Name: st.Name, Seconds: res.Elapsed.Seconds()})
		if err != nil {
			// The parent context decides cancelled vs timed out.
			if ctx.Err() != nil {
				return timings, ctx.Err()
			}
			return timings, err
		}
	}
	return timings, nil
}

// moveFile renames src into place, falling back to a streaming copy when
// the rename crosses filesystems. The temp root and results root commonly
// live on different mounts, and outputs can be hundreds of megabytes, so
// the fallback must never buffer the whole file.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
