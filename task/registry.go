package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
)

// Registry is the in-memory source of truth for task state. Mutations on one
// task are serialized by a per-entry mutex; reads return value snapshots so
// callers never observe a half-applied transition. The sync.Map index scales
// better than a single mutex-protected map under many concurrent tasks.
type Registry struct {
	entries sync.Map // id -> *entry
	log     zerolog.Logger
}

type entry struct {
	mu     sync.Mutex
	t      Task
	cancel context.CancelFunc
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{log: log.With().Str("component", "registry").Logger()}
}

// Create inserts a new queued task and returns its snapshot.
func (r *Registry) Create(kind Kind) Task {
	t := Task{
		ID:        fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix()),
		Kind:      kind,
		Status:    StatusQueued,
		CreatedAt: time.Now(),
	}
	r.entries.Store(t.ID, &entry{t: t})
	r.log.Debug().Str("task", t.ID).Str("kind", string(kind)).Msg("task created")
	return t
}

// Get returns a snapshot of the task, if it exists.
func (r *Registry) Get(id string) (Task, bool) {
	e, ok := r.load(id)
	if !ok {
		return Task{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.t), true
}

// List returns snapshots of every known task.
func (r *Registry) List() []Task {
	var tasks []Task
	r.entries.Range(func(_, value interface{}) bool {
		e := value.(*entry)
		e.mu.Lock()
		tasks = append(tasks, snapshot(&e.t))
		e.mu.Unlock()
		return true
	})
	return tasks
}

// ActiveCount counts tasks that are queued or running.
func (r *Registry) ActiveCount() int {
	n := 0
	r.entries.Range(func(_, value interface{}) bool {
		e := value.(*entry)
		e.mu.Lock()
		if !e.t.Status.Terminal() {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

// MarkRunning transitions queued -> running. It fails if the task is gone or
// already past queued (e.g. cancelled while waiting for a worker slot).
func (r *Registry) MarkRunning(id string) error {
	e, ok := r.load(id)
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.t.Status != StatusQueued {
		return fmt.Errorf("task %s is %s, not queued", id, e.t.Status)
	}
	e.t.Status = StatusRunning
	e.t.StartedAt = time.Now()
	return nil
}

// UpdateProgress records progress for a running task. Progress never goes
// backwards, and updates against a terminal task are dropped so a late
// callback from a just-killed process cannot resurrect the record.
func (r *Registry) UpdateProgress(id string, percent int, stage string) {
	e, ok := r.load(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.t.Status.Terminal() {
		return
	}
	if percent > 100 {
		percent = 100
	}
	if percent > e.t.Progress {
		e.t.Progress = percent
	}
	if stage != "" {
		e.t.Stage = stage
	}
}

// Complete transitions the task to completed with the given result payload.
// The first terminal transition wins; later ones are no-ops.
func (r *Registry) Complete(id string, result interface{}) {
	e, ok := r.load(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.t.Status.Terminal() {
		return
	}
	e.t.Status = StatusCompleted
	e.t.Progress = 100
	e.t.Result = result
	e.t.Error = nil
	e.t.CompletedAt = time.Now()
	r.log.Info().Str("task", id).Msg("task completed")
}

// Fail transitions the task to failed with a structured failure record.
// The first terminal transition wins; later ones are no-ops.
func (r *Registry) Fail(id string, failure *Failure) {
	e, ok := r.load(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.t.Status.Terminal() {
		return
	}
	e.t.Status = StatusFailed
	e.t.Error = failure
	e.t.Result = nil
	e.t.CompletedAt = time.Now()
	r.log.Info().Str("task", id).Str("reason", string(failure.Kind)).Msg("task failed")
}

// Delete removes the record and returns its last snapshot so the caller can
// reclaim any artifacts it still owned.
func (r *Registry) Delete(id string) (Task, bool) {
	value, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return Task{}, false
	}
	e := value.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.t), true
}

// AddArtifacts appends temp paths owned by the task.
func (r *Registry) AddArtifacts(id string, paths ...string) {
	e, ok := r.load(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.t.TempArtifacts = append(e.t.TempArtifacts, paths...)
}

// Artifacts returns the task's current temp artifact list.
func (r *Registry) Artifacts(id string) []string {
	e, ok := r.load(id)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.t.TempArtifacts))
	copy(out, e.t.TempArtifacts)
	return out
}

// AttachCancel stores the cancel func for the task's worker context so a
// client-initiated delete can terminate the running process tree.
func (r *Registry) AttachCancel(id string, cancel context.CancelFunc) {
	e, ok := r.load(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = cancel
}

// Cancel requests termination of a task. A queued task is failed immediately
// (it will never start); a running one has its worker context cancelled and
// the worker records the failure. Terminal tasks cannot be cancelled.
func (r *Registry) Cancel(id string) error {
	e, ok := r.load(id)
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.t.Status {
	case StatusCompleted, StatusFailed:
		return fmt.Errorf("cannot cancel task in state: %s", e.t.Status)
	case StatusQueued:
		e.t.Status = StatusFailed
		e.t.Error = NewFailure(FailCancelled, "cancelled by client while queued")
		e.t.CompletedAt = time.Now()
		r.log.Info().Str("task", id).Msg("queued task cancelled")
	case StatusRunning:
		if e.cancel == nil {
			return fmt.Errorf("task %s is running but has no cancellation handle", id)
		}
		e.cancel()
		r.log.Info().Str("task", id).Msg("cancellation signalled to running task")
	}
	return nil
}

// ExpiredBefore returns snapshots of terminal tasks whose completion is older
// than the cutoff. Used by the janitor's retention sweep.
func (r *Registry) ExpiredBefore(cutoff time.Time) []Task {
	var expired []Task
	r.entries.Range(func(_, value interface{}) bool {
		e := value.(*entry)
		e.mu.Lock()
		if e.t.Status.Terminal() && e.t.CompletedAt.Before(cutoff) {
			expired = append(expired, snapshot(&e.t))
		}
		e.mu.Unlock()
		return true
	})
	return expired
}

func (r *Registry) load(id string) (*entry, bool) {
	value, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*entry), true
}

func snapshot(t *Task) Task {
	cp := *t
	cp.TempArtifacts = append([]string(nil), t.TempArtifacts...)
	return cp
}
