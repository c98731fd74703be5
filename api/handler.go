package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"mediaforge/compose"
	"mediaforge/config"
	"mediaforge/engine"
	"mediaforge/resource"
	"mediaforge/task"
)

// SystemMonitor exposes the resource state the stats endpoints report.
type SystemMonitor interface {
	Latest() resource.Sample
	TriggerCleanup()
}

// Sweeper reclaims storage for evicted and failed tasks.
type Sweeper interface {
	Sweep()
	ReclaimTask(t task.Task)
}

type Handler struct {
	engine   *engine.Engine
	registry *task.Registry
	monitor  SystemMonitor
	janitor  Sweeper
	cfg      *config.Config
	log      zerolog.Logger
}

func NewHandler(eng *engine.Engine, reg *task.Registry, monitor SystemMonitor, janitor Sweeper, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		engine:   eng,
		registry: reg,
		monitor:  monitor,
		janitor:  janitor,
		cfg:      cfg,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// taskView is a task snapshot plus a download URL once a result file exists.
type taskView struct {
	task.Task
	DownloadURL string `json:"downloadUrl,omitempty"`
}

func (h *Handler) handleCompose(c *gin.Context) {
	var req compose.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accept(c, func() (task.Task, error) { return h.engine.SubmitComposition(req) })
}

func (h *Handler) handleTranscribe(c *gin.Context) {
	var req engine.TranscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accept(c, func() (task.Task, error) { return h.engine.SubmitTranscription(req) })
}

func (h *Handler) handleDownload(c *gin.Context) {
	var req engine.DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accept(c, func() (task.Task, error) { return h.engine.SubmitDownload(req) })
}

func (h *Handler) handleKeyframes(c *gin.Context) {
	var req engine.KeyframeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accept(c, func() (task.Task, error) { return h.engine.SubmitKeyframes(req) })
}

// accept runs a submission and renders either the 202 envelope or the
// failure mapped to its status code.
func (h *Handler) accept(c *gin.Context, submit func() (task.Task, error)) {
	t, err := submit()
	if err != nil {
		h.renderFailure(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": t.ID, "status": t.Status})
}

// renderFailure maps the failure taxonomy onto HTTP status codes.
func (h *Handler) renderFailure(c *gin.Context, err error) {
	var failure *task.Failure
	if !errors.As(err, &failure) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch failure.Kind {
	case task.FailValidation, task.FailSourceTooLong:
		status = http.StatusBadRequest
	case task.FailResourceExhausted:
		status = http.StatusServiceUnavailable
	case task.FailSourceUnavailable:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": failure.Message, "kind": failure.Kind})
}

func (h *Handler) handleListTasks(c *gin.Context) {
	tasks := h.registry.List()
	views := make([]taskView, len(tasks))
	for i, t := range tasks {
		views[i] = h.view(c, t)
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handler) handleGetTask(c *gin.Context) {
	t, found := h.registry.Get(c.Param("taskId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, h.view(c, t))
}

// handleGetResult streams a completed task's output file. Tasks with several
// files (keyframes) accept ?file= to pick one; the default is the primary.
func (h *Handler) handleGetResult(c *gin.Context) {
	t, found := h.registry.Get(c.Param("taskId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if t.Status != task.StatusCompleted {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("task is %s, no result available", t.Status)})
		return
	}

	name := c.Query("file")
	if name == "" {
		name = primaryFile(t)
	}
	// No traversal out of the task's results directory. Base leaves
	// "." and ".." untouched, so reject those outright.
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such result file"})
		return
	}
	path := filepath.Join(h.cfg.ResultsRoot, t.ID, name)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such result file"})
		return
	}
	c.File(path)
}

// handleDeleteTask cancels an active task or deletes a finished one,
// reclaiming its storage either way.
func (h *Handler) handleDeleteTask(c *gin.Context) {
	id := c.Param("taskId")
	t, found := h.registry.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	if !t.Status.Terminal() {
		if err := h.registry.Cancel(id); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
		return
	}

	if deleted, ok := h.registry.Delete(id); ok {
		h.janitor.ReclaimTask(deleted)
	}
	c.JSON(http.StatusOK, gin.H{"message": "task deleted"})
}

func (h *Handler) handleSystemStats(c *gin.Context) {
	tasks := h.registry.List()
	active := 0
	for _, t := range tasks {
		if !t.Status.Terminal() {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"resources":   h.monitor.Latest(),
		"activeTasks": active,
		"totalTasks":  len(tasks),
	})
}

func (h *Handler) handleSystemCleanup(c *gin.Context) {
	h.monitor.TriggerCleanup()
	h.janitor.Sweep()
	c.JSON(http.StatusOK, gin.H{"message": "cleanup completed"})
}

func (h *Handler) view(c *gin.Context, t task.Task) taskView {
	v := taskView{Task: t}
	if t.Status != task.StatusCompleted {
		return v
	}
	if name := primaryFile(t); name != "" {
		v.DownloadURL = fmt.Sprintf("%s/api/v1/tasks/%s/result", h.baseURL(c), t.ID)
	}
	return v
}

// primaryFile names the main output of a completed task, "" when there is
// nothing to stream.
func primaryFile(t task.Task) string {
	switch r := t.Result.(type) {
	case engine.CompositionResult:
		return r.FileName
	case engine.DownloadResult:
		return r.FileName
	case engine.TranscriptionResult:
		return r.SubtitleFile
	case engine.KeyframeResult:
		if len(r.Frames) > 0 {
			return r.Frames[0]
		}
	}
	return ""
}

func (h *Handler) baseURL(c *gin.Context) string {
	if h.cfg.BaseURL != "" {
		return strings.TrimSuffix(h.cfg.BaseURL, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.Request.Host)
}
