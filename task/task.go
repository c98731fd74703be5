package task

import (
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Kind string

const (
	KindTranscription Kind = "transcription"
	KindDownload      Kind = "download"
	KindKeyframes     Kind = "keyframe-extraction"
	KindComposition   Kind = "composition"
)

// Task is one unit of asynchronous work. Result and Error are mutually
// exclusive: both are nil until the task reaches a terminal status, then
// exactly one is set and the record never changes again.
type Task struct {
	ID            string      `json:"id"`
	Kind          Kind        `json:"kind"`
	Status        Status      `json:"status"`
	Progress      int         `json:"progress"`
	Stage         string      `json:"stage,omitempty"`
	Result        interface{} `json:"result,omitempty"`
	Error         *Failure    `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	StartedAt     time.Time   `json:"startedAt,omitempty"`
	CompletedAt   time.Time   `json:"completedAt,omitempty"`
	TempArtifacts []string    `json:"-"` // paths owned by this task until cleanup
}
