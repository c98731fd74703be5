package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"mediaforge/subtitle"
	"mediaforge/task"
)

// Transcript is the output of a speech-to-text pass over one audio file.
type Transcript struct {
	Text     string
	Language string
	Cues     []subtitle.Cue
}

// Transcriber converts an audio file into a transcript. Implementations
// block until the transcript is complete.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (Transcript, error)
}

// CommandTranscriber shells out to a configured transcription command. The
// command receives the audio path as its final argument and must print a
// JSON document on stdout:
//
//	{"text": "...", "language": "en",
//	 "segments": [{"start": 0.0, "end": 2.5, "text": "..."}]}
type CommandTranscriber struct {
	argv []string
	log  zerolog.Logger
}

func NewCommandTranscriber(command string, log zerolog.Logger) (*CommandTranscriber, error) {
	if command == "" {
		return nil, fmt.Errorf("no transcriber command configured")
	}
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcriber command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty transcriber command")
	}
	return &CommandTranscriber{
		argv: argv,
		log:  log.With().Str("component", "transcriber").Logger(),
	}, nil
}

type transcriptDoc struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (t *CommandTranscriber) Transcribe(ctx context.Context, audioPath string) (Transcript, error) {
	args := append(append([]string(nil), t.argv[1:]...), audioPath)
	cmd := exec.CommandContext(ctx, t.argv[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t.log.Info().Str("audio", audioPath).Msg("transcribing")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Transcript{}, ctx.Err()
		}
		return Transcript{}, task.NewFailure(task.FailProcess,
			"transcriber failed: %v: %s", err, lastNonEmpty(stderr.String()))
	}

	var doc transcriptDoc
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return Transcript{}, task.NewFailure(task.FailProcess, "transcriber output is not valid JSON: %v", err)
	}

	out := Transcript{Text: doc.Text, Language: doc.Language}
	for i, seg := range doc.Segments {
		out.Cues = append(out.Cues, subtitle.Cue{
			Index: i + 1,
			Start: time.Duration(seg.Start * float64(time.Second)),
			End:   time.Duration(seg.End * float64(time.Second)),
			Text:  seg.Text,
		})
	}
	return out, nil
}

func lastNonEmpty(s string) string {
	var last string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if line := s[start:i]; line != "" {
				last = line
			}
			start = i + 1
		}
	}
	return last
}
