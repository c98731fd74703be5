package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"mediaforge/compose"
	"mediaforge/ffmpeg"
	"mediaforge/subtitle"
	"mediaforge/task"
)

// DownloadRequest asks for a remote source to be fetched into the durable
// results area.
type DownloadRequest struct {
	URL string `json:"url"`
}

func (r DownloadRequest) Validate() error {
	if !isRemote(r.URL) {
		return fmt.Errorf("url must be an http(s) URL")
	}
	return nil
}

// TranscriptionRequest asks for a speech-to-text pass over a source's audio.
type TranscriptionRequest struct {
	Source string `json:"source"`
}

func (r TranscriptionRequest) Validate() error {
	if r.Source == "" {
		return fmt.Errorf("source is required")
	}
	return nil
}

// KeyframeRequest asks for representative frames from a source. Count 0
// extracts every I-frame; a positive count spreads that many frames evenly
// over the duration.
type KeyframeRequest struct {
	Source string `json:"source"`
	Count  int    `json:"count,omitempty"`
}

func (r KeyframeRequest) Validate() error {
	if r.Source == "" {
		return fmt.Errorf("source is required")
	}
	if r.Count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	if r.Count > 500 {
		return fmt.Errorf("count must not exceed 500")
	}
	return nil
}

// StageTiming records how long one pipeline stage ran.
type StageTiming struct {
	Name    string  `json:"name"`
	Seconds float64 `json:"seconds"`
}

// CompositionResult is the durable payload of a finished composition task.
// It is also persisted as metadata.json next to the output file.
type CompositionResult struct {
	FileName          string        `json:"fileName"`
	SizeBytes         int64         `json:"sizeBytes"`
	DurationSeconds   float64       `json:"durationSeconds"`
	Resolution        string        `json:"resolution"`
	ProcessingSeconds float64       `json:"processingSeconds"`
	Stages            []StageTiming `json:"stages"`
}

type DownloadResult struct {
	FileName        string  `json:"fileName"`
	Title           string  `json:"title,omitempty"`
	SizeBytes       int64   `json:"sizeBytes"`
	DurationSeconds float64 `json:"durationSeconds"`
	Resolution      string  `json:"resolution,omitempty"`
}

type TranscriptionResult struct {
	Text         string `json:"text"`
	Language     string `json:"language,omitempty"`
	CueCount     int    `json:"cueCount"`
	SubtitleFile string `json:"subtitleFile,omitempty"`
}

type KeyframeResult struct {
	Frames []string `json:"frames"`
	Count  int      `json:"count"`
}

// SubmitComposition validates and enqueues a composition task.
func (e *Engine) SubmitComposition(req compose.Request) (task.Task, error) {
	if err := req.Validate(); err != nil {
		return task.Task{}, task.NewFailure(task.FailValidation, "%v", err)
	}
	return e.submit(task.KindComposition, func(ctx context.Context, id, ws string) (interface{}, error) {
		return e.runComposition(ctx, id, req, ws)
	})
}

func (e *Engine) SubmitDownload(req DownloadRequest) (task.Task, error) {
	if err := req.Validate(); err != nil {
		return task.Task{}, task.NewFailure(task.FailValidation, "%v", err)
	}
	return e.submit(task.KindDownload, func(ctx context.Context, id, ws string) (interface{}, error) {
		return e.runDownload(ctx, id, req, ws)
	})
}

func (e *Engine) SubmitTranscription(req TranscriptionRequest) (task.Task, error) {
	if err := req.Validate(); err != nil {
		return task.Task{}, task.NewFailure(task.FailValidation, "%v", err)
	}
	if e.transcriber == nil {
		return task.Task{}, task.NewFailure(task.FailValidation, "transcription is not configured")
	}
	return e.submit(task.KindTranscription, func(ctx context.Context, id, ws string) (interface{}, error) {
		return e.runTranscription(ctx, id, req, ws)
	})
}

func (e *Engine) SubmitKeyframes(req KeyframeRequest) (task.Task, error) {
	if err := req.Validate(); err != nil {
		return task.Task{}, task.NewFailure(task.FailValidation, "%v", err)
	}
	return e.submit(task.KindKeyframes, func(ctx context.Context, id, ws string) (interface{}, error) {
		return e.runKeyframes(ctx, id, req, ws)
	})
}

// runComposition resolves every source concurrently, synthesizes the stage
// plan, executes it, and moves the final output into the results area.
func (e *Engine) runComposition(ctx context.Context, id string, req compose.Request, ws string) (interface{}, error) {
	e.registry.UpdateProgress(id, 0, "resolving sources")

	resolved := make([]compose.ResolvedInput, len(req.Inputs))
	var audio *compose.ResolvedAudio
	var subtitleText string

	g, gctx := errgroup.WithContext(ctx)
	for i, in := range req.Inputs {
		i, in := i, in
		g.Go(func() error {
			m, err := e.resolver.Resolve(gctx, in.Source, filepath.Join(ws, fmt.Sprintf("src_%02d", i)))
			if err != nil {
				return err
			}
			resolved[i] = compose.ResolvedInput{Spec: in, Path: m.Path, Info: m.Info}
			return nil
		})
	}
	if req.AudioTrack != nil {
		at := *req.AudioTrack
		g.Go(func() error {
			m, err := e.resolver.Resolve(gctx, at.Source, filepath.Join(ws, "audio"))
			if err != nil {
				return err
			}
			audio = &compose.ResolvedAudio{Spec: at, Path: m.Path, Info: m.Info}
			return nil
		})
	}
	if req.SubtitleTrack != nil && req.SubtitleTrack.Source != "" {
		src := req.SubtitleTrack.Source
		g.Go(func() error {
			text, err := e.resolver.ResolveText(gctx, src)
			if err != nil {
				return err
			}
			subtitleText = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var cues []subtitle.Cue
	if subtitleText != "" {
		total := inputDuration(resolved[0])
		var err error
		cues, err = subtitle.Normalize(subtitleText, subtitle.DetectFormat(req.SubtitleTrack.Source), subtitle.Options{
			TotalDuration: total,
			Floor:         e.cfg.CueFloor,
			Ceiling:       e.cfg.CueCeiling,
		})
		if err != nil {
			return nil, task.NewFailure(task.FailValidation, "subtitles: %v", err)
		}
	}

	stages, err := e.synth.Synthesize(req, resolved, audio, cues, ws)
	if err != nil {
		return nil, task.NewFailure(task.FailValidation, "%v", err)
	}

	started := time.Now()
	timings, err := e.runStages(ctx, id, stages)
	if err != nil {
		return nil, err
	}

	final := stages[len(stages)-1]
	outName := "output" + filepath.Ext(final.Output)
	outPath, err := e.store(id, final.Output, outName)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(outPath)
	if err != nil {
		return nil, task.NewFailure(task.FailProcess, "stat output: %v", err)
	}

	out := req.Output.WithDefaults()
	result := CompositionResult{
		FileName:          outName,
		SizeBytes:         st.Size(),
		DurationSeconds:   final.Duration.Seconds(),
		Resolution:        fmt.Sprintf("%dx%d", out.Width, out.Height),
		ProcessingSeconds: time.Since(started).Seconds(),
		Stages:            timings,
	}
	if err := writeJSON(filepath.Join(e.cfg.ResultsRoot, id, "metadata.json"), result); err != nil {
		e.log.Warn().Str("task", id).Err(err).Msg("metadata write failed")
	}
	return result, nil
}

func (e *Engine) runDownload(ctx context.Context, id string, req DownloadRequest, ws string) (interface{}, error) {
	e.registry.UpdateProgress(id, 0, "downloading")
	m, err := e.resolver.Resolve(ctx, req.URL, filepath.Join(ws, "download"))
	if err != nil {
		return nil, err
	}

	e.registry.UpdateProgress(id, 80, "storing")
	outName := "media" + filepath.Ext(m.Path)
	outPath, err := e.store(id, m.Path, outName)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(outPath)
	if err != nil {
		return nil, task.NewFailure(task.FailProcess, "stat output: %v", err)
	}

	return DownloadResult{
		FileName:        outName,
		Title:           m.Info.Title,
		SizeBytes:       st.Size(),
		DurationSeconds: m.Info.Duration.Seconds(),
		Resolution:      m.Info.Resolution(),
	}, nil
}

func (e *Engine) runTranscription(ctx context.Context, id string, req TranscriptionRequest, ws string) (interface{}, error) {
	e.registry.UpdateProgress(id, 0, "resolving source")
	m, err := e.resolver.Resolve(ctx, req.Source, filepath.Join(ws, "src"))
	if err != nil {
		return nil, err
	}
	if !m.Info.HasAudio {
		return nil, task.NewFailure(task.FailValidation, "source %s has no audio stream", req.Source)
	}

	// Mono 16k PCM, the common denominator for speech models.
	wav := filepath.Join(ws, "audio.wav")
	stage := ffmpeg.Stage{
		Name:     "extract audio",
		Args:     []string{"-i", m.Path, "-vn", "-ac", "1", "-ar", "16000", "-c:a", "pcm_s16le", wav},
		Inputs:   []string{m.Path},
		Output:   wav,
		Duration: m.Info.Duration,
	}
	if err := e.runStage(ctx, id, stage, 0, 50); err != nil {
		return nil, err
	}

	e.registry.UpdateProgress(id, 50, "transcribing")
	tr, err := e.transcriber.Transcribe(ctx, wav)
	if err != nil {
		return nil, err
	}

	e.registry.UpdateProgress(id, 90, "writing transcript")
	result := TranscriptionResult{Text: tr.Text, Language: tr.Language, CueCount: len(tr.Cues)}
	if len(tr.Cues) > 0 {
		srtPath := filepath.Join(ws, "transcript.srt")
		if err := os.WriteFile(srtPath, []byte(subtitle.WriteSRT(tr.Cues)), 0o644); err != nil {
			return nil, task.NewFailure(task.FailProcess, "write transcript: %v", err)
		}
		if _, err := e.store(id, srtPath, "transcript.srt"); err != nil {
			return nil, err
		}
		result.SubtitleFile = "transcript.srt"
	}
	return result, nil
}

func (e *Engine) runKeyframes(ctx context.Context, id string, req KeyframeRequest, ws string) (interface{}, error) {
	e.registry.UpdateProgress(id, 0, "resolving source")
	m, err := e.resolver.Resolve(ctx, req.Source, filepath.Join(ws, "src"))
	if err != nil {
		return nil, err
	}
	if !m.Info.HasVideo {
		return nil, task.NewFailure(task.FailValidation, "source %s has no video stream", req.Source)
	}

	pattern := filepath.Join(ws, "frame_%04d.jpg")
	var args []string
	if req.Count > 0 && m.Info.Duration > 0 {
		fps := float64(req.Count) / m.Info.Duration.Seconds()
		args = []string{
			"-i", m.Path,
			"-vf", "fps=" + strconv.FormatFloat(fps, 'f', 6, 64),
			"-frames:v", strconv.Itoa(req.Count),
			"-vsync", "vfr", pattern,
		}
	} else {
		// Every I-frame: cheap and scene-representative.
		args = []string{"-skip_frame", "nokey", "-i", m.Path, "-vsync", "vfr", pattern}
	}
	stage := ffmpeg.Stage{
		Name:     "extract keyframes",
		Args:     args,
		Inputs:   []string{m.Path},
		Output:   pattern,
		Duration: m.Info.Duration,
	}
	if err := e.runStage(ctx, id, stage, 0, 90); err != nil {
		return nil, err
	}

	frames, err := filepath.Glob(filepath.Join(ws, "frame_*.jpg"))
	if err != nil || len(frames) == 0 {
		return nil, task.NewFailure(task.FailProcess, "no keyframes produced")
	}
	sort.Strings(frames)

	e.registry.UpdateProgress(id, 95, "storing frames")
	names := make([]string, 0, len(frames))
	for _, f := range frames {
		name := filepath.Base(f)
		if _, err := e.store(id, f, name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return KeyframeResult{Frames: names, Count: len(names)}, nil
}

// runStage executes one stage with its progress mapped onto [from, to].
func (e *Engine) runStage(ctx context.Context, id string, stage ffmpeg.Stage, from, to int) error {
	e.registry.UpdateProgress(id, from, stage.Name)
	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout(stage.Duration))
	defer cancel()
	_, err := e.runner.Run(stageCtx, stage, func(pct int) {
		e.registry.UpdateProgress(id, from+pct*(to-from)/100, stage.Name)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// store moves src into the task's results directory under name and returns
// the destination path.
func (e *Engine) store(id, src, name string) (string, error) {
	dir := filepath.Join(e.cfg.ResultsRoot, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", task.NewFailure(task.FailProcess, "create results dir: %v", err)
	}
	dst := filepath.Join(dir, name)
	if err := moveFile(src, dst); err != nil {
		return "", task.NewFailure(task.FailProcess, "store %s: %v", name, err)
	}
	return dst, nil
}

// inputDuration is the media time an input contributes after trimming.
func inputDuration(in compose.ResolvedInput) time.Duration {
	if in.Spec.Trim != nil {
		return time.Duration((in.Spec.Trim.End - in.Spec.Trim.Start) * float64(time.Second))
	}
	return in.Info.Duration
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
