package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaforge/compose"
	"mediaforge/config"
	"mediaforge/ffmpeg"
	"mediaforge/subtitle"
	"mediaforge/task"
)

type fakeAdmitter struct{ allow bool }

func (f *fakeAdmitter) CanAdmit(int) bool { return f.allow }

// fakeRunner records stages and simulates process behavior per stage via an
// optional hook. The default hook creates the declared output file and
// reports full progress.
type fakeRunner struct {
	mu     sync.Mutex
	stages []ffmpeg.Stage
	onRun  func(ctx context.Context, stage ffmpeg.Stage, onProgress func(int)) error
}

func (f *fakeRunner) Run(ctx context.Context, stage ffmpeg.Stage, onProgress func(int)) (ffmpeg.Result, error) {
	f.mu.Lock()
	f.stages = append(f.stages, stage)
	f.mu.Unlock()

	if f.onRun != nil {
		if err := f.onRun(ctx, stage, onProgress); err != nil {
			return ffmpeg.Result{ExitCode: 1}, err
		}
		return ffmpeg.Result{}, nil
	}
	if err := os.WriteFile(stage.Output, []byte("media"), 0o644); err != nil {
		return ffmpeg.Result{}, err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return ffmpeg.Result{}, nil
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stages)
}

// fakeResolver materializes every source as a small local file and serves
// canned probe metadata.
type fakeResolver struct {
	infos map[string]ffmpeg.MediaInfo
	texts map[string]string
	fail  map[string]error
}

func (f *fakeResolver) Resolve(_ context.Context, source, destBase string) (Media, error) {
	if err := f.fail[source]; err != nil {
		return Media{}, err
	}
	dest := destBase + ".mp4"
	if err := os.WriteFile(dest, []byte("source"), 0o644); err != nil {
		return Media{}, err
	}
	return Media{Path: dest, Info: f.infos[source]}, nil
}

func (f *fakeResolver) ResolveText(_ context.Context, source string) (string, error) {
	text, ok := f.texts[source]
	if !ok {
		return "", task.NewFailure(task.FailSourceUnavailable, "no such text: %s", source)
	}
	return text, nil
}

type fakeTranscriber struct{ out Transcript }

func (f *fakeTranscriber) Transcribe(context.Context, string) (Transcript, error) {
	return f.out, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		MaxConcurrency:    2,
		TempRoot:          filepath.Join(root, "work"),
		ResultsRoot:       filepath.Join(root, "results"),
		StageTimeoutFloor: time.Minute,
		StageTimeoutScale: 3,
		CueFloor:          time.Second,
		CueCeiling:        8 * time.Second,
	}
}

func startEngine(t *testing.T, cfg *config.Config, runner StageRunner, resolver Resolver, tr Transcriber, admit bool) (*Engine, *task.Registry) {
	t.Helper()
	reg := task.NewRegistry(zerolog.Nop())
	e := New(cfg, reg, &fakeAdmitter{allow: admit}, runner, resolver, tr, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	return e, reg
}

func waitTerminal(t *testing.T, reg *task.Registry, id string) task.Task {
	t.Helper()
	var got task.Task
	require.Eventually(t, func() bool {
		snap, ok := reg.Get(id)
		if !ok || !snap.Status.Terminal() {
			return false
		}
		got = snap
		return true
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func TestEngine_CompositionLifecycle(t *testing.T) {
	cfg := testConfig(t)
	runner := &fakeRunner{}
	resolver := &fakeResolver{infos: map[string]ffmpeg.MediaInfo{
		"a.mp4": {Duration: 10 * time.Second, Width: 1920, Height: 1080, HasVideo: true, HasAudio: true},
		"b.mp4": {Duration: 5 * time.Second, Width: 1280, Height: 720, HasVideo: true, HasAudio: true},
	}}
	e, reg := startEngine(t, cfg, runner, resolver, nil, true)

	submitted, err := e.SubmitComposition(compose.Request{
		Mode:   compose.ModeConcat,
		Inputs: []compose.Input{{Source: "a.mp4"}, {Source: "b.mp4"}},
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, submitted.Status)
	assert.Equal(t, task.KindComposition, submitted.Kind)

	done := waitTerminal(t, reg, submitted.ID)
	require.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Nil(t, done.Error)

	result, ok := done.Result.(CompositionResult)
	require.True(t, ok)
	assert.Equal(t, "output.mp4", result.FileName)
	assert.Equal(t, 15.0, result.DurationSeconds)
	assert.Equal(t, "1280x720", result.Resolution)
	assert.Len(t, result.Stages, 3)

	resultsDir := filepath.Join(cfg.ResultsRoot, submitted.ID)
	assert.FileExists(t, filepath.Join(resultsDir, "output.mp4"))
	assert.FileExists(t, filepath.Join(resultsDir, "metadata.json"))
	// Intermediates are gone once the result is durable.
	assert.NoDirExists(t, filepath.Join(cfg.TempRoot, submitted.ID))
}

func TestEngine_AdmissionRejectionLeavesNoRecord(t *testing.T) {
	cfg := testConfig(t)
	e, reg := startEngine(t, cfg, &fakeRunner{}, &fakeResolver{}, nil, false)

	_, err := e.SubmitComposition(compose.Request{
		Mode:   compose.ModeConcat,
		Inputs: []compose.Input{{Source: "a.mp4"}},
	})
	var failure *task.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, task.FailResourceExhausted, failure.Kind)
	assert.Empty(t, reg.List())
}

func TestEngine_ValidationRejectionLeavesNoRecord(t *testing.T) {
	cfg := testConfig(t)
	e, reg := startEngine(t, cfg, &fakeRunner{}, &fakeResolver{}, nil, true)

	_, err := e.SubmitComposition(compose.Request{Mode: "mosaic"})
	var failure *task.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, task.FailValidation, failure.Kind)
	assert.Empty(t, reg.List())
}

func TestEngine_StageFailureAbortsPlan(t *testing.T) {
	cfg := testConfig(t)
	runner := &fakeRunner{}
	runner.onRun = func(context.Context, ffmpeg.Stage, func(int)) error {
		return &ffmpeg.ProcessError{ExitCode: 1, StderrTail: "no such codec"}
	}
	resolver := &fakeResolver{infos: map[string]ffmpeg.MediaInfo{
		"a.mp4": {Duration: 10 * time.Second, HasVideo: true},
		"b.mp4": {Duration: 10 * time.Second, HasVideo: true},
	}}
	e, reg := startEngine(t, cfg, runner, resolver, nil, true)

	submitted, err := e.SubmitComposition(compose.Request{
		Mode:   compose.ModeConcat,
		Inputs: []compose.Input{{Source: "a.mp4"}, {Source: "b.mp4"}},
	})
	require.NoError(t, err)

	done := waitTerminal(t, reg, submitted.ID)
	require.Equal(t, task.StatusFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, task.FailProcess, done.Error.Kind)
	assert.Contains(t, done.Error.Message, "no such codec")

	// The first stage failed; the rest of the plan never ran.
	assert.Equal(t, 1, runner.calls())
	assert.NoDirExists(t, filepath.Join(cfg.TempRoot, submitted.ID))
	assert.NoDirExists(t, filepath.Join(cfg.ResultsRoot, submitted.ID))
}

func TestEngine_SourceFailurePropagatesKind(t *testing.T) {
	cfg := testConfig(t)
	resolver := &fakeResolver{
		infos: map[string]ffmpeg.MediaInfo{},
		fail: map[string]error{
			"gone.mp4": task.NewFailure(task.FailSourceUnavailable, "fetch gone.mp4: status 404"),
		},
	}
	e, reg := startEngine(t, cfg, &fakeRunner{}, resolver, nil, true)

	submitted, err := e.SubmitComposition(compose.Request{
		Mode:   compose.ModeConcat,
		Inputs: []compose.Input{{Source: "gone.mp4"}},
	})
	require.NoError(t, err)

	done := waitTerminal(t, reg, submitted.ID)
	require.Equal(t, task.StatusFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, task.FailSourceUnavailable, done.Error.Kind)
}

func TestEngine_CancelMidRun(t *testing.T) {
	cfg := testConfig(t)
	running := make(chan struct{})
	runner := &fakeRunner{}
	runner.onRun = func(ctx context.Context, _ ffmpeg.Stage, _ func(int)) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	}
	resolver := &fakeResolver{infos: map[string]ffmpeg.MediaInfo{
		"a.mp4": {Duration: 10 * time.Second, HasVideo: true},
	}}
	e, reg := startEngine(t, cfg, runner, resolver, nil, true)

	submitted, err := e.SubmitComposition(compose.Request{
		Mode:   compose.ModeConcat,
		Inputs: []compose.Input{{Source: "a.mp4"}},
	})
	require.NoError(t, err)

	select {
	case <-running:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}
	require.NoError(t, reg.Cancel(submitted.ID))

	done := waitTerminal(t, reg, submitted.ID)
	require.Equal(t, task.StatusFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, task.FailCancelled, done.Error.Kind)
	assert.NoDirExists(t, filepath.Join(cfg.TempRoot, submitted.ID))
}

func TestEngine_StageTimeoutMapsToTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.StageTimeoutFloor = 50 * time.Millisecond
	cfg.StageTimeoutScale = 0

	runner := &fakeRunner{}
	runner.onRun = func(ctx context.Context, _ ffmpeg.Stage, _ func(int)) error {
		<-ctx.Done()
		return ctx.Err()
	}
	resolver := &fakeResolver{infos: map[string]ffmpeg.MediaInfo{
		"a.mp4": {Duration: 10 * time.Second, HasVideo: true},
	}}
	e, reg := startEngine(t, cfg, runner, resolver, nil, true)

	submitted, err := e.SubmitComposition(compose.Request{
		Mode:   compose.ModeConcat,
		Inputs: []compose.Input{{Source: "a.mp4"}},
	})
	require.NoError(t, err)

	done := waitTerminal(t, reg, submitted.ID)
	require.Equal(t, task.StatusFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, task.FailTimeout, done.Error.Kind)
}

func TestEngine_Download(t *testing.T) {
	cfg := testConfig(t)
	resolver := &fakeResolver{infos: map[string]ffmpeg.MediaInfo{
		"https://cdn.example.com/clip.mp4": {
			Duration: 42 * time.Second, Width: 1920, Height: 1080,
			HasVideo: true, HasAudio: true, Title: "clip",
		},
	}}
	e, reg := startEngine(t, cfg, &fakeRunner{}, resolver, nil, true)

	submitted, err := e.SubmitDownload(DownloadRequest{URL: "https://cdn.example.com/clip.mp4"})
	require.NoError(t, err)

	done := waitTerminal(t, reg, submitted.ID)
	require.Equal(t, task.StatusCompleted, done.Status)

	result, ok := done.Result.(DownloadResult)
	require.True(t, ok)
	assert.Equal(t, "media.mp4", result.FileName)
	assert.Equal(t, "clip", result.Title)
	assert.Equal(t, 42.0, result.DurationSeconds)
	assert.Equal(t, "1920x1080", result.Resolution)
	assert.FileExists(t, filepath.Join(cfg.ResultsRoot, submitted.ID, "media.mp4"))
}

func TestEngine_DownloadRejectsLocalPath(t *testing.T) {
	cfg := testConfig(t)
	e, _ := startEngine(t, cfg, &fakeRunner{}, &fakeResolver{}, nil, true)

	_, err := e.SubmitDownload(DownloadRequest{URL: "/etc/passwd"})
	var failure *task.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, task.FailValidation, failure.Kind)
}

func TestEngine_Transcription(t *testing.T) {
	cfg := testConfig(t)
	runner := &fakeRunner{}
	resolver := &fakeResolver{infos: map[string]ffmpeg.MediaInfo{
		"talk.mp4": {Duration: 60 * time.Second, HasVideo: true, HasAudio: true},
	}}
	tr := &fakeTranscriber{out: Transcript{
		Text:     "hello world",
		Language: "en",
		Cues: []subtitle.Cue{
			{Index: 1, Start: 0, End: 2 * time.Second, Text: "hello"},
			{Index: 2, Start: 2 * time.Second, End: 4 * time.Second, Text: "world"},
		},
	}}
	e, reg := startEngine(t, cfg, runner, resolver, tr, true)

	submitted, err := e.SubmitTranscription(TranscriptionRequest{Source: "talk.mp4"})
	require.NoError(t, err)

	done := waitTerminal(t, reg, submitted.ID)
	require.Equal(t, task.StatusCompleted, done.Status)

	result, ok := done.Result.(TranscriptionResult)
	require.True(t, ok)
	assert.Equal(t, "hello world", result.Text)
	assert.Equal(t, "en", result.Language)
	assert.Equal(t, 2, result.CueCount)
	assert.Equal(t, "transcript.srt", result.SubtitleFile)

	data, err := os.ReadFile(filepath.Join(cfg.ResultsRoot, submitted.ID, "transcript.srt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "00:00:00,000 --> 00:00:02,000")

	// The audio extraction stage targeted mono 16k PCM.
	require.Equal(t, 1, runner.calls())
	assert.Contains(t, runner.stages[0].Args, "pcm_s16le")
	assert.Contains(t, runner.stages[0].Args, "16000")
}

func TestEngine_TranscriptionRejectsSilentSource(t *testing.T) {
	cfg := testConfig(t)
	resolver := &fakeResolver{infos: map[string]ffmpeg.MediaInfo{
		"mute.mp4": {Duration: 60 * time.Second, HasVideo: true, HasAudio: false},
	}}
	e, reg := startEngine(t, cfg, &fakeRunner{}, resolver, &fakeTranscriber{}, true)

	submitted, err := e.SubmitTranscription(TranscriptionRequest{Source: "mute.mp4"})
	require.NoError(t, err)

	done := waitTerminal(t, reg, submitted.ID)
	require.Equal(t, task.StatusFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, task.FailValidation, done.Error.Kind)
}

func TestEngine_Keyframes(t *testing.T) {
	cfg := testConfig(t)
	runner := &fakeRunner{}
	runner.onRun = func(_ context.Context, stage ffmpeg.Stage, onProgress func(int)) error {
		dir := filepath.Dir(stage.Output)
		for _, name := range []string{"frame_0001.jpg", "frame_0002.jpg", "frame_0003.jpg"} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte("jpg"), 0o644); err != nil {
				return err
			}
		}
		if onProgress != nil {
			onProgress(100)
		}
		return nil
	}
	resolver := &fakeResolver{infos: map[string]ffmpeg.MediaInfo{
		"clip.mp4": {Duration: 30 * time.Second, HasVideo: true},
	}}
	e, reg := startEngine(t, cfg, runner, resolver, nil, true)

	submitted, err := e.SubmitKeyframes(KeyframeRequest{Source: "clip.mp4", Count: 3})
	require.NoError(t, err)

	done := waitTerminal(t, reg, submitted.ID)
	require.Equal(t, task.StatusCompleted, done.Status)

	result, ok := done.Result.(KeyframeResult)
	require.True(t, ok)
	assert.Equal(t, 3, result.Count)
	assert.Equal(t, []string{"frame_0001.jpg", "frame_0002.jpg", "frame_0003.jpg"}, result.Frames)
	for _, f := range result.Frames {
		assert.FileExists(t, filepath.Join(cfg.ResultsRoot, submitted.ID, f))
	}

	// A fixed count spreads frames over the duration instead of taking
	// every I-frame.
	assert.Contains(t, runner.stages[0].Args, "-frames:v")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, task.FailTimeout, classify(context.DeadlineExceeded).Kind)
	assert.Equal(t, task.FailCancelled, classify(context.Canceled).Kind)
	assert.Equal(t, task.FailProcess, classify(&ffmpeg.ProcessError{ExitCode: 1}).Kind)
	assert.Equal(t, task.FailSourceTooLong,
		classify(task.NewFailure(task.FailSourceTooLong, "too long")).Kind)
	assert.Equal(t, task.FailProcess, classify(errors.New("boom")).Kind)
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "work", "final.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("rendered"), 0o644))
	dst := filepath.Join(dir, "results", "output.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))

	require.NoError(t, moveFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "rendered", string(data))
	assert.NoFileExists(t, src)
}

// The cross-filesystem fallback streams the payload instead of buffering a
// whole render, which can run to the configured input size cap.
func TestCopyFilePreservesLargePayload(t *testing.T) {
	dir := t.TempDir()
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	src := filepath.Join(dir, "final.mp4")
	require.NoError(t, os.WriteFile(src, payload, 0o644))
	dst := filepath.Join(dir, "copied.mp4")

	require.NoError(t, copyFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	// copyFile leaves the source in place; moveFile owns the removal.
	assert.FileExists(t, src)
}
