package ffmpeg

import "time"

// Stage is one external-process invocation within a task's execution plan.
// Stages are produced by the synthesizer and executed in order by the engine;
// stage N's Output becomes stage N+1's input by construction.
type Stage struct {
	Name     string        // human-readable phase name, surfaced as task stage
	Args     []string      // full argument vector, binary excluded
	Inputs   []string      // declared input paths
	Output   string        // declared output path
	Duration time.Duration // media duration driving progress and timeout; 0 if unknown
	Sidecar  *Sidecar      // optional file the engine writes before spawning
}

// Sidecar is an auxiliary file a stage needs on disk (e.g. a concat manifest
// or a normalized subtitle). Synthesis stays pure by declaring the content
// here and leaving the write to the engine.
type Sidecar struct {
	Path    string
	Content string
}

// Result describes how a stage's process terminated.
type Result struct {
	ExitCode   int
	StderrTail string
	Elapsed    time.Duration
}
