package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// stderrTailSize bounds how much stderr is retained for diagnostics. FFmpeg
// can be extremely chatty on failure; only the tail matters.
const stderrTailSize = 4096

// ProcessError reports a non-zero exit from an external tool, with the tail
// of its stderr attached.
type ProcessError struct {
	ExitCode   int
	StderrTail string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process exited with code %d: %s", e.ExitCode, lastLine(e.StderrTail))
}

// Runner spawns and supervises one external media-processing invocation at a
// time. Timeouts and cancellation arrive through the context; on either, the
// whole process group is killed so no descendants are orphaned.
type Runner struct {
	bin string
	log zerolog.Logger
}

func NewRunner(bin string, log zerolog.Logger) (*Runner, error) {
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", bin)
	}
	return &Runner{bin: bin, log: log.With().Str("component", "runner").Logger()}, nil
}

// Run executes one pipeline stage. onProgress receives monotonically
// non-decreasing percentages parsed from the tool's machine-readable progress
// stream; it may be nil. The returned error is context.DeadlineExceeded or
// context.Canceled when the budget or the caller killed the stage, and a
// *ProcessError when the tool itself failed.
func (r *Runner) Run(ctx context.Context, stage Stage, onProgress func(int)) (Result, error) {
	args := append([]string{"-y", "-hide_banner", "-nostdin", "-progress", "pipe:1"}, stage.Args...)
	cmd := exec.CommandContext(ctx, r.bin, args...)

	// New process group, so cancellation can take out descendants too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	tail := newTailBuffer(stderrTailSize)
	cmd.Stderr = tail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}

	r.log.Debug().Str("stage", stage.Name).Strs("args", args).Msg("spawning ffmpeg")
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to spawn %s: %w", r.bin, err)
	}

	// Parse key=value progress records off stdout as the process emits them.
	lastPct := -1
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		pct, ok := parseProgressLine(scanner.Text(), stage.Duration)
		if !ok || onProgress == nil {
			continue
		}
		if pct > lastPct {
			lastPct = pct
			onProgress(pct)
		}
	}

	waitErr := cmd.Wait()
	res := Result{ExitCode: cmd.ProcessState.ExitCode(), StderrTail: tail.String(), Elapsed: time.Since(started)}

	if ctx.Err() != nil {
		// The context verdict beats the exit status: a killed process also
		// reports a non-zero exit, but the cause is the timeout or cancel.
		return res, ctx.Err()
	}
	if waitErr != nil {
		return res, &ProcessError{ExitCode: res.ExitCode, StderrTail: res.StderrTail}
	}
	if onProgress != nil && lastPct < 100 {
		onProgress(100)
	}
	return res, nil
}

// parseProgressLine extracts a percentage from one `-progress` record line.
// FFmpeg reports elapsed media time as out_time_us (microseconds); percent is
// the ratio against the stage's declared duration, held below 100 until the
// process actually exits.
func parseProgressLine(line string, total time.Duration) (int, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found || total <= 0 {
		return 0, false
	}
	if key != "out_time_us" && key != "out_time_ms" {
		return 0, false
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	pct := int(time.Duration(us) * time.Microsecond * 100 / total)
	if pct > 99 {
		pct = 99
	}
	return pct, true
}

// tailBuffer is an io.Writer that keeps only the last max bytes written.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
