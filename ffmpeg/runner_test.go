package ffmpeg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeTool creates an executable shell script standing in for ffmpeg.
func writeFakeTool(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fakeffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestRunner_BinaryMustExist(t *testing.T) {
	_, err := NewRunner("definitely-not-a-real-binary-xyz", zerolog.Nop())
	assert.Error(t, err)
}

func TestRunner_SuccessReportsProgress(t *testing.T) {
	// Emits two progress records for a 10s source, then exits cleanly.
	bin := writeFakeTool(t, `
echo "out_time_us=2500000"
echo "out_time_us=7500000"
echo "progress=end"
exit 0
`)
	r, err := NewRunner(bin, zerolog.Nop())
	require.NoError(t, err)

	var seen []int
	res, err := r.Run(context.Background(), Stage{
		Name:     "combine",
		Args:     []string{"-i", "in.mp4", "out.mp4"},
		Duration: 10 * time.Second,
	}, func(pct int) { seen = append(seen, pct) })

	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []int{25, 75, 100}, seen)
}

func TestRunner_ProgressIsMonotonic(t *testing.T) {
	// A regressing out_time must not produce a regressing callback.
	bin := writeFakeTool(t, `
echo "out_time_us=5000000"
echo "out_time_us=3000000"
echo "out_time_us=9000000"
exit 0
`)
	r, err := NewRunner(bin, zerolog.Nop())
	require.NoError(t, err)

	var seen []int
	_, err = r.Run(context.Background(), Stage{
		Name:     "combine",
		Duration: 10 * time.Second,
	}, func(pct int) { seen = append(seen, pct) })

	require.NoError(t, err)
	assert.Equal(t, []int{50, 90, 100}, seen)
}

func TestRunner_NonZeroExit(t *testing.T) {
	bin := writeFakeTool(t, `
echo "in.mp4: Invalid data found when processing input" >&2
exit 1
`)
	r, err := NewRunner(bin, zerolog.Nop())
	require.NoError(t, err)

	res, err := r.Run(context.Background(), Stage{Name: "combine"}, nil)

	var procErr *ProcessError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, 1, procErr.ExitCode)
	assert.Contains(t, procErr.StderrTail, "Invalid data found")
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunner_StderrTailIsBounded(t *testing.T) {
	// Write far more stderr than the tail keeps; only the end survives.
	bin := writeFakeTool(t, `
i=0
while [ $i -lt 2000 ]; do
  echo "noisy line $i" >&2
  i=$((i+1))
done
echo "the actual failure reason" >&2
exit 1
`)
	r, err := NewRunner(bin, zerolog.Nop())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), Stage{Name: "combine"}, nil)

	var procErr *ProcessError
	require.ErrorAs(t, err, &procErr)
	assert.LessOrEqual(t, len(procErr.StderrTail), stderrTailSize)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(procErr.StderrTail), "the actual failure reason"))
}

func TestRunner_Timeout(t *testing.T) {
	// A 1-second budget against a process that sleeps 5 seconds must end in a
	// deadline error, never a clean exit.
	bin := writeFakeTool(t, `sleep 5`)
	r, err := NewRunner(bin, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	_, err = r.Run(ctx, Stage{Name: "combine"}, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 4*time.Second, "process was not killed at the deadline")
}

func TestRunner_Cancellation(t *testing.T) {
	bin := writeFakeTool(t, `sleep 5`)
	r, err := NewRunner(bin, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err = r.Run(ctx, Stage{Name: "combine"}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		line  string
		total time.Duration
		pct   int
		ok    bool
	}{
		{"out_time_us=5000000", 10 * time.Second, 50, true},
		{"out_time_ms=5000000", 10 * time.Second, 50, true},
		{"out_time_us=20000000", 10 * time.Second, 99, true}, // overshoot held below 100
		{"out_time_us=5000000", 0, 0, false},                 // unknown duration
		{"frame=42", 10 * time.Second, 0, false},
		{"out_time_us=garbage", 10 * time.Second, 0, false},
	}
	for _, tc := range tests {
		pct, ok := parseProgressLine(tc.line, tc.total)
		assert.Equal(t, tc.ok, ok, tc.line)
		if ok {
			assert.Equal(t, tc.pct, pct, tc.line)
		}
	}
}
