// Package subtitle converts the subtitle formats accepted by the service
// (SRT, WebVTT, ASS/SSA, plain text) into a common cue list and serializes
// cue lists back to SRT for burn-in.
package subtitle

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Cue is a single timed subtitle entry.
type Cue struct {
	Index int           `json:"index"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Format identifies a source subtitle format, usually from a file extension.
type Format string

const (
	FormatSRT   Format = "srt"
	FormatVTT   Format = "vtt"
	FormatASS   Format = "ass"
	FormatPlain Format = "txt"
)

// DetectFormat maps a filename to its subtitle format. Anything unknown is
// treated as plain text and split into cues by sentence.
func DetectFormat(filename string) Format {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".srt"):
		return FormatSRT
	case strings.HasSuffix(lower, ".vtt"):
		return FormatVTT
	case strings.HasSuffix(lower, ".ass"), strings.HasSuffix(lower, ".ssa"):
		return FormatASS
	default:
		return FormatPlain
	}
}

// Options bound the timing assigned to plain-text cues.
type Options struct {
	TotalDuration time.Duration // target window; 0 means estimate from text length
	Floor         time.Duration // minimum cue duration
	Ceiling       time.Duration // maximum cue duration
}

// Normalize parses content in the given format into an SRT-equivalent cue
// list. Timed formats keep their own timing; plain text gets synthesized
// timing per opts.
func Normalize(content string, format Format, opts Options) ([]Cue, error) {
	switch format {
	case FormatSRT:
		return ParseSRT(content)
	case FormatVTT:
		return ParseVTT(content)
	case FormatASS:
		return ParseASS(content)
	default:
		return FromPlainText(content, opts)
	}
}

// sentenceEnd matches sentence-ending punctuation, Latin and CJK.
var sentenceEnd = regexp.MustCompile(`[.!?。！？]+`)

// SplitSentences splits text into sentences on terminating punctuation,
// dropping empty fragments and preserving order.
func SplitSentences(text string) []string {
	var sentences []string
	rest := text
	for {
		loc := sentenceEnd.FindStringIndex(rest)
		if loc == nil {
			if s := strings.TrimSpace(rest); s != "" {
				sentences = append(sentences, s)
			}
			return sentences
		}
		if s := strings.TrimSpace(rest[:loc[1]]); s != "" {
			sentences = append(sentences, s)
		}
		rest = rest[loc[1]:]
	}
}

// FromPlainText splits text into cues by sentence. Each cue's duration is
// proportional to its share of the total character count, clamped to the
// floor and ceiling; cues are laid out back to back starting at zero.
func FromPlainText(text string, opts Options) ([]Cue, error) {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil, fmt.Errorf("no usable text content")
	}

	floor := opts.Floor
	if floor <= 0 {
		floor = time.Second
	}
	ceiling := opts.Ceiling
	if ceiling < floor {
		ceiling = 8 * time.Second
	}

	totalChars := 0
	for _, s := range sentences {
		totalChars += len([]rune(s))
	}

	total := opts.TotalDuration
	if total <= 0 {
		// No target window: estimate roughly 150ms per character, as the
		// original timing heuristic did for TTS-less scripts.
		total = time.Duration(totalChars) * 150 * time.Millisecond
		if total < floor*time.Duration(len(sentences)) {
			total = floor * time.Duration(len(sentences))
		}
	}

	cues := make([]Cue, 0, len(sentences))
	cursor := time.Duration(0)
	for i, s := range sentences {
		ratio := float64(len([]rune(s))) / float64(totalChars)
		d := time.Duration(float64(total) * ratio)
		if d < floor {
			d = floor
		}
		if d > ceiling {
			d = ceiling
		}
		if opts.TotalDuration > 0 && cursor+d > opts.TotalDuration {
			d = opts.TotalDuration - cursor
			if d <= 0 {
				break
			}
		}
		cues = append(cues, Cue{Index: i + 1, Start: cursor, End: cursor + d, Text: s})
		cursor += d
	}
	if len(cues) == 0 {
		return nil, fmt.Errorf("target window too short for any cue")
	}
	return cues, nil
}

var srtTiming = regexp.MustCompile(`^(\d{2}:\d{2}:\d{2}[,.]\d{3})\s*-->\s*(\d{2}:\d{2}:\d{2}[,.]\d{3})`)

// ParseSRT parses SubRip content.
func ParseSRT(content string) ([]Cue, error) {
	var cues []Cue
	blocks := strings.Split(normalizeNewlines(content), "\n\n")
	for _, block := range blocks {
		lines := nonEmptyLines(block)
		if len(lines) < 2 {
			continue
		}
		// A leading numeric index line is optional in the wild.
		timingLine := lines[0]
		textStart := 1
		if _, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil && len(lines) >= 3 {
			timingLine = lines[1]
			textStart = 2
		}
		m := srtTiming.FindStringSubmatch(timingLine)
		if m == nil {
			continue
		}
		start, err := parseClock(m[1])
		if err != nil {
			return nil, err
		}
		end, err := parseClock(m[2])
		if err != nil {
			return nil, err
		}
		cues = append(cues, Cue{
			Index: len(cues) + 1,
			Start: start,
			End:   end,
			Text:  strings.Join(lines[textStart:], "\n"),
		})
	}
	if len(cues) == 0 {
		return nil, fmt.Errorf("no cues found in SRT content")
	}
	sortCues(cues)
	return cues, nil
}

// ParseVTT parses WebVTT content. Header, notes and cue identifiers are
// skipped; only timing blocks become cues.
func ParseVTT(content string) ([]Cue, error) {
	body := normalizeNewlines(content)
	body = strings.TrimPrefix(body, "\ufeff")
	var cues []Cue
	for _, block := range strings.Split(body, "\n\n") {
		lines := nonEmptyLines(block)
		if len(lines) == 0 || strings.HasPrefix(lines[0], "WEBVTT") || strings.HasPrefix(lines[0], "NOTE") {
			continue
		}
		timingIdx := -1
		for i, l := range lines {
			if strings.Contains(l, "-->") {
				timingIdx = i
				break
			}
		}
		if timingIdx < 0 || timingIdx == len(lines)-1 {
			continue
		}
		parts := strings.SplitN(lines[timingIdx], "-->", 2)
		start, err := parseClock(strings.Fields(strings.TrimSpace(parts[0]))[0])
		if err != nil {
			return nil, err
		}
		end, err := parseClock(strings.Fields(strings.TrimSpace(parts[1]))[0])
		if err != nil {
			return nil, err
		}
		cues = append(cues, Cue{
			Index: len(cues) + 1,
			Start: start,
			End:   end,
			Text:  strings.Join(lines[timingIdx+1:], "\n"),
		})
	}
	if len(cues) == 0 {
		return nil, fmt.Errorf("no cues found in VTT content")
	}
	sortCues(cues)
	return cues, nil
}

// ParseASS parses ASS/SSA Dialogue events. Styling override blocks like
// {\an8} are stripped from the text.
func ParseASS(content string) ([]Cue, error) {
	var cues []Cue
	assOverride := regexp.MustCompile(`\{[^}]*\}`)
	for _, line := range strings.Split(normalizeNewlines(content), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Dialogue:") {
			continue
		}
		// Dialogue: Layer,Start,End,Style,Name,MarginL,MarginR,MarginV,Effect,Text
		fields := strings.SplitN(strings.TrimPrefix(line, "Dialogue:"), ",", 10)
		if len(fields) < 10 {
			continue
		}
		start, err := parseClock(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, err
		}
		end, err := parseClock(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, err
		}
		text := assOverride.ReplaceAllString(fields[9], "")
		text = strings.ReplaceAll(text, `\N`, "\n")
		text = strings.ReplaceAll(text, `\n`, "\n")
		cues = append(cues, Cue{
			Index: len(cues) + 1,
			Start: start,
			End:   end,
			Text:  strings.TrimSpace(text),
		})
	}
	if len(cues) == 0 {
		return nil, fmt.Errorf("no dialogue events found in ASS content")
	}
	sortCues(cues)
	return cues, nil
}

// WriteSRT serializes cues to SubRip format.
func WriteSRT(cues []Cue) string {
	var b strings.Builder
	for i, c := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, formatClock(c.Start), formatClock(c.End), c.Text)
	}
	return b.String()
}

// parseClock accepts HH:MM:SS,mmm (SRT), HH:MM:SS.mmm (VTT), H:MM:SS.cc
// (ASS) and MM:SS.mmm timestamps.
func parseClock(ts string) (time.Duration, error) {
	ts = strings.ReplaceAll(strings.TrimSpace(ts), ",", ".")
	parts := strings.Split(ts, ":")
	var h, m int
	var sec float64
	var err error
	switch len(parts) {
	case 3:
		if h, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("bad timestamp %q", ts)
		}
		if m, err = strconv.Atoi(parts[1]); err != nil {
			return 0, fmt.Errorf("bad timestamp %q", ts)
		}
		if sec, err = strconv.ParseFloat(parts[2], 64); err != nil {
			return 0, fmt.Errorf("bad timestamp %q", ts)
		}
	case 2:
		if m, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("bad timestamp %q", ts)
		}
		if sec, err = strconv.ParseFloat(parts[1], 64); err != nil {
			return 0, fmt.Errorf("bad timestamp %q", ts)
		}
	default:
		return 0, fmt.Errorf("bad timestamp %q", ts)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(sec*float64(time.Second)), nil
}

func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	ms := (d % time.Second) / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func sortCues(cues []Cue) {
	sort.SliceStable(cues, func(i, j int) bool { return cues[i].Start < cues[j].Start })
	for i := range cues {
		cues[i].Index = i + 1
	}
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func nonEmptyLines(block string) []string {
	var lines []string
	for _, l := range strings.Split(block, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
