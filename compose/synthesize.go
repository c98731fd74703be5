package compose

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mediaforge/ffmpeg"
	"mediaforge/subtitle"
)

// ResolvedInput pairs an input descriptor with its local file and probed
// metadata. Resolution happens in the engine; synthesis only plans.
type ResolvedInput struct {
	Spec Input
	Path string
	Info ffmpeg.MediaInfo
}

// ResolvedAudio is the auxiliary audio track after resolution.
type ResolvedAudio struct {
	Spec AudioTrack
	Path string
	Info ffmpeg.MediaInfo
}

// Synthesizer plans pipeline stages for composition requests. It is a pure
// function of its arguments: the same request, inputs and workspace always
// produce the same plan.
type Synthesizer struct{}

func NewSynthesizer() *Synthesizer {
	return &Synthesizer{}
}

// Synthesize produces the ordered stage plan for a validated request. cues is
// the normalized subtitle cue list for audio_video_subtitle, nil otherwise.
// All intermediate and final paths live under workDir.
func (s *Synthesizer) Synthesize(req Request, inputs []ResolvedInput, audio *ResolvedAudio, cues []subtitle.Cue, workDir string) ([]ffmpeg.Stage, error) {
	if len(inputs) != len(req.Inputs) {
		return nil, fmt.Errorf("resolved %d inputs for %d descriptors", len(inputs), len(req.Inputs))
	}

	out := req.Output.WithDefaults()

	// Stills in a slideshow legitimately probe with zero duration; every
	// other mode requires real media time in every input.
	if req.Mode != ModeSlideshow {
		for i, in := range inputs {
			if effectiveDuration(in) <= 0 {
				return nil, fmt.Errorf("input %d (%s) has zero media duration", i, in.Spec.Source)
			}
		}
	}
	if audio != nil && audio.Info.Duration <= 0 {
		return nil, fmt.Errorf("audio track %s has zero media duration", audio.Spec.Source)
	}

	switch req.Mode {
	case ModeConcat:
		return s.concat(req, inputs, out, workDir)
	case ModePictureInPicture:
		return s.pictureInPicture(req, inputs, out, workDir)
	case ModeSideBySide:
		return s.sideBySide(req, inputs, out, workDir)
	case ModeGrid:
		return s.grid(req, inputs, out, workDir)
	case ModeSlideshow:
		return s.slideshow(req, inputs, audio, out, workDir)
	case ModeAudioVideoSubtitle:
		return s.audioVideoSubtitle(req, inputs, audio, cues, out, workDir)
	default:
		return nil, fmt.Errorf("unknown composition mode: %q", req.Mode)
	}
}

// concat re-encodes every input to the output spec so codecs and timebases
// agree, then concatenates the normalized files losslessly through a concat
// demuxer manifest.
func (s *Synthesizer) concat(req Request, inputs []ResolvedInput, out OutputSpec, workDir string) ([]ffmpeg.Stage, error) {
	stages := make([]ffmpeg.Stage, 0, len(inputs)+1)
	var manifest strings.Builder
	var total time.Duration

	for i, in := range inputs {
		normPath := filepath.Join(workDir, fmt.Sprintf("norm_%02d.%s", i, out.Format))
		args := trimArgs(in.Spec)
		args = append(args, "-i", in.Path)
		args = append(args, "-vf", scalePadExpr(out.Width, out.Height))
		args = append(args, "-r", strconv.Itoa(out.FrameRate))
		args = append(args, encodeArgs(out)...)
		args = append(args, "-ar", "44100", "-ac", "2", normPath)

		d := effectiveDuration(in)
		total += d
		stages = append(stages, ffmpeg.Stage{
			Name:     fmt.Sprintf("normalize input %d/%d", i+1, len(inputs)),
			Args:     args,
			Inputs:   []string{in.Path},
			Output:   normPath,
			Duration: d,
		})
		fmt.Fprintf(&manifest, "file '%s'\n", normPath)
	}

	manifestPath := filepath.Join(workDir, "concat.txt")
	finalPath := filepath.Join(workDir, "final."+out.Format)
	normalized := make([]string, len(inputs))
	for i := range inputs {
		normalized[i] = stages[i].Output
	}
	stages = append(stages, ffmpeg.Stage{
		Name:     "combine",
		Args:     []string{"-f", "concat", "-safe", "0", "-i", manifestPath, "-c", "copy", finalPath},
		Inputs:   normalized,
		Output:   finalPath,
		Duration: total,
		Sidecar:  &ffmpeg.Sidecar{Path: manifestPath, Content: manifest.String()},
	})
	return stages, nil
}

// pictureInPicture composites overlays over the single main input, each
// scaled to its placement rectangle, layered in input order so later
// overlays draw on top.
func (s *Synthesizer) pictureInPicture(req Request, inputs []ResolvedInput, out OutputSpec, workDir string) ([]ffmpeg.Stage, error) {
	// Re-order so the main input is argument 0; overlays keep input order.
	var main ResolvedInput
	var overlays []ResolvedInput
	for _, in := range inputs {
		if in.Spec.Role == "main" {
			main = in
		} else {
			overlays = append(overlays, in)
		}
	}

	args := trimArgs(main.Spec)
	args = append(args, "-i", main.Path)
	for _, ov := range overlays {
		args = append(args, trimArgs(ov.Spec)...)
		args = append(args, "-i", ov.Path)
	}

	var g Graph
	fitChain(&g, "0:v", "base0", out.Width, out.Height)

	prev := "base0"
	for i, ov := range overlays {
		p := ov.Spec.Placement
		src := fmt.Sprintf("%d:v", i+1)
		scaled := fmt.Sprintf("ovs%d", i)
		g.Filter("scale").From(src).Arg("w", p.Width).Arg("h", p.Height).To(scaled)

		layer := scaled
		if p.Opacity > 0 && p.Opacity < 1 {
			faded := fmt.Sprintf("ovf%d", i)
			g.Filter("format").From(scaled).RawArg("yuva420p").To(scaled + "a")
			g.Filter("colorchannelmixer").From(scaled+"a").Arg("aa", formatFloat(p.Opacity)).To(faded)
			layer = faded
		}

		next := fmt.Sprintf("comp%d", i)
		g.Filter("overlay").From(prev, layer).Arg("x", p.X).Arg("y", p.Y).To(next)
		prev = next
	}

	finalPath := filepath.Join(workDir, "final."+out.Format)
	args = append(args, "-filter_complex", g.String(),
		"-map", "["+prev+"]", "-map", "0:a?",
		"-r", strconv.Itoa(out.FrameRate))
	args = append(args, encodeArgs(out)...)
	args = append(args, finalPath)

	return []ffmpeg.Stage{{
		Name:     "composite overlays",
		Args:     args,
		Inputs:   inputPaths(inputs),
		Output:   finalPath,
		Duration: effectiveDuration(main),
	}}, nil
}

// sideBySide tiles inputs into one row (horizontal) or one column
// (vertical); every tile is an equal share of the output canvas.
func (s *Synthesizer) sideBySide(req Request, inputs []ResolvedInput, out OutputSpec, workDir string) ([]ffmpeg.Stage, error) {
	layout := req.Layout
	if layout == "" {
		layout = "horizontal"
	}

	n := len(inputs)
	// Tile spans split the output axis exactly; the last tile absorbs any
	// division remainder so stacking reproduces the requested canvas.
	spans := splitEven(out.Width, n)
	stack := "hstack"
	if layout == "vertical" {
		spans = splitEven(out.Height, n)
		stack = "vstack"
	}

	var args []string
	var g Graph
	labels := make([]string, n)
	var longest time.Duration
	for i, in := range inputs {
		args = append(args, trimArgs(in.Spec)...)
		args = append(args, "-i", in.Path)
		labels[i] = fmt.Sprintf("tile%d", i)
		tileW, tileH := spans[i], out.Height
		if layout == "vertical" {
			tileW, tileH = out.Width, spans[i]
		}
		fitChain(&g, fmt.Sprintf("%d:v", i), labels[i], tileW, tileH)
		if d := effectiveDuration(in); d > longest {
			longest = d
		}
	}
	g.Filter(stack).From(labels...).Arg("inputs", n).To("stacked")

	finalPath := filepath.Join(workDir, "final."+out.Format)
	args = append(args, "-filter_complex", g.String(),
		"-map", "[stacked]", "-map", "0:a?",
		"-r", strconv.Itoa(out.FrameRate))
	args = append(args, encodeArgs(out)...)
	args = append(args, finalPath)

	return []ffmpeg.Stage{{
		Name:     "stack " + layout,
		Args:     args,
		Inputs:   inputPaths(inputs),
		Output:   finalPath,
		Duration: longest,
	}}, nil
}

// GridDims returns the grid used for n inputs: cols = ceil(sqrt(n)),
// rows = ceil(n/cols). The smallest square-ish grid that fits all inputs,
// filled row-major, trailing cells blank.
func GridDims(n int) (rows, cols int) {
	cols = int(math.Ceil(math.Sqrt(float64(n))))
	rows = (n + cols - 1) / cols
	return rows, cols
}

// splitEven divides total into n spans that sum back to total, the last
// span taking the remainder.
func splitEven(total, n int) []int {
	spans := make([]int, n)
	for i := range spans {
		spans[i] = total / n
	}
	spans[n-1] += total % n
	return spans
}

// offsets returns the running start position of each span.
func offsets(spans []int) []int {
	offs := make([]int, len(spans))
	for i := 1; i < len(spans); i++ {
		offs[i] = offs[i-1] + spans[i-1]
	}
	return offs
}

// grid arranges inputs into a rows x cols tile layout via xstack. Cells
// beyond the input count are filled with black color sources so the stack
// geometry is always complete.
func (s *Synthesizer) grid(req Request, inputs []ResolvedInput, out OutputSpec, workDir string) ([]ffmpeg.Stage, error) {
	n := len(inputs)
	rows, cols := req.GridRows, req.GridCols
	if rows == 0 {
		rows, cols = GridDims(n)
	}
	// Column widths and row heights split the canvas exactly, the last
	// column and row absorbing any division remainder.
	colW := splitEven(out.Width, cols)
	rowH := splitEven(out.Height, rows)

	var args []string
	var g Graph
	var longest time.Duration
	for i, in := range inputs {
		args = append(args, trimArgs(in.Spec)...)
		args = append(args, "-i", in.Path)
		label := fmt.Sprintf("tile%d", i)
		fitChain(&g, fmt.Sprintf("%d:v", i), label, colW[i%cols], rowH[i/cols])
		if d := effectiveDuration(in); d > longest {
			longest = d
		}
	}

	cells := rows * cols
	labels := make([]string, cells)
	for i := 0; i < cells; i++ {
		if i < n {
			labels[i] = fmt.Sprintf("tile%d", i)
			continue
		}
		labels[i] = fmt.Sprintf("blank%d", i)
		g.Filter("color").
			Arg("c", "black").
			Arg("s", fmt.Sprintf("%dx%d", colW[i%cols], rowH[i/cols])).
			Arg("d", formatFloat(longest.Seconds())).
			To(labels[i])
	}

	xOff := offsets(colW)
	yOff := offsets(rowH)
	var layout []string
	for i := 0; i < cells; i++ {
		row, col := i/cols, i%cols
		layout = append(layout, fmt.Sprintf("%d_%d", xOff[col], yOff[row]))
	}
	g.Filter("xstack").From(labels...).
		Arg("inputs", cells).
		Arg("layout", strings.Join(layout, "|")).
		To("stacked")

	finalPath := filepath.Join(workDir, "final."+out.Format)
	args = append(args, "-filter_complex", g.String(),
		"-map", "[stacked]", "-map", "0:a?",
		"-r", strconv.Itoa(out.FrameRate))
	args = append(args, encodeArgs(out)...)
	args = append(args, finalPath)

	return []ffmpeg.Stage{{
		Name:     fmt.Sprintf("stack %dx%d grid", rows, cols),
		Args:     args,
		Inputs:   inputPaths(inputs),
		Output:   finalPath,
		Duration: longest,
	}}, nil
}

// slideshow holds each still for its duration and crossfades between
// consecutive stills. With an audio track, the output runs to the shorter of
// slideshow and audio unless the audio is set to loop.
func (s *Synthesizer) slideshow(req Request, inputs []ResolvedInput, audio *ResolvedAudio, out OutputSpec, workDir string) ([]ffmpeg.Stage, error) {
	n := len(inputs)
	trans := req.TransitionSeconds
	if trans == 0 {
		trans = defaultTransSec
	}
	transition := req.Transition
	if transition == "" {
		transition = "fade"
	}

	var args []string
	holds := make([]float64, n)
	for i, in := range inputs {
		holds[i] = in.Spec.HoldSeconds
		if holds[i] == 0 {
			holds[i] = defaultHoldSec
		}
		args = append(args, "-loop", "1", "-t", formatFloat(holds[i]), "-i", in.Path)
	}

	var g Graph
	for i := range inputs {
		label := fmt.Sprintf("img%d", i)
		fitChain(&g, fmt.Sprintf("%d:v", i), label+"fit", out.Width, out.Height)
		g.Filter("format").From(label + "fit").RawArg("yuv420p").To(label + "f")
		g.Filter("fps").From(label + "f").RawArg(strconv.Itoa(out.FrameRate)).To(label)
	}

	// Chain xfades; each join starts `trans` seconds before the running
	// total so the fade overlaps the end of the previous still. A join
	// cannot fade longer than either neighboring hold, so clamp it there;
	// otherwise a short hold would drive the offset negative and the
	// declared duration drift from the rendered output.
	prev := "img0"
	total := holds[0]
	for i := 1; i < n; i++ {
		next := fmt.Sprintf("xf%d", i)
		joinTrans := math.Min(trans, math.Min(holds[i-1], holds[i]))
		offset := total - joinTrans
		g.Filter("xfade").From(prev, fmt.Sprintf("img%d", i)).
			Arg("transition", transition).
			Arg("duration", formatFloat(joinTrans)).
			Arg("offset", formatFloat(offset)).
			To(next)
		prev = next
		total = offset + holds[i]
	}
	slideDuration := time.Duration(total * float64(time.Second))

	finalPath := filepath.Join(workDir, "final."+out.Format)
	duration := slideDuration

	if audio != nil {
		if audio.Spec.Loop {
			args = append(args, "-stream_loop", "-1")
		}
		args = append(args, "-i", audio.Path)
		aLabel := fmt.Sprintf("%d:a", n)
		if audio.Spec.Volume > 0 && audio.Spec.Volume != 1 {
			g.Filter("volume").From(aLabel).RawArg(formatFloat(audio.Spec.Volume)).To("aout")
			aLabel = "aout"
		}
		args = append(args, "-filter_complex", g.String(), "-map", "["+prev+"]")
		if aLabel == "aout" {
			args = append(args, "-map", "[aout]")
		} else {
			args = append(args, "-map", aLabel)
		}
		if audio.Spec.Loop {
			// Looping audio: the slideshow decides the length.
			args = append(args, "-t", formatFloat(slideDuration.Seconds()))
		} else {
			args = append(args, "-shortest")
			if audio.Info.Duration < duration {
				duration = audio.Info.Duration
			}
		}
	} else {
		args = append(args, "-filter_complex", g.String(), "-map", "["+prev+"]")
	}

	args = append(args, "-r", strconv.Itoa(out.FrameRate))
	args = append(args, encodeArgs(out)...)
	args = append(args, finalPath)

	paths := inputPaths(inputs)
	if audio != nil {
		paths = append(paths, audio.Path)
	}
	return []ffmpeg.Stage{{
		Name:     "render slideshow",
		Args:     args,
		Inputs:   paths,
		Output:   finalPath,
		Duration: duration,
	}}, nil
}

// audioVideoSubtitle muxes one video with one audio track, burning in a
// subtitle cue list when present. The output runs to the shorter of the two
// streams, a deliberate policy to avoid trailing silence or black frames.
func (s *Synthesizer) audioVideoSubtitle(req Request, inputs []ResolvedInput, audio *ResolvedAudio, cues []subtitle.Cue, out OutputSpec, workDir string) ([]ffmpeg.Stage, error) {
	video := inputs[0]

	args := trimArgs(video.Spec)
	args = append(args, "-i", video.Path)
	if audio.Spec.StartOffset > 0 {
		args = append(args, "-ss", formatFloat(audio.Spec.StartOffset))
	}
	args = append(args, "-i", audio.Path)

	var g Graph
	fitChain(&g, "0:v", "sized", out.Width, out.Height)
	vLabel := "sized"

	var sidecar *ffmpeg.Sidecar
	if len(cues) > 0 {
		srtPath := filepath.Join(workDir, "subtitles.srt")
		sidecar = &ffmpeg.Sidecar{Path: srtPath, Content: subtitle.WriteSRT(cues)}
		g.Filter("subtitles").From(vLabel).
			RawArg("filename="+escapeFilterPath(srtPath)).
			Arg("force_style", "'"+subtitleStyle(req.SubtitleTrack)+"'").
			To("subbed")
		vLabel = "subbed"
	}

	aLabel := "1:a"
	if audio.Spec.Volume > 0 && audio.Spec.Volume != 1 {
		g.Filter("volume").From(aLabel).RawArg(formatFloat(audio.Spec.Volume)).To("aout")
		aLabel = "aout"
	}

	finalPath := filepath.Join(workDir, "final."+out.Format)
	args = append(args, "-filter_complex", g.String(), "-map", "["+vLabel+"]")
	if aLabel == "aout" {
		args = append(args, "-map", "[aout]")
	} else {
		args = append(args, "-map", aLabel)
	}
	args = append(args, "-shortest", "-r", strconv.Itoa(out.FrameRate))
	args = append(args, encodeArgs(out)...)
	args = append(args, finalPath)

	duration := effectiveDuration(video)
	audioDur := audio.Info.Duration - time.Duration(audio.Spec.StartOffset*float64(time.Second))
	if audioDur < duration {
		duration = audioDur
	}

	return []ffmpeg.Stage{{
		Name:     "mux audio, video and subtitles",
		Args:     args,
		Inputs:   []string{video.Path, audio.Path},
		Output:   finalPath,
		Duration: duration,
		Sidecar:  sidecar,
	}}, nil
}

// subtitleStyle renders the burn-in force_style clause from the track's
// styling, defaulting to the service's house style.
func subtitleStyle(track *SubtitleTrack) string {
	fontName := "PingFang SC"
	fontSize := 24
	primary := "&HFFFFFF&"
	outline := "&H000000&"
	if track != nil {
		if track.FontName != "" {
			fontName = track.FontName
		}
		if track.FontSize > 0 {
			fontSize = track.FontSize
		}
		if c := assColor(track.FontColor); c != "" {
			primary = c
		}
		if c := assColor(track.OutlineColor); c != "" {
			outline = c
		}
	}
	return forceStyle(map[string]string{
		"FontName":      fontName,
		"FontSize":      strconv.Itoa(fontSize),
		"PrimaryColour": primary,
		"OutlineColour": outline,
		"Outline":       "2",
	})
}

// assColor maps a color name or #RRGGBB hex string to ASS &HBBGGRR& form.
func assColor(c string) string {
	switch strings.ToLower(c) {
	case "white":
		return "&HFFFFFF&"
	case "black":
		return "&H000000&"
	case "red":
		return "&H0000FF&"
	case "green":
		return "&H00FF00&"
	case "blue":
		return "&HFF0000&"
	case "yellow":
		return "&H00FFFF&"
	}
	if strings.HasPrefix(c, "#") && len(c) == 7 {
		r, g, b := c[1:3], c[3:5], c[5:7]
		return strings.ToUpper("&H" + b + g + r + "&")
	}
	return ""
}

// effectiveDuration is the media time an input contributes after trimming.
func effectiveDuration(in ResolvedInput) time.Duration {
	if in.Spec.Trim != nil {
		return time.Duration((in.Spec.Trim.End - in.Spec.Trim.Start) * float64(time.Second))
	}
	return in.Info.Duration
}

// trimArgs renders an input's trim window as input-side seek options.
func trimArgs(in Input) []string {
	if in.Trim == nil {
		return nil
	}
	return []string{"-ss", formatFloat(in.Trim.Start), "-to", formatFloat(in.Trim.End)}
}

// scalePadExpr fits a frame inside WxH preserving aspect, padding the rest.
func scalePadExpr(w, h int) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1", w, h, w, h)
}

// scaleFitExpr is the same fit-inside scaling for use as a lone filter node.
func scaleFitExpr(w, h int) string {
	return fmt.Sprintf("%d:%d:force_original_aspect_ratio=decrease", w, h)
}

// fitChain scales src to fit inside w x h, pads to exactly w x h and
// normalizes the sample aspect ratio, producing the dst label.
func fitChain(g *Graph, src, dst string, w, h int) {
	g.Filter("scale").From(src).RawArg(scaleFitExpr(w, h)).To(dst + "_s")
	g.Filter("pad").From(dst+"_s").
		Arg("w", w).Arg("h", h).
		Arg("x", "(ow-iw)/2").Arg("y", "(oh-ih)/2").
		To(dst + "_p")
	g.Filter("setsar").From(dst + "_p").RawArg("1").To(dst)
}

// encodeArgs renders the output spec's encoder settings.
func encodeArgs(out OutputSpec) []string {
	args := []string{"-c:v", out.VideoCodec, "-c:a", out.AudioCodec}
	if out.VideoBitrate != "" {
		args = append(args, "-b:v", out.VideoBitrate)
	}
	if out.ExtraArgs != "" {
		// Already validated; a split failure here would have failed Validate.
		if extra, err := ffmpeg.SplitExtraArgs(out.ExtraArgs); err == nil {
			args = append(args, extra...)
		}
	}
	return args
}

func inputPaths(inputs []ResolvedInput) []string {
	paths := make([]string, len(inputs))
	for i, in := range inputs {
		paths[i] = in.Path
	}
	return paths
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
