// Package compose turns validated composition requests into ordered FFmpeg
// pipeline stages. Synthesis is pure: no I/O happens here, and stage plans
// are deterministic for a given request and workspace path.
package compose

import (
	"fmt"

	"mediaforge/ffmpeg"
)

type Mode string

const (
	ModeConcat             Mode = "concat"
	ModePictureInPicture   Mode = "picture_in_picture"
	ModeSideBySide         Mode = "side_by_side"
	ModeGrid               Mode = "grid"
	ModeSlideshow          Mode = "slideshow"
	ModeAudioVideoSubtitle Mode = "audio_video_subtitle"
)

// Rect is the placement rectangle of an overlay input: position, size and
// opacity on the output canvas.
type Rect struct {
	X       int     `json:"x"`
	Y       int     `json:"y"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	Opacity float64 `json:"opacity"`
}

// Trim is a half-open [start, end) window in seconds of source time.
type Trim struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Input is one source in a composition.
type Input struct {
	Source    string   `json:"source"`
	Role      string   `json:"role,omitempty"` // "main" or "overlay" (picture_in_picture)
	Trim      *Trim    `json:"trim,omitempty"`
	Placement *Rect    `json:"placement,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`
	// HoldSeconds is how long a slideshow still is displayed.
	HoldSeconds float64 `json:"holdSeconds,omitempty"`
}

// AudioTrack is the auxiliary audio input of audio_video_subtitle and
// slideshow compositions.
type AudioTrack struct {
	Source      string  `json:"source"`
	Volume      float64 `json:"volume,omitempty"`
	StartOffset float64 `json:"startOffset,omitempty"`
	Loop        bool    `json:"loop,omitempty"`
}

// SubtitleTrack is the optional subtitle input of audio_video_subtitle
// compositions, with burn-in styling.
type SubtitleTrack struct {
	Source       string `json:"source"`
	FontName     string `json:"fontName,omitempty"`
	FontSize     int    `json:"fontSize,omitempty"`
	FontColor    string `json:"fontColor,omitempty"`
	OutlineColor string `json:"outlineColor,omitempty"`
}

// OutputSpec is the target container and encoding of the composed output.
type OutputSpec struct {
	Format       string `json:"format,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	FrameRate    int    `json:"frameRate,omitempty"`
	VideoCodec   string `json:"videoCodec,omitempty"`
	AudioCodec   string `json:"audioCodec,omitempty"`
	VideoBitrate string `json:"videoBitrate,omitempty"`
	// ExtraArgs are appended to the final encode; validated against the
	// same rules as any user-supplied FFmpeg arguments.
	ExtraArgs string `json:"extraArgs,omitempty"`
}

// Request is a validated composition request. The mode decides which of the
// optional fields are meaningful; Validate checks the combination
// exhaustively before the engine accepts the task.
type Request struct {
	Mode          Mode           `json:"mode"`
	Inputs        []Input        `json:"inputs"`
	AudioTrack    *AudioTrack    `json:"audioTrack,omitempty"`
	SubtitleTrack *SubtitleTrack `json:"subtitleTrack,omitempty"`
	Output        OutputSpec     `json:"output"`

	// side_by_side: "horizontal" (default) or "vertical"
	Layout string `json:"layout,omitempty"`
	// grid: explicit dimensions; 0 means derive the smallest square-ish
	// grid that fits all inputs
	GridRows int `json:"gridRows,omitempty"`
	GridCols int `json:"gridCols,omitempty"`
	// slideshow: transition between consecutive stills
	Transition        string  `json:"transition,omitempty"`
	TransitionSeconds float64 `json:"transitionSeconds,omitempty"`
}

const (
	defaultFormat     = "mp4"
	defaultWidth      = 1280
	defaultHeight     = 720
	defaultFrameRate  = 30
	defaultVideoCodec = "libx264"
	defaultAudioCodec = "aac"
	defaultHoldSec    = 3.0
	defaultTransSec   = 1.0
)

// WithDefaults fills zero-valued output fields.
func (o OutputSpec) WithDefaults() OutputSpec {
	if o.Format == "" {
		o.Format = defaultFormat
	}
	if o.Width == 0 {
		o.Width = defaultWidth
	}
	if o.Height == 0 {
		o.Height = defaultHeight
	}
	if o.FrameRate == 0 {
		o.FrameRate = defaultFrameRate
	}
	if o.VideoCodec == "" {
		o.VideoCodec = defaultVideoCodec
	}
	if o.AudioCodec == "" {
		o.AudioCodec = defaultAudioCodec
	}
	return o
}

// Validate checks the request structurally. Anything invalid is rejected
// here, before any input is fetched or any process spawns.
func (r *Request) Validate() error {
	switch r.Mode {
	case ModeConcat, ModePictureInPicture, ModeSideBySide, ModeGrid, ModeSlideshow, ModeAudioVideoSubtitle:
	default:
		return fmt.Errorf("unknown composition mode: %q", r.Mode)
	}

	if len(r.Inputs) == 0 {
		return fmt.Errorf("inputs must not be empty")
	}

	out := r.Output.WithDefaults()
	if out.Width < 0 || out.Height < 0 || out.FrameRate < 0 {
		return fmt.Errorf("output dimensions and frame rate must be positive")
	}
	if out.ExtraArgs != "" {
		args, err := ffmpeg.SplitExtraArgs(out.ExtraArgs)
		if err != nil {
			return err
		}
		if err := ffmpeg.ValidateExtraArgs(args); err != nil {
			return err
		}
	}

	for i, in := range r.Inputs {
		if in.Source == "" {
			return fmt.Errorf("input %d has no source", i)
		}
		if in.Trim != nil && in.Trim.Start >= in.Trim.End {
			return fmt.Errorf("input %d trim window must satisfy start < end", i)
		}
		if in.Placement != nil {
			p := in.Placement
			if p.Width <= 0 || p.Height <= 0 {
				return fmt.Errorf("input %d placement rectangle has non-positive size", i)
			}
			if p.X < 0 || p.Y < 0 || p.X+p.Width > out.Width || p.Y+p.Height > out.Height {
				return fmt.Errorf("input %d placement rectangle exceeds output bounds %dx%d", i, out.Width, out.Height)
			}
			if p.Opacity < 0 || p.Opacity > 1 {
				return fmt.Errorf("input %d opacity must be within [0, 1]", i)
			}
		}
		if in.Volume != nil && *in.Volume < 0 {
			return fmt.Errorf("input %d volume must not be negative", i)
		}
		if in.HoldSeconds < 0 {
			return fmt.Errorf("input %d hold duration must not be negative", i)
		}
	}

	switch r.Mode {
	case ModePictureInPicture:
		mains, overlays := 0, 0
		for i, in := range r.Inputs {
			switch in.Role {
			case "main":
				mains++
			case "overlay":
				overlays++
				if in.Placement == nil {
					return fmt.Errorf("overlay input %d requires a placement rectangle", i)
				}
			default:
				return fmt.Errorf("input %d role must be \"main\" or \"overlay\"", i)
			}
		}
		if mains != 1 {
			return fmt.Errorf("picture_in_picture requires exactly one main input, got %d", mains)
		}
		if overlays == 0 {
			return fmt.Errorf("picture_in_picture requires at least one overlay input")
		}

	case ModeSideBySide:
		if len(r.Inputs) < 2 {
			return fmt.Errorf("side_by_side requires at least two inputs")
		}
		if r.Layout != "" && r.Layout != "horizontal" && r.Layout != "vertical" {
			return fmt.Errorf("layout must be \"horizontal\" or \"vertical\", got %q", r.Layout)
		}

	case ModeGrid:
		if (r.GridRows == 0) != (r.GridCols == 0) {
			return fmt.Errorf("gridRows and gridCols must be given together")
		}
		if r.GridRows > 0 && r.GridRows*r.GridCols < len(r.Inputs) {
			return fmt.Errorf("grid %dx%d cannot hold %d inputs", r.GridRows, r.GridCols, len(r.Inputs))
		}

	case ModeAudioVideoSubtitle:
		if len(r.Inputs) != 1 {
			return fmt.Errorf("audio_video_subtitle requires exactly one video input, got %d", len(r.Inputs))
		}
		if r.AudioTrack == nil || r.AudioTrack.Source == "" {
			return fmt.Errorf("audio_video_subtitle requires an audio track")
		}

	case ModeSlideshow:
		if r.TransitionSeconds < 0 {
			return fmt.Errorf("transition duration must not be negative")
		}
	}

	// A subtitle track is only rendered in audio_video_subtitle mode.
	// Accepting one elsewhere would fetch and normalize it only to drop
	// it, so refuse up front.
	if r.SubtitleTrack != nil && r.Mode != ModeAudioVideoSubtitle {
		return fmt.Errorf("subtitleTrack is only supported in %s mode", ModeAudioVideoSubtitle)
	}

	if r.AudioTrack != nil && r.AudioTrack.Volume < 0 {
		return fmt.Errorf("audio track volume must not be negative")
	}
	if r.AudioTrack != nil && r.AudioTrack.StartOffset < 0 {
		return fmt.Errorf("audio track start offset must not be negative")
	}

	return nil
}
