package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// MediaInfo is the metadata this service cares about from a probe.
type MediaInfo struct {
	Duration time.Duration `json:"duration"`
	Width    int           `json:"width,omitempty"`
	Height   int           `json:"height,omitempty"`
	HasVideo bool          `json:"hasVideo"`
	HasAudio bool          `json:"hasAudio"`
	Title    string        `json:"title,omitempty"`
	Size     int64         `json:"size,omitempty"`
}

// Resolution renders WxH, or empty when the file has no video stream.
func (m MediaInfo) Resolution() string {
	if m.Width == 0 || m.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

// Prober wraps ffprobe for metadata extraction.
type Prober struct {
	bin string
}

func NewProber(bin string) *Prober {
	return &Prober{bin: bin}
}

// ffprobe's JSON document, reduced to the fields we read.
type probeDoc struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
		Tags     struct {
			Title string `json:"title"`
		} `json:"tags"`
	} `json:"format"`
}

// Probe inspects a local media file.
func (p *Prober) Probe(ctx context.Context, path string) (MediaInfo, error) {
	cmd := exec.CommandContext(ctx, p.bin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return MediaInfo{}, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var doc probeDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		return MediaInfo{}, fmt.Errorf("could not parse ffprobe output for %s: %w", path, err)
	}

	info := MediaInfo{Title: doc.Format.Tags.Title}
	if secs, err := strconv.ParseFloat(doc.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	if size, err := strconv.ParseInt(doc.Format.Size, 10, 64); err == nil {
		info.Size = size
	}
	for _, s := range doc.Streams {
		switch s.CodecType {
		case "video":
			info.HasVideo = true
			if info.Width == 0 {
				info.Width = s.Width
				info.Height = s.Height
			}
		case "audio":
			info.HasAudio = true
		}
	}
	return info, nil
}
