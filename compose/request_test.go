package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validPiPRequest() Request {
	return Request{
		Mode: ModePictureInPicture,
		Inputs: []Input{
			{Source: "main.mp4", Role: "main"},
			{Source: "ov.mp4", Role: "overlay", Placement: &Rect{X: 50, Y: 50, Width: 320, Height: 240, Opacity: 0.8}},
		},
		Output: OutputSpec{Width: 1280, Height: 720},
	}
}

func TestRequestValidate(t *testing.T) {
	t.Run("valid requests pass", func(t *testing.T) {
		reqs := []Request{
			{Mode: ModeConcat, Inputs: []Input{{Source: "a.mp4"}, {Source: "b.mp4"}}},
			validPiPRequest(),
			{Mode: ModeSideBySide, Inputs: []Input{{Source: "a.mp4"}, {Source: "b.mp4"}}, Layout: "vertical"},
			{Mode: ModeGrid, Inputs: []Input{{Source: "a.mp4"}, {Source: "b.mp4"}, {Source: "c.mp4"}}},
			{Mode: ModeSlideshow, Inputs: []Input{{Source: "a.png", HoldSeconds: 2}}},
			{
				Mode:       ModeAudioVideoSubtitle,
				Inputs:     []Input{{Source: "v.mp4"}},
				AudioTrack: &AudioTrack{Source: "a.mp3", Volume: 0.8},
			},
		}
		for _, r := range reqs {
			assert.NoError(t, r.Validate(), "mode %s", r.Mode)
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		r := Request{Mode: "mosaic", Inputs: []Input{{Source: "a.mp4"}}}
		assert.ErrorContains(t, r.Validate(), "unknown composition mode")
	})

	t.Run("empty inputs", func(t *testing.T) {
		r := Request{Mode: ModeConcat}
		assert.ErrorContains(t, r.Validate(), "inputs must not be empty")
	})

	t.Run("trim window must be ordered", func(t *testing.T) {
		r := Request{Mode: ModeConcat, Inputs: []Input{{Source: "a.mp4", Trim: &Trim{Start: 10, End: 5}}}}
		assert.ErrorContains(t, r.Validate(), "start < end")
	})

	t.Run("placement with non-positive size", func(t *testing.T) {
		r := validPiPRequest()
		r.Inputs[1].Placement.Width = 0
		assert.ErrorContains(t, r.Validate(), "non-positive size")
	})

	t.Run("placement outside output bounds", func(t *testing.T) {
		r := validPiPRequest()
		r.Inputs[1].Placement.X = 1200
		assert.ErrorContains(t, r.Validate(), "exceeds output bounds")
	})

	t.Run("opacity out of range", func(t *testing.T) {
		r := validPiPRequest()
		r.Inputs[1].Placement.Opacity = 1.5
		assert.ErrorContains(t, r.Validate(), "opacity")
	})

	t.Run("pip needs exactly one main", func(t *testing.T) {
		r := validPiPRequest()
		r.Inputs[0].Role = "overlay"
		r.Inputs[0].Placement = &Rect{Width: 100, Height: 100}
		assert.ErrorContains(t, r.Validate(), "exactly one main input")
	})

	t.Run("pip overlay needs a placement", func(t *testing.T) {
		r := validPiPRequest()
		r.Inputs[1].Placement = nil
		assert.ErrorContains(t, r.Validate(), "requires a placement rectangle")
	})

	t.Run("side_by_side needs two inputs", func(t *testing.T) {
		r := Request{Mode: ModeSideBySide, Inputs: []Input{{Source: "a.mp4"}}}
		assert.ErrorContains(t, r.Validate(), "at least two inputs")
	})

	t.Run("explicit grid must fit all inputs", func(t *testing.T) {
		r := Request{
			Mode:     ModeGrid,
			Inputs:   []Input{{Source: "a"}, {Source: "b"}, {Source: "c"}, {Source: "d"}, {Source: "e"}},
			GridRows: 2, GridCols: 2,
		}
		assert.ErrorContains(t, r.Validate(), "cannot hold 5 inputs")
	})

	t.Run("subtitle track outside audio_video_subtitle", func(t *testing.T) {
		r := Request{
			Mode:          ModeConcat,
			Inputs:        []Input{{Source: "a.mp4"}, {Source: "b.mp4"}},
			SubtitleTrack: &SubtitleTrack{Source: "cues.srt"},
		}
		assert.ErrorContains(t, r.Validate(), "only supported in audio_video_subtitle")
	})

	t.Run("audio_video_subtitle needs its audio track", func(t *testing.T) {
		r := Request{Mode: ModeAudioVideoSubtitle, Inputs: []Input{{Source: "v.mp4"}}}
		assert.ErrorContains(t, r.Validate(), "requires an audio track")
	})

	t.Run("audio_video_subtitle rejects multiple videos", func(t *testing.T) {
		r := Request{
			Mode:       ModeAudioVideoSubtitle,
			Inputs:     []Input{{Source: "v1.mp4"}, {Source: "v2.mp4"}},
			AudioTrack: &AudioTrack{Source: "a.mp3"},
		}
		assert.ErrorContains(t, r.Validate(), "exactly one video input")
	})

	t.Run("extra args are validated", func(t *testing.T) {
		r := Request{
			Mode:   ModeConcat,
			Inputs: []Input{{Source: "a.mp4"}},
			Output: OutputSpec{ExtraArgs: "-crf 23; rm -rf /"},
		}
		assert.ErrorContains(t, r.Validate(), "disallowed character")
	})
}
