package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mediaforge/ffmpeg"
	"mediaforge/task"
)

// Media is a source materialized as a local file with probed metadata.
type Media struct {
	Path   string
	Info   ffmpeg.MediaInfo
	Remote bool
}

// Resolver turns a source reference (http(s) URL or local path) into a local
// media file ready for processing. ResolveText fetches small text payloads
// such as subtitle files without probing them.
type Resolver interface {
	Resolve(ctx context.Context, source, destBase string) (Media, error)
	ResolveText(ctx context.Context, source string) (string, error)
}

// MediaProber reports container metadata for a local file.
type MediaProber interface {
	Probe(ctx context.Context, path string) (ffmpeg.MediaInfo, error)
}

var allowedMediaExts = map[string]bool{
	// containers
	".mp4": true, ".avi": true, ".mov": true, ".mkv": true,
	".webm": true, ".flv": true, ".wmv": true,
	// audio
	".mp3": true, ".wav": true, ".aac": true, ".m4a": true,
	".flac": true, ".ogg": true, ".opus": true,
	// stills
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".bmp": true,
}

const maxTextPayload = 2 << 20 // subtitle files, not media

// SourceResolver is the default Resolver: it streams remote sources to disk
// under a byte cap, copies local files into the task workspace, probes the
// result, and enforces the per-origin duration ceilings.
type SourceResolver struct {
	prober    MediaProber
	client    *http.Client
	maxSize   int64
	maxRemote time.Duration
	maxLocal  time.Duration
	log       zerolog.Logger
}

func NewSourceResolver(prober MediaProber, maxSize int64, maxRemote, maxLocal time.Duration, log zerolog.Logger) *SourceResolver {
	return &SourceResolver{
		prober:    prober,
		client:    &http.Client{Timeout: 10 * time.Minute},
		maxSize:   maxSize,
		maxRemote: maxRemote,
		maxLocal:  maxLocal,
		log:       log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve fetches source into a local file named destBase plus the source's
// extension, then probes it. Remote fetch failures and unreadable local paths
// surface as source_unavailable; media longer than the origin's ceiling as
// source_too_long.
func (r *SourceResolver) Resolve(ctx context.Context, source, destBase string) (Media, error) {
	remote := isRemote(source)

	ext, err := sourceExt(source, remote)
	if err != nil {
		return Media{}, err
	}
	dest := destBase + ext

	if remote {
		if err := r.download(ctx, source, dest); err != nil {
			return Media{}, err
		}
	} else {
		if err := r.copyLocal(source, dest); err != nil {
			return Media{}, err
		}
	}

	info, err := r.prober.Probe(ctx, dest)
	if err != nil {
		return Media{}, task.NewFailure(task.FailSourceUnavailable, "cannot read media %s: %v", source, err)
	}

	ceiling := r.maxLocal
	if remote {
		ceiling = r.maxRemote
	}
	if ceiling > 0 && info.Duration > ceiling {
		return Media{}, task.NewFailure(task.FailSourceTooLong,
			"source %s runs %s, limit is %s", source, info.Duration.Round(time.Second), ceiling)
	}

	return Media{Path: dest, Info: info, Remote: remote}, nil
}

// ResolveText fetches a small text payload (subtitles). Plain inline text is
// the caller's concern; this only handles URLs and paths.
func (r *SourceResolver) ResolveText(ctx context.Context, source string) (string, error) {
	if isRemote(source) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return "", task.NewFailure(task.FailValidation, "invalid subtitle URL %q: %v", source, err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return "", task.NewFailure(task.FailSourceUnavailable, "fetch %s: %v", source, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", task.NewFailure(task.FailSourceUnavailable, "fetch %s: status %d", source, resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxTextPayload))
		if err != nil {
			return "", task.NewFailure(task.FailSourceUnavailable, "fetch %s: %v", source, err)
		}
		return string(data), nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return "", task.NewFailure(task.FailSourceUnavailable, "read %s: %v", source, err)
	}
	return string(data), nil
}

func (r *SourceResolver) download(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return task.NewFailure(task.FailValidation, "invalid source URL %q: %v", rawURL, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return task.NewFailure(task.FailSourceUnavailable, "fetch %s: %v", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return task.NewFailure(task.FailSourceUnavailable, "fetch %s: status %d", rawURL, resp.StatusCode)
	}
	if resp.ContentLength > 0 && r.maxSize > 0 && resp.ContentLength > r.maxSize {
		return task.NewFailure(task.FailValidation,
			"source %s is %d bytes, limit is %d", rawURL, resp.ContentLength, r.maxSize)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer f.Close()

	body := io.Reader(resp.Body)
	if r.maxSize > 0 {
		// One byte past the cap distinguishes "exactly at" from "over".
		body = io.LimitReader(resp.Body, r.maxSize+1)
	}
	n, err := io.Copy(f, body)
	if err != nil {
		os.Remove(dest)
		return task.NewFailure(task.FailSourceUnavailable, "fetch %s: %v", rawURL, err)
	}
	if r.maxSize > 0 && n > r.maxSize {
		os.Remove(dest)
		return task.NewFailure(task.FailValidation, "source %s exceeds the %d byte limit", rawURL, r.maxSize)
	}
	r.log.Debug().Str("url", rawURL).Int64("bytes", n).Msg("source downloaded")
	return nil
}

func (r *SourceResolver) copyLocal(source, dest string) error {
	st, err := os.Stat(source)
	if err != nil {
		return task.NewFailure(task.FailSourceUnavailable, "read %s: %v", source, err)
	}
	if st.IsDir() {
		return task.NewFailure(task.FailValidation, "source %s is a directory", source)
	}
	if r.maxSize > 0 && st.Size() > r.maxSize {
		return task.NewFailure(task.FailValidation,
			"source %s is %d bytes, limit is %d", source, st.Size(), r.maxSize)
	}

	in, err := os.Open(source)
	if err != nil {
		return task.NewFailure(task.FailSourceUnavailable, "read %s: %v", source, err)
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dest)
		return fmt.Errorf("copy %s: %w", source, err)
	}
	return nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// sourceExt extracts the file extension used for the workspace copy and
// rejects container types the pipeline does not handle.
func sourceExt(source string, remote bool) (string, error) {
	raw := source
	if remote {
		u, err := url.Parse(source)
		if err != nil {
			return "", task.NewFailure(task.FailValidation, "invalid source URL %q: %v", source, err)
		}
		raw = u.Path
	}
	ext := strings.ToLower(path.Ext(filepath.ToSlash(raw)))
	if ext == "" {
		// Remote endpoints without an extension are common; probing decides.
		if remote {
			return ".bin", nil
		}
		return "", task.NewFailure(task.FailValidation, "source %s has no file extension", source)
	}
	if !allowedMediaExts[ext] {
		return "", task.NewFailure(task.FailValidation, "unsupported media type %q", ext)
	}
	return ext, nil
}
