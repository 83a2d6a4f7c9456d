// Package media probes videos and extracts audio and still frames with ffprobe/ffmpeg.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/target/sopline/internal/errors"
	"github.com/target/sopline/internal/procexec"
)

const (
	defaultFFprobe         = "ffprobe"
	defaultFFmpeg          = "ffmpeg"
	defaultInterval        = 30 * time.Second
	defaultMaxScreenshots  = 10
	defaultMaxWidth        = 1280
	defaultMaxHeight       = 720
	defaultJPEGQuality     = 80
	defaultProbeTimeout    = time.Minute
	defaultFFmpegTimeout   = 30 * time.Minute
	maxStderrInErrorString = 512
)

// Options configure a Transformer.
type Options struct {
	Runner         procexec.Runner
	FFprobe        string
	FFmpeg         string
	Interval       time.Duration // screenshot spacing used to derive the frame count
	MaxScreenshots int
	MaxWidth       int
	MaxHeight      int
	JPEGQuality    int
	ProbeTimeout   time.Duration // limit for one ffprobe call
	FFmpegTimeout  time.Duration // limit for one ffmpeg call
	Logger         *slog.Logger
}

// Transformer runs the media transform stage operations.
type Transformer struct {
	runner         procexec.Runner
	ffprobe        string
	ffmpeg         string
	interval       time.Duration
	maxScreenshots int
	resize         resizeSpec
	probeTimeout   time.Duration
	ffmpegTimeout  time.Duration
	logger         *slog.Logger
}

// Info is the parsed result of Probe.
type Info struct {
	Duration   float64 `json:"duration"`
	Format     string  `json:"format"`
	Resolution string  `json:"resolution"`
	Size       int64   `json:"size"`
}

// New constructs a Transformer.
func New(opts Options) (*Transformer, error) {
	if opts.Runner == nil {
		return nil, errors.New("media: runner is required")
	}
	t := &Transformer{
		runner:         opts.Runner,
		ffprobe:        orDefault(opts.FFprobe, defaultFFprobe),
		ffmpeg:         orDefault(opts.FFmpeg, defaultFFmpeg),
		interval:       opts.Interval,
		maxScreenshots: opts.MaxScreenshots,
		resize: resizeSpec{
			maxWidth:  opts.MaxWidth,
			maxHeight: opts.MaxHeight,
			quality:   opts.JPEGQuality,
		},
		probeTimeout:  opts.ProbeTimeout,
		ffmpegTimeout: opts.FFmpegTimeout,
		logger:        opts.Logger,
	}
	if t.interval <= 0 {
		t.interval = defaultInterval
	}
	if t.maxScreenshots <= 0 {
		t.maxScreenshots = defaultMaxScreenshots
	}
	if t.resize.maxWidth <= 0 {
		t.resize.maxWidth = defaultMaxWidth
	}
	if t.resize.maxHeight <= 0 {
		t.resize.maxHeight = defaultMaxHeight
	}
	if t.resize.quality <= 0 || t.resize.quality > 100 {
		t.resize.quality = defaultJPEGQuality
	}
	if t.probeTimeout <= 0 {
		t.probeTimeout = defaultProbeTimeout
	}
	if t.ffmpegTimeout <= 0 {
		t.ffmpegTimeout = defaultFFmpegTimeout
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "media")
	return t, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type probeOutput struct {
	Format struct {
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		FormatName string `json:"format_name"`
	} `json:"format"`
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
}

// Probe reads duration, container format, resolution, and size from ffprobe's JSON output.
func (t *Transformer) Probe(ctx context.Context, path string) (*Info, error) {
	res, err := t.run(ctx, t.probeTimeout, t.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration,size,format_name",
		"-show_entries", "stream=width,height",
		"-of", "json",
		path,
	)
	if err != nil {
		return nil, t.toolError(ctx, t.ffprobe, "Failed to get video information", res, err)
	}

	var out probeOutput
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return nil, apperrors.CorruptOutputf("Failed to get video information: unreadable probe output")
	}
	duration, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil || duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return nil, apperrors.CorruptOutputf("Failed to get video information: missing duration")
	}

	info := &Info{Duration: duration, Format: out.Format.FormatName}
	if size, err := strconv.ParseInt(out.Format.Size, 10, 64); err == nil {
		info.Size = size
	}
	for _, s := range out.Streams {
		if s.Width > 0 && s.Height > 0 {
			info.Resolution = fmt.Sprintf("%dx%d", s.Width, s.Height)
			break
		}
	}
	return info, nil
}

// ExtractAudio writes the audio track of in to out as 192k MP3.
func (t *Transformer) ExtractAudio(ctx context.Context, in, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	res, err := t.run(ctx, t.ffmpegTimeout, t.ffmpeg,
		"-i", in,
		"-vn",
		"-acodec", "libmp3lame",
		"-ar", "44100",
		"-ab", "192k",
		"-y",
		out,
	)
	if err != nil {
		return t.toolError(ctx, t.ffmpeg, "Failed to extract audio from video", res, err)
	}
	if err := nonEmpty(out); err != nil {
		return apperrors.Transformf("Failed to extract audio from video: %v", err)
	}
	return nil
}

// ScreenshotCount is min(floor(duration/interval), max), and at least one frame for any positive duration.
func ScreenshotCount(duration float64, interval time.Duration, maxShots int) int {
	if duration <= 0 || interval <= 0 || maxShots <= 0 {
		return 0
	}
	n := min(int(math.Floor(duration/interval.Seconds())), maxShots)
	return max(n, 1)
}

// ScreenshotTimestamps spaces n frames evenly across duration, excluding the very start and end.
func ScreenshotTimestamps(duration float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	step := duration / float64(n+1)
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i+1) * step
	}
	return out
}

// ExtractScreenshots grabs evenly spaced frames from in into dir and returns their paths in order.
// Each frame is resized to fit the configured bounds; a frame that cannot be resized is kept as captured.
func (t *Transformer) ExtractScreenshots(ctx context.Context, in, dir string, duration float64) ([]string, error) {
	n := ScreenshotCount(duration, t.interval, t.maxScreenshots)
	if n == 0 {
		return nil, apperrors.Transformf("Failed to extract screenshots: video has no duration")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create screenshot dir: %w", err)
	}

	paths := make([]string, 0, n)
	for i, ts := range ScreenshotTimestamps(duration, n) {
		frame := filepath.Join(dir, fmt.Sprintf("screenshot-%03d.jpg", i+1))
		res, err := t.run(ctx, t.ffmpegTimeout, t.ffmpeg,
			"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
			"-i", in,
			"-frames:v", "1",
			"-q:v", "2",
			"-y",
			frame,
		)
		if err != nil {
			return paths, t.toolError(ctx, t.ffmpeg, "Failed to extract screenshots", res, err)
		}
		if err := nonEmpty(frame); err != nil {
			t.logger.WarnContext(ctx, "ffmpeg produced no frame", "timestamp", ts, "error", err)
			continue
		}
		paths = append(paths, t.optimize(ctx, frame))
	}
	if len(paths) == 0 {
		return nil, apperrors.EmptyOutputf("Failed to extract screenshots: no frames produced")
	}
	t.logger.DebugContext(ctx, "extracted screenshots", "count", len(paths), "duration", duration)
	return paths, nil
}

// optimize resizes one frame, returning the original path when resizing fails.
func (t *Transformer) optimize(ctx context.Context, frame string) string {
	optimized := strings.TrimSuffix(frame, filepath.Ext(frame)) + "-optimized.jpg"
	if err := t.resize.file(frame, optimized); err != nil {
		t.logger.WarnContext(ctx, "failed to optimize screenshot, keeping original",
			"path", frame, "error", err)
		_ = os.Remove(optimized)
		return frame
	}
	if err := os.Remove(frame); err != nil {
		t.logger.WarnContext(ctx, "failed to remove unoptimized screenshot", "path", frame, "error", err)
	}
	return optimized
}

func (t *Transformer) run(ctx context.Context, limit time.Duration, bin string, args ...string) (procexec.Result, error) {
	return procexec.Limit(ctx, limit, func(ctx context.Context) (procexec.Result, error) {
		return t.runner.Run(ctx, bin, args...)
	})
}

func (t *Transformer) toolError(ctx context.Context, bin, msg string, res procexec.Result, err error) error {
	if procexec.IsNotInstalled(err) {
		return apperrors.ProviderUnavailablef("%s is not properly installed", bin)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if procexec.IsTimeout(err) {
		t.logger.ErrorContext(ctx, "media tool timed out", "tool", bin, "error", err)
		return apperrors.Transformf("%s: %s did not finish in time", msg, filepath.Base(bin))
	}
	t.logger.ErrorContext(ctx, "media tool failed",
		"tool", bin, "exit_code", res.ExitCode, "stderr", tail(res.Stderr, maxStderrInErrorString))
	detail := lastLine(res.Stderr)
	if detail == "" {
		return apperrors.Transformf("%s", msg)
	}
	return apperrors.Transformf("%s: %s", msg, detail)
}

func nonEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New("output file is empty")
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
