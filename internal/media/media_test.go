package media

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/sopline/internal/errors"
	"github.com/target/sopline/internal/procexec"
)

func newTestTransformer(t *testing.T, runner procexec.Runner) *Transformer {
	t.Helper()
	tr, err := New(Options{Runner: runner, Interval: 10 * time.Second, MaxScreenshots: 5})
	require.NoError(t, err)
	return tr
}

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 90}))
	require.NoError(t, f.Close())
}

func decodeSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestProbe(t *testing.T) {
	fake := &procexec.Fake{Handle: func(name string, args []string, _ func(string)) (procexec.Result, error) {
		return procexec.Result{Stdout: `{
			"streams": [{"codec_type":"audio"}, {"width": 1920, "height": 1080}],
			"format": {"duration": "125.400000", "size": "1048576", "format_name": "mov,mp4,m4a,3gp,3g2,mj2"}
		}`}, nil
	}}
	tr := newTestTransformer(t, fake)

	info, err := tr.Probe(context.Background(), "/videos/in.mp4")
	require.NoError(t, err)
	assert.InDelta(t, 125.4, info.Duration, 0.0001)
	assert.Equal(t, "1920x1080", info.Resolution)
	assert.Equal(t, int64(1048576), info.Size)
	assert.Equal(t, "mov,mp4,m4a,3gp,3g2,mj2", info.Format)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ffprobe", calls[0].Name)
	assert.Equal(t, "/videos/in.mp4", calls[0].Args[len(calls[0].Args)-1])
	assert.Contains(t, calls[0].Args, "json")
}

func TestProbeFailures(t *testing.T) {
	t.Run("non-zero exit", func(t *testing.T) {
		fake := &procexec.Fake{Handle: func(string, []string, func(string)) (procexec.Result, error) {
			return procexec.Result{Stderr: "in.mp4: Invalid data found when processing input\n", ExitCode: 1},
				errors.New("exit status 1")
		}}
		_, err := newTestTransformer(t, fake).Probe(context.Background(), "in.mp4")
		require.Error(t, err)
		assert.True(t, apperrors.IsTransform(err))
		assert.Equal(t, "Failed to get video information: in.mp4: Invalid data found when processing input", err.Error())
	})

	t.Run("missing binary", func(t *testing.T) {
		fake := &procexec.Fake{Handle: func(string, []string, func(string)) (procexec.Result, error) {
			return procexec.Result{ExitCode: -1}, exec.ErrNotFound
		}}
		_, err := newTestTransformer(t, fake).Probe(context.Background(), "in.mp4")
		assert.True(t, apperrors.IsProviderUnavailable(err))
	})

	t.Run("no duration", func(t *testing.T) {
		fake := &procexec.Fake{Handle: func(string, []string, func(string)) (procexec.Result, error) {
			return procexec.Result{Stdout: `{"format":{"format_name":"mp4"}}`}, nil
		}}
		_, err := newTestTransformer(t, fake).Probe(context.Background(), "in.mp4")
		assert.True(t, apperrors.IsCorruptOutput(err))
	})
}

func TestExtractAudio(t *testing.T) {
	out := filepath.Join(t.TempDir(), "audio", "track.mp3")
	fake := &procexec.Fake{Handle: func(_ string, args []string, _ func(string)) (procexec.Result, error) {
		return procexec.Result{}, os.WriteFile(args[len(args)-1], []byte("ID3"), 0o600)
	}}
	require.NoError(t, newTestTransformer(t, fake).ExtractAudio(context.Background(), "in.mp4", out))

	args := fake.Calls()[0].Args
	assert.Equal(t, []string{"-i", "in.mp4", "-vn", "-acodec", "libmp3lame", "-ar", "44100", "-ab", "192k", "-y", out}, args)
}

func TestExtractAudioEmptyOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "track.mp3")
	fake := &procexec.Fake{Handle: func(_ string, args []string, _ func(string)) (procexec.Result, error) {
		return procexec.Result{}, os.WriteFile(args[len(args)-1], nil, 0o600)
	}}
	err := newTestTransformer(t, fake).ExtractAudio(context.Background(), "in.mp4", out)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransform(err))
}

func TestStuckToolIsStopped(t *testing.T) {
	fake := &procexec.Fake{Hang: true}
	tr, err := New(Options{Runner: fake, FFmpegTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	err = tr.ExtractAudio(context.Background(), "in.mp4", filepath.Join(t.TempDir(), "track.mp3"))
	require.Error(t, err)
	assert.True(t, apperrors.IsTransform(err))
	assert.Equal(t, "Failed to extract audio from video: ffmpeg did not finish in time", err.Error())
	assert.Len(t, fake.Calls(), 1)
}

func TestCanceledToolReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestTransformer(t, &procexec.Fake{Hang: true}).Probe(ctx, "in.mp4")
	require.ErrorIs(t, err, context.Canceled)
}

func TestScreenshotCount(t *testing.T) {
	tests := []struct {
		duration float64
		interval time.Duration
		max      int
		want     int
	}{
		{duration: 125, interval: 30 * time.Second, max: 10, want: 4},
		{duration: 3600, interval: 30 * time.Second, max: 10, want: 10},
		{duration: 5, interval: 30 * time.Second, max: 10, want: 1},
		{duration: 0, interval: 30 * time.Second, max: 10, want: 0},
		{duration: 60, interval: 0, max: 10, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ScreenshotCount(tt.duration, tt.interval, tt.max), "%+v", tt)
	}
}

func TestScreenshotTimestamps(t *testing.T) {
	ts := ScreenshotTimestamps(100, 4)
	require.Len(t, ts, 4)
	assert.InDeltaSlice(t, []float64{20, 40, 60, 80}, ts, 0.0001)
	assert.Greater(t, ts[0], 0.0)
	assert.Less(t, ts[len(ts)-1], 100.0)
	assert.Nil(t, ScreenshotTimestamps(100, 0))
}

func TestExtractScreenshotsResizesFrames(t *testing.T) {
	dir := t.TempDir()
	fake := &procexec.Fake{Handle: func(_ string, args []string, _ func(string)) (procexec.Result, error) {
		writeJPEG(t, args[len(args)-1], 1920, 1080)
		return procexec.Result{}, nil
	}}
	tr := newTestTransformer(t, fake)

	paths, err := tr.ExtractScreenshots(context.Background(), "in.mp4", dir, 35)
	require.NoError(t, err)
	require.Len(t, paths, 3)

	for i, p := range paths {
		assert.True(t, strings.HasSuffix(p, "-optimized.jpg"), p)
		w, h := decodeSize(t, p)
		assert.Equal(t, 1280, w)
		assert.Equal(t, 720, h)
		_, err := os.Stat(strings.TrimSuffix(p, "-optimized.jpg") + ".jpg")
		assert.True(t, errors.Is(err, os.ErrNotExist), "unoptimized frame %d should be removed", i)
	}

	calls := fake.Calls()
	require.Len(t, calls, 3)
	var seeks []string
	for _, c := range calls {
		seeks = append(seeks, c.Args[slices.Index(c.Args, "-ss")+1])
	}
	assert.Equal(t, []string{"8.750", "17.500", "26.250"}, seeks)
}

func TestExtractScreenshotsDoesNotEnlarge(t *testing.T) {
	fake := &procexec.Fake{Handle: func(_ string, args []string, _ func(string)) (procexec.Result, error) {
		writeJPEG(t, args[len(args)-1], 640, 360)
		return procexec.Result{}, nil
	}}
	paths, err := newTestTransformer(t, fake).ExtractScreenshots(context.Background(), "in.mp4", t.TempDir(), 12)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	w, h := decodeSize(t, paths[0])
	assert.Equal(t, 640, w)
	assert.Equal(t, 360, h)
}

func TestExtractScreenshotsKeepsOriginalWhenResizeFails(t *testing.T) {
	fake := &procexec.Fake{Handle: func(_ string, args []string, _ func(string)) (procexec.Result, error) {
		return procexec.Result{}, os.WriteFile(args[len(args)-1], []byte("not really a jpeg"), 0o600)
	}}
	paths, err := newTestTransformer(t, fake).ExtractScreenshots(context.Background(), "in.mp4", t.TempDir(), 25)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	for _, p := range paths {
		assert.False(t, strings.HasSuffix(p, "-optimized.jpg"))
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}
}

func TestExtractScreenshotsFailure(t *testing.T) {
	fake := &procexec.Fake{Handle: func(string, []string, func(string)) (procexec.Result, error) {
		return procexec.Result{Stderr: "boom", ExitCode: 1}, errors.New("exit status 1")
	}}
	_, err := newTestTransformer(t, fake).ExtractScreenshots(context.Background(), "in.mp4", t.TempDir(), 25)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransform(err))
}

func TestResizeFit(t *testing.T) {
	r := resizeSpec{maxWidth: 1280, maxHeight: 720, quality: 80}
	w, h := r.fit(3840, 2160)
	assert.Equal(t, []int{1280, 720}, []int{w, h})
	w, h = r.fit(1080, 1920)
	assert.Equal(t, []int{405, 720}, []int{w, h})
	w, h = r.fit(800, 600)
	assert.Equal(t, []int{800, 600}, []int{w, h})
}
