// Package fetcher downloads remote videos with yt-dlp.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/target/sopline/internal/backoff"
	"github.com/target/sopline/internal/core"
	apperrors "github.com/target/sopline/internal/errors"
	"github.com/target/sopline/internal/procexec"
)

const (
	defaultBinary    = "yt-dlp"
	defaultAttempts  = 3
	defaultBaseDelay = time.Second
	defaultCacheTTL  = time.Hour

	defaultProbeTimeout    = 2 * time.Minute
	defaultDownloadTimeout = time.Hour

	downloadFormat = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
)

// ProbeCachePrefix prefixes cached probe results, keyed by canonical URL.
const ProbeCachePrefix = "fetcher:probe:"

var allowedDomains = map[string]bool{
	"youtube.com": true,
	"youtu.be":    true,
}

// VideoInfo is the metadata extracted by a probe.
type VideoInfo struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
}

// Options configure a Fetcher.
type Options struct {
	Runner      procexec.Runner      // Required: process runner
	Binary      string               // Optional: yt-dlp executable, defaults to "yt-dlp"
	CookiesPath string               // Optional: Netscape cookie file passed to yt-dlp
	TempDir     string               // Optional: where per-call cookie copies live, defaults to os.TempDir()
	Cache       core.CacheRepository // Optional: probe result cache
	CacheTTL    time.Duration        // Optional: probe cache TTL, defaults to 1h
	Attempts    int                  // Optional: attempts on rate limiting, defaults to 3
	BaseDelay   time.Duration        // Optional: first retry delay, defaults to 1s
	Sleep       func(context.Context, time.Duration) error
	Logger      *slog.Logger

	ProbeTimeout    time.Duration // Optional: limit for --version and metadata calls, defaults to 2m
	DownloadTimeout time.Duration // Optional: limit for one download attempt, defaults to 1h
}

// Fetcher validates, probes, and downloads remote videos.
type Fetcher struct {
	runner      procexec.Runner
	binary      string
	cookiesPath string
	tempDir     string
	cache       core.CacheRepository
	cacheTTL    time.Duration
	retry       backoff.Policy
	logger      *slog.Logger

	probeTimeout    time.Duration
	downloadTimeout time.Duration
}

// New constructs a Fetcher.
func New(opts Options) (*Fetcher, error) {
	if opts.Runner == nil {
		return nil, errors.New("fetcher: runner is required")
	}
	f := &Fetcher{
		runner:      opts.Runner,
		binary:      opts.Binary,
		cookiesPath: opts.CookiesPath,
		tempDir:     opts.TempDir,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		logger:      opts.Logger,

		probeTimeout:    opts.ProbeTimeout,
		downloadTimeout: opts.DownloadTimeout,
	}
	if f.binary == "" {
		f.binary = defaultBinary
	}
	if f.tempDir == "" {
		f.tempDir = os.TempDir()
	}
	if f.cacheTTL <= 0 {
		f.cacheTTL = defaultCacheTTL
	}
	if f.probeTimeout <= 0 {
		f.probeTimeout = defaultProbeTimeout
	}
	if f.downloadTimeout <= 0 {
		f.downloadTimeout = defaultDownloadTimeout
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = f.logger.With("component", "fetcher")

	f.retry = backoff.Policy{
		Attempts:    opts.Attempts,
		BaseDelay:   opts.BaseDelay,
		IsRetryable: apperrors.IsTransient,
		Sleep:       opts.Sleep,
	}
	if f.retry.Attempts <= 0 {
		f.retry.Attempts = defaultAttempts
	}
	if f.retry.BaseDelay <= 0 {
		f.retry.BaseDelay = defaultBaseDelay
	}
	return f, nil
}

// ValidateLocator performs the syntactic check on a remote locator. It never starts a process.
func ValidateLocator(raw string) error {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "youtube.com/watch?v=") && !strings.Contains(raw, "youtu.be/") {
		return apperrors.ValidationField("sourceLocator", "Invalid YouTube URL")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return apperrors.ValidationField("sourceLocator", "Invalid YouTube URL")
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(u.Hostname()))
	if err != nil || !allowedDomains[domain] {
		return apperrors.ValidationField("sourceLocator", "Invalid YouTube URL")
	}
	return nil
}

// CheckAvailable verifies the yt-dlp binary runs at all.
func (f *Fetcher) CheckAvailable(ctx context.Context) error {
	res, err := procexec.Limit(ctx, f.probeTimeout, func(ctx context.Context) (procexec.Result, error) {
		return f.runner.Run(ctx, f.binary, "--version")
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		f.logger.ErrorContext(ctx, "yt-dlp availability check failed",
			"error", err, "stderr", res.Stderr)
		return apperrors.ProviderUnavailablef("yt-dlp is not properly installed")
	}
	return nil
}

// Probe reads title, duration, and thumbnail without downloading the payload.
func (f *Fetcher) Probe(ctx context.Context, locator string) (*VideoInfo, error) {
	if err := ValidateLocator(locator); err != nil {
		return nil, err
	}
	if info := f.cachedProbe(ctx, locator); info != nil {
		return info, nil
	}

	var info *VideoInfo
	err := backoff.Do(ctx, f.retry, func(ctx context.Context, attempt int) error {
		args := []string{
			locator,
			"--skip-download", "--no-playlist", "--no-warnings", "--no-check-certificate",
			"--dump-json",
		}
		res, err := f.exec(ctx, f.probeTimeout, args, nil)
		if err != nil {
			return f.failure(ctx, "probe", attempt, res, err)
		}
		parsed, err := parseProbe(res.Stdout)
		if err != nil {
			return err
		}
		info = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.storeProbe(ctx, locator, info)
	return info, nil
}

// Download fetches the video to outPath and verifies the result.
// onProgress, when set, receives download percentages as yt-dlp reports them.
func (f *Fetcher) Download(ctx context.Context, locator, outPath string, onProgress func(pct float64)) error {
	if err := ValidateLocator(locator); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	onLine := func(line string) {
		if onProgress == nil {
			return
		}
		if pct, ok := parseProgress(line); ok {
			onProgress(pct)
		}
	}

	err := backoff.Do(ctx, f.retry, func(ctx context.Context, attempt int) error {
		args := []string{
			locator,
			"-f", downloadFormat,
			"-o", outPath,
			"--no-playlist", "--no-warnings", "--no-check-certificate",
			"--merge-output-format", "mp4",
			"--newline",
		}
		res, err := f.exec(ctx, f.downloadTimeout, args, onLine)
		if err != nil {
			return f.failure(ctx, "download", attempt, res, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return VerifyOutput(outPath)
}

// exec runs yt-dlp, bounded by timeout, with a private copy of the cookie file that is removed
// when the call returns.
func (f *Fetcher) exec(
	ctx context.Context,
	timeout time.Duration,
	args []string,
	onLine func(string),
) (procexec.Result, error) {
	cookieArgs, release, err := f.acquireCookies(ctx)
	if err != nil {
		return procexec.Result{ExitCode: -1}, err
	}
	defer release()

	args = append(args, cookieArgs...)
	args = append(args, "--no-cache-dir", "--no-write-playlist-metafiles")
	return procexec.Limit(ctx, timeout, func(ctx context.Context) (procexec.Result, error) {
		if onLine == nil {
			return f.runner.Run(ctx, f.binary, args...)
		}
		return f.runner.RunLines(ctx, onLine, f.binary, args...)
	})
}

func (f *Fetcher) acquireCookies(ctx context.Context) ([]string, func(), error) {
	noop := func() {}
	if f.cookiesPath == "" {
		return nil, noop, nil
	}
	src, err := os.Open(f.cookiesPath)
	if err != nil {
		f.logger.WarnContext(ctx, "cookies file unavailable, continuing without cookies",
			"path", f.cookiesPath, "error", err)
		return nil, noop, nil
	}
	defer src.Close()

	if err := os.MkdirAll(f.tempDir, 0o700); err != nil {
		return nil, noop, fmt.Errorf("create temp dir: %w", err)
	}
	tmpPath := filepath.Join(f.tempDir, "cookies-"+uuid.NewString()+".txt")
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, noop, fmt.Errorf("create cookies copy: %w", err)
	}
	release := func() {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			f.logger.WarnContext(ctx, "failed to remove cookies copy", "path", tmpPath, "error", rmErr)
		}
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		release()
		return nil, noop, fmt.Errorf("copy cookies: %w", err)
	}
	if err := dst.Close(); err != nil {
		release()
		return nil, noop, fmt.Errorf("close cookies copy: %w", err)
	}
	return []string{"--cookies", tmpPath}, release, nil
}

// failure converts a failed yt-dlp call into an application error.
func (f *Fetcher) failure(ctx context.Context, op string, attempt int, res procexec.Result, err error) error {
	if procexec.IsNotInstalled(err) {
		return apperrors.ProviderUnavailablef("yt-dlp is not properly installed")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if procexec.IsTimeout(err) {
		f.logger.WarnContext(ctx, "yt-dlp call timed out", "op", op, "attempt", attempt+1, "error", err)
		if op == "probe" {
			return apperrors.Providerf("Failed to get video info: yt-dlp timed out after %s", f.probeTimeout)
		}
		return apperrors.Providerf("Failed to download video: yt-dlp timed out after %s", f.downloadTimeout)
	}

	kind := ClassifyProviderFailure(res.Stderr)
	f.logger.WarnContext(ctx, "yt-dlp call failed",
		"op", op,
		"attempt", attempt+1,
		"exit_code", res.ExitCode,
		"kind", kind,
	)

	switch kind {
	case KindRateLimited:
		return apperrors.Transientf("%s", kind.Message())
	case KindUnknown:
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = err.Error()
		}
		if op == "probe" {
			return apperrors.Providerf("Failed to get video info: %s", detail)
		}
		return apperrors.Providerf("Failed to download video: %s", detail)
	default:
		return apperrors.Providerf("%s", kind.Message())
	}
}

func parseProbe(stdout string) (*VideoInfo, error) {
	var info VideoInfo
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &info); err != nil || info.ID == "" {
		return nil, apperrors.CorruptOutputf("Failed to extract video information")
	}
	return &info, nil
}

func probeCacheKey(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	return ProbeCachePrefix + hex.EncodeToString(sum[:])
}

func (f *Fetcher) cachedProbe(ctx context.Context, locator string) *VideoInfo {
	if f.cache == nil {
		return nil
	}
	raw, err := f.cache.Get(ctx, probeCacheKey(locator))
	if err != nil {
		f.logger.WarnContext(ctx, "probe cache read failed", "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}
	var info VideoInfo
	if err := json.Unmarshal(raw, &info); err != nil || info.ID == "" {
		return nil
	}
	return &info
}

func (f *Fetcher) storeProbe(ctx context.Context, locator string, info *VideoInfo) {
	if f.cache == nil || info == nil {
		return
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := f.cache.Set(ctx, probeCacheKey(locator), raw, f.cacheTTL); err != nil {
		f.logger.WarnContext(ctx, "probe cache write failed", "error", err)
	}
}
