package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/sopline/internal/bootstrap"
	"github.com/target/sopline/internal/fetcher"
	"github.com/target/sopline/internal/service"
)

const (
	cacheFamilyProbe = "probe"
	cacheFamilySend  = "send"
	cacheFamilyAll   = "all"

	scanCount       = 100
	deleteBatchSize = 1000
	defaultKeyLimit = 200
)

var errRedisDisabled = errors.New("redis is disabled (REDIS_DISABLED=true)")

// cachePatterns returns the SCAN patterns for a key family.
func cachePatterns(family string) ([]string, error) {
	probe := bootstrap.CacheKeyPrefix + fetcher.ProbeCachePrefix + "*"
	send := bootstrap.CacheKeyPrefix + service.SendLockPrefix + "*"
	switch strings.ToLower(strings.TrimSpace(family)) {
	case cacheFamilyProbe:
		return []string{probe}, nil
	case cacheFamilySend:
		return []string{send}, nil
	case cacheFamilyAll, "":
		return []string{probe, send}, nil
	default:
		return nil, fmt.Errorf("unknown key family %q (want probe, send or all)", family)
	}
}

type listKeysOptions struct {
	Family string
	Limit  int
}

type clearKeysOptions struct {
	Family string
	DryRun bool
	Yes    bool
}

func parseListKeysFlags(args []string) (listKeysOptions, error) {
	fs := flag.NewFlagSet("list-cache-keys", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := listKeysOptions{}
	fs.StringVar(&opts.Family, "family", cacheFamilyAll, "Key family to inspect: probe, send or all")
	fs.IntVar(&opts.Limit, "limit", defaultKeyLimit, "Maximum number of keys to print")

	if err := fs.Parse(args); err != nil {
		return listKeysOptions{}, err
	}
	if opts.Limit <= 0 {
		return listKeysOptions{}, errors.New("--limit must be greater than zero")
	}
	if _, err := cachePatterns(opts.Family); err != nil {
		return listKeysOptions{}, err
	}
	return opts, nil
}

func parseClearKeysFlags(args []string) (clearKeysOptions, error) {
	fs := flag.NewFlagSet("clear-cache-keys", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := clearKeysOptions{}
	fs.StringVar(&opts.Family, "family", "", "Key family to delete: probe, send or all (required)")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Count matching keys without deleting them")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip the confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return clearKeysOptions{}, err
	}
	if strings.TrimSpace(opts.Family) == "" {
		return clearKeysOptions{}, errors.New("--family is required")
	}
	if _, err := cachePatterns(opts.Family); err != nil {
		return clearKeysOptions{}, err
	}
	return opts, nil
}

//nolint:ireturn // returning redis.UniversalClient keeps sentinel support flexible.
func connectRedis(cmdCtx *commandContext) (redis.UniversalClient, error) {
	if cmdCtx.Config.Redis.Disabled {
		return nil, errRedisDisabled
	}
	client, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{
		RedisConfig: cmdCtx.Config.Redis,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func runListCacheKeys(cmdCtx *commandContext, args []string) error {
	opts, err := parseListKeysFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, 2*time.Minute)
	defer cancel()

	client, err := connectRedis(cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("redis close failed", "error", closeErr)
		}
	}()

	patterns, _ := cachePatterns(opts.Family)
	lister := keyLister{ctx: ctx, client: client, logger: cmdCtx.Logger, out: os.Stdout, limit: opts.Limit}
	for _, pattern := range patterns {
		if scanErr := lister.scan(pattern); scanErr != nil {
			return scanErr
		}
		if lister.truncated {
			break
		}
	}

	if lister.printed == 0 {
		return writeln(os.Stdout, "(no keys found)")
	}
	if lister.truncated {
		return writef(os.Stdout, "\nShowing first %d keys (use --limit to see more)\n", lister.printed)
	}
	return writef(os.Stdout, "\nTotal keys: %d\n", lister.printed)
}

type keyLister struct {
	ctx       context.Context
	client    redis.UniversalClient
	logger    *slog.Logger
	out       io.Writer
	limit     int
	printed   int
	truncated bool
}

func (l *keyLister) scan(pattern string) error {
	l.logger.Info("scanning redis", "pattern", pattern)

	iter := l.client.Scan(l.ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(l.ctx) {
		if l.printed >= l.limit {
			l.truncated = true
			return nil
		}
		key := iter.Val()
		ttl, ttlErr := l.client.TTL(l.ctx, key).Result()
		if ttlErr != nil {
			l.logger.ErrorContext(l.ctx, "failed to fetch TTL", "key", key, "error", ttlErr)
			if err := writef(l.out, "  %s (TTL: error: %v)\n", key, ttlErr); err != nil {
				return fmt.Errorf("print key ttl error: %w", err)
			}
		} else if err := writef(l.out, "  %s (TTL: %s)\n", key, renderTTL(ttl)); err != nil {
			return fmt.Errorf("print key ttl: %w", err)
		}
		l.printed++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

func runClearCacheKeys(cmdCtx *commandContext, args []string) error {
	opts, err := parseClearKeysFlags(args)
	if err != nil {
		return err
	}
	if !opts.DryRun && !opts.Yes {
		if confirmErr := confirm(os.Stdin, os.Stdout, fmt.Sprintf("About to delete %q cache keys.", opts.Family)); confirmErr != nil {
			return confirmErr
		}
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, 2*time.Minute)
	defer cancel()

	client, err := connectRedis(cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("redis close failed", "error", closeErr)
		}
	}()

	req := &keyDeleteRequest{Ctx: ctx, Logger: cmdCtx.Logger, Redis: client, DryRun: opts.DryRun}
	patterns, _ := cachePatterns(opts.Family)
	var stats keyDeleteStats
	for _, pattern := range patterns {
		if delErr := req.deletePattern(pattern, &stats); delErr != nil {
			return delErr
		}
	}

	switch {
	case stats.total == 0:
		return writeln(os.Stdout, "No matching keys found in Redis")
	case opts.DryRun:
		return writef(os.Stdout, "Dry-run: would delete %d keys\n", stats.total)
	case stats.failures > 0:
		return fmt.Errorf("deleted %d/%d keys; %d batches failed", stats.deleted, stats.total, stats.failures)
	default:
		return writef(os.Stdout, "Deleted %d/%d keys\n", stats.deleted, stats.total)
	}
}

type keyDeleteRequest struct {
	Ctx    context.Context
	Logger *slog.Logger
	Redis  redis.UniversalClient
	DryRun bool
}

type keyDeleteStats struct {
	total    int
	deleted  int64
	failures int
}

func (req *keyDeleteRequest) deletePattern(pattern string, stats *keyDeleteStats) error {
	req.Logger.Info("scanning redis", "pattern", pattern, "dry_run", req.DryRun)

	iter := req.Redis.Scan(req.Ctx, 0, pattern, scanCount).Iterator()
	batch := make([]string, 0, deleteBatchSize)
	for iter.Next(req.Ctx) {
		stats.total++
		batch = append(batch, iter.Val())
		if len(batch) == deleteBatchSize {
			req.flush(batch, stats)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	req.flush(batch, stats)
	return nil
}

func (req *keyDeleteRequest) flush(batch []string, stats *keyDeleteStats) {
	if len(batch) == 0 || req.DryRun {
		return
	}
	n, err := req.Redis.Del(req.Ctx, batch...).Result()
	if err != nil {
		stats.failures++
		req.Logger.Error("failed to delete cache keys", "count", len(batch), "error", err)
		return
	}
	stats.deleted += n
}

func confirm(in io.Reader, out io.Writer, message string) error {
	if err := writef(out, "%s\nContinue? [y/N]: ", message); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errors.New("aborted by user")
}

// renderTTL prints Redis TTL sentinels readably; go-redis reports them as -1 and -2.
func renderTTL(d time.Duration) string {
	switch d {
	case -1, -1 * time.Second:
		return "no expiry"
	case -2, -2 * time.Second:
		return "key missing"
	default:
		return d.String()
	}
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	if len(args) == 0 {
		_, err := fmt.Fprintln(w)
		return err
	}
	_, err := fmt.Fprintln(w, args...)
	return err
}
