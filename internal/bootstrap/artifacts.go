package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/target/sopline/config"
	"github.com/target/sopline/internal/artifact"
)

// BuildArtifactStore opens the configured backend and wraps it in the encrypting store.
func BuildArtifactStore(ctx context.Context, cfg config.ArtifactConfig, logger *slog.Logger) (*artifact.Store, error) {
	key, err := cfg.Key()
	if err != nil {
		return nil, fmt.Errorf("artifact encryption key: %w", err)
	}

	var backend artifact.Backend
	switch cfg.Backend {
	case config.ArtifactBackendS3:
		s3, err := artifact.NewS3Backend(ctx, artifact.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 artifact backend: %w", err)
		}
		backend = s3
		logger.InfoContext(ctx, "artifact store ready", "backend", "s3", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	default:
		local, err := artifact.NewLocalBackend(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open local artifact backend: %w", err)
		}
		backend = local
		logger.InfoContext(ctx, "artifact store ready", "backend", "local", "dir", cfg.Dir)
	}

	return artifact.NewStore(artifact.StoreOptions{
		Backend: backend,
		Key:     key,
		TempDir: cfg.TempDir,
		Logger:  logger,
	})
}
