package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/target/sopline/config"
	"github.com/target/sopline/internal/data/cryptoutil"
)

// newSecretsEncryptor builds the cipher that seals webhook secrets in Postgres.
// Only development may run without SECRETS_ENCRYPTION_KEY, in which case
// secrets are stored in the clear.
//
//nolint:ireturn // callers depend on the Encryptor port, not the AES type
func newSecretsEncryptor(cfg *config.AppConfig, logger *slog.Logger) (cryptoutil.Encryptor, error) {
	key, err := config.DeriveKey("SECRETS_ENCRYPTION_KEY", cfg.SecretsEncryptionKey)
	if err != nil {
		if !cfg.IsDev() {
			return nil, err
		}
		logger.Warn("webhook secrets stored unencrypted", "reason", "SECRETS_ENCRYPTION_KEY unset in development")
		return cryptoutil.NoopEncryptor{}, nil
	}
	enc, err := cryptoutil.NewAESGCMEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("secrets encryptor: %w", err)
	}
	return enc, nil
}
