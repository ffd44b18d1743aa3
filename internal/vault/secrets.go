package vault

import (
	"context"
	"fmt"
	"log/slog"
)

// Credentials are database login credentials.
type Credentials struct {
	Username string
	Password string
}

// DatabaseCredentials reads the database secret. A secret without a username
// leaves Username empty.
func (c *Client) DatabaseCredentials(ctx context.Context) (Credentials, error) {
	data, err := c.GetSecret(ctx, c.config.DatabasePath)
	if err != nil {
		return Credentials{}, err
	}

	password, ok := data[SecretKeyPassword].(string)
	if !ok || password == "" {
		return Credentials{}, fmt.Errorf("secret %s has no %s", c.config.DatabasePath, SecretKeyPassword)
	}
	username, _ := data[SecretKeyUsername].(string)
	return Credentials{Username: username, Password: password}, nil
}

// ResolveDatabaseCredentials returns the database credentials from Vault,
// or current when Vault is disabled. With FallbackToEnv set, a Vault failure
// is logged and current is returned.
func ResolveDatabaseCredentials(ctx context.Context, cfg Config, current Credentials, logger *slog.Logger) (Credentials, error) {
	if !cfg.Enabled {
		return current, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	creds, err := fetchDatabaseCredentials(ctx, cfg, logger)
	if err != nil {
		if cfg.FallbackToEnv {
			logger.Warn("vault unavailable, using environment credentials", "error", err)
			return current, nil
		}
		return Credentials{}, err
	}
	if creds.Username == "" {
		creds.Username = current.Username
	}
	return creds, nil
}

func fetchDatabaseCredentials(ctx context.Context, cfg Config, logger *slog.Logger) (Credentials, error) {
	client, err := NewClient(&cfg, logger)
	if err != nil {
		return Credentials{}, err
	}
	return client.DatabaseCredentials(ctx)
}
