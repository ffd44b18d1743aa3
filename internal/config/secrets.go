package config

import (
	"context"
	"log/slog"

	"github.com/janovincze/shapesync/internal/vault"
)

// ResolveSecrets replaces the database credentials with the ones stored in
// Vault when Vault is enabled.
func (c *Config) ResolveSecrets(ctx context.Context, logger *slog.Logger) error {
	creds, err := vault.ResolveDatabaseCredentials(ctx, c.Vault, vault.Credentials{
		Username: c.Database.User,
		Password: c.Database.Password,
	}, logger)
	if err != nil {
		return err
	}
	c.Database.User = creds.Username
	c.Database.Password = creds.Password
	return nil
}
