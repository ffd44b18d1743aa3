package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Client wraps the Vault API client.
type Client struct {
	config Config
	api    *api.Client
	logger *slog.Logger

	mu    sync.Mutex
	token string
}

// NewClient creates a client. It does not contact Vault.
func NewClient(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("vault config is required")
	}
	if !cfg.Enabled {
		return nil, errors.New("vault is not enabled")
	}
	if cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	if cfg.CACert != "" {
		if err := apiCfg.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	apiClient, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	// Only the configured auth method may supply a token.
	apiClient.ClearToken()
	if cfg.Namespace != "" {
		apiClient.SetNamespace(cfg.Namespace)
	}

	return &Client{
		config: *cfg,
		api:    apiClient,
		logger: logger.With("component", "vault-client"),
	}, nil
}

// Authenticate logs in with the configured method.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	switch c.config.AuthMethod {
	case AuthMethodToken:
		if c.config.Token == "" {
			return errors.New("vault token is required for token auth method")
		}
		c.token = c.config.Token

	case AuthMethodKubernetes:
		jwt, err := os.ReadFile(c.config.TokenPath)
		if err != nil {
			return fmt.Errorf("failed to read service account token: %w", err)
		}
		resp, err := c.api.Logical().WriteWithContext(ctx, "auth/kubernetes/login", map[string]any{
			"role": c.config.Role,
			"jwt":  string(jwt),
		})
		if err != nil {
			return fmt.Errorf("failed to authenticate with kubernetes: %w", err)
		}
		if resp == nil || resp.Auth == nil {
			return errors.New("no auth response from vault")
		}
		c.token = resp.Auth.ClientToken

	default:
		return fmt.Errorf("unsupported auth method: %s", c.config.AuthMethod)
	}

	c.api.SetToken(c.token)
	c.logger.Info("authenticated to vault", "auth_method", c.config.AuthMethod)
	return nil
}

// GetSecret reads a KV v2 secret, authenticating first if needed.
func (c *Client) GetSecret(ctx context.Context, path string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" {
		if err := c.authenticateLocked(ctx); err != nil {
			return nil, err
		}
	}

	fullPath := fmt.Sprintf("%s/data/%s", c.config.SecretMountPath, path)
	secret, err := c.api.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret found at %s", fullPath)
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected secret format at %s", fullPath)
	}
	c.logger.Debug("fetched secret", "path", fullPath, "keys", len(data))
	return data, nil
}

// GetSecretString reads one string value of a secret.
func (c *Client) GetSecretString(ctx context.Context, path, key string) (string, error) {
	data, err := c.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}
	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in secret at %s", key, path)
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("value for key %s is not a string", key)
	}
	return s, nil
}

// HealthCheck reports whether Vault is initialized and unsealed.
func (c *Client) HealthCheck(ctx context.Context) error {
	health, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if !health.Initialized {
		return errors.New("vault is not initialized")
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}
