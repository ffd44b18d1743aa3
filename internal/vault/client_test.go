package vault

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

// fakeVault serves the KV v2, Kubernetes login and health endpoints.
func fakeVault(t *testing.T, secret map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/auth/kubernetes/login":
			json.NewEncoder(w).Encode(map[string]any{
				"auth": map[string]any{"client_token": "k8s-token", "lease_duration": 3600},
			})
		case "/v1/secret/data/shapesync/database":
			if r.Header.Get("X-Vault-Token") == "" {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"errors":["permission denied"]}`))
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"data": secret}})
		case "/v1/sys/health":
			json.NewEncoder(w).Encode(map[string]any{"initialized": true, "sealed": false})
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func tokenConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Address = addr
	cfg.AuthMethod = AuthMethodToken
	cfg.Token = "test-token"
	cfg.FallbackToEnv = false
	return cfg
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{"nil config", nil, true},
		{"vault disabled", &Config{Enabled: false}, true},
		{"missing address", &Config{Enabled: true}, true},
		{"valid config", &Config{Enabled: true, Address: "http://localhost:8200", AuthMethod: AuthMethodToken, Token: "t"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.config, testLogger)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && client == nil {
				t.Error("NewClient() returned nil client without error")
			}
		})
	}
}

func TestClient_Authenticate(t *testing.T) {
	srv := fakeVault(t, nil)

	jwtPath := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(jwtPath, []byte("sa-jwt"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"static token", func(*Config) {}, false},
		{"empty token", func(c *Config) { c.Token = "" }, true},
		{"kubernetes", func(c *Config) { c.AuthMethod = AuthMethodKubernetes; c.TokenPath = jwtPath }, false},
		{"kubernetes without token file", func(c *Config) {
			c.AuthMethod = AuthMethodKubernetes
			c.TokenPath = filepath.Join(t.TempDir(), "missing")
		}, true},
		{"unsupported", func(c *Config) { c.AuthMethod = "ldap" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tokenConfig(srv.URL)
			tt.mutate(&cfg)
			client, err := NewClient(&cfg, testLogger)
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}
			err = client.Authenticate(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Authenticate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_GetSecretString(t *testing.T) {
	srv := fakeVault(t, map[string]any{"password": "s3cret", "port": 5432})
	cfg := tokenConfig(srv.URL)
	client, err := NewClient(&cfg, testLogger)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	ctx := context.Background()

	got, err := client.GetSecretString(ctx, "shapesync/database", "password")
	if err != nil {
		t.Fatalf("GetSecretString() error = %v", err)
	}
	if got != "s3cret" {
		t.Errorf("expected s3cret, got %q", got)
	}

	if _, err := client.GetSecretString(ctx, "shapesync/database", "missing"); err == nil {
		t.Error("expected error for missing key")
	}
	if _, err := client.GetSecretString(ctx, "shapesync/database", "port"); err == nil {
		t.Error("expected error for non-string value")
	}
	if _, err := client.GetSecret(ctx, "shapesync/other"); err == nil {
		t.Error("expected error for missing secret")
	}
}

func TestClient_HealthCheck(t *testing.T) {
	srv := fakeVault(t, nil)
	cfg := tokenConfig(srv.URL)
	client, err := NewClient(&cfg, testLogger)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestResolveDatabaseCredentials(t *testing.T) {
	env := Credentials{Username: "shapesync", Password: "from-env"}
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		got, err := ResolveDatabaseCredentials(ctx, DefaultConfig(), env, testLogger)
		if err != nil || got != env {
			t.Errorf("expected environment credentials, got %+v, %v", got, err)
		}
	})

	t.Run("password only", func(t *testing.T) {
		srv := fakeVault(t, map[string]any{"password": "from-vault"})
		got, err := ResolveDatabaseCredentials(ctx, tokenConfig(srv.URL), env, testLogger)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Username != "shapesync" || got.Password != "from-vault" {
			t.Errorf("expected vault password with env username, got %+v", got)
		}
	})

	t.Run("username and password", func(t *testing.T) {
		srv := fakeVault(t, map[string]any{"username": "app", "password": "from-vault"})
		got, err := ResolveDatabaseCredentials(ctx, tokenConfig(srv.URL), env, testLogger)
		if err != nil || got.Username != "app" {
			t.Errorf("expected vault username, got %+v, %v", got, err)
		}
	})

	t.Run("missing password", func(t *testing.T) {
		srv := fakeVault(t, map[string]any{"username": "app"})
		if _, err := ResolveDatabaseCredentials(ctx, tokenConfig(srv.URL), env, testLogger); err == nil {
			t.Error("expected error for secret without password")
		}
	})

	t.Run("fallback", func(t *testing.T) {
		srv := fakeVault(t, map[string]any{"username": "app"})
		cfg := tokenConfig(srv.URL)
		cfg.FallbackToEnv = true
		got, err := ResolveDatabaseCredentials(ctx, cfg, env, testLogger)
		if err != nil || got != env {
			t.Errorf("expected fallback to environment credentials, got %+v, %v", got, err)
		}
	})
}
