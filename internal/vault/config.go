// Package vault resolves shapesync credentials from HashiCorp Vault.
package vault

// Config holds Vault client configuration.
type Config struct {
	Enabled bool

	// Address is the Vault server URL.
	Address string

	// Namespace is the Vault namespace (Enterprise feature).
	Namespace string

	// AuthMethod is "kubernetes" or "token".
	AuthMethod string

	// Role is the Vault role for Kubernetes authentication.
	Role string

	// TokenPath is the Kubernetes service account token file.
	TokenPath string

	// Token is a static Vault token, for development.
	Token string

	// CACert is the path to a CA certificate file.
	CACert string

	// SecretMountPath is the mount path of the KV v2 engine.
	SecretMountPath string

	// DatabasePath is the secret holding the Postgres credentials.
	DatabasePath string

	// FallbackToEnv keeps the environment credentials when Vault is
	// unreachable.
	FallbackToEnv bool
}

// DefaultConfig returns a disabled Config with the standard paths.
func DefaultConfig() Config {
	return Config{
		AuthMethod:      AuthMethodKubernetes,
		Role:            "shapesync",
		TokenPath:       DefaultTokenPath,
		SecretMountPath: "secret",
		DatabasePath:    "shapesync/database",
		FallbackToEnv:   true,
	}
}

// Authentication methods.
const (
	AuthMethodKubernetes = "kubernetes"
	AuthMethodToken      = "token"
)

// DefaultTokenPath is where Kubernetes mounts the service account token.
const DefaultTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// Keys read from the database secret.
const (
	SecretKeyUsername = "username"
	SecretKeyPassword = "password"
)
