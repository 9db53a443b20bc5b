// Package vault fetches broker credentials and operator secrets from
// HashiCorp Vault (KV v2). When Vault is disabled the client degrades to an
// in-memory store seeded from the environment, so dry runs and tests never
// need a live server.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// Secret names under the base path.
const (
	SecretBroker = "broker"
	SecretOps    = "ops"
)

// Credentials is the broker login bundle. TOTPSecret is the base32 seed used
// to mint session OTPs, not a one-time code.
type Credentials struct {
	APIKey     string
	ClientCode string
	PIN        string
	TOTPSecret string
}

// OpsSecrets carries what the ops API needs to authenticate operators.
type OpsSecrets struct {
	JWTSecret    string
	PasswordHash string
}

// Config selects the Vault server and the KV v2 layout.
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	BasePath   string `json:"base_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// DefaultConfig returns the disabled, env-seeded mode.
func DefaultConfig() Config {
	return Config{
		Enabled:   false,
		MountPath: "secret",
		BasePath:  "tradeengine",
	}
}

// Client reads secrets with a read-through cache. Vault is hit once per
// secret per process lifetime unless Invalidate is called.
type Client struct {
	client *api.Client
	config Config
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]map[string]interface{}
}

// New builds a client. With cfg.Enabled false it returns a cache-only client
// that serves whatever Seed put in it.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "tradeengine"
	}

	c := &Client{
		config: cfg,
		logger: logger.With().Str("component", "vault").Logger(),
		cache:  make(map[string]map[string]interface{}),
	}

	if !cfg.Enabled {
		c.logger.Info().Msg("Vault disabled, serving seeded secrets from memory")
		return c, nil
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	if cfg.TLSEnabled {
		if err := apiCfg.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client

	c.logger.Info().Str("address", cfg.Address).Str("mount", cfg.MountPath).Msg("Vault client ready")
	return c, nil
}

// Enabled reports whether a live Vault server backs this client.
func (c *Client) Enabled() bool {
	return c.config.Enabled && c.client != nil
}

// Seed places a secret in the cache without touching Vault. The config layer
// uses it to inject env-derived credentials when Vault is disabled.
func (c *Client) Seed(name string, data map[string]string) {
	generic := make(map[string]interface{}, len(data))
	for k, v := range data {
		generic[k] = v
	}
	c.mu.Lock()
	c.cache[name] = generic
	c.mu.Unlock()
}

// Invalidate drops a cached secret so the next read goes back to Vault.
// Call it after rotating credentials.
func (c *Client) Invalidate(name string) {
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()
}

// BrokerCredentials returns the broker login bundle.
func (c *Client) BrokerCredentials(ctx context.Context) (*Credentials, error) {
	data, err := c.readSecret(ctx, SecretBroker)
	if err != nil {
		return nil, err
	}

	creds := &Credentials{
		APIKey:     getString(data, "api_key"),
		ClientCode: getString(data, "client_code"),
		PIN:        getString(data, "pin"),
		TOTPSecret: getString(data, "totp_secret"),
	}
	if creds.APIKey == "" || creds.ClientCode == "" {
		return nil, fmt.Errorf("broker credentials incomplete: api_key and client_code are required")
	}
	return creds, nil
}

// StoreBrokerCredentials writes the broker bundle to Vault and refreshes the
// cache. With Vault disabled it only updates the cache.
func (c *Client) StoreBrokerCredentials(ctx context.Context, creds *Credentials) error {
	data := map[string]interface{}{
		"api_key":     creds.APIKey,
		"client_code": creds.ClientCode,
		"pin":         creds.PIN,
		"totp_secret": creds.TOTPSecret,
	}
	return c.writeSecret(ctx, SecretBroker, data)
}

// OpsAuthSecrets returns the JWT signing secret and the operator password
// hash for the ops API.
func (c *Client) OpsAuthSecrets(ctx context.Context) (*OpsSecrets, error) {
	data, err := c.readSecret(ctx, SecretOps)
	if err != nil {
		return nil, err
	}

	secrets := &OpsSecrets{
		JWTSecret:    getString(data, "jwt_secret"),
		PasswordHash: getString(data, "password_hash"),
	}
	if secrets.JWTSecret == "" {
		return nil, fmt.Errorf("ops secrets incomplete: jwt_secret is required")
	}
	return secrets, nil
}

// readSecret serves from cache first, then Vault. KV v2 nests the payload
// under data.data; plain KV v1 responses come through as-is.
func (c *Client) readSecret(ctx context.Context, name string) (map[string]interface{}, error) {
	c.mu.RLock()
	cached, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if c.client == nil {
		return nil, fmt.Errorf("secret %q not seeded and vault is disabled", name)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath(name))
	if err != nil {
		return nil, fmt.Errorf("read secret %q: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret %q not found", name)
	}

	data := secret.Data
	if inner, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = inner
	}

	c.mu.Lock()
	c.cache[name] = data
	c.mu.Unlock()

	c.logger.Debug().Str("secret", name).Msg("Secret loaded from vault")
	return data, nil
}

func (c *Client) writeSecret(ctx context.Context, name string, data map[string]interface{}) error {
	if c.client != nil {
		payload := map[string]interface{}{"data": data}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(name), payload); err != nil {
			return fmt.Errorf("write secret %q: %w", name, err)
		}
		c.logger.Info().Str("secret", name).Msg("Secret written to vault")
	}

	c.mu.Lock()
	c.cache[name] = data
	c.mu.Unlock()
	return nil
}

// Health pings the Vault server. A sealed vault is unhealthy even though the
// API answers.
func (c *Client) Health(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) dataPath(name string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.BasePath, name)
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
