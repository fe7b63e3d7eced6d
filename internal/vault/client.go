// Package vault resolves the exchange credentials a worker signs with,
// from a Vault KV v2 secret or from the service config.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"perp-monitor/config"
	"perp-monitor/internal/faults"

	"github.com/hashicorp/vault/api"
)

// Credentials are the exchange API key pair
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Credentials reads the exchange secret once and serves it from memory after
func (c *Client) Credentials(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		creds := *c.cached
		c.mu.RUnlock()
		return &creds, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, faults.Newf(faults.ConfigurationInvalid, "vault", "vault is disabled")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, faults.Newf(faults.ConfigurationInvalid, "vault", "no secret at %s", c.secretPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, faults.Newf(faults.ConfigurationInvalid, "vault", "invalid secret format at %s", c.secretPath())
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, faults.Newf(faults.ConfigurationInvalid, "vault", "secret at %s lacks api_key or secret_key", c.secretPath())
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()

	out := *creds
	return &out, nil
}

// Invalidate drops the cached credentials so the next read hits Vault
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// Resolve returns the credentials the exchange client should sign with:
// the Vault secret when Vault is enabled, else the configured key pair.
func Resolve(ctx context.Context, cfg *config.Config) (*Credentials, error) {
	if !cfg.Vault.Enabled {
		if cfg.Exchange.APIKey == "" || cfg.Exchange.SecretKey == "" {
			return nil, faults.Newf(faults.ConfigurationInvalid, "credentials", "exchange api_key and secret_key are required when vault is disabled")
		}
		return &Credentials{
			APIKey:    cfg.Exchange.APIKey,
			SecretKey: cfg.Exchange.SecretKey,
			IsTestnet: cfg.Exchange.TestNet,
		}, nil
	}

	c, err := NewClient(cfg.Vault)
	if err != nil {
		return nil, err
	}
	creds, err := c.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	creds.IsTestnet = creds.IsTestnet || cfg.Exchange.TestNet
	return creds, nil
}

// secretPath is the KV v2 data path of the exchange secret
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", strings.Trim(c.config.MountPath, "/"), strings.Trim(c.config.SecretPath, "/"))
}

// Helper functions
func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		case json.Number:
			n, _ := v.Int64()
			return n != 0
		}
	}
	return false
}
