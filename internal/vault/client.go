// Package vault resolves the exchange API credentials from HashiCorp Vault.
// With Vault disabled the credentials from the config file are used as-is.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"bybit-levels-bot/config"
)

// Credentials is the exchange key pair stored under the configured secret
// path (KV v2).
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Client wraps the HashiCorp Vault client with a read-through cache; the bot
// holds a single credential set, so the cache is one entry.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a Vault client. A disabled config yields a client that
// only serves locally stored credentials.
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

	return &Client{client: client, config: cfg}, nil
}

// ExchangeCredentials returns the stored key pair, reading Vault on the
// first call.
func (c *Client) ExchangeCredentials(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		defer c.mu.RUnlock()
		return c.cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("credentials not stored and vault is disabled")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials at %s", c.secretPath())
	}

	// KV v2 nests the payload under "data"
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format at %s", c.secretPath())
	}

	creds := &Credentials{
		APIKey:    stringField(data, "api_key"),
		SecretKey: stringField(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("incomplete credentials at %s", c.secretPath())
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
	return creds, nil
}

// StoreExchangeCredentials writes the key pair to Vault (or just the local
// cache when Vault is disabled).
func (c *Client) StoreExchangeCredentials(ctx context.Context, creds Credentials) error {
	if c.config.Enabled {
		payload := map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    creds.APIKey,
				"secret_key": creds.SecretKey,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), payload); err != nil {
			return fmt.Errorf("failed to store credentials in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
	return nil
}

func (c *Client) secretPath() string {
	mount := c.config.MountPath
	if mount == "" {
		mount = "secret"
	}
	path := c.config.SecretPath
	if path == "" {
		path = "bybit-levels-bot/exchange"
	}
	return fmt.Sprintf("%s/data/%s", mount, path)
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
