// Package secrets retrieves channel credentials once per process and
// caches them.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"golang.org/x/sync/singleflight"
)

// Credentials are the channel secrets. They render redacted in logs.
type Credentials struct {
	NotifyAPIKey    string `json:"notifyApiKey"`
	SlackWebhookURL string `json:"slackWebhookUrl"`
}

// LogValue implements slog.LogValuer.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("notifyApiKey", redact(c.NotifyAPIKey)),
		slog.String("slackWebhookUrl", redact(c.SlackWebhookURL)),
	)
}

func redact(s string) string {
	if s == "" {
		return "<unset>"
	}
	return "<redacted>"
}

// Provider yields credentials.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Fetcher loads credentials from a backing store on every call.
type Fetcher interface {
	Fetch(ctx context.Context) (Credentials, error)
}

// Static is a Provider over fixed values, for local runs and tests.
type Static Credentials

// Credentials implements Provider.
func (s Static) Credentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

// Cache fetches credentials at most once successfully. Concurrent first
// calls share one fetch; failed fetches are not cached.
type Cache struct {
	fetcher Fetcher
	group   singleflight.Group

	mu    sync.RWMutex
	creds *Credentials
}

// NewCache wraps fetcher.
func NewCache(fetcher Fetcher) *Cache {
	return &Cache{fetcher: fetcher}
}

// Credentials implements Provider.
func (c *Cache) Credentials(ctx context.Context) (Credentials, error) {
	c.mu.RLock()
	if c.creds != nil {
		creds := *c.creds
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("credentials", func() (any, error) {
		creds, err := c.fetcher.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.creds = &creds
		c.mu.Unlock()
		return creds, nil
	})
	if err != nil {
		return Credentials{}, err
	}
	return v.(Credentials), nil
}

// GetSecretValueAPI is the slice of the Secrets Manager client the fetcher
// needs.
type GetSecretValueAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerFetcher reads a JSON credentials document from AWS Secrets
// Manager.
type SecretsManagerFetcher struct {
	client   GetSecretValueAPI
	secretID string
}

// NewSecretsManagerFetcher creates a fetcher for secretID.
func NewSecretsManagerFetcher(client GetSecretValueAPI, secretID string) *SecretsManagerFetcher {
	return &SecretsManagerFetcher{client: client, secretID: secretID}
}

// Fetch implements Fetcher.
func (f *SecretsManagerFetcher) Fetch(ctx context.Context) (Credentials, error) {
	out, err := f.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(f.secretID),
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("get secret %s: %w", f.secretID, err)
	}
	if out.SecretString == nil {
		return Credentials{}, fmt.Errorf("secret %s: no string value", f.secretID)
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(*out.SecretString), &creds); err != nil {
		return Credentials{}, fmt.Errorf("secret %s: decode: %w", f.secretID, err)
	}
	if creds.NotifyAPIKey == "" && creds.SlackWebhookURL == "" {
		return Credentials{}, errors.New("secret " + f.secretID + ": no channel credentials present")
	}
	return creds, nil
}
