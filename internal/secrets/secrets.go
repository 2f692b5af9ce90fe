// Package secrets resolves secret references against AWS Secrets Manager.
// Secrets are stored as JSON objects; a reference names the secret and one
// key inside it. Fetched secrets are cached per process so a run that
// resolves the same secret for several stacks hits the API once.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// ManagerAPI is the subset of the Secrets Manager client we call.
type ManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Client fetches and caches JSON secrets.
type Client struct {
	api ManagerAPI

	mu    sync.Mutex
	cache map[string]map[string]string
}

func NewClient(api ManagerAPI) *Client {
	return &Client{api: api, cache: map[string]map[string]string{}}
}

// NewFromEnv builds a client on the default AWS config chain.
func NewFromEnv(ctx context.Context) (*Client, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewClient(secretsmanager.NewFromConfig(cfg)), nil
}

// Get returns one key from the named secret. The secret's string value must
// be a JSON object; non-string members are rejected rather than coerced.
func (c *Client) Get(ctx context.Context, name, key string) (string, error) {
	values, err := c.fetch(ctx, name)
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("secret %s has no key %q", name, key)
	}
	return v, nil
}

func (c *Client) fetch(ctx context.Context, name string) (map[string]string, error) {
	c.mu.Lock()
	if cached, ok := c.cache[name]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	out, err := c.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", name, err)
	}
	raw := aws.ToString(out.SecretString)
	if raw == "" && len(out.SecretBinary) > 0 {
		raw = string(out.SecretBinary)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("secret %s is not a JSON object: %w", name, err)
	}
	values := make(map[string]string, len(decoded))
	for k, v := range decoded {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("secret %s key %q is not a string", name, k)
		}
		values[k] = s
	}

	c.mu.Lock()
	c.cache[name] = values
	c.mu.Unlock()
	return values, nil
}
