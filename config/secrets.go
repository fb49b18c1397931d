package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/hashicorp/vault/api"
)

// SecretsConfig selects where credentials are read from
type SecretsConfig struct {
	// Provider is one of env, vault, aws
	Provider string `mapstructure:"provider" validate:"omitempty,oneof=env vault aws"`
	Vault    struct {
		Address string `mapstructure:"address"`
		Token   string `mapstructure:"token"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"vault"`
	AWS struct {
		Region    string `mapstructure:"region"`
		SecretID  string `mapstructure:"secret_id"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		// Endpoint overrides the service endpoint (LocalStack and tests)
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"aws"`
}

// Secret keys understood by LoadSecrets
const (
	SecretThreatIntelAPIKey = "threat_intel_api_key"
	SecretRedisPassword     = "redis_password"
	SecretWebhookURL        = "webhook_url"
	SecretSlackWebhookURL   = "slack_webhook_url"
)

// ErrSecretNotFound is returned when a provider has no value for a key
var ErrSecretNotFound = errors.New("secret not found")

// SecretManager retrieves secrets by key
type SecretManager interface {
	GetSecret(key string) (string, error)
}

// EnvSecretManager reads AEGIS_<KEY> environment variables
type EnvSecretManager struct{}

func (e *EnvSecretManager) GetSecret(key string) (string, error) {
	envKey := "AEGIS_" + strings.ToUpper(key)
	value := os.Getenv(envKey)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, envKey)
	}
	return value, nil
}

// VaultSecretManager reads keys from one HashiCorp Vault path
type VaultSecretManager struct {
	path   string
	client *api.Client
}

func NewVaultSecretManager(cfg SecretsConfig) (*VaultSecretManager, error) {
	client, err := api.NewClient(&api.Config{
		Address: cfg.Vault.Address,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.Vault.Token != "" {
		client.SetToken(cfg.Vault.Token)
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}

	path := cfg.Vault.Path
	if path == "" {
		path = "secret/aegis"
	}
	return &VaultSecretManager{path: path, client: client}, nil
}

func (v *VaultSecretManager) GetSecret(key string) (string, error) {
	secret, err := v.client.Logical().Read(v.path)
	if err != nil {
		return "", fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: nothing stored at path %s", ErrSecretNotFound, v.path)
	}

	data := secret.Data
	// KV v2 nests the values one level down
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: key %s not in Vault secret", ErrSecretNotFound, key)
	}
	strValue, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret value for key %s is not a string", key)
	}
	return strValue, nil
}

// AWSSecretManager reads keys from a JSON secret in AWS Secrets Manager
type AWSSecretManager struct {
	secretID string
	client   *secretsmanager.SecretsManager
}

func NewAWSSecretManager(cfg SecretsConfig) (*AWSSecretManager, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.AWS.Region)}
	if cfg.AWS.AccessKey != "" && cfg.AWS.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AWS.AccessKey, cfg.AWS.SecretKey, "")
	}
	if cfg.AWS.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.AWS.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	secretID := cfg.AWS.SecretID
	if secretID == "" {
		secretID = "aegis/secrets"
	}
	return &AWSSecretManager{secretID: secretID, client: secretsmanager.New(sess)}, nil
}

func (a *AWSSecretManager) GetSecret(key string) (string, error) {
	result, err := a.client.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(a.secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret from AWS: %w", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("%w: secret %s has no string value", ErrSecretNotFound, a.secretID)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return "", fmt.Errorf("failed to parse AWS secret JSON: %w", err)
	}
	value, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("%w: key %s not in AWS secret", ErrSecretNotFound, key)
	}
	return value, nil
}

// NewSecretManager creates the configured secret manager
func NewSecretManager(cfg SecretsConfig) (SecretManager, error) {
	switch cfg.Provider {
	case "", "env":
		return &EnvSecretManager{}, nil
	case "vault":
		return NewVaultSecretManager(cfg)
	case "aws":
		return NewAWSSecretManager(cfg)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", cfg.Provider)
	}
}

// LoadSecrets fills credentials left empty by file and environment from the
// configured provider. Keys the provider does not hold are skipped; any other
// provider error is returned.
func LoadSecrets(cfg *Config, manager SecretManager) error {
	targets := []struct {
		key   string
		field *string
	}{
		{SecretThreatIntelAPIKey, &cfg.ThreatIntel.APIKey},
		{SecretRedisPassword, &cfg.Redis.Password},
		{SecretWebhookURL, &cfg.Notifications.WebhookURL},
		{SecretSlackWebhookURL, &cfg.Notifications.SlackWebhookURL},
	}
	for _, t := range targets {
		if *t.field != "" {
			continue
		}
		value, err := manager.GetSecret(t.key)
		if err != nil {
			if errors.Is(err, ErrSecretNotFound) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", t.key, err)
		}
		*t.field = value
	}
	return nil
}
