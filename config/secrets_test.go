package config

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvSecretManager(t *testing.T) {
	t.Setenv("AEGIS_THREAT_INTEL_API_KEY", "vt-key")
	m := &EnvSecretManager{}

	v, err := m.GetSecret(SecretThreatIntelAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "vt-key", v)

	_, err = m.GetSecret("missing_key")
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.Contains(t, err.Error(), "AEGIS_MISSING_KEY")
}

func TestNewSecretManager(t *testing.T) {
	m, err := NewSecretManager(SecretsConfig{})
	require.NoError(t, err)
	assert.IsType(t, &EnvSecretManager{}, m)

	_, err = NewSecretManager(SecretsConfig{Provider: "gcp"})
	assert.Error(t, err)
}

// staticSecrets is an in-memory SecretManager
type staticSecrets map[string]string

func (s staticSecrets) GetSecret(key string) (string, error) {
	if v, ok := s[key]; ok {
		return v, nil
	}
	return "", ErrSecretNotFound
}

type brokenSecrets struct{}

func (brokenSecrets) GetSecret(string) (string, error) { return "", errors.New("permission denied") }

func TestLoadSecrets_FillsOnlyEmptyFields(t *testing.T) {
	cfg := &Config{}
	cfg.Redis.Password = "explicit"

	err := LoadSecrets(cfg, staticSecrets{
		SecretThreatIntelAPIKey: "vt-key",
		SecretRedisPassword:     "from-provider",
		SecretSlackWebhookURL:   "https://hooks.slack.com/services/x",
	})
	require.NoError(t, err)
	assert.Equal(t, "vt-key", cfg.ThreatIntel.APIKey)
	assert.Equal(t, "explicit", cfg.Redis.Password)
	assert.Equal(t, "https://hooks.slack.com/services/x", cfg.Notifications.SlackWebhookURL)
	assert.Empty(t, cfg.Notifications.WebhookURL)
}

func TestLoadSecrets_ProviderFailure(t *testing.T) {
	err := LoadSecrets(&Config{}, brokenSecrets{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestVaultSecretManager(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s.test-token", r.Header.Get("X-Vault-Token"))
		switch r.URL.Path {
		case "/v1/secret/aegis":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"threat_intel_api_key": "vt-from-vault", "redis_password": 42},
			})
		case "/v1/kv/data/aegis":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"data":     map[string]interface{}{"redis_password": "kv2-pass"},
					"metadata": map[string]interface{}{"version": 3},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	defer srv.Close()

	cfg := SecretsConfig{Provider: "vault"}
	cfg.Vault.Address = srv.URL
	cfg.Vault.Token = "s.test-token"

	m, err := NewVaultSecretManager(cfg)
	require.NoError(t, err)

	v, err := m.GetSecret(SecretThreatIntelAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "vt-from-vault", v)

	_, err = m.GetSecret(SecretWebhookURL)
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = m.GetSecret(SecretRedisPassword)
	assert.ErrorContains(t, err, "not a string")

	cfg.Vault.Path = "kv/data/aegis"
	kv2, err := NewVaultSecretManager(cfg)
	require.NoError(t, err)
	v, err = kv2.GetSecret(SecretRedisPassword)
	require.NoError(t, err)
	assert.Equal(t, "kv2-pass", v)

	cfg.Vault.Path = "secret/missing"
	empty, err := NewVaultSecretManager(cfg)
	require.NoError(t, err)
	_, err = empty.GetSecret(SecretRedisPassword)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestAWSSecretManager(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secretsmanager.GetSecretValue", r.Header.Get("X-Amz-Target"))
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "aegis/test", req["SecretId"])

		secret, _ := json.Marshal(map[string]string{SecretWebhookURL: "https://hooks.example.com/soar"})
		w.Header().Set("Content-Type", "application/x-amz-json-1.1")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ARN":          "arn:aws:secretsmanager:us-east-1:000000000000:secret:aegis/test",
			"Name":         "aegis/test",
			"SecretString": string(secret),
		})
	}))
	defer srv.Close()

	cfg := SecretsConfig{Provider: "aws"}
	cfg.AWS.Region = "us-east-1"
	cfg.AWS.SecretID = "aegis/test"
	cfg.AWS.AccessKey = "AKIDEXAMPLE"
	cfg.AWS.SecretKey = "secret"
	cfg.AWS.Endpoint = srv.URL

	m, err := NewSecretManager(cfg)
	require.NoError(t, err)

	v, err := m.GetSecret(SecretWebhookURL)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/soar", v)

	_, err = m.GetSecret(SecretSlackWebhookURL)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}
