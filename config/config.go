package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kaadipranav/watchllm/tenancy"
	"github.com/kaadipranav/watchllm/utils/env"
)

// TenantEntry is a tenant plus the API keys that resolve to it.
type TenantEntry struct {
	tenancy.Tenant `yaml:",inline"`

	ApiKeys []string `yaml:"api_keys"`
}

// UpstreamConfig points at the OpenAI-compatible provider the gateway fronts.
type UpstreamConfig struct {
	// Display name used in X-Provider and system_fingerprint. E.g., openai
	Name string `yaml:"name"`

	// Base URL of the upstream API. E.g., https://api.openai.com/v1
	BaseUrl string `yaml:"base_url"`

	// Service-level API key. Tenants with a vaulted key override it per request.
	ApiKey string
}

// ClickHouseConfig points at the analytics warehouse. Empty endpoint disables
// the warehouse sink.
type ClickHouseConfig struct {
	Endpoint string `yaml:"endpoint"`
	User     string `yaml:"user"`
	Password string
}

// Config represents the full application configuration
type Config struct {
	// Valkey (open-source version of Redis) endpoint backing caches, rate
	// windows, and coalescing leases. Empty means in-process memory only.
	// E.g., localhost:6379
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// Requests with a larger Content-Length are rejected with 413.
	MaxRequestSizeBytes int64 `yaml:"max_request_size_bytes"`

	// Cache lifetime when neither the tenant nor the endpoint overrides it.
	DefaultCacheTTLSeconds int `yaml:"default_cache_ttl_seconds"`

	// Global semantic similarity threshold; tenants may override within
	// [0.50, 0.99].
	SemanticCacheThreshold float64 `yaml:"semantic_cache_threshold"`

	// Model used to embed prompts for the semantic cache.
	EmbeddingModel string `yaml:"embedding_model"`

	// Base64-encoded AES key sealing the BYOK vault. Empty disables the vault.
	MasterKey string

	// Byte budget for the in-process state fallback.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes"`

	Upstream   UpstreamConfig   `yaml:"upstream"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`

	// Tenants and their API keys.
	Tenants []TenantEntry `yaml:"tenants"`
}

// LoadConfig loads the configuration from the specified path
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	// Setting default values
	config := Config{
		Port:                   8080,
		MaxRequestSizeBytes:    1 << 20,
		DefaultCacheTTLSeconds: 3600,
		SemanticCacheThreshold: 0.85,
		EmbeddingModel:         "text-embedding-3-small",
		MemoryLimitBytes:       256 << 20,
		Upstream: UpstreamConfig{
			Name:    "openai",
			BaseUrl: "https://api.openai.com/v1",
		},
	}

	// Checks if config is specified via environment variable.
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := func(configSource string, configToken string) ([]byte, error) {
		// Handle URL or local path
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)

	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	// Overrides config with the YAML data.
	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	// Overrides config with environment variables.
	// Therefore, the values from the environment variables precede the values from the YAML file.
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.MaxRequestSizeBytes = int64(env.OptionalIntVariable("MAX_REQUEST_SIZE_BYTES", int(config.MaxRequestSizeBytes)))
	config.DefaultCacheTTLSeconds = env.OptionalIntVariable("DEFAULT_CACHE_TTL_SECONDS", config.DefaultCacheTTLSeconds)
	config.SemanticCacheThreshold = env.OptionalFloatVariable("SEMANTIC_CACHE_THRESHOLD", config.SemanticCacheThreshold)
	config.EmbeddingModel = env.OptionalStringVariable("EMBEDDING_MODEL", config.EmbeddingModel)
	config.MasterKey = env.OptionalStringVariable("MASTER_KEY", config.MasterKey)
	config.Upstream.Name = env.OptionalStringVariable("UPSTREAM_NAME", config.Upstream.Name)
	config.Upstream.BaseUrl = env.OptionalStringVariable("UPSTREAM_BASE_URL", config.Upstream.BaseUrl)
	config.Upstream.ApiKey = env.OptionalStringVariable("UPSTREAM_API_KEY", config.Upstream.ApiKey)
	config.ClickHouse.Endpoint = env.OptionalStringVariable("CLICKHOUSE_ENDPOINT", config.ClickHouse.Endpoint)
	config.ClickHouse.User = env.OptionalStringVariable("CLICKHOUSE_USER", config.ClickHouse.User)
	config.ClickHouse.Password = env.OptionalStringVariable("CLICKHOUSE_PASSWORD", config.ClickHouse.Password)

	if config.SemanticCacheThreshold < 0.50 || config.SemanticCacheThreshold > 0.99 {
		return nil, fmt.Errorf("semantic_cache_threshold must be within [0.50, 0.99], got %.2f", config.SemanticCacheThreshold)
	}

	return &config, nil
}

// DefaultCacheTTL returns the environment-level TTL as a duration.
func (c *Config) DefaultCacheTTL() time.Duration {
	return time.Duration(c.DefaultCacheTTLSeconds) * time.Second
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
