package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Provider 选择远端助手的实现。
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderArk    Provider = "ark"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Session   SessionConfig
	Assistant AssistantConfig
	OpenAI    OpenAIConfig
	AI        AIConfig
	Storage   StorageConfig
	Persona   PersonaConfig
}

// Load 从环境变量加载配置并校验。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	assistant, err := loadAssistantConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	persona, err := loadPersonaConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: server,
		Log: LogConfig{
			Level:       getEnvOrDefault("LOG_LEVEL", "info"),
			Environment: getEnvOrDefault("ENVIRONMENT", "development"),
		},
		Session:   session,
		Assistant: assistant,
		OpenAI: OpenAIConfig{
			APIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			Model:   getEnvOrDefault("OPENAI_MODEL", "gpt-3.5-turbo"),
			BaseURL: strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		},
		AI:      ai,
		Storage: StorageConfig{DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL"))},
		Persona: persona,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查跨字段约束。
func (c *Config) Validate() error {
	switch c.Assistant.Provider {
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when ASSISTANT_PROVIDER=openai")
		}
	case ProviderArk:
		if !c.AI.Enabled() {
			return fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
		}
	default:
		return fmt.Errorf("invalid ASSISTANT_PROVIDER value %q", c.Assistant.Provider)
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be positive")
	}
	if c.Session.MaxHistory < 1 {
		return fmt.Errorf("MAX_CONVERSATION_HISTORY must be at least 1")
	}
	if c.Assistant.Timeout <= 0 {
		return fmt.Errorf("ASSISTANT_TIMEOUT must be positive")
	}
	if c.Assistant.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	if c.Assistant.PollInterval <= 0 {
		return fmt.Errorf("ASSISTANT_POLL_INTERVAL_MS must be positive")
	}
	if c.Assistant.AgentTTL < 0 {
		return fmt.Errorf("ASSISTANT_AGENT_TTL must not be negative")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level       string
	Environment string
}

// SessionConfig 描述会话生命周期。
type SessionConfig struct {
	Timeout          time.Duration
	MaxHistory       int
	SweepInterval    time.Duration
	SnapshotInterval time.Duration
}

// AssistantConfig 描述远端助手调用策略。
type AssistantConfig struct {
	Provider     Provider
	Timeout      time.Duration
	MaxRetries   int
	PollInterval time.Duration
	RateLimit    float64
	RateBurst    int
	// AgentTTL 为 0 时代理 ID 永久缓存。
	AgentTTL time.Duration
}

// OpenAIConfig 描述 OpenAI Assistants 接入。
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// AIConfig 描述 Ark 大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// StorageConfig 描述持久化；DatabaseURL 为空时只在内存中保存会话。
type StorageConfig struct {
	DatabaseURL string
}

// Enabled 表示是否配置了数据库。
func (c StorageConfig) Enabled() bool {
	return c.DatabaseURL != ""
}

// PersonaConfig 描述角色目录。
type PersonaConfig struct {
	CatalogPath string
	Watch       bool
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

func loadSessionConfig() (SessionConfig, error) {
	timeout, err := parseIntEnv("SESSION_TIMEOUT", 3600)
	if err != nil {
		return SessionConfig{}, err
	}
	history, err := parseIntEnv("MAX_CONVERSATION_HISTORY", 20)
	if err != nil {
		return SessionConfig{}, err
	}
	sweep, err := parseIntEnv("SESSION_SWEEP_INTERVAL", 300)
	if err != nil {
		return SessionConfig{}, err
	}
	snapshot, err := parseIntEnv("SNAPSHOT_INTERVAL", 60)
	if err != nil {
		return SessionConfig{}, err
	}

	return SessionConfig{
		Timeout:          time.Duration(timeout) * time.Second,
		MaxHistory:       history,
		SweepInterval:    time.Duration(sweep) * time.Second,
		SnapshotInterval: time.Duration(snapshot) * time.Second,
	}, nil
}

func loadAssistantConfig() (AssistantConfig, error) {
	timeout, err := parseIntEnv("ASSISTANT_TIMEOUT", 30)
	if err != nil {
		return AssistantConfig{}, err
	}
	retries, err := parseIntEnv("MAX_RETRIES", 3)
	if err != nil {
		return AssistantConfig{}, err
	}
	poll, err := parseIntEnv("ASSISTANT_POLL_INTERVAL_MS", 1000)
	if err != nil {
		return AssistantConfig{}, err
	}
	burst, err := parseIntEnv("ASSISTANT_RATE_BURST", 10)
	if err != nil {
		return AssistantConfig{}, err
	}
	agentTTL, err := parseIntEnv("ASSISTANT_AGENT_TTL", 0)
	if err != nil {
		return AssistantConfig{}, err
	}

	rateLimit := 5.0
	if override, err := parseOptionalFloatEnv("ASSISTANT_RATE_LIMIT"); err != nil {
		return AssistantConfig{}, err
	} else if override != nil {
		rateLimit = *override
	}

	return AssistantConfig{
		Provider:     Provider(strings.ToLower(getEnvOrDefault("ASSISTANT_PROVIDER", string(ProviderOpenAI)))),
		Timeout:      time.Duration(timeout) * time.Second,
		MaxRetries:   retries,
		PollInterval: time.Duration(poll) * time.Millisecond,
		RateLimit:    rateLimit,
		RateBurst:    burst,
		AgentTTL:     time.Duration(agentTTL) * time.Second,
	}, nil
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	})
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

func loadPersonaConfig() (PersonaConfig, error) {
	watch, err := parseBoolEnv("PERSONA_WATCH", false)
	if err != nil {
		return PersonaConfig{}, err
	}
	return PersonaConfig{
		CatalogPath: strings.TrimSpace(os.Getenv("PERSONA_CATALOG")),
		Watch:       watch,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
