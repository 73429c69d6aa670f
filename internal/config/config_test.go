package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ASSISTANT_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	for _, key := range []string{"PORT", "SESSION_TIMEOUT", "MAX_CONVERSATION_HISTORY", "ASSISTANT_TIMEOUT", "MAX_RETRIES", "ASSISTANT_POLL_INTERVAL_MS", "OPENAI_MODEL", "DATABASE_URL", "ASSISTANT_AGENT_TTL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Session.Timeout != time.Hour || cfg.Session.MaxHistory != 20 {
		t.Fatalf("unexpected session config: %+v", cfg.Session)
	}
	if cfg.Assistant.Timeout != 30*time.Second || cfg.Assistant.MaxRetries != 3 || cfg.Assistant.PollInterval != time.Second {
		t.Fatalf("unexpected assistant config: %+v", cfg.Assistant)
	}
	if cfg.Assistant.AgentTTL != 0 {
		t.Fatalf("agent ids should be cached without expiry by default, got %s", cfg.Assistant.AgentTTL)
	}
	if cfg.OpenAI.Model != "gpt-3.5-turbo" {
		t.Fatalf("unexpected model %q", cfg.OpenAI.Model)
	}
	if cfg.Storage.Enabled() {
		t.Fatal("storage should be disabled without DATABASE_URL")
	}
}

func TestLoadRejectsMissingOpenAIKey(t *testing.T) {
	t.Setenv("ASSISTANT_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without OPENAI_API_KEY")
	}
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Setenv("ASSISTANT_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SESSION_TIMEOUT", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error for SESSION_TIMEOUT")
	}

	t.Setenv("SESSION_TIMEOUT", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for zero SESSION_TIMEOUT")
	}
}

func TestLoadArkProvider(t *testing.T) {
	t.Setenv("ASSISTANT_PROVIDER", "ark")
	t.Setenv("ARK_API_KEY", "ark-key")
	t.Setenv("Model", "doubao-pro")
	t.Setenv("PORT", "127.0.0.1:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Assistant.Provider != ProviderArk || !cfg.AI.Enabled() {
		t.Fatalf("unexpected provider config: %+v %+v", cfg.Assistant, cfg.AI)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Setenv("ASSISTANT_PROVIDER", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestLoadAgentTTL(t *testing.T) {
	t.Setenv("ASSISTANT_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ASSISTANT_AGENT_TTL", "600")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Assistant.AgentTTL != 10*time.Minute {
		t.Fatalf("unexpected agent ttl %s", cfg.Assistant.AgentTTL)
	}

	t.Setenv("ASSISTANT_AGENT_TTL", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative ASSISTANT_AGENT_TTL")
	}
}
