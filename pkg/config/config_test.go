package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_MASTER_KEY", "k")
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.OllamaModel != "llama3.2:8b" {
		t.Errorf("OllamaModel = %q", cfg.OllamaModel)
	}
	if cfg.AITimeout != 30*time.Second {
		t.Errorf("AITimeout = %s", cfg.AITimeout)
	}
	if cfg.TriageBatchSize != 50 || cfg.HistoryLookbackDays != 90 {
		t.Errorf("batch=%d lookback=%d", cfg.TriageBatchSize, cfg.HistoryLookbackDays)
	}
	if len(cfg.FollowUpDefaultCategories) != 2 {
		t.Errorf("FollowUpDefaultCategories = %v", cfg.FollowUpDefaultCategories)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENCRYPTION_MASTER_KEY", "k")
	t.Setenv("AI_TIMEOUT", "45")
	t.Setenv("TRIAGE_CACHE_TTL", "2h")
	t.Setenv("AI_MAX_TOKENS", "not-a-number")
	t.Setenv("FOLLOWUP_DEFAULT_CATEGORIES", " urgent , ,fyi")
	cfg := Load()

	if cfg.AITimeout != 45*time.Second {
		t.Errorf("AITimeout = %s, want 45s", cfg.AITimeout)
	}
	if cfg.TriageCacheTTL != 2*time.Hour {
		t.Errorf("TriageCacheTTL = %s", cfg.TriageCacheTTL)
	}
	if cfg.AIMaxTokens != 2048 {
		t.Errorf("AIMaxTokens = %d, want fallback 2048", cfg.AIMaxTokens)
	}
	got := cfg.FollowUpDefaultCategories
	if len(got) != 2 || got[0] != "urgent" || got[1] != "fyi" {
		t.Errorf("FollowUpDefaultCategories = %v", got)
	}
}

func TestLoadMissingMasterKeyUsesDevKey(t *testing.T) {
	t.Setenv("ENCRYPTION_MASTER_KEY", "")
	if cfg := Load(); cfg.EncryptionMasterKey != devMasterKey {
		t.Errorf("EncryptionMasterKey = %q", cfg.EncryptionMasterKey)
	}
}
