package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const devMasterKey = "inboxpilot-dev-master-key-change-me"

type Config struct {
	Port string

	DatabaseDriver string
	DatabaseURL    string

	EncryptionMasterKey string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string

	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURI  string
	MicrosoftTenant       string

	AIProvider      string
	OllamaBaseURL   string
	OllamaModel     string
	GeminiApiKey    string
	AIMaxTokens     int
	AITemperature   float64
	AITimeout       time.Duration
	RedisURL        string
	TriageCacheTTL  time.Duration
	SummaryCacheTTL time.Duration

	ProviderTimeout time.Duration

	JobRetentionCompleted time.Duration
	JobRetentionFailed    time.Duration
	HistoryLookbackDays   int
	TriageBatchSize       int

	FollowUpDefaultCategories []string

	GoogleProjectID     string
	GooglePubSubTopic   string
	GoogleCredentials   string
	FirebaseCredentials string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	masterKey := getEnv("ENCRYPTION_MASTER_KEY", "")
	if masterKey == "" {
		log.Println("[WARN] ENCRYPTION_MASTER_KEY not set, using development key")
		masterKey = devMasterKey
	}

	return &Config{
		Port:                      getEnv("PORT", "8080"),
		DatabaseDriver:            getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:               getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=inboxpilot port=5432 sslmode=disable"),
		EncryptionMasterKey:       masterKey,
		GoogleClientID:            getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:        getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURI:         getEnv("GOOGLE_REDIRECT_URI", "http://localhost:8080/api/accounts/gmail/callback"),
		MicrosoftClientID:         getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret:     getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURI:      getEnv("MICROSOFT_REDIRECT_URI", "http://localhost:8080/api/accounts/outlook/callback"),
		MicrosoftTenant:           getEnv("MICROSOFT_TENANT", "common"),
		AIProvider:                getEnv("AI_PROVIDER", "ollama"),
		OllamaBaseURL:             getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:               getEnv("OLLAMA_MODEL", "llama3.2:8b"),
		GeminiApiKey:              getEnv("GEMINI_API_KEY", ""),
		AIMaxTokens:               getEnvInt("AI_MAX_TOKENS", 2048),
		AITemperature:             getEnvFloat("AI_TEMPERATURE", 0.7),
		AITimeout:                 getEnvDuration("AI_TIMEOUT", 30*time.Second),
		RedisURL:                  getEnv("REDIS_URL", ""),
		TriageCacheTTL:            getEnvDuration("TRIAGE_CACHE_TTL", 24*time.Hour),
		SummaryCacheTTL:           getEnvDuration("SUMMARY_CACHE_TTL", time.Hour),
		ProviderTimeout:           getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
		JobRetentionCompleted:     getEnvDuration("JOB_RETENTION_COMPLETED", 24*time.Hour),
		JobRetentionFailed:        getEnvDuration("JOB_RETENTION_FAILED", 7*24*time.Hour),
		HistoryLookbackDays:       getEnvInt("HISTORY_LOOKBACK_DAYS", 90),
		TriageBatchSize:           getEnvInt("TRIAGE_BATCH_SIZE", 50),
		FollowUpDefaultCategories: getEnvList("FOLLOWUP_DEFAULT_CATEGORIES", []string{"urgent", "action_required"}),
		GoogleProjectID:           getEnv("GOOGLE_PROJECT_ID", ""),
		GooglePubSubTopic:         getEnv("GOOGLE_PUBSUB_TOPIC", ""),
		GoogleCredentials:         getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		FirebaseCredentials:       getEnv("FIREBASE_CREDENTIALS", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		log.Printf("[WARN] invalid integer for %s: %q, using %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
		log.Printf("[WARN] invalid number for %s: %q, using %v", key, value, defaultValue)
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("30s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("[WARN] invalid duration for %s: %q, using %s", key, value, defaultValue)
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
