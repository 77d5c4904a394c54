package config

import "time"

// EngineConfig holds runtime configuration for the alerting engine.
type EngineConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	GatewayToken       string
	IngestBuffer       int
	IngestShards       int
	RollupFlushEvery   time.Duration
	EvalInterval       time.Duration
	EvalJitter         time.Duration
	EvalSustainTicks   int
	EvalMinSamples     int
	RenotifyInterval   time.Duration
	DispatchTimeout    time.Duration
	DispatchMaxRetries int
	SMTPAddr           string
	SMTPFrom           string
	TriageURL          string
	TriageAPIKey       string
	TriageModel        string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadEngineConfig constructs an EngineConfig from environment variables.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("ENGINE_ADDR", ":4100"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://relaywatch:relaywatch@db:5432/relaywatch?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		GatewayToken:       GetString("GATEWAY_INGEST_TOKEN", ""),
		IngestBuffer:       GetInt("INGEST_BUFFER", 8192),
		IngestShards:       GetInt("INGEST_SHARDS", 4),
		RollupFlushEvery:   time.Duration(GetInt("ROLLUP_FLUSH_SECONDS", 60)) * time.Second,
		EvalInterval:       time.Duration(GetInt("EVAL_INTERVAL_SECONDS", 20)) * time.Second,
		EvalJitter:         time.Duration(GetInt("EVAL_JITTER_SECONDS", 5)) * time.Second,
		EvalSustainTicks:   GetInt("EVAL_SUSTAIN_TICKS", 2),
		EvalMinSamples:     GetInt("EVAL_MIN_SAMPLES", 10),
		RenotifyInterval:   time.Duration(GetInt("EVAL_RENOTIFY_MINUTES", 240)) * time.Minute,
		DispatchTimeout:    time.Duration(GetInt("DISPATCH_TIMEOUT_SECONDS", 5)) * time.Second,
		DispatchMaxRetries: GetInt("DISPATCH_MAX_RETRIES", 3),
		SMTPAddr:           GetString("SMTP_ADDR", ""),
		SMTPFrom:           GetString("SMTP_FROM", "alerts@relaywatch.dev"),
		TriageURL:          GetString("TRIAGE_API_URL", ""),
		TriageAPIKey:       GetString("TRIAGE_API_KEY", ""),
		TriageModel:        GetString("TRIAGE_MODEL", "gpt-4o-mini"),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
