package config

import "time"

// APIConfig holds runtime configuration for the orchestrator service.
type APIConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	// Project workspaces and templates.
	WorkspaceRoot string
	TemplateDir   string

	// Dev server pool and supervision.
	DevPortRangeStart int
	DevPortRangeEnd   int
	ReadinessAttempts int
	ReadinessInterval time.Duration
	StopGraceTimeout  time.Duration
	OutputBufferLines int

	// Deployment pipeline.
	RegistryURL        string
	PushMaxAttempts    int
	PushBackoffBase    time.Duration
	VerifyTimeout      time.Duration
	VerifyInterval     time.Duration
	DeployStageTimeout time.Duration

	// External plumbing.
	DockerHost         string
	NATSURL            string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":8000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://oreus:oreus@db:5432/oreus?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		WorkspaceRoot: GetString("WORKSPACE_ROOT", "/var/lib/oreus/projects"),
		TemplateDir:   GetString("TEMPLATE_DIR", "/var/lib/oreus/templates"),

		DevPortRangeStart: GetInt("DEV_PORT_RANGE_START", 3000),
		DevPortRangeEnd:   GetInt("DEV_PORT_RANGE_END", 3099),
		ReadinessAttempts: GetInt("DEV_READINESS_ATTEMPTS", 30),
		ReadinessInterval: GetDuration("DEV_READINESS_INTERVAL", 500*time.Millisecond),
		StopGraceTimeout:  GetDuration("DEV_STOP_GRACE", 10*time.Second),
		OutputBufferLines: GetInt("DEV_OUTPUT_BUFFER_LINES", 500),

		RegistryURL:        GetString("REGISTRY_URL", "registry.local:5000"),
		PushMaxAttempts:    GetInt("PUSH_MAX_ATTEMPTS", 4),
		PushBackoffBase:    GetDuration("PUSH_BACKOFF_BASE", 500*time.Millisecond),
		VerifyTimeout:      GetDuration("VERIFY_TIMEOUT", time.Minute),
		VerifyInterval:     GetDuration("VERIFY_INTERVAL", 2*time.Second),
		DeployStageTimeout: GetDuration("DEPLOY_STAGE_TIMEOUT", 10*time.Minute),

		DockerHost:         GetString("DOCKER_HOST_OVERRIDE", ""),
		NATSURL:            GetString("NATS_URL", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
