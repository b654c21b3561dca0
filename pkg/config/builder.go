package config

import "time"

// BuilderConfig holds runtime configuration for the builder service.
type BuilderConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string
	AutoMigrate   bool
	DockerHost    string
	Workdir       string
	GitTimeout    time.Duration

	Registry         string
	RegistryUsername string
	RegistryPassword string
	ImageNamespace   string

	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageRegion    string
	StorageUseSSL    bool

	JWTSecret          string
	EventsURL          string
	EventsToken        string
	RateLimitPerMinute int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	LogHistoryBytes    int
	ShutdownTimeout    time.Duration
}

// DevMode reports whether in-memory stores replace PostgreSQL and object storage.
func (c BuilderConfig) DevMode() bool {
	return c.DatabaseURL == ""
}

// LoadBuilderConfig constructs a BuilderConfig from environment variables.
func LoadBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("BUILDER_ADDR", ":5000"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", ""),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", ""),
		AutoMigrate:   GetBool("DB_AUTO_MIGRATE", true),
		DockerHost:    GetString("DOCKER_HOST", ""),
		Workdir:       GetString("BUILDER_WORKDIR", "/tmp/imageforge"),
		GitTimeout:    GetSeconds("GIT_TIMEOUT_SECONDS", 60*time.Second),

		Registry:         GetString("DOCKER_REGISTRY", "localhost:5001"),
		RegistryUsername: GetString("DOCKER_REGISTRY_USERNAME", ""),
		RegistryPassword: GetString("DOCKER_REGISTRY_PASSWORD", ""),
		ImageNamespace:   GetString("IMAGE_NAMESPACE", "imageforge"),

		StorageEndpoint:  GetString("STORAGE_ENDPOINT", ""),
		StorageAccessKey: GetString("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey: GetString("STORAGE_SECRET_KEY", ""),
		StorageBucket:    GetString("STORAGE_BUCKET", "imageforge-artifacts"),
		StorageRegion:    GetString("STORAGE_REGION", ""),
		StorageUseSSL:    GetBool("STORAGE_USE_SSL", false),

		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		EventsURL:          GetString("EVENTS_URL", ""),
		EventsToken:        GetString("EVENTS_TOKEN", ""),
		RateLimitPerMinute: GetInt("RATE_LIMIT_PER_MINUTE", 30),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		LogHistoryBytes:    GetInt("LOG_HISTORY_BYTES", 256*1024),
		ShutdownTimeout:    GetSeconds("SHUTDOWN_TIMEOUT_SECONDS", 15*time.Second),
	}
}
