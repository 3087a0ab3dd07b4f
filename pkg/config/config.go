package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	Token     TokenConfig
	Secrets   SecretsConfig
	Security  SecurityConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	CORS      CORSConfig
	Log       LogConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// TokenConfig governs token lifetimes and issuance policy.
type TokenConfig struct {
	Issuer            string
	Audience          []string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	CSRFTTL           time.Duration
	RefreshMaxUses    int
	RotateOnUse       bool
	AutoRevokeOnIssue bool
}

// SecretsConfig seeds and schedules signing-secret rotation.
type SecretsConfig struct {
	AccessSeed        string
	RefreshSeed       string
	CSRFSeed          string
	RotationInterval  time.Duration
	CheckInterval     time.Duration
	GracePeriod       time.Duration
	SyncEnabled       bool
}

// SecurityConfig holds binding and anomaly-detection policy.
type SecurityConfig struct {
	StrictMode                bool
	AllowPrivateNetworkBypass bool
	ClockSkew                 time.Duration
	MaxTravelSpeedKmh         float64
	IPChangeRejectScore       int
	UserAgentRejectScore      int
	UserAgentWarnScore        int
	SuspicionThreshold        int
	CandidateLimit            int
	RetentionPeriod           time.Duration
}

// RateLimitConfig bounds per-ip operation rates with a sliding window.
type RateLimitConfig struct {
	Enabled          bool
	Window           time.Duration
	VerifyCeiling    int
	RefreshCeiling   int
	IssueCeiling     int
	PruneInterval    time.Duration
}

// AuditConfig tunes the in-memory audit trail.
type AuditConfig struct {
	BufferSize       int
	FlushInterval    time.Duration
	PatternInterval  time.Duration
	PatternWindow    time.Duration
	PatternThreshold int
	RetentionPeriod  time.Duration
	CleanupInterval  time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// An explicit config file that does not exist surfaces as a
		// plain path error, not viper's not-found type. Either way the
		// process boots from env vars and defaults.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Token = TokenConfig{
		Issuer:            v.GetString("TOKEN_ISSUER"),
		Audience:          splitAndTrim(v.GetString("TOKEN_AUDIENCE")),
		AccessTTL:         parseDuration(v.GetString("ACCESS_TOKEN_TTL"), 15*time.Minute),
		RefreshTTL:        parseDuration(v.GetString("REFRESH_TOKEN_TTL"), 7*24*time.Hour),
		CSRFTTL:           parseDuration(v.GetString("CSRF_TOKEN_TTL"), 12*time.Hour),
		RefreshMaxUses:    v.GetInt("REFRESH_TOKEN_MAX_USES"),
		RotateOnUse:       v.GetBool("REFRESH_ROTATE_ON_USE"),
		AutoRevokeOnIssue: v.GetBool("AUTO_REVOKE_ON_ISSUE"),
	}

	cfg.Secrets = SecretsConfig{
		AccessSeed:       v.GetString("SECRET_ACCESS_SEED"),
		RefreshSeed:      v.GetString("SECRET_REFRESH_SEED"),
		CSRFSeed:         v.GetString("SECRET_CSRF_SEED"),
		RotationInterval: parseDuration(v.GetString("SECRET_ROTATION_INTERVAL"), 7*24*time.Hour),
		CheckInterval:    parseDuration(v.GetString("SECRET_ROTATION_CHECK_INTERVAL"), time.Hour),
		GracePeriod:      parseDuration(v.GetString("SECRET_ROTATION_GRACE"), 24*time.Hour),
		SyncEnabled:      v.GetBool("SECRET_SYNC_ENABLED"),
	}

	cfg.Security = SecurityConfig{
		StrictMode:                v.GetBool("SECURITY_STRICT_MODE"),
		AllowPrivateNetworkBypass: v.GetBool("SECURITY_ALLOW_PRIVATE_NETWORK_BYPASS"),
		ClockSkew:                 parseDuration(v.GetString("SECURITY_CLOCK_SKEW"), 30*time.Second),
		MaxTravelSpeedKmh:         v.GetFloat64("SECURITY_MAX_TRAVEL_SPEED_KMH"),
		IPChangeRejectScore:       v.GetInt("SECURITY_IP_CHANGE_REJECT_SCORE"),
		UserAgentRejectScore:      v.GetInt("SECURITY_UA_REJECT_SCORE"),
		UserAgentWarnScore:        v.GetInt("SECURITY_UA_WARN_SCORE"),
		SuspicionThreshold:        v.GetInt("SECURITY_SUSPICION_THRESHOLD"),
		CandidateLimit:            v.GetInt("SECURITY_CANDIDATE_LIMIT"),
		RetentionPeriod:           parseDuration(v.GetString("SECURITY_TOKEN_RETENTION"), 90*24*time.Hour),
	}

	cfg.RateLimit = RateLimitConfig{
		Enabled:        v.GetBool("RATE_LIMIT_ENABLED"),
		Window:         parseDuration(v.GetString("RATE_LIMIT_WINDOW"), time.Minute),
		VerifyCeiling:  v.GetInt("RATE_LIMIT_VERIFY_CEILING"),
		RefreshCeiling: v.GetInt("RATE_LIMIT_REFRESH_CEILING"),
		IssueCeiling:   v.GetInt("RATE_LIMIT_ISSUE_CEILING"),
		PruneInterval:  parseDuration(v.GetString("RATE_LIMIT_PRUNE_INTERVAL"), 5*time.Minute),
	}

	cfg.Audit = AuditConfig{
		BufferSize:       v.GetInt("AUDIT_BUFFER_SIZE"),
		FlushInterval:    parseDuration(v.GetString("AUDIT_FLUSH_INTERVAL"), 30*time.Second),
		PatternInterval:  parseDuration(v.GetString("AUDIT_PATTERN_INTERVAL"), 5*time.Minute),
		PatternWindow:    parseDuration(v.GetString("AUDIT_PATTERN_WINDOW"), 24*time.Hour),
		PatternThreshold: v.GetInt("AUDIT_PATTERN_THRESHOLD"),
		RetentionPeriod:  parseDuration(v.GetString("AUDIT_RETENTION_PERIOD"), 90*24*time.Hour),
		CleanupInterval:  parseDuration(v.GetString("AUDIT_CLEANUP_INTERVAL"), time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "token_engine")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("TOKEN_ISSUER", "auth.talkwire.dev")
	v.SetDefault("TOKEN_AUDIENCE", "api.talkwire.dev")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "168h")
	v.SetDefault("CSRF_TOKEN_TTL", "12h")
	v.SetDefault("REFRESH_TOKEN_MAX_USES", 50)
	v.SetDefault("REFRESH_ROTATE_ON_USE", true)
	v.SetDefault("AUTO_REVOKE_ON_ISSUE", true)

	v.SetDefault("SECRET_ACCESS_SEED", "")
	v.SetDefault("SECRET_REFRESH_SEED", "")
	v.SetDefault("SECRET_CSRF_SEED", "")
	v.SetDefault("SECRET_ROTATION_INTERVAL", "168h")
	v.SetDefault("SECRET_ROTATION_CHECK_INTERVAL", "1h")
	v.SetDefault("SECRET_ROTATION_GRACE", "24h")
	v.SetDefault("SECRET_SYNC_ENABLED", false)

	v.SetDefault("SECURITY_STRICT_MODE", false)
	v.SetDefault("SECURITY_ALLOW_PRIVATE_NETWORK_BYPASS", false)
	v.SetDefault("SECURITY_CLOCK_SKEW", "30s")
	v.SetDefault("SECURITY_MAX_TRAVEL_SPEED_KMH", 1000.0)
	v.SetDefault("SECURITY_IP_CHANGE_REJECT_SCORE", 80)
	v.SetDefault("SECURITY_UA_REJECT_SCORE", 85)
	v.SetDefault("SECURITY_UA_WARN_SCORE", 50)
	v.SetDefault("SECURITY_SUSPICION_THRESHOLD", 80)
	v.SetDefault("SECURITY_CANDIDATE_LIMIT", 200)
	v.SetDefault("SECURITY_TOKEN_RETENTION", "2160h")

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("RATE_LIMIT_VERIFY_CEILING", 120)
	v.SetDefault("RATE_LIMIT_REFRESH_CEILING", 30)
	v.SetDefault("RATE_LIMIT_ISSUE_CEILING", 20)
	v.SetDefault("RATE_LIMIT_PRUNE_INTERVAL", "5m")

	v.SetDefault("AUDIT_BUFFER_SIZE", 100)
	v.SetDefault("AUDIT_FLUSH_INTERVAL", "30s")
	v.SetDefault("AUDIT_PATTERN_INTERVAL", "5m")
	v.SetDefault("AUDIT_PATTERN_WINDOW", "24h")
	v.SetDefault("AUDIT_PATTERN_THRESHOLD", 5)
	v.SetDefault("AUDIT_RETENTION_PERIOD", "2160h")
	v.SetDefault("AUDIT_CLEANUP_INTERVAL", "1h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
