// Package config reads service configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

type Postgres struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN returns the lib/pq connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Name, p.SSLMode,
	)
}

type S3 struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether leaderboard snapshots should be exported.
func (s S3) Enabled() bool { return s.Bucket != "" }

type Config struct {
	Port           string
	StorageBackend string
	Postgres       Postgres
	MongoURI       string
	MongoDB        string
	RedisURL       string
	RabbitMQURL    string
	NotifyQueue    string
	JWTSecret      string
	AllowedOrigins []string

	SeedTemplates  bool

	StorageTimeout      time.Duration
	MaxRetries          int
	RecentUnlocksLimit  int
	LeaderboardRefresh  time.Duration
	LeaderboardCacheTTL time.Duration
	StatsReconcile      time.Duration

	S3 S3
}

// Load reads .env if present and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, reading environment variables directly")
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	var errs []error

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", BackendPostgres)),
		Postgres: Postgres{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "moments_user"),
			Password: getEnv("DB_PASSWORD", "moments_password"),
			Name:     getEnv("DB_NAME", "moments"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		MongoURI:       getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDB:        getEnv("MONGODB_DB", "moments"),
		RedisURL:       getEnv("REDIS_URL", ""),
		RabbitMQURL:    getEnv("RABBITMQ_URL", ""),
		NotifyQueue:    getEnv("NOTIFY_QUEUE", "achievement_notifications"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		S3: S3{
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Bucket:          getEnv("S3_BUCKET", ""),
			Region:          getEnv("S3_REGION", "auto"),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		},
	}

	cfg.SeedTemplates = getBool("SEED_TEMPLATES", false, &errs)
	cfg.StorageTimeout = getDuration("STORAGE_TIMEOUT", 5*time.Second, &errs)
	cfg.MaxRetries = getInt("MAX_RETRIES", 3, &errs)
	cfg.RecentUnlocksLimit = getInt("RECENT_UNLOCKS_LIMIT", 10, &errs)
	cfg.LeaderboardRefresh = getDuration("LEADERBOARD_REFRESH", 5*time.Minute, &errs)
	cfg.LeaderboardCacheTTL = getDuration("LEADERBOARD_CACHE_TTL", 10*time.Minute, &errs)
	cfg.StatsReconcile = getDuration("STATS_RECONCILE", 24*time.Hour, &errs)

	switch cfg.StorageBackend {
	case BackendPostgres, BackendMongo, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be one of postgres, mongo, memory; got %q", cfg.StorageBackend))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if cfg.RecentUnlocksLimit <= 0 {
		errs = append(errs, errors.New("RECENT_UNLOCKS_LIMIT must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	s, ok := os.LookupEnv(key)
	if !ok || s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func getBool(key string, fallback bool, errs *[]error) bool {
	s, ok := os.LookupEnv(key)
	if !ok || s == "" {
		return fallback
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	s, ok := os.LookupEnv(key)
	if !ok || s == "" {
		return fallback
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
