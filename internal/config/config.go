package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config carries every tunable the server reads from the environment.
type Config struct {
	Port int

	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSchema   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string

	// Randomness beacon for the public seed. Empty means local fallback only.
	SeedBeaconURL string

	Game GameConfig
}

// GameConfig holds the round-engine timings and betting limits. Multiplier
// values are in hundredths, money values in cents.
type GameConfig struct {
	BettingWindow time.Duration
	RestartPause  time.Duration
	TickInterval  time.Duration
	SeedTimeout   time.Duration
	MinBetCents   int64
	MaxBetCents   int64
	MinCashout    int64 // hundredths, 101 = 1.01x
	MinBots       int
	MaxBots       int
	BotPoolSize   int
	HistorySize   int
}

func Load() *Config {
	return &Config{
		Port: getEnvAsInt("PORT", 8080),

		DBHost:     getEnv("CRASH_DB_HOST", "localhost"),
		DBPort:     getEnv("CRASH_DB_PORT", "5432"),
		DBName:     getEnv("CRASH_DB_DATABASE", "crashdb"),
		DBUser:     getEnv("CRASH_DB_USERNAME", "postgres"),
		DBPassword: getEnv("CRASH_DB_PASSWORD", "postgres"),
		DBSchema:   getEnv("CRASH_DB_SCHEMA", "public"),

		RedisAddr:     getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),

		SeedBeaconURL: getEnv("SEED_BEACON_URL", ""),

		Game: DefaultGameConfig(),
	}
}

// DefaultGameConfig returns the production round parameters.
func DefaultGameConfig() GameConfig {
	return GameConfig{
		BettingWindow: getEnvAsDuration("CRASH_BETTING_WINDOW", 10*time.Second),
		RestartPause:  getEnvAsDuration("CRASH_RESTART_PAUSE", 2*time.Second),
		TickInterval:  getEnvAsDuration("CRASH_TICK_INTERVAL", 150*time.Millisecond),
		SeedTimeout:   getEnvAsDuration("SEED_FETCH_TIMEOUT", 3*time.Second),
		MinBetCents:   getEnvAsInt64("CRASH_MIN_BET_CENTS", 10),
		MaxBetCents:   getEnvAsInt64("CRASH_MAX_BET_CENTS", 50000),
		MinCashout:    getEnvAsInt64("CRASH_MIN_CASHOUT", 101),
		MinBots:       getEnvAsInt("CRASH_MIN_BOTS", 8),
		MaxBots:       getEnvAsInt("CRASH_MAX_BOTS", 11),
		BotPoolSize:   getEnvAsInt("CRASH_BOT_POOL_SIZE", 50),
		HistorySize:   getEnvAsInt("CRASH_HISTORY_SIZE", 8),
	}
}

// DatabaseURL assembles the pgx connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSchema)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
