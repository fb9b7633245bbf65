package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Presence  PresenceConfig
	Queue     QueueConfig
	Demo      DemoConfig
	Translate TranslateConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RedisConfig struct {
	URL string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleTime    time.Duration
	MaxLifetime    time.Duration
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration
	ActiveWindow      time.Duration
}

type QueueConfig struct {
	StaleAfter      time.Duration
	CleanupInterval time.Duration
}

type DemoConfig struct {
	MatchDelay  time.Duration
	WorldTick   time.Duration
	ReplyDelay  time.Duration
	WorldChance float64
}

type TranslateConfig struct {
	URL     string
	Timeout time.Duration
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConnections: getInt("DB_MAX_CONNECTIONS", 20),
			MaxIdleTime:    getDuration("DB_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime:    getDuration("DB_MAX_LIFETIME", time.Hour),
		},
		Presence: PresenceConfig{
			HeartbeatInterval: getDuration("PRESENCE_HEARTBEAT_INTERVAL", 5*time.Second),
			ActiveWindow:      getDuration("PRESENCE_ACTIVE_WINDOW", 15*time.Second),
		},
		Queue: QueueConfig{
			StaleAfter:      getDuration("QUEUE_STALE_AFTER", 5*time.Minute),
			CleanupInterval: getDuration("CLEANUP_INTERVAL", 30*time.Second),
		},
		Demo: DemoConfig{
			MatchDelay:  getDuration("DEMO_MATCH_DELAY", 1500*time.Millisecond),
			WorldTick:   getDuration("DEMO_WORLD_TICK", 8*time.Second),
			ReplyDelay:  getDuration("DEMO_REPLY_DELAY", 1200*time.Millisecond),
			WorldChance: getFloat("DEMO_WORLD_CHANCE", 0.2),
		},
		Translate: TranslateConfig{
			URL:     getEnv("TRANSLATE_URL", ""),
			Timeout: getDuration("TRANSLATE_TIMEOUT", 4*time.Second),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
