package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`

	// Telegram
	BotToken      string `mapstructure:"bot_token"`
	BotVersion    string `mapstructure:"bot_version"`
	WebhookSecret string `mapstructure:"webhook_secret"`

	// Google Sheets
	SheetID         string `mapstructure:"sheet_id"`
	GoogleCredsJSON string `mapstructure:"google_creds_json"`

	// Static routing fallback, same JSON shape the old deployment used:
	// {"<origin_chat_id>": {"evidencias": <chat_id>, "resumen": <chat_id>}}
	RoutingJSON string `mapstructure:"routing_json"`

	// Ops API
	OpsJWTSecret string `mapstructure:"ops_jwt_secret"`

	// Tunables
	MaxMediaPerStep      int           `mapstructure:"max_media_per_step"`
	OutboxMaxAttempts    int           `mapstructure:"outbox_max_attempts"`
	OutboxDrainInterval  time.Duration `mapstructure:"outbox_drain_interval"`
	CacheRefreshInterval time.Duration `mapstructure:"cache_refresh_interval"`
	RoutingCacheTTL      time.Duration `mapstructure:"routing_cache_ttl"`
	RosterCacheTTL       time.Duration `mapstructure:"roster_cache_ttl"`
	PairingTokenTTL      time.Duration `mapstructure:"pairing_token_ttl"`
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Auto-load .env file if present so `go run` works without exporting
	// env vars. Missing .env is fine (Production/Docker).
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	// Defaults
	v.SetDefault("port", "8080")
	v.SetDefault("bot_version", "1.0.0")
	v.SetDefault("google_creds_json", "google_creds.json")
	v.SetDefault("max_media_per_step", 8)
	v.SetDefault("outbox_max_attempts", 8)
	v.SetDefault("outbox_drain_interval", 20*time.Second)
	v.SetDefault("cache_refresh_interval", 30*time.Second)
	v.SetDefault("routing_cache_ttl", 180*time.Second)
	v.SetDefault("roster_cache_ttl", 180*time.Second)
	v.SetDefault("pairing_token_ttl", 10*time.Minute)

	// Config file settings
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("dev.config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("evidencia")

	// Bind standard environment variables (Docker/deploy compatibility)
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("bot_token", "BOT_TOKEN")
	_ = v.BindEnv("bot_version", "BOT_VERSION")
	_ = v.BindEnv("webhook_secret", "WEBHOOK_SECRET")
	_ = v.BindEnv("sheet_id", "SHEET_ID")
	_ = v.BindEnv("google_creds_json", "GOOGLE_CREDS_JSON")
	_ = v.BindEnv("routing_json", "ROUTING_JSON")
	_ = v.BindEnv("ops_jwt_secret", "OPS_JWT_SECRET")

	v.AutomaticEnv()

	// 1. Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("Loaded config from: %s", v.ConfigFileUsed())
	}

	// 2. Unmarshal into struct
	if err := v.Unmarshal(&App); err != nil {
		return err
	}

	return nil
}
