// Package config loads process bootstrap configuration. Shape here is
// deliberately thin: transport/CLI surface is not part of this service,
// this only carries what the composition root needs to wire engines.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DBEngine is the gateway database dialect.
type DBEngine string

const (
	EngineMySQL    DBEngine = "mysql"
	EnginePostgres DBEngine = "postgres"
)

// Config is the full set of process-level settings.
type Config struct {
	TimeZone string

	GatewayDSN    string
	GatewayEngine DBEngine

	LocalDBPath string // embedded sqlite mirror / durable store

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GeoIPCountryDB string
	GeoIPASNDB     string
	GeoIPCityDB    string

	JWTSecret     string
	JWTExpireHour int

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	AutoBanScanIntervalMin   int
	AutoGroupScanIntervalMin int
	DryRun                   bool

	DBPoolMaxOpen int
	DBPoolMaxIdle int
}

var current *Config

// Load reads environment variables (optionally via a .env file) into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("TZ", "Asia/Shanghai")
	v.SetDefault("SQL_DSN", "")
	v.SetDefault("LOCAL_DB_PATH", "./data/sidecar.db")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("GEOIP_COUNTRY_DB", "")
	v.SetDefault("GEOIP_ASN_DB", "")
	v.SetDefault("GEOIP_CITY_DB", "")
	v.SetDefault("JWT_SECRET", "change-me")
	v.SetDefault("JWT_EXPIRE_HOURS", 24)
	v.SetDefault("LLM_BASE_URL", "")
	v.SetDefault("LLM_API_KEY", "")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("AUTOBAN_SCAN_INTERVAL_MIN", 30)
	v.SetDefault("AUTOGROUP_SCAN_INTERVAL_MIN", 60)
	v.SetDefault("DRY_RUN", true)
	v.SetDefault("DB_POOL_MAX_OPEN", 10)
	v.SetDefault("DB_POOL_MAX_IDLE", 5)

	cfg := &Config{
		TimeZone:                 v.GetString("TZ"),
		GatewayDSN:               v.GetString("SQL_DSN"),
		GatewayEngine:            detectEngine(v.GetString("SQL_DSN")),
		LocalDBPath:              v.GetString("LOCAL_DB_PATH"),
		RedisAddr:                v.GetString("REDIS_ADDR"),
		RedisPassword:            v.GetString("REDIS_PASSWORD"),
		RedisDB:                  v.GetInt("REDIS_DB"),
		GeoIPCountryDB:           v.GetString("GEOIP_COUNTRY_DB"),
		GeoIPASNDB:               v.GetString("GEOIP_ASN_DB"),
		GeoIPCityDB:              v.GetString("GEOIP_CITY_DB"),
		JWTSecret:                v.GetString("JWT_SECRET"),
		JWTExpireHour:            v.GetInt("JWT_EXPIRE_HOURS"),
		LLMBaseURL:               v.GetString("LLM_BASE_URL"),
		LLMAPIKey:                v.GetString("LLM_API_KEY"),
		LLMModel:                 v.GetString("LLM_MODEL"),
		AutoBanScanIntervalMin:   v.GetInt("AUTOBAN_SCAN_INTERVAL_MIN"),
		AutoGroupScanIntervalMin: v.GetInt("AUTOGROUP_SCAN_INTERVAL_MIN"),
		DryRun:                   v.GetBool("DRY_RUN"),
		DBPoolMaxOpen:            v.GetInt("DB_POOL_MAX_OPEN"),
		DBPoolMaxIdle:            v.GetInt("DB_POOL_MAX_IDLE"),
	}

	if cfg.TimeZone != "" {
		if loc, err := time.LoadLocation(cfg.TimeZone); err == nil {
			time.Local = loc
		}
	}

	current = cfg
	return cfg, nil
}

// Get returns the loaded config; panics if Load has not run.
func Get() *Config {
	if current == nil {
		panic("config not loaded, call config.Load() first")
	}
	return current
}

func detectEngine(dsn string) DBEngine {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		return EnginePostgres
	}
	return EngineMySQL
}
