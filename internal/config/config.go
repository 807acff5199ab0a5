package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr     string `env:"APP_ADDR" envDefault:":8080"`
	DataDir  string `env:"APP_DATA_DIR" envDefault:"./data"`
	DBPath   string `env:"APP_DB_PATH"`
	LogLevel string `env:"APP_LOG_LEVEL" envDefault:"info"`

	MemorySampleInterval time.Duration `env:"APP_MEMORY_SAMPLE_INTERVAL" envDefault:"30s"`
	AlertInterval        time.Duration `env:"APP_ALERT_INTERVAL" envDefault:"1m"`
	RetentionDays        int           `env:"APP_RETENTION_DAYS" envDefault:"14"`

	// AssumedConversionConcurrency feeds the queue-depth estimate in the
	// realtime snapshot. The original heuristic hard-coded 5.
	AssumedConversionConcurrency int `env:"APP_ASSUMED_CONVERSION_CONCURRENCY" envDefault:"5"`

	DiagMaxLogEntries   int `env:"APP_DIAG_MAX_LOG_ENTRIES" envDefault:"100"`
	DiagMaxScreenshotKB int `env:"APP_DIAG_MAX_SCREENSHOT_KB" envDefault:"512"`
	DiagPerfEntryLimit  int `env:"APP_DIAG_PERF_ENTRY_LIMIT" envDefault:"50"`

	MonitoringEndpoint string `env:"MONITORING_ENDPOINT"`
	MonitoringAPIKey   string `env:"MONITORING_API_KEY"`

	RateLimitRPS   float64 `env:"APP_RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst int     `env:"APP_RATE_LIMIT_BURST" envDefault:"100"`

	EmailAPIURL     string `env:"EMAIL_API_URL"`
	EmailAPIKey     string `env:"EMAIL_API_KEY"`
	EmailFrom       string `env:"EMAIL_FROM"`
	EmailTo         string `env:"EMAIL_TO"`
	SlackWebhookURL string `env:"SLACK_WEBHOOK_URL"`
	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = cfg.DataDir + "/renderwatch.db"
	}
	return cfg, nil
}
