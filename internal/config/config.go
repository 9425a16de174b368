package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Logging    LoggingConfig    `json:"logging"`
	Redis      RedisConfig      `json:"redis"`
	Prometheus PrometheusConfig `json:"prometheus"`
	Incident   IncidentConfig   `json:"incident"`
	Alerting   AlertingConfig   `json:"alerting"`
	Notify     NotifyConfig     `json:"notify"`
}

type ServerConfig struct {
	BindAddr    string `json:"bindAddr"`
	BearerToken string `json:"bearerToken"` // empty disables API auth
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// DSN renders the lib/pq key=value connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	TTL      string `json:"ttl"` // incident mirror key TTL, e.g. "168h"
}

type PrometheusConfig struct {
	URL          string `json:"url"`
	QueryTimeout string `json:"queryTimeout"`
	// HealthQuery is a fmt template receiving the component name.
	HealthQuery string `json:"healthQuery"`
}

type IncidentConfig struct {
	Enabled           bool             `json:"enabled"`
	AutoResponse      bool             `json:"autoResponse"`
	EscalationTimeout string           `json:"escalationTimeout"`
	RetryAttempts     int              `json:"retryAttempts"`
	Channels          []string         `json:"channels"`
	Thresholds        ThresholdsConfig `json:"thresholds"`
	Recovery          RecoveryConfig   `json:"recovery"`
}

type ThresholdsConfig struct {
	ErrorRate    float64 `json:"errorRate"`    // percent
	ResponseTime float64 `json:"responseTime"` // milliseconds
	SuccessRate  float64 `json:"successRate"`  // percent
	Memory       float64 `json:"memory"`       // percent
	Disk         float64 `json:"disk"`         // percent
}

type RecoveryConfig struct {
	Enabled           bool    `json:"enabled"`
	MaxAttempts       int     `json:"maxAttempts"`
	Delay             string  `json:"delay"`         // between actions
	Stabilization     string  `json:"stabilization"` // before the health check
	HealthThreshold   float64 `json:"healthThreshold"`
	ObservationWindow string  `json:"observationWindow"`
}

type AlertingConfig struct {
	EvalInterval string `json:"evalInterval"`
	RulesFile    string `json:"rulesFile"`
	SeedDefaults bool   `json:"seedDefaults"`
}

type NotifyConfig struct {
	WebhookURL      string     `json:"webhookURL"`
	SlackWebhookURL string     `json:"slackWebhookURL"`
	SMSGatewayURL   string     `json:"smsGatewayURL"`
	SMSRecipients   []string   `json:"smsRecipients"`
	Timeout         string     `json:"timeout"`
	SMTP            SMTPConfig `json:"smtp"`
}

type SMTPConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	User     string   `json:"user"`
	Password string   `json:"password"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()
	return LoadFile(*configFile)
}

// LoadFile builds the config from environment defaults, then overlays filePath when set.
func LoadFile(filePath string) (*Config, error) {
	cfg := fromEnv()

	if filePath != "" {
		if err := loadFromFile(cfg, filePath); err != nil {
			log.Err(err).Msg("load config file failed")
			return nil, err
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:    getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			BearerToken: getEnv("SERVER_BEARER_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "incidentops"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			TTL:      getEnv("REDIS_INCIDENT_TTL", "168h"),
		},
		Prometheus: PrometheusConfig{
			URL:          getEnv("PROMETHEUS_URL", "http://localhost:9090"),
			QueryTimeout: getEnv("PROMETHEUS_QUERY_TIMEOUT", "30s"),
			HealthQuery:  getEnv("PROMETHEUS_HEALTH_QUERY", `avg(component_health_score{component="%s"})`),
		},
		Incident: IncidentConfig{
			Enabled:           getEnvBool("INCIDENT_ENABLED", true),
			AutoResponse:      getEnvBool("INCIDENT_AUTO_RESPONSE", true),
			EscalationTimeout: getEnv("INCIDENT_ESCALATION_TIMEOUT", "30m"),
			RetryAttempts:     getEnvInt("INCIDENT_RETRY_ATTEMPTS", 3),
			Channels:          getEnvList("INCIDENT_CHANNELS", []string{"log"}),
			Thresholds: ThresholdsConfig{
				ErrorRate:    getEnvFloat("INCIDENT_THRESHOLD_ERROR_RATE", 5),
				ResponseTime: getEnvFloat("INCIDENT_THRESHOLD_RESPONSE_TIME", 2000),
				SuccessRate:  getEnvFloat("INCIDENT_THRESHOLD_SUCCESS_RATE", 95),
				Memory:       getEnvFloat("INCIDENT_THRESHOLD_MEMORY", 90),
				Disk:         getEnvFloat("INCIDENT_THRESHOLD_DISK", 90),
			},
			Recovery: RecoveryConfig{
				Enabled:           getEnvBool("INCIDENT_AUTO_RECOVERY", true),
				MaxAttempts:       getEnvInt("INCIDENT_RECOVERY_MAX_ATTEMPTS", 3),
				Delay:             getEnv("INCIDENT_RECOVERY_DELAY", "5s"),
				Stabilization:     getEnv("INCIDENT_RECOVERY_STABILIZATION", "10s"),
				HealthThreshold:   getEnvFloat("INCIDENT_RECOVERY_HEALTH_THRESHOLD", 0.8),
				ObservationWindow: getEnv("INCIDENT_OBSERVATION_WINDOW", "30m"),
			},
		},
		Alerting: AlertingConfig{
			EvalInterval: getEnv("ALERT_EVAL_INTERVAL", "60s"),
			RulesFile:    getEnv("ALERT_RULES_FILE", ""),
			SeedDefaults: getEnvBool("ALERT_SEED_DEFAULTS", true),
		},
		Notify: NotifyConfig{
			WebhookURL:      getEnv("NOTIFY_WEBHOOK_URL", ""),
			SlackWebhookURL: getEnv("NOTIFY_SLACK_WEBHOOK_URL", ""),
			SMSGatewayURL:   getEnv("NOTIFY_SMS_GATEWAY_URL", ""),
			SMSRecipients:   getEnvList("NOTIFY_SMS_RECIPIENTS", nil),
			Timeout:         getEnv("NOTIFY_TIMEOUT", "10s"),
			SMTP: SMTPConfig{
				Host:     getEnv("NOTIFY_SMTP_HOST", ""),
				Port:     getEnvInt("NOTIFY_SMTP_PORT", 587),
				User:     getEnv("NOTIFY_SMTP_USER", ""),
				Password: getEnv("NOTIFY_SMTP_PASSWORD", ""),
				From:     getEnv("NOTIFY_SMTP_FROM", "incidentops@localhost"),
				To:       getEnvList("NOTIFY_SMTP_TO", nil),
			},
		},
	}
}

// fill reasonable defaults when fields are omitted in the file
func applyDefaults(cfg *Config) {
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Prometheus.QueryTimeout == "" {
		cfg.Prometheus.QueryTimeout = "30s"
	}
	if cfg.Incident.RetryAttempts <= 0 {
		cfg.Incident.RetryAttempts = 1
	}
	if len(cfg.Incident.Channels) == 0 {
		cfg.Incident.Channels = []string{"log"}
	}
	if cfg.Incident.Recovery.MaxAttempts <= 0 {
		cfg.Incident.Recovery.MaxAttempts = 3
	}
	if cfg.Incident.Recovery.HealthThreshold <= 0 || cfg.Incident.Recovery.HealthThreshold > 1 {
		cfg.Incident.Recovery.HealthThreshold = 0.8
	}
	if cfg.Alerting.EvalInterval == "" {
		cfg.Alerting.EvalInterval = "60s"
	}
	if cfg.Notify.Timeout == "" {
		cfg.Notify.Timeout = "10s"
	}
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

// ParseDuration returns d when s is empty or malformed.
func ParseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	out := make([]string, 0, 4)
	for _, it := range strings.Split(value, ",") {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
