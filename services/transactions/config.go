package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config reúne a configuração do serviço, lida de variáveis de ambiente
type Config struct {
	Port        string
	ServiceName string
	Environment string

	DatabaseHost     string
	DatabasePort     string
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabaseMaxConns int32

	TelemetryEnabled bool
	OTLPEndpoint     string

	RedisURL             string
	RabbitMQURL          string
	NotificationExchange string

	MercadoPagoBaseURL     string
	MercadoPagoAccessToken string
	PaymentTimeout         time.Duration

	DTMServer         string
	VehicleServiceURL string
	MediaDir          string

	SweepSchedule    string
	SweepTaskTimeout time.Duration
	SweepLockTTL     time.Duration
	NotifyTimeout    time.Duration
}

// LoadConfig lê a configuração do ambiente aplicando os valores padrão
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:        getEnv("PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "transactions-service"),
		Environment: getEnv("APP_ENV", "production"),

		DatabaseHost:     getEnv("DATABASE_HOST", "localhost"),
		DatabasePort:     getEnv("DATABASE_PORT", "5432"),
		DatabaseUser:     getEnv("DATABASE_USER", "root"),
		DatabasePassword: getEnv("DATABASE_PASSWORD", "pass"),
		DatabaseName:     getEnv("DATABASE_NAME", "transactions_db"),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),

		RedisURL:             getEnv("REDIS_URL", ""),
		RabbitMQURL:          getEnv("RABBITMQ_URL", ""),
		NotificationExchange: getEnv("NOTIFICATION_EXCHANGE", "notifications"),

		MercadoPagoBaseURL:     getEnv("MERCADOPAGO_BASE_URL", "https://api.mercadopago.com"),
		MercadoPagoAccessToken: getEnv("MERCADOPAGO_ACCESS_TOKEN", ""),

		DTMServer:         getEnv("DTM_SERVER", ""),
		VehicleServiceURL: getEnv("VEHICLE_SERVICE_URL", ""),
		MediaDir:          getEnv("MEDIA_DIR", "./uploads"),

		SweepSchedule: getEnv("SWEEP_SCHEDULE", "*/30 * * * *"),
	}

	maxConns, err := strconv.ParseInt(getEnv("DATABASE_MAX_CONNS", "10"), 10, 32)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DATABASE_MAX_CONNS: %w", err)
	}
	cfg.DatabaseMaxConns = int32(maxConns)

	if cfg.TelemetryEnabled, err = strconv.ParseBool(getEnv("OTEL_ENABLED", "true")); err != nil {
		return Config{}, fmt.Errorf("invalid OTEL_ENABLED: %w", err)
	}

	durations := []struct {
		key      string
		fallback string
		target   *time.Duration
	}{
		{"PAYMENT_TIMEOUT", "10s", &cfg.PaymentTimeout},
		{"SWEEP_TASK_TIMEOUT", "2m", &cfg.SweepTaskTimeout},
		{"SWEEP_LOCK_TTL", "25m", &cfg.SweepLockTTL},
		{"NOTIFY_TIMEOUT", "5s", &cfg.NotifyTimeout},
	}
	for _, d := range durations {
		value, err := time.ParseDuration(getEnv(d.key, d.fallback))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.target = value
	}

	return cfg, nil
}

// DatabaseURL monta a DSN do PostgreSQL; os limites do pool são aplicados em initDB
func (c Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DatabaseUser, c.DatabasePassword),
		Host:     c.DatabaseHost + ":" + c.DatabasePort,
		Path:     "/" + c.DatabaseName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
