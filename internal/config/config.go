// Package config содержит логику чтения конфигурации сервиса выплат.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress   = "localhost:8080"
	defaultCurrency     = "USD"
	defaultPollInterval = 5 * time.Second
)

// DefaultTransientStatuses перечисляет статусы шлюза, при которых опрос продолжается.
var DefaultTransientStatuses = []string{"CREATED", "PENDING", "PROCESSING"}

// Config содержит параметры конфигурации сервиса выплат.
type Config struct {
	RunAddress            string        `env:"RUN_ADDRESS"`
	DatabaseURI           string        `env:"DATABASE_URI"`
	GatewayAddress        string        `env:"GATEWAY_ADDRESS"`
	GatewayCurrency       string        `env:"GATEWAY_CURRENCY"`
	OwnerDirectoryAddress string        `env:"OWNER_DIRECTORY_ADDRESS"`
	AMQPURL               string        `env:"AMQP_URL"`
	PollInterval          time.Duration `env:"POLL_INTERVAL"`
	PollMaxAttempts       int           `env:"POLL_MAX_ATTEMPTS"`
	PollDeadline          time.Duration `env:"POLL_DEADLINE"`
	RetryUnknownStatuses  *bool         `env:"RETRY_UNKNOWN_STATUSES"`
	TransientStatuses     []string      `env:"TRANSIENT_STATUSES" envSeparator:","`
	SerializeByOwner      *bool         `env:"SERIALIZE_BY_OWNER"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	envCfg := Config{}
	if err := env.Parse(&envCfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}
	var (
		retryUnknown     bool
		serializeByOwner bool
		transient        string
	)

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.GatewayCurrency, "c", defaultCurrency, "payout currency code")
	flag.StringVar(&cfg.OwnerDirectoryAddress, "u", "", "owner directory address")
	flag.StringVar(&cfg.AMQPURL, "q", "", "AMQP broker URL for payout notifications")
	flag.DurationVar(&cfg.PollInterval, "i", defaultPollInterval, "gateway status poll interval")
	flag.IntVar(&cfg.PollMaxAttempts, "m", 0, "maximum status polls per batch, 0 for unbounded")
	flag.DurationVar(&cfg.PollDeadline, "t", 0, "wall-clock limit for polling a batch, 0 for none")
	flag.BoolVar(&retryUnknown, "retry-unknown", true, "keep polling on unrecognized gateway statuses")
	flag.BoolVar(&serializeByOwner, "serialize-by-owner", true, "serialize balance reconciliation per owner")
	flag.StringVar(&transient, "transient", strings.Join(DefaultTransientStatuses, ","), "comma-separated gateway statuses that keep polling")

	flag.Parse()

	cfg.RetryUnknownStatuses = &retryUnknown
	cfg.SerializeByOwner = &serializeByOwner
	cfg.TransientStatuses = splitList(transient)

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.GatewayAddress != "" {
		cfg.GatewayAddress = envCfg.GatewayAddress
	}
	if envCfg.GatewayCurrency != "" {
		cfg.GatewayCurrency = envCfg.GatewayCurrency
	}
	if envCfg.OwnerDirectoryAddress != "" {
		cfg.OwnerDirectoryAddress = envCfg.OwnerDirectoryAddress
	}
	if envCfg.AMQPURL != "" {
		cfg.AMQPURL = envCfg.AMQPURL
	}
	if envCfg.PollInterval != 0 {
		cfg.PollInterval = envCfg.PollInterval
	}
	if envCfg.PollMaxAttempts != 0 {
		cfg.PollMaxAttempts = envCfg.PollMaxAttempts
	}
	if envCfg.PollDeadline != 0 {
		cfg.PollDeadline = envCfg.PollDeadline
	}
	if envCfg.RetryUnknownStatuses != nil {
		cfg.RetryUnknownStatuses = envCfg.RetryUnknownStatuses
	}
	if envCfg.SerializeByOwner != nil {
		cfg.SerializeByOwner = envCfg.SerializeByOwner
	}
	if len(envCfg.TransientStatuses) > 0 {
		cfg.TransientStatuses = normalize(envCfg.TransientStatuses)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.GatewayCurrency == "" {
		cfg.GatewayCurrency = defaultCurrency
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.PollMaxAttempts < 0 {
		return nil, fmt.Errorf("poll max attempts must not be negative, got %d", cfg.PollMaxAttempts)
	}

	return cfg, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return normalize(strings.Split(raw, ","))
}

func normalize(values []string) []string {
	res := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v != "" {
			res = append(res, v)
		}
	}
	return res
}
