package configs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	App struct {
		Name     string `koanf:"name"`
		Env      string `koanf:"env"`
		HTTPAddr string `koanf:"http_addr"`
		LogLevel string `koanf:"log_level"`
		LogFile  string `koanf:"log_file"`
	} `koanf:"app"`

	HTTP struct {
		ReadTimeout     time.Duration `koanf:"read_timeout"`
		WriteTimeout    time.Duration `koanf:"write_timeout"`
		IdleTimeout     time.Duration `koanf:"idle_timeout"`
		RequestTimeout  time.Duration `koanf:"request_timeout"`
		ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	} `koanf:"http"`

	MySQL struct {
		DSN             string        `koanf:"dsn"`
		MaxOpenConns    int           `koanf:"max_open_conns"`
		MaxIdleConns    int           `koanf:"max_idle_conns"`
		ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	} `koanf:"mysql"`

	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`

	Idempotency struct {
		TTL time.Duration `koanf:"ttl"`
	} `koanf:"idempotency"`

	Cache struct {
		TTL time.Duration `koanf:"ttl"`
	} `koanf:"cache"`

	Rabbit struct {
		URL      string        `koanf:"url"`
		Exchange string        `koanf:"exchange"`
		Prefetch int           `koanf:"prefetch"`
		Timeout  time.Duration `koanf:"handler_timeout"`
	} `koanf:"rabbitmq"`

	Kafka struct {
		Enabled          bool     `koanf:"enabled"`
		Brokers          []string `koanf:"brokers"`
		GroupID          string   `koanf:"group_id"`
		FulfillmentTopic string   `koanf:"fulfillment_topic"`
	} `koanf:"kafka"`

	Security struct {
		JWTSecret string `koanf:"jwt_secret"`
		Issuer    string `koanf:"issuer"`
		Audience  string `koanf:"audience"`
	} `koanf:"security"`

	Outbox struct {
		PollInterval time.Duration `koanf:"poll_interval"`
		BatchSize    int           `koanf:"batch_size"`
		Lease        time.Duration `koanf:"lease"`
		BaseBackoff  time.Duration `koanf:"base_backoff"`
		MaxBackoff   time.Duration `koanf:"max_backoff"`
	} `koanf:"outbox"`

	Telegram struct {
		Enabled  bool          `koanf:"enabled"`
		BotToken string        `koanf:"bot_token"`
		ChatID   string        `koanf:"chat_id"`
		APIBase  string        `koanf:"api_base"`
		Timeout  time.Duration `koanf:"timeout"`
	} `koanf:"telegram"`

	RateLimit struct {
		RPS   float64 `koanf:"rps"`
		Burst int     `koanf:"burst"`
	} `koanf:"ratelimit"`
}

func Load(pathDir, envName string) (Config, error) {
	k := koanf.New(".")
	// 1) base
	if err := k.Load(file.Provider(fmt.Sprintf("%s/base.yaml", pathDir)), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("load base: %w", err)
	}

	// 2) env override (dev/staging/prod). Optional: allow missing for local runs.
	_ = k.Load(file.Provider(fmt.Sprintf("%s/%s.yaml", pathDir, envName)), yaml.Parser())

	// 3) environment variables override (prefix ORDERAPI_, nested with __)
	// e.g. ORDERAPI_MYSQL__DSN, ORDERAPI_TELEGRAM__BOT_TOKEN
	if err := k.Load(env.Provider("ORDERAPI_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "ORDERAPI_")
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if cfg.App.Env == "" {
		cfg.App.Env = envName
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.App.HTTPAddr == "" {
		errs = append(errs, errors.New("app.http_addr required"))
	}
	if c.MySQL.DSN == "" {
		errs = append(errs, errors.New("mysql.dsn required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr required"))
	}
	if c.Rabbit.URL == "" {
		errs = append(errs, errors.New("rabbitmq.url required"))
	}
	if c.Security.JWTSecret == "" {
		errs = append(errs, errors.New("security.jwt_secret required"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.FulfillmentTopic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.fulfillment_topic required when kafka is enabled"))
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		errs = append(errs, errors.New("telegram.bot_token and telegram.chat_id required when telegram is enabled"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("ratelimit values must not be negative"))
	}
	return errors.Join(errs...)
}
