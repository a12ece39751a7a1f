package infra

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всей платформы.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Console    ServerConfig     `mapstructure:"console"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"`    // Health-check (grpc.health.v1)
	MetricsPort  int           `mapstructure:"metrics_port"` // 0 — /metrics не поднимается
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL.
// Пустой URL — режим in-memory (локальная разработка, демо).
type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub). Пустой Addr — живой поток отключен.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу для проверки JWT персонала.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"` // пусто — iss не проверяется
	PublicKey     []byte
}

// ProviderConfig — внешний провайдер классификации (OpenAI-совместимый API).
type ProviderConfig struct {
	Mode        string        `mapstructure:"mode"` // "openai" или "mock"
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Темп вызовов провайдера (x/time/rate)
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	// Circuit Breaker на весь провайдер (не путать с выводом отдельных ключей из ротации)
	CBConsecutiveFailures uint32        `mapstructure:"cb_consecutive_failures"`
	CBInterval            time.Duration `mapstructure:"cb_interval"`
	CBTimeout             time.Duration `mapstructure:"cb_timeout"`
}

// PoolConfig — пул ключей провайдера.
type PoolConfig struct {
	FailureThreshold int    `mapstructure:"failure_threshold"`
	EncryptionKey    string `mapstructure:"encryption_key"` // base64, не менее 32 байт после декодирования
	EncryptionKeyRaw []byte
}

// ModerationConfig — политика вызывающей стороны по повторам классификации.
type ModerationConfig struct {
	ClassifyAttempts uint          `mapstructure:"classify_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

// AuditConfig — журнал аудита.
type AuditConfig struct {
	MinSeverity   string        `mapstructure:"min_severity"` // debug, info, warn, error
	Async         bool          `mapstructure:"async"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	LiveStream    bool          `mapstructure:"live_stream"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. ENV перекрывает конфиг: POOL_FAILURE_THRESHOLD=3 перекроет pool.failure_threshold
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Загрузка ключей из Файла ИЛИ из ENV
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finalize декодирует секреты и проверяет инварианты, которые нельзя выразить дефолтами.
func (c *Config) finalize() error {
	if c.Pool.FailureThreshold < 1 {
		return fmt.Errorf("config: pool.failure_threshold must be >= 1, got %d", c.Pool.FailureThreshold)
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("config: provider.timeout must be positive")
	}
	if c.Moderation.ClassifyAttempts < 1 {
		c.Moderation.ClassifyAttempts = 1
	}
	switch c.Provider.Mode {
	case "openai", "mock":
	default:
		return fmt.Errorf("config: unknown provider.mode %q", c.Provider.Mode)
	}

	if c.Pool.EncryptionKey != "" {
		raw, err := base64.StdEncoding.DecodeString(c.Pool.EncryptionKey)
		if err != nil {
			return fmt.Errorf("config: pool.encryption_key is not valid base64: %w", err)
		}
		c.Pool.EncryptionKeyRaw = raw
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 50052)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("console.port", 8000)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)

	// Ключи без дефолта viper не видит в ENV при Unmarshal, поэтому регистрируем пустые значения
	v.SetDefault("server.host", "")
	v.SetDefault("console.host", "")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("pool.encryption_key", "")

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("provider.mode", "openai")
	v.SetDefault("provider.base_url", "https://api.openai.com/v1")
	v.SetDefault("provider.model", "gpt-4o-mini")
	v.SetDefault("provider.temperature", 0.2)
	v.SetDefault("provider.max_tokens", 50)
	v.SetDefault("provider.timeout", 20*time.Second)
	v.SetDefault("provider.rate_limit", 20)
	v.SetDefault("provider.rate_burst", 5)
	v.SetDefault("provider.cb_consecutive_failures", 20)
	v.SetDefault("provider.cb_interval", 60*time.Second)
	v.SetDefault("provider.cb_timeout", 30*time.Second)

	v.SetDefault("pool.failure_threshold", 5)

	v.SetDefault("moderation.classify_attempts", 2)
	v.SetDefault("moderation.retry_delay", 200*time.Millisecond)

	v.SetDefault("audit.min_severity", "info")
	v.SetDefault("audit.async", true)
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("audit.live_stream", true)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — ключ из ENV (для Docker/K8s) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
