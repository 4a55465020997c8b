package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/engine"
	"github.com/xela07ax/tbs-engine/internal/session"
)

// Config — корневая структура конфигурации движка.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   engine.Config  `mapstructure:"engine"`
	Session  session.Config `mapstructure:"session"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера Control API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — аккаунты в памяти.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub). Пустой Addr — без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам, настройки JWT и операторов.
type AuthConfig struct {
	PublicKeyPath  string            `mapstructure:"public_key_path"`
	PrivateKeyPath string            `mapstructure:"private_key_path"`
	Issuer         string            `mapstructure:"issuer"`
	TokenTTL       time.Duration     `mapstructure:"token_ttl"`
	BcryptCost     int               `mapstructure:"bcrypt_cost"`
	Operators      []domain.Operator `mapstructure:"operators"`
	PublicKey      []byte
	PrivateKey     []byte
}

// CatalogConfig — каталог user-agent'ов
type CatalogConfig struct {
	Path         string        `mapstructure:"path"`
	SourceURL    string        `mapstructure:"source_url"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MinSize      int           `mapstructure:"min_size"`
}

// BrowserConfig — драйвер playwright
type BrowserConfig struct {
	DriverDir string `mapstructure:"driver_dir"`
	Install   bool   `mapstructure:"install"`
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
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. Переменные окружения: ENGINE_MAX_RETRIES=5 перекроет engine.max_retries
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
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

	// 6. Ключи: сам PEM из ENV или файл по пути из конфига
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.port", 50052)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("auth.issuer", "tbs-engine")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.backoff_base", 5*time.Second)
	v.SetDefault("engine.backoff_max", 5*time.Minute)
	v.SetDefault("engine.max_sessions", 0)
	v.SetDefault("engine.navigate_rate", 5.0)
	v.SetDefault("engine.navigate_burst", 10)
	v.SetDefault("engine.log_capacity", session.DefaultLogCapacity)

	d := session.DefaultConfig()
	v.SetDefault("session.navigate_attempts", d.NavigateAttempts)
	v.SetDefault("session.rotation_budget", d.RotationBudget)
	v.SetDefault("session.retry_delay_min", d.RetryDelayMin)
	v.SetDefault("session.retry_delay_max", d.RetryDelayMax)
	v.SetDefault("session.page_timeout", d.PageTimeout)
	v.SetDefault("session.wait_timeout", d.WaitTimeout)
	v.SetDefault("session.poll_interval", d.PollInterval)
	v.SetDefault("session.user_data_root", "./data/cache")

	v.SetDefault("catalog.path", "./data/useragent.json")
	v.SetDefault("catalog.fetch_timeout", 30*time.Second)
	v.SetDefault("catalog.min_size", 1000)

	v.SetDefault("browser.install", false)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — PEM из ENV имеет приоритет над файлом
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
