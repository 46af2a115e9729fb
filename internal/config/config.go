package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"dcabot/pkg/crypto"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Venue    VenueConfig
	Engine   EngineConfig
	Governor GovernorConfig
	Stream   StreamConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string
}

// DatabaseConfig - настройки подключения к БД
//
// БД хранит только архивы (отчёты сверки, терминальные ордера)
// и не является источником истины; при Enabled=false бот работает
// полностью без неё.
type DatabaseConfig struct {
	Enabled  bool
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// AES-256 ключ для расшифровки API credentials (32 байта)
	// Обязателен только если credentials заданы в зашифрованном виде
	EncryptionKey string

	// bcrypt hash API токена; пустая строка отключает auth
	APITokenHash string
}

// VenueConfig - доступ к бирже
//
// Credentials задаются либо открыто (BACKPACK_API_KEY/SECRET),
// либо зашифрованными (BACKPACK_API_KEY_ENC/SECRET_ENC + ENCRYPTION_KEY)
type VenueConfig struct {
	APIKey    string
	APISecret string
}

// EngineConfig - настройки движка сверки
type EngineConfig struct {
	Instrument string

	// Каталог журнала событий (JSONL)
	DataDir string

	// Интервал периодической сверки позиции
	ReconcileInterval time.Duration

	// Интервал опроса pending ордеров через REST
	OrderPollInterval time.Duration

	// Допуск сверки в единицах базового актива
	Tolerance float64
}

// GovernorConfig - потолки шлюза вызовов
type GovernorConfig struct {
	PerSecond float64
	PerMinute float64
}

// StreamConfig - настройки WebSocket стрима
type StreamConfig struct {
	URL                  string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	StalenessThreshold   time.Duration
	PollInterval         time.Duration
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnvAsInt("SERVER_PORT", 8080),
			Host:     getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS: getEnvAsBool("USE_HTTPS", false),
			CertFile: getEnv("CERT_FILE", ""),
			KeyFile:  getEnv("KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", false),
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "dcabot"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
			APITokenHash:  getEnv("API_TOKEN_HASH", ""),
		},
		Engine: EngineConfig{
			Instrument:        getEnv("INSTRUMENT", "BTC_USDC"),
			DataDir:           getEnv("DATA_DIR", "./data"),
			ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", 5*time.Minute),
			OrderPollInterval: getEnvAsDuration("ORDER_POLL_INTERVAL", 30*time.Second),
			Tolerance:         getEnvAsFloat("RECONCILE_TOLERANCE", 0.00001),
		},
		Governor: GovernorConfig{
			PerSecond: getEnvAsFloat("API_PER_SECOND", 8),
			PerMinute: getEnvAsFloat("API_PER_MINUTE", 240),
		},
		Stream: StreamConfig{
			URL:                  getEnv("STREAM_URL", "wss://ws.backpack.exchange"),
			ReconnectDelay:       getEnvAsDuration("STREAM_RECONNECT_DELAY", 5*time.Second),
			MaxReconnectAttempts: getEnvAsInt("STREAM_MAX_RECONNECTS", 5),
			StalenessThreshold:   getEnvAsDuration("STREAM_STALENESS", 30*time.Second),
			PollInterval:         getEnvAsDuration("STREAM_POLL_INTERVAL", 5*time.Second),
		},
	}

	if err := cfg.loadCredentials(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadCredentials загружает API credentials биржи
//
// Зашифрованные варианты (*_ENC) имеют приоритет и требуют
// ENCRYPTION_KEY; хранение открытых ключей в окружении допустимо
// только для локальной разработки.
func (c *Config) loadCredentials() error {
	keyEnc := getEnv("BACKPACK_API_KEY_ENC", "")
	secretEnc := getEnv("BACKPACK_API_SECRET_ENC", "")

	if keyEnc != "" || secretEnc != "" {
		if len(c.Security.EncryptionKey) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
		}

		apiKey, err := crypto.Decrypt(keyEnc, []byte(c.Security.EncryptionKey))
		if err != nil {
			return fmt.Errorf("failed to decrypt BACKPACK_API_KEY_ENC: %w", err)
		}
		apiSecret, err := crypto.Decrypt(secretEnc, []byte(c.Security.EncryptionKey))
		if err != nil {
			return fmt.Errorf("failed to decrypt BACKPACK_API_SECRET_ENC: %w", err)
		}

		c.Venue.APIKey = apiKey
		c.Venue.APISecret = apiSecret
		return nil
	}

	c.Venue.APIKey = getEnv("BACKPACK_API_KEY", "")
	c.Venue.APISecret = getEnv("BACKPACK_API_SECRET", "")
	return nil
}

// validate проверяет критичные параметры
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Enabled {
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
		}
	}

	if c.Venue.APIKey == "" || c.Venue.APISecret == "" {
		return fmt.Errorf("BACKPACK_API_KEY and BACKPACK_API_SECRET are required")
	}

	if c.Engine.Instrument == "" {
		return fmt.Errorf("INSTRUMENT cannot be empty")
	}

	if c.Engine.Tolerance < 0 {
		return fmt.Errorf("RECONCILE_TOLERANCE cannot be negative, got %v", c.Engine.Tolerance)
	}

	if c.Engine.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive, got %v", c.Engine.ReconcileInterval)
	}

	if c.Governor.PerSecond <= 0 || c.Governor.PerMinute <= 0 {
		return fmt.Errorf("API_PER_SECOND and API_PER_MINUTE must be positive")
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
