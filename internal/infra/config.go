package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/resilience"
)

// Config — корневая структура конфигурации процесса.
type Config struct {
	Server       ServerConfig                  `mapstructure:"server"`
	Database     DatabaseConfig                `mapstructure:"database"`
	Redis        RedisConfig                   `mapstructure:"redis"`
	Auth         AuthConfig                    `mapstructure:"auth"`
	Logger       LoggerConfig                  `mapstructure:"logger"`
	Bus          BusConfig                     `mapstructure:"bus"`
	Audit        AuditConfig                   `mapstructure:"audit"`
	Scheduler    SchedulerConfig               `mapstructure:"scheduler"`
	Retention    RetentionConfig               `mapstructure:"retention"`
	Readiness    ReadinessConfig               `mapstructure:"readiness"`
	Connectors   ConnectorsConfig              `mapstructure:"connectors"`
	Executor     ExecutorConfig                `mapstructure:"executor"`
	Quota        QuotaConfig                   `mapstructure:"quota"`
	Swarm        SwarmConfig                   `mapstructure:"swarm"`
	Capabilities []domain.CapabilityDefinition `mapstructure:"capabilities"`
}

// ServerConfig описывает настройки HTTP-сервера.
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

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — хранилища в памяти.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig описывает подключение к Redis (Streams, Pub/Sub, квоты). Пустой Addr — без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig: bcrypt-хэш админ-токена, RS256 ключ для токенов акторов, CORS.
type AuthConfig struct {
	AdminTokenHash string   `mapstructure:"admin_token_hash"`
	PublicKeyPath  string   `mapstructure:"public_key_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	PublicKey      []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// RetryConfig — ограниченная политика повторов.
type RetryConfig struct {
	Attempts  uint          `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	MaxJitter time.Duration `mapstructure:"max_jitter"`
}

func (c RetryConfig) Policy() resilience.Policy {
	return resilience.Policy{Attempts: c.Attempts, BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay, MaxJitter: c.MaxJitter}
}

type BusConfig struct {
	Backend        string        `mapstructure:"backend"` // redis, memory
	Stream         string        `mapstructure:"stream"`
	MaxLen         int64         `mapstructure:"max_len"`
	Consumer       string        `mapstructure:"consumer"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	StartID        string        `mapstructure:"start_id"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// AuditConfig — буфер журнала аудита (только при Postgres).
type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

type JobSchedule struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	Jitter       time.Duration `mapstructure:"jitter"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
}

type SchedulerConfig struct {
	Snapshot  JobSchedule `mapstructure:"snapshot"`
	Retention JobSchedule `mapstructure:"retention"`
}

type RetentionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Days    int  `mapstructure:"days"`
}

type ReadinessConfig struct {
	MaxSnapshotAge time.Duration `mapstructure:"max_snapshot_age"`
}

type ConnectorsConfig struct {
	Hub       HubConnectorConfig       `mapstructure:"hub"`
	Robot     RobotConnectorConfig     `mapstructure:"robot"`
	Simulated SimulatedConnectorConfig `mapstructure:"simulated"`
	Breaker   BreakerConfig            `mapstructure:"breaker"`
	Retry     RetryConfig              `mapstructure:"retry"`
}

type HubConnectorConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BaseURL    string        `mapstructure:"base_url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type RobotConnectorConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Target     string        `mapstructure:"target"` // host:port gRPC-сервиса робота
	Timeout    time.Duration `mapstructure:"timeout"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type SimulatedConnectorConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Name       string        `mapstructure:"name"`
	MaxLatency time.Duration `mapstructure:"max_latency"`
}

type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

// ExecutorConfig — внешний исполнитель изменяющих действий. Пустой URL — запись отключена.
type ExecutorConfig struct {
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Retry         RetryConfig   `mapstructure:"retry"`

	// Настройки Circuit Breaker
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`
}

type QuotaConfig struct {
	Backend string `mapstructure:"backend"` // redis, memory
}

type SwarmConfig struct {
	SwarmID string `mapstructure:"swarm_id"`
	ActorID string `mapstructure:"actor_id"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	return load(v)
}

// LoadConfigFile читает конфиг по явному пути (флаг --config).
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: BUS_POLL_INTERVAL=1s перекроет bus.poll_interval
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

	// 6. Ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.admin_token_hash", "")
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("bus.backend", "memory")
	v.SetDefault("bus.stream", RedisKeyBusStream)
	v.SetDefault("bus.max_len", 100000)
	v.SetDefault("bus.consumer", "opsbrain")
	v.SetDefault("bus.poll_interval", 5*time.Second)
	v.SetDefault("bus.batch_size", 50)
	v.SetDefault("bus.command_timeout", 3*time.Second)
	v.SetDefault("bus.start_id", "$")
	v.SetDefault("bus.retry.attempts", 3)
	v.SetDefault("bus.retry.base_delay", 100*time.Millisecond)
	v.SetDefault("bus.retry.max_delay", 2*time.Second)
	v.SetDefault("bus.retry.max_jitter", 100*time.Millisecond)

	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("audit.retry.attempts", 3)
	v.SetDefault("audit.retry.base_delay", 200*time.Millisecond)

	v.SetDefault("scheduler.snapshot.enabled", true)
	v.SetDefault("scheduler.snapshot.interval", 5*time.Minute)
	v.SetDefault("scheduler.snapshot.jitter", 30*time.Second)
	v.SetDefault("scheduler.snapshot.initial_delay", 5*time.Second)
	v.SetDefault("scheduler.retention.enabled", true)
	v.SetDefault("scheduler.retention.interval", 24*time.Hour)
	v.SetDefault("scheduler.retention.jitter", 10*time.Minute)
	v.SetDefault("scheduler.retention.initial_delay", time.Minute)
	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.days", 30)
	v.SetDefault("readiness.max_snapshot_age", 15*time.Minute)

	v.SetDefault("connectors.hub.timeout", 10*time.Second)
	v.SetDefault("connectors.hub.stale_after", 30*time.Minute)
	v.SetDefault("connectors.robot.timeout", 15*time.Second)
	v.SetDefault("connectors.robot.stale_after", 30*time.Minute)
	v.SetDefault("connectors.simulated.enabled", false)
	v.SetDefault("connectors.simulated.max_latency", 200*time.Millisecond)
	v.SetDefault("connectors.breaker.threshold", 3)
	v.SetDefault("connectors.breaker.cooldown", 30*time.Second)
	v.SetDefault("connectors.retry.attempts", 3)
	v.SetDefault("connectors.retry.base_delay", 200*time.Millisecond)
	v.SetDefault("connectors.retry.max_delay", 2*time.Second)
	v.SetDefault("connectors.retry.max_jitter", 100*time.Millisecond)

	v.SetDefault("executor.url", "")
	v.SetDefault("executor.timeout", 10*time.Second)
	v.SetDefault("executor.rate_per_second", 5)
	v.SetDefault("executor.burst", 5)
	v.SetDefault("executor.cb_failures", 5)
	v.SetDefault("executor.cb_timeout", 30*time.Second)
	v.SetDefault("executor.retry.attempts", 3)
	v.SetDefault("executor.retry.base_delay", 250*time.Millisecond)
	v.SetDefault("executor.retry.max_delay", 5*time.Second)

	v.SetDefault("quota.backend", "memory")
	v.SetDefault("swarm.swarm_id", "opsbrain")
	v.SetDefault("swarm.actor_id", "orchestrator")
}

// Validate ловит конфигурации, с которыми процесс все равно не поднимется.
func (c *Config) Validate() error {
	var errs []error
	if c.Bus.Backend != "memory" && c.Bus.Backend != "redis" {
		errs = append(errs, fmt.Errorf("bus.backend must be memory or redis, got %q", c.Bus.Backend))
	}
	if c.Bus.Backend == "redis" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("bus.backend=redis requires redis.addr"))
	}
	if c.Quota.Backend != "memory" && c.Quota.Backend != "redis" {
		errs = append(errs, fmt.Errorf("quota.backend must be memory or redis, got %q", c.Quota.Backend))
	}
	if c.Quota.Backend == "redis" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("quota.backend=redis requires redis.addr"))
	}
	if c.Connectors.Hub.Enabled && c.Connectors.Hub.BaseURL == "" {
		errs = append(errs, errors.New("connectors.hub.enabled requires connectors.hub.base_url"))
	}
	if c.Connectors.Robot.Enabled && c.Connectors.Robot.Target == "" {
		errs = append(errs, errors.New("connectors.robot.enabled requires connectors.robot.target"))
	}
	if c.Retention.Enabled && c.Retention.Days <= 0 {
		errs = append(errs, errors.New("retention.days must be positive when retention is enabled"))
	}
	if c.Readiness.MaxSnapshotAge <= 0 {
		errs = append(errs, errors.New("readiness.max_snapshot_age must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// loadKeyResource: PEM прямо из ENV, иначе файл по пути из конфига.
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
