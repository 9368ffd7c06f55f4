package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the root configuration shared by every AirAware process
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka" mapstructure:"kafka"`
	Rollup   RollupConfig   `yaml:"rollup" mapstructure:"rollup"`
	Alert    AlertConfig    `yaml:"alert" mapstructure:"alert"`
	Query    QueryConfig    `yaml:"query" mapstructure:"query"`
	SMTP     SMTPConfig     `yaml:"smtp" mapstructure:"smtp"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP API and the TCP ingestion listener
type ServerConfig struct {
	HTTPPort          int           `yaml:"http_port" mapstructure:"http_port"`
	TCPPort           int           `yaml:"tcp_port" mapstructure:"tcp_port"`
	Workers           int           `yaml:"workers" mapstructure:"workers"`
	MaxConnections    int           `yaml:"max_connections" mapstructure:"max_connections"`
	IdentifyTimeout   time.Duration `yaml:"identify_timeout" mapstructure:"identify_timeout"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" mapstructure:"inactivity_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxLiveClients    int           `yaml:"max_live_clients" mapstructure:"max_live_clients"`
	RatePerSecond     float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst         int           `yaml:"rate_burst" mapstructure:"rate_burst"`
	MaxClockSkew      time.Duration `yaml:"max_clock_skew" mapstructure:"max_clock_skew"`
	// TCPQueue routes TCP readings through the submission topic; needs kafka
	// and a running ingestor
	TCPQueue bool `yaml:"tcp_queue" mapstructure:"tcp_queue"`
}

// StoreConfig selects and tunes the reading store backend
type StoreConfig struct {
	// Backend is memory, badger or postgres
	Backend        string        `yaml:"backend" mapstructure:"backend"`
	ChunkWidth     time.Duration `yaml:"chunk_width" mapstructure:"chunk_width"`
	ConflictPolicy string        `yaml:"conflict_policy" mapstructure:"conflict_policy"`
	BadgerPath     string        `yaml:"badger_path" mapstructure:"badger_path"`
	BadgerMemoryMB int64         `yaml:"badger_memory_mb" mapstructure:"badger_memory_mb"`
	GCInterval     time.Duration `yaml:"gc_interval" mapstructure:"gc_interval"`
}

// DatabaseConfig configures the postgres backend
type DatabaseConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	DBName          string        `yaml:"dbname" mapstructure:"dbname"`
	SSLMode         string        `yaml:"sslmode" mapstructure:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `yaml:"migrations_dir" mapstructure:"migrations_dir"`
}

// ConnectionString builds a lib/pq DSN
func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisConfig configures alert state and threshold lookup. An empty Addr
// keeps both in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// Enabled reports whether a redis address is configured
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// KafkaConfig configures the event bus. No brokers disables every producer
// and consumer.
type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers" mapstructure:"brokers"`
	TopicSubmissions  string        `yaml:"topic_submissions" mapstructure:"topic_submissions"`
	TopicReadings     string        `yaml:"topic_readings" mapstructure:"topic_readings"`
	TopicAlerts       string        `yaml:"topic_alerts" mapstructure:"topic_alerts"`
	NumPartitions     int           `yaml:"num_partitions" mapstructure:"num_partitions"`
	ReplicationFactor int           `yaml:"replication_factor" mapstructure:"replication_factor"`
	GroupPrefix       string        `yaml:"group_prefix" mapstructure:"group_prefix"`
	BatchSize         int           `yaml:"batch_size" mapstructure:"batch_size"`
	FlushInterval     time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
}

// Enabled reports whether any broker is configured
func (k KafkaConfig) Enabled() bool {
	for _, b := range k.Brokers {
		if strings.TrimSpace(b) != "" {
			return true
		}
	}
	return false
}

// Group returns the consumer group id for a process
func (k KafkaConfig) Group(process string) string {
	return k.GroupPrefix + "-" + process
}

// RollupConfig schedules rollup refresh and retention
type RollupConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`
	Parallelism     int           `yaml:"parallelism" mapstructure:"parallelism"`
	CatchUp         time.Duration `yaml:"catch_up" mapstructure:"catch_up"`
	SweepInterval   time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	RetainRaw       time.Duration `yaml:"retain_raw" mapstructure:"retain_raw"`
	RetainHourly    time.Duration `yaml:"retain_hourly" mapstructure:"retain_hourly"`
	RetainDaily     time.Duration `yaml:"retain_daily" mapstructure:"retain_daily"`
}

// AlertConfig tunes alert deduplication
type AlertConfig struct {
	Cooldown       time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	MinDelta       float64       `yaml:"min_delta" mapstructure:"min_delta"`
	ThresholdCache time.Duration `yaml:"threshold_cache" mapstructure:"threshold_cache"`
	PruneInterval  time.Duration `yaml:"prune_interval" mapstructure:"prune_interval"`
}

// QueryConfig tunes the geo query service
type QueryConfig struct {
	Window       time.Duration `yaml:"window" mapstructure:"window"`
	SnapDecimals int           `yaml:"snap_decimals" mapstructure:"snap_decimals"`
	NearbyLimit  int           `yaml:"nearby_limit" mapstructure:"nearby_limit"`
	DeviceWindow time.Duration `yaml:"device_window" mapstructure:"device_window"`
}

// SMTPConfig configures alert e-mail delivery
type SMTPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	From     string `yaml:"from" mapstructure:"from"`
	To       string `yaml:"to" mapstructure:"to"`
}

// Configured reports whether credentials are present
func (s SMTPConfig) Configured() bool {
	return s.Username != "" && s.Password != ""
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.tcp_port", 9090)
	v.SetDefault("server.workers", 0)
	v.SetDefault("server.max_connections", 10000)
	v.SetDefault("server.identify_timeout", 10*time.Second)
	v.SetDefault("server.inactivity_timeout", 2*time.Minute)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_live_clients", 1000)
	v.SetDefault("server.rate_per_second", 10.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.max_clock_skew", 5*time.Minute)
	v.SetDefault("server.tcp_queue", false)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.chunk_width", 24*time.Hour)
	v.SetDefault("store.conflict_policy", "last_write_wins")
	v.SetDefault("store.badger_path", "./data/readings")
	v.SetDefault("store.badger_memory_mb", 0)
	v.SetDefault("store.gc_interval", 10*time.Minute)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "airaware")
	v.SetDefault("database.password", "airaware")
	v.SetDefault("database.dbname", "airaware")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrations_dir", "migrations")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_submissions", "airaware.submissions.raw")
	v.SetDefault("kafka.topic_readings", "airaware.readings")
	v.SetDefault("kafka.topic_alerts", "airaware.alerts")
	v.SetDefault("kafka.num_partitions", 10)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("kafka.group_prefix", "airaware")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.flush_interval", 5*time.Second)

	v.SetDefault("rollup.refresh_interval", time.Minute)
	v.SetDefault("rollup.parallelism", 4)
	v.SetDefault("rollup.catch_up", 48*time.Hour)
	v.SetDefault("rollup.sweep_interval", time.Hour)
	v.SetDefault("rollup.retain_raw", 90*24*time.Hour)
	v.SetDefault("rollup.retain_hourly", 365*24*time.Hour)
	v.SetDefault("rollup.retain_daily", time.Duration(0))

	v.SetDefault("alert.cooldown", 2*time.Hour)
	v.SetDefault("alert.min_delta", 20.0)
	v.SetDefault("alert.threshold_cache", 5*time.Minute)
	v.SetDefault("alert.prune_interval", 10*time.Minute)

	v.SetDefault("query.window", time.Hour)
	v.SetDefault("query.snap_decimals", -1)
	v.SetDefault("query.nearby_limit", 50)
	v.SetDefault("query.device_window", 24*time.Hour)

	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "alerts@airaware.local")
	v.SetDefault("smtp.to", "admin@airaware.local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from .env, config.yaml and AIRAWARE_* variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("AIRAWARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no process can start with
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "badger", "postgres":
	default:
		return eris.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.ChunkWidth <= 0 {
		return eris.New("config: store.chunk_width must be positive")
	}
	if c.Store.Backend == "postgres" && c.Store.ChunkWidth%time.Hour != 0 {
		return eris.New("config: postgres chunk width must be whole hours")
	}
	if c.Server.TCPQueue && !c.Kafka.Enabled() {
		return eris.New("config: server.tcp_queue needs kafka brokers")
	}
	if c.Alert.Cooldown <= 0 {
		return eris.New("config: alert.cooldown must be positive")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
