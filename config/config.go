package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tickflow/models"
)

const (
	ModeCollector  = "collector"
	ModeAggregator = "aggregator"
	ModeAll        = "all"
)

type Config struct {
	Tickflow   TickflowConfig   `yaml:"tickflow"`
	Reader     ReaderConfig     `yaml:"reader"`
	Router     RouterConfig     `yaml:"router"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Health     HealthConfig     `yaml:"health"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Mode    string `yaml:"mode"`
}

type ReaderConfig struct {
	URL              string          `yaml:"url"`
	Symbols          []string        `yaml:"symbols"`
	Streams          []string        `yaml:"streams"`
	KlineInterval    string          `yaml:"kline_interval"`
	DepthCadence     string          `yaml:"depth_cadence"`
	FrameBuffer      int             `yaml:"frame_buffer"`
	PollTimeout      time.Duration   `yaml:"poll_timeout"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	PingInterval     time.Duration   `yaml:"ping_interval"`
	ReadTimeout      time.Duration   `yaml:"read_timeout"`
	MaxReconnects    int             `yaml:"max_reconnects"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
	SampleMessages   int             `yaml:"sample_messages"`
}

type ReconnectConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	Burst    int           `yaml:"burst"`
}

type RouterConfig struct {
	DefaultTopic string            `yaml:"default_topic"`
	Topics       map[string]string `yaml:"topics"`
	LogDepthTop  bool              `yaml:"log_depth_top"`
}

type PublisherConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Buffer       int           `yaml:"buffer"`
	BatchSize    int           `yaml:"batch_size"`
	BatchBytes   int64         `yaml:"batch_bytes"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	Compression  string        `yaml:"compression"`
}

type AggregatorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	AllowedLateness time.Duration `yaml:"allowed_lateness"`
	FlushOnShutdown bool          `yaml:"flush_on_shutdown"`
	TradeStream     string        `yaml:"trade_stream"`
	SourceTopic     string        `yaml:"source_topic"`
	GroupID         string        `yaml:"group_id"`
	KlineTopic      string        `yaml:"kline_topic"`
	TapBuffer       int           `yaml:"tap_buffer"`
}

type SinksConfig struct {
	Log      LogSinkConfig      `yaml:"log"`
	Kafka    KafkaSinkConfig    `yaml:"kafka"`
	S3       S3SinkConfig       `yaml:"s3"`
	Postgres PostgresSinkConfig `yaml:"postgres"`
	Redis    RedisSinkConfig    `yaml:"redis"`
}

type LogSinkConfig struct {
	Enabled bool `yaml:"enabled"`
}

type KafkaSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"`
}

type S3SinkConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBuffered     int           `yaml:"max_buffered"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type PostgresSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

type RedisSinkConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Channel  string        `yaml:"channel"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	Prometheus     bool             `yaml:"prometheus"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type HealthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Address    string        `yaml:"address"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type LoggingConfig struct {
	Level  string                 `yaml:"level"`
	Format string                 `yaml:"format"`
	Output string                 `yaml:"output"`
	MaxAge int                    `yaml:"max_age"`
	Fields map[string]interface{} `yaml:"fields"`
}

func defaultConfig() Config {
	return Config{
		Tickflow: TickflowConfig{Mode: ModeAll},
		Reader: ReaderConfig{
			URL:              "wss://fstream.binance.com/stream",
			Streams:          []string{"aggTrade"},
			KlineInterval:    "1m",
			DepthCadence:     "100ms",
			FrameBuffer:      1024,
			PollTimeout:      time.Second,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     20 * time.Second,
			ReadTimeout:      60 * time.Second,
			Reconnect:        ReconnectConfig{MinDelay: 2 * time.Second, Burst: 1},
			SampleMessages:   5,
		},
		Router: RouterConfig{
			DefaultTopic: "binance-other",
			Topics:       map[string]string{"depth": "binance-depth"},
		},
		Publisher: PublisherConfig{
			Buffer:       4096,
			BatchSize:    100,
			BatchBytes:   32768,
			BatchTimeout: 10 * time.Millisecond,
			MaxAttempts:  3,
			WriteTimeout: 10 * time.Second,
			FlushTimeout: 5 * time.Second,
			Compression:  "gzip",
		},
		Aggregator: AggregatorConfig{
			Interval:        time.Minute,
			AllowedLateness: time.Minute,
			TradeStream:     "aggTrade",
			GroupID:         "tickflow-aggregator",
			KlineTopic:      "binance-kline",
			TapBuffer:       1024,
		},
		Sinks: SinksConfig{
			Log:      LogSinkConfig{Enabled: true},
			Kafka:    KafkaSinkConfig{Topic: "tickflow-candles"},
			S3:       S3SinkConfig{Prefix: "candles", FlushInterval: time.Minute, MaxBuffered: 500},
			Postgres: PostgresSinkConfig{Table: "candles"},
			Redis:    RedisSinkConfig{Addr: "localhost:6379", TTL: 24 * time.Hour, Channel: "tickflow:candles"},
		},
		Metrics: MetricsConfig{
			ReportInterval: time.Second,
			Prometheus:     true,
			CloudWatch:     CloudWatchConfig{Namespace: "Tickflow"},
		},
		Health: HealthConfig{Address: ":8090", StaleAfter: 30 * time.Second},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	normalize(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("KAFKA_BOOTSTRAP_SERVERS"); v != "" {
		cfg.Publisher.Brokers = splitList(v)
	}
	if v := os.Getenv("TICKFLOW_SYMBOLS"); v != "" {
		cfg.Reader.Symbols = splitList(v)
	}
	if v := os.Getenv("TICKFLOW_WINDOW_INTERVAL"); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("TICKFLOW_WINDOW_INTERVAL: %w", err)
		}
		cfg.Aggregator.Interval = d
	}
	if v := os.Getenv("TICKFLOW_ALLOWED_LATENESS"); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("TICKFLOW_ALLOWED_LATENESS: %w", err)
		}
		cfg.Aggregator.AllowedLateness = d
	}
	if v := os.Getenv("TICKFLOW_TOPIC_OVERRIDES"); v != "" {
		overrides, err := parseTopicOverrides(v)
		if err != nil {
			return fmt.Errorf("TICKFLOW_TOPIC_OVERRIDES: %w", err)
		}
		if cfg.Router.Topics == nil {
			cfg.Router.Topics = make(map[string]string, len(overrides))
		}
		for k, topic := range overrides {
			cfg.Router.Topics[k] = topic
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.TrimSpace(v)
	}

	// Override S3 credentials from environment variables if available
	if cfg.Sinks.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Sinks.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Sinks.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Sinks.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Sinks.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" && cfg.Sinks.Postgres.Enabled {
		cfg.Sinks.Postgres.DSN = v
	}
	return nil
}

// parseTopicOverrides reads "key=topic,key=topic" pairs.
func parseTopicOverrides(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(raw) {
		k, topic, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		topic = strings.TrimSpace(topic)
		if !ok || k == "" || topic == "" {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		out[k] = topic
	}
	return out, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalize(cfg *Config) {
	for i, s := range cfg.Reader.Symbols {
		cfg.Reader.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, b := range cfg.Publisher.Brokers {
		cfg.Publisher.Brokers[i] = strings.TrimSpace(b)
	}
	cfg.Tickflow.Mode = strings.ToLower(strings.TrimSpace(cfg.Tickflow.Mode))
	cfg.Sinks.S3.Bucket = strings.TrimSpace(cfg.Sinks.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}

	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}

	switch cfg.Tickflow.Mode {
	case ModeCollector, ModeAggregator, ModeAll:
	default:
		return fmt.Errorf("tickflow.mode %q is not one of collector, aggregator, all", cfg.Tickflow.Mode)
	}

	if len(cfg.Reader.Symbols) == 0 {
		return fmt.Errorf("reader.symbols must list at least one symbol")
	}
	if len(cfg.Reader.Streams) == 0 {
		return fmt.Errorf("reader.streams must list at least one stream")
	}
	for _, st := range cfg.Reader.Streams {
		if _, err := models.ParseStreamKind(st); err != nil {
			return fmt.Errorf("reader.streams: %w", err)
		}
	}
	if cfg.Reader.FrameBuffer <= 0 {
		return fmt.Errorf("reader.frame_buffer must be greater than 0")
	}
	if cfg.Reader.PollTimeout <= 0 {
		return fmt.Errorf("reader.poll_timeout must be greater than 0")
	}
	if cfg.Reader.MaxReconnects < 0 {
		return fmt.Errorf("reader.max_reconnects must not be negative")
	}

	if cfg.Router.DefaultTopic == "" {
		return fmt.Errorf("router.default_topic is required")
	}

	if len(cfg.Publisher.Brokers) == 0 {
		return fmt.Errorf("publisher.brokers is required")
	}
	for _, b := range cfg.Publisher.Brokers {
		if _, _, err := net.SplitHostPort(b); err != nil {
			return fmt.Errorf("publisher.brokers entry %q is not host:port: %w", b, err)
		}
	}
	if cfg.Publisher.Buffer <= 0 {
		return fmt.Errorf("publisher.buffer must be greater than 0")
	}
	if cfg.Publisher.BatchSize <= 0 {
		return fmt.Errorf("publisher.batch_size must be greater than 0")
	}
	if cfg.Publisher.BatchTimeout <= 0 {
		return fmt.Errorf("publisher.batch_timeout must be greater than 0")
	}
	if cfg.Publisher.MaxAttempts <= 0 {
		return fmt.Errorf("publisher.max_attempts must be greater than 0")
	}

	if cfg.Aggregator.Interval <= 0 {
		return fmt.Errorf("aggregator.interval must be greater than 0")
	}
	if cfg.Aggregator.AllowedLateness < 0 {
		return fmt.Errorf("aggregator.allowed_lateness must not be negative")
	}
	if cfg.Aggregator.Interval < time.Millisecond {
		return fmt.Errorf("aggregator.interval must be at least 1ms")
	}
	if cfg.Aggregator.Interval%time.Millisecond != 0 {
		return fmt.Errorf("aggregator.interval %s must be a whole number of milliseconds", cfg.Aggregator.Interval)
	}
	if kind, err := models.ParseStreamKind(cfg.Aggregator.TradeStream); err != nil || !kind.IsTrade() {
		return fmt.Errorf("aggregator.trade_stream %q must be trade or aggTrade", cfg.Aggregator.TradeStream)
	}
	if cfg.Tickflow.Mode == ModeAggregator && cfg.Aggregator.SourceTopic == "" {
		return fmt.Errorf("aggregator.source_topic is required in aggregator mode")
	}

	if cfg.Sinks.Kafka.Enabled && cfg.Sinks.Kafka.Topic == "" {
		return fmt.Errorf("sinks.kafka.topic is required when the kafka sink is enabled")
	}
	if cfg.Sinks.S3.Enabled {
		if cfg.Sinks.S3.Bucket == "" {
			return fmt.Errorf("sinks.s3.bucket is required when S3 is enabled")
		}
		if cfg.Sinks.S3.Region == "" {
			return fmt.Errorf("sinks.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Sinks.S3.Bucket) {
			return fmt.Errorf("sinks.s3.bucket '%s' is invalid", cfg.Sinks.S3.Bucket)
		}
		if cfg.Sinks.S3.FlushInterval <= 0 {
			return fmt.Errorf("sinks.s3.flush_interval must be greater than 0")
		}
	}
	if cfg.Sinks.Postgres.Enabled && cfg.Sinks.Postgres.DSN == "" {
		return fmt.Errorf("sinks.postgres.dsn is required when the postgres sink is enabled")
	}
	if cfg.Sinks.Redis.Enabled && cfg.Sinks.Redis.Addr == "" {
		return fmt.Errorf("sinks.redis.addr is required when the redis sink is enabled")
	}

	if cfg.Metrics.ReportInterval <= 0 {
		return fmt.Errorf("metrics.report_interval must be greater than 0")
	}
	if cfg.Health.Enabled && cfg.Health.StaleAfter <= 0 {
		return fmt.Errorf("health.stale_after must be greater than 0")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
