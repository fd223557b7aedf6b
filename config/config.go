package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Crawler   CrawlerConfig    `yaml:"crawler"`
	Schedule  ScheduleConfig   `yaml:"schedule"`
	HTTP      HTTPConfig       `yaml:"http"`
	Dedup     DedupConfig      `yaml:"dedup"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	// ExchangesFile points at an additional registry file, see LoadRegistry.
	ExchangesFile string          `yaml:"exchanges_file"`
	Publisher     PublisherConfig `yaml:"publisher"`
	Metrics       MetricsConfig   `yaml:"metrics"`
	Dashboard     DashboardConfig `yaml:"dashboard"`
	Logging       LoggingConfig   `yaml:"logging"`
}

type CrawlerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ScheduleConfig struct {
	Interval        time.Duration `yaml:"interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HTTPConfig shapes the client acquired at the start of every tick.
type HTTPConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	UserAgent       string        `yaml:"user_agent"`
	LocalIP         string        `yaml:"local_ip"`
}

type DedupConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ExchangeConfig is one registry entry. Either URL may be empty.
type ExchangeConfig struct {
	Exchange string `yaml:"exchange"`
	Symbol   string `yaml:"symbol"`
	TradeURL string `yaml:"trade_url"`
	KlineURL string `yaml:"kline_url"`
}

type PublisherConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
	Redis RedisConfig `yaml:"redis"`
	S3    S3Config    `yaml:"s3"`
	Log   LogSink     `yaml:"log"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	RequiredAcks int           `yaml:"required_acks"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	Async        bool          `yaml:"async"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LogSink struct {
	Enabled bool `yaml:"enabled"`
}

type MetricsConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	TickHistory    int           `yaml:"tick_history"`
	LogHistory     int           `yaml:"log_history"`
	MetricHistory  int           `yaml:"metric_history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

const (
	DefaultInterval        = time.Second
	DefaultRequestTimeout  = 3 * time.Second
	DefaultPublishTimeout  = 2 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultConnectTimeout  = 3 * time.Second
	DefaultMaxIdleConns    = 100
	DefaultIdleConnTimeout = 30 * time.Second
	DefaultMaxBodyBytes    = 8 << 20
	DefaultUserAgent       = "cryptocrawler"
	DefaultDedupTTL        = 10 * time.Minute
	DefaultDedupMaxEntries = 200_000
	DefaultSweepInterval   = 30 * time.Second
	DefaultKafkaTopic      = "market-data"
	DefaultRedisStream     = "market-data"
	DefaultRedisMaxLen     = 100_000
	DefaultDashboardAddr   = ":8080"
	DefaultPrometheusAddr  = ":2112"
)

// Default returns a configuration with every default applied and no
// exchanges.
func Default() Config {
	return Config{
		Crawler: CrawlerConfig{Name: "cryptocrawler", Version: "dev"},
		Schedule: ScheduleConfig{
			Interval:        DefaultInterval,
			RequestTimeout:  DefaultRequestTimeout,
			PublishTimeout:  DefaultPublishTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		HTTP: HTTPConfig{
			ConnectTimeout:  DefaultConnectTimeout,
			MaxIdleConns:    DefaultMaxIdleConns,
			IdleConnTimeout: DefaultIdleConnTimeout,
			MaxBodyBytes:    DefaultMaxBodyBytes,
			UserAgent:       DefaultUserAgent,
		},
		Dedup: DedupConfig{
			TTL:           DefaultDedupTTL,
			MaxEntries:    DefaultDedupMaxEntries,
			SweepInterval: DefaultSweepInterval,
		},
		Publisher: PublisherConfig{
			Kafka: KafkaConfig{Topic: DefaultKafkaTopic, RequiredAcks: -1, BatchTimeout: 10 * time.Millisecond},
			Redis: RedisConfig{Stream: DefaultRedisStream, MaxLen: DefaultRedisMaxLen},
			S3:    S3Config{Prefix: "raw"},
		},
		Metrics: MetricsConfig{
			Prometheus: PrometheusConfig{Address: DefaultPrometheusAddr},
			CloudWatch: CloudWatchConfig{Namespace: "CryptoCrawler", Dashboard: "CryptoCrawler"},
		},
		Dashboard: DashboardConfig{
			Address:        DefaultDashboardAddr,
			TickHistory:    300,
			LogHistory:     500,
			MetricHistory:  1000,
			SampleInterval: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: time.Minute,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.ExchangesFile != "" {
		extra, err := LoadRegistry(config.ExchangesFile)
		if err != nil {
			return nil, err
		}
		config.Exchanges = append(config.Exchanges, extra...)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Publisher.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Publisher.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Publisher.Redis.Password = v
	}
	if config.Publisher.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Publisher.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Publisher.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Publisher.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Publisher.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Publisher.S3.Bucket = strings.TrimSpace(config.Publisher.S3.Bucket)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Crawler.Name == "" {
		return fmt.Errorf("crawler.name is required")
	}

	if cfg.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be greater than 0")
	}
	if cfg.Schedule.RequestTimeout <= 0 {
		return fmt.Errorf("schedule.request_timeout must be greater than 0")
	}
	if cfg.Schedule.PublishTimeout <= 0 {
		return fmt.Errorf("schedule.publish_timeout must be greater than 0")
	}
	if cfg.HTTP.ConnectTimeout <= 0 {
		return fmt.Errorf("http.connect_timeout must be greater than 0")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be greater than 0")
	}
	if cfg.HTTP.LocalIP != "" && net.ParseIP(cfg.HTTP.LocalIP) == nil {
		return fmt.Errorf("http.local_ip '%s' is not an IP address", cfg.HTTP.LocalIP)
	}

	if cfg.Dedup.MaxEntries <= 0 {
		return fmt.Errorf("dedup.max_entries must be greater than 0")
	}
	if cfg.Dedup.TTL < 2*cfg.Schedule.Interval {
		return fmt.Errorf("dedup.ttl must cover at least two schedule intervals")
	}

	if _, err := BuildEndpoints(cfg.Exchanges); err != nil {
		return err
	}

	pub := cfg.Publisher
	if !pub.Kafka.Enabled && !pub.Redis.Enabled && !pub.S3.Enabled && !pub.Log.Enabled {
		return fmt.Errorf("at least one publisher must be enabled")
	}
	if !pub.Kafka.Enabled && !pub.Redis.Enabled && !pub.S3.Enabled && IsProductionLike(AppEnvironment()) {
		return fmt.Errorf("%s requires a broker publisher; publisher.log alone is not enough", AppEnvironment())
	}
	if pub.Kafka.Enabled {
		if len(pub.Kafka.Brokers) == 0 {
			return fmt.Errorf("publisher.kafka.brokers is required when Kafka is enabled")
		}
		if pub.Kafka.Topic == "" {
			return fmt.Errorf("publisher.kafka.topic is required when Kafka is enabled")
		}
		switch pub.Kafka.RequiredAcks {
		case -1, 0, 1:
		default:
			return fmt.Errorf("publisher.kafka.required_acks must be -1, 0 or 1")
		}
	}
	if pub.Redis.Enabled {
		if pub.Redis.Addr == "" {
			return fmt.Errorf("publisher.redis.addr is required when Redis is enabled")
		}
		if pub.Redis.Stream == "" {
			return fmt.Errorf("publisher.redis.stream is required when Redis is enabled")
		}
	}
	if pub.S3.Enabled {
		if pub.S3.Bucket == "" {
			return fmt.Errorf("publisher.s3.bucket is required when S3 is enabled")
		}
		if pub.S3.Region == "" {
			return fmt.Errorf("publisher.s3.region is required when S3 is enabled")
		}
		if (pub.S3.AccessKeyID == "") != (pub.S3.SecretAccessKey == "") {
			return fmt.Errorf("publisher.s3.access_key_id and publisher.s3.secret_access_key must be set together")
		}
		if !isValidS3Bucket(pub.S3.Bucket) {
			return fmt.Errorf("publisher.s3.bucket '%s' is invalid", pub.S3.Bucket)
		}
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
