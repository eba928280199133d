package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	CSVFileName  = "speed_test_results.csv"
	JSONFileName = "speed_test_results.json"
)

type Config struct {
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Output    SinkConfig      `mapstructure:"output"`
	Speedtest SpeedtestConfig `mapstructure:"speedtest"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	IPInfo    IPInfoConfig    `mapstructure:"ipinfo"`
}

// ScheduleConfig drives the scheduler's wait period and retry policy.
type ScheduleConfig struct {
	IntervalMinutes int           `mapstructure:"interval_minutes"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

func (c ScheduleConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// SinkConfig selects the outputs a completed measurement is written to.
type SinkConfig struct {
	CSVEnabled      bool   `mapstructure:"csv_enabled"`
	JSONEnabled     bool   `mapstructure:"json_enabled"`
	PostgresEnabled bool   `mapstructure:"postgres_enabled"`
	OutputDirectory string `mapstructure:"output_directory"`
}

func (c SinkConfig) CSVPath() string {
	return filepath.Join(c.OutputDirectory, CSVFileName)
}

func (c SinkConfig) JSONPath() string {
	return filepath.Join(c.OutputDirectory, JSONFileName)
}

type SpeedtestConfig struct {
	// ServerID is a manual numeric server id; empty selects the best server.
	ServerID   string `mapstructure:"server_id"`
	CatalogURL string `mapstructure:"catalog_url"`
	// Transport is an outline-sdk config string, e.g. "socks5://host:1080".
	Transport string `mapstructure:"transport"`
	// Shadowsocks is a JSON file, ssconfig:// URL or ss:// link. It takes
	// precedence over Transport when set.
	Shadowsocks   string `mapstructure:"shadowsocks"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
	DownloadSizes []int  `mapstructure:"download_sizes"`
	UploadSizes   []int  `mapstructure:"upload_sizes"`
	Concurrency   int    `mapstructure:"concurrency"`
	BestOf        int    `mapstructure:"best_of"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	// Addr of the /metrics listener; empty disables it.
	Addr string `mapstructure:"addr"`
}

type IPInfoConfig struct {
	Token string `mapstructure:"token"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("schedule.interval_minutes", 10)
	v.SetDefault("schedule.max_retries", 3)
	v.SetDefault("schedule.retry_backoff", 5*time.Second)
	v.SetDefault("schedule.run_on_start", false)

	v.SetDefault("output.csv_enabled", true)
	v.SetDefault("output.json_enabled", true)
	v.SetDefault("output.postgres_enabled", false)
	v.SetDefault("output.output_directory", "data")

	v.SetDefault("speedtest.server_id", "")
	v.SetDefault("speedtest.transport", "")
	v.SetDefault("speedtest.shadowsocks", "")
	v.SetDefault("speedtest.catalog_url", "https://www.speedtest.net/api/js/servers?engine=js&https_functional=true&limit=100")
	v.SetDefault("speedtest.timeout_sec", 10)
	v.SetDefault("speedtest.download_sizes", []int{350, 500, 750, 1000, 1500})
	v.SetDefault("speedtest.upload_sizes", []int{256 << 10, 512 << 10, 1 << 20})
	v.SetDefault("speedtest.concurrency", 4)
	v.SetDefault("speedtest.best_of", 5)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "speedtest")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("log.file", filepath.Join("logs", "speedtest.log"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("ipinfo.token", "")
}

// Init prepares v to read config.yaml from the usual places and the
// SPEEDTEST_MONITOR_* environment. A missing config file is not an error.
func Init(v *viper.Viper, explicitFile string) error {
	SetDefaults(v)

	v.SetEnvPrefix("SPEEDTEST_MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitFile != "" {
		v.SetConfigFile(explicitFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.speedtest-monitor")
		v.AddConfigPath("/etc/speedtest-monitor/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Schedule.IntervalMinutes < 1 {
		return fmt.Errorf("schedule.interval_minutes must be >= 1, got %d", c.Schedule.IntervalMinutes)
	}
	if c.Schedule.MaxRetries < 0 {
		return fmt.Errorf("schedule.max_retries must be >= 0, got %d", c.Schedule.MaxRetries)
	}
	if c.Schedule.RetryBackoff < 0 {
		return fmt.Errorf("schedule.retry_backoff must not be negative")
	}
	if c.Output.OutputDirectory == "" {
		return fmt.Errorf("output.output_directory is required")
	}
	if id := c.Speedtest.ServerID; id != "" && !IsNumericID(id) {
		return fmt.Errorf("speedtest.server_id %q is not a number", id)
	}
	if c.Speedtest.CatalogURL == "" {
		return fmt.Errorf("speedtest.catalog_url is required")
	}
	if c.Speedtest.Concurrency < 1 {
		c.Speedtest.Concurrency = 1
	}
	if c.Speedtest.BestOf < 1 {
		c.Speedtest.BestOf = 1
	}
	return nil
}

// IsNumericID reports whether id is a non-empty string of ASCII digits.
func IsNumericID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
