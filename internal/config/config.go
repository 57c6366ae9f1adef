package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/structpb"
)

// EnvPrefix prefixes environment overrides, e.g. MSSQL_CDC_DB_CONNECTION_STRING.
const EnvPrefix = "MSSQL_CDC"

const (
	LockTypeAzureBlob = "azure_blob"
	LockTypeNone      = "none"

	QueueTypeServiceBus = "servicebus"
	QueueTypeStdout     = "stdout"

	SKUStandard = "standard"
	SKUPremium  = "premium"

	defaultPollInterval    = "5s"
	defaultMaxPollInterval = "5m"
	defaultLogLevel        = "info"
)

// Config holds the configuration of the ingester. It arrives either as the
// plugin's config block (a structpb.Struct) or as a JSON/YAML file.
type Config struct {
	DBConnectionString string            `json:"db_connection_string" validate:"required"` // SQL Server connection string
	Tables             []string          `json:"tables" validate:"required,min=1,dive,required"`
	Lock               LockConfig        `json:"lock"`
	IngestQueue        IngestQueueConfig `json:"ingest_queue"`
	Polling            PollingConfig     `json:"polling"`
	Checkpoint         CheckpointConfig  `json:"checkpoint"`
	Logging            LoggingConfig     `json:"logging"`
}

// LockConfig represents the configuration for distributed locking
type LockConfig struct {
	Provider         string `json:"provider"`
	Type             string `json:"type" validate:"oneof=azure_blob none"`
	ConnectionString string `json:"connection_string" validate:"required_if=Type azure_blob"`
	ContainerName    string `json:"container_name" validate:"required_if=Type azure_blob"`
}

// IngestQueueConfig selects where change batches are published.
type IngestQueueConfig struct {
	Provider         string `json:"provider"`
	Type             string `json:"type" validate:"oneof=servicebus stdout"`
	Name             string `json:"name" validate:"required_if=Type servicebus"`
	ConnectionString string `json:"connection_string" validate:"required_if=Type servicebus"`
	SKU              string `json:"sku" validate:"oneof=standard premium"`
}

// PollingConfig holds the poll interval and the backoff ceiling as durations
// ("5s", "2m").
type PollingConfig struct {
	Interval    string `json:"interval"`
	MaxInterval string `json:"max_interval"`
}

// GetPollInterval returns the Interval as a time.Duration
func (p PollingConfig) GetPollInterval() (time.Duration, error) {
	return time.ParseDuration(p.Interval)
}

// GetMaxPollInterval returns the MaxInterval as a time.Duration
func (p PollingConfig) GetMaxPollInterval() (time.Duration, error) {
	return time.ParseDuration(p.MaxInterval)
}

type CheckpointConfig struct {
	Table string `json:"table"`
}

type LoggingConfig struct {
	Level      string `json:"level" validate:"oneof=trace debug info warn error off"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `json:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days" validate:"gte=0"`
}

var validate = validator.New()

// Validate fills in defaults and checks the configuration.
func (c *Config) Validate() error {
	c.setDefaults()

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	interval, err := c.Polling.GetPollInterval()
	if err != nil {
		return fmt.Errorf("invalid polling.interval %q: %w", c.Polling.Interval, err)
	}
	maxInterval, err := c.Polling.GetMaxPollInterval()
	if err != nil {
		return fmt.Errorf("invalid polling.max_interval %q: %w", c.Polling.MaxInterval, err)
	}
	if interval <= 0 || maxInterval < interval {
		return fmt.Errorf("invalid polling intervals: interval %s, max_interval %s", interval, maxInterval)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Lock.Type == "" {
		c.Lock.Type = LockTypeNone
	}
	if c.IngestQueue.Type == "" {
		c.IngestQueue.Type = QueueTypeStdout
	}
	if c.IngestQueue.SKU == "" {
		c.IngestQueue.SKU = SKUStandard
	}
	if c.Polling.Interval == "" {
		c.Polling.Interval = defaultPollInterval
	}
	if c.Polling.MaxInterval == "" {
		c.Polling.MaxInterval = defaultMaxPollInterval
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// LoadConfigFromJSON decodes configuration from JSON input without validating it.
func LoadConfigFromJSON(jsonData []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(jsonData, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// FromStruct decodes and validates the plugin's config block.
func FromStruct(s *structpb.Struct) (*Config, error) {
	if s == nil {
		return nil, fmt.Errorf("missing plugin config")
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to encode plugin config: %w", err)
	}
	cfg, err := LoadConfigFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode plugin config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a JSON, YAML or TOML config file. A path of "-" reads JSON from
// stdin.
func Load(path string) (*Config, error) {
	if path == "-" {
		return Read(os.Stdin, "json")
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return fromViper(v)
}

// Read parses a config of the given format ("json", "yaml", "toml") from r.
func Read(r io.Reader, format string) (*Config, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return fromViper(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("db_connection_string")
	_ = v.BindEnv("lock.connection_string")
	_ = v.BindEnv("ingest_queue.connection_string")
	return v
}

// fromViper funnels file settings through the same Struct decoding the
// plugin uses, so both paths share one set of rules.
func fromViper(v *viper.Viper) (*Config, error) {
	s, err := structpb.NewStruct(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("unsupported config value: %w", err)
	}
	return FromStruct(s)
}
