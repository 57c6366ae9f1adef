package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestFromStruct(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"db_connection_string": "sqlserver://sa:pw@localhost:1433?database=inventory",
		"tables":               []any{"dbo.Persons", "sales.Orders"},
		"lock": map[string]any{
			"provider":          "azure",
			"type":              "azure_blob",
			"connection_string": "UseDevelopmentStorage=true",
			"container_name":    "locks",
		},
		"ingest_queue": map[string]any{
			"provider":          "azure",
			"type":              "servicebus",
			"name":              "ingest",
			"connection_string": "Endpoint=sb://example.servicebus.windows.net/",
			"sku":               "premium",
		},
		"polling": map[string]any{"interval": "2s", "max_interval": "1m"},
		"logging": map[string]any{"level": "DEBUG", "max_backups": 3},
	})
	require.NoError(t, err)

	cfg, err := FromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"dbo.Persons", "sales.Orders"}, cfg.Tables)
	assert.Equal(t, LockTypeAzureBlob, cfg.Lock.Type)
	assert.Equal(t, "locks", cfg.Lock.ContainerName)
	assert.Equal(t, SKUPremium, cfg.IngestQueue.SKU)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Logging.MaxBackups)

	interval, err := cfg.Polling.GetPollInterval()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, interval)
}

func TestFromStructDefaults(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"db_connection_string": "server=db01;database=inventory",
		"tables":               []any{"dbo.Persons"},
	})
	require.NoError(t, err)

	cfg, err := FromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, LockTypeNone, cfg.Lock.Type)
	assert.Equal(t, QueueTypeStdout, cfg.IngestQueue.Type)
	assert.Equal(t, SKUStandard, cfg.IngestQueue.SKU)
	assert.Equal(t, defaultPollInterval, cfg.Polling.Interval)
	assert.Equal(t, defaultMaxPollInterval, cfg.Polling.MaxInterval)
	assert.Equal(t, defaultLogLevel, cfg.Logging.Level)
	assert.Empty(t, cfg.Checkpoint.Table)
}

func TestValidateRejects(t *testing.T) {
	valid := func() Config {
		return Config{DBConnectionString: "server=db01", Tables: []string{"dbo.Persons"}}
	}

	testCases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "missing connection string", mutate: func(c *Config) { c.DBConnectionString = "" }, errMsg: "DBConnectionString"},
		{name: "no tables", mutate: func(c *Config) { c.Tables = nil }, errMsg: "Tables"},
		{name: "empty table name", mutate: func(c *Config) { c.Tables = []string{""} }, errMsg: "Tables[0]"},
		{name: "unknown lock type", mutate: func(c *Config) { c.Lock.Type = "redis" }, errMsg: "Type"},
		{name: "blob lock without container", mutate: func(c *Config) {
			c.Lock = LockConfig{Type: LockTypeAzureBlob, ConnectionString: "UseDevelopmentStorage=true"}
		}, errMsg: "ContainerName"},
		{name: "service bus without name", mutate: func(c *Config) {
			c.IngestQueue = IngestQueueConfig{Type: QueueTypeServiceBus, ConnectionString: "Endpoint=sb://x/"}
		}, errMsg: "Name"},
		{name: "bad interval", mutate: func(c *Config) { c.Polling.Interval = "soon" }, errMsg: "polling.interval"},
		{name: "max below interval", mutate: func(c *Config) {
			c.Polling = PollingConfig{Interval: "1m", MaxInterval: "5s"}
		}, errMsg: "invalid polling intervals"},
		{name: "unknown log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, errMsg: "Level"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}

	cfg := valid()
	assert.NoError(t, cfg.Validate())
}

func TestRead(t *testing.T) {
	yaml := `
db_connection_string: sqlserver://sa:pw@db01:1433?database=inventory
tables:
  - dbo.Persons
polling:
  interval: 10s
  max_interval: 2m
checkpoint:
  table: cdc_offsets_persons
`
	cfg, err := Read(strings.NewReader(yaml), "yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"dbo.Persons"}, cfg.Tables)
	assert.Equal(t, "10s", cfg.Polling.Interval)
	assert.Equal(t, "cdc_offsets_persons", cfg.Checkpoint.Table)
}

func TestLoadWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingester.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"db_connection_string": "server=from-file",
		"tables": ["dbo.Persons"]
	}`), 0o600))

	t.Setenv(EnvPrefix+"_DB_CONNECTION_STRING", "server=from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "server=from-env", cfg.DBConnectionString)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigFromJSON(t *testing.T) {
	cfg, err := LoadConfigFromJSON([]byte(`{"tables":["dbo.Persons"],"lock":{"type":"azure_blob"}}`))
	require.NoError(t, err)
	assert.Equal(t, "azure_blob", cfg.Lock.Type)

	_, err = LoadConfigFromJSON([]byte(`{"tables":`))
	assert.Error(t, err)
}
