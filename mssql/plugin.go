package mssql

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/katasec/mssql-changestream/internal/config"
	"github.com/katasec/mssql-changestream/internal/logging"
)

// Plugin is the entry point used when a host process hands over the
// `config { ... }` block as a google.protobuf.Struct.
type Plugin struct{}

// Start validates the config block and runs the ingester until ctx is done.
func (p *Plugin) Start(ctx context.Context, cfg *structpb.Struct) error {
	log := logging.GetLogger()
	log.Info("MSSQL Plugin starting execution")

	ingesterConfig, err := config.FromStruct(cfg)
	if err != nil {
		return err
	}
	return run(ctx, ingesterConfig)
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logging.Close()

	log.Debug("Ingester configuration", "tables", cfg.Tables, "lock", cfg.Lock.Type, "queue", cfg.IngestQueue.Type)
	return NewIngester(cfg).Start(ctx)
}

// FieldType names the kind of value a config field holds.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeList   FieldType = "list"
	FieldTypeObject FieldType = "object"
	FieldTypeNumber FieldType = "number"
)

// FieldSchema describes one config field so a host can validate or prompt.
type FieldSchema struct {
	Name        string         `json:"name"`
	Type        FieldType      `json:"type"`
	Required    bool           `json:"required"`
	Description string         `json:"description,omitempty"`
	Fields      []*FieldSchema `json:"fields,omitempty"`
}

// GetSchema advertises the config block's fields.
func (p *Plugin) GetSchema(ctx context.Context) ([]*FieldSchema, error) {
	return []*FieldSchema{
		{
			Name:        "db_connection_string",
			Type:        FieldTypeString,
			Required:    true,
			Description: "Connection string to connect to the MSSQL database",
		},
		{
			Name:        "tables",
			Type:        FieldTypeList,
			Required:    true,
			Description: "List of tables to monitor for CDC",
		},
		{
			Name:        "ingest_queue",
			Type:        FieldTypeObject,
			Description: "Settings for publishing CDC events downstream",
			Fields: []*FieldSchema{
				{Name: "provider", Type: FieldTypeString},
				{Name: "type", Type: FieldTypeString, Description: "servicebus or stdout"},
				{Name: "name", Type: FieldTypeString},
				{Name: "connection_string", Type: FieldTypeString},
				{Name: "sku", Type: FieldTypeString, Description: "standard or premium"},
			},
		},
		{
			Name:        "lock",
			Type:        FieldTypeObject,
			Description: "Distributed-lock configuration",
			Fields: []*FieldSchema{
				{Name: "provider", Type: FieldTypeString},
				{Name: "type", Type: FieldTypeString, Description: "azure_blob or none"},
				{Name: "connection_string", Type: FieldTypeString},
				{Name: "container_name", Type: FieldTypeString},
			},
		},
		{
			Name:        "polling",
			Type:        FieldTypeObject,
			Description: "Poll/back-off tuning",
			Fields: []*FieldSchema{
				{Name: "interval", Type: FieldTypeString},
				{Name: "max_interval", Type: FieldTypeString},
			},
		},
		{
			Name:        "checkpoint",
			Type:        FieldTypeObject,
			Description: "Checkpoint storage",
			Fields: []*FieldSchema{
				{Name: "table", Type: FieldTypeString},
			},
		},
		{
			Name:        "logging",
			Type:        FieldTypeObject,
			Description: "Log level and optional rotating log file",
			Fields: []*FieldSchema{
				{Name: "level", Type: FieldTypeString},
				{Name: "file", Type: FieldTypeString},
				{Name: "max_size_mb", Type: FieldTypeNumber},
				{Name: "max_backups", Type: FieldTypeNumber},
				{Name: "max_age_days", Type: FieldTypeNumber},
			},
		},
	}, nil
}
