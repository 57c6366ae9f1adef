package publisher

import (
	"fmt"
	"os"

	"github.com/katasec/mssql-changestream/internal/config"
	"github.com/katasec/mssql-changestream/pkg/cdc"
)

// New creates the publisher configured for one source table.
func New(cfg config.IngestQueueConfig, tableName, serverName string) (cdc.ChangePublisher, error) {
	switch cfg.Type {
	case config.QueueTypeServiceBus:
		return NewServiceBusPublisher(cfg.ConnectionString, cfg.Name, tableName)
	case config.QueueTypeStdout, "":
		return NewStdoutPublisher(os.Stdout, tableName, serverName), nil
	default:
		return nil, fmt.Errorf("unsupported ingest queue type: %s", cfg.Type)
	}
}
