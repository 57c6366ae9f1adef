package publisher

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/mssql-changestream/internal/logging"
	"github.com/katasec/mssql-changestream/internal/utils"
	"github.com/katasec/mssql-changestream/pkg/cdc"
)

// StdoutPublisher writes every batch as one OutputEnvelope JSON line.
type StdoutPublisher struct {
	mu         sync.Mutex
	w          io.Writer
	tableName  string
	serverName string
	log        hclog.Logger
}

func NewStdoutPublisher(w io.Writer, tableName, serverName string) *StdoutPublisher {
	return &StdoutPublisher{
		w:          w,
		tableName:  tableName,
		serverName: serverName,
		log:        logging.Named("stdout").With("table", tableName),
	}
}

func (p *StdoutPublisher) PublishChanges(changes []cdc.ChangeEvent) (<-chan bool, error) {
	envelope := cdc.OutputEnvelope{
		TableName:  p.tableName,
		ServerName: p.serverName,
		Changes:    changes,
		Metadata: map[string]any{
			"batch_id":     utils.ULID(),
			"change_count": len(changes),
			"published_at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	p.mu.Lock()
	err := json.NewEncoder(p.w).Encode(envelope)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to write changes for %s: %w", p.tableName, err)
	}

	p.log.Debug("Batch written", "changeCount", len(changes))
	done := make(chan bool, 1)
	done <- true
	return done, nil
}

func (p *StdoutPublisher) Close() error {
	return nil
}
