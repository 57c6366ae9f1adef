package cdc

// ChangeType represents the type of change detected in a table
type ChangeType string

const (
	// Insert represents a new row being added
	Insert ChangeType = "insert"
	// Update represents a row being modified
	Update ChangeType = "update"
	// Delete represents a row being removed
	Delete ChangeType = "delete"
)

// ChangeEvent represents a change detected in a table
type ChangeEvent struct {
	TableName       string         `json:"table_name"`
	CaptureInstance string         `json:"capture_instance"`
	ChangeType      ChangeType     `json:"change_type"`
	OperationID     int            `json:"operation_id"`
	CommitLSN       string         `json:"commit_lsn"`
	SeqVal          string         `json:"seq_val"`
	Before          map[string]any `json:"before,omitempty"`
	Data            map[string]any `json:"data"`
	// UncapturedColumns lists source columns the capture instance does not
	// record; they are absent from Before and Data.
	UncapturedColumns []string `json:"uncaptured_columns,omitempty"`
	Timestamp         string   `json:"timestamp"`
}

// OutputEnvelope is the JSON document written for a published batch
type OutputEnvelope struct {
	TableName  string         `json:"table_name"`
	ServerName string         `json:"server_name"`
	Changes    []ChangeEvent  `json:"changes"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ChangePublisher is an interface for publishing CDC change messages
type ChangePublisher interface {
	// PublishChanges publishes a batch of change events to a queue or topic
	// Returns a channel that will receive true when all messages are successfully published
	// The entire batch should succeed or fail atomically
	PublishChanges(changes []ChangeEvent) (<-chan bool, error)

	// Close releases any resources used by the publisher
	Close() error
}
