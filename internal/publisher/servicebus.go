package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/katasec/mssql-changestream/internal/logging"
	"github.com/katasec/mssql-changestream/internal/utils"
	"github.com/katasec/mssql-changestream/pkg/cdc"
)

const defaultSendTimeout = 30 * time.Second

// messageSender delivers messages in order, splitting them into as many
// Service Bus batches as needed.
type messageSender interface {
	SendMessages(ctx context.Context, msgs []*azservicebus.Message) error
	Close(ctx context.Context) error
}

// ServiceBusPublisher sends each change event as one JSON message to a
// Service Bus queue or topic.
type ServiceBusPublisher struct {
	client      *azservicebus.Client
	sender      messageSender
	queueName   string
	tableName   string
	sendTimeout time.Duration
	log         hclog.Logger
}

func NewServiceBusPublisher(connectionString, queueName, tableName string) (*ServiceBusPublisher, error) {
	client, err := azservicebus.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}
	sender, err := client.NewSender(queueName, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("failed to create sender for %s: %w", queueName, err)
	}
	p := newServiceBusPublisher(&batchingSender{sender: sender}, queueName, tableName)
	p.client = client
	return p, nil
}

func newServiceBusPublisher(sender messageSender, queueName, tableName string) *ServiceBusPublisher {
	return &ServiceBusPublisher{
		sender:      sender,
		queueName:   queueName,
		tableName:   tableName,
		sendTimeout: defaultSendTimeout,
		log:         logging.Named("servicebus").With("queue", queueName, "table", tableName),
	}
}

// PublishChanges sends the batch and reports success on the returned
// channel. Messages are sent in change order; a failure part way leaves the
// checkpoint untouched so the whole batch is sent again.
func (p *ServiceBusPublisher) PublishChanges(changes []cdc.ChangeEvent) (<-chan bool, error) {
	msgs := make([]*azservicebus.Message, 0, len(changes))
	for _, change := range changes {
		msg, err := newMessage(change)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()

	done := make(chan bool, 1)
	if err := p.sender.SendMessages(ctx, msgs); err != nil {
		return nil, fmt.Errorf("failed to send %d changes to %s: %w", len(msgs), p.queueName, err)
	}
	p.log.Debug("Batch sent", "messageCount", len(msgs))
	done <- true
	return done, nil
}

func (p *ServiceBusPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()

	result := multierror.Append(nil, p.sender.Close(ctx))
	if p.client != nil {
		result = multierror.Append(result, p.client.Close(ctx))
	}
	return result.ErrorOrNil()
}

func newMessage(change cdc.ChangeEvent) (*azservicebus.Message, error) {
	body, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change at %s: %w", change.CommitLSN, err)
	}
	id := utils.ULID()
	contentType := "application/json"
	subject := string(change.ChangeType)
	return &azservicebus.Message{
		MessageID:   &id,
		ContentType: &contentType,
		Subject:     &subject,
		Body:        body,
		ApplicationProperties: map[string]any{
			"table_name":       change.TableName,
			"capture_instance": change.CaptureInstance,
			"change_type":      string(change.ChangeType),
			"commit_lsn":       change.CommitLSN,
			"seq_val":          change.SeqVal,
		},
	}, nil
}

// batchingSender fills Service Bus message batches up to their size limit.
type batchingSender struct {
	sender *azservicebus.Sender
}

func (s *batchingSender) SendMessages(ctx context.Context, msgs []*azservicebus.Message) error {
	batch, err := s.sender.NewMessageBatch(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to create message batch: %w", err)
	}

	for _, msg := range msgs {
		err := batch.AddMessage(msg, nil)
		if errors.Is(err, azservicebus.ErrMessageTooLarge) && batch.NumMessages() > 0 {
			if err := s.sender.SendMessageBatch(ctx, batch, nil); err != nil {
				return err
			}
			if batch, err = s.sender.NewMessageBatch(ctx, nil); err != nil {
				return fmt.Errorf("failed to create message batch: %w", err)
			}
			err = batch.AddMessage(msg, nil)
		}
		if err != nil {
			return fmt.Errorf("failed to add message %s: %w", *msg.MessageID, err)
		}
	}

	if batch.NumMessages() == 0 {
		return nil
	}
	return s.sender.SendMessageBatch(ctx, batch, nil)
}

func (s *batchingSender) Close(ctx context.Context) error {
	return s.sender.Close(ctx)
}
