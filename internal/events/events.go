// Package events carries login events from the API server to the worker.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benvon/sessiongate/internal/models"
)

// Publisher sends login events. Publishing is best effort from the caller's
// point of view: a failed publish never undoes a login.
type Publisher interface {
	Publish(ctx context.Context, event *models.LoginEvent) error
}

// MessageInterface is a delivered event awaiting acknowledgement.
type MessageInterface interface {
	Ack() error
	Nack(requeue bool) error
	GetEvent() *models.LoginEvent
}

// Broker is a Publisher that can also be consumed from and health checked.
type Broker interface {
	Publisher

	// Consume returns a channel of messages from the queue. The caller must
	// acknowledge each message. The channels are closed when ctx is
	// cancelled or the connection is lost.
	Consume(ctx context.Context, prefetchCount int) (<-chan *Message, <-chan error, error)

	// HealthCheck verifies the broker connection is healthy
	HealthCheck(ctx context.Context) error

	Close() error
}

// NoopPublisher drops every event. It is used when no broker is configured.
type NoopPublisher struct{}

// Publish discards event.
func (NoopPublisher) Publish(context.Context, *models.LoginEvent) error {
	return nil
}

// Encode serializes an event for the wire.
func Encode(event *models.LoginEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal login event: %w", err)
	}
	return data, nil
}

// Decode parses an event from the wire.
func Decode(data []byte) (*models.LoginEvent, error) {
	var event models.LoginEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal login event: %w", err)
	}
	if event.Subject == "" {
		return nil, fmt.Errorf("login event %s has no subject", event.ID)
	}
	return &event, nil
}

var (
	_ Publisher = NoopPublisher{}
	_ Broker    = (*RabbitMQBroker)(nil)
)
