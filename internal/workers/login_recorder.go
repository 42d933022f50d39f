package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benvon/sessiongate/internal/events"
	logpkg "github.com/benvon/sessiongate/internal/logger"
	"github.com/benvon/sessiongate/internal/models"
	"go.uber.org/zap"
)

const (
	recordTimeout = 10 * time.Second
	// DefaultRetryDelay is how long a message is held before being requeued
	// after a store failure.
	DefaultRetryDelay = time.Second
)

var errInvalidEvent = errors.New("login event has no subject")

// EventStore persists login events.
type EventStore interface {
	Record(ctx context.Context, event *models.LoginEvent) (bool, error)
}

// LoginRecorder writes consumed login events to the database.
type LoginRecorder struct {
	store      EventStore
	logger     *zap.Logger
	retryDelay time.Duration
}

// NewLoginRecorder creates a new login recorder
func NewLoginRecorder(store EventStore, logger *zap.Logger) *LoginRecorder {
	return &LoginRecorder{
		store:      store,
		logger:     logpkg.OrNop(logger),
		retryDelay: DefaultRetryDelay,
	}
}

// Handle records one delivered event and settles the message: ack on success
// or redelivery, requeue on store failure, dead-letter when the event is
// unusable.
func (r *LoginRecorder) Handle(ctx context.Context, msg events.MessageInterface) error {
	event := msg.GetEvent()
	if event == nil || event.Subject == "" {
		if err := msg.Nack(false); err != nil {
			return fmt.Errorf("failed to dead-letter event: %w", err)
		}
		return errInvalidEvent
	}

	recordCtx, cancel := context.WithTimeout(ctx, recordTimeout)
	recorded, err := r.store.Record(recordCtx, event)
	cancel()
	if err != nil {
		r.wait(ctx)
		if nackErr := msg.Nack(true); nackErr != nil {
			return errors.Join(err, fmt.Errorf("failed to requeue event: %w", nackErr))
		}
		return fmt.Errorf("failed to record login event %s: %w", event.ID, err)
	}

	if recorded {
		r.logger.Debug("login_event_recorded",
			zap.String("event_id", event.ID.String()),
			zap.String("subject", logpkg.SanitizeSubject(event.Subject)),
		)
	} else {
		r.logger.Debug("login_event_duplicate", zap.String("event_id", event.ID.String()))
	}
	return msg.Ack()
}

func (r *LoginRecorder) wait(ctx context.Context) {
	if r.retryDelay <= 0 {
		return
	}
	t := time.NewTimer(r.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run handles messages until ctx is cancelled or the message channel closes.
// Consumer errors are logged and do not stop the loop.
func Run[M events.MessageInterface](ctx context.Context, r *LoginRecorder, msgs <-chan M, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.Error("event_consumer_error", zap.Error(err))
		case msg, ok := <-msgs:
			if !ok {
				r.logger.Info("event_channel_closed")
				return
			}
			if err := r.Handle(ctx, msg); err != nil {
				r.logger.Error("failed_to_handle_login_event", zap.String("error", logpkg.SanitizeError(err)))
			}
		}
	}
}

// StorePublisher records events synchronously. It stands in for the broker
// when the server runs without RabbitMQ.
type StorePublisher struct {
	store EventStore
}

// NewStorePublisher creates a publisher that writes straight to store.
func NewStorePublisher(store EventStore) *StorePublisher {
	return &StorePublisher{store: store}
}

// Publish records event.
func (p *StorePublisher) Publish(ctx context.Context, event *models.LoginEvent) error {
	if _, err := p.store.Record(ctx, event); err != nil {
		return fmt.Errorf("failed to record login event: %w", err)
	}
	return nil
}
