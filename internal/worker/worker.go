// Package worker runs the background loops of the gateway: queued dispatch
// ingestion and the retention sweep.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/dispatch"
	"github.com/lalithlochan/bellhop/internal/metrics"
	"github.com/lalithlochan/bellhop/internal/sqs"
)

// Dispatcher runs one dispatch
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Queue is where dispatch requests are read from
type Queue interface {
	Receive(ctx context.Context, limit int32) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// DeadLetter receives messages that can never succeed
type DeadLetter interface {
	Forward(ctx context.Context, env sqs.Envelope, reason string) (string, error)
}

type Config struct {
	BatchSize       int32         // messages per receive, default 10
	MaxReceives     int           // receives before a failing message is dead-lettered, default 5
	RetryVisibility int32         // seconds before a failed message is redelivered, default 30
	ErrorBackoff    time.Duration // pause after a failed receive, default 5s
}

// QueueWorker dispatches requests taken off the queue.
//
// Successful and duplicate dispatches are deleted. Invalid requests are
// forwarded to the dead-letter queue and deleted. Store failures are left
// on the queue for redelivery until MaxReceives.
type QueueWorker struct {
	queue      Queue
	dlq        DeadLetter
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration)
}

// New creates a queue worker. dlq may be nil, in which case rejected messages are only logged and deleted.
func New(queue Queue, dlq DeadLetter, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *QueueWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxReceives <= 0 {
		cfg.MaxReceives = 5
	}
	if cfg.RetryVisibility <= 0 {
		cfg.RetryVisibility = 30
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	return &QueueWorker{
		queue:      queue,
		dlq:        dlq,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Start processes batches until ctx is cancelled
func (w *QueueWorker) Start(ctx context.Context) {
	w.logger.Info("queue worker started", zap.Int32("batch_size", w.config.BatchSize))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopping")
			return
		default:
		}

		if err := w.processBatch(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("failed to receive dispatch requests", zap.Error(err))
			w.sleep(ctx, w.config.ErrorBackoff)
		}
	}
}

func (w *QueueWorker) processBatch(ctx context.Context) error {
	messages, err := w.queue.Receive(ctx, w.config.BatchSize)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	metrics.SetSQSMessagesInFlight(len(messages))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, msg := range messages {
		w.processMessage(ctx, msg)
	}
	return nil
}

func (w *QueueWorker) processMessage(ctx context.Context, msg sqs.Received) {
	if msg.DecodeErr != nil {
		raw, _ := json.Marshal(msg.Raw)
		w.reject(ctx, msg, sqs.Envelope{Body: raw}, msg.DecodeErr.Error())
		return
	}
	if msg.Envelope.Kind != sqs.KindDispatch {
		w.reject(ctx, msg, msg.Envelope, fmt.Sprintf("unknown message kind %q", msg.Envelope.Kind))
		return
	}

	var req dispatch.Request
	if err := json.Unmarshal(msg.Envelope.Body, &req); err != nil {
		w.reject(ctx, msg, msg.Envelope, fmt.Sprintf("invalid dispatch request: %v", err))
		return
	}
	req.Source = dispatch.SourceQueue

	result, err := w.dispatcher.Dispatch(ctx, req)
	switch {
	case dispatch.IsValidation(err):
		w.reject(ctx, msg, msg.Envelope, err.Error())
		return
	case err != nil:
		w.retryLater(ctx, msg, err)
		return
	}

	if result.Persisted {
		w.logger.Info("queued dispatch persisted",
			zap.String("message_id", msg.MessageID),
			zap.String("notification_id", result.ID.String()),
			zap.Int("pushed", result.Pushed),
		)
	} else {
		w.logger.Info("queued dispatch was a duplicate",
			zap.String("message_id", msg.MessageID),
			zap.Stringer("duplicate_of", result.DuplicateOf),
		)
	}
	w.delete(ctx, msg)
}

func (w *QueueWorker) retryLater(ctx context.Context, msg sqs.Received, cause error) {
	if msg.ReceiveCount >= w.config.MaxReceives {
		w.reject(ctx, msg, msg.Envelope, fmt.Sprintf("gave up after %d receives: %v", msg.ReceiveCount, cause))
		return
	}

	w.logger.Warn("queued dispatch failed, leaving for redelivery",
		zap.String("message_id", msg.MessageID),
		zap.Int("receive_count", msg.ReceiveCount),
		zap.Error(cause),
	)
	if err := w.queue.ChangeVisibility(ctx, msg.ReceiptHandle, w.config.RetryVisibility); err != nil {
		w.logger.Warn("failed to change message visibility", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
}

// reject dead-letters a message that can never succeed, then deletes it.
// If the dead-letter write fails the message stays on the queue.
func (w *QueueWorker) reject(ctx context.Context, msg sqs.Received, env sqs.Envelope, reason string) {
	w.logger.Warn("rejecting queued message",
		zap.String("message_id", msg.MessageID),
		zap.String("reason", reason),
	)

	if w.dlq != nil {
		if _, err := w.dlq.Forward(ctx, env, reason); err != nil {
			w.logger.Error("failed to forward message to dead-letter queue",
				zap.String("message_id", msg.MessageID),
				zap.Error(err),
			)
			return
		}
	}
	w.delete(ctx, msg)
}

func (w *QueueWorker) delete(ctx context.Context, msg sqs.Received) {
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		w.logger.Error("failed to delete message",
			zap.String("message_id", msg.MessageID),
			zap.Error(err),
		)
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
