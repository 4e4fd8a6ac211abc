// Package dispatch is the server-side entry point for new notifications:
// validate, deduplicate, persist, then fan out to push subscriptions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/bellhop/internal/circuitbreaker"
	"github.com/lalithlochan/bellhop/internal/db"
	"github.com/lalithlochan/bellhop/internal/dedup"
	"github.com/lalithlochan/bellhop/internal/metrics"
	"github.com/lalithlochan/bellhop/internal/push"
)

// Store is the persistence dispatch writes to
type Store interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	MarkSent(ctx context.Context, id uuid.UUID, sent bool) error
	ListActivePushSubscriptions(ctx context.Context, recipientType db.RecipientType, recipientID string) ([]*db.PushSubscription, error)
	DeactivatePushSubscription(ctx context.Context, id uuid.UUID) error
}

// Gate decides whether a candidate is a new occurrence
type Gate interface {
	Accept(ctx context.Context, c dedup.Candidate) (dedup.Decision, error)
	Release(ctx context.Context, c dedup.Candidate)
}

// Announcer publishes a persisted notification to realtime listeners
type Announcer interface {
	Publish(ctx context.Context, notif *db.Notification) error
}

// Result is the outcome of one dispatch. A duplicate has Persisted false and
// DuplicateOf set.
type Result struct {
	Persisted          bool
	ID                 uuid.UUID
	DuplicateOf        *uuid.UUID
	SubscriptionsFound int
	Pushed             int
}

type Config struct {
	PushConcurrency int           // parallel push sends per dispatch, default 8
	PushTimeout     time.Duration // per send, default 10s
}

// Service runs dispatches. It holds no per-request state.
type Service struct {
	store     Store
	gate      Gate
	sender    push.Sender
	announcer Announcer
	config    Config
	logger    *zap.Logger
}

// NewService creates a dispatch service
func NewService(store Store, gate Gate, sender push.Sender, cfg Config, logger *zap.Logger) *Service {
	if cfg.PushConcurrency <= 0 {
		cfg.PushConcurrency = 8
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 10 * time.Second
	}
	return &Service{
		store:  store,
		gate:   gate,
		sender: sender,
		config: cfg,
		logger: logger,
	}
}

// WithAnnouncer makes the service publish every insert to a, best effort.
func (s *Service) WithAnnouncer(a Announcer) *Service {
	s.announcer = a
	return s
}

// Dispatch persists req unless it duplicates a recent record, then pushes it
// to the recipient's active subscriptions. Push failures never undo the insert.
func (s *Service) Dispatch(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	req.Normalize()

	if err := req.Validate(); err != nil {
		metrics.RecordDispatch(req.Source, metrics.OutcomeInvalid, time.Since(start))
		return nil, err
	}

	notif := &db.Notification{
		ID:            uuid.New(),
		RecipientType: req.RecipientType,
		RecipientID:   req.RecipientID,
		Title:         req.Title,
		Message:       req.Message,
		OrderID:       req.OrderID,
		Type:          req.Type,
		URL:           req.URL,
		Priority:      req.Priority,
	}
	candidate := dedup.Candidate{ID: notif.ID, Key: req.dedupKey()}

	decision, err := s.gate.Accept(ctx, candidate)
	if err != nil {
		metrics.RecordDispatch(req.Source, metrics.OutcomeFailed, time.Since(start))
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if !decision.Accepted {
		metrics.RecordDispatch(req.Source, metrics.OutcomeDuplicate, time.Since(start))
		return &Result{DuplicateOf: decision.DuplicateOf}, nil
	}

	if err := s.store.CreateNotification(ctx, notif); err != nil {
		s.gate.Release(context.WithoutCancel(ctx), candidate)
		metrics.RecordDispatch(req.Source, metrics.OutcomeFailed, time.Since(start))
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	if s.announcer != nil {
		if err := s.announcer.Publish(ctx, notif); err != nil {
			s.logger.Warn("failed to announce notification",
				zap.String("notification_id", notif.ID.String()),
				zap.Error(err),
			)
		}
	}

	result := &Result{Persisted: true, ID: notif.ID}

	subs, err := s.store.ListActivePushSubscriptions(ctx, notif.RecipientType, notif.RecipientID)
	if err != nil {
		fields := []zap.Field{zap.String("notification_id", notif.ID.String())}
		var se *db.StoreError
		if errors.As(err, &se) {
			fields = append(fields, se.Fields()...)
		} else {
			fields = append(fields, zap.Error(err))
		}
		s.logger.Info("push subscription lookup failed, continuing without push", fields...)
		subs = nil
	}
	result.SubscriptionsFound = len(subs)

	if len(subs) == 0 {
		metrics.RecordDispatch(req.Source, metrics.OutcomePersisted, time.Since(start))
		return result, nil
	}

	result.Pushed = s.fanOut(ctx, notif, subs)

	if err := s.store.MarkSent(ctx, notif.ID, result.Pushed > 0); err != nil {
		s.logger.Error("failed to record push outcome",
			zap.String("notification_id", notif.ID.String()),
			zap.Bool("sent", result.Pushed > 0),
			zap.Error(err),
		)
	}

	s.logger.Info("notification dispatched",
		zap.String("notification_id", notif.ID.String()),
		zap.String("scope", notif.Scope().String()),
		zap.Int("subscriptions", len(subs)),
		zap.Int("pushed", result.Pushed),
	)

	metrics.RecordDispatch(req.Source, metrics.OutcomePersisted, time.Since(start))
	return result, nil
}

// fanOut sends notif to every subscription concurrently and returns how many
// succeeded. Each failure is isolated to its subscription.
func (s *Service) fanOut(ctx context.Context, notif *db.Notification, subs []*db.PushSubscription) int {
	msg := push.NewMessage(notif)
	var pushed atomic.Int32

	var g errgroup.Group
	g.SetLimit(s.config.PushConcurrency)

	for _, sub := range subs {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, s.config.PushTimeout)
			defer cancel()

			err := s.sender.Send(sendCtx, sub, msg)
			metrics.RecordPushAttempt(sub.Platform, pushResult(err))

			switch {
			case err == nil:
				pushed.Add(1)
			case errors.Is(err, push.ErrSubscriptionGone):
				s.deactivate(ctx, sub, err)
			default:
				s.logger.Warn("push delivery failed",
					zap.String("notification_id", notif.ID.String()),
					zap.String("subscription_id", sub.ID.String()),
					zap.String("platform", sub.Platform),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(pushed.Load())
}

func (s *Service) deactivate(ctx context.Context, sub *db.PushSubscription, cause error) {
	s.logger.Info("deactivating gone push subscription",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("platform", sub.Platform),
		zap.NamedError("cause", cause),
	)
	if err := s.store.DeactivatePushSubscription(ctx, sub.ID); err != nil {
		s.logger.Warn("failed to deactivate push subscription",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
	}
}

func pushResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, push.ErrSubscriptionGone):
		return "gone"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "error"
	}
}
