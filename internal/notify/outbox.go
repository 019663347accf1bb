package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quizmaster/internal/metrics"
	"quizmaster/internal/models"
	"quizmaster/internal/store"
)

const (
	notificationsCollection = "notifications"
	DefaultMaxAttempts      = 5
)

// Notifier is a durable outbox: emails are persisted before any delivery
// attempt, so a failed send is retried later instead of being lost.
type Notifier struct {
	outbox      *store.Table[models.Notification]
	mailer      Mailer
	maxAttempts int
	logger      *zap.Logger
	Now         func() time.Time
}

func NewNotifier(s store.Store, mailer Mailer, maxAttempts int, logger *zap.Logger) *Notifier {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Notifier{
		outbox:      store.NewTable[models.Notification](s, notificationsCollection),
		mailer:      mailer,
		maxAttempts: maxAttempts,
		logger:      logger,
		Now:         time.Now,
	}
}

// Enqueue stores the email and makes one immediate delivery attempt. Only a
// failure to persist is returned as an error.
func (n *Notifier) Enqueue(ctx context.Context, email models.Email) (models.Notification, error) {
	note := models.Notification{
		ID:        uuid.New().String(),
		Email:     email,
		Status:    models.NotificationPending,
		CreatedAt: n.Now().UTC(),
	}
	if err := n.outbox.Insert(ctx, note.ID, note); err != nil {
		return models.Notification{}, err
	}
	return n.deliver(ctx, note)
}

func (n *Notifier) deliver(ctx context.Context, note models.Notification) (models.Notification, error) {
	sendErr := n.mailer.Send(ctx, note.Email)

	outcome := "sent"
	updated, err := n.outbox.Update(ctx, note.ID, func(v *models.Notification) error {
		v.Attempts++
		if sendErr == nil {
			sentAt := n.Now().UTC()
			v.Status = models.NotificationSent
			v.SentAt = &sentAt
			v.LastError = ""
			return nil
		}
		v.LastError = sendErr.Error()
		if v.Attempts >= n.maxAttempts {
			v.Status = models.NotificationFailed
		}
		return nil
	})
	if err != nil {
		n.logger.Error("failed to update notification", zap.String("notification_id", note.ID), zap.Error(err))
		return note, err
	}

	if sendErr != nil {
		outcome = "retry"
		if updated.Status == models.NotificationFailed {
			outcome = "failed"
		}
		n.logger.Warn("email delivery failed",
			zap.String("notification_id", note.ID),
			zap.String("type", string(note.Email.Type)),
			zap.Int("attempts", updated.Attempts),
			zap.Error(sendErr))
	}
	metrics.NotificationsSent.WithLabelValues(string(note.Email.Type), outcome).Inc()
	return updated, nil
}

// RetryPending makes one more attempt for every pending notification and
// reports how many were delivered.
func (n *Notifier) RetryPending(ctx context.Context) (int, error) {
	pending, err := n.outbox.Filter(ctx, func(v models.Notification) bool {
		return v.Status == models.NotificationPending
	})
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, note := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		updated, err := n.deliver(ctx, note)
		if err != nil {
			continue
		}
		if updated.Status == models.NotificationSent {
			delivered++
		}
	}
	if len(pending) > 0 {
		n.logger.Info("notification retry finished", zap.Int("pending", len(pending)), zap.Int("delivered", delivered))
	}
	return delivered, nil
}

func (n *Notifier) List(ctx context.Context) ([]models.Notification, error) {
	return n.outbox.All(ctx)
}
