package verification

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"quizmaster/internal/models"
)

var (
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrRateLimited     = errors.New("verification code requested too recently")
	ErrOTPNotFound     = errors.New("no verification code pending")
	ErrOTPExpired      = errors.New("verification code expired")
	ErrTooManyAttempts = errors.New("too many failed attempts")
	ErrInvalidOTP      = errors.New("invalid verification code")
	ErrDeliveryFailed  = errors.New("verification email could not be sent")
)

const (
	otpMin  = 100000
	otpSpan = 900000

	emailSubject = "Your QuizMaster Verification Code"
)

// Generate returns a uniformly random six digit code.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpSpan))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+otpMin), nil
}

// Entry is a pending code for one address.
type Entry struct {
	Code      string
	ExpiresAt time.Time
	Attempts  int
}

// Store keeps pending codes and the last time a code was sent per address.
type Store interface {
	Save(ctx context.Context, email string, e Entry) error
	// Load returns ErrOTPNotFound when nothing is pending.
	Load(ctx context.Context, email string) (Entry, error)
	IncrementAttempts(ctx context.Context, email string) (int, error)
	Remove(ctx context.Context, email string) error
	LastSent(ctx context.Context, email string) (time.Time, bool, error)
	MarkSent(ctx context.Context, email string, at time.Time, cooldown time.Duration) error
}

// Mailer is satisfied by every notify mailer.
type Mailer interface {
	Send(ctx context.Context, email models.Email) error
}

type UserLookup interface {
	Get(ctx context.Context, id string) (models.User, error)
}

type Config struct {
	TTL         time.Duration
	MaxAttempts int
	Cooldown    time.Duration
}

func DefaultConfig() Config {
	return Config{TTL: 10 * time.Minute, MaxAttempts: 3, Cooldown: 60 * time.Second}
}

type Service struct {
	store    Store
	mailer   Mailer
	users    UserLookup
	cfg      Config
	logger   *zap.Logger
	generate func() (string, error)
	Now      func() time.Time
}

func NewService(store Store, mailer Mailer, users UserLookup, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		mailer:   mailer,
		users:    users,
		cfg:      cfg,
		logger:   logger,
		generate: Generate,
		Now:      time.Now,
	}
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func describeTTL(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}

// Send issues a fresh code to email. The cooldown only starts once the email
// has actually been handed to the mailer.
func (s *Service) Send(ctx context.Context, email string) (time.Time, error) {
	email = normalize(email)
	if !models.ValidEmail(email) {
		return time.Time{}, ErrInvalidEmail
	}
	now := s.Now()
	last, ok, err := s.store.LastSent(ctx, email)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		if wait := s.cfg.Cooldown - now.Sub(last); wait > 0 {
			return time.Time{}, fmt.Errorf("%w: retry in %ds", ErrRateLimited, int(wait.Round(time.Second)/time.Second))
		}
	}

	code, err := s.generate()
	if err != nil {
		return time.Time{}, err
	}
	expires := now.Add(s.cfg.TTL)
	if err := s.store.Save(ctx, email, Entry{Code: code, ExpiresAt: expires}); err != nil {
		return time.Time{}, err
	}

	err = s.mailer.Send(ctx, models.Email{
		To:      email,
		Subject: emailSubject,
		Type:    models.EmailVerification,
		Data:    map[string]any{"otp": code, "expiresIn": describeTTL(s.cfg.TTL)},
	})
	if err != nil {
		s.logger.Warn("verification email failed", zap.String("email", email), zap.Error(err))
		if rmErr := s.store.Remove(ctx, email); rmErr != nil {
			s.logger.Warn("failed to drop undelivered code", zap.String("email", email), zap.Error(rmErr))
		}
		return time.Time{}, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if err := s.store.MarkSent(ctx, email, now, s.cfg.Cooldown); err != nil {
		s.logger.Warn("failed to record send time", zap.String("email", email), zap.Error(err))
	}
	s.logger.Info("verification code sent", zap.String("email", email))
	return expires, nil
}

// SendToUser sends a code to the address on file for userID.
func (s *Service) SendToUser(ctx context.Context, userID string) (time.Time, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	return s.Send(ctx, user.Email)
}

// Verify consumes the pending code for email. A wrong guess costs one
// attempt; the code is discarded once attempts run out or it expires.
func (s *Service) Verify(ctx context.Context, email, code string) error {
	email = normalize(email)
	entry, err := s.store.Load(ctx, email)
	if err != nil {
		return err
	}
	if s.Now().After(entry.ExpiresAt) {
		s.discard(ctx, email)
		return ErrOTPExpired
	}
	if entry.Attempts >= s.cfg.MaxAttempts {
		s.discard(ctx, email)
		return ErrTooManyAttempts
	}

	if subtle.ConstantTimeCompare([]byte(entry.Code), []byte(strings.TrimSpace(code))) == 1 {
		s.discard(ctx, email)
		return nil
	}

	attempts, err := s.store.IncrementAttempts(ctx, email)
	if err != nil {
		return err
	}
	if attempts >= s.cfg.MaxAttempts {
		s.discard(ctx, email)
		return ErrTooManyAttempts
	}
	return fmt.Errorf("%w: %d attempts left", ErrInvalidOTP, s.cfg.MaxAttempts-attempts)
}

func (s *Service) discard(ctx context.Context, email string) {
	if err := s.store.Remove(ctx, email); err != nil && !errors.Is(err, ErrOTPNotFound) {
		s.logger.Warn("failed to remove verification code", zap.String("email", email), zap.Error(err))
	}
}
