package verification

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quizmaster/internal/models"
)

type fakeMailer struct {
	sent []models.Email
	err  error
}

func (f *fakeMailer) Send(_ context.Context, email models.Email) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, email)
	return nil
}

type fakeUsers map[string]models.User

func (f fakeUsers) Get(_ context.Context, id string) (models.User, error) {
	u, ok := f[id]
	if !ok {
		return models.User{}, errors.New("no such user")
	}
	return u, nil
}

type harness struct {
	svc    *Service
	store  *MemoryStore
	mailer *fakeMailer
	now    time.Time
}

func newHarness() *harness {
	h := &harness{
		store:  NewMemoryStore(),
		mailer: &fakeMailer{},
		now:    time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	users := fakeUsers{"u1": {ID: "u1", Email: "alice@example.com"}}
	h.svc = NewService(h.store, h.mailer, users, DefaultConfig(), zap.NewNop())
	h.svc.Now = func() time.Time { return h.now }
	h.svc.generate = func() (string, error) { return "123456", nil }
	return h
}

func TestGenerate(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := Generate()
		require.NoError(t, err)
		require.Len(t, code, 6)
		n, err := strconv.Atoi(code)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 100000)
		assert.LessOrEqual(t, n, 999999)
	}
}

func TestSend(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	expires, err := h.svc.Send(ctx, " Alice@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, h.now.Add(10*time.Minute), expires)

	require.Len(t, h.mailer.sent, 1)
	email := h.mailer.sent[0]
	assert.Equal(t, "alice@example.com", email.To)
	assert.Equal(t, "Your QuizMaster Verification Code", email.Subject)
	assert.Equal(t, models.EmailVerification, email.Type)
	assert.Equal(t, "123456", email.Data["otp"])
	assert.Equal(t, "10 minutes", email.Data["expiresIn"])
}

func TestSend_InvalidEmail(t *testing.T) {
	h := newHarness()
	_, err := h.svc.Send(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidEmail)
	assert.Empty(t, h.mailer.sent)
}

func TestSend_Cooldown(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.svc.Send(ctx, "alice@example.com")
	require.NoError(t, err)

	h.now = h.now.Add(59 * time.Second)
	_, err = h.svc.Send(ctx, "alice@example.com")
	assert.ErrorIs(t, err, ErrRateLimited)

	h.now = h.now.Add(time.Second)
	_, err = h.svc.Send(ctx, "alice@example.com")
	assert.NoError(t, err)
	assert.Len(t, h.mailer.sent, 2)
}

func TestSend_DeliveryFailureSkipsCooldown(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.mailer.err = errors.New("function unavailable")

	_, err := h.svc.Send(ctx, "alice@example.com")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	_, err = h.store.Load(ctx, "alice@example.com")
	assert.ErrorIs(t, err, ErrOTPNotFound)

	h.mailer.err = nil
	_, err = h.svc.Send(ctx, "alice@example.com")
	assert.NoError(t, err)
}

func TestSendToUser(t *testing.T) {
	h := newHarness()
	_, err := h.svc.SendToUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, h.mailer.sent, 1)
	assert.Equal(t, "alice@example.com", h.mailer.sent[0].To)

	_, err = h.svc.SendToUser(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.svc.Send(ctx, "alice@example.com")
	require.NoError(t, err)

	require.NoError(t, h.svc.Verify(ctx, "ALICE@example.com", "123456"))
	assert.ErrorIs(t, h.svc.Verify(ctx, "alice@example.com", "123456"), ErrOTPNotFound)
}

func TestVerify_AttemptCap(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.svc.Send(ctx, "alice@example.com")
	require.NoError(t, err)

	assert.ErrorIs(t, h.svc.Verify(ctx, "alice@example.com", "000000"), ErrInvalidOTP)
	assert.ErrorIs(t, h.svc.Verify(ctx, "alice@example.com", "000001"), ErrInvalidOTP)
	assert.ErrorIs(t, h.svc.Verify(ctx, "alice@example.com", "000002"), ErrTooManyAttempts)
	assert.ErrorIs(t, h.svc.Verify(ctx, "alice@example.com", "123456"), ErrOTPNotFound)
}

func TestVerify_Expired(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.svc.Send(ctx, "alice@example.com")
	require.NoError(t, err)

	h.now = h.now.Add(10*time.Minute + time.Second)
	assert.ErrorIs(t, h.svc.Verify(ctx, "alice@example.com", "123456"), ErrOTPExpired)
	assert.ErrorIs(t, h.svc.Verify(ctx, "alice@example.com", "123456"), ErrOTPNotFound)
}

func TestMemoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.Save(ctx, "old@example.com", Entry{Code: "1", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, m.Save(ctx, "new@example.com", Entry{Code: "2", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, m.MarkSent(ctx, "old@example.com", now.Add(-2*time.Minute), time.Minute))

	assert.Equal(t, 1, m.Sweep(now))

	_, err := m.Load(ctx, "old@example.com")
	assert.ErrorIs(t, err, ErrOTPNotFound)
	_, err = m.Load(ctx, "new@example.com")
	assert.NoError(t, err)
	_, ok, err := m.LastSent(ctx, "old@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}
