package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quizmaster/internal/models"
	"quizmaster/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingQueue struct {
	mu     sync.Mutex
	emails []models.Email
	err    error
}

func (q *recordingQueue) Enqueue(_ context.Context, email models.Email) (models.Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return models.Notification{}, q.err
	}
	q.emails = append(q.emails, email)
	return models.Notification{Email: email, Status: models.NotificationSent}, nil
}

type testEnv struct {
	store        *store.Memory
	clock        *fakeClock
	accounts     *AccountService
	ledger       *Ledger
	game         *GamificationService
	wallet       *WalletService
	questions    *QuestionService
	competitions *CompetitionService
	quiz         *QuizService
	mail         *recordingQueue
}

func newTestEnv(t *testing.T, policy CompetitionPolicy) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	s := store.NewMemory()
	clock := newFakeClock()

	env := &testEnv{store: s, clock: clock, mail: &recordingQueue{}}
	env.accounts = NewAccountService(s, logger)
	env.accounts.Now = clock.Now
	env.ledger = NewLedger(s, logger)
	env.ledger.Now = clock.Now
	env.game = NewGamificationService(s, logger)
	env.game.Now = clock.Now
	env.wallet = NewWalletService(env.accounts, env.ledger, env.game, DefaultWalletLimits(), logger)
	env.questions = NewQuestionService(s, logger)
	env.competitions = NewCompetitionService(s, env.accounts, env.wallet, env.mail, policy, logger)
	env.competitions.Now = clock.Now
	env.quiz = NewQuizService(s, env.questions, env.wallet, env.game, DefaultQuizRules(), logger)
	env.quiz.Now = clock.Now
	return env
}

func (e *testEnv) user(t *testing.T, name string, balance int64) models.User {
	t.Helper()
	ctx := context.Background()
	u, err := e.accounts.Register(ctx, name, name+"@example.com", "secret123")
	require.NoError(t, err)
	if balance > 0 {
		u, err = e.accounts.SetBalance(ctx, u.ID, decimal.NewFromInt(balance))
		require.NoError(t, err)
	}
	return u
}
