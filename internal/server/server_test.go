package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"quizmaster/internal/auth"
	"quizmaster/internal/models"
	"quizmaster/internal/notify"
	"quizmaster/internal/payment"
	"quizmaster/internal/services"
	"quizmaster/internal/store"
	"quizmaster/internal/verification"
)

const adminPassword = "admin@123"

type captureMailer struct {
	mu     sync.Mutex
	emails []models.Email
}

func (m *captureMailer) Send(_ context.Context, email models.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails = append(m.emails, email)
	return nil
}

func (m *captureMailer) lastCode(t *testing.T, to string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.emails) - 1; i >= 0; i-- {
		e := m.emails[i]
		if e.To == to && e.Type == models.EmailVerification {
			return e.Data["otp"].(string)
		}
	}
	t.Fatalf("no verification email for %s", to)
	return ""
}

type testServer struct {
	*httptest.Server
	srv      *Server
	accounts *services.AccountService
	game     *services.GamificationService
	mailer   *captureMailer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	ctx := context.Background()
	s := store.NewMemory()
	mailer := &captureMailer{}

	accounts := services.NewAccountService(s, logger)
	ledger := services.NewLedger(s, logger)
	game := services.NewGamificationService(s, logger)
	wallet := services.NewWalletService(accounts, ledger, game, services.DefaultWalletLimits(), logger)
	questions := services.NewQuestionService(s, logger)
	require.NoError(t, questions.Seed(ctx))
	notifier := notify.NewNotifier(s, mailer, 5, logger)
	competitions := services.NewCompetitionService(s, accounts, wallet, notifier, services.DefaultCompetitionPolicy(), logger)
	quiz := services.NewQuizService(s, questions, wallet, game, services.DefaultQuizRules(), logger)
	otp := verification.NewService(verification.NewMemoryStore(), mailer, accounts, verification.DefaultConfig(), logger)
	checkout := payment.NewCheckout(s, wallet, payment.Config{
		Currency:     "INR",
		MerchantName: "QuizMaster",
		MinAmount:    wallet.Limits().MinDeposit,
		MaxAmount:    wallet.Limits().MaxDeposit,
	}, logger)

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	require.NoError(t, err)

	srv := NewServer(Services{
		Accounts:     accounts,
		Wallet:       wallet,
		Ledger:       ledger,
		Questions:    questions,
		Competitions: competitions,
		Game:         game,
		Quiz:         quiz,
		OTP:          otp,
		Checkout:     checkout,
	}, Options{
		Tokens:         auth.NewIssuer("0123456789abcdef0123456789abcdef", time.Hour),
		Admin:          auth.AdminCredentials{Username: "admin", PasswordHash: string(hash)},
		AllowedOrigins: []string{"*"},
	}, logger)

	ts := &testServer{
		Server:   httptest.NewServer(srv.Handler()),
		srv:      srv,
		accounts: accounts,
		game:     game,
		mailer:   mailer,
	}
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return ts
}

type reply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (ts *testServer) call(t *testing.T, method, path, token string, body any) (int, reply) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out reply
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func decodeData[T any](t *testing.T, r reply) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(r.Data, &v))
	return v
}

func (ts *testServer) register(t *testing.T, name string) (token, userID string) {
	t.Helper()
	status, r := ts.call(t, http.MethodPost, "/api/register", "", map[string]string{
		"username": name,
		"email":    name + "@example.com",
		"password": "secret123",
	})
	require.Equal(t, http.StatusCreated, status, r.Error)
	out := decodeData[struct {
		Token string         `json:"token"`
		User  models.Profile `json:"user"`
	}](t, r)
	return out.Token, out.User.ID
}

func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()
	status, r := ts.call(t, http.MethodPost, "/api/admin/login", "", map[string]string{
		"username": "admin",
		"password": adminPassword,
	})
	require.Equal(t, http.StatusOK, status, r.Error)
	return decodeData[session](t, r).Token
}

func TestHandleWebSocket(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, alice := ts.register(t, "alice")
	_, bob := ts.register(t, "bob")
	_, err := ts.game.AddExperience(ctx, alice, 40)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer c.Close()

	var leaderboard []models.LeaderboardEntry
	require.NoError(t, c.ReadJSON(&leaderboard))
	require.Len(t, leaderboard, 1)
	assert.Equal(t, alice, leaderboard[0].UserID)
	assert.Equal(t, "alice", leaderboard[0].Username)

	_, err = ts.game.AddExperience(ctx, bob, 90)
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	for len(leaderboard) < 2 {
		require.NoError(t, c.ReadJSON(&leaderboard))
	}
	assert.Equal(t, bob, leaderboard[0].UserID)
	assert.Equal(t, 90, leaderboard[0].TotalExperience)
}

func TestRegisterVerifyAndLogin(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.register(t, "alice")

	status, r := ts.call(t, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, status)
	me := decodeData[models.Profile](t, r)
	assert.Equal(t, "alice@example.com", me.Email)
	assert.False(t, me.EmailVerified)
	assert.NotContains(t, string(r.Data), "password")

	status, _ = ts.call(t, http.MethodPost, "/api/otp/verify", "", map[string]string{
		"email": "alice@example.com",
		"code":  "not-it",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	code := ts.mailer.lastCode(t, "alice@example.com")
	status, r = ts.call(t, http.MethodPost, "/api/otp/verify", "", map[string]string{
		"email": "alice@example.com",
		"code":  code,
	})
	require.Equal(t, http.StatusOK, status, r.Error)

	_, r = ts.call(t, http.MethodGet, "/api/me", token, nil)
	assert.True(t, decodeData[models.Profile](t, r).EmailVerified)

	status, r = ts.call(t, http.MethodPost, "/api/register", "", map[string]string{
		"username": "imposter",
		"email":    "ALICE@example.com",
		"password": "secret123",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, r.Success)

	status, _ = ts.call(t, http.MethodPost, "/api/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, r = ts.call(t, http.MethodPost, "/api/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "secret123",
	})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, decodeData[session](t, r).Token)
}

func TestOTPCooldown(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.call(t, http.MethodPost, "/api/otp/send", "", map[string]string{"email": "carol@example.com"})
	require.Equal(t, http.StatusOK, status)

	status, r := ts.call(t, http.MethodPost, "/api/otp/send", "", map[string]string{"email": "carol@example.com"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, r.Error, "too recently")

	status, _ = ts.call(t, http.MethodPost, "/api/otp/send", "", map[string]string{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestQuizFlow(t *testing.T) {
	ts := newTestServer(t)
	token, userID := ts.register(t, "alice")
	admin := ts.adminToken(t)

	status, r := ts.call(t, http.MethodPost, "/api/quiz/start", token, nil)
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, services.ErrInsufficientBalance.Error(), r.Error)

	status, r = ts.call(t, http.MethodPut, "/api/admin/users/"+userID+"/balance", admin, map[string]any{"balance": 100})
	require.Equal(t, http.StatusOK, status, r.Error)

	status, r = ts.call(t, http.MethodPost, "/api/quiz/start", token, nil)
	require.Equal(t, http.StatusCreated, status, r.Error)
	started := decodeData[services.StartedQuiz](t, r)
	assert.Len(t, started.Questions, 5)
	assert.NotContains(t, string(r.Data), "correct_option")

	path := fmt.Sprintf("/api/quiz/%s/complete", started.SessionID)
	status, r = ts.call(t, http.MethodPost, path, token, map[string]any{"answers": []services.Answer{}})
	require.Equal(t, http.StatusOK, status, r.Error)
	outcome := decodeData[services.QuizOutcome](t, r)
	assert.Equal(t, 0, outcome.Result.Score)
	assert.Equal(t, 50, outcome.Experience)

	status, _ = ts.call(t, http.MethodPost, path, token, map[string]any{"answers": []services.Answer{}})
	assert.Equal(t, http.StatusNotFound, status)

	_, r = ts.call(t, http.MethodGet, "/api/me", token, nil)
	assert.Equal(t, "95", decodeData[models.Profile](t, r).Balance.String())

	_, r = ts.call(t, http.MethodGet, "/api/me/quizzes", token, nil)
	assert.Len(t, decodeData[[]models.QuizResult](t, r), 1)

	_, r = ts.call(t, http.MethodGet, "/api/me/transactions", token, nil)
	page := decodeData[services.TransactionPage](t, r)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, models.TransactionQuizFee, page.Transactions[0].Type)
	assert.Equal(t, "-5", page.Transactions[0].Amount.String())

	_, r = ts.call(t, http.MethodGet, "/api/admin/quiz-stats", admin, nil)
	stats := decodeData[services.QuizStatistics](t, r)
	assert.Equal(t, 1, stats.TotalQuizzes)
	assert.Equal(t, userID, stats.MostActiveUserID)

	_, r = ts.call(t, http.MethodGet, "/api/leaderboard", "", nil)
	board := decodeData[[]models.LeaderboardEntry](t, r)
	require.NotEmpty(t, board)
	assert.Equal(t, userID, board[0].UserID)
}

func TestWalletCheckout(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.register(t, "alice")

	status, _ := ts.call(t, http.MethodPost, "/api/wallet/checkout", token, map[string]any{"amount": 5})
	assert.Equal(t, http.StatusBadRequest, status)

	status, r := ts.call(t, http.MethodPost, "/api/wallet/checkout", token, map[string]any{"amount": "500"})
	require.Equal(t, http.StatusCreated, status, r.Error)
	order := decodeData[payment.Order](t, r)
	assert.Equal(t, int64(50000), order.AmountMinorUnits)

	confirm := payment.Confirmation{OrderID: order.ID, PaymentID: "pay_1", Success: false}
	status, _ = ts.call(t, http.MethodPost, "/api/wallet/deposit", token, confirm)
	assert.Equal(t, http.StatusPaymentRequired, status)

	confirm.Success = true
	status, r = ts.call(t, http.MethodPost, "/api/wallet/deposit", token, confirm)
	require.Equal(t, http.StatusOK, status, r.Error)
	assert.Contains(t, string(r.Data), `"balance":"500"`)

	status, _ = ts.call(t, http.MethodPost, "/api/wallet/deposit", token, confirm)
	assert.Equal(t, http.StatusConflict, status)

	status, r = ts.call(t, http.MethodPost, "/api/wallet/withdraw", token, map[string]any{
		"amount":  200,
		"details": models.PayoutDetails{Method: services.PayoutUPI, UPIID: "alice@upi"},
	})
	require.Equal(t, http.StatusOK, status, r.Error)
	assert.Contains(t, string(r.Data), `"balance":"300"`)
}

func TestCompetitionRoutes(t *testing.T) {
	ts := newTestServer(t)
	token, userID := ts.register(t, "alice")
	admin := ts.adminToken(t)
	_, err := ts.accounts.SetBalance(context.Background(), userID, services.DefaultWalletLimits().MinDeposit)
	require.NoError(t, err)

	now := time.Now().UTC()
	status, r := ts.call(t, http.MethodPost, "/api/admin/competitions", admin, map[string]any{
		"title":            "Weekly Cup",
		"start_time":       now.Add(-time.Hour),
		"end_time":         now.Add(time.Hour),
		"entry_fee":        "10",
		"prize_money":      "50",
		"max_participants": 10,
	})
	require.Equal(t, http.StatusCreated, status, r.Error)
	comp := decodeData[services.CompetitionView](t, r)
	assert.Equal(t, models.CompetitionActive, comp.Status)

	status, _ = ts.call(t, http.MethodPost, "/api/competitions/"+comp.ID+"/score", token, map[string]int{"score": 90})
	assert.Equal(t, http.StatusForbidden, status)

	status, r = ts.call(t, http.MethodPost, "/api/competitions/"+comp.ID+"/join", token, nil)
	require.Equal(t, http.StatusOK, status, r.Error)
	status, _ = ts.call(t, http.MethodPost, "/api/competitions/"+comp.ID+"/join", token, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, r = ts.call(t, http.MethodPost, "/api/competitions/"+comp.ID+"/score", token, map[string]int{"score": 90})
	require.Equal(t, http.StatusOK, status, r.Error)
	assert.True(t, decodeData[models.Participant](t, r).PrizeAwarded)

	_, r = ts.call(t, http.MethodGet, "/api/admin/competitions/"+comp.ID+"/participants", admin, nil)
	assert.Len(t, decodeData[[]models.Participant](t, r), 1)

	_, r = ts.call(t, http.MethodGet, "/api/me", token, nil)
	assert.Equal(t, "140", decodeData[models.Profile](t, r).Balance.String())

	_, r = ts.call(t, http.MethodGet, "/api/admin/revenue", admin, nil)
	report := decodeData[services.RevenueReport](t, r)
	assert.Equal(t, "10", report.QuizFees.String())
	assert.Equal(t, "50", report.QuizWins.String())

	status, _ = ts.call(t, http.MethodGet, "/api/competitions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminGuard(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.register(t, "alice")

	status, _ := ts.call(t, http.MethodGet, "/api/admin/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.call(t, http.MethodGet, "/api/admin/users", token, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = ts.call(t, http.MethodPost, "/api/admin/login", "", map[string]string{"username": "admin", "password": "guess"})
	assert.Equal(t, http.StatusUnauthorized, status)

	admin := ts.adminToken(t)
	status, r := ts.call(t, http.MethodGet, "/api/admin/users", admin, nil)
	require.Equal(t, http.StatusOK, status)
	users := decodeData[[]models.Profile](t, r)
	require.Len(t, users, 1)

	status, _ = ts.call(t, http.MethodGet, "/api/me", admin, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = ts.call(t, http.MethodDelete, "/api/admin/users/"+users[0].ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = ts.call(t, http.MethodDelete, "/api/admin/users/"+users[0].ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminQuestionsAndTransactions(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.adminToken(t)

	status, r := ts.call(t, http.MethodPost, "/api/admin/questions", admin, map[string]any{
		"text":           "2 + 2?",
		"options":        []string{"3", "4", "5", "22"},
		"correct_option": 1,
	})
	require.Equal(t, http.StatusCreated, status, r.Error)
	q := decodeData[models.Question](t, r)

	status, _ = ts.call(t, http.MethodPost, "/api/admin/questions", admin, map[string]any{
		"text":    "missing options",
		"options": []string{"a"},
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, r = ts.call(t, http.MethodPut, "/api/admin/questions/"+q.ID, admin, map[string]any{"text": "2 + 3?", "correct_option": 2})
	require.Equal(t, http.StatusOK, status, r.Error)
	assert.Equal(t, "2 + 3?", decodeData[models.Question](t, r).Text)

	status, _ = ts.call(t, http.MethodDelete, "/api/admin/questions/"+q.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = ts.call(t, http.MethodGet, "/api/admin/transactions?from=yesterday", admin, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, r = ts.call(t, http.MethodGet, "/api/admin/transactions?type=quiz_fee&page=2", admin, nil)
	require.Equal(t, http.StatusOK, status, r.Error)
	page := decodeData[services.TransactionPage](t, r)
	assert.Equal(t, 2, page.Page)
	assert.Empty(t, page.Transactions)
}

func TestMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/register", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, _ := ts.call(t, http.MethodPost, "/api/login", "", map[string]string{"email": "a@b.co", "extra": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealthAndPreflight(t *testing.T) {
	ts := newTestServer(t)
	status, r := ts.call(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, r.Success)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/quiz/start", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://quiz.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://quiz.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	status, _ = ts.call(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRateLimiter(t *testing.T) {
	l := newRateLimiter(2, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("1.2.3.4"))
	assert.True(t, l.allow("1.2.3.4"))
	assert.False(t, l.allow("1.2.3.4"))
	assert.True(t, l.allow("5.6.7.8"))

	now = now.Add(30 * time.Second)
	assert.True(t, l.allow("1.2.3.4"))

	now = now.Add(10 * time.Minute)
	l.allow("9.9.9.9")
	l.mu.Lock()
	assert.Len(t, l.visitors, 1)
	l.mu.Unlock()

	h := l.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	h.ServeHTTP(rec, req)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestStatusFor(t *testing.T) {
	wrapped := fmt.Errorf("wrap: %w", services.ErrValidation)
	cases := map[error]int{
		store.ErrNotFound:               http.StatusNotFound,
		wrapped:                         http.StatusBadRequest,
		services.ErrInsufficientBalance: http.StatusPaymentRequired,
		services.ErrCompetitionFull:     http.StatusConflict,
		services.ErrNotRegistered:       http.StatusForbidden,
		verification.ErrTooManyAttempts: http.StatusTooManyRequests,
		verification.ErrDeliveryFailed:  http.StatusBadGateway,
		auth.ErrInvalidToken:            http.StatusUnauthorized,
		errors.New("boom"):              http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
