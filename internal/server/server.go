package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quizmaster/internal/auth"
	"quizmaster/internal/metrics"
	"quizmaster/internal/payment"
	"quizmaster/internal/services"
	"quizmaster/internal/verification"
)

// Services is everything the HTTP layer calls into.
type Services struct {
	Accounts     *services.AccountService
	Wallet       *services.WalletService
	Ledger       *services.Ledger
	Questions    *services.QuestionService
	Competitions *services.CompetitionService
	Game         *services.GamificationService
	Quiz         services.QuizServiceInterface
	OTP          *verification.Service
	Checkout     *payment.Checkout
}

type Options struct {
	Tokens          *auth.Issuer
	Admin           auth.AdminCredentials
	AllowedOrigins  []string
	RateLimit       int
	RateLimitWindow time.Duration
}

type Server struct {
	Router  *mux.Router
	origins []string
	svc     Services
	tokens  *auth.Issuer
	admin   auth.AdminCredentials
	hub     *hub
	logger  *zap.Logger
}

func NewServer(svc Services, opts Options, logger *zap.Logger) *Server {
	s := &Server{
		Router:  mux.NewRouter(),
		origins: opts.AllowedOrigins,
		svc:     svc,
		tokens:  opts.Tokens,
		admin:   opts.Admin,
		logger:  logger,
	}
	s.hub = newHub(svc.Game, originChecker(opts.AllowedOrigins), logger)
	svc.Game.OnLeaderboardChange(func() {
		go s.hub.broadcast(context.Background())
	})

	s.Router.Use(s.recoverer, metrics.Middleware)
	s.Router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusNotFound, "not found")
	})
	s.Router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.Router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.Router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.Router.HandleFunc("/ws", s.hub.handleWebSocket)

	api := s.Router.PathPrefix("/api").Subrouter()
	if opts.RateLimit > 0 && opts.RateLimitWindow > 0 {
		api.Use(newRateLimiter(opts.RateLimit, opts.RateLimitWindow).middleware)
	}
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/admin/login", s.handleAdminLogin).Methods(http.MethodPost)
	api.HandleFunc("/achievements", s.handleAchievements).Methods(http.MethodGet)
	api.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	api.HandleFunc("/competitions", s.handleListCompetitions).Methods(http.MethodGet)
	api.HandleFunc("/competitions/{id}", s.handleGetCompetition).Methods(http.MethodGet)
	api.HandleFunc("/otp/send", s.handleSendOTP).Methods(http.MethodPost)
	api.HandleFunc("/otp/verify", s.handleVerifyOTP).Methods(http.MethodPost)

	user := api.NewRoute().Subrouter()
	user.Use(s.requireRole(auth.RoleUser))
	user.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	user.HandleFunc("/me/transactions", s.handleMyTransactions).Methods(http.MethodGet)
	user.HandleFunc("/me/quizzes", s.handleMyQuizzes).Methods(http.MethodGet)
	user.HandleFunc("/me/progress", s.handleMyProgress).Methods(http.MethodGet)
	user.HandleFunc("/me/verify-email", s.handleSendMyOTP).Methods(http.MethodPost)
	user.HandleFunc("/wallet/checkout", s.handleCheckout).Methods(http.MethodPost)
	user.HandleFunc("/wallet/deposit", s.handleDeposit).Methods(http.MethodPost)
	user.HandleFunc("/wallet/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	user.HandleFunc("/quiz/start", s.handleStartQuiz).Methods(http.MethodPost)
	user.HandleFunc("/quiz/{id}/complete", s.handleCompleteQuiz).Methods(http.MethodPost)
	user.HandleFunc("/competitions/{id}/join", s.handleJoinCompetition).Methods(http.MethodPost)
	user.HandleFunc("/competitions/{id}/score", s.handleSubmitScore).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireRole(auth.RoleAdmin))
	admin.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}", s.handleDeleteUser).Methods(http.MethodDelete)
	admin.HandleFunc("/users/{id}/balance", s.handleSetBalance).Methods(http.MethodPut)
	admin.HandleFunc("/questions", s.handleListQuestions).Methods(http.MethodGet)
	admin.HandleFunc("/questions", s.handleAddQuestion).Methods(http.MethodPost)
	admin.HandleFunc("/questions/{id}", s.handleUpdateQuestion).Methods(http.MethodPut)
	admin.HandleFunc("/questions/{id}", s.handleDeleteQuestion).Methods(http.MethodDelete)
	admin.HandleFunc("/competitions", s.handleCreateCompetition).Methods(http.MethodPost)
	admin.HandleFunc("/competitions/{id}", s.handleUpdateCompetition).Methods(http.MethodPut)
	admin.HandleFunc("/competitions/{id}", s.handleDeleteCompetition).Methods(http.MethodDelete)
	admin.HandleFunc("/competitions/{id}/participants", s.handleParticipants).Methods(http.MethodGet)
	admin.HandleFunc("/transactions", s.handleSearchTransactions).Methods(http.MethodGet)
	admin.HandleFunc("/revenue", s.handleRevenue).Methods(http.MethodGet)
	admin.HandleFunc("/quiz-stats", s.handleQuizStats).Methods(http.MethodGet)

	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Handler is the router wrapped in CORS handling. Preflight requests are
// answered before routing, so they never reach the method-restricted routes.
func (s *Server) Handler() http.Handler {
	return cors(s.origins)(s.Router)
}

// Close disconnects every websocket client.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"websocket_clients": s.hub.size(),
	})
}
