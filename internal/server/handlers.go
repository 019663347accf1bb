package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quizmaster/internal/auth"
	"quizmaster/internal/models"
	"quizmaster/internal/payment"
	"quizmaster/internal/services"
	"quizmaster/internal/store"
)

// adminSubject is the user id carried by admin tokens.
const adminSubject = "admin"

type session struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	User      *models.Profile `json:"user,omitempty"`
}

func (s *Server) issueUserSession(u models.User) (session, error) {
	token, expires, err := s.tokens.Issue(u.ID, u.Email, auth.RoleUser)
	if err != nil {
		return session{}, err
	}
	p := u.Profile()
	return session{Token: token, ExpiresAt: expires, User: &p}, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.svc.Accounts.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.issueUserSession(user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	verificationSent := true
	if _, err := s.svc.OTP.Send(r.Context(), user.Email); err != nil {
		s.logger.Warn("verification code not sent after registration", zap.String("user_id", user.ID), zap.Error(err))
		verificationSent = false
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":             sess.Token,
		"expires_at":        sess.ExpiresAt,
		"user":              sess.User,
		"verification_sent": verificationSent,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.svc.Accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.issueUserSession(user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.admin.Check(req.Username, req.Password) {
		s.logger.Warn("admin login rejected", zap.String("username", req.Username), zap.String("ip", clientIP(r)))
		s.writeError(w, r, services.ErrInvalidCredentials)
		return
	}
	token, expires, err := s.tokens.Issue(adminSubject, "", auth.RoleAdmin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session{Token: token, ExpiresAt: expires})
}

func (s *Server) handleAchievements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, services.Catalog())
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", services.DefaultLeaderboardSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.svc.Game.Leaderboard(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListCompetitions(w http.ResponseWriter, r *http.Request) {
	comps, err := s.svc.Competitions.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]services.CompetitionView, 0, len(comps))
	for _, c := range comps {
		views = append(views, s.svc.Competitions.View(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetCompetition(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Competitions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Competitions.View(c))
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	expires, err := s.svc.OTP.Send(r.Context(), req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expires_at": expires})
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.OTP.Verify(r.Context(), req.Email, req.Code); err != nil {
		s.writeError(w, r, err)
		return
	}

	// Codes can be verified before an account exists.
	user, err := s.svc.Accounts.GetByEmail(r.Context(), req.Email)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.writeError(w, r, err)
		return
	default:
		if _, err := s.svc.Accounts.MarkEmailVerified(r.Context(), user.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.svc.Accounts.Get(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Profile())
}

func (s *Server) handleMyTransactions(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.svc.Ledger.Search(r.Context(), services.TransactionFilter{UserID: currentUserID(r)}, page, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMyQuizzes(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.Quiz.History(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleMyProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.svc.Game.Progress(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleSendMyOTP(w http.ResponseWriter, r *http.Request) {
	expires, err := s.svc.OTP.SendToUser(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expires_at": expires})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.svc.Accounts.Get(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.svc.Checkout.CreateOrder(r.Context(), user, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var conf payment.Confirmation
	if err := decodeBody(w, r, &conf); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.svc.Checkout.Confirm(r.Context(), currentUserID(r), conf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBalance(w, r, tx)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount  decimal.Decimal      `json:"amount"`
		Details models.PayoutDetails `json:"details"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, tx, err := s.svc.Wallet.Withdraw(r.Context(), currentUserID(r), req.Amount, req.Details)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx, "balance": user.Balance})
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, tx models.Transaction) {
	user, err := s.svc.Accounts.Get(r.Context(), tx.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx, "balance": user.Balance})
}

func (s *Server) handleStartQuiz(w http.ResponseWriter, r *http.Request) {
	started, err := s.svc.Quiz.Start(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, started)
}

func (s *Server) handleCompleteQuiz(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answers []services.Answer `json:"answers"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	outcome, err := s.svc.Quiz.Complete(r.Context(), mux.Vars(r)["id"], currentUserID(r), req.Answers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleJoinCompetition(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Competitions.Join(r.Context(), mux.Vars(r)["id"], currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSubmitScore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score int `json:"score"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Competitions.SubmitScore(r.Context(), mux.Vars(r)["id"], currentUserID(r), req.Score)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.Accounts.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	profiles := make([]models.Profile, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, u.Profile())
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Accounts.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.svc.Accounts.SetBalance(r.Context(), mux.Vars(r)["id"], req.Balance)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("balance overwritten by admin", zap.String("user_id", user.ID), zap.String("balance", user.Balance.String()))
	writeJSON(w, http.StatusOK, user.Profile())
}

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := s.svc.Questions.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (s *Server) handleAddQuestion(w http.ResponseWriter, r *http.Request) {
	var q models.Question
	if err := decodeBody(w, r, &q); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.svc.Questions.Add(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	var patch services.QuestionPatch
	if err := decodeBody(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.svc.Questions.Update(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Questions.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateCompetition(w http.ResponseWriter, r *http.Request) {
	var c models.Competition
	if err := decodeBody(w, r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Competitions.Create(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.svc.Competitions.View(c))
}

func (s *Server) handleUpdateCompetition(w http.ResponseWriter, r *http.Request) {
	var patch services.CompetitionPatch
	if err := decodeBody(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Competitions.Update(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Competitions.View(c))
}

func (s *Server) handleDeleteCompetition(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Competitions.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.svc.Competitions.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	ps, err := s.svc.Competitions.Participants(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleSearchTransactions(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "page_size", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from, err := queryDate(r, "from")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := queryDate(r, "to")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := services.TransactionFilter{
		UserID: q.Get("user_id"),
		Type:   models.TransactionType(q.Get("type")),
		From:   from,
		To:     to,
	}
	result, err := s.svc.Ledger.Search(r.Context(), filter, page, pageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRevenue(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Ledger.RevenueByType(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleQuizStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Quiz.Statistics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
