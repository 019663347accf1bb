package services

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quizmaster/internal/metrics"
	"quizmaster/internal/models"
	"quizmaster/internal/store"
)

const (
	baseAnswerExperience = 20
	completionExperience = 50
	maxCombo             = 3.0
)

type QuizServiceInterface interface {
	Start(ctx context.Context, userID string) (StartedQuiz, error)
	Complete(ctx context.Context, sessionID, userID string, answers []Answer) (QuizOutcome, error)
	History(ctx context.Context, userID string) ([]models.QuizResult, error)
	Statistics(ctx context.Context) (QuizStatistics, error)
}

type QuizRules struct {
	Fee                decimal.Decimal
	Prize              decimal.Decimal
	HighScoreThreshold int
	QuestionCount      int
	QuestionTime       time.Duration
}

func DefaultQuizRules() QuizRules {
	return QuizRules{
		Fee:                decimal.NewFromInt(5),
		Prize:              decimal.NewFromInt(10),
		HighScoreThreshold: 80,
		QuestionCount:      5,
		QuestionTime:       30 * time.Second,
	}
}

type Answer struct {
	QuestionID  string `json:"question_id"`
	Option      int    `json:"option"`
	SecondsLeft int    `json:"seconds_left"`
}

type StartedQuiz struct {
	SessionID          string                  `json:"session_id"`
	Questions          []models.PublicQuestion `json:"questions"`
	SecondsPerQuestion int                     `json:"seconds_per_question"`
	Fee                decimal.Decimal         `json:"fee"`
}

type QuizOutcome struct {
	Result          models.QuizResult    `json:"result"`
	Correct         int                  `json:"correct"`
	Total           int                  `json:"total"`
	Experience      int                  `json:"experience"`
	Level           models.UserLevel     `json:"level"`
	NewAchievements []models.Achievement `json:"new_achievements"`
	Prize           decimal.Decimal      `json:"prize"`
}

type QuizStatistics struct {
	TotalQuizzes     int     `json:"total_quizzes"`
	AverageScore     float64 `json:"average_score"`
	MostActiveUserID string  `json:"most_active_user_id"`
}

type QuizService struct {
	sessions  *store.Table[models.QuizSession]
	results   *store.Table[models.QuizResult]
	questions *QuestionService
	wallet    *WalletService
	game      *GamificationService
	rules     QuizRules
	logger    *zap.Logger
	Now       func() time.Time
}

func NewQuizService(s store.Store, questions *QuestionService, wallet *WalletService, game *GamificationService, rules QuizRules, logger *zap.Logger) *QuizService {
	return &QuizService{
		sessions:  store.NewTable[models.QuizSession](s, quizSessionsCollection),
		results:   store.NewTable[models.QuizResult](s, quizResultsCollection),
		questions: questions,
		wallet:    wallet,
		game:      game,
		rules:     rules,
		logger:    logger,
		Now:       time.Now,
	}
}

// Start charges the entry fee and deals a fresh set of questions.
func (s *QuizService) Start(ctx context.Context, userID string) (StartedQuiz, error) {
	user, err := s.wallet.accounts.Get(ctx, userID)
	if err != nil {
		return StartedQuiz{}, err
	}
	if user.Balance.LessThan(s.rules.Fee) {
		return StartedQuiz{}, ErrInsufficientBalance
	}
	picked, err := s.questions.RandomSample(ctx, s.rules.QuestionCount)
	if err != nil {
		return StartedQuiz{}, err
	}
	if len(picked) == 0 {
		return StartedQuiz{}, invalid("question bank is empty")
	}

	session := models.QuizSession{
		ID:        uuid.New().String(),
		UserID:    userID,
		StartedAt: s.Now().UTC(),
	}
	public := make([]models.PublicQuestion, 0, len(picked))
	for _, q := range picked {
		session.QuestionIDs = append(session.QuestionIDs, q.ID)
		public = append(public, q.Public())
	}

	if s.rules.Fee.IsPositive() {
		if _, _, err := s.wallet.Charge(ctx, userID, s.rules.Fee, models.TransactionQuizFee, "quiz:"+session.ID); err != nil {
			return StartedQuiz{}, err
		}
	}
	if err := s.sessions.Insert(ctx, session.ID, session); err != nil {
		s.logger.Error("quiz fee charged but session not saved", zap.String("user_id", userID), zap.Error(err))
		return StartedQuiz{}, err
	}
	s.logger.Info("quiz started", zap.String("user_id", userID), zap.String("session_id", session.ID))
	return StartedQuiz{
		SessionID:          session.ID,
		Questions:          public,
		SecondsPerQuestion: int(s.rules.QuestionTime / time.Second),
		Fee:                s.rules.Fee,
	}, nil
}

// answerExperience scores one correct answer. run is the number of correct
// answers immediately before it and combo the current multiplier.
func answerExperience(secondsLeft, run int, combo float64) int {
	return baseAnswerExperience + secondsLeft/3 + run*5 + int(math.Floor(combo*10))
}

func completionBonus(score int) int {
	bonus := completionExperience
	switch {
	case score >= 90:
		bonus += 100
	case score >= 70:
		bonus += 50
	}
	return bonus
}

// Complete grades a session and applies every consequence of finishing a
// quiz. A session can only be completed once.
func (s *QuizService) Complete(ctx context.Context, sessionID, userID string, answers []Answer) (QuizOutcome, error) {
	session, err := s.sessions.Update(ctx, sessionID, func(v *models.QuizSession) error {
		if v.UserID != userID || v.Completing {
			return store.ErrNotFound
		}
		v.Completing = true
		return nil
	})
	if err != nil {
		return QuizOutcome{}, err
	}
	// Until the result is stored the session stays retryable.
	release := func() {
		if _, err := s.sessions.Update(ctx, sessionID, func(v *models.QuizSession) error {
			v.Completing = false
			return nil
		}); err != nil {
			s.logger.Error("failed to release quiz session", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	now := s.Now()

	byQuestion := make(map[string]Answer, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = a
	}
	maxSeconds := int(s.rules.QuestionTime / time.Second)

	var (
		correct, xp, run int
		combo            = 1.0
		category         string
		chosen           = make([]int, 0, len(session.QuestionIDs))
	)
	for i, qid := range session.QuestionIDs {
		a, ok := byQuestion[qid]
		if !ok {
			a = Answer{QuestionID: qid, Option: models.NoAnswer}
		}
		chosen = append(chosen, a.Option)

		q, err := s.questions.Get(ctx, qid)
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("question removed during quiz", zap.String("question_id", qid))
			run, combo = 0, 1.0
			continue
		} else if err != nil {
			release()
			return QuizOutcome{}, err
		}
		if i == 0 {
			category = q.Category
		}

		if a.Option == models.NoAnswer || a.Option != q.CorrectOption {
			run, combo = 0, 1.0
			continue
		}
		left := a.SecondsLeft
		if left < 0 {
			left = 0
		} else if left > maxSeconds {
			left = maxSeconds
		}
		correct++
		xp += answerExperience(left, run, combo)
		run++
		combo = math.Min(combo+0.5, maxCombo)
	}

	total := len(session.QuestionIDs)
	score := 0
	if total > 0 {
		score = int(math.Round(float64(correct) * 100 / float64(total)))
	}
	xp += completionBonus(score)

	result := models.QuizResult{
		ID:         uuid.New().String(),
		UserID:     userID,
		Score:      score,
		DatePlayed: now.UTC(),
		Questions:  session.QuestionIDs,
		Answers:    chosen,
	}
	if err := s.results.Insert(ctx, result.ID, result); err != nil {
		release()
		return QuizOutcome{}, err
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		s.logger.Warn("failed to delete completed quiz session", zap.String("session_id", sessionID), zap.Error(err))
	}
	metrics.QuizzesCompleted.Inc()

	elapsed := int(now.Sub(session.StartedAt) / time.Second)
	if elapsed < 1 {
		elapsed = 1
	}
	if _, err := s.game.UpdateUserStats(ctx, userID, score, category, elapsed); err != nil {
		return QuizOutcome{}, err
	}
	level, err := s.game.AddExperience(ctx, userID, xp)
	if err != nil {
		return QuizOutcome{}, err
	}
	unlocked, err := s.game.CheckAchievements(ctx, userID, &score)
	if err != nil {
		s.logger.Warn("achievement check failed", zap.String("user_id", userID), zap.Error(err))
	}
	if len(unlocked) > 0 {
		// Unlocks award experience, so report the level after them.
		if lvl, err := s.game.GetUserLevel(ctx, userID); err == nil {
			level = lvl
		}
	}

	outcome := QuizOutcome{
		Result:          result,
		Correct:         correct,
		Total:           total,
		Experience:      xp,
		Level:           level,
		NewAchievements: unlocked,
		Prize:           decimal.Zero,
	}
	if score >= s.rules.HighScoreThreshold && s.rules.Prize.IsPositive() {
		if _, _, err := s.wallet.Credit(ctx, userID, s.rules.Prize, models.TransactionQuizWin, "quiz:"+result.ID); err != nil {
			return outcome, err
		}
		outcome.Prize = s.rules.Prize
	}
	s.logger.Info("quiz completed",
		zap.String("user_id", userID),
		zap.String("result_id", result.ID),
		zap.Int("score", score),
		zap.Int("experience", xp))
	return outcome, nil
}

// History returns the user's results, newest first.
func (s *QuizService) History(ctx context.Context, userID string) ([]models.QuizResult, error) {
	results, err := s.results.Filter(ctx, func(r models.QuizResult) bool { return r.UserID == userID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].DatePlayed.After(results[j].DatePlayed) })
	return results, nil
}

func (s *QuizService) Statistics(ctx context.Context) (QuizStatistics, error) {
	results, err := s.results.All(ctx)
	if err != nil {
		return QuizStatistics{}, err
	}
	stats := QuizStatistics{TotalQuizzes: len(results)}
	if len(results) == 0 {
		return stats, nil
	}
	sum := 0
	counts := make(map[string]int)
	best := 0
	for _, r := range results {
		sum += r.Score
		counts[r.UserID]++
		if counts[r.UserID] > best {
			best = counts[r.UserID]
			stats.MostActiveUserID = r.UserID
		}
	}
	stats.AverageScore = float64(sum) / float64(len(results))
	return stats, nil
}
