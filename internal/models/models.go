package models

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID            string          `json:"id"`
	Username      string          `json:"username"`
	Email         string          `json:"email"`
	PasswordHash  string          `json:"password_hash"`
	Balance       decimal.Decimal `json:"balance"`
	EmailVerified bool            `json:"email_verified"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Profile is the user as exposed over the API, without credentials.
type Profile struct {
	ID            string          `json:"id"`
	Username      string          `json:"username"`
	Email         string          `json:"email"`
	Balance       decimal.Decimal `json:"balance"`
	EmailVerified bool            `json:"email_verified"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (u User) Profile() Profile {
	return Profile{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		Balance:       u.Balance,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
	}
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidEmail reports whether addr looks like a deliverable address.
func ValidEmail(addr string) bool {
	return emailPattern.MatchString(addr)
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

type Question struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	Options       []string   `json:"options"`
	CorrectOption int        `json:"correct_option"`
	Category      string     `json:"category,omitempty"`
	Difficulty    Difficulty `json:"difficulty,omitempty"`
}

// PublicQuestion is a question handed to a player, without the answer key.
type PublicQuestion struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Options    []string   `json:"options"`
	Category   string     `json:"category,omitempty"`
	Difficulty Difficulty `json:"difficulty,omitempty"`
}

func (q Question) Public() PublicQuestion {
	return PublicQuestion{
		ID:         q.ID,
		Text:       q.Text,
		Options:    q.Options,
		Category:   q.Category,
		Difficulty: q.Difficulty,
	}
}

// NoAnswer marks a question left unanswered or timed out.
const NoAnswer = -1

type QuizResult struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Score      int       `json:"score"`
	DatePlayed time.Time `json:"date_played"`
	Questions  []string  `json:"questions"`
	Answers    []int     `json:"answers"`
}

type QuizSession struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	QuestionIDs []string  `json:"question_ids"`
	StartedAt   time.Time `json:"started_at"`
	// Completing is set while a completion is in flight.
	Completing  bool      `json:"completing,omitempty"`
}

type TransactionType string

const (
	TransactionAddFunds   TransactionType = "add_funds"
	TransactionQuizFee    TransactionType = "quiz_fee"
	TransactionQuizWin    TransactionType = "quiz_win"
	TransactionWithdrawal TransactionType = "withdrawal"
)

// Credit reports whether the type adds money to a balance.
func (t TransactionType) Credit() bool {
	return t == TransactionAddFunds || t == TransactionQuizWin
}

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionAddFunds, TransactionQuizFee, TransactionQuizWin, TransactionWithdrawal:
		return true
	}
	return false
}

type PayoutDetails struct {
	Method        string `json:"method"`
	AccountHolder string `json:"account_holder,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	IFSCCode      string `json:"ifsc_code,omitempty"`
	PANNumber     string `json:"pan_number,omitempty"`
	UPIID         string `json:"upi_id,omitempty"`
}

type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Type      TransactionType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Reference string          `json:"reference,omitempty"`
	Details   *PayoutDetails  `json:"details,omitempty"`
}

type CompetitionStatus string

const (
	CompetitionUpcoming  CompetitionStatus = "upcoming"
	CompetitionActive    CompetitionStatus = "active"
	CompetitionCompleted CompetitionStatus = "completed"
)

type Competition struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	EntryFee        decimal.Decimal `json:"entry_fee"`
	PrizeMoney      decimal.Decimal `json:"prize_money"`
	MaxParticipants int             `json:"max_participants"`
	Questions       []string        `json:"questions"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Status is derived from the schedule; it is never stored.
func (c Competition) Status(now time.Time) CompetitionStatus {
	switch {
	case now.Before(c.StartTime):
		return CompetitionUpcoming
	case now.After(c.EndTime):
		return CompetitionCompleted
	default:
		return CompetitionActive
	}
}

func (c Competition) IsActive(now time.Time) bool {
	return c.Status(now) == CompetitionActive
}

type Participant struct {
	ID            string     `json:"id"`
	CompetitionID string     `json:"competition_id"`
	UserID        string     `json:"user_id"`
	Paid          bool       `json:"paid"`
	Score         *int       `json:"score,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	PrizeAwarded  bool       `json:"prize_awarded,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type AchievementType string

const (
	AchievementQuizCount AchievementType = "quiz_count"
	AchievementScore     AchievementType = "score"
	AchievementStreak    AchievementType = "streak"
	AchievementSpecial   AchievementType = "special"
)

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

type Achievement struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Icon        string          `json:"icon"`
	Type        AchievementType `json:"type"`
	Requirement int             `json:"requirement"`
	Points      int             `json:"points"`
	Rarity      Rarity          `json:"rarity"`
}

type UserAchievement struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	UnlockedAt    time.Time `json:"unlocked_at"`
	Notified      bool      `json:"notified"`
}

type UserLevel struct {
	UserID           string `json:"user_id"`
	Level            int    `json:"level"`
	Experience       int    `json:"experience"`
	ExperienceToNext int    `json:"experience_to_next"`
	TotalExperience  int    `json:"total_experience"`
}

type UserStats struct {
	UserID            string         `json:"user_id"`
	CurrentStreak     int            `json:"current_streak"`
	LongestStreak     int            `json:"longest_streak"`
	LastQuizDate      time.Time      `json:"last_quiz_date"`
	TotalQuizzes      int            `json:"total_quizzes"`
	PerfectScores     int            `json:"perfect_scores"`
	AverageScore      float64        `json:"average_score"`
	FavoriteCategory  string         `json:"favorite_category"`
	CategoryCounts    map[string]int `json:"category_counts,omitempty"`
	FastestCompletion int            `json:"fastest_completion"`
}

type LeaderboardEntry struct {
	UserID          string  `json:"user_id"`
	Username        string  `json:"username"`
	Level           int     `json:"level"`
	TotalExperience int     `json:"total_experience"`
	AverageScore    float64 `json:"average_score"`
	TotalQuizzes    int     `json:"total_quizzes"`
}

type EmailType string

const (
	EmailVerification            EmailType = "verification"
	EmailCompetitionRegistration EmailType = "competition_registration"
)

type Email struct {
	To      string         `json:"to"`
	Subject string         `json:"subject"`
	Type    EmailType      `json:"type"`
	Data    map[string]any `json:"data"`
}

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

type Notification struct {
	ID        string             `json:"id"`
	Email     Email              `json:"email"`
	Status    NotificationStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	SentAt    *time.Time         `json:"sent_at,omitempty"`
}
