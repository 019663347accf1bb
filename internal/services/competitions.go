package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quizmaster/internal/models"
	"quizmaster/internal/store"
)

// EmailQueue accepts an email for best-effort delivery.
type EmailQueue interface {
	Enqueue(ctx context.Context, email models.Email) (models.Notification, error)
}

type CompetitionPolicy struct {
	// AllowDuplicateRegistrations makes RegisterParticipant create a new
	// record on every call instead of returning the existing one.
	AllowDuplicateRegistrations bool
	PrizeThreshold              int
}

func DefaultCompetitionPolicy() CompetitionPolicy {
	return CompetitionPolicy{PrizeThreshold: 80}
}

type CompetitionPatch struct {
	Title           *string          `json:"title"`
	Description     *string          `json:"description"`
	StartTime       *time.Time       `json:"start_time"`
	EndTime         *time.Time       `json:"end_time"`
	EntryFee        *decimal.Decimal `json:"entry_fee"`
	PrizeMoney      *decimal.Decimal `json:"prize_money"`
	MaxParticipants *int             `json:"max_participants"`
	Questions       []string         `json:"questions"`
}

// CompetitionView is a competition with its status resolved against a clock.
type CompetitionView struct {
	models.Competition
	Status models.CompetitionStatus `json:"status"`
}

type CompetitionService struct {
	competitions *store.Table[models.Competition]
	participants *store.Table[models.Participant]
	keys         *store.Table[indexEntry]
	accounts     *AccountService
	wallet       *WalletService
	mail         EmailQueue
	policy       CompetitionPolicy
	logger       *zap.Logger
	Now          func() time.Time
}

func NewCompetitionService(s store.Store, accounts *AccountService, wallet *WalletService, mail EmailQueue, policy CompetitionPolicy, logger *zap.Logger) *CompetitionService {
	return &CompetitionService{
		competitions: store.NewTable[models.Competition](s, competitionsCollection),
		participants: store.NewTable[models.Participant](s, participantsCollection),
		keys:         store.NewTable[indexEntry](s, participantKeysCollection),
		accounts:     accounts,
		wallet:       wallet,
		mail:         mail,
		policy:       policy,
		logger:       logger,
		Now:          time.Now,
	}
}

func validateCompetition(c models.Competition) error {
	switch {
	case strings.TrimSpace(c.Title) == "":
		return invalid("competition title is required")
	case c.StartTime.IsZero() || c.EndTime.IsZero():
		return invalid("competition start and end time are required")
	case !c.EndTime.After(c.StartTime):
		return invalid("competition must end after it starts")
	case c.EntryFee.IsNegative():
		return invalid("entry fee cannot be negative")
	case c.PrizeMoney.IsNegative():
		return invalid("prize money cannot be negative")
	case c.MaxParticipants < 0:
		return invalid("max participants cannot be negative")
	}
	return nil
}

func (s *CompetitionService) View(c models.Competition) CompetitionView {
	return CompetitionView{Competition: c, Status: c.Status(s.Now())}
}

func (s *CompetitionService) Create(ctx context.Context, c models.Competition) (models.Competition, error) {
	if err := validateCompetition(c); err != nil {
		return models.Competition{}, err
	}
	c.ID = uuid.New().String()
	c.CreatedAt = s.Now().UTC()
	if c.Questions == nil {
		c.Questions = []string{}
	}
	if err := s.competitions.Insert(ctx, c.ID, c); err != nil {
		return models.Competition{}, err
	}
	s.logger.Info("competition created", zap.String("competition_id", c.ID), zap.String("title", c.Title))
	return c, nil
}

func (s *CompetitionService) Update(ctx context.Context, id string, patch CompetitionPatch) (models.Competition, error) {
	return s.competitions.Update(ctx, id, func(c *models.Competition) error {
		if patch.Title != nil {
			c.Title = *patch.Title
		}
		if patch.Description != nil {
			c.Description = *patch.Description
		}
		if patch.StartTime != nil {
			c.StartTime = *patch.StartTime
		}
		if patch.EndTime != nil {
			c.EndTime = *patch.EndTime
		}
		if patch.EntryFee != nil {
			c.EntryFee = *patch.EntryFee
		}
		if patch.PrizeMoney != nil {
			c.PrizeMoney = *patch.PrizeMoney
		}
		if patch.MaxParticipants != nil {
			c.MaxParticipants = *patch.MaxParticipants
		}
		if patch.Questions != nil {
			c.Questions = patch.Questions
		}
		return validateCompetition(*c)
	})
}

func (s *CompetitionService) Delete(ctx context.Context, id string) error {
	return s.competitions.Delete(ctx, id)
}

func (s *CompetitionService) Get(ctx context.Context, id string) (models.Competition, error) {
	return s.competitions.Get(ctx, id)
}

func (s *CompetitionService) List(ctx context.Context) ([]models.Competition, error) {
	return s.competitions.All(ctx)
}

func (s *CompetitionService) Participants(ctx context.Context, competitionID string) ([]models.Participant, error) {
	return s.participants.Filter(ctx, func(p models.Participant) bool { return p.CompetitionID == competitionID })
}

func participantKey(competitionID, userID string) string {
	return competitionID + ":" + userID
}

// RegisterParticipant creates an unpaid registration. Unless duplicates are
// allowed, a second call for the same pair returns the first record.
func (s *CompetitionService) RegisterParticipant(ctx context.Context, competitionID, userID string) (models.Participant, error) {
	if _, err := s.competitions.Get(ctx, competitionID); err != nil {
		return models.Participant{}, err
	}
	p := models.Participant{
		ID:            uuid.New().String(),
		CompetitionID: competitionID,
		UserID:        userID,
		CreatedAt:     s.Now().UTC(),
	}
	if err := s.participants.Insert(ctx, p.ID, p); err != nil {
		return models.Participant{}, err
	}
	if s.policy.AllowDuplicateRegistrations {
		return p, nil
	}

	key := participantKey(competitionID, userID)
	err := s.keys.Insert(ctx, key, indexEntry{ID: p.ID})
	if err == nil {
		return p, nil
	}
	if delErr := s.participants.Delete(ctx, p.ID); delErr != nil {
		s.logger.Warn("failed to drop losing registration", zap.String("participant_id", p.ID), zap.Error(delErr))
	}
	if !errors.Is(err, store.ErrConflict) {
		return models.Participant{}, err
	}
	entry, err := s.keys.Get(ctx, key)
	if err != nil {
		return models.Participant{}, err
	}
	return s.participants.Get(ctx, entry.ID)
}

// findParticipant returns the user's registration, preferring a paid one
// when several exist.
func (s *CompetitionService) findParticipant(ctx context.Context, competitionID, userID string) (models.Participant, error) {
	if entry, err := s.keys.Get(ctx, participantKey(competitionID, userID)); err == nil {
		return s.participants.Get(ctx, entry.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.Participant{}, err
	}
	matches, err := s.participants.Filter(ctx, func(p models.Participant) bool {
		return p.CompetitionID == competitionID && p.UserID == userID
	})
	if err != nil {
		return models.Participant{}, err
	}
	if len(matches) == 0 {
		return models.Participant{}, store.ErrNotFound
	}
	for _, p := range matches {
		if p.Paid {
			return p, nil
		}
	}
	return matches[0], nil
}

// Join registers the user, charges the entry fee and marks the registration
// paid. The confirmation email is queued afterwards and never fails the join.
func (s *CompetitionService) Join(ctx context.Context, competitionID, userID string) (models.Participant, error) {
	c, err := s.competitions.Get(ctx, competitionID)
	if err != nil {
		return models.Participant{}, err
	}
	if c.Status(s.Now()) == models.CompetitionCompleted {
		return models.Participant{}, ErrCompetitionClosed
	}

	existing, err := s.findParticipant(ctx, competitionID, userID)
	switch {
	case err == nil && existing.Paid:
		return models.Participant{}, ErrAlreadyRegistered
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return models.Participant{}, err
	}

	if c.MaxParticipants > 0 {
		all, err := s.Participants(ctx, competitionID)
		if err != nil {
			return models.Participant{}, err
		}
		paid := 0
		for _, p := range all {
			if p.Paid {
				paid++
			}
		}
		if paid >= c.MaxParticipants {
			return models.Participant{}, ErrCompetitionFull
		}
	}

	p := existing
	if p.ID == "" {
		if p, err = s.RegisterParticipant(ctx, competitionID, userID); err != nil {
			return models.Participant{}, err
		}
		if p.Paid {
			return models.Participant{}, ErrAlreadyRegistered
		}
	}

	if c.EntryFee.IsPositive() {
		if _, _, err := s.wallet.Charge(ctx, userID, c.EntryFee, models.TransactionQuizFee, "competition:"+c.ID); err != nil {
			return models.Participant{}, err
		}
	}
	p, err = s.participants.Update(ctx, p.ID, func(p *models.Participant) error {
		p.Paid = true
		return nil
	})
	if err != nil {
		s.logger.Error("entry fee charged but registration not marked paid",
			zap.String("competition_id", competitionID), zap.String("user_id", userID), zap.Error(err))
		return models.Participant{}, err
	}
	s.logger.Info("competition joined", zap.String("competition_id", competitionID), zap.String("user_id", userID))

	s.sendRegistrationEmail(ctx, c, userID)
	return p, nil
}

func (s *CompetitionService) sendRegistrationEmail(ctx context.Context, c models.Competition, userID string) {
	if s.mail == nil {
		return
	}
	user, err := s.accounts.Get(ctx, userID)
	if err != nil {
		s.logger.Warn("registration email skipped", zap.String("user_id", userID), zap.Error(err))
		return
	}
	_, err = s.mail.Enqueue(ctx, models.Email{
		To:      user.Email,
		Subject: "Competition Registration Confirmed: " + c.Title,
		Type:    models.EmailCompetitionRegistration,
		Data: map[string]any{
			"username":         user.Username,
			"competitionTitle": c.Title,
			"startTime":        c.StartTime.Format(time.RFC3339),
			"endTime":          c.EndTime.Format(time.RFC3339),
			"entryFee":         c.EntryFee.String(),
			"prizeMoney":       c.PrizeMoney.String(),
		},
	})
	if err != nil {
		s.logger.Warn("failed to queue registration email",
			zap.String("competition_id", c.ID), zap.String("user_id", userID), zap.Error(err))
	}
}

// SubmitScore records the user's result for an active competition and pays
// the prize at most once when the score reaches the threshold.
func (s *CompetitionService) SubmitScore(ctx context.Context, competitionID, userID string, score int) (models.Participant, error) {
	if score < 0 || score > perfectScore {
		return models.Participant{}, invalid("score must be between 0 and %d", perfectScore)
	}
	c, err := s.competitions.Get(ctx, competitionID)
	if err != nil {
		return models.Participant{}, err
	}
	now := s.Now()
	if !c.IsActive(now) {
		return models.Participant{}, ErrCompetitionClosed
	}
	existing, err := s.findParticipant(ctx, competitionID, userID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !existing.Paid) {
		return models.Participant{}, ErrNotRegistered
	} else if err != nil {
		return models.Participant{}, err
	}

	var payPrize bool
	p, err := s.participants.Update(ctx, existing.ID, func(p *models.Participant) error {
		completed := now.UTC()
		sc := score
		p.Score = &sc
		p.CompletedAt = &completed
		payPrize = !p.PrizeAwarded && score >= s.policy.PrizeThreshold && c.PrizeMoney.IsPositive()
		if payPrize {
			p.PrizeAwarded = true
		}
		return nil
	})
	if err != nil {
		return models.Participant{}, err
	}
	if !payPrize {
		return p, nil
	}

	if _, _, err := s.wallet.Credit(ctx, userID, c.PrizeMoney, models.TransactionQuizWin, "competition:"+c.ID); err != nil {
		s.logger.Error("competition prize payout failed",
			zap.String("competition_id", c.ID), zap.String("user_id", userID), zap.Error(err))
		if _, rerr := s.participants.Update(ctx, p.ID, func(p *models.Participant) error {
			p.PrizeAwarded = false
			return nil
		}); rerr != nil {
			s.logger.Error("failed to release prize claim", zap.String("participant_id", p.ID), zap.Error(rerr))
		}
		return models.Participant{}, err
	}
	s.logger.Info("competition prize awarded",
		zap.String("competition_id", c.ID), zap.String("user_id", userID), zap.Int("score", score))
	return p, nil
}
