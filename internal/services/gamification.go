package services

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"quizmaster/internal/metrics"
	"quizmaster/internal/models"
	"quizmaster/internal/store"
)

const (
	DefaultLeaderboardSize = 10
	perfectScore           = 100
	unknownUsername        = "Unknown"
)

var catalog = []models.Achievement{
	{ID: "first_quiz", Title: "Getting Started", Description: "Complete your first quiz", Icon: "Play", Type: models.AchievementQuizCount, Requirement: 1, Points: 10, Rarity: models.RarityCommon},
	{ID: "quiz_master", Title: "Quiz Master", Description: "Complete 10 quizzes", Icon: "Brain", Type: models.AchievementQuizCount, Requirement: 10, Points: 50, Rarity: models.RarityRare},
	{ID: "perfect_score", Title: "Perfectionist", Description: "Score 100% on a quiz", Icon: "Star", Type: models.AchievementScore, Requirement: 100, Points: 25, Rarity: models.RarityRare},
	{ID: "streak_3", Title: "On Fire", Description: "Play quizzes 3 days in a row", Icon: "Flame", Type: models.AchievementStreak, Requirement: 3, Points: 30, Rarity: models.RarityRare},
	{ID: "streak_7", Title: "Unstoppable", Description: "Play quizzes 7 days in a row", Icon: "Zap", Type: models.AchievementStreak, Requirement: 7, Points: 75, Rarity: models.RarityEpic},
	{ID: "high_scorer", Title: "High Scorer", Description: "Score 90% or higher on a quiz", Icon: "Trophy", Type: models.AchievementScore, Requirement: 90, Points: 20, Rarity: models.RarityCommon},
	{ID: "speed_demon", Title: "Speed Demon", Description: "Complete a quiz in under 2 minutes", Icon: "Timer", Type: models.AchievementSpecial, Requirement: 120, Points: 40, Rarity: models.RarityEpic},
	{ID: "legend", Title: "Quiz Legend", Description: "Complete 50 quizzes", Icon: "Crown", Type: models.AchievementQuizCount, Requirement: 50, Points: 200, Rarity: models.RarityLegendary},
}

// Catalog returns the static achievement list.
func Catalog() []models.Achievement {
	out := make([]models.Achievement, len(catalog))
	copy(out, catalog)
	return out
}

func findAchievement(id string) (models.Achievement, bool) {
	for _, a := range catalog {
		if a.ID == id {
			return a, true
		}
	}
	return models.Achievement{}, false
}

// ExperienceToNext is the experience needed to advance from level to level+1.
func ExperienceToNext(level int) int {
	if level < 1 {
		level = 1
	}
	return int(math.Floor(100 * math.Pow(1.5, float64(level-1))))
}

func newUserLevel(userID string) models.UserLevel {
	return models.UserLevel{UserID: userID, Level: 1, ExperienceToNext: ExperienceToNext(1)}
}

// LeaderboardCache is satisfied by cache.Leaderboard.
type LeaderboardCache interface {
	Get(ctx context.Context, limit int) ([]models.LeaderboardEntry, bool, error)
	Set(ctx context.Context, limit int, entries []models.LeaderboardEntry) error
	Invalidate(ctx context.Context) error
}

type Progress struct {
	Level        models.UserLevel         `json:"level"`
	Stats        models.UserStats         `json:"stats"`
	Achievements []models.UserAchievement `json:"achievements"`
}

type GamificationService struct {
	users    *store.Table[models.User]
	levels   *store.Table[models.UserLevel]
	stats    *store.Table[models.UserStats]
	unlocked *store.Table[models.UserAchievement]
	cache    LeaderboardCache
	changed  func()
	logger   *zap.Logger

	Now func() time.Time
	// Location decides where calendar days start for streaks.
	Location *time.Location
}

func NewGamificationService(s store.Store, logger *zap.Logger) *GamificationService {
	return &GamificationService{
		users:    store.NewTable[models.User](s, usersCollection),
		levels:   store.NewTable[models.UserLevel](s, userLevelsCollection),
		stats:    store.NewTable[models.UserStats](s, userStatsCollection),
		unlocked: store.NewTable[models.UserAchievement](s, userAchievementsCollection),
		logger:   logger,
		Now:      time.Now,
		Location: time.UTC,
	}
}

func (g *GamificationService) UseCache(c LeaderboardCache) {
	g.cache = c
}

// OnLeaderboardChange registers fn to run after any experience award.
func (g *GamificationService) OnLeaderboardChange(fn func()) {
	g.changed = fn
}

// GetUserLevel returns the level record, creating it at level 1 on first use.
func (g *GamificationService) GetUserLevel(ctx context.Context, userID string) (models.UserLevel, error) {
	lvl, err := g.levels.Get(ctx, userID)
	if err == nil {
		return lvl, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.UserLevel{}, err
	}
	lvl = newUserLevel(userID)
	if err := g.levels.Insert(ctx, userID, lvl); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return g.levels.Get(ctx, userID)
		}
		return models.UserLevel{}, err
	}
	return lvl, nil
}

// AddExperience awards points and rolls over as many levels as they cover.
func (g *GamificationService) AddExperience(ctx context.Context, userID string, points int) (models.UserLevel, error) {
	if points < 0 {
		return models.UserLevel{}, invalid("experience points cannot be negative")
	}
	if points == 0 {
		// Nothing to award, and a fresh record would put the user on the board.
		lvl, err := g.levels.Get(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return newUserLevel(userID), nil
		}
		return lvl, err
	}
	lvl, err := g.levels.Mutate(ctx, userID, func(l *models.UserLevel, exists bool) error {
		if !exists {
			*l = newUserLevel(userID)
		}
		l.Experience += points
		l.TotalExperience += points
		for l.Experience >= l.ExperienceToNext {
			l.Experience -= l.ExperienceToNext
			l.Level++
			l.ExperienceToNext = ExperienceToNext(l.Level)
		}
		return nil
	})
	if err != nil {
		return models.UserLevel{}, err
	}
	metrics.ExperienceAwarded.Add(float64(points))
	g.leaderboardChanged(ctx)
	return lvl, nil
}

func (g *GamificationService) leaderboardChanged(ctx context.Context) {
	if g.cache != nil {
		if err := g.cache.Invalidate(ctx); err != nil {
			g.logger.Warn("failed to invalidate leaderboard cache", zap.Error(err))
		}
	}
	if g.changed != nil {
		g.changed()
	}
}

// GetUserStats returns the stored stats, or an empty record for users who
// have never finished a quiz.
func (g *GamificationService) GetUserStats(ctx context.Context, userID string) (models.UserStats, error) {
	st, err := g.stats.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.UserStats{UserID: userID}, nil
	}
	return st, err
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// UpdateUserStats folds one completed quiz into the user's stats. It is
// called exactly once per completion.
func (g *GamificationService) UpdateUserStats(ctx context.Context, userID string, score int, category string, completionSeconds int) (models.UserStats, error) {
	loc := g.Location
	if loc == nil {
		loc = time.UTC
	}
	now := g.Now().In(loc)
	return g.stats.Mutate(ctx, userID, func(st *models.UserStats, exists bool) error {
		if !exists {
			*st = models.UserStats{UserID: userID}
		}

		switch {
		case st.LastQuizDate.IsZero():
			st.CurrentStreak = 1
		case sameDay(st.LastQuizDate.In(loc), now):
			if st.CurrentStreak == 0 {
				st.CurrentStreak = 1
			}
		case sameDay(st.LastQuizDate.In(loc), now.AddDate(0, 0, -1)):
			st.CurrentStreak++
		default:
			st.CurrentStreak = 1
		}
		if st.CurrentStreak > st.LongestStreak {
			st.LongestStreak = st.CurrentStreak
		}
		st.LastQuizDate = now

		st.TotalQuizzes++
		n := float64(st.TotalQuizzes)
		st.AverageScore = (st.AverageScore*(n-1) + float64(score)) / n
		if score == perfectScore {
			st.PerfectScores++
		}
		if completionSeconds > 0 && (st.FastestCompletion == 0 || completionSeconds < st.FastestCompletion) {
			st.FastestCompletion = completionSeconds
		}

		if category != "" {
			if st.CategoryCounts == nil {
				st.CategoryCounts = make(map[string]int)
			}
			st.CategoryCounts[category]++
			if st.CategoryCounts[category] > st.CategoryCounts[st.FavoriteCategory] {
				st.FavoriteCategory = category
			}
		}
		return nil
	})
}

func unlockKey(userID, achievementID string) string {
	return userID + ":" + achievementID
}

// UnlockAchievement records the achievement and awards its points. A repeat
// call returns the existing record with unlocked=false and awards nothing.
func (g *GamificationService) UnlockAchievement(ctx context.Context, userID, achievementID string) (models.UserAchievement, bool, error) {
	a, ok := findAchievement(achievementID)
	if !ok {
		return models.UserAchievement{}, false, ErrUnknownAchievement
	}
	key := unlockKey(userID, achievementID)
	ua := models.UserAchievement{
		ID:            key,
		UserID:        userID,
		AchievementID: achievementID,
		UnlockedAt:    g.Now().UTC(),
	}
	if err := g.unlocked.Insert(ctx, key, ua); err != nil {
		if errors.Is(err, store.ErrConflict) {
			existing, err := g.unlocked.Get(ctx, key)
			return existing, false, err
		}
		return models.UserAchievement{}, false, err
	}
	metrics.AchievementsUnlocked.WithLabelValues(achievementID).Inc()
	g.logger.Info("achievement unlocked", zap.String("user_id", userID), zap.String("achievement_id", achievementID))

	if _, err := g.AddExperience(ctx, userID, a.Points); err != nil {
		return ua, true, err
	}
	return ua, true, nil
}

func (g *GamificationService) UserAchievements(ctx context.Context, userID string) ([]models.UserAchievement, error) {
	return g.unlocked.Filter(ctx, func(ua models.UserAchievement) bool { return ua.UserID == userID })
}

func qualifies(a models.Achievement, st models.UserStats, score *int) bool {
	switch a.Type {
	case models.AchievementQuizCount:
		return st.TotalQuizzes >= a.Requirement
	case models.AchievementStreak:
		return st.CurrentStreak >= a.Requirement
	case models.AchievementSpecial:
		return st.FastestCompletion > 0 && st.FastestCompletion <= a.Requirement
	case models.AchievementScore:
		return score != nil && *score >= a.Requirement
	default:
		return false
	}
}

// CheckAchievements unlocks every catalog entry the user now qualifies for.
// score is the quiz just completed; nil skips score achievements.
func (g *GamificationService) CheckAchievements(ctx context.Context, userID string, score *int) ([]models.Achievement, error) {
	st, err := g.GetUserStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	have, err := g.UserAchievements(ctx, userID)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(have))
	for _, ua := range have {
		owned[ua.AchievementID] = true
	}

	var unlocked []models.Achievement
	for _, a := range catalog {
		if owned[a.ID] || !qualifies(a, st, score) {
			continue
		}
		_, fresh, err := g.UnlockAchievement(ctx, userID, a.ID)
		if err != nil {
			return unlocked, err
		}
		if fresh {
			unlocked = append(unlocked, a)
		}
	}
	return unlocked, nil
}

// Leaderboard ranks users with a level record by total experience.
func (g *GamificationService) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardSize
	}
	if g.cache != nil {
		entries, ok, err := g.cache.Get(ctx, limit)
		if err != nil {
			g.logger.Warn("leaderboard cache read failed", zap.Error(err))
		} else if ok {
			return entries, nil
		}
	}

	levels, err := g.levels.All(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := g.stats.All(ctx)
	if err != nil {
		return nil, err
	}
	users, err := g.users.All(ctx)
	if err != nil {
		return nil, err
	}
	statsByUser := make(map[string]models.UserStats, len(stats))
	for _, st := range stats {
		statsByUser[st.UserID] = st
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}

	entries := make([]models.LeaderboardEntry, 0, len(levels))
	for _, lvl := range levels {
		name, ok := names[lvl.UserID]
		if !ok {
			name = unknownUsername
		}
		st := statsByUser[lvl.UserID]
		entries = append(entries, models.LeaderboardEntry{
			UserID:          lvl.UserID,
			Username:        name,
			Level:           lvl.Level,
			TotalExperience: lvl.TotalExperience,
			AverageScore:    st.AverageScore,
			TotalQuizzes:    st.TotalQuizzes,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TotalExperience > entries[j].TotalExperience
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, limit, entries); err != nil {
			g.logger.Warn("leaderboard cache write failed", zap.Error(err))
		}
	}
	return entries, nil
}

// Progress is a read-only view; unlike GetUserLevel it never creates a level
// record, so looking at a profile does not put the user on the leaderboard.
func (g *GamificationService) Progress(ctx context.Context, userID string) (Progress, error) {
	lvl, err := g.levels.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		lvl = newUserLevel(userID)
	} else if err != nil {
		return Progress{}, err
	}
	st, err := g.GetUserStats(ctx, userID)
	if err != nil {
		return Progress{}, err
	}
	achievements, err := g.UserAchievements(ctx, userID)
	if err != nil {
		return Progress{}, err
	}
	return Progress{Level: lvl, Stats: st, Achievements: achievements}, nil
}
