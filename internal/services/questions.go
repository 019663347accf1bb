package services

import (
	"context"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quizmaster/internal/models"
	"quizmaster/internal/store"
)

const optionsPerQuestion = 4

type QuestionPatch struct {
	Text          *string            `json:"text"`
	Options       []string           `json:"options"`
	CorrectOption *int               `json:"correct_option"`
	Category      *string            `json:"category"`
	Difficulty    *models.Difficulty `json:"difficulty"`
}

type QuestionService struct {
	questions *store.Table[models.Question]
	logger    *zap.Logger
	shuffle   func(n int, swap func(i, j int))
}

func NewQuestionService(s store.Store, logger *zap.Logger) *QuestionService {
	return &QuestionService{
		questions: store.NewTable[models.Question](s, questionsCollection),
		logger:    logger,
		shuffle:   rand.Shuffle,
	}
}

func validateQuestion(q models.Question) error {
	if strings.TrimSpace(q.Text) == "" {
		return invalid("question text is required")
	}
	if len(q.Options) != optionsPerQuestion {
		return invalid("question needs exactly %d options, got %d", optionsPerQuestion, len(q.Options))
	}
	for i, opt := range q.Options {
		if strings.TrimSpace(opt) == "" {
			return invalid("option %d is empty", i+1)
		}
	}
	if q.CorrectOption < 0 || q.CorrectOption >= len(q.Options) {
		return invalid("correct option %d out of range", q.CorrectOption)
	}
	switch q.Difficulty {
	case "", models.DifficultyEasy, models.DifficultyMedium, models.DifficultyHard:
	default:
		return invalid("unknown difficulty %q", q.Difficulty)
	}
	return nil
}

// Add stores a new question under a freshly generated id.
func (s *QuestionService) Add(ctx context.Context, q models.Question) (models.Question, error) {
	if err := validateQuestion(q); err != nil {
		return models.Question{}, err
	}
	q.ID = uuid.New().String()
	if err := s.questions.Insert(ctx, q.ID, q); err != nil {
		return models.Question{}, err
	}
	s.logger.Info("question added", zap.String("question_id", q.ID), zap.String("category", q.Category))
	return q, nil
}

// Update merges patch into the stored question. Unknown ids yield store.ErrNotFound.
func (s *QuestionService) Update(ctx context.Context, id string, patch QuestionPatch) (models.Question, error) {
	return s.questions.Update(ctx, id, func(q *models.Question) error {
		if patch.Text != nil {
			q.Text = *patch.Text
		}
		if patch.Options != nil {
			q.Options = patch.Options
		}
		if patch.CorrectOption != nil {
			q.CorrectOption = *patch.CorrectOption
		}
		if patch.Category != nil {
			q.Category = *patch.Category
		}
		if patch.Difficulty != nil {
			q.Difficulty = *patch.Difficulty
		}
		return validateQuestion(*q)
	})
}

func (s *QuestionService) Delete(ctx context.Context, id string) error {
	return s.questions.Delete(ctx, id)
}

func (s *QuestionService) Get(ctx context.Context, id string) (models.Question, error) {
	return s.questions.Get(ctx, id)
}

func (s *QuestionService) List(ctx context.Context) ([]models.Question, error) {
	return s.questions.All(ctx)
}

// RandomSample returns n distinct questions chosen uniformly at random, or all
// of them when fewer than n exist.
func (s *QuestionService) RandomSample(ctx context.Context, n int) ([]models.Question, error) {
	all, err := s.questions.All(ctx)
	if err != nil {
		return nil, err
	}
	s.shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if n < 0 {
		n = 0
	}
	if n < len(all) {
		all = all[:n]
	}
	return all, nil
}

// Seed fills an empty question bank with the starter set.
func (s *QuestionService) Seed(ctx context.Context) error {
	existing, err := s.questions.All(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	seed := starterQuestions()
	for i := range seed {
		seed[i].ID = uuid.New().String()
	}
	if err := s.questions.Replace(ctx, seed, func(q models.Question) string { return q.ID }); err != nil {
		return err
	}
	s.logger.Info("question bank seeded", zap.Int("count", len(seed)))
	return nil
}

func starterQuestions() []models.Question {
	return []models.Question{
		{Text: "What is the capital of France?", Options: []string{"London", "Berlin", "Paris", "Madrid"}, CorrectOption: 2, Category: "Geography", Difficulty: models.DifficultyEasy},
		{Text: "Who painted the Mona Lisa?", Options: []string{"Vincent van Gogh", "Leonardo da Vinci", "Pablo Picasso", "Michelangelo"}, CorrectOption: 1, Category: "Art", Difficulty: models.DifficultyEasy},
		{Text: "What is the chemical symbol for gold?", Options: []string{"Go", "Gd", "Au", "Ag"}, CorrectOption: 2, Category: "Science", Difficulty: models.DifficultyEasy},
		{Text: "Which planet is known as the Red Planet?", Options: []string{"Venus", "Mars", "Jupiter", "Mercury"}, CorrectOption: 1, Category: "Astronomy", Difficulty: models.DifficultyEasy},
		{Text: "What is the largest ocean on Earth?", Options: []string{"Atlantic Ocean", "Indian Ocean", "Arctic Ocean", "Pacific Ocean"}, CorrectOption: 3, Category: "Geography", Difficulty: models.DifficultyMedium},
	}
}
