package services

// Collection names in the record store.
const (
	usersCollection            = "users"
	userEmailsCollection       = "user_emails"
	questionsCollection        = "questions"
	quizResultsCollection      = "quiz_results"
	quizSessionsCollection     = "quiz_sessions"
	transactionsCollection     = "transactions"
	competitionsCollection     = "competitions"
	participantsCollection     = "participants"
	participantKeysCollection  = "participant_keys"
	userAchievementsCollection = "user_achievements"
	userLevelsCollection       = "user_levels"
	userStatsCollection        = "user_stats"
)

// indexEntry points a secondary key at the id of the record it indexes.
type indexEntry struct {
	ID string `json:"id"`
}
