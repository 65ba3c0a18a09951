package services

import (
	"math"

	"quizarena/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Experience rates. Multiplayer games pay a higher rate than solo play, plus a
// small bonus for games wrapped up inside a minute.
const (
	multiplayerExpPerPoint = 25
	fastGameSeconds        = 60
)

// StatsService writes the durable aftermath of a finished room: one game
// session row per player and the account counters the profile screen reads.
type StatsService struct {
	db *gorm.DB
}

func NewStatsService(db *gorm.DB) *StatsService {
	return &StatsService{db: db}
}

// CalculateExperience converts a final score into experience points.
func CalculateExperience(score int, timeSpentSeconds int) int {
	exp := score * multiplayerExpPerPoint
	if timeSpentSeconds > 0 && timeSpentSeconds < fastGameSeconds {
		exp += (fastGameSeconds - timeSpentSeconds) * 2
	}
	return exp
}

// CalculateLevel derives a level from total experience: level 1 at zero,
// each level costing quadratically more.
func CalculateLevel(experience int) int {
	if experience <= 0 {
		return 1
	}
	return int(math.Floor(math.Sqrt(float64(experience)/100))) + 1
}

// RecordGameResults persists per-player results for a finished room. Runs
// outside the room's serialization point; failures are logged, not surfaced,
// because the game itself is already over.
func (s *StatsService) RecordGameResults(room *models.Room) {
	if room.Status != models.StatusFinished {
		return
	}

	timeSpent := 0
	if room.StartedAt != nil && room.FinishedAt != nil {
		timeSpent = int(room.FinishedAt.Sub(*room.StartedAt).Seconds())
	}

	for i := range room.Players {
		player := &room.Players[i]

		correct := 0
		for _, a := range player.Answers {
			if a.Correct {
				correct++
			}
		}
		accuracy := 0.0
		if len(player.Answers) > 0 {
			accuracy = float64(correct) / float64(len(player.Answers)) * 100
		}

		expGained := CalculateExperience(player.Score, timeSpent)
		session := models.GameSession{
			UserID:            player.UserID,
			GameType:          "multiplayer",
			RoomCode:          room.Code,
			Score:             player.Score,
			Accuracy:          accuracy,
			TimeSpent:         timeSpent,
			QuestionsAnswered: len(player.Answers),
			CorrectAnswers:    correct,
			Subject:           room.Settings.Subject,
			Class:             room.Settings.Class,
			Difficulty:        room.Settings.Difficulty,
			Completed:         true,
			ExperienceGained:  expGained,
		}
		if err := s.db.Create(&session).Error; err != nil {
			log.Error().Err(err).Uint("user", player.UserID).Str("room", room.Code).
				Msg("failed to record game session")
			continue
		}

		var user models.User
		if err := s.db.First(&user, player.UserID).Error; err != nil {
			log.Error().Err(err).Uint("user", player.UserID).Msg("failed to load user for stats update")
			continue
		}
		user.TotalScore += player.Score
		user.Experience += expGained
		user.GamesPlayed++
		user.Level = CalculateLevel(user.Experience)
		if err := s.db.Save(&user).Error; err != nil {
			log.Error().Err(err).Uint("user", player.UserID).Msg("failed to update user stats")
		}
	}

	log.Info().Str("room", room.Code).Int("players", len(room.Players)).Msg("game results recorded")
}

// TopPlayers returns the leaderboard: users ordered by total score.
func (s *StatsService) TopPlayers(limit int) ([]models.User, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	var users []models.User
	err := s.db.Order("total_score DESC").Limit(limit).Find(&users).Error
	return users, err
}
