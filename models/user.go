package models

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	Username     string         `json:"username" gorm:"uniqueIndex;not null"`
	Email        string         `json:"email" gorm:"uniqueIndex;not null"`
	Password     string         `json:"-" gorm:"not null"`
	DisplayName  string         `json:"display_name" gorm:"not null"`
	Level        int            `json:"level" gorm:"not null;default:1"`
	Experience   int            `json:"experience" gorm:"not null;default:0"`
	TotalScore   int            `json:"total_score" gorm:"not null;default:0;index"`
	GamesPlayed  int            `json:"games_played" gorm:"not null;default:0"`
	LastLoginAt  *time.Time     `json:"last_login_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"-" gorm:"index"`

	// Relationships
	GameSessions []GameSession `json:"game_sessions,omitempty" gorm:"foreignKey:UserID"`
}

// GameSession is the durable per-player record written once a room finishes.
type GameSession struct {
	ID                uint      `json:"id" gorm:"primaryKey"`
	UserID            uint      `json:"user_id" gorm:"not null;index"`
	GameType          string    `json:"game_type" gorm:"not null;default:'multiplayer'"`
	RoomCode          string    `json:"room_code"`
	Score             int       `json:"score" gorm:"not null;default:0"`
	Accuracy          float64   `json:"accuracy"`
	TimeSpent         int       `json:"time_spent"` // seconds
	QuestionsAnswered int       `json:"questions_answered"`
	CorrectAnswers    int       `json:"correct_answers"`
	Subject           string    `json:"subject"`
	Class             int       `json:"class"`
	Difficulty        string    `json:"difficulty"`
	Completed         bool      `json:"completed" gorm:"not null;default:false"`
	ExperienceGained  int       `json:"experience_gained"`
	CreatedAt         time.Time `json:"created_at"`

	// Relationships
	User User `json:"user,omitempty"`
}
