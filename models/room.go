package models

import (
	"crypto/rand"
	"sort"
	"time"
)

// Room status lifecycle. Transitions only ever move forward
// (waiting -> starting -> in-progress -> finished), with the single exception
// that a failed start falls back from starting to waiting so the host can retry.
const (
	StatusWaiting    = "waiting"
	StatusStarting   = "starting"
	StatusInProgress = "in-progress"
	StatusFinished   = "finished"
)

// Characters used for room codes. 0/O/1/I are excluded so codes stay
// unambiguous when read aloud or typed from a screen.
const roomCodeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const RoomCodeLength = 6

type RoomSettings struct {
	Subject           string `json:"subject"`
	Class             int    `json:"class"`
	Difficulty        string `json:"difficulty"`
	NumberOfQuestions int    `json:"numberOfQuestions"`
	TimePerQuestion   int    `json:"timePerQuestion"` // seconds
}

// ApplyDefaults fills unset fields and clamps out-of-range values to the same
// bounds the room schema enforces.
func (s *RoomSettings) ApplyDefaults() {
	if s.Subject == "" {
		s.Subject = "maths"
	}
	if s.Class < 1 || s.Class > 12 {
		s.Class = 6
	}
	if s.Difficulty == "" {
		s.Difficulty = "medium"
	}
	if s.NumberOfQuestions < 1 {
		s.NumberOfQuestions = 5
	}
	if s.NumberOfQuestions > 20 {
		s.NumberOfQuestions = 20
	}
	if s.TimePerQuestion < 5 {
		s.TimePerQuestion = 30
	}
}

// Question is consumed verbatim from the question service and never altered.
// CorrectAnswer is stripped before a question goes out on the wire mid-game.
type Question struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correctAnswer,omitempty"`
	Subject       string   `json:"subject,omitempty"`
	Difficulty    string   `json:"difficulty,omitempty"`
}

// WithoutAnswer returns a copy safe to broadcast while the question is live.
func (q Question) WithoutAnswer() Question {
	q.CorrectAnswer = ""
	return q
}

// AnswerRecord is immutable once appended to a player's answer list.
type AnswerRecord struct {
	QuestionID string  `json:"questionId"`
	Answer     string  `json:"answer"`
	Correct    bool    `json:"correct"`
	TimeSpent  float64 `json:"timeSpent"` // seconds
}

type Player struct {
	UserID      uint           `json:"userId"`
	Username    string         `json:"username"`
	DisplayName string         `json:"displayName"`
	Score       int            `json:"score"`
	Ready       bool           `json:"ready"`
	Answers     []AnswerRecord `json:"answers"`
	JoinedAt    time.Time      `json:"joinedAt"`
}

// HasAnswered reports whether the player already holds a record for questionID.
func (p *Player) HasAnswered(questionID string) bool {
	for _, a := range p.Answers {
		if a.QuestionID == questionID {
			return true
		}
	}
	return false
}

// Room is one multiplayer game instance. The owning RoomSession holds the only
// mutable copy; everything handed to the hub or the store is a deep clone.
type Room struct {
	Code                 string       `json:"roomCode"`
	HostID               uint         `json:"hostId"`
	Players              []Player     `json:"players"` // slice order == join order
	Settings             RoomSettings `json:"settings"`
	Status               string       `json:"status"`
	Questions            []Question   `json:"questions,omitempty"`
	CurrentQuestionIndex int          `json:"currentQuestionIndex"`
	StartedAt            *time.Time   `json:"startedAt,omitempty"`
	FinishedAt           *time.Time   `json:"finishedAt,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
}

// NewRoom creates a waiting room with the host as its only, already-ready player.
func NewRoom(code string, host Player, settings RoomSettings, now time.Time) *Room {
	host.Ready = true
	host.JoinedAt = now
	return &Room{
		Code:      code,
		HostID:    host.UserID,
		Players:   []Player{host},
		Settings:  settings,
		Status:    StatusWaiting,
		CreatedAt: now,
	}
}

// FindPlayer returns a pointer into Players, or nil.
func (r *Room) FindPlayer(userID uint) *Player {
	for i := range r.Players {
		if r.Players[i].UserID == userID {
			return &r.Players[i]
		}
	}
	return nil
}

// AllReady reports whether every player has flagged ready.
func (r *Room) AllReady() bool {
	for i := range r.Players {
		if !r.Players[i].Ready {
			return false
		}
	}
	return true
}

// CurrentQuestion returns the live question, or nil outside in-progress bounds.
func (r *Room) CurrentQuestion() *Question {
	if r.CurrentQuestionIndex < 0 || r.CurrentQuestionIndex >= len(r.Questions) {
		return nil
	}
	return &r.Questions[r.CurrentQuestionIndex]
}

// Clone returns a deep copy. Mutating operations work on a clone and only swap
// it in after the store accepted it, so a failed write never corrupts the
// in-memory room.
func (r *Room) Clone() *Room {
	c := *r
	c.Players = make([]Player, len(r.Players))
	for i, p := range r.Players {
		c.Players[i] = p
		c.Players[i].Answers = append([]AnswerRecord(nil), p.Answers...)
	}
	c.Questions = append([]Question(nil), r.Questions...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Sanitized returns a clone with correct answers stripped from the question
// list, for room-updated broadcasts while a game is live.
func (r *Room) Sanitized() *Room {
	c := r.Clone()
	for i := range c.Questions {
		c.Questions[i].CorrectAnswer = ""
	}
	return c
}

// RankedPlayers returns players sorted by score descending; equal scores keep
// join order (earliest joiner ranks higher).
func (r *Room) RankedPlayers() []Player {
	ranked := make([]Player, len(r.Players))
	copy(ranked, r.Players)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// GenerateRoomCode returns a random 6-character code. Uniqueness is the
// caller's job: re-draw on collision against the store.
func GenerateRoomCode() string {
	buf := make([]byte, RoomCodeLength)
	rand.Read(buf)
	code := make([]byte, RoomCodeLength)
	for i, b := range buf {
		code[i] = roomCodeCharset[int(b)%len(roomCodeCharset)]
	}
	return string(code)
}
