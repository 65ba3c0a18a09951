package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"quizarena/models"
)

// QuestionSource supplies ready-made question content for a game. The
// orchestrator consumes the returned list verbatim and never regenerates it
// mid-game.
type QuestionSource interface {
	FetchQuestions(ctx context.Context, settings models.RoomSettings) ([]models.Question, error)
}

// HTTPQuestionService fetches questions from the external question-supply
// service over HTTP.
type HTTPQuestionService struct {
	baseURL string
	client  *http.Client
}

func NewHTTPQuestionService(baseURL string) *HTTPQuestionService {
	return &HTTPQuestionService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type questionRequest struct {
	Subject    string `json:"subject"`
	Class      int    `json:"class"`
	Difficulty string `json:"difficulty"`
	Count      int    `json:"count"`
}

type questionResponse struct {
	Questions []models.Question `json:"questions"`
}

func (s *HTTPQuestionService) FetchQuestions(ctx context.Context, settings models.RoomSettings) ([]models.Question, error) {
	body, err := json.Marshal(questionRequest{
		Subject:    settings.Subject,
		Class:      settings.Class,
		Difficulty: settings.Difficulty,
		Count:      settings.NumberOfQuestions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal question request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/questions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrQuestionSupply, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrQuestionSupply, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", models.ErrQuestionSupply, resp.StatusCode)
	}

	var qr questionResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrQuestionSupply, err)
	}

	if len(qr.Questions) == 0 {
		return nil, fmt.Errorf("%w: empty question list", models.ErrQuestionSupply)
	}
	if len(qr.Questions) > settings.NumberOfQuestions {
		qr.Questions = qr.Questions[:settings.NumberOfQuestions]
	}
	return qr.Questions, nil
}
