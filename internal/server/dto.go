package server

import (
	"decisiondesk/internal/domain"
)

// Request payloads. Entity bodies reuse the domain input types.

type DevLoginRequest struct {
	UserID string `json:"user_id" minLength:"1"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty" maxLength:"100"`
}

// Response payloads

type DevLoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type" example:"Bearer"`
	ExpiresIn   int    `json:"expires_in" example:"43200"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key" doc:"Shown once; only its hash is stored"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type QuestionListResponse struct {
	Items []domain.Question `json:"items"`
}

type DecisionListResponse struct {
	Items []domain.Decision `json:"items"`
}

type EvidenceListResponse struct {
	Items []domain.Evidence `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
