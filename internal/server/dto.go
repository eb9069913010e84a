package server

import (
	"cagewatch/internal/domain"
)

// Request payloads

type CreateCageRequest struct {
	ID       *string          `json:"id,omitempty"`
	Name     string           `json:"name" minLength:"1"`
	OwnerID  *string          `json:"owner_id,omitempty" doc:"Defaults to the caller for owners"`
	Location *domain.Location `json:"location,omitempty"`
}

type UpdateCageRequest struct {
	Name     *string          `json:"name,omitempty"`
	OwnerID  *string          `json:"owner_id,omitempty"`
	Location *domain.Location `json:"location,omitempty"`
}

type CreateUserRequest struct {
	ID    *string `json:"id,omitempty" doc:"Use the owner's login subject so their token maps to this record"`
	Name  string  `json:"name" minLength:"1"`
	Email *string `json:"email,omitempty" format:"email"`
	Phone *string `json:"phone,omitempty"`
}

type UpdateUserRequest struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty" format:"email"`
	Phone *string `json:"phone,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id" minLength:"1" doc:"Device identity"`
	Name    *string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

// IngestResponse carries either a relocation (abnormal) or a message (normal).
type IngestResponse struct {
	Move        *domain.RelocationTarget `json:"move,omitempty"`
	AlertID     string                   `json:"alert_id,omitempty"`
	Explanation string                   `json:"explanation,omitempty"`
	Message     string                   `json:"message,omitempty"`
}

type CreateAPIKeyResponse struct {
	domain.APIKey
	Key string `json:"key" doc:"Plaintext key; shown once"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type cageList struct {
	Items []domain.Cage `json:"items"`
}

type ownerList struct {
	Items []domain.Owner `json:"items"`
}

type alertList struct {
	Items []domain.Alert `json:"items"`
}

type apiKeyList struct {
	Items []domain.APIKey `json:"items"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
