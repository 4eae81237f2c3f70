package server

import (
	"encoding/json"

	"fieldline/internal/domain"
)

type ActorResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role" enum:"top_admin,form_admin,coordinator,agent"`
	Scope     string `json:"scope,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
	CreatedAt string `json:"created_at"`
}

func actorResponse(a domain.Actor) ActorResponse {
	return ActorResponse{
		ID:        a.ID,
		Name:      a.Name,
		Role:      a.Role,
		Scope:     a.Scope,
		Phone:     a.Phone,
		Email:     a.Email,
		CreatedBy: stringOrEmpty(a.CreatedBy),
		CreatedAt: a.CreatedAt,
	}
}

type FormResponse struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Initiative string               `json:"initiative,omitempty"`
	Sections   []domain.FormSection `json:"sections,omitempty"`
	OwnerID    string               `json:"owner_id"`
	Status     string               `json:"status" enum:"draft,active,inactive"`
	CreatedAt  string               `json:"created_at"`
	UpdatedAt  string               `json:"updated_at"`
}

func formResponse(f domain.FormDefinition) FormResponse {
	resp := FormResponse{
		ID:         f.ID,
		Name:       f.Name,
		Initiative: f.Initiative,
		OwnerID:    f.OwnerID,
		Status:     f.Status,
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
	}
	if f.SectionsJSON != "" {
		_ = json.Unmarshal([]byte(f.SectionsJSON), &resp.Sections)
	}
	return resp
}

type LeadResponse struct {
	ID                    string          `json:"id"`
	FormID                string          `json:"form_id"`
	Name                  string          `json:"name"`
	Phone                 string          `json:"phone"`
	Address               string          `json:"address"`
	City                  string          `json:"city"`
	State                 string          `json:"state"`
	PostalCode            string          `json:"postal_code"`
	Status                string          `json:"status" enum:"pending,assigned,verified,rejected"`
	CoordinatorID         string          `json:"coordinator_id,omitempty"`
	AgentID               string          `json:"agent_id,omitempty"`
	CoordinatorAssignedAt string          `json:"coordinator_assigned_at,omitempty"`
	AgentAssignedAt       string          `json:"agent_assigned_at,omitempty"`
	UploadedAt            string          `json:"uploaded_at"`
	ResolvedAt            string          `json:"resolved_at,omitempty"`
	ReportRef             string          `json:"report_ref,omitempty"`
	Sections              json.RawMessage `json:"sections,omitempty"`
	Result                json.RawMessage `json:"result,omitempty"`
}

func leadResponse(l domain.Lead) LeadResponse {
	resp := LeadResponse{
		ID:                    l.ID,
		FormID:                l.FormID,
		Name:                  l.Name,
		Phone:                 l.Phone,
		Address:               l.Address,
		City:                  l.City,
		State:                 l.State,
		PostalCode:            l.PostalCode,
		Status:                l.Status,
		CoordinatorID:         stringOrEmpty(l.CoordinatorID),
		AgentID:               stringOrEmpty(l.AgentID),
		CoordinatorAssignedAt: stringOrEmpty(l.CoordinatorAssignedAt),
		AgentAssignedAt:       stringOrEmpty(l.AgentAssignedAt),
		UploadedAt:            l.UploadedAt,
		ResolvedAt:            stringOrEmpty(l.ResolvedAt),
		ReportRef:             stringOrEmpty(l.ReportRef),
	}
	if l.SectionsJSON != nil && json.Valid([]byte(*l.SectionsJSON)) {
		resp.Sections = json.RawMessage(*l.SectionsJSON)
	}
	if l.ResultJSON != nil && json.Valid([]byte(*l.ResultJSON)) {
		resp.Result = json.RawMessage(*l.ResultJSON)
	}
	return resp
}

func mapLeads(items []domain.Lead) []LeadResponse {
	res := make([]LeadResponse, 0, len(items))
	for _, l := range items {
		res = append(res, leadResponse(l))
	}
	return res
}

type paginatedLeads struct {
	Items      []LeadResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID           int64           `json:"id"`
	TS           string          `json:"ts"`
	Type         string          `json:"type"`
	FormID       string          `json:"form_id,omitempty"`
	ResourceKind string          `json:"resource_kind"`
	ResourceID   string          `json:"resource_id,omitempty"`
	ScopeKey     string          `json:"scope_key,omitempty"`
	ActorID      string          `json:"actor_id"`
	Payload      json.RawMessage `json:"payload"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:           evt.ID,
		TS:           evt.TS,
		Type:         evt.Type,
		FormID:       evt.FormID,
		ResourceKind: evt.ResourceKind,
		ResourceID:   evt.ResourceID,
		ScopeKey:     evt.ScopeKey,
		ActorID:      evt.ActorID,
		Payload:      payload,
	}
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// APIKeyResponse omits the hash; plaintext is only ever returned at mint time.
type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Scope   string `json:"scope,omitempty"`
	Source  string `json:"source,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	TTLSecs int    `json:"ttl_seconds,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
