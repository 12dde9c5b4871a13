package server

import (
	"encoding/json"

	"rolegate/internal/domain"
	"rolegate/internal/engine"
)

// Request payloads

type CreateRunRequest struct {
	Title    string `json:"title,omitempty" example:"Login with SSO"`
	Topic    string `json:"topic,omitempty" example:"login-sso"`
	Sequence string `json:"sequence,omitempty" example:"007"`
	Entry    string `json:"entry,omitempty" example:"planner"`
}

type AbortRequest struct {
	Reason string `json:"reason,omitempty"`
}

type GateUpdateRequest struct {
	By        string `json:"by" example:"qa"`
	Technical string `json:"technical,omitempty" example:"passed"`
	Value     string `json:"value,omitempty" example:"passed"`
}

type MemorySearchRequest struct {
	Query string `json:"query" example:"session storage decision"`
	Limit int    `json:"limit,omitempty" minimum:"0"`
}

// Response payloads

// TransitionResponse is the outcome of advance, drive, escalate, and resolve.
type TransitionResponse struct {
	Result     engine.ResultKind           `json:"result" enum:"advanced,complete,blocked,escalated,aborted,rejected"`
	ExitCode   int                         `json:"exit_code"`
	Run        domain.Run                  `json:"run"`
	Transition *domain.Transition          `json:"transition,omitempty"`
	Missing    []domain.MissingDependency  `json:"missing,omitempty"`
	Escalation *domain.EscalationRecord    `json:"escalation,omitempty"`
	Flag       *domain.SystemicPatternFlag `json:"pattern_flag,omitempty"`
	Reason     string                      `json:"reason,omitempty"`
}

type ReleaseReadyResponse struct {
	Ready bool             `json:"ready"`
	Gates domain.GateState `json:"gates"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedRuns struct {
	Items []domain.Run `json:"items"`
}

type paginatedEscalations struct {
	Items []domain.EscalationRecord `json:"items"`
}

type paginatedPatterns struct {
	Items []domain.SystemicPatternFlag `json:"items"`
}

type paginatedMemory struct {
	Items []domain.MemoryEntry `json:"items"`
}

type paginatedConflicts struct {
	Items []domain.MemoryConflict `json:"items"`
}

type paginatedRoles struct {
	Entry string        `json:"entry"`
	Items []domain.Role `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func transitionResponse(res engine.TransitionResult) TransitionResponse {
	return TransitionResponse{
		Result:     res.Kind,
		ExitCode:   engine.ExitCode(res, nil),
		Run:        res.Run,
		Transition: res.Transition,
		Missing:    res.Missing,
		Escalation: res.Escalation,
		Flag:       res.Flag,
		Reason:     res.Reason,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
			payload = map[string]any{"raw": e.Payload}
		}
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RunID:      e.RunID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}
