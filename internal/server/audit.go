package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"rolegate/internal/domain"
	"rolegate/internal/engine"
	"rolegate/internal/memory"
	"rolegate/internal/repo"
)

func registerEscalations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalation records",
	}, func(ctx context.Context, input *struct {
		RunID string `query:"run_id"`
	}) (*struct {
		Body paginatedEscalations `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permRunsRead); err != nil {
			return nil, err
		}
		items, err := e.Runs.ListEscalations(input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEscalations{Items: []domain.EscalationRecord{}}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEscalations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escalation",
		Method:      http.MethodGet,
		Path:        "/escalations/{id}",
		Summary:     "Get one escalation record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.EscalationRecord `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permRunsRead); err != nil {
			return nil, err
		}
		rec, err := e.Runs.GetEscalation(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EscalationRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-patterns",
		Method:      http.MethodGet,
		Path:        "/patterns",
		Summary:     "List systemic pattern flags",
	}, func(ctx context.Context, input *struct {
		Pending bool `query:"pending"`
	}) (*struct {
		Body paginatedPatterns `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permRunsRead); err != nil {
			return nil, err
		}
		flags, err := e.PatternFlags(ctx, input.Pending)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedPatterns{Items: []domain.SystemicPatternFlag{}}
		resp.Items = append(resp.Items, flags...)
		return &struct {
			Body paginatedPatterns `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMemory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "search-memory",
		Method:      http.MethodPost,
		Path:        "/memory/search",
		Summary:     "Rank active memory entries for a query",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body MemorySearchRequest `json:"body"`
	}) (*struct {
		Body paginatedMemory `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permMemoryRead); err != nil {
			return nil, err
		}
		entries, err := e.SearchMemory(ctx, input.Body.Query, input.Body.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedMemory{Items: []domain.MemoryEntry{}}
		resp.Items = append(resp.Items, entries...)
		return &struct {
			Body paginatedMemory `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-memory-entry",
		Method:      http.MethodGet,
		Path:        "/memory/entries/{id}",
		Summary:     "Get one memory entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.MemoryEntry `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permMemoryRead); err != nil {
			return nil, err
		}
		entry, err := e.Memory.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MemoryEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-memory-conflicts",
		Method:      http.MethodGet,
		Path:        "/memory/conflicts",
		Summary:     "List memory conflicts detected by compaction",
	}, func(ctx context.Context, input *struct {
		Open bool `query:"open"`
	}) (*struct {
		Body paginatedConflicts `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permMemoryRead); err != nil {
			return nil, err
		}
		items, err := e.Memory.Conflicts(ctx, input.Open)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedConflicts{Items: []domain.MemoryConflict{}}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedConflicts `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compact-memory",
		Method:      http.MethodPost,
		Path:        "/memory/compact",
		Summary:     "Run one compaction pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body memory.Report `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permMemoryCompact); err != nil {
			return nil, err
		}
		report, err := e.Compact(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body memory.Report `json:"body"`
		}{Body: report}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RunID      string `query:"run_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permEventsRead); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilter{
			RunID: input.RunID, Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID,
			Before: before, Limit: limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List pipeline roles in stage order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body paginatedRoles `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permRunsRead); err != nil {
			return nil, err
		}
		resp := paginatedRoles{Items: []domain.Role{}, Entry: string(e.Registry.Entry())}
		resp.Items = append(resp.Items, e.Registry.All()...)
		return &struct {
			Body paginatedRoles `json:"body"`
		}{Body: resp}, nil
	})
}
