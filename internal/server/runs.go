package server

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"rolegate/internal/arbiter"
	"rolegate/internal/domain"
	"rolegate/internal/engine"
	"rolegate/internal/handler"
)

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Start a run at the entry role",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permRunsWrite); err != nil {
			return nil, err
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		run, err := e.Start(ctx, engine.StartOptions{
			Title:    strings.TrimSpace(input.Body.Title),
			Topic:    strings.TrimSpace(input.Body.Topic),
			Sequence: strings.TrimSpace(input.Body.Sequence),
			Entry:    domain.RoleID(strings.TrimSpace(input.Body.Entry)),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,blocked,escalated,complete,aborted"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permRunsRead); err != nil {
			return nil, err
		}
		runs, err := e.ListRuns(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRuns{Items: []domain.Run{}}
		for _, run := range runs {
			if input.Status != "" && string(run.Status) != input.Status {
				continue
			}
			resp.Items = append(resp.Items, run)
		}
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get a run with its full history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permRunsRead); err != nil {
			return nil, err
		}
		run, err := e.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/abort",
		Summary:     "Abort a run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body AbortRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permRunsWrite); err != nil {
			return nil, err
		}
		run, err := e.Abort(ctx, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "advance-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/advance",
		Summary:     "Invoke the current role once",
		Description: "An optional JSON body is a recorded invocation (queries, summary, outcome) used instead of the configured handler.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permRunsWrite); err != nil {
			return nil, err
		}
		var opts engine.AdvanceOptions
		if raw := bytes.TrimSpace(bodyBytes(ctx)); len(raw) > 0 {
			script, err := handler.Decode(bytes.NewReader(raw))
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			opts.Handler = script
		}
		res, err := e.Advance(ctx, input.ID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "drive-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/drive",
		Summary:     "Advance a run until it stops moving forward",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permRunsWrite); err != nil {
			return nil, err
		}
		res, err := e.Drive(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/escalate",
		Summary:     "Escalate a run to the arbiter",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body engine.EscalateRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permEscalations); err != nil {
			return nil, err
		}
		req := input.Body
		if req.By == "" {
			req.By = principalSubject(ctx)
		}
		res, err := e.Escalate(ctx, input.ID, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/resolve",
		Summary:     "Record an operator decision for a held escalation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body arbiter.ResolveRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permEscalations); err != nil {
			return nil, err
		}
		rr := input.Body
		if rr.DecidedBy == "" {
			rr.DecidedBy = principalSubject(ctx)
		}
		res, err := e.Resolve(ctx, input.ID, rr)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})
}

func registerGates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-gates",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/gates",
		Summary:     "Get the gate state of a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.GateState `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permRunsRead); err != nil {
			return nil, err
		}
		run, err := e.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GateState `json:"body"`
		}{Body: run.Gates}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-gates",
		Method:      http.MethodPut,
		Path:        "/runs/{id}/gates",
		Summary:     "Write a gate as a verification role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body GateUpdateRequest `json:"body"`
	}) (*struct {
		Body domain.GateState `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permGates); err != nil {
			return nil, err
		}
		by := domain.RoleID(strings.TrimSpace(input.Body.By))
		if by == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "by is required", nil)
		}
		if input.Body.Technical == "" && input.Body.Value == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "technical or value is required", nil)
		}
		if err := requireRole(ctx, by); err != nil {
			return nil, err
		}
		run, err := e.SetGates(ctx, input.ID, engine.GateUpdate{
			By:        by,
			Technical: domain.TechnicalGate(input.Body.Technical),
			Value:     domain.ValueGate(input.Body.Value),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GateState `json:"body"`
		}{Body: run.Gates}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-ready",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/release-ready",
		Summary:     "Report whether both gates have passed",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReleaseReadyResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, permRunsRead); err != nil {
			return nil, err
		}
		ready, gates, err := e.ReleaseReady(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseReadyResponse `json:"body"`
		}{Body: ReleaseReadyResponse{Ready: ready, Gates: gates}}, nil
	})
}
