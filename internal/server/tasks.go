package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/router"
	"bountyline/internal/taskboard"
)

type taskPath struct {
	ID string `path:"id"`
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Post a task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*output[domain.Task], error) {
		p, authErr := requireRole(ctx, RoleOrchestrator)
		if authErr != nil {
			return nil, authErr
		}
		orchestrator := p.ActorID
		if input.Body.OrchestratorID != "" {
			acting, authErr := actingAccount(ctx, input.Body.OrchestratorID)
			if authErr != nil {
				return nil, authErr
			}
			orchestrator = acting
		}
		priority := domain.Priority(input.Body.Priority)
		if priority == "" {
			priority = domain.PriorityNormal
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			OrchestratorID: orchestrator,
			Description:    input.Body.Description,
			Tags:           input.Body.Tags,
			Reward:         input.Body.Reward,
			Priority:       priority,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"open,claimed,completed,disputed,resolved,paid,expired,cancelled"`
		ClaimedBy string `query:"claimed_by"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*output[paginatedTasks], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		all := e.Board.List(taskboard.Filters{Status: domain.TaskStatus(input.Status), ClaimedBy: input.ClaimedBy})
		resp := paginatedTasks{Items: []domain.Task{}}
		for _, t := range all {
			if t.Seq <= after {
				continue
			}
			if len(resp.Items) == limit {
				resp.NextCursor = strconv.FormatInt(resp.Items[limit-1].Seq, 10)
				break
			}
			resp.Items = append(resp.Items, t)
		}
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*output[domain.Task], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Board.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "explain-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/explain",
		Summary:     "Explain why a task did or did not pay out",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*output[engine.Explanation], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		ex, err := e.Explain(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ex), nil
	})

	type accountInput struct {
		ID   string         `path:"id"`
		Body AccountRequest `json:"body" required:"false"`
	}
	transitions := []struct {
		id, path, summary string
		run               func(ctx context.Context, taskID, accountID string) (domain.Task, error)
	}{
		{"claim-task", "/tasks/{id}/claim", "Claim an open task", e.Claim},
		{"release-task", "/tasks/{id}/release", "Give a claim back", e.Release},
		{"complete-task", "/tasks/{id}/complete", "Mark a claimed task complete", e.Complete},
		{"cancel-task", "/tasks/{id}/cancel", "Cancel a task", e.Cancel},
	}
	for _, tr := range transitions {
		huma.Register(api, huma.Operation{
			OperationID: tr.id,
			Method:      http.MethodPost,
			Path:        tr.path,
			Summary:     tr.summary,
			Errors: []int{
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *accountInput) (*output[domain.Task], error) {
			account, authErr := actingAccount(ctx, input.Body.AccountID)
			if authErr != nil {
				return nil, authErr
			}
			t, err := tr.run(ctx, input.ID, account)
			if err != nil {
				return nil, handleError(err)
			}
			return respond(t), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "rate-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/rate",
		Summary:     "Rate the counterparty of a completed task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body RateRequest `json:"body"`
	}) (*output[RateResponse], error) {
		rater, authErr := actingAccount(ctx, input.Body.RaterID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Rate(ctx, input.ID, rater, input.Body.Score)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(RateResponse{Task: res.Task, Finalized: res.Finalized, Dispute: res.Dispute}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "contest-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/contest",
		Summary:       "Contest a completion and open a dispute",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ContestRequest `json:"body" required:"false"`
	}) (*output[domain.Dispute], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Contest(ctx, input.ID, p.ActorID, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-payout",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/retry-payout",
		Summary:     "Retry a payout that was denied, expired or unfunded",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *taskPath) (*output[domain.Transaction], error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		tx, err := e.RetryPayout(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(tx), nil
	})
}

func registerWorkers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-worker",
		Method:        http.MethodPost,
		Path:          "/workers",
		Summary:       "Register an account as a worker",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RegisterWorkerRequest `json:"body"`
	}) (*output[domain.Worker], error) {
		account, authErr := actingAccount(ctx, input.Body.AccountID)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.RegisterWorker(ctx, account, input.Body.Tags)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers with load and trust tier",
	}, func(ctx context.Context, _ *struct{}) (*output[[]router.WorkerStatus], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		return respond(nonNilSlice(e.Router.Workers())), nil
	})
}
