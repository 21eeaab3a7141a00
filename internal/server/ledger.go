package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"bountyline/internal/domain"
	"bountyline/internal/engine"
)

type accountPath struct {
	ID string `path:"id"`
}

func registerAccounts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "account-balance",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}/balance",
		Summary:     "Account balance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *accountPath) (*output[BalanceResponse], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.Ledger.Account(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(BalanceResponse{AccountID: a.ID, Balance: a.Balance, Frozen: a.Frozen}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "account-reputation",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}/reputation",
		Summary:     "Account reputation record",
	}, func(ctx context.Context, input *accountPath) (*output[domain.ReputationRecord], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		return respond(e.Bank.Record(input.ID)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "account-transactions",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}/transactions",
		Summary:     "Transactions touching an account",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *accountPath) (*output[[]domain.Transaction], error) {
		if _, authErr := actingAccount(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		return respond(nonNilSlice(e.Ledger.Transactions(input.ID))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "transfer",
		Method:        http.MethodPost,
		Path:          "/transfers",
		Summary:       "Transfer from the caller's account",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body TransferRequest `json:"body"`
	}) (*output[TransferResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tx, req, err := e.Transfer(ctx, p.ActorID, input.Body.To, input.Body.Amount, input.Body.Reference, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(TransferResponse{Transaction: tx, Approval: req}), nil
	})
}

func registerDisputes(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-disputes",
		Method:      http.MethodGet,
		Path:        "/disputes",
		Summary:     "List disputes",
	}, func(ctx context.Context, input *struct {
		IncludeResolved bool `query:"include_resolved"`
	}) (*output[[]domain.Dispute], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		return respond(nonNilSlice(e.Arbitrator.List(input.IncludeResolved))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dispute",
		Method:      http.MethodGet,
		Path:        "/disputes/{id}",
		Summary:     "Get dispute",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Dispute], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Arbitrator.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "vote-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{id}/vote",
		Summary:     "Cast an arbitration vote",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body VoteRequest `json:"body"`
	}) (*output[domain.Dispute], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Vote(ctx, input.ID, p.ActorID, domain.Verdict(input.Body.Verdict))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})
}

func registerApprovals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval requests",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Pending bool `query:"pending" default:"true"`
	}) (*output[[]domain.ApprovalRequest], error) {
		if _, authErr := requireRole(ctx, RoleApprover); authErr != nil {
			return nil, authErr
		}
		return respond(nonNilSlice(e.Gate.List(input.Pending))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/decide",
		Summary:     "Approve or deny a held transaction",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body DecideRequest `json:"body"`
	}) (*output[DecisionResponse], error) {
		p, authErr := requireRole(ctx, RoleApprover)
		if authErr != nil {
			return nil, authErr
		}
		req, tx, err := e.Decide(ctx, input.ID, input.Body.Approve, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(DecisionResponse{Approval: req, Transaction: tx}), nil
	})
}

func registerAdmin(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "mint",
		Method:        http.MethodPost,
		Path:          "/admin/mint",
		Summary:       "Mint currency into an account",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body MintRequest `json:"body"`
	}) (*output[domain.Transaction], error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		tx, err := e.Mint(ctx, input.Body.AccountID, input.Body.Amount, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(tx), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "freeze-account",
		Method:      http.MethodPost,
		Path:        "/admin/accounts/{id}/freeze",
		Summary:     "Freeze or unfreeze an account",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body FreezeRequest `json:"body"`
	}) (*output[domain.Account], error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SetFrozen(ctx, input.ID, input.Body.Frozen, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-ledger",
		Method:      http.MethodGet,
		Path:        "/admin/audit",
		Summary:     "Replay the ledger and compare with live balances",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[AuditResponse], error) {
		if _, authErr := requireRole(ctx, RoleAdmin); authErr != nil {
			return nil, authErr
		}
		rep := e.Audit(ctx)
		return respond(auditResponse(rep, e.Ledger.Halted())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-ledger",
		Method:      http.MethodPost,
		Path:        "/admin/reconcile",
		Summary:     "Adopt replayed balances and lift a halt",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[AuditResponse], error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.Reconcile(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(auditResponse(rep, e.Ledger.Halted())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-sweeps",
		Method:      http.MethodPost,
		Path:        "/admin/sweep",
		Summary:     "Run every periodic job once",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[engine.SweepSummary], error) {
		if _, authErr := requireRole(ctx, RoleAdmin); authErr != nil {
			return nil, authErr
		}
		s, err := e.RunSweeps(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})
}
