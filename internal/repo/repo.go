package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bountyline/internal/domain"
)

// Repo persists marketplace state to SQLite. It satisfies the Store interface
// of every component.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = fmt.Errorf("%w: row", domain.ErrNotFound)

const timeLayout = time.RFC3339Nano

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const upsertAccount = `INSERT INTO accounts(id,kind,balance,frozen,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, balance=excluded.balance, frozen=excluded.frozen, updated_at=excluded.updated_at`

func saveAccount(ctx context.Context, db execer, a domain.Account) error {
	_, err := db.ExecContext(ctx, upsertAccount, a.ID, string(a.Kind), a.Balance, boolInt(a.Frozen), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return err
}

func (r Repo) SaveAccount(ctx context.Context, a domain.Account) error {
	return saveAccount(ctx, r.DB, a)
}

// SaveTransaction writes the transaction row and the account snapshots in one
// database transaction.
func (r Repo) SaveTransaction(ctx context.Context, t domain.Transaction, accounts ...domain.Account) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	var seq any
	if t.CommitSeq > 0 {
		seq = t.CommitSeq
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO transactions(id,kind,debit_account,credit_account,amount,reference,status,reason,commit_seq,created_at,decided_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, reason=excluded.reason, commit_seq=excluded.commit_seq, decided_at=excluded.decided_at`,
		t.ID, string(t.Kind), nullable(t.Debit), t.Credit, t.Amount, nullable(t.Reference), string(t.Status), nullable(t.Reason),
		seq, formatTime(t.CreatedAt), formatTimePtr(t.DecidedAt)); err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	for _, a := range accounts {
		if err := saveAccount(ctx, tx, a); err != nil {
			return fmt.Errorf("upsert account %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

func (r Repo) LoadAccounts(ctx context.Context) ([]domain.Account, error) {
	return loadAccounts(ctx, r.DB)
}

func loadAccounts(ctx context.Context, q querier) ([]domain.Account, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,kind,balance,frozen,created_at,updated_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		var (
			a                domain.Account
			kind             string
			frozen           int
			created, updated string
		)
		if err := rows.Scan(&a.ID, &kind, &a.Balance, &frozen, &created, &updated); err != nil {
			return nil, err
		}
		a.Kind = domain.AccountKind(kind)
		a.Frozen = frozen != 0
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if a.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

const transactionColumns = `id,kind,COALESCE(debit_account,''),credit_account,amount,COALESCE(reference,''),status,COALESCE(reason,''),COALESCE(commit_seq,0),created_at,decided_at`

func scanTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var (
			t            domain.Transaction
			kind, status string
			created      string
			decided      sql.NullString
		)
		if err := rows.Scan(&t.ID, &kind, &t.Debit, &t.Credit, &t.Amount, &t.Reference, &status, &t.Reason, &t.CommitSeq, &created, &decided); err != nil {
			return nil, err
		}
		t.Kind = domain.TxKind(kind)
		t.Status = domain.TxStatus(status)
		var err error
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if t.DecidedAt, err = parseTimePtr(decided); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LoadTransactions returns every transaction, oldest first.
func (r Repo) LoadTransactions(ctx context.Context) ([]domain.Transaction, error) {
	return loadTransactions(ctx, r.DB)
}

func loadTransactions(ctx context.Context, q querier) ([]domain.Transaction, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// LoadCommitted returns committed transactions in commit order.
func (r Repo) LoadCommitted(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE status=? ORDER BY commit_seq`, string(domain.TxCommitted))
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (r Repo) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	list, err := scanTransactions(rows)
	if err != nil {
		return domain.Transaction{}, err
	}
	if len(list) == 0 {
		return domain.Transaction{}, ErrNotFound
	}
	return list[0], nil
}

func (r Repo) SaveTask(ctx context.Context, t domain.Task) error {
	tags, err := json.Marshal(nonNil(t.Tags))
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tasks(id,seq,orchestrator_id,description,tags_json,reward,priority,status,reason,claimed_by,claimed_at,completed_at,payout_tx_id,payout_in_flight,dispute_id,created_at,updated_at,expires_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, reason=excluded.reason, claimed_by=excluded.claimed_by, claimed_at=excluded.claimed_at,
completed_at=excluded.completed_at, payout_tx_id=excluded.payout_tx_id, payout_in_flight=excluded.payout_in_flight, dispute_id=excluded.dispute_id,
updated_at=excluded.updated_at, expires_at=excluded.expires_at`,
		t.ID, t.Seq, t.OrchestratorID, t.Description, string(tags), t.Reward, string(t.Priority), string(t.Status), nullable(t.Reason),
		nullable(t.ClaimedBy), formatTimePtr(t.ClaimedAt), formatTimePtr(t.CompletedAt), nullable(t.PayoutTxID), boolInt(t.PayoutInFlight),
		nullable(t.DisputeID), formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTime(t.ExpiresAt))
	return err
}

func (r Repo) LoadTasks(ctx context.Context) ([]domain.Task, error) {
	return loadTasks(ctx, r.DB)
}

func loadTasks(ctx context.Context, q querier) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,seq,orchestrator_id,description,tags_json,reward,priority,status,COALESCE(reason,''),COALESCE(claimed_by,''),
claimed_at,completed_at,COALESCE(payout_tx_id,''),payout_in_flight,COALESCE(dispute_id,''),created_at,updated_at,expires_at FROM tasks ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var (
			t                         domain.Task
			tags, priority, status    string
			claimedAt, completedAt    sql.NullString
			created, updated, expires string
			inFlight                  int
		)
		if err := rows.Scan(&t.ID, &t.Seq, &t.OrchestratorID, &t.Description, &tags, &t.Reward, &priority, &status, &t.Reason, &t.ClaimedBy,
			&claimedAt, &completedAt, &t.PayoutTxID, &inFlight, &t.DisputeID, &created, &updated, &expires); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return nil, fmt.Errorf("task %s tags: %w", t.ID, err)
		}
		t.Priority = domain.Priority(priority)
		t.Status = domain.TaskStatus(status)
		t.PayoutInFlight = inFlight != 0
		if t.ClaimedAt, err = parseTimePtr(claimedAt); err != nil {
			return nil, err
		}
		if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if t.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		if t.ExpiresAt, err = parseTime(expires); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SaveWorker(ctx context.Context, w domain.Worker) error {
	tags, err := json.Marshal(nonNil(w.Tags))
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workers(account_id,tags_json,seq,registered_at) VALUES (?,?,?,?)
ON CONFLICT(account_id) DO UPDATE SET tags_json=excluded.tags_json`, w.AccountID, string(tags), w.Seq, formatTime(w.RegisteredAt))
	return err
}

func (r Repo) LoadWorkers(ctx context.Context) ([]domain.Worker, error) {
	return loadWorkers(ctx, r.DB)
}

func loadWorkers(ctx context.Context, q querier) ([]domain.Worker, error) {
	rows, err := q.QueryContext(ctx, `SELECT account_id,tags_json,seq,registered_at FROM workers ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		var (
			w         domain.Worker
			tags, reg string
		)
		if err := rows.Scan(&w.AccountID, &tags, &w.Seq, &reg); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &w.Tags); err != nil {
			return nil, fmt.Errorf("worker %s tags: %w", w.AccountID, err)
		}
		if w.RegisteredAt, err = parseTime(reg); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// AppendRatingEvent adds to the rating journal and returns the row id.
func (r Repo) AppendRatingEvent(ctx context.Context, evt domain.RatingEvent) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO rating_events(kind,task_id,rater_id,ratee_id,score,detail,at) VALUES (?,?,?,?,?,?,?)`,
		string(evt.Kind), nullable(evt.TaskID), nullable(evt.RaterID), nullable(evt.RateeID), evt.Score, nullable(evt.Detail), formatTime(evt.At))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LoadRatingEvents returns the rating journal in append order.
func (r Repo) LoadRatingEvents(ctx context.Context) ([]domain.RatingEvent, error) {
	return loadRatingEvents(ctx, r.DB)
}

func loadRatingEvents(ctx context.Context, q querier) ([]domain.RatingEvent, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,kind,COALESCE(task_id,''),COALESCE(rater_id,''),COALESCE(ratee_id,''),score,COALESCE(detail,''),at FROM rating_events ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RatingEvent
	for rows.Next() {
		var (
			e        domain.RatingEvent
			kind, at string
		)
		if err := rows.Scan(&e.ID, &kind, &e.TaskID, &e.RaterID, &e.RateeID, &e.Score, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.Kind = domain.RatingEventKind(kind)
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) SaveDispute(ctx context.Context, d domain.Dispute) error {
	voters, err := json.Marshal(nonNil(d.Voters))
	if err != nil {
		return err
	}
	votes := d.Votes
	if votes == nil {
		votes = []domain.Vote{}
	}
	votesJSON, err := json.Marshal(votes)
	if err != nil {
		return err
	}
	var resolution any
	if d.Resolution != nil {
		data, err := json.Marshal(d.Resolution)
		if err != nil {
			return err
		}
		resolution = string(data)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO disputes(id,task_id,orchestrator_id,worker_id,reason,status,voters_json,votes_json,resolution_json,resolved_by_default,deadline,created_at,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, voters_json=excluded.voters_json, votes_json=excluded.votes_json,
resolution_json=excluded.resolution_json, resolved_by_default=excluded.resolved_by_default, resolved_at=excluded.resolved_at`,
		d.ID, d.TaskID, d.OrchestratorID, d.WorkerID, d.Reason, string(d.Status), string(voters), string(votesJSON), resolution,
		boolInt(d.ResolvedByDefault), formatTime(d.Deadline), formatTime(d.CreatedAt), formatTimePtr(d.ResolvedAt))
	return err
}

func (r Repo) LoadDisputes(ctx context.Context) ([]domain.Dispute, error) {
	return loadDisputes(ctx, r.DB)
}

func loadDisputes(ctx context.Context, q querier) ([]domain.Dispute, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,task_id,orchestrator_id,worker_id,reason,status,voters_json,votes_json,resolution_json,resolved_by_default,deadline,created_at,resolved_at
FROM disputes ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		var (
			d                 domain.Dispute
			status            string
			voters, votes     string
			resolution        sql.NullString
			byDefault         int
			deadline, created string
			resolvedAt        sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.TaskID, &d.OrchestratorID, &d.WorkerID, &d.Reason, &status, &voters, &votes, &resolution,
			&byDefault, &deadline, &created, &resolvedAt); err != nil {
			return nil, err
		}
		d.Status = domain.DisputeStatus(status)
		d.ResolvedByDefault = byDefault != 0
		if err := json.Unmarshal([]byte(voters), &d.Voters); err != nil {
			return nil, fmt.Errorf("dispute %s voters: %w", d.ID, err)
		}
		if err := json.Unmarshal([]byte(votes), &d.Votes); err != nil {
			return nil, fmt.Errorf("dispute %s votes: %w", d.ID, err)
		}
		if resolution.Valid && resolution.String != "" {
			var res domain.Resolution
			if err := json.Unmarshal([]byte(resolution.String), &res); err != nil {
				return nil, fmt.Errorf("dispute %s resolution: %w", d.ID, err)
			}
			d.Resolution = &res
		}
		if d.Deadline, err = parseTime(deadline); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if d.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) SaveApproval(ctx context.Context, a domain.ApprovalRequest) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO approvals(id,transaction_id,decision,decided_by,requested_at,expires_at,decided_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET decision=excluded.decision, decided_by=excluded.decided_by, decided_at=excluded.decided_at`,
		a.ID, a.TransactionID, string(a.Decision), nullable(a.DecidedBy), formatTime(a.RequestedAt), formatTime(a.ExpiresAt), formatTimePtr(a.DecidedAt))
	return err
}

func (r Repo) LoadApprovals(ctx context.Context) ([]domain.ApprovalRequest, error) {
	return loadApprovals(ctx, r.DB)
}

func loadApprovals(ctx context.Context, q querier) ([]domain.ApprovalRequest, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,transaction_id,decision,COALESCE(decided_by,''),requested_at,expires_at,decided_at FROM approvals ORDER BY requested_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		var (
			a                  domain.ApprovalRequest
			decision           string
			requested, expires string
			decided            sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.TransactionID, &decision, &a.DecidedBy, &requested, &expires, &decided); err != nil {
			return nil, err
		}
		a.Decision = domain.Decision(decision)
		if a.RequestedAt, err = parseTime(requested); err != nil {
			return nil, err
		}
		if a.ExpiresAt, err = parseTime(expires); err != nil {
			return nil, err
		}
		if a.DecidedAt, err = parseTimePtr(decided); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AppendEvent writes one audit event and returns its id.
func (r Repo) AppendEvent(ctx context.Context, evt domain.Event) (int64, error) {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,reason,payload_json) VALUES (?,?,?,?,?,?,?)`,
		formatTime(evt.At), evt.Type, evt.EntityKind, nullable(evt.EntityID), nullable(evt.ActorID), nullable(evt.Reason), string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	AfterID    int64
	EntityKind string
	EntityID   string
	Limit      int
}

// ListEvents returns events in id order.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(actor_id,''),COALESCE(reason,''),payload_json FROM events WHERE id > ?`
	args := []any{f.AfterID}
	if f.EntityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		query += ` AND entity_id=?`
		args = append(args, f.EntityID)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e           domain.Event
			ts, payload string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Reason, &payload); err != nil {
			return nil, err
		}
		if e.At, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Snapshot is everything needed to rebuild in-memory state.
type Snapshot struct {
	Accounts     []domain.Account
	Transactions []domain.Transaction
	Tasks        []domain.Task
	Workers      []domain.Worker
	Ratings      []domain.RatingEvent
	Disputes     []domain.Dispute
	Approvals    []domain.ApprovalRequest
}

// Load reads a full snapshot inside one read transaction, so a concurrent
// writer on the same database cannot tear it.
func (r Repo) Load(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return s, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if s.Accounts, err = loadAccounts(ctx, tx); err != nil {
		return s, fmt.Errorf("load accounts: %w", err)
	}
	if s.Transactions, err = loadTransactions(ctx, tx); err != nil {
		return s, fmt.Errorf("load transactions: %w", err)
	}
	if s.Tasks, err = loadTasks(ctx, tx); err != nil {
		return s, fmt.Errorf("load tasks: %w", err)
	}
	if s.Workers, err = loadWorkers(ctx, tx); err != nil {
		return s, fmt.Errorf("load workers: %w", err)
	}
	if s.Ratings, err = loadRatingEvents(ctx, tx); err != nil {
		return s, fmt.Errorf("load ratings: %w", err)
	}
	if s.Disputes, err = loadDisputes(ctx, tx); err != nil {
		return s, fmt.Errorf("load disputes: %w", err)
	}
	if s.Approvals, err = loadApprovals(ctx, tx); err != nil {
		return s, fmt.Errorf("load approvals: %w", err)
	}
	return s, nil
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
