package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/forge/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on database/sql. The same queries serve SQLite and
// Postgres; dialect differences are confined to placeholders, the lock clause
// used when claiming rows and the outbox notification.
type SQLStore struct {
	db       *sql.DB
	postgres bool

	stepLease        time.Duration
	outboxVisibility time.Duration
}

// DefaultStepLease is how long a claimed step may stay running before another
// scheduler may claim it again. It must exceed the longest handler timeout.
const DefaultStepLease = 10 * time.Minute

// DefaultOutboxVisibility is how long a claimed outbox event may stay in
// processing before it is handed out again.
const DefaultOutboxVisibility = 5 * time.Minute

// SetStepLease overrides DefaultStepLease.
func (s *SQLStore) SetStepLease(d time.Duration) {
	s.stepLease = d
}

// SetOutboxVisibility overrides DefaultOutboxVisibility.
func (s *SQLStore) SetOutboxVisibility(d time.Duration) {
	s.outboxVisibility = d
}

func (s *SQLStore) lease() time.Duration {
	if s.stepLease > 0 {
		return s.stepLease
	}
	return DefaultStepLease
}

func (s *SQLStore) visibility() time.Duration {
	if s.outboxVisibility > 0 {
		return s.outboxVisibility
	}
	return DefaultOutboxVisibility
}

const executionColumns = `id, goal_id, title, goal, status, error, created_at, started_at, finished_at`

const stepColumns = `id, execution_id, position, type, payload, status, attempt_count,
	last_error, next_retry_at, output, created_at, updated_at`

const outboxColumns = `id, type, payload, status, attempts, last_error, created_at, updated_at`

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// q rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lockClause is appended to row-claiming subqueries. SQLite serializes writers,
// so the single UPDATE statement is already exclusive there.
func (s *SQLStore) lockClause(table string) string {
	if !s.postgres {
		return ""
	}
	return " FOR UPDATE OF " + table + " SKIP LOCKED"
}

type scanner interface {
	Scan(dest ...any) error
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func scanExecution(sc scanner) (*model.Execution, error) {
	e := &model.Execution{}
	var goal []byte
	var errMsg sql.NullString
	if err := sc.Scan(
		&e.ID, &e.GoalID, &e.Title, &goal, &e.Status, &errMsg,
		&e.CreatedAt, &e.StartedAt, &e.FinishedAt,
	); err != nil {
		return nil, err
	}
	if len(goal) > 0 {
		e.Goal = json.RawMessage(goal)
	}
	e.Error = errMsg.String
	return e, nil
}

func scanStep(sc scanner) (*model.Step, error) {
	st := &model.Step{}
	var typ string
	var payload, output []byte
	var lastErr sql.NullString
	var retry sql.NullInt64
	if err := sc.Scan(
		&st.ID, &st.ExecutionID, &st.Position, &typ, &payload, &st.Status, &st.AttemptCount,
		&lastErr, &retry, &output, &st.CreatedAt, &st.UpdatedAt,
	); err != nil {
		return nil, err
	}
	st.Type = model.StepType(typ)
	if len(payload) > 0 {
		st.Payload = json.RawMessage(payload)
	}
	if len(output) > 0 {
		st.Output = json.RawMessage(output)
	}
	st.LastError = lastErr.String
	if retry.Valid {
		t := time.UnixMilli(retry.Int64).UTC()
		st.NextRetryAt = &t
	}
	return st, nil
}

func scanOutbox(sc scanner) (*model.OutboxEvent, error) {
	ev := &model.OutboxEvent{}
	var payload []byte
	var lastErr sql.NullString
	if err := sc.Scan(
		&ev.ID, &ev.Type, &payload, &ev.Status, &ev.Attempts, &lastErr, &ev.CreatedAt, &ev.UpdatedAt,
	); err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	ev.LastError = lastErr.String
	return ev, nil
}

// CreateExecution inserts an execution record and all of its steps.
func (s *SQLStore) CreateExecution(ctx context.Context, e *model.Execution, steps []*model.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.GoalID, e.Title, nullJSON(e.Goal), e.Status, nullString(e.Error),
		e.CreatedAt, e.StartedAt, e.FinishedAt,
	); err != nil {
		return fmt.Errorf("insert execution: %w", s.mapInsertErr(err))
	}

	for _, st := range steps {
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO steps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			st.ID, st.ExecutionID, st.Position, string(st.Type), nullJSON(st.Payload), st.Status,
			st.AttemptCount, nullString(st.LastError), millis(st.NextRetryAt), nullJSON(st.Output),
			st.CreatedAt, st.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert step %d: %w", st.Position, s.mapInsertErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a page of executions ordered by created_at DESC,
// along with the total count.
func (s *SQLStore) ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx, s.q(
		`SELECT `+executionColumns+` FROM executions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`),
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}
	return out, total, nil
}

// ListActiveExecutions returns the ids of pending and running executions.
func (s *SQLStore) ListActiveExecutions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id FROM executions WHERE status IN (?, ?) ORDER BY created_at`),
		model.StatusPending, model.StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkExecutionRunning transitions a pending execution to running.
func (s *SQLStore) MarkExecutionRunning(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE executions SET status = ?, started_at = ? WHERE id = ? AND status = ?`),
		model.StatusRunning, now, id, model.StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark execution running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// FinishExecution moves an execution into a terminal status. Terminal
// executions are final: finishing one again returns ErrInvalidTransition.
func (s *SQLStore) FinishExecution(ctx context.Context, id, status, errMsg string, now time.Time) error {
	if !model.IsTerminal(status) {
		return fmt.Errorf("finish execution with %q: %w", status, ErrInvalidTransition)
	}

	// completed is only reachable from running; failed from pending or running.
	from := []any{model.StatusRunning, model.StatusRunning}
	if status == model.StatusFailed {
		from = []any{model.StatusPending, model.StatusRunning}
	}

	args := append([]any{status, nullString(errMsg), now, id}, from...)
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE executions SET status = ?, error = ?, finished_at = ? WHERE id = ? AND status IN (?, ?)`),
		args...,
	)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetExecution(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// PurgeExecution deletes a terminal execution and everything attached to it.
func (s *SQLStore) PurgeExecution(ctx context.Context, id string) error {
	e, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if !model.IsTerminal(e.Status) {
		return fmt.Errorf("purge %s execution: %w", e.Status, ErrInvalidTransition)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM messages WHERE contract_id IN (SELECT id FROM contracts WHERE execution_id = ?)`,
		`DELETE FROM contracts WHERE execution_id = ?`,
		`DELETE FROM steps WHERE execution_id = ?`,
		`DELETE FROM executions WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
			return fmt.Errorf("purge execution: %w", err)
		}
	}
	return tx.Commit()
}

// GetStats computes aggregate execution and step statistics.
func (s *SQLStore) GetStats(ctx context.Context) (*model.ExecutionStats, error) {
	stats := &model.ExecutionStats{
		CountByStatus: make(map[string]int),
		StepsByStatus: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count executions by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(attempt_count), 0) FROM steps GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count steps by status: %w", err)
	}
	var steps, attempts int
	for rows.Next() {
		var status string
		var n, a int
		if err := rows.Scan(&status, &n, &a); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan step count: %w", err)
		}
		stats.StepsByStatus[status] = n
		steps += n
		attempts += a
	}
	rows.Close()
	if steps > 0 {
		stats.AvgStepAttempts = float64(attempts) / float64(steps)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT started_at, finished_at FROM executions WHERE started_at IS NOT NULL AND finished_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("load execution durations: %w", err)
	}
	defer rows.Close()
	var total time.Duration
	var finished int
	for rows.Next() {
		var started, done time.Time
		if err := rows.Scan(&started, &done); err != nil {
			return nil, fmt.Errorf("scan durations: %w", err)
		}
		total += done.Sub(started)
		finished++
	}
	if finished > 0 {
		stats.AvgDurationMS = float64(total.Milliseconds()) / float64(finished)
	}
	return stats, rows.Err()
}

// ClaimNextStep claims the lowest-position eligible step of executionID. A
// running step whose lease expired is eligible again; its attempt count is
// left as it was since the interrupted attempt never recorded an outcome.
func (s *SQLStore) ClaimNextStep(ctx context.Context, executionID string, now time.Time, maxAttempts int) (*model.Step, error) {
	nowMS := now.UnixMilli()
	st, err := scanStep(s.db.QueryRowContext(ctx, s.q(
		`UPDATE steps SET status = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT s.id FROM steps s
			WHERE s.execution_id = ?
				AND (
					(s.status IN (?, ?) AND (s.next_retry_at IS NULL OR s.next_retry_at <= ?))
					OR (s.status = ? AND s.lease_expires_at IS NOT NULL AND s.lease_expires_at <= ?)
				)
				AND s.attempt_count < ?
				AND EXISTS (SELECT 1 FROM executions e WHERE e.id = s.execution_id AND e.status IN (?, ?))
			ORDER BY s.position
			LIMIT 1`+s.lockClause("s")+`
		) AND (status IN (?, ?) OR (status = ? AND lease_expires_at <= ?))
		RETURNING `+stepColumns),
		model.StatusRunning, now.Add(s.lease()).UnixMilli(), now,
		executionID,
		model.StatusPending, model.StatusFailed, nowMS,
		model.StatusRunning, nowMS,
		maxAttempts,
		model.StatusPending, model.StatusRunning,
		model.StatusPending, model.StatusFailed, model.StatusRunning, nowMS,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim step: %w", err)
	}
	return st, nil
}

// GetStep retrieves a step by ID.
func (s *SQLStore) GetStep(ctx context.Context, id string) (*model.Step, error) {
	st, err := scanStep(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+stepColumns+` FROM steps WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

// ListSteps returns all steps of an execution in position order.
func (s *SQLStore) ListSteps(ctx context.Context, executionID string) ([]*model.Step, error) {
	return s.querySteps(ctx, `SELECT `+stepColumns+` FROM steps WHERE execution_id = ? ORDER BY position`, executionID)
}

// ListCompletedSteps returns the completed steps of an execution in position order.
func (s *SQLStore) ListCompletedSteps(ctx context.Context, executionID string) ([]*model.Step, error) {
	return s.querySteps(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE execution_id = ? AND status = ? ORDER BY position`,
		executionID, model.StatusCompleted)
}

func (s *SQLStore) querySteps(ctx context.Context, query string, args ...any) ([]*model.Step, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*model.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// CompleteStep stores the output of a running step.
func (s *SQLStore) CompleteStep(ctx context.Context, id string, output json.RawMessage, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE steps SET status = ?, output = ?, last_error = NULL, next_retry_at = NULL,
			lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
			AND EXISTS (SELECT 1 FROM executions e WHERE e.id = steps.execution_id AND e.status IN (?, ?))`),
		model.StatusCompleted, nullJSON(output), now,
		id, model.StatusRunning,
		model.StatusPending, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	return s.explainStepMiss(ctx, id)
}

// explainStepMiss turns a zero-row step update into a precise error.
func (s *SQLStore) explainStepMiss(ctx context.Context, id string) error {
	st, err := s.GetStep(ctx, id)
	if err != nil {
		return err
	}
	e, err := s.GetExecution(ctx, st.ExecutionID)
	if err != nil {
		return err
	}
	if model.IsTerminal(e.Status) {
		return ErrExecutionTerminal
	}
	return fmt.Errorf("step %s is %s: %w", id, st.Status, ErrInvalidTransition)
}

// RecordStepFailure persists a failed attempt.
func (s *SQLStore) RecordStepFailure(ctx context.Context, id string, f model.StepFailure, now time.Time) (*model.Step, error) {
	st, err := scanStep(s.db.QueryRowContext(ctx, s.q(
		`UPDATE steps SET status = ?, attempt_count = attempt_count + 1, last_error = ?,
			next_retry_at = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ?
		RETURNING `+stepColumns),
		model.StatusFailed, nullString(f.Error), millis(f.NextRetryAt), now, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record step failure: %w", err)
	}
	return st, nil
}

// RejectStep marks a step failed with a governance reason.
func (s *SQLStore) RejectStep(ctx context.Context, id, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE steps SET status = ?, last_error = ?, next_retry_at = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ?`),
		model.StatusFailed, nullString(reason), now, id,
	)
	if err != nil {
		return fmt.Errorf("reject step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SummarizeSteps aggregates step states for an execution.
func (s *SQLStore) SummarizeSteps(ctx context.Context, executionID string, maxAttempts int) (model.StepSummary, error) {
	var sum model.StepSummary
	steps, err := s.ListSteps(ctx, executionID)
	if err != nil {
		return sum, err
	}
	for _, st := range steps {
		sum.Total++
		switch st.Status {
		case model.StatusPending:
			sum.Pending++
		case model.StatusRunning:
			sum.Running++
		case model.StatusCompleted:
			sum.Completed++
		case model.StatusFailed:
			sum.Failed++
			if st.Exhausted(maxAttempts) {
				sum.Exhausted++
			} else if st.NextRetryAt != nil && (sum.NextRetryAt == nil || st.NextRetryAt.Before(*sum.NextRetryAt)) {
				t := *st.NextRetryAt
				sum.NextRetryAt = &t
			}
		}
	}
	return sum, nil
}

// UpsertAgent inserts an agent or refreshes its name, type and capabilities.
// The active flag is left untouched on conflict.
func (s *SQLStore) UpsertAgent(ctx context.Context, a *model.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO agents (id, name, type, capabilities, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			capabilities = excluded.capabilities`),
		a.ID, a.Name, string(a.Type), string(caps), a.Active, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func scanAgent(sc scanner) (*model.Agent, error) {
	a := &model.Agent{}
	var typ string
	var caps []byte
	if err := sc.Scan(&a.ID, &a.Name, &typ, &caps, &a.Active); err != nil {
		return nil, err
	}
	a.Type = model.AgentType(typ)
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	return a, nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, s.q(
		`SELECT id, name, type, capabilities, active FROM agents WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by name.
func (s *SQLStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, capabilities, active FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SetAgentActive flips the active flag of an agent.
func (s *SQLStore) SetAgentActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE agents SET active = ? WHERE id = ?`), active, id)
	if err != nil {
		return fmt.Errorf("set agent active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateContract inserts a contract.
func (s *SQLStore) CreateContract(ctx context.Context, c *model.Contract) error {
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO contracts (id, execution_id, requester_id, responder_id, terms, accepted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.ExecutionID, c.RequesterID, c.ResponderID, nullJSON(c.Terms), c.Accepted, c.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert contract: %w", s.mapInsertErr(err))
	}
	return nil
}

const contractColumns = `id, execution_id, requester_id, responder_id, terms, accepted, created_at`

func scanContract(sc scanner) (*model.Contract, error) {
	c := &model.Contract{}
	var terms []byte
	if err := sc.Scan(&c.ID, &c.ExecutionID, &c.RequesterID, &c.ResponderID, &terms, &c.Accepted, &c.CreatedAt); err != nil {
		return nil, err
	}
	if len(terms) > 0 {
		c.Terms = json.RawMessage(terms)
	}
	return c, nil
}

// GetContract retrieves a contract by ID.
func (s *SQLStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	c, err := scanContract(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+contractColumns+` FROM contracts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}
	return c, nil
}

// ListContracts returns the contracts of an execution in creation order.
func (s *SQLStore) ListContracts(ctx context.Context, executionID string) ([]*model.Contract, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+contractColumns+` FROM contracts WHERE execution_id = ? ORDER BY id`), executionID)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var out []*model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage adds a message to a contract's log.
func (s *SQLStore) AppendMessage(ctx context.Context, m *model.Message) error {
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO messages (id, contract_id, sender_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`),
		m.ID, m.ContractID, m.SenderID, nullJSON(m.Payload), m.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", s.mapInsertErr(err))
	}
	return nil
}

// ListMessages returns a contract's messages oldest first.
func (s *SQLStore) ListMessages(ctx context.Context, contractID string) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, contract_id, sender_id, payload, created_at FROM messages WHERE contract_id = ? ORDER BY id`),
		contractID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m := &model.Message{}
		var payload []byte
		if err := rows.Scan(&m.ID, &m.ContractID, &m.SenderID, &payload, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(payload) > 0 {
			m.Payload = json.RawMessage(payload)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EnqueueOutbox persists a pending outbox event. On Postgres, listeners are
// woken through NOTIFY.
func (s *SQLStore) EnqueueOutbox(ctx context.Context, ev *model.OutboxEvent) error {
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO outbox (`+outboxColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.Type, string(ev.Payload), ev.Status, ev.Attempts, nullString(ev.LastError),
		ev.CreatedAt, ev.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert outbox event: %w", s.mapInsertErr(err))
	}
	if s.postgres {
		if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, OutboxChannel, ev.ID); err != nil {
			return fmt.Errorf("notify outbox: %w", err)
		}
	}
	return nil
}

// ClaimOutbox moves up to limit pending events to processing. Events left in
// processing past their visibility deadline by a consumer that never reported
// back are claimed again.
func (s *SQLStore) ClaimOutbox(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	now := time.Now().UTC()
	nowMS := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx, s.q(
		`UPDATE outbox SET status = ?, attempts = attempts + 1, claimed_until = ?, updated_at = ?
		WHERE id IN (
			SELECT o.id FROM outbox o
			WHERE o.status = ? OR (o.status = ? AND o.claimed_until <= ?)
			ORDER BY o.id LIMIT ?`+s.lockClause("o")+`
		) AND (status = ? OR (status = ? AND claimed_until <= ?))
		RETURNING `+outboxColumns),
		model.OutboxProcessing, now.Add(s.visibility()).UnixMilli(), now,
		model.OutboxPending, model.OutboxProcessing, nowMS, limit,
		model.OutboxPending, model.OutboxProcessing, nowMS,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var out []*model.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CompleteOutbox marks an outbox event delivered.
func (s *SQLStore) CompleteOutbox(ctx context.Context, id string) error {
	return s.setOutboxStatus(ctx, id, model.OutboxCompleted, "")
}

// FailOutbox records a delivery failure.
func (s *SQLStore) FailOutbox(ctx context.Context, id, errMsg string, retry bool) error {
	status := model.OutboxFailed
	if retry {
		status = model.OutboxPending
	}
	return s.setOutboxStatus(ctx, id, status, errMsg)
}

func (s *SQLStore) setOutboxStatus(ctx context.Context, id, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE outbox SET status = ?, last_error = ?, claimed_until = NULL, updated_at = ? WHERE id = ?`),
		status, nullString(errMsg), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update outbox event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOutboxEvent retrieves an outbox event by ID.
func (s *SQLStore) GetOutboxEvent(ctx context.Context, id string) (*model.OutboxEvent, error) {
	ev, err := scanOutbox(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+outboxColumns+` FROM outbox WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox event: %w", err)
	}
	return ev, nil
}

// mapInsertErr converts driver-specific unique violations into ErrDuplicate.
func (s *SQLStore) mapInsertErr(err error) error {
	if s.postgres {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return err
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}
