package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/magnetar-ai/magnetar/internal/domain"
	"github.com/magnetar-ai/magnetar/internal/domain/approval"
	"github.com/magnetar-ai/magnetar/internal/domain/message"
	"github.com/magnetar-ai/magnetar/internal/domain/plan"
	"github.com/magnetar-ai/magnetar/internal/domain/session"
)

// Store implements sessionstore.Store using PostgreSQL. The whole session
// aggregate is written in one transaction so a partially persisted
// transition is never observable.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Load returns the full session aggregate, or domain.ErrNotFound.
func (s *Store) Load(ctx context.Context, sessionID string) (*session.Session, error) {
	var sess session.Session
	var policyJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, policy, version, created_at, updated_at
		 FROM sessions WHERE id = $1`, sessionID,
	).Scan(&sess.ID, &policyJSON, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load session %s: %w", sessionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &sess.Policy); err != nil {
			return nil, fmt.Errorf("unmarshal policy: %w", err)
		}
	}

	p, err := s.loadPlan(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Plan = p

	if sess.Messages, err = s.loadMessages(ctx, sessionID); err != nil {
		return nil, err
	}
	if sess.Approvals, err = s.loadApprovals(ctx, sessionID); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Save persists the aggregate with an optimistic version check on the
// session row. Version 0 means the session is new. On success the
// session's version is bumped to the stored value.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	policyJSON, err := json.Marshal(sess.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}

	if sess.Version == 0 {
		_, err = tx.Exec(ctx,
			`INSERT INTO sessions (id, policy, version, created_at, updated_at)
			 VALUES ($1, $2, 1, $3, $4)`,
			sess.ID, policyJSON, sess.CreatedAt, sess.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("save session %s: %w", sess.ID, domain.ErrConflict)
			}
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE sessions SET policy = $2, version = version + 1, updated_at = $3
			 WHERE id = $1 AND version = $4`,
			sess.ID, policyJSON, sess.UpdatedAt, sess.Version)
		if err != nil {
			return fmt.Errorf("update session %s: %w", sess.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("save session %s: %w", sess.ID, domain.ErrConflict)
		}
	}

	if sess.Plan != nil {
		if err := savePlan(ctx, tx, sess.Plan); err != nil {
			return err
		}
	}
	if err := saveMessages(ctx, tx, sess.ID, sess.Messages); err != nil {
		return err
	}
	if err := saveApprovals(ctx, tx, sess.ID, sess.Approvals); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit session %s: %w", sess.ID, err)
	}
	sess.Version++
	return nil
}

// Delete removes the session and everything under it (CASCADE).
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete session %s: %w", sessionID, domain.ErrNotFound)
	}
	return nil
}

func savePlan(ctx context.Context, tx pgx.Tx, p *plan.Plan) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO plans (id, session_id, task, status, current_step, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   current_step = EXCLUDED.current_step,
		   version = EXCLUDED.version,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.SessionID, p.Task, string(p.Status), p.CurrentStep, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert plan %s: %w", p.ID, err)
	}

	ids := make([]string, 0, len(p.Steps))
	for i := range p.Steps {
		st := &p.Steps[i]
		ids = append(ids, st.ID)
		_, err = tx.Exec(ctx,
			`INSERT INTO steps (id, plan_id, idx, description, role, status, result, fail_cause, retry_count, turns_used, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (id) DO UPDATE SET
			   idx = EXCLUDED.idx,
			   status = EXCLUDED.status,
			   result = EXCLUDED.result,
			   fail_cause = EXCLUDED.fail_cause,
			   retry_count = EXCLUDED.retry_count,
			   turns_used = EXCLUDED.turns_used,
			   updated_at = EXCLUDED.updated_at`,
			st.ID, st.PlanID, st.Index, st.Description, string(st.Role), string(st.Status),
			st.Result, st.FailCause, st.RetryCount, st.TurnsUsed, st.CreatedAt, st.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert step %s: %w", st.ID, err)
		}
	}

	// Replanning replaces unexecuted steps; drop rows no longer in the plan.
	_, err = tx.Exec(ctx,
		`DELETE FROM steps WHERE plan_id = $1 AND NOT (id = ANY($2))`, p.ID, ids)
	if err != nil {
		return fmt.Errorf("prune steps for plan %s: %w", p.ID, err)
	}
	return nil
}

func saveMessages(ctx context.Context, tx pgx.Tx, sessionID string, msgs []message.AgentMessage) error {
	// Messages are append-only; existing rows are never rewritten.
	for i := range msgs {
		m := &msgs[i]
		_, err := tx.Exec(ctx,
			`INSERT INTO messages (id, session_id, step_id, role, content, tool_call, seq, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			m.ID, sessionID, nullIfEmpty(m.StepID), string(m.Role), m.Content, []byte(m.ToolCall), m.Seq, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return nil
}

func saveApprovals(ctx context.Context, tx pgx.Tx, sessionID string, reqs []approval.Request) error {
	for i := range reqs {
		r := &reqs[i]
		_, err := tx.Exec(ctx,
			`INSERT INTO approvals (id, session_id, step_id, action_desc, risk, decision, decided_by, created_at, resolved_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO UPDATE SET
			   decision = EXCLUDED.decision,
			   decided_by = EXCLUDED.decided_by,
			   resolved_at = EXCLUDED.resolved_at`,
			r.ID, sessionID, r.StepID, r.ActionDesc, string(r.Risk), string(r.Decision),
			string(r.DecidedBy), r.CreatedAt, nullTime(r.ResolvedAt))
		if err != nil {
			return fmt.Errorf("upsert approval %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *Store) loadPlan(ctx context.Context, sessionID string) (*plan.Plan, error) {
	var p plan.Plan
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, task, status, current_step, version, created_at, updated_at
		 FROM plans WHERE session_id = $1`, sessionID,
	).Scan(&p.ID, &p.SessionID, &p.Task, &p.Status, &p.CurrentStep, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // session exists before its first plan is derived
		}
		return nil, fmt.Errorf("load plan for session %s: %w", sessionID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, plan_id, idx, description, role, status, result, fail_cause, retry_count, turns_used, created_at, updated_at
		 FROM steps WHERE plan_id = $1 ORDER BY idx ASC`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load steps for plan %s: %w", p.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		p.Steps = append(p.Steps, st)
	}
	return &p, rows.Err()
}

func (s *Store) loadMessages(ctx context.Context, sessionID string) ([]message.AgentMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, COALESCE(step_id::text, ''), role, content, tool_call, seq, created_at
		 FROM messages WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var msgs []message.AgentMessage
	for rows.Next() {
		var m message.AgentMessage
		var toolCall []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.StepID, &m.Role, &m.Content, &toolCall, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ToolCall = toolCall
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) loadApprovals(ctx context.Context, sessionID string) ([]approval.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, step_id, action_desc, risk, decision, decided_by, created_at, resolved_at
		 FROM approvals WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load approvals for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var reqs []approval.Request
	for rows.Next() {
		var r approval.Request
		var resolvedAt *time.Time
		if err := rows.Scan(&r.ID, &r.SessionID, &r.StepID, &r.ActionDesc, &r.Risk, &r.Decision, &r.DecidedBy, &r.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		if resolvedAt != nil {
			r.ResolvedAt = *resolvedAt
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

func scanStep(row scannable) (plan.Step, error) {
	var st plan.Step
	err := row.Scan(&st.ID, &st.PlanID, &st.Index, &st.Description, &st.Role, &st.Status,
		&st.Result, &st.FailCause, &st.RetryCount, &st.TurnsUsed, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return st, fmt.Errorf("scan step: %w", err)
	}
	return st, nil
}
