package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/camdev/cam/internal/models"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// agentRow is the flat database shape of an agent.
type agentRow struct {
	ID               string         `db:"id"`
	TaskJSON         string         `db:"task_json"`
	ContextID        string         `db:"context_id"`
	ContextName      string         `db:"context_name"`
	ContextPath      string         `db:"context_path"`
	TransportType    string         `db:"transport_type"`
	Status           string         `db:"status"`
	State            string         `db:"state"`
	TmuxSession      string         `db:"tmux_session"`
	TmuxSocket       string         `db:"tmux_socket"`
	PID              int            `db:"pid"`
	StartedAt        string         `db:"started_at"`
	CompletedAt      sql.NullString `db:"completed_at"`
	ExitReason       string         `db:"exit_reason"`
	RetryCount       int            `db:"retry_count"`
	CostEstimate     float64        `db:"cost_estimate"`
	FilesChangedJSON string         `db:"files_changed_json"`
	CreatedAt        string         `db:"created_at"`
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func agentToRow(a *models.Agent) (*agentRow, error) {
	taskJSON, err := json.Marshal(a.Task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	files := a.FilesChanged
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("marshal files_changed: %w", err)
	}
	row := &agentRow{
		ID:               a.ID,
		TaskJSON:         string(taskJSON),
		ContextID:        a.ContextID,
		ContextName:      a.ContextName,
		ContextPath:      a.ContextPath,
		TransportType:    a.TransportType,
		Status:           string(a.Status),
		State:            string(a.State),
		TmuxSession:      a.TmuxSession,
		TmuxSocket:       a.TmuxSocket,
		PID:              a.PID,
		StartedAt:        formatTime(a.StartedAt),
		ExitReason:       a.ExitReason,
		RetryCount:       a.RetryCount,
		CostEstimate:     a.CostEstimate,
		FilesChangedJSON: string(filesJSON),
		CreatedAt:        formatTime(a.CreatedAt),
	}
	if a.CompletedAt != nil {
		row.CompletedAt = sql.NullString{String: formatTime(*a.CompletedAt), Valid: true}
	}
	return row, nil
}

func rowToAgent(row *agentRow) (*models.Agent, error) {
	a := &models.Agent{
		ID:            row.ID,
		ContextID:     row.ContextID,
		ContextName:   row.ContextName,
		ContextPath:   row.ContextPath,
		TransportType: row.TransportType,
		Status:        models.AgentStatus(row.Status),
		State:         models.ActivityState(row.State),
		TmuxSession:   row.TmuxSession,
		TmuxSocket:    row.TmuxSocket,
		PID:           row.PID,
		StartedAt:     parseTime(row.StartedAt),
		ExitReason:    row.ExitReason,
		RetryCount:    row.RetryCount,
		CostEstimate:  row.CostEstimate,
		CreatedAt:     parseTime(row.CreatedAt),
	}
	if err := json.Unmarshal([]byte(row.TaskJSON), &a.Task); err != nil {
		return nil, fmt.Errorf("unmarshal task for agent %s: %w", row.ID, err)
	}
	if row.FilesChangedJSON != "" {
		if err := json.Unmarshal([]byte(row.FilesChangedJSON), &a.FilesChanged); err != nil {
			return nil, fmt.Errorf("unmarshal files_changed for agent %s: %w", row.ID, err)
		}
	}
	if row.CompletedAt.Valid {
		t := parseTime(row.CompletedAt.String)
		a.CompletedAt = &t
	}
	return a, nil
}

// SaveAgent inserts the agent or replaces the existing row, making every
// monitor write-through a single idempotent statement.
func (s *Store) SaveAgent(ctx context.Context, a *models.Agent) error {
	row, err := agentToRow(a)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO agents (
			id, task_json, context_id, context_name, context_path,
			transport_type, status, state, tmux_session, tmux_socket, pid,
			started_at, completed_at, exit_reason, retry_count,
			cost_estimate, files_changed_json, created_at
		) VALUES (
			:id, :task_json, :context_id, :context_name, :context_path,
			:transport_type, :status, :state, :tmux_session, :tmux_socket, :pid,
			:started_at, :completed_at, :exit_reason, :retry_count,
			:cost_estimate, :files_changed_json, :created_at
		)
		ON CONFLICT(id) DO UPDATE SET
			task_json = excluded.task_json,
			context_id = excluded.context_id,
			context_name = excluded.context_name,
			context_path = excluded.context_path,
			transport_type = excluded.transport_type,
			status = excluded.status,
			state = excluded.state,
			tmux_session = excluded.tmux_session,
			tmux_socket = excluded.tmux_socket,
			pid = excluded.pid,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			exit_reason = excluded.exit_reason,
			retry_count = excluded.retry_count,
			cost_estimate = excluded.cost_estimate,
			files_changed_json = excluded.files_changed_json`, row)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAgentStatus sets status, exit reason and completion time by id.
// Pass a nil completedAt to clear it (retry resets).
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, exitReason string, completedAt *time.Time) error {
	var completed sql.NullString
	if completedAt != nil {
		completed = sql.NullString{String: formatTime(*completedAt), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, exit_reason = ?, completed_at = ? WHERE id = ?`,
		string(status), exitReason, completed, id)
	if err != nil {
		return fmt.Errorf("update status for agent %s: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateAgentState sets the advisory activity state by id.
func (s *Store) UpdateAgentState(ctx context.Context, id string, state models.ActivityState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("update state for agent %s: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateAgentPID records the detached runner's pid.
func (s *Store) UpdateAgentPID(ctx context.Context, id string, pid int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET pid = ? WHERE id = ?`, pid, id)
	if err != nil {
		return fmt.Errorf("update pid for agent %s: %w", id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetAgent fetches one agent by exact id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var row agentRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return rowToAgent(&row)
}

// GetAgentByPrefix fetches the most recently created agent whose id
// starts with prefix.
func (s *Store) GetAgentByPrefix(ctx context.Context, prefix string) (*models.Agent, error) {
	var row agentRow
	err := s.ro.GetContext(ctx, &row,
		`SELECT * FROM agents WHERE id LIKE ? || '%' ORDER BY created_at DESC LIMIT 1`, prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent prefix %s: %w", prefix, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by prefix %s: %w", prefix, err)
	}
	return rowToAgent(&row)
}

// AgentFilter narrows ListAgents. Zero values mean "no constraint".
type AgentFilter struct {
	Statuses  []models.AgentStatus
	Before    *time.Time // created before this instant
	ContextID string
}

// ListAgents returns agents matching the filter, newest first.
func (s *Store) ListAgents(ctx context.Context, filter AgentFilter) ([]*models.Agent, error) {
	query := `SELECT * FROM agents`
	var clauses []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.Before != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, formatTime(*filter.Before))
	}
	if filter.ContextID != "" {
		clauses = append(clauses, "context_id = ?")
		args = append(args, filter.ContextID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	var rows []agentRow
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents := make([]*models.Agent, 0, len(rows))
	for i := range rows {
		a, err := rowToAgent(&rows[i])
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// DeleteAgents removes the given agents and all their events.
func (s *Store) DeleteAgents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	eventsQuery, eventsArgs, err := sqlx.In(`DELETE FROM agent_events WHERE agent_id IN (?)`, ids)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(eventsQuery), eventsArgs...); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}

	agentsQuery, agentsArgs, err := sqlx.In(`DELETE FROM agents WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(agentsQuery), agentsArgs...); err != nil {
		return fmt.Errorf("delete agents: %w", err)
	}
	return tx.Commit()
}
