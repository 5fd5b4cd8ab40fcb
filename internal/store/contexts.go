package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/camdev/cam/internal/models"
)

// ErrDuplicateName is returned when a context name is already taken.
var ErrDuplicateName = errors.New("context name already exists")

type contextRow struct {
	ID                string `db:"id"`
	Name              string `db:"name"`
	Path              string `db:"path"`
	MachineConfigJSON string `db:"machine_config_json"`
	TagsJSON          string `db:"tags_json"`
	PreCommand        string `db:"pre_command"`
	CreatedAt         string `db:"created_at"`
	LastUsedAt        string `db:"last_used_at"`
}

func contextToRow(c *models.Context) (*contextRow, error) {
	machineJSON, err := json.Marshal(c.Machine)
	if err != nil {
		return nil, fmt.Errorf("marshal machine config: %w", err)
	}
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	row := &contextRow{
		ID:                c.ID,
		Name:              c.Name,
		Path:              c.Path,
		MachineConfigJSON: string(machineJSON),
		TagsJSON:          string(tagsJSON),
		PreCommand:        c.PreCommand,
		CreatedAt:         formatTime(c.CreatedAt),
	}
	if !c.LastUsedAt.IsZero() {
		row.LastUsedAt = formatTime(c.LastUsedAt)
	}
	return row, nil
}

func rowToContext(row *contextRow) (*models.Context, error) {
	c := &models.Context{
		ID:         row.ID,
		Name:       row.Name,
		Path:       row.Path,
		PreCommand: row.PreCommand,
		CreatedAt:  parseTime(row.CreatedAt),
	}
	if row.LastUsedAt != "" {
		c.LastUsedAt = parseTime(row.LastUsedAt)
	}
	if err := json.Unmarshal([]byte(row.MachineConfigJSON), &c.Machine); err != nil {
		return nil, fmt.Errorf("unmarshal machine config for context %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.TagsJSON), &c.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags for context %s: %w", row.ID, err)
	}
	return c, nil
}

// CreateContext inserts a new context; the name must be unique.
func (s *Store) CreateContext(ctx context.Context, c *models.Context) error {
	if err := c.Validate(); err != nil {
		return err
	}
	row, err := contextToRow(c)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO contexts (id, name, path, machine_config_json, tags_json, pre_command, created_at, last_used_at)
		VALUES (:id, :name, :path, :machine_config_json, :tags_json, :pre_command, :created_at, :last_used_at)`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("context %q: %w", c.Name, ErrDuplicateName)
		}
		return fmt.Errorf("create context %q: %w", c.Name, err)
	}
	return nil
}

// UpdateContext replaces a context's mutable fields by id.
func (s *Store) UpdateContext(ctx context.Context, c *models.Context) error {
	if err := c.Validate(); err != nil {
		return err
	}
	row, err := contextToRow(c)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE contexts SET
			name = :name, path = :path, machine_config_json = :machine_config_json,
			tags_json = :tags_json, pre_command = :pre_command, last_used_at = :last_used_at
		WHERE id = :id`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("context %q: %w", c.Name, ErrDuplicateName)
		}
		return fmt.Errorf("update context %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("context %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// TouchContext stamps last_used_at.
func (s *Store) TouchContext(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contexts SET last_used_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), id)
	return err
}

// GetContext fetches a context by id.
func (s *Store) GetContext(ctx context.Context, id string) (*models.Context, error) {
	var row contextRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM contexts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("context %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get context %s: %w", id, err)
	}
	return rowToContext(&row)
}

// GetContextByName fetches a context by its unique name.
func (s *Store) GetContextByName(ctx context.Context, name string) (*models.Context, error) {
	var row contextRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM contexts WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("context %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get context %q: %w", name, err)
	}
	return rowToContext(&row)
}

// ListContexts returns all contexts ordered by name.
func (s *Store) ListContexts(ctx context.Context) ([]*models.Context, error) {
	var rows []contextRow
	if err := s.ro.SelectContext(ctx, &rows, `SELECT * FROM contexts ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	contexts := make([]*models.Context, 0, len(rows))
	for i := range rows {
		c, err := rowToContext(&rows[i])
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, c)
	}
	return contexts, nil
}

// DeleteContext removes a context. Agents keep their denormalized
// context fields; history survives the context.
func (s *Store) DeleteContext(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete context %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("context %s: %w", id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
