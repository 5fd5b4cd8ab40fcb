package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/camdev/cam/internal/models"
)

// AppendEvent persists one agent event. Insertion order gives per-agent
// ordering via the auto-increment key.
func (s *Store) AppendEvent(ctx context.Context, ev models.AgentEvent) error {
	detail := ev.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal event detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_events (agent_id, timestamp, event_type, detail_json) VALUES (?, ?, ?, ?)`,
		ev.AgentID, formatTime(ev.Timestamp), ev.Type, string(detailJSON))
	if err != nil {
		return fmt.Errorf("append event for agent %s: %w", ev.AgentID, err)
	}
	return nil
}

// ListEvents returns all events for an agent in insertion order.
func (s *Store) ListEvents(ctx context.Context, agentID string) ([]models.AgentEvent, error) {
	type eventRow struct {
		AgentID    string `db:"agent_id"`
		Timestamp  string `db:"timestamp"`
		EventType  string `db:"event_type"`
		DetailJSON string `db:"detail_json"`
	}
	var rows []eventRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT agent_id, timestamp, event_type, detail_json
		 FROM agent_events WHERE agent_id = ? ORDER BY auto_id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list events for agent %s: %w", agentID, err)
	}
	events := make([]models.AgentEvent, 0, len(rows))
	for _, row := range rows {
		ev := models.AgentEvent{
			AgentID:   row.AgentID,
			Timestamp: parseTime(row.Timestamp),
			Type:      row.EventType,
		}
		if row.DetailJSON != "" && row.DetailJSON != "{}" {
			if err := json.Unmarshal([]byte(row.DetailJSON), &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal event detail: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, nil
}
