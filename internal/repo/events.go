package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// Event is one row of the append-only engine log.
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	ServerID   string         `json:"server_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// LatestEvents returns the newest events, optionally filtered. Empty
// filter values match everything.
func (r Repo) LatestEvents(ctx context.Context, n int, evtType, entityKind, entityID string) ([]Event, error) {
	if n <= 0 {
		n = 20
	}
	var conds []string
	var args []any
	if evtType != "" {
		conds = append(conds, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		conds = append(conds, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		conds = append(conds, "entity_id=?")
		args = append(args, entityID)
	}
	q := `SELECT id,ts,type,server_id,entity_kind,entity_id,payload_json FROM events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var ts, payload string
		var serverID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Type, &serverID, &e.EntityKind, &entityID, &payload); err != nil {
			return nil, err
		}
		e.TS = parseTime(ts)
		e.ServerID = serverID.String
		e.EntityID = entityID.String
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		res = append(res, e)
	}
	return res, rows.Err()
}
