// Package events appends engine lifecycle events to the store. The log is
// append-only and written inside the same transaction as the state change
// it describes.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	TypeRaidStarted        = "raid.started"
	TypeRaidEnded          = "raid.ended"
	TypeModifierRotated    = "modifier.rotated"
	TypeDistributedCreated = "distributed.created"
	TypeDistributedJoined  = "distributed.joined"
	TypeDistributedStarted = "distributed.started"
	TypeDistributedEnded   = "distributed.ended"
)

type Writer struct {
	DB       *sql.DB
	ServerID string
	Now      func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,server_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(w.ServerID), entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
