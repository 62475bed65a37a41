package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"raidcore/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// InsertCompletionTx appends one leaderboard row. Append-only: a second
// insert for the same session id fails on the unique constraint.
func (r Repo) InsertCompletionTx(ctx context.Context, tx *sql.Tx, rec domain.CompletionRecord) error {
	ids, err := json.Marshal(rec.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("marshal participant ids: %w", err)
	}
	names, err := json.Marshal(rec.ParticipantNames)
	if err != nil {
		return fmt.Errorf("marshal participant names: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO completion_records(session_id,definition_id,tier,participant_ids_json,participant_names_json,started_at,ended_at,score,modifier_active)
VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.SessionID, rec.DefinitionID, rec.Tier.String(), string(ids), string(names),
		formatTime(rec.StartedAt), formatTime(rec.EndedAt), rec.Score, boolToInt(rec.ModifierActive))
	return err
}

func scanCompletion(scan func(dest ...any) error) (domain.CompletionRecord, error) {
	var rec domain.CompletionRecord
	var tier, idsJSON, namesJSON, started, ended string
	var modActive int
	if err := scan(&rec.SessionID, &rec.DefinitionID, &tier, &idsJSON, &namesJSON, &started, &ended, &rec.Score, &modActive); err != nil {
		return rec, err
	}
	rec.Tier, _ = domain.ParseTier(tier)
	_ = json.Unmarshal([]byte(idsJSON), &rec.ParticipantIDs)
	_ = json.Unmarshal([]byte(namesJSON), &rec.ParticipantNames)
	rec.StartedAt = parseTime(started)
	rec.EndedAt = parseTime(ended)
	rec.ModifierActive = modActive != 0
	return rec, nil
}

const completionColumns = `session_id,definition_id,tier,participant_ids_json,participant_names_json,started_at,ended_at,score,modifier_active`

// GetCompletion returns the record for one session.
func (r Repo) GetCompletion(ctx context.Context, sessionID string) (domain.CompletionRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+completionColumns+` FROM completion_records WHERE session_id=?`, sessionID)
	rec, err := scanCompletion(row.Scan)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// ListTopCompletions returns the leaderboard for one definition, best
// score first.
func (r Repo) ListTopCompletions(ctx context.Context, definitionID string, limit int) ([]domain.CompletionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+completionColumns+` FROM completion_records WHERE definition_id=? ORDER BY score DESC, ended_at ASC LIMIT ?`, definitionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CompletionRecord
	for rows.Next() {
		rec, err := scanCompletion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountCompletionsByTier aggregates leaderboard rows per tier.
func (r Repo) CountCompletionsByTier(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tier, count(*) FROM completion_records GROUP BY tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, err
		}
		res[tier] = count
	}
	return res, rows.Err()
}

// BestTime is the fastest completion for a definition.
type BestTime struct {
	DefinitionID string
	SessionID    string
	Duration     time.Duration
	RecordedAt   time.Time
}

// GetBestTime returns the current record for a definition.
func (r Repo) GetBestTime(ctx context.Context, definitionID string) (BestTime, error) {
	var bt BestTime
	var seconds float64
	var recorded string
	err := r.DB.QueryRowContext(ctx, `SELECT definition_id,session_id,duration_seconds,recorded_at FROM best_times WHERE definition_id=?`, definitionID).
		Scan(&bt.DefinitionID, &bt.SessionID, &seconds, &recorded)
	if err == sql.ErrNoRows {
		return bt, ErrNotFound
	}
	if err != nil {
		return bt, err
	}
	bt.Duration = time.Duration(seconds * float64(time.Second))
	bt.RecordedAt = parseTime(recorded)
	return bt, nil
}

// UpsertBestTimeTx replaces the record for a definition.
func (r Repo) UpsertBestTimeTx(ctx context.Context, tx *sql.Tx, bt BestTime) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO best_times(definition_id,session_id,duration_seconds,recorded_at) VALUES (?,?,?,?)
ON CONFLICT(definition_id) DO UPDATE SET session_id=excluded.session_id, duration_seconds=excluded.duration_seconds, recorded_at=excluded.recorded_at`,
		bt.DefinitionID, bt.SessionID, bt.Duration.Seconds(), formatTime(bt.RecordedAt))
	return err
}

// GuildCompletion is one group-level completion row.
type GuildCompletion struct {
	GuildID      string
	DefinitionID string
	SessionID    string
	Score        int
	CompletedAt  time.Time
}

func (r Repo) InsertGuildCompletionTx(ctx context.Context, tx *sql.Tx, gc GuildCompletion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO guild_completions(guild_id,definition_id,session_id,score,completed_at) VALUES (?,?,?,?,?)`,
		gc.GuildID, gc.DefinitionID, gc.SessionID, gc.Score, formatTime(gc.CompletedAt))
	return err
}

func (r Repo) ListGuildCompletions(ctx context.Context, guildID string, limit int) ([]GuildCompletion, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT guild_id,definition_id,session_id,score,completed_at FROM guild_completions WHERE guild_id=? ORDER BY completed_at DESC LIMIT ?`, guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []GuildCompletion
	for rows.Next() {
		var gc GuildCompletion
		var completed string
		if err := rows.Scan(&gc.GuildID, &gc.DefinitionID, &gc.SessionID, &gc.Score, &completed); err != nil {
			return nil, err
		}
		gc.CompletedAt = parseTime(completed)
		res = append(res, gc)
	}
	return res, rows.Err()
}

// GetModifierState loads the persisted current modifier, if any.
func (r Repo) GetModifierState(ctx context.Context) (domain.GlobalModifier, error) {
	var m domain.GlobalModifier
	var kind, starts, ends string
	err := r.DB.QueryRowContext(ctx, `SELECT modifier_id,kind,strength,starts_at,ends_at FROM modifier_state WHERE singleton=1`).
		Scan(&m.ID, &kind, &m.Strength, &starts, &ends)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Kind, err = domain.ParseModifierKind(kind)
	if err != nil {
		return m, err
	}
	m.StartsAt = parseTime(starts)
	m.EndsAt = parseTime(ends)
	return m, nil
}

// UpsertModifierStateTx stores the current modifier and appends history.
func (r Repo) UpsertModifierStateTx(ctx context.Context, tx *sql.Tx, m domain.GlobalModifier) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO modifier_state(singleton,modifier_id,kind,strength,starts_at,ends_at) VALUES (1,?,?,?,?,?)
ON CONFLICT(singleton) DO UPDATE SET modifier_id=excluded.modifier_id, kind=excluded.kind, strength=excluded.strength, starts_at=excluded.starts_at, ends_at=excluded.ends_at`,
		m.ID, string(m.Kind), m.Strength, formatTime(m.StartsAt), formatTime(m.EndsAt))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO modifier_history(modifier_id,kind,strength,starts_at,ends_at) VALUES (?,?,?,?,?)`,
		m.ID, string(m.Kind), m.Strength, formatTime(m.StartsAt), formatTime(m.EndsAt))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
