package repo

import (
	"context"
	"database/sql"

	"raidcore/internal/domain"
)

// InsertInstanceTx persists a freshly announced cross-server raid.
func (r Repo) InsertInstanceTx(ctx context.Context, tx *sql.Tx, inst domain.DistributedSession) error {
	startAt := ""
	if !inst.StartAt.IsZero() {
		startAt = formatTime(inst.StartAt)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO raid_instances(instance_id,definition_id,origin_server,status,created_at,start_at,updated_at)
VALUES (?,?,?,?,?,?,?)`,
		inst.InstanceID, inst.DefinitionID, inst.OriginServer, string(inst.Status),
		formatTime(inst.CreatedAt), nullableStr(startAt), formatTime(inst.CreatedAt))
	return err
}

// UpdateInstanceStatusTx moves an instance to a new lifecycle status.
func (r Repo) UpdateInstanceStatusTx(ctx context.Context, tx *sql.Tx, instanceID string, status domain.DistributedStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE raid_instances SET status=?, updated_at=? WHERE instance_id=?`,
		string(status), updatedAt, instanceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetInstanceStartTx records the agreed synchronized start time.
func (r Repo) SetInstanceStartTx(ctx context.Context, tx *sql.Tx, instanceID, startAt, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE raid_instances SET start_at=?, updated_at=? WHERE instance_id=?`,
		startAt, updatedAt, instanceID)
	return err
}

// GetInstance loads one instance with its members.
func (r Repo) GetInstance(ctx context.Context, instanceID string) (domain.DistributedSession, error) {
	var inst domain.DistributedSession
	var status, created string
	var startAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT instance_id,definition_id,origin_server,status,created_at,start_at FROM raid_instances WHERE instance_id=?`, instanceID).
		Scan(&inst.InstanceID, &inst.DefinitionID, &inst.OriginServer, &status, &created, &startAt)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	inst.Status, err = domain.ParseDistributedStatus(status)
	if err != nil {
		return inst, err
	}
	inst.CreatedAt = parseTime(created)
	if startAt.Valid {
		inst.StartAt = parseTime(startAt.String)
	}
	inst.Participants, err = r.listMembers(ctx, instanceID)
	if err != nil {
		return inst, err
	}
	inst.Contributions, err = r.listContributions(ctx, instanceID)
	return inst, err
}

// ListOpenInstances returns every non-terminal instance originated by a
// server. Used to rebuild coordinator state after a restart.
func (r Repo) ListOpenInstances(ctx context.Context, originServer string) ([]domain.DistributedSession, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT instance_id FROM raid_instances WHERE origin_server=? AND status NOT IN ('completed','failed','cancelled')`, originServer)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	var res []domain.DistributedSession
	for _, id := range ids {
		inst, err := r.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, nil
}

// InsertMemberTx records one player joining from one server. The primary
// key makes a repeated join for the same player a no-op at the caller.
func (r Repo) InsertMemberTx(ctx context.Context, tx *sql.Tx, instanceID, serverID, joinedAt string, p domain.Participant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO raid_members(instance_id,player_id,server_id,player_name,guild_id,joined_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(instance_id,player_id) DO NOTHING`,
		instanceID, p.ID, serverID, p.Name, nullableStr(p.GuildID), joinedAt)
	return err
}

func (r Repo) listMembers(ctx context.Context, instanceID string) (map[string][]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT player_id,server_id,player_name,guild_id FROM raid_members WHERE instance_id=? ORDER BY server_id, player_id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.Participant{}
	for rows.Next() {
		var p domain.Participant
		var serverID string
		var guild sql.NullString
		if err := rows.Scan(&p.ID, &serverID, &p.Name, &guild); err != nil {
			return nil, err
		}
		p.GuildID = guild.String
		res[serverID] = append(res[serverID], p)
	}
	return res, rows.Err()
}

// UpsertSyncTx stores one server's periodic progress report.
func (r Repo) UpsertSyncTx(ctx context.Context, tx *sql.Tx, instanceID, serverID, phase string, objectives, contribution int, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO raid_sync(instance_id,server_id,phase,objectives,contribution,updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(instance_id,server_id) DO UPDATE SET phase=excluded.phase, objectives=excluded.objectives, contribution=excluded.contribution, updated_at=excluded.updated_at`,
		instanceID, serverID, phase, objectives, contribution, updatedAt)
	return err
}

func (r Repo) listContributions(ctx context.Context, instanceID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT server_id,contribution FROM raid_sync WHERE instance_id=?`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var serverID string
		var contribution int
		if err := rows.Scan(&serverID, &contribution); err != nil {
			return nil, err
		}
		res[serverID] = contribution
	}
	return res, rows.Err()
}

// CrossServerStats aggregates the shared distributed tables for the
// statistics surfaces.
type CrossServerStats struct {
	InstancesByStatus     map[string]int `json:"instances_by_status"`
	ParticipantsByServer  map[string]int `json:"participants_by_server"`
	ContributionsByServer map[string]int `json:"contributions_by_server"`
	TotalParticipants     int            `json:"total_participants"`
}

func (r Repo) GetCrossServerStats(ctx context.Context) (CrossServerStats, error) {
	stats := CrossServerStats{
		InstancesByStatus:     map[string]int{},
		ParticipantsByServer:  map[string]int{},
		ContributionsByServer: map[string]int{},
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT status,COUNT(*) FROM raid_instances GROUP BY status`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.InstancesByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = r.DB.QueryContext(ctx, `SELECT server_id,COUNT(*) FROM raid_members GROUP BY server_id`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var serverID string
		var n int
		if err := rows.Scan(&serverID, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ParticipantsByServer[serverID] = n
		stats.TotalParticipants += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = r.DB.QueryContext(ctx, `SELECT server_id,SUM(contribution) FROM raid_sync GROUP BY server_id`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var serverID string
		var total int
		if err := rows.Scan(&serverID, &total); err != nil {
			return stats, err
		}
		stats.ContributionsByServer[serverID] = total
	}
	return stats, rows.Err()
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
