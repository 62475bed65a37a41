package repo_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"raidcore/internal/db"
	"raidcore/internal/domain"
	"raidcore/internal/events"
	"raidcore/internal/migrate"
	"raidcore/internal/repo"
)

func testTime() time.Time {
	return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
}

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx work: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func completion(sessionID string, score int) domain.CompletionRecord {
	return domain.CompletionRecord{
		SessionID:        sessionID,
		DefinitionID:     "hollow-warrens",
		Tier:             domain.TierNovice,
		ParticipantIDs:   []string{"p1", "p2"},
		ParticipantNames: []string{"Ayla", "Brom"},
		StartedAt:        testTime(),
		EndedAt:          testTime().Add(10 * time.Minute),
		Score:            score,
		ModifierActive:   true,
	}
}

func TestCompletionRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	rec := completion("s1", 1700)
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertCompletionTx(ctx, tx, rec) })

	got, err := r.GetCompletion(ctx, "s1")
	if err != nil {
		t.Fatalf("GetCompletion: %v", err)
	}
	if got.DefinitionID != rec.DefinitionID || got.Tier != rec.Tier || got.Score != rec.Score {
		t.Fatalf("got %+v", got)
	}
	if len(got.ParticipantIDs) != 2 || got.ParticipantIDs[1] != "p2" {
		t.Fatalf("participant ids = %v", got.ParticipantIDs)
	}
	if len(got.ParticipantNames) != 2 || got.ParticipantNames[0] != "Ayla" {
		t.Fatalf("participant names = %v", got.ParticipantNames)
	}
	if !got.StartedAt.Equal(rec.StartedAt) || !got.EndedAt.Equal(rec.EndedAt) {
		t.Fatalf("times %s / %s", got.StartedAt, got.EndedAt)
	}
	if !got.ModifierActive {
		t.Fatal("modifier flag lost")
	}

	if _, err := r.GetCompletion(ctx, "ghost"); err != repo.ErrNotFound {
		t.Fatalf("missing session err = %v", err)
	}
}

func TestCompletionAppendOnly(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertCompletionTx(ctx, tx, completion("s1", 1000)) })

	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertCompletionTx(ctx, tx, completion("s1", 2000)); err == nil {
		t.Fatal("second insert for the same session must fail")
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i, score := range []int{1200, 2600, 1800} {
		rec := completion("s"+string(rune('a'+i)), score)
		inTx(t, r, func(tx *sql.Tx) error { return r.InsertCompletionTx(ctx, tx, rec) })
	}
	other := completion("other", 9999)
	other.DefinitionID = "ashen-bastion"
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertCompletionTx(ctx, tx, other) })

	top, err := r.ListTopCompletions(ctx, "hollow-warrens", 2)
	if err != nil {
		t.Fatalf("ListTopCompletions: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("len = %d", len(top))
	}
	if top[0].Score != 2600 || top[1].Score != 1800 {
		t.Fatalf("scores = %d, %d", top[0].Score, top[1].Score)
	}

	counts, err := r.CountCompletionsByTier(ctx)
	if err != nil {
		t.Fatalf("CountCompletionsByTier: %v", err)
	}
	if counts["novice"] != 4 {
		t.Fatalf("novice count = %d", counts["novice"])
	}
}

func TestBestTimeUpsert(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.GetBestTime(ctx, "hollow-warrens"); err != repo.ErrNotFound {
		t.Fatalf("empty table err = %v", err)
	}

	first := repo.BestTime{DefinitionID: "hollow-warrens", SessionID: "s1", Duration: 9 * time.Minute, RecordedAt: testTime()}
	inTx(t, r, func(tx *sql.Tx) error { return r.UpsertBestTimeTx(ctx, tx, first) })

	faster := first
	faster.SessionID = "s2"
	faster.Duration = 7 * time.Minute
	inTx(t, r, func(tx *sql.Tx) error { return r.UpsertBestTimeTx(ctx, tx, faster) })

	got, err := r.GetBestTime(ctx, "hollow-warrens")
	if err != nil {
		t.Fatalf("GetBestTime: %v", err)
	}
	if got.SessionID != "s2" || got.Duration != 7*time.Minute {
		t.Fatalf("got %+v", got)
	}
}

func TestGuildCompletions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		gc := repo.GuildCompletion{
			GuildID:      "iron-pact",
			DefinitionID: "hollow-warrens",
			SessionID:    "s" + string(rune('a'+i)),
			Score:        1000 + i,
			CompletedAt:  testTime().Add(time.Duration(i) * time.Hour),
		}
		inTx(t, r, func(tx *sql.Tx) error { return r.InsertGuildCompletionTx(ctx, tx, gc) })
	}

	got, err := r.ListGuildCompletions(ctx, "iron-pact", 2)
	if err != nil {
		t.Fatalf("ListGuildCompletions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].SessionID != "sc" {
		t.Fatalf("newest first expected, got %s", got[0].SessionID)
	}
	if others, _ := r.ListGuildCompletions(ctx, "nobody", 0); len(others) != 0 {
		t.Fatalf("foreign guild rows leaked: %d", len(others))
	}
}

func TestModifierState(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.GetModifierState(ctx); err != repo.ErrNotFound {
		t.Fatalf("empty state err = %v", err)
	}

	m1 := domain.GlobalModifier{
		ID:       "modifier-2950",
		Kind:     domain.ModifierSwarm,
		Strength: 1.6,
		StartsAt: testTime(),
		EndsAt:   testTime().Add(domain.ModifierWindow),
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.UpsertModifierStateTx(ctx, tx, m1) })

	m2 := m1
	m2.ID = "modifier-2951"
	m2.Kind = domain.ModifierElite
	m2.Strength = 1.0
	inTx(t, r, func(tx *sql.Tx) error { return r.UpsertModifierStateTx(ctx, tx, m2) })

	got, err := r.GetModifierState(ctx)
	if err != nil {
		t.Fatalf("GetModifierState: %v", err)
	}
	if got.ID != "modifier-2951" || got.Kind != domain.ModifierElite {
		t.Fatalf("got %+v", got)
	}

	var history int
	if err := r.DB.QueryRow(`SELECT count(*) FROM modifier_history`).Scan(&history); err != nil {
		t.Fatal(err)
	}
	if history != 2 {
		t.Fatalf("history rows = %d, want 2", history)
	}
}

func TestInstanceLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	inst := domain.DistributedSession{
		InstanceID:   "i-1",
		DefinitionID: "convergence-rift",
		OriginServer: "alpha",
		Status:       domain.DistributedWaiting,
		CreatedAt:    testTime(),
	}
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertInstanceTx(ctx, tx, inst); err != nil {
			return err
		}
		if err := r.InsertMemberTx(ctx, tx, "i-1", "alpha", "2026-03-02T12:00:00Z", domain.Participant{ID: "p1", Name: "Ayla", GuildID: "iron-pact"}); err != nil {
			return err
		}
		return r.InsertMemberTx(ctx, tx, "i-1", "beta", "2026-03-02T12:00:00Z", domain.Participant{ID: "p2", Name: "Brom"})
	})

	got, err := r.GetInstance(ctx, "i-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != domain.DistributedWaiting || !got.CreatedAt.Equal(inst.CreatedAt) {
		t.Fatalf("got %+v", got)
	}
	if got.TotalParticipants() != 2 || got.ServerCount() != 2 {
		t.Fatalf("members %d across %d servers", got.TotalParticipants(), got.ServerCount())
	}
	if got.Participants["alpha"][0].GuildID != "iron-pact" {
		t.Fatalf("guild lost: %+v", got.Participants["alpha"])
	}
	if !got.StartAt.IsZero() {
		t.Fatalf("start_at should be unset, got %s", got.StartAt)
	}

	// Repeated join for the same player is a no-op.
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertMemberTx(ctx, tx, "i-1", "beta", "2026-03-02T12:00:00Z", domain.Participant{ID: "p2", Name: "Brom"})
	})
	got, _ = r.GetInstance(ctx, "i-1")
	if got.TotalParticipants() != 2 {
		t.Fatalf("duplicate member inserted: %d", got.TotalParticipants())
	}

	startAt := testTime().Add(15 * time.Second)
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.UpdateInstanceStatusTx(ctx, tx, "i-1", domain.DistributedReady, "2026-03-02T12:00:00Z"); err != nil {
			return err
		}
		return r.SetInstanceStartTx(ctx, tx, "i-1", startAt.Format(time.RFC3339), "2026-03-02T12:00:00Z")
	})
	got, _ = r.GetInstance(ctx, "i-1")
	if got.Status != domain.DistributedReady || !got.StartAt.Equal(startAt) {
		t.Fatalf("got %+v", got)
	}

	if _, err := r.GetInstance(ctx, "ghost"); err != repo.ErrNotFound {
		t.Fatalf("missing instance err = %v", err)
	}
}

func TestUpdateInstanceStatusMissing(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.UpdateInstanceStatusTx(ctx, tx, "ghost", domain.DistributedActive, "2026-03-02T12:00:00Z"); err != repo.ErrNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestListOpenInstances(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mk := func(id, origin string, status domain.DistributedStatus) {
		inst := domain.DistributedSession{
			InstanceID:   id,
			DefinitionID: "convergence-rift",
			OriginServer: origin,
			Status:       status,
			CreatedAt:    testTime(),
		}
		inTx(t, r, func(tx *sql.Tx) error { return r.InsertInstanceTx(ctx, tx, inst) })
	}
	mk("i-wait", "alpha", domain.DistributedWaiting)
	mk("i-active", "alpha", domain.DistributedActive)
	mk("i-done", "alpha", domain.DistributedCompleted)
	mk("i-other", "beta", domain.DistributedWaiting)

	open, err := r.ListOpenInstances(ctx, "alpha")
	if err != nil {
		t.Fatalf("ListOpenInstances: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open = %d, want 2", len(open))
	}
	for _, inst := range open {
		if inst.Status.Terminal() || inst.OriginServer != "alpha" {
			t.Fatalf("unexpected instance %+v", inst)
		}
	}
}

func TestSyncContributions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	inst := domain.DistributedSession{
		InstanceID:   "i-1",
		DefinitionID: "convergence-rift",
		OriginServer: "alpha",
		Status:       domain.DistributedActive,
		CreatedAt:    testTime(),
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertInstanceTx(ctx, tx, inst) })

	inTx(t, r, func(tx *sql.Tx) error {
		return r.UpsertSyncTx(ctx, tx, "i-1", "beta", "active", 2, 12, "2026-03-02T12:00:00Z")
	})
	inTx(t, r, func(tx *sql.Tx) error {
		return r.UpsertSyncTx(ctx, tx, "i-1", "beta", "active", 3, 20, "2026-03-02T12:01:00Z")
	})

	got, err := r.GetInstance(ctx, "i-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Contributions["beta"] != 20 {
		t.Fatalf("contribution = %d, want 20", got.Contributions["beta"])
	}
}

func TestLatestEvents(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB, ServerID: "alpha", Now: testTime}

	inTx(t, r, func(tx *sql.Tx) error {
		if err := w.Append(ctx, tx, events.TypeRaidStarted, "session", "s1", events.EventPayload{"definition_id": "hollow-warrens"}); err != nil {
			return err
		}
		if err := w.Append(ctx, tx, events.TypeRaidEnded, "session", "s1", nil); err != nil {
			return err
		}
		return w.Append(ctx, tx, events.TypeRaidStarted, "session", "s2", nil)
	})

	all, err := r.LatestEvents(ctx, 10, "", "", "")
	if err != nil {
		t.Fatalf("LatestEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].EntityID != "s2" {
		t.Fatalf("newest first expected, got %s", all[0].EntityID)
	}
	if all[0].ServerID != "alpha" || !all[0].TS.Equal(testTime()) {
		t.Fatalf("event = %+v", all[0])
	}

	started, err := r.LatestEvents(ctx, 10, events.TypeRaidStarted, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(started) != 2 {
		t.Fatalf("filtered len = %d", len(started))
	}

	one, err := r.LatestEvents(ctx, 10, "", "session", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 2 {
		t.Fatalf("entity filter len = %d", len(one))
	}
	if len(one[0].Payload) != 0 {
		t.Fatalf("payload = %v", one[0].Payload)
	}
}

func TestCrossServerStats(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	empty, err := r.GetCrossServerStats(ctx)
	if err != nil {
		t.Fatalf("GetCrossServerStats: %v", err)
	}
	if len(empty.InstancesByStatus) != 0 || empty.TotalParticipants != 0 {
		t.Fatalf("empty store stats = %+v", empty)
	}

	mk := func(id string, status domain.DistributedStatus) domain.DistributedSession {
		return domain.DistributedSession{
			InstanceID:   id,
			DefinitionID: "convergence-rift",
			OriginServer: "alpha",
			Status:       status,
			CreatedAt:    testTime(),
		}
	}
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertInstanceTx(ctx, tx, mk("i-1", domain.DistributedWaiting)); err != nil {
			return err
		}
		if err := r.InsertInstanceTx(ctx, tx, mk("i-2", domain.DistributedActive)); err != nil {
			return err
		}
		if err := r.InsertInstanceTx(ctx, tx, mk("i-3", domain.DistributedActive)); err != nil {
			return err
		}
		for i, srv := range []string{"alpha", "alpha", "beta"} {
			p := domain.Participant{ID: fmt.Sprintf("p%d", i+1), Name: "x"}
			if err := r.InsertMemberTx(ctx, tx, "i-2", srv, "2026-03-02T12:00:00Z", p); err != nil {
				return err
			}
		}
		if err := r.UpsertSyncTx(ctx, tx, "i-2", "alpha", "active", 1, 30, "2026-03-02T12:00:00Z"); err != nil {
			return err
		}
		if err := r.UpsertSyncTx(ctx, tx, "i-2", "beta", "active", 1, 12, "2026-03-02T12:00:00Z"); err != nil {
			return err
		}
		return r.UpsertSyncTx(ctx, tx, "i-3", "beta", "active", 0, 8, "2026-03-02T12:01:00Z")
	})

	stats, err := r.GetCrossServerStats(ctx)
	if err != nil {
		t.Fatalf("GetCrossServerStats: %v", err)
	}
	if stats.InstancesByStatus[string(domain.DistributedWaiting)] != 1 ||
		stats.InstancesByStatus[string(domain.DistributedActive)] != 2 {
		t.Fatalf("instances = %+v", stats.InstancesByStatus)
	}
	if stats.ParticipantsByServer["alpha"] != 2 || stats.ParticipantsByServer["beta"] != 1 {
		t.Fatalf("participants = %+v", stats.ParticipantsByServer)
	}
	if stats.TotalParticipants != 3 {
		t.Fatalf("total participants = %d", stats.TotalParticipants)
	}
	if stats.ContributionsByServer["alpha"] != 30 || stats.ContributionsByServer["beta"] != 20 {
		t.Fatalf("contributions = %+v", stats.ContributionsByServer)
	}
}
