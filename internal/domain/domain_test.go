package domain_test

import (
	"testing"
	"time"

	"raidcore/internal/domain"
)

func TestTierRoundTrip(t *testing.T) {
	for _, tier := range []domain.Tier{
		domain.TierNovice, domain.TierAdept, domain.TierMaster, domain.TierConvergence,
	} {
		parsed, err := domain.ParseTier(tier.String())
		if err != nil || parsed != tier {
			t.Fatalf("round trip %s: got %v, %v", tier, parsed, err)
		}
	}
	if _, err := domain.ParseTier("mythic"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestObjectiveTargets(t *testing.T) {
	want := map[domain.Tier]int{
		domain.TierNovice:      3,
		domain.TierAdept:       5,
		domain.TierMaster:      7,
		domain.TierConvergence: 10,
	}
	for tier, n := range want {
		if got := tier.ObjectiveTarget(); got != n {
			t.Fatalf("%s objective target = %d, want %d", tier, got, n)
		}
	}
}

func TestDefinitionValidate(t *testing.T) {
	valid := domain.ActivityDefinition{ID: "d", Tier: domain.TierNovice, MinRoster: 1, MaxRoster: 4, TimeLimit: 60}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}
	cases := []domain.ActivityDefinition{
		{Tier: domain.TierNovice, MinRoster: 1, MaxRoster: 4, TimeLimit: 60},
		{ID: "d", MinRoster: 1, MaxRoster: 4, TimeLimit: 60},
		{ID: "d", Tier: domain.TierNovice, MinRoster: 0, MaxRoster: 4, TimeLimit: 60},
		{ID: "d", Tier: domain.TierNovice, MinRoster: 5, MaxRoster: 4, TimeLimit: 60},
		{ID: "d", Tier: domain.TierNovice, MinRoster: 1, MaxRoster: 4, TimeLimit: 0},
	}
	for i, def := range cases {
		if err := def.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestModifierWindowInclusive(t *testing.T) {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	m := domain.NewGlobalModifier("m", domain.ModifierSwarm, 1.6, start)

	if m.EndsAt.Sub(m.StartsAt) != domain.ModifierWindow {
		t.Fatalf("window span = %s", m.EndsAt.Sub(m.StartsAt))
	}
	if !m.Active(start) {
		t.Fatal("start boundary should be active")
	}
	if !m.Active(m.EndsAt) {
		t.Fatal("end boundary should be active")
	}
	if m.Active(start.Add(-time.Second)) {
		t.Fatal("before start should be inactive")
	}
	if m.Active(m.EndsAt.Add(time.Second)) {
		t.Fatal("after end should be inactive")
	}
	if (domain.GlobalModifier{}).Active(start) {
		t.Fatal("zero modifier should never be active")
	}
}

func TestDistributedQuorum(t *testing.T) {
	def := domain.ActivityDefinition{
		ID: "d", Tier: domain.TierConvergence, MinRoster: 4, MaxRoster: 8, TimeLimit: 60,
		MinServers: 2, MinParticipants: 6,
	}
	ds := domain.DistributedSession{
		Participants: map[string][]domain.Participant{
			"alpha": {{ID: "a1"}, {ID: "a2"}, {ID: "a3"}},
			"beta":  {{ID: "b1"}, {ID: "b2"}},
		},
	}
	if ds.QuorumMet(def) {
		t.Fatal("five participants should not meet a six-participant quorum")
	}
	ds.Participants["beta"] = append(ds.Participants["beta"], domain.Participant{ID: "b3"})
	if !ds.QuorumMet(def) {
		t.Fatal("six participants on two servers should meet quorum")
	}

	// enough players on too few servers still fails
	single := domain.DistributedSession{
		Participants: map[string][]domain.Participant{
			"alpha": {{ID: "a1"}, {ID: "a2"}, {ID: "a3"}, {ID: "a4"}, {ID: "a5"}, {ID: "a6"}},
		},
	}
	if single.QuorumMet(def) {
		t.Fatal("one server should not meet a two-server quorum")
	}
	if !single.HasParticipant("a4") || single.HasParticipant("zz") {
		t.Fatal("HasParticipant lookup broken")
	}
}

func TestDistributedStatusTerminal(t *testing.T) {
	for status, terminal := range map[domain.DistributedStatus]bool{
		domain.DistributedWaiting:   false,
		domain.DistributedReady:     false,
		domain.DistributedActive:    false,
		domain.DistributedCompleted: true,
		domain.DistributedFailed:    true,
		domain.DistributedCancelled: true,
	} {
		if status.Terminal() != terminal {
			t.Fatalf("%s terminal = %v", status, status.Terminal())
		}
	}
}
