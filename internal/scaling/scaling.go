// Package scaling computes the frozen difficulty multipliers for a raid
// and the completion score at its end. Everything here is pure: identical
// inputs always yield identical outputs, so callers may invoke it from any
// goroutine.
package scaling

import (
	"math"
	"time"

	"raidcore/internal/domain"
)

// RosterStats is the progression signal for one roster, already resolved
// by the caller from the progression provider.
type RosterStats struct {
	Size     int
	AvgPower float64
}

type tierBonus struct {
	health, damage, mobs, time float64
}

var tierBonuses = map[domain.Tier]tierBonus{
	domain.TierNovice:      {1.0, 1.0, 1.0, 1.0},
	domain.TierAdept:       {1.2, 1.1, 1.0, 1.0},
	domain.TierMaster:      {1.5, 1.3, 1.2, 1.0},
	domain.TierConvergence: {2.0, 1.5, 1.5, 0.8},
}

func difficultyFactor(d domain.Difficulty) float64 {
	switch d {
	case domain.DifficultyPeaceful:
		return 0.5
	case domain.DifficultyEasy:
		return 0.8
	case domain.DifficultyHard:
		return 1.3
	default:
		return 1.0
	}
}

// Compute derives the four multipliers for one session. The modifier is
// optional; pass nil when none is active.
func Compute(roster RosterStats, def domain.ActivityDefinition, mod *domain.GlobalModifier, diff domain.Difficulty) domain.Scaling {
	bonus, ok := tierBonuses[def.Tier]
	if !ok {
		bonus = tierBonuses[domain.TierNovice]
	}

	playerCountFactor := math.Max(1.0, float64(roster.Size)*0.3)
	powerFactor := 1.0 + roster.AvgPower*0.15
	df := difficultyFactor(diff)

	s := domain.Scaling{
		Health:   playerCountFactor * powerFactor * df * bonus.health,
		Damage:   math.Max(1.0, powerFactor*0.8) * df * bonus.damage,
		MobCount: math.Max(1.0, float64(roster.Size)*0.2) * bonus.mobs,
		Time:     bonus.time,
	}

	if mod != nil {
		switch mod.Kind {
		case domain.ModifierHealthUp:
			s.Health *= mod.Strength
		case domain.ModifierDamageUp:
			s.Damage *= mod.Strength
		case domain.ModifierSwarm:
			s.MobCount *= mod.Strength
		case domain.ModifierTimePressure:
			s.Time *= mod.Strength
		case domain.ModifierElite:
			s.Health *= 1.3
			s.Damage *= 1.2
		}
	}
	return s
}

func baseScore(t domain.Tier) float64 {
	switch t {
	case domain.TierAdept:
		return 2000
	case domain.TierMaster:
		return 3000
	case domain.TierConvergence:
		return 5000
	default:
		return 1000
	}
}

// Score computes the completion score for a finished raid.
// completionTime is wall time from start to success; scaledLimit is the
// definition time limit after applying Scaling.Time.
func Score(def domain.ActivityDefinition, s domain.Scaling, rosterSize int, completionTime, scaledLimit time.Duration, modifierActive bool) int {
	timeBonus := 2.0
	if scaledLimit > 0 {
		timeBonus = 2.0 - completionTime.Seconds()/scaledLimit.Seconds()
	}
	if timeBonus < 0.5 {
		timeBonus = 0.5
	}
	if timeBonus > 2.0 {
		timeBonus = 2.0
	}

	difficultyMultiplier := (s.Health + s.Damage + s.MobCount) / 3.0

	score := int(math.Round(baseScore(def.Tier)*timeBonus*difficultyMultiplier)) + rosterSize*100
	if score < 100 {
		score = 100
	}
	if modifierActive {
		score = int(float64(score) * 1.5)
	}
	return score
}
