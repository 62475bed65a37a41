package domain

import (
	"fmt"
	"time"
)

// ModifierKind names a weekly challenge effect. Each kind adjusts exactly
// one scaling multiplier, except elite which touches health and damage.
type ModifierKind string

const (
	ModifierHealthUp     ModifierKind = "health_up"
	ModifierSpeedUp      ModifierKind = "speed_up"
	ModifierHealingDown  ModifierKind = "healing_down"
	ModifierDamageUp     ModifierKind = "damage_up"
	ModifierTimePressure ModifierKind = "time_pressure"
	ModifierSwarm        ModifierKind = "swarm"
	ModifierElite        ModifierKind = "elite"
	ModifierScarcity     ModifierKind = "scarcity"
	ModifierDarkness     ModifierKind = "darkness"
	ModifierChaos        ModifierKind = "chaos"
)

// ModifierKinds lists every rotatable kind in a fixed order.
var ModifierKinds = []ModifierKind{
	ModifierHealthUp,
	ModifierSpeedUp,
	ModifierHealingDown,
	ModifierDamageUp,
	ModifierTimePressure,
	ModifierSwarm,
	ModifierElite,
	ModifierScarcity,
	ModifierDarkness,
	ModifierChaos,
}

// ParseModifierKind validates a stored kind string.
func ParseModifierKind(s string) (ModifierKind, error) {
	for _, k := range ModifierKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown modifier kind %q", s)
}

// ModifierWindow is the fixed validity span of a weekly challenge.
const ModifierWindow = 7 * 24 * time.Hour

// GlobalModifier is the server-wide weekly challenge. At most one is
// current at any moment; rotation replaces the value, never mutates it.
type GlobalModifier struct {
	ID       string       `json:"id"`
	Kind     ModifierKind `json:"kind"`
	Strength float64      `json:"strength"`
	StartsAt time.Time    `json:"starts_at"`
	EndsAt   time.Time    `json:"ends_at"`
}

// NewGlobalModifier builds a modifier valid for one week from start.
func NewGlobalModifier(id string, kind ModifierKind, strength float64, start time.Time) GlobalModifier {
	return GlobalModifier{
		ID:       id,
		Kind:     kind,
		Strength: strength,
		StartsAt: start.UTC(),
		EndsAt:   start.UTC().Add(ModifierWindow),
	}
}

// Active reports whether now falls inside the validity window, inclusive
// on both ends.
func (m GlobalModifier) Active(now time.Time) bool {
	if m.Kind == "" {
		return false
	}
	return !now.Before(m.StartsAt) && !now.After(m.EndsAt)
}
