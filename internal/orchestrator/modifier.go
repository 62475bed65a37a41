package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"raidcore/internal/broadcast"
	"raidcore/internal/domain"
	"raidcore/internal/events"
	"raidcore/internal/repo"
)

// drawModifier picks the next weekly challenge uniformly from the pool,
// never repeating the kind it replaces. The window opens at now.
func (o *Orchestrator) drawModifier(now time.Time) domain.GlobalModifier {
	pool := make([]domain.ModifierKind, 0, len(domain.ModifierKinds))
	for _, k := range domain.ModifierKinds {
		if o.modifier != nil && k == o.modifier.Kind {
			continue
		}
		pool = append(pool, k)
	}
	kind := pool[o.rng.Intn(len(pool))]
	strength, ok := o.deps.Strengths[string(kind)]
	if !ok || strength <= 0 {
		strength = 1.0
	}
	return domain.NewGlobalModifier(fmt.Sprintf("modifier-%s", uuid.NewString()), kind, strength, now)
}

// activeModifier returns the current modifier if its window covers now.
func (o *Orchestrator) activeModifier(now time.Time) *domain.GlobalModifier {
	if o.modifier == nil || !o.modifier.Active(now) {
		return nil
	}
	return o.modifier
}

// CurrentModifier is the active modifier, or nil. Loop-confined.
func (o *Orchestrator) CurrentModifier() *domain.GlobalModifier {
	return o.activeModifier(o.now())
}

// RestoreModifier loads the persisted modifier at startup. Call before
// the loop runs.
func (o *Orchestrator) RestoreModifier(ctx context.Context) error {
	m, err := o.deps.Repo.GetModifierState(ctx)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil
		}
		return err
	}
	o.modifier = &m
	return nil
}

// CheckRotation replaces the modifier once its window has lapsed.
// Calling it while the current modifier is still valid is a no-op.
// Returns true when a new modifier took effect. Sessions already running
// keep their frozen scaling. Loop-confined.
func (o *Orchestrator) CheckRotation() bool {
	now := o.now()
	if o.modifier != nil && o.modifier.Active(now) {
		return false
	}
	next := o.drawModifier(now)
	o.modifier = &next
	o.log.Info().
		Str("modifier", next.ID).
		Str("kind", string(next.Kind)).
		Float64("strength", next.Strength).
		Time("until", next.EndsAt).
		Msg("modifier rotated")

	go o.persistModifier(next)
	if o.deps.Channel != nil {
		err := o.deps.Channel.Publish(broadcast.KindModifier, broadcast.Payload{
			"id":        next.ID,
			"kind":      string(next.Kind),
			"strength":  next.Strength,
			"starts_at": next.StartsAt.Format(time.RFC3339),
			"ends_at":   next.EndsAt.Format(time.RFC3339),
		})
		if err != nil {
			o.log.Error().Err(err).Msg("modifier announce failed")
		}
	}
	return true
}

func (o *Orchestrator) persistModifier(m domain.GlobalModifier) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tx, err := o.deps.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		o.log.Error().Err(err).Msg("modifier tx failed")
		return
	}
	defer tx.Rollback()
	if err := o.deps.Repo.UpsertModifierStateTx(ctx, tx, m); err != nil {
		o.log.Error().Err(err).Msg("modifier persist failed")
		return
	}
	err = o.deps.Events.Append(ctx, tx, events.TypeModifierRotated, "modifier", m.ID, events.EventPayload{
		"kind":     string(m.Kind),
		"strength": m.Strength,
	})
	if err != nil {
		o.log.Error().Err(err).Msg("event append failed")
		return
	}
	if err := tx.Commit(); err != nil {
		o.log.Error().Err(err).Msg("modifier commit failed")
	}
}
