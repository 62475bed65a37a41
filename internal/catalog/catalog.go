// Package catalog holds the immutable registry of raid definitions.
// Definitions are registered once at startup; lookups after that are
// read-only and safe from any goroutine.
package catalog

import (
	"fmt"
	"sort"

	"raidcore/internal/domain"
)

// Catalog is the definition registry. Register everything before handing
// the catalog to the orchestrator; it is not safe for concurrent
// registration.
type Catalog struct {
	defs   map[string]domain.ActivityDefinition
	sealed bool
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{defs: make(map[string]domain.ActivityDefinition)}
}

// Register validates and adds a definition. Definitions without an
// explicit behavior get the tier-threshold default.
func (c *Catalog) Register(def domain.ActivityDefinition) error {
	if c.sealed {
		return fmt.Errorf("catalog sealed; register definitions at startup only")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if _, exists := c.defs[def.ID]; exists {
		return fmt.Errorf("definition %s already registered", def.ID)
	}
	if def.Behavior == nil {
		def.Behavior = ThresholdBehavior{}
	}
	c.defs[def.ID] = def
	return nil
}

// Seal freezes the catalog. Further Register calls fail.
func (c *Catalog) Seal() { c.sealed = true }

// Get returns the definition by id.
func (c *Catalog) Get(id string) (domain.ActivityDefinition, bool) {
	def, ok := c.defs[id]
	return def, ok
}

// List returns all definitions ordered by tier, then id.
func (c *Catalog) List() []domain.ActivityDefinition {
	out := make([]domain.ActivityDefinition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ThresholdBehavior is the default strategy: a raid completes when enough
// objectives are recorded, and fails when nobody on the roster is still
// standing.
type ThresholdBehavior struct{}

func (ThresholdBehavior) EvaluateCompletion(p domain.Progress) bool {
	return p.ObjectiveGoal > 0 && p.ObjectivesDone >= p.ObjectiveGoal
}

func (ThresholdBehavior) EvaluateFailure(p domain.Progress) bool {
	return p.RosterSize > 0 && p.RosterActive == 0
}

func (ThresholdBehavior) DescribeObjective(p domain.Progress) string {
	return fmt.Sprintf("objectives %d/%d", p.ObjectivesDone, p.ObjectiveGoal)
}

// BossBehavior is the strategy for gauge raids: the boss gauge must stay
// above zero while the kill counter reaches its target.
type BossBehavior struct {
	KillTarget int
}

func (b BossBehavior) EvaluateCompletion(p domain.Progress) bool {
	return p.BossGauge > 0 && p.KillCount >= b.KillTarget
}

func (b BossBehavior) EvaluateFailure(p domain.Progress) bool {
	if p.BossGauge <= 0 {
		return true
	}
	return p.RosterSize > 0 && p.RosterActive == 0
}

func (b BossBehavior) DescribeObjective(p domain.Progress) string {
	return fmt.Sprintf("gauge %.0f%%, kills %d/%d", p.BossGauge, p.KillCount, b.KillTarget)
}

// Builtin returns the stock definitions shipped with the engine. Hosts
// may register more before sealing.
func Builtin() []domain.ActivityDefinition {
	return []domain.ActivityDefinition{
		{
			ID:           "hollow-warrens",
			Name:         "Hollow Warrens",
			Description:  "Clear the warren tunnels beneath the village.",
			Tier:         domain.TierNovice,
			MinRoster:    1,
			MaxRoster:    4,
			TimeLimit:    900,
			ThemeTags:    []string{"caves", "swarm"},
			BaseHealth:   1.0,
			BaseDamage:   1.0,
			BaseMobCount: 1.0,
		},
		{
			ID:           "sunken-reliquary",
			Name:         "Sunken Reliquary",
			Description:  "Recover the relics before the chambers flood.",
			Tier:         domain.TierAdept,
			MinRoster:    2,
			MaxRoster:    5,
			TimeLimit:    1200,
			ThemeTags:    []string{"ruins", "water"},
			BaseHealth:   1.1,
			BaseDamage:   1.0,
			BaseMobCount: 1.1,
		},
		{
			ID:           "ashen-bastion",
			Name:         "Ashen Bastion",
			Description:  "Breach the bastion walls and silence its warden.",
			Tier:         domain.TierMaster,
			MinRoster:    3,
			MaxRoster:    6,
			TimeLimit:    1800,
			ThemeTags:    []string{"fortress", "siege"},
			BaseHealth:   1.2,
			BaseDamage:   1.2,
			BaseMobCount: 1.0,
			Behavior:     BossBehavior{KillTarget: 40},
		},
		{
			ID:              "convergence-rift",
			Name:            "Convergence Rift",
			Description:     "Hold the rift against everything it sends through.",
			Tier:            domain.TierConvergence,
			MinRoster:       4,
			MaxRoster:       8,
			TimeLimit:       2400,
			ThemeTags:       []string{"rift", "finale"},
			BaseHealth:      1.5,
			BaseDamage:      1.4,
			BaseMobCount:    1.3,
			MinServers:      2,
			MinParticipants: 6,
			Behavior:        BossBehavior{KillTarget: 100},
		},
	}
}

// Default returns a sealed catalog holding the builtin definitions.
func Default() (*Catalog, error) {
	c := New()
	for _, def := range Builtin() {
		if err := c.Register(def); err != nil {
			return nil, err
		}
	}
	c.Seal()
	return c, nil
}
