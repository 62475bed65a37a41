// Package progression defines the read-only collaborator the engine
// consumes for player progression signals. The real provider lives in the
// host server; the engine treats power as an opaque scalar.
package progression

// Provider supplies per-participant progression signals.
type Provider interface {
	// PowerLevel is an opaque scalar feeding the scaling formula.
	PowerLevel(participantID string) float64
	// HasAscended reports the flag gating Convergence raids.
	HasAscended(participantID string) bool
	// TierEligibility is the numeric progression level checked against
	// tier ranges.
	TierEligibility(participantID string) int
}

// Fixed reports the same signals for every participant. Standalone
// deployments without a host progression system run with this.
type Fixed struct {
	Power     float64
	Level     int
	Ascension bool
}

func (f Fixed) PowerLevel(string) float64 { return f.Power }

func (f Fixed) HasAscended(string) bool { return f.Ascension }

func (f Fixed) TierEligibility(string) int { return f.Level }

// Static is a fixed in-memory provider, used by the CLI and tests.
// Unknown participants report zero values.
type Static struct {
	Power    map[string]float64
	Ascended map[string]bool
	Levels   map[string]int
}

func (s Static) PowerLevel(id string) float64 {
	return s.Power[id]
}

func (s Static) HasAscended(id string) bool {
	return s.Ascended[id]
}

func (s Static) TierEligibility(id string) int {
	return s.Levels[id]
}
