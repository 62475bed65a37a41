package domain

import (
	"fmt"
	"time"
)

// Tier classifies raid difficulty. Order matters: eligibility and scaling
// both derive from it.
type Tier int

const (
	TierUnspecified Tier = iota
	TierNovice
	TierAdept
	TierMaster
	TierConvergence
)

func (t Tier) String() string {
	switch t {
	case TierNovice:
		return "novice"
	case TierAdept:
		return "adept"
	case TierMaster:
		return "master"
	case TierConvergence:
		return "convergence"
	default:
		return "unspecified"
	}
}

// ParseTier maps a stored tier name back to its enum value.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "novice":
		return TierNovice, nil
	case "adept":
		return TierAdept, nil
	case "master":
		return TierMaster, nil
	case "convergence":
		return TierConvergence, nil
	}
	return TierUnspecified, fmt.Errorf("unknown tier %q", s)
}

// ObjectiveTarget is the default completed-objective count required to
// finish a raid of this tier.
func (t Tier) ObjectiveTarget() int {
	switch t {
	case TierNovice:
		return 3
	case TierAdept:
		return 5
	case TierMaster:
		return 7
	case TierConvergence:
		return 10
	default:
		return 0
	}
}

// Difficulty is the world difficulty setting supplied by the host server.
type Difficulty int

const (
	DifficultyPeaceful Difficulty = iota
	DifficultyEasy
	DifficultyNormal
	DifficultyHard
)

func (d Difficulty) String() string {
	switch d {
	case DifficultyPeaceful:
		return "peaceful"
	case DifficultyEasy:
		return "easy"
	case DifficultyHard:
		return "hard"
	default:
		return "normal"
	}
}

// ParseDifficulty maps a config value to a Difficulty, defaulting to normal.
func ParseDifficulty(s string) (Difficulty, error) {
	switch s {
	case "peaceful":
		return DifficultyPeaceful, nil
	case "easy":
		return DifficultyEasy, nil
	case "normal", "":
		return DifficultyNormal, nil
	case "hard":
		return DifficultyHard, nil
	}
	return DifficultyNormal, fmt.Errorf("unknown difficulty %q", s)
}

// Position is a world coordinate, used only as raid origin metadata.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Participant is one roster member as supplied by the caller.
type Participant struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
	GuildID  string   `json:"guild_id,omitempty"`
}

// Progress is a point-in-time snapshot of a running session, handed to
// behavior strategies so they stay free of session internals.
type Progress struct {
	ObjectivesDone int
	ObjectiveGoal  int
	BossGauge      float64
	KillCount      int
	KillTarget     int
	WaveCount      int
	RosterSize     int
	RosterActive   int // connected and above zero vitality
	Elapsed        time.Duration
	TimeLimit      time.Duration
}

// Behavior is the per-definition strategy for judging a session. The
// default threshold behavior covers most definitions; specialized raids
// plug in their own at catalog registration, never by id comparison at
// runtime.
type Behavior interface {
	EvaluateCompletion(p Progress) bool
	EvaluateFailure(p Progress) bool
	DescribeObjective(p Progress) string
}

// ActivityDefinition is one immutable catalog entry describing a raid type.
type ActivityDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tier        Tier     `json:"tier"`
	MinRoster   int      `json:"min_roster"`
	MaxRoster   int      `json:"max_roster"`
	TimeLimit   int      `json:"time_limit_seconds"`
	ThemeTags   []string `json:"theme_tags,omitempty"`

	BaseHealth   float64 `json:"base_health"`
	BaseDamage   float64 `json:"base_damage"`
	BaseMobCount float64 `json:"base_mob_count"`

	// Distributed quorum requirements; zero values mean the definition is
	// local-only.
	MinServers      int `json:"min_servers,omitempty"`
	MinParticipants int `json:"min_participants,omitempty"`

	Behavior Behavior `json:"-"`
}

// Validate checks catalog invariants at registration time.
func (d ActivityDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("definition id is required")
	}
	if d.Tier == TierUnspecified {
		return fmt.Errorf("definition %s: tier is required", d.ID)
	}
	if d.MinRoster < 1 {
		return fmt.Errorf("definition %s: min roster must be at least 1", d.ID)
	}
	if d.MinRoster > d.MaxRoster {
		return fmt.Errorf("definition %s: min roster %d exceeds max %d", d.ID, d.MinRoster, d.MaxRoster)
	}
	if d.TimeLimit <= 0 {
		return fmt.Errorf("definition %s: time limit must be positive", d.ID)
	}
	return nil
}

// Scaling is the frozen set of difficulty multipliers computed once at
// session start. It never changes for the lifetime of a session, even if
// the global modifier rotates mid-raid.
type Scaling struct {
	Health   float64 `json:"health"`
	Damage   float64 `json:"damage"`
	MobCount float64 `json:"mob_count"`
	Time     float64 `json:"time"`
}

// Result is the terminal outcome of a session. Results are not errors;
// every session ends with exactly one of these.
type Result int

const (
	ResultUnspecified Result = iota
	ResultSuccess
	ResultFailure
	ResultTimeout
	ResultAbandoned
	ResultServerShutdown
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultTimeout:
		return "timeout"
	case ResultAbandoned:
		return "abandoned"
	case ResultServerShutdown:
		return "server_shutdown"
	default:
		return "unspecified"
	}
}

// CompletionRecord is the append-only leaderboard row written once per
// successful session.
type CompletionRecord struct {
	SessionID        string    `json:"session_id"`
	DefinitionID     string    `json:"definition_id"`
	Tier             Tier      `json:"tier"`
	ParticipantIDs   []string  `json:"participant_ids"`
	ParticipantNames []string  `json:"participant_names"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	Score            int       `json:"score"`
	ModifierActive   bool      `json:"modifier_active"`
}
