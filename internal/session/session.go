// Package session implements the lifecycle of one running raid. A
// session is owned by the engine loop: every method except accessors
// documented otherwise must be called from a loop callback.
package session

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"raidcore/internal/domain"
	"raidcore/internal/loop"
)

// State is the lifecycle phase of a session.
type State string

const (
	StatePreparing State = "preparing"
	StateActive    State = "active"
	StateCompleted State = "completed"
)

func ensureSessionTransition(old, new State) error {
	allowed := map[State][]State{
		StatePreparing: {StateActive, StateCompleted},
		StateActive:    {StateCompleted},
		StateCompleted: {},
	}
	for _, next := range allowed[old] {
		if next == new {
			return nil
		}
	}
	return fmt.Errorf("invalid session transition %s -> %s", old, new)
}

type member struct {
	participant domain.Participant
	connected   bool
	downed      bool
}

// Session is one raid in flight. Scaling is frozen at creation and
// never recomputed, even when the global modifier rotates mid-raid.
type Session struct {
	ID             string
	Def            domain.ActivityDefinition
	Scaling        domain.Scaling
	State          State
	Result         domain.Result
	Origin         domain.Position
	StartedAt      time.Time
	EndedAt        time.Time
	ModifierActive bool

	roster map[string]*member
	order  []string

	objectivesDone int
	bossGauge      float64
	killCount      int
	waveCount      int

	l       *loop.Loop
	now     func() time.Time
	log     zerolog.Logger
	onEnd   func(*Session)
	timeout *loop.Handle
	eval    *loop.Handle

	// OnProgress, when set before Start, receives the session on every
	// periodic tick so the owner can publish a progress summary. It runs
	// on the loop goroutine and stops with the other handles at End.
	OnProgress func(*Session)
}

// evalInterval is how often a running session re-checks its behavior.
const evalInterval = time.Second

// New builds a session in Preparing. The roster is fixed from here on;
// members can leave but nobody joins a session already underway.
func New(id string, def domain.ActivityDefinition, roster []domain.Participant, scaling domain.Scaling, modifierActive bool, l *loop.Loop, now func() time.Time, log zerolog.Logger) *Session {
	s := &Session{
		ID:             id,
		Def:            def,
		Scaling:        scaling,
		State:          StatePreparing,
		ModifierActive: modifierActive,
		roster:         make(map[string]*member, len(roster)),
		l:              l,
		now:            now,
		log:            log.With().Str("session", id).Str("definition", def.ID).Logger(),
		bossGauge:      100 * scaling.Health,
	}
	for _, p := range roster {
		if _, dup := s.roster[p.ID]; dup {
			continue
		}
		s.roster[p.ID] = &member{participant: p, connected: true}
		s.order = append(s.order, p.ID)
	}
	return s
}

// ScaledTimeLimit is the definition time limit after the time multiplier.
func (s *Session) ScaledTimeLimit() time.Duration {
	base := time.Duration(s.Def.TimeLimit) * time.Second
	return time.Duration(float64(base) * s.Scaling.Time)
}

// Start moves the session to Active and arms the timeout and the
// periodic behavior evaluation. onEnd fires exactly once when the
// session reaches Completed, from the loop goroutine.
func (s *Session) Start(onEnd func(*Session)) error {
	if err := ensureSessionTransition(s.State, StateActive); err != nil {
		return err
	}
	s.State = StateActive
	s.StartedAt = s.now()
	s.onEnd = onEnd
	s.timeout = s.l.After(s.l.Ticks(s.ScaledTimeLimit()), func() {
		s.End(domain.ResultTimeout)
	})
	s.eval = s.l.Every(s.l.Ticks(evalInterval), s.tick)
	s.log.Info().
		Int("roster", len(s.roster)).
		Dur("time_limit", s.ScaledTimeLimit()).
		Bool("modifier", s.ModifierActive).
		Msg("raid started")
	return nil
}

// End finishes the session with the given result. Safe to call more
// than once; only the first call wins and fires onEnd.
func (s *Session) End(result domain.Result) bool {
	if s.State == StateCompleted {
		return false
	}
	if err := ensureSessionTransition(s.State, StateCompleted); err != nil {
		return false
	}
	if s.timeout != nil {
		s.timeout.Cancel()
	}
	if s.eval != nil {
		s.eval.Cancel()
	}
	s.State = StateCompleted
	s.Result = result
	s.EndedAt = s.now()
	s.log.Info().Str("result", result.String()).Dur("elapsed", s.Duration()).Msg("raid ended")
	if s.onEnd != nil {
		s.onEnd(s)
	}
	return true
}

// Duration is elapsed time since start, frozen once the session ends.
func (s *Session) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return s.now().Sub(s.StartedAt)
}

// Progress snapshots the session for behavior evaluation.
func (s *Session) Progress() domain.Progress {
	active := 0
	for _, m := range s.roster {
		if m.connected && !m.downed {
			active++
		}
	}
	return domain.Progress{
		ObjectivesDone: s.objectivesDone,
		ObjectiveGoal:  s.Def.Tier.ObjectiveTarget(),
		BossGauge:      s.bossGauge,
		KillCount:      s.killCount,
		WaveCount:      s.waveCount,
		RosterSize:     len(s.roster),
		RosterActive:   active,
		Elapsed:        s.Duration(),
		TimeLimit:      s.ScaledTimeLimit(),
	}
}

// tick is the periodic heartbeat of an active session: it publishes the
// current progress, then re-checks the completion and failure predicates.
func (s *Session) tick() {
	if s.State != StateActive {
		return
	}
	if s.OnProgress != nil {
		s.OnProgress(s)
	}
	s.evaluate()
}

func (s *Session) evaluate() {
	if s.State != StateActive {
		return
	}
	p := s.Progress()
	if s.Def.Behavior.EvaluateCompletion(p) {
		s.End(domain.ResultSuccess)
		return
	}
	if s.Def.Behavior.EvaluateFailure(p) {
		s.End(domain.ResultFailure)
	}
}

// RecordObjective marks one objective done and re-evaluates immediately
// so completion is not delayed by the eval cadence.
func (s *Session) RecordObjective() {
	if s.State != StateActive {
		return
	}
	s.objectivesDone++
	s.log.Debug().Int("done", s.objectivesDone).Msg("objective recorded")
	s.evaluate()
}

// DamageBoss lowers the boss gauge by amount.
func (s *Session) DamageBoss(amount float64) {
	if s.State != StateActive {
		return
	}
	s.bossGauge -= amount
	s.evaluate()
}

// RecordKills adds to the kill counter.
func (s *Session) RecordKills(n int) {
	if s.State != StateActive || n <= 0 {
		return
	}
	s.killCount += n
	s.evaluate()
}

// AdvanceWave bumps the wave counter.
func (s *Session) AdvanceWave() {
	if s.State != StateActive {
		return
	}
	s.waveCount++
}

// SetDowned marks a member dead or revived.
func (s *Session) SetDowned(playerID string, downed bool) {
	if m, ok := s.roster[playerID]; ok {
		m.downed = downed
		if s.State == StateActive {
			s.evaluate()
		}
	}
}

// SetConnected tracks a member's link state without removing them.
func (s *Session) SetConnected(playerID string, connected bool) {
	if m, ok := s.roster[playerID]; ok {
		m.connected = connected
		if s.State == StateActive {
			s.evaluate()
		}
	}
}

// RemoveParticipant drops a member from the roster. An active session
// whose roster empties out ends as abandoned.
func (s *Session) RemoveParticipant(playerID string) bool {
	if _, ok := s.roster[playerID]; !ok {
		return false
	}
	delete(s.roster, playerID)
	for i, id := range s.order {
		if id == playerID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.log.Debug().Str("player", playerID).Int("remaining", len(s.roster)).Msg("participant left")
	if len(s.roster) == 0 && s.State != StateCompleted {
		s.End(domain.ResultAbandoned)
	}
	return true
}

// IsConnected reports the link state of a roster member.
func (s *Session) IsConnected(playerID string) bool {
	m, ok := s.roster[playerID]
	return ok && m.connected
}

// HasParticipant reports roster membership.
func (s *Session) HasParticipant(playerID string) bool {
	_, ok := s.roster[playerID]
	return ok
}

// Roster returns the remaining members in join order.
func (s *Session) Roster() []domain.Participant {
	out := make([]domain.Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.roster[id].participant)
	}
	return out
}

// Describe renders the current objective line for clients.
func (s *Session) Describe() string {
	return s.Def.Behavior.DescribeObjective(s.Progress())
}
