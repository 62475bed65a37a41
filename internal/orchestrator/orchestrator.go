// Package orchestrator runs the raid engine for one server: it owns the
// session registry, applies admission rules, freezes scaling at start,
// and records outcomes. All registry state is confined to the engine
// loop; persistence happens on worker goroutines that report back through
// the log only.
package orchestrator

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"raidcore/internal/broadcast"
	"raidcore/internal/catalog"
	"raidcore/internal/domain"
	"raidcore/internal/events"
	"raidcore/internal/loop"
	"raidcore/internal/progression"
	"raidcore/internal/repo"
	"raidcore/internal/scaling"
	"raidcore/internal/session"
)

// RejectReason explains a refused start request. Refusals are expected
// outcomes, not errors.
type RejectReason string

const (
	RejectUnknownDefinition RejectReason = "unknown_definition"
	RejectRosterTooSmall    RejectReason = "roster_too_small"
	RejectRosterTooLarge    RejectReason = "roster_too_large"
	RejectTierLocked        RejectReason = "tier_locked"
	RejectAlreadyInRaid     RejectReason = "already_in_raid"
)

// StartOutcome is the result of a start request. Exactly one of
// Session/Reason is meaningful.
type StartOutcome struct {
	Accepted bool
	Reason   RejectReason
	Session  *session.Session
}

func reject(reason RejectReason) StartOutcome {
	return StartOutcome{Reason: reason}
}

// Deps wires an Orchestrator. Every field is required unless noted.
type Deps struct {
	Catalog     *catalog.Catalog
	Loop        *loop.Loop
	Repo        repo.Repo
	Events      events.Writer
	Progression progression.Provider
	Channel     broadcast.Channel // optional; nil disables announcements
	ServerID    string
	Difficulty  domain.Difficulty
	Strengths   map[string]float64 // modifier strength per kind
	Now         func() time.Time
	Log         zerolog.Logger
}

type Orchestrator struct {
	deps Deps
	now  func() time.Time
	rng  *rand.Rand
	log  zerolog.Logger

	sessions map[string]*session.Session
	byPlayer map[string]string // player id -> session id
	modifier *domain.GlobalModifier

	totalStarted int
	resultCounts map[domain.Result]int
	endObserver  func(*session.Session)
}

// disconnectGrace is how long a dropped member keeps their roster slot
// before being removed.
const disconnectGrace = 30 * time.Second

func New(deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{
		deps:         deps,
		now:          deps.Now,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		log:          deps.Log.With().Str("server", deps.ServerID).Logger(),
		sessions:     make(map[string]*session.Session),
		byPlayer:     make(map[string]string),
		resultCounts: make(map[domain.Result]int),
	}
}

// tierBand is the inclusive progression-level range admitted to a tier.
// Convergence is gated by ascension instead of a band.
func tierBand(t domain.Tier) (lo, hi int) {
	switch t {
	case domain.TierAdept:
		return 3, 6
	case domain.TierMaster:
		return 7, 11
	default:
		return 0, 2
	}
}

func (o *Orchestrator) eligibleFor(tier domain.Tier, playerID string) bool {
	if tier == domain.TierConvergence {
		return o.deps.Progression.HasAscended(playerID)
	}
	lo, hi := tierBand(tier)
	level := o.deps.Progression.TierEligibility(playerID)
	return level >= lo && level <= hi
}

// StartRaid validates and launches one session. Validation runs to
// completion before any state changes, so a refusal leaves no trace.
// Loop-confined.
func (o *Orchestrator) StartRaid(definitionID string, roster []domain.Participant, origin domain.Position) StartOutcome {
	def, ok := o.deps.Catalog.Get(definitionID)
	if !ok {
		return reject(RejectUnknownDefinition)
	}
	if len(roster) < def.MinRoster {
		return reject(RejectRosterTooSmall)
	}
	if len(roster) > def.MaxRoster {
		return reject(RejectRosterTooLarge)
	}
	for _, p := range roster {
		if _, busy := o.byPlayer[p.ID]; busy {
			return reject(RejectAlreadyInRaid)
		}
		if !o.eligibleFor(def.Tier, p.ID) {
			return reject(RejectTierLocked)
		}
	}

	now := o.now()
	mod := o.activeModifier(now)
	stats := scaling.RosterStats{Size: len(roster), AvgPower: o.avgPower(roster)}
	sc := scaling.Compute(stats, def, mod, o.deps.Difficulty)

	s := session.New(uuid.NewString(), def, roster, sc, mod != nil, o.deps.Loop, o.now, o.log)
	s.Origin = origin
	s.OnProgress = o.publishProgress
	o.sessions[s.ID] = s
	for _, p := range roster {
		o.byPlayer[p.ID] = s.ID
	}
	if err := s.Start(o.onSessionEnd); err != nil {
		// Cannot happen for a fresh session; unwind anyway.
		delete(o.sessions, s.ID)
		for _, p := range roster {
			delete(o.byPlayer, p.ID)
		}
		o.log.Error().Err(err).Msg("session start refused")
		return reject(RejectUnknownDefinition)
	}
	o.totalStarted++
	o.appendEventAsync(events.TypeRaidStarted, "session", s.ID, events.EventPayload{
		"definition": def.ID,
		"roster":     len(roster),
		"tier":       def.Tier.String(),
	})
	return StartOutcome{Accepted: true, Session: s}
}

func (o *Orchestrator) avgPower(roster []domain.Participant) float64 {
	if len(roster) == 0 {
		return 0
	}
	var sum float64
	for _, p := range roster {
		sum += o.deps.Progression.PowerLevel(p.ID)
	}
	return sum / float64(len(roster))
}

// StartSegment launches the local share of a cross-server raid. Roster
// size rules are enforced at the instance level by the coordinator, so
// only per-player admission applies here; players already raiding are
// dropped from the segment. The player-count factor scales on the full
// cross-server headcount, not the local share. Loop-confined.
func (o *Orchestrator) StartSegment(def domain.ActivityDefinition, roster []domain.Participant, totalSize int) *session.Session {
	local := make([]domain.Participant, 0, len(roster))
	for _, p := range roster {
		if _, busy := o.byPlayer[p.ID]; !busy {
			local = append(local, p)
		}
	}
	if len(local) == 0 {
		return nil
	}
	now := o.now()
	mod := o.activeModifier(now)
	stats := scaling.RosterStats{Size: totalSize, AvgPower: o.avgPower(local)}
	sc := scaling.Compute(stats, def, mod, o.deps.Difficulty)

	s := session.New(uuid.NewString(), def, local, sc, mod != nil, o.deps.Loop, o.now, o.log)
	s.OnProgress = o.publishProgress
	o.sessions[s.ID] = s
	for _, p := range local {
		o.byPlayer[p.ID] = s.ID
	}
	if err := s.Start(o.onSessionEnd); err != nil {
		delete(o.sessions, s.ID)
		for _, p := range local {
			delete(o.byPlayer, p.ID)
		}
		return nil
	}
	o.totalStarted++
	o.appendEventAsync(events.TypeRaidStarted, "session", s.ID, events.EventPayload{
		"definition": def.ID,
		"roster":     len(local),
		"total":      totalSize,
		"tier":       def.Tier.String(),
	})
	return s
}

// EndRaid force-ends a session. Returns false if the id is unknown or
// the session already finished. Loop-confined.
func (o *Orchestrator) EndRaid(sessionID string, result domain.Result) bool {
	s, ok := o.sessions[sessionID]
	if !ok {
		return false
	}
	return s.End(result)
}

// SetEndObserver registers a callback invoked from the loop after any
// session finishes and registry bookkeeping is done. Call before the
// loop runs.
func (o *Orchestrator) SetEndObserver(fn func(*session.Session)) {
	o.endObserver = fn
}

// publishProgress pushes one periodic progress summary for a running
// session. Summaries are informational; a failed publish is logged and
// dropped rather than retried.
func (o *Orchestrator) publishProgress(s *session.Session) {
	if o.deps.Channel == nil {
		return
	}
	p := s.Progress()
	err := o.deps.Channel.Publish(broadcast.KindProgress, broadcast.Payload{
		"session_id":      s.ID,
		"definition_id":   s.Def.ID,
		"server_id":       o.deps.ServerID,
		"objective":       s.Describe(),
		"objectives_done": p.ObjectivesDone,
		"objective_goal":  p.ObjectiveGoal,
		"roster_active":   p.RosterActive,
		"elapsed_seconds": int(p.Elapsed / time.Second),
	})
	if err != nil {
		o.log.Warn().Err(err).Str("session", s.ID).Msg("progress publish failed")
	}
}

func (o *Orchestrator) onSessionEnd(s *session.Session) {
	delete(o.sessions, s.ID)
	for _, p := range s.Roster() {
		delete(o.byPlayer, p.ID)
	}
	o.resultCounts[s.Result]++
	if o.endObserver != nil {
		defer o.endObserver(s)
	}

	payload := events.EventPayload{
		"definition": s.Def.ID,
		"result":     s.Result.String(),
		"elapsed":    s.Duration().Seconds(),
	}
	if s.Result != domain.ResultSuccess {
		o.appendEventAsync(events.TypeRaidEnded, "session", s.ID, payload)
		return
	}

	roster := s.Roster()
	rec := domain.CompletionRecord{
		SessionID:      s.ID,
		DefinitionID:   s.Def.ID,
		Tier:           s.Def.Tier,
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
		ModifierActive: s.ModifierActive,
		Score:          scaling.Score(s.Def, s.Scaling, len(roster), s.Duration(), s.ScaledTimeLimit(), s.ModifierActive),
	}
	guilds := map[string]bool{}
	for _, p := range roster {
		rec.ParticipantIDs = append(rec.ParticipantIDs, p.ID)
		rec.ParticipantNames = append(rec.ParticipantNames, p.Name)
		if p.GuildID != "" {
			guilds[p.GuildID] = true
		}
	}
	payload["score"] = rec.Score
	duration := s.Duration()

	go o.persistCompletion(rec, guilds, duration, payload)
}

func (o *Orchestrator) persistCompletion(rec domain.CompletionRecord, guilds map[string]bool, duration time.Duration, payload events.EventPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	best, err := o.deps.Repo.GetBestTime(ctx, rec.DefinitionID)
	improved := err == repo.ErrNotFound || (err == nil && duration < best.Duration)
	if err != nil && err != repo.ErrNotFound {
		o.log.Error().Err(err).Msg("best time lookup failed")
		improved = false
	}

	tx, err := o.deps.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		o.log.Error().Err(err).Str("session", rec.SessionID).Msg("completion persist failed")
		return
	}
	defer tx.Rollback()

	if err := o.deps.Repo.InsertCompletionTx(ctx, tx, rec); err != nil {
		o.log.Error().Err(err).Str("session", rec.SessionID).Msg("completion insert failed")
		return
	}
	if improved {
		err := o.deps.Repo.UpsertBestTimeTx(ctx, tx, repo.BestTime{
			DefinitionID: rec.DefinitionID,
			SessionID:    rec.SessionID,
			Duration:     duration,
			RecordedAt:   rec.EndedAt,
		})
		if err != nil {
			o.log.Error().Err(err).Msg("best time upsert failed")
			return
		}
	}
	for guildID := range guilds {
		err := o.deps.Repo.InsertGuildCompletionTx(ctx, tx, repo.GuildCompletion{
			GuildID:      guildID,
			DefinitionID: rec.DefinitionID,
			SessionID:    rec.SessionID,
			Score:        rec.Score,
			CompletedAt:  rec.EndedAt,
		})
		if err != nil {
			o.log.Error().Err(err).Str("guild", guildID).Msg("guild completion insert failed")
			return
		}
	}
	if err := o.deps.Events.Append(ctx, tx, events.TypeRaidEnded, "session", rec.SessionID, payload); err != nil {
		o.log.Error().Err(err).Msg("event append failed")
		return
	}
	if err := tx.Commit(); err != nil {
		o.log.Error().Err(err).Str("session", rec.SessionID).Msg("completion commit failed")
		return
	}
	o.log.Info().Str("session", rec.SessionID).Int("score", rec.Score).Bool("record", improved).Msg("completion recorded")
}

func (o *Orchestrator) appendEventAsync(evtType, entityKind, entityID string, payload events.EventPayload) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tx, err := o.deps.Repo.DB.BeginTx(ctx, nil)
		if err != nil {
			o.log.Error().Err(err).Msg("event tx failed")
			return
		}
		defer tx.Rollback()
		if err := o.deps.Events.Append(ctx, tx, evtType, entityKind, entityID, payload); err != nil {
			o.log.Error().Err(err).Msg("event append failed")
			return
		}
		if err := tx.Commit(); err != nil {
			o.log.Error().Err(err).Msg("event commit failed")
		}
	}()
}

// HandleDisconnect marks a member dropped and removes them from the
// roster if they stay away past the grace window. Loop-confined.
func (o *Orchestrator) HandleDisconnect(playerID string) {
	s := o.GetSessionFor(playerID)
	if s == nil {
		return
	}
	s.SetConnected(playerID, false)
	id := s.ID
	o.deps.Loop.After(o.deps.Loop.Ticks(disconnectGrace), func() {
		cur, ok := o.sessions[id]
		if !ok || cur.IsConnected(playerID) {
			return
		}
		if cur.RemoveParticipant(playerID) {
			delete(o.byPlayer, playerID)
		}
	})
}

// HandleReconnect restores a dropped member's link state. Loop-confined.
func (o *Orchestrator) HandleReconnect(playerID string) {
	if s := o.GetSessionFor(playerID); s != nil {
		s.SetConnected(playerID, true)
	}
}

// LeaveRaid removes a member immediately. Loop-confined.
func (o *Orchestrator) LeaveRaid(playerID string) bool {
	s := o.GetSessionFor(playerID)
	if s == nil {
		return false
	}
	if s.RemoveParticipant(playerID) {
		delete(o.byPlayer, playerID)
		return true
	}
	return false
}

// GetSessionFor returns the session a player is in, or nil. Loop-confined.
func (o *Orchestrator) GetSessionFor(playerID string) *session.Session {
	id, ok := o.byPlayer[playerID]
	if !ok {
		return nil
	}
	return o.sessions[id]
}

// GetSession returns a running session by id. Loop-confined.
func (o *Orchestrator) GetSession(sessionID string) *session.Session {
	return o.sessions[sessionID]
}

// ActiveSessions lists running sessions. Loop-confined.
func (o *Orchestrator) ActiveSessions() []*session.Session {
	out := make([]*session.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s)
	}
	return out
}

// ListEligibleDefinitions filters the catalog down to what one player may
// enter right now. Loop-confined.
func (o *Orchestrator) ListEligibleDefinitions(playerID string) []domain.ActivityDefinition {
	var out []domain.ActivityDefinition
	for _, def := range o.deps.Catalog.List() {
		if o.eligibleFor(def.Tier, playerID) {
			out = append(out, def)
		}
	}
	return out
}

// Shutdown force-ends every running session with the shutdown result and
// waits for nothing: persistence workers run to completion on their own.
// Loop-confined.
func (o *Orchestrator) Shutdown() int {
	ended := 0
	for _, s := range o.ActiveSessions() {
		if s.End(domain.ResultServerShutdown) {
			ended++
		}
	}
	return ended
}

// Statistics is a point-in-time snapshot of engine activity.
type Statistics struct {
	ActiveSessions  int            `json:"active_sessions"`
	ActivePlayers   int            `json:"active_players"`
	TotalStarted    int            `json:"total_started"`
	Results         map[string]int `json:"results"`
	CurrentModifier string         `json:"current_modifier,omitempty"`
}

// Snapshot reports engine statistics. Loop-confined.
func (o *Orchestrator) Snapshot() Statistics {
	st := Statistics{
		ActiveSessions: len(o.sessions),
		ActivePlayers:  len(o.byPlayer),
		TotalStarted:   o.totalStarted,
		Results:        make(map[string]int, len(o.resultCounts)),
	}
	for r, n := range o.resultCounts {
		st.Results[r.String()] = n
	}
	if m := o.activeModifier(o.now()); m != nil {
		st.CurrentModifier = string(m.Kind)
	}
	return st
}
