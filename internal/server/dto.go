package server

import (
	"time"

	"raidcore/internal/domain"
	"raidcore/internal/orchestrator"
	"raidcore/internal/repo"
	"raidcore/internal/session"
)

type StartRaidRequest struct {
	DefinitionID string               `json:"definition_id"`
	Participants []domain.Participant `json:"participants"`
	Origin       domain.Position      `json:"origin,omitempty"`
}

type StartRaidResponse struct {
	Accepted bool             `json:"accepted"`
	Reason   string           `json:"reason,omitempty"`
	Session  *SessionResponse `json:"session,omitempty"`
}

type EndRaidRequest struct {
	Result string `json:"result"`
}

type ProgressRequest struct {
	Objectives int     `json:"objectives,omitempty"`
	Kills      int     `json:"kills,omitempty"`
	BossDamage float64 `json:"boss_damage,omitempty"`
}

type SessionResponse struct {
	ID             string               `json:"id"`
	DefinitionID   string               `json:"definition_id"`
	Tier           string               `json:"tier"`
	State          string               `json:"state"`
	Result         string               `json:"result,omitempty"`
	Roster         []domain.Participant `json:"roster"`
	Scaling        domain.Scaling       `json:"scaling"`
	ModifierActive bool                 `json:"modifier_active"`
	Objective      string               `json:"objective"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	TimeLimit      float64              `json:"time_limit_seconds"`
	Elapsed        float64              `json:"elapsed_seconds"`
}

func sessionResponse(s *session.Session) *SessionResponse {
	if s == nil {
		return nil
	}
	resp := &SessionResponse{
		ID:             s.ID,
		DefinitionID:   s.Def.ID,
		Tier:           s.Def.Tier.String(),
		State:          string(s.State),
		Roster:         s.Roster(),
		Scaling:        s.Scaling,
		ModifierActive: s.ModifierActive,
		Objective:      s.Describe(),
		TimeLimit:      s.ScaledTimeLimit().Seconds(),
		Elapsed:        s.Duration().Seconds(),
	}
	if !s.StartedAt.IsZero() {
		t := s.StartedAt
		resp.StartedAt = &t
	}
	if s.State == session.StateCompleted {
		resp.Result = s.Result.String()
	}
	return resp
}

type DefinitionResponse struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Tier            string   `json:"tier"`
	MinRoster       int      `json:"min_roster"`
	MaxRoster       int      `json:"max_roster"`
	TimeLimit       int      `json:"time_limit_seconds"`
	ThemeTags       []string `json:"theme_tags,omitempty"`
	MinServers      int      `json:"min_servers,omitempty"`
	MinParticipants int      `json:"min_participants,omitempty"`
}

func definitionResponse(def domain.ActivityDefinition) DefinitionResponse {
	return DefinitionResponse{
		ID:              def.ID,
		Name:            def.Name,
		Description:     def.Description,
		Tier:            def.Tier.String(),
		MinRoster:       def.MinRoster,
		MaxRoster:       def.MaxRoster,
		TimeLimit:       def.TimeLimit,
		ThemeTags:       def.ThemeTags,
		MinServers:      def.MinServers,
		MinParticipants: def.MinParticipants,
	}
}

func mapDefinitions(defs []domain.ActivityDefinition) []DefinitionResponse {
	out := make([]DefinitionResponse, 0, len(defs))
	for _, def := range defs {
		out = append(out, definitionResponse(def))
	}
	return out
}

type ModifierResponse struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Strength float64   `json:"strength"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type CompletionResponse struct {
	SessionID        string    `json:"session_id"`
	DefinitionID     string    `json:"definition_id"`
	Tier             string    `json:"tier"`
	ParticipantNames []string  `json:"participant_names"`
	Score            int       `json:"score"`
	ModifierActive   bool      `json:"modifier_active"`
	EndedAt          time.Time `json:"ended_at"`
	DurationSeconds  float64   `json:"duration_seconds"`
}

func completionResponse(rec domain.CompletionRecord) CompletionResponse {
	return CompletionResponse{
		SessionID:        rec.SessionID,
		DefinitionID:     rec.DefinitionID,
		Tier:             rec.Tier.String(),
		ParticipantNames: rec.ParticipantNames,
		Score:            rec.Score,
		ModifierActive:   rec.ModifierActive,
		EndedAt:          rec.EndedAt,
		DurationSeconds:  rec.EndedAt.Sub(rec.StartedAt).Seconds(),
	}
}

type LeaderboardResponse struct {
	DefinitionID string               `json:"definition_id"`
	BestTime     *BestTimeResponse    `json:"best_time,omitempty"`
	Top          []CompletionResponse `json:"top"`
}

type BestTimeResponse struct {
	SessionID       string    `json:"session_id"`
	DurationSeconds float64   `json:"duration_seconds"`
	RecordedAt      time.Time `json:"recorded_at"`
}

func bestTimeResponse(bt repo.BestTime) *BestTimeResponse {
	return &BestTimeResponse{
		SessionID:       bt.SessionID,
		DurationSeconds: bt.Duration.Seconds(),
		RecordedAt:      bt.RecordedAt,
	}
}

type StatisticsResponse struct {
	orchestrator.Statistics
	CompletionsByTier map[string]int `json:"completions_by_tier"`
}

type DistributedRequest struct {
	DefinitionID string               `json:"definition_id"`
	Participants []domain.Participant `json:"participants"`
}

type JoinDistributedRequest struct {
	Participants []domain.Participant `json:"participants"`
}

type DistributedResponse struct {
	InstanceID    string                          `json:"instance_id"`
	DefinitionID  string                          `json:"definition_id"`
	OriginServer  string                          `json:"origin_server"`
	Status        string                          `json:"status"`
	Participants  map[string][]domain.Participant `json:"participants"`
	Contributions map[string]int                  `json:"contributions,omitempty"`
	CreatedAt     time.Time                       `json:"created_at"`
	StartAt       *time.Time                      `json:"start_at,omitempty"`
}

func distributedResponse(ds domain.DistributedSession) DistributedResponse {
	resp := DistributedResponse{
		InstanceID:    ds.InstanceID,
		DefinitionID:  ds.DefinitionID,
		OriginServer:  ds.OriginServer,
		Status:        string(ds.Status),
		Participants:  ds.Participants,
		Contributions: ds.Contributions,
		CreatedAt:     ds.CreatedAt,
	}
	if !ds.StartAt.IsZero() {
		t := ds.StartAt
		resp.StartAt = &t
	}
	return resp
}
