// Package server exposes the raid engine over HTTP for host processes
// that embed the engine out of process. Handlers marshal onto the engine
// loop for anything touching session state and answer from the reply.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"raidcore/internal/catalog"
	"raidcore/internal/distributed"
	"raidcore/internal/domain"
	"raidcore/internal/loop"
	"raidcore/internal/orchestrator"
	"raidcore/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Coordinator  *distributed.Coordinator
	Catalog      *catalog.Catalog
	Repo         repo.Repo
	Loop         *loop.Loop
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"tier_locked"`
	Message string         `json:"message" example:"roster not eligible for this tier"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint shares.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var de *distributed.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case distributed.KindValidation:
			return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		case distributed.KindQuorumNotMet:
			return newAPIError(http.StatusConflict, "quorum_not_met", err.Error(), nil)
		case distributed.KindNetwork:
			return newAPIError(http.StatusBadGateway, "network_error", err.Error(), nil)
		default:
			return newAPIError(http.StatusInternalServerError, "store_error", err.Error(), nil)
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
}

// New returns an HTTP handler exposing the engine API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Raidcore API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerDefinitions(group, cfg)
	registerRaids(group, cfg)
	registerPlayers(group, cfg)
	registerModifier(group, cfg)
	registerLeaderboard(group, cfg)
	registerStatistics(group, cfg)
	registerDistributed(group, cfg)

	return router, nil
}

// onLoop runs fn on the engine loop and waits for its result. Session
// and orchestrator state may only be touched inside fn.
func onLoop[T any](l *loop.Loop, fn func() T) T {
	ch := make(chan T, 1)
	l.Submit(func() { ch <- fn() })
	return <-ch
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDefinitions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-definitions",
		Method:      http.MethodGet,
		Path:        "/definitions",
		Summary:     "List raid definitions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []DefinitionResponse `json:"body"`
	}, error) {
		return &struct {
			Body []DefinitionResponse `json:"body"`
		}{Body: mapDefinitions(cfg.Catalog.List())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-eligible-definitions",
		Method:      http.MethodGet,
		Path:        "/players/{player_id}/definitions",
		Summary:     "List definitions a player may enter",
	}, func(ctx context.Context, input *struct {
		PlayerID string `path:"player_id"`
	}) (*struct {
		Body []DefinitionResponse `json:"body"`
	}, error) {
		defs := onLoop(cfg.Loop, func() []domain.ActivityDefinition {
			return cfg.Orchestrator.ListEligibleDefinitions(input.PlayerID)
		})
		return &struct {
			Body []DefinitionResponse `json:"body"`
		}{Body: mapDefinitions(defs)}, nil
	})
}

func registerRaids(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-raid",
		Method:        http.MethodPost,
		Path:          "/raids",
		Summary:       "Start a raid",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body StartRaidRequest `json:"body"`
	}) (*struct {
		Body StartRaidResponse `json:"body"`
	}, error) {
		if input.Body.DefinitionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "definition_id is required", nil)
		}
		out := onLoop(cfg.Loop, func() orchestrator.StartOutcome {
			return cfg.Orchestrator.StartRaid(input.Body.DefinitionID, input.Body.Participants, input.Body.Origin)
		})
		resp := StartRaidResponse{Accepted: out.Accepted}
		if out.Accepted {
			resp.Session = onLoop(cfg.Loop, func() *SessionResponse {
				return sessionResponse(out.Session)
			})
		} else {
			resp.Reason = string(out.Reason)
		}
		return &struct {
			Body StartRaidResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-raids",
		Method:      http.MethodGet,
		Path:        "/raids",
		Summary:     "List active raids",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []*SessionResponse `json:"body"`
	}, error) {
		items := onLoop(cfg.Loop, func() []*SessionResponse {
			sessions := cfg.Orchestrator.ActiveSessions()
			out := make([]*SessionResponse, 0, len(sessions))
			for _, s := range sessions {
				out = append(out, sessionResponse(s))
			}
			return out
		})
		return &struct {
			Body []*SessionResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-raid",
		Method:      http.MethodGet,
		Path:        "/raids/{session_id}",
		Summary:     "Inspect a running raid",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body *SessionResponse `json:"body"`
	}, error) {
		resp := onLoop(cfg.Loop, func() *SessionResponse {
			return sessionResponse(cfg.Orchestrator.GetSession(input.SessionID))
		})
		if resp == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no such session", nil)
		}
		return &struct {
			Body *SessionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-raid",
		Method:      http.MethodPost,
		Path:        "/raids/{session_id}/end",
		Summary:     "Force-end a raid",
	}, func(ctx context.Context, input *struct {
		SessionID string         `path:"session_id"`
		Body      EndRaidRequest `json:"body"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		result := parseResult(input.Body.Result)
		if result == domain.ResultUnspecified {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown result", nil)
		}
		ended := onLoop(cfg.Loop, func() bool {
			return cfg.Orchestrator.EndRaid(input.SessionID, result)
		})
		if !ended {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no such session", nil)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"ended": true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-progress",
		Method:      http.MethodPost,
		Path:        "/raids/{session_id}/progress",
		Summary:     "Report raid progress",
	}, func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		Body      ProgressRequest `json:"body"`
	}) (*struct {
		Body *SessionResponse `json:"body"`
	}, error) {
		resp := onLoop(cfg.Loop, func() *SessionResponse {
			s := cfg.Orchestrator.GetSession(input.SessionID)
			if s == nil {
				return nil
			}
			for i := 0; i < input.Body.Objectives; i++ {
				s.RecordObjective()
			}
			if input.Body.Kills > 0 {
				s.RecordKills(input.Body.Kills)
			}
			if input.Body.BossDamage > 0 {
				s.DamageBoss(input.Body.BossDamage)
			}
			return sessionResponse(s)
		})
		if resp == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no such session", nil)
		}
		return &struct {
			Body *SessionResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func parseResult(s string) domain.Result {
	for _, r := range []domain.Result{
		domain.ResultSuccess, domain.ResultFailure, domain.ResultTimeout,
		domain.ResultAbandoned, domain.ResultServerShutdown,
	} {
		if r.String() == s {
			return r
		}
	}
	return domain.ResultUnspecified
}

func registerPlayers(api huma.API, cfg Config) {
	type playerPath struct {
		PlayerID string `path:"player_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-player-session",
		Method:      http.MethodGet,
		Path:        "/players/{player_id}/session",
		Summary:     "Find the raid a player is in",
	}, func(ctx context.Context, input *playerPath) (*struct {
		Body *SessionResponse `json:"body"`
	}, error) {
		resp := onLoop(cfg.Loop, func() *SessionResponse {
			return sessionResponse(cfg.Orchestrator.GetSessionFor(input.PlayerID))
		})
		if resp == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "player not in a raid", nil)
		}
		return &struct {
			Body *SessionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "player-disconnect",
		Method:      http.MethodPost,
		Path:        "/players/{player_id}/disconnect",
		Summary:     "Report a player disconnect",
	}, func(ctx context.Context, input *playerPath) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		onLoop(cfg.Loop, func() struct{} {
			cfg.Orchestrator.HandleDisconnect(input.PlayerID)
			return struct{}{}
		})
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"ok": true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "player-reconnect",
		Method:      http.MethodPost,
		Path:        "/players/{player_id}/reconnect",
		Summary:     "Report a player reconnect",
	}, func(ctx context.Context, input *playerPath) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		onLoop(cfg.Loop, func() struct{} {
			cfg.Orchestrator.HandleReconnect(input.PlayerID)
			return struct{}{}
		})
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"ok": true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "player-leave",
		Method:      http.MethodPost,
		Path:        "/players/{player_id}/leave",
		Summary:     "Remove a player from their raid",
	}, func(ctx context.Context, input *playerPath) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		left := onLoop(cfg.Loop, func() bool {
			return cfg.Orchestrator.LeaveRaid(input.PlayerID)
		})
		if !left {
			return nil, newAPIError(http.StatusNotFound, "not_found", "player not in a raid", nil)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"left": true}}, nil
	})
}

func registerModifier(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-modifier",
		Method:      http.MethodGet,
		Path:        "/modifier",
		Summary:     "Current weekly modifier",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body *ModifierResponse `json:"body"`
	}, error) {
		m := onLoop(cfg.Loop, func() *domain.GlobalModifier {
			return cfg.Orchestrator.CurrentModifier()
		})
		if m == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no modifier active", nil)
		}
		return &struct {
			Body *ModifierResponse `json:"body"`
		}{Body: &ModifierResponse{
			ID:       m.ID,
			Kind:     string(m.Kind),
			Strength: m.Strength,
			StartsAt: m.StartsAt,
			EndsAt:   m.EndsAt,
		}}, nil
	})
}

func registerLeaderboard(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-leaderboard",
		Method:      http.MethodGet,
		Path:        "/leaderboard/{definition_id}",
		Summary:     "Leaderboard for a definition",
	}, func(ctx context.Context, input *struct {
		DefinitionID string `path:"definition_id"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body LeaderboardResponse `json:"body"`
	}, error) {
		if _, ok := cfg.Catalog.Get(input.DefinitionID); !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown definition", nil)
		}
		recs, err := cfg.Repo.ListTopCompletions(ctx, input.DefinitionID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := LeaderboardResponse{DefinitionID: input.DefinitionID, Top: []CompletionResponse{}}
		for _, rec := range recs {
			resp.Top = append(resp.Top, completionResponse(rec))
		}
		bt, err := cfg.Repo.GetBestTime(ctx, input.DefinitionID)
		if err == nil {
			resp.BestTime = bestTimeResponse(bt)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaderboardResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-guild-completions",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/completions",
		Summary:     "Completions credited to a guild",
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []repo.GuildCompletion `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListGuildCompletions(ctx, input.GuildID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []repo.GuildCompletion{}
		}
		return &struct {
			Body []repo.GuildCompletion `json:"body"`
		}{Body: items}, nil
	})
}

func registerStatistics(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-statistics",
		Method:      http.MethodGet,
		Path:        "/statistics",
		Summary:     "Engine statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatisticsResponse `json:"body"`
	}, error) {
		snap := onLoop(cfg.Loop, cfg.Orchestrator.Snapshot)
		byTier, err := cfg.Repo.CountCompletionsByTier(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatisticsResponse `json:"body"`
		}{Body: StatisticsResponse{Statistics: snap, CompletionsByTier: byTier}}, nil
	})
}

func registerDistributed(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-distributed-raid",
		Method:        http.MethodPost,
		Path:          "/distributed",
		Summary:       "Announce a cross-server raid",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body DistributedRequest `json:"body"`
	}) (*struct {
		Body DistributedResponse `json:"body"`
	}, error) {
		st, err := cfg.Coordinator.StartDistributedRaid(ctx, input.Body.DefinitionID, input.Body.Participants)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DistributedResponse `json:"body"`
		}{Body: distributedResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "join-distributed-raid",
		Method:      http.MethodPost,
		Path:        "/distributed/{instance_id}/join",
		Summary:     "Join a cross-server raid",
	}, func(ctx context.Context, input *struct {
		InstanceID string                 `path:"instance_id"`
		Body       JoinDistributedRequest `json:"body"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		if err := cfg.Coordinator.JoinDistributedRaid(ctx, input.InstanceID, input.Body.Participants); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"joined": true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "force-start-distributed-raid",
		Method:      http.MethodPost,
		Path:        "/distributed/{instance_id}/start",
		Summary:     "Force-start a cross-server raid",
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		if err := cfg.Coordinator.ForceStart(ctx, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"starting": true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cross-server-statistics",
		Method:      http.MethodGet,
		Path:        "/distributed/statistics",
		Summary:     "Cross-server raid statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body distributed.Statistics `json:"body"`
	}, error) {
		stats, err := cfg.Coordinator.Statistics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body distributed.Statistics `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-distributed-raid",
		Method:      http.MethodGet,
		Path:        "/distributed/{instance_id}",
		Summary:     "Inspect a cross-server raid",
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body DistributedResponse `json:"body"`
	}, error) {
		st, err := cfg.Coordinator.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DistributedResponse `json:"body"`
		}{Body: distributedResponse(st)}, nil
	})
}
