package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"raidcore/internal/broadcast"
	"raidcore/internal/catalog"
	"raidcore/internal/config"
	"raidcore/internal/db"
	"raidcore/internal/distributed"
	"raidcore/internal/domain"
	"raidcore/internal/events"
	"raidcore/internal/loop"
	"raidcore/internal/migrate"
	"raidcore/internal/orchestrator"
	"raidcore/internal/progression"
	"raidcore/internal/repo"
	"raidcore/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "raidctl",
	Short: "Raidcore CLI",
	Long: `Raidcore runs instanced raid content for game servers: session
lifecycle, roster-driven difficulty scaling, weekly modifiers, completion
scoring, and cross-server coordination.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RAIDCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(definitionsCmd())
	rootCmd.AddCommand(leaderboardCmd())
	rootCmd.AddCommand(guildCmd())
	rootCmd.AddCommand(modifierCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(simulateCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage raidcore.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var serverID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default raidcore.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(serverID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverID, "server-id", "server-1", "this server's identifier")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func definitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "definitions",
		Short: "List raid definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Default()
			if err != nil {
				return err
			}
			defs := cat.List()
			if viper.GetBool("json") {
				return printJSON(defs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Tier", "Roster", "Time Limit", "Servers"})
			for _, def := range defs {
				servers := "local"
				if def.MinServers > 1 {
					servers = fmt.Sprintf("%d+", def.MinServers)
				}
				tw.AppendRow(table.Row{
					def.ID, def.Name, def.Tier.String(),
					fmt.Sprintf("%d-%d", def.MinRoster, def.MaxRoster),
					(time.Duration(def.TimeLimit) * time.Second).String(),
					servers,
				})
			}
			tw.Render()
			return nil
		},
	}
}

func leaderboardCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard <definition-id>",
		Short: "Show the leaderboard for a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				recs, err := r.ListTopCompletions(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				if bt, err := r.GetBestTime(ctx, args[0]); err == nil {
					fmt.Printf("best time: %s (session %s)\n", bt.Duration, bt.SessionID)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Score", "Roster", "Modifier", "Duration", "Ended"})
				for _, rec := range recs {
					tw.AppendRow(table.Row{
						rec.Score,
						strings.Join(rec.ParticipantNames, ", "),
						rec.ModifierActive,
						rec.EndedAt.Sub(rec.StartedAt).Round(time.Second),
						rec.EndedAt.Format(time.RFC3339),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "entries to show")
	return cmd
}

func guildCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "guild <guild-id>",
		Short: "Show completions credited to a guild",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGuildCompletions(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "entries to show")
	return cmd
}

func modifierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modifier",
		Short: "Show the persisted weekly modifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m, err := r.GetModifierState(ctx)
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Println("no modifier recorded yet; start the server to rotate one in")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Engine event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the raid engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

			rt, err := buildRuntime(ctx, cfg, configuredProgression(cfg), log)
			if err != nil {
				return err
			}
			defer rt.conn.Close()

			if addr == "" {
				addr = cfg.API.Listen
			}
			handler, err := server.New(server.Config{
				Orchestrator: rt.orch,
				Coordinator:  rt.coord,
				Catalog:      rt.cat,
				Repo:         rt.repo,
				Loop:         rt.loop,
				BasePath:     basePath,
				Auth:         server.AuthConfig{JWTSecret: cfg.API.Secret, APIKey: cfg.API.Key},
			})
			if err != nil {
				return err
			}

			sched, err := gocron.NewScheduler()
			if err != nil {
				return err
			}
			_, err = sched.NewJob(
				gocron.DurationJob(cfg.RotationCheckInterval()),
				gocron.NewTask(func() {
					rt.loop.Submit(func() { rt.orch.CheckRotation() })
				}),
			)
			if err != nil {
				return err
			}
			sched.Start()
			defer func() { _ = sched.Shutdown() }()

			loopCtx, cancelLoop := context.WithCancel(context.Background())
			loopDone := make(chan struct{})
			go func() {
				defer close(loopDone)
				_ = rt.loop.Run(loopCtx)
			}()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				log.Info().Msg("shutting down")
				done := make(chan struct{})
				rt.loop.Submit(func() {
					rt.orch.Shutdown()
					close(done)
				})
				select {
				case <-done:
				case <-time.After(5 * time.Second):
				}
				shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				rt.coord.Shutdown(shCtx)
				_ = srv.Shutdown(shCtx)
				cancelLoop()
			}()

			log.Info().Str("addr", addr).Str("server", cfg.Server.ID).Msg("raidcore serving")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			<-loopDone
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// runtime bundles the wired engine for serve and simulate.
type runtime struct {
	conn  *sql.DB
	repo  repo.Repo
	cat   *catalog.Catalog
	loop  *loop.Loop
	orch  *orchestrator.Orchestrator
	coord *distributed.Coordinator
}

// configuredProgression builds the standalone provider from the config's
// progression block. Hosts with a real progression system swap this out.
func configuredProgression(cfg *config.Config) progression.Provider {
	power := cfg.Progression.Power
	if power <= 0 {
		power = 1.0
	}
	return progression.Fixed{Power: power, Level: cfg.Progression.Level, Ascension: cfg.Progression.Ascension}
}

// simProgression places the simulated roster inside the level band of the
// definition's tier so eligibility never blocks a local run.
func simProgression(tier domain.Tier) progression.Provider {
	switch tier {
	case domain.TierAdept:
		return progression.Fixed{Power: 1.0, Level: 4}
	case domain.TierMaster:
		return progression.Fixed{Power: 1.0, Level: 8}
	case domain.TierConvergence:
		return progression.Fixed{Power: 1.0, Ascension: true}
	default:
		return progression.Fixed{Power: 1.0, Level: 1}
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config, prov progression.Provider, log zerolog.Logger) (*runtime, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	cat, err := catalog.Default()
	if err != nil {
		conn.Close()
		return nil, err
	}
	diff, err := domain.ParseDifficulty(cfg.Server.Difficulty)
	if err != nil {
		conn.Close()
		return nil, err
	}

	l := loop.New(cfg.TickInterval(), log)
	ev := events.Writer{DB: conn, ServerID: cfg.Server.ID}
	bus := broadcast.NewBus()
	orch := orchestrator.New(orchestrator.Deps{
		Catalog:     cat,
		Loop:        l,
		Repo:        r,
		Events:      ev,
		Progression: prov,
		Channel:     bus,
		ServerID:    cfg.Server.ID,
		Difficulty:  diff,
		Strengths:   cfg.Modifiers.Strengths,
		Log:         log,
	})
	coord := distributed.New(distributed.Deps{
		Orchestrator:  orch,
		Catalog:       cat,
		Loop:          l,
		Repo:          r,
		Events:        ev,
		Channel:       bus,
		ServerID:      cfg.Server.ID,
		Log:           log,
		ReadinessPoll: cfg.ReadinessPollInterval(),
		SyncInterval:  cfg.SyncInterval(),
		StartDelay:    cfg.StartDelay(),
	})

	if err := orch.RestoreModifier(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	orch.CheckRotation()
	if err := coord.Resume(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &runtime{conn: conn, repo: r, cat: cat, loop: l, orch: orch, coord: coord}, nil
}

func simulateCmd() *cobra.Command {
	var definitionID string
	var players int
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one raid locally and print the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

			cat, err := catalog.Default()
			if err != nil {
				return err
			}
			def, ok := cat.Get(definitionID)
			if !ok {
				return fmt.Errorf("unknown definition %q", definitionID)
			}
			rt, err := buildRuntime(cmd.Context(), cfg, simProgression(def.Tier), log)
			if err != nil {
				return err
			}
			defer rt.conn.Close()
			if players < def.MinRoster {
				players = def.MinRoster
			}
			if players > def.MaxRoster {
				players = def.MaxRoster
			}
			roster := make([]domain.Participant, 0, players)
			for i := 0; i < players; i++ {
				roster = append(roster, domain.Participant{
					ID:   fmt.Sprintf("sim-%d", i+1),
					Name: fmt.Sprintf("Simulant %d", i+1),
				})
			}

			loopCtx, cancelLoop := context.WithCancel(cmd.Context())
			defer cancelLoop()
			go func() { _ = rt.loop.Run(loopCtx) }()

			outCh := make(chan orchestrator.StartOutcome, 1)
			rt.loop.Submit(func() {
				outCh <- rt.orch.StartRaid(def.ID, roster, domain.Position{})
			})
			out := <-outCh
			if !out.Accepted {
				return fmt.Errorf("raid refused: %s", out.Reason)
			}
			sessionID := out.Session.ID
			fmt.Printf("session %s started (%s, %d players)\n", sessionID, def.Name, players)

			// Feed progress until the behavior declares the raid done.
			for i := 0; i < 200; i++ {
				done := make(chan bool, 1)
				rt.loop.Submit(func() {
					s := rt.orch.GetSession(sessionID)
					if s == nil {
						done <- true
						return
					}
					s.RecordObjective()
					s.RecordKills(5)
					done <- false
				})
				if <-done {
					break
				}
				time.Sleep(cfg.TickInterval())
			}

			// Give the persistence worker a moment to commit.
			time.Sleep(300 * time.Millisecond)
			rec, err := rt.repo.GetCompletion(cmd.Context(), sessionID)
			if errors.Is(err, repo.ErrNotFound) {
				fmt.Println("raid did not complete successfully")
				return nil
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rec)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Session", "Definition", "Tier", "Score", "Modifier"})
			tw.AppendRow(table.Row{rec.SessionID, rec.DefinitionID, rec.Tier.String(), rec.Score, rec.ModifierActive})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&definitionID, "definition", "hollow-warrens", "definition to run")
	cmd.Flags().IntVar(&players, "players", 2, "roster size")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("server-1")
	}
	return cfg, nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
