package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/app"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/config"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/factory"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/metrics"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/mission"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/repo"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/server"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/tower"
)

var rootCmd = &cobra.Command{
	Use:   "tower",
	Short: "Control tower for lead-generation agents",
	Long: `Tower sits downstream of a lead-generation agent and renders verdicts
on what it produced:
- tower-verdict: is a delivered leads list acceptable? ACCEPT finalizes,
  CHANGE_PLAN sends the agent back with concrete suggestions, STOP kills
  a run that cannot be saved.
- mission judge: should a running mission keep going? Compares cost,
  quality, and progress snapshots against registered success criteria.
- factory rubric: the same verdict model applied to production scrap
  rates, for agents driving machines instead of searches.
Every verdict is persisted with the investigation that explains it, and
an append-only event log feeds webhooks and the audit trail.`,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TOWER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(judgeCmd())
	rootCmd.AddCommand(verdictsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, webhook dispatcher, and config watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config
			if addr == "" {
				addr = cfg.ListenAddr()
			}
			if basePath == "" {
				basePath = cfg.BasePath()
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			slog.SetDefault(logger)

			jwtSecret := cfg.JWTSecretValue()
			if jwtSecret == "" {
				logger.Warn("no JWT secret configured; bearer tokens are rejected and only API keys authenticate")
			}
			m := metrics.New()
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
					Logger:                 logger,
				},
				Metrics: m,
			})
			if err != nil {
				return err
			}
			dispatcher := server.NewWebhookDispatcher(a.Engine, logger)
			dispatcher.SetWebhooks(cfg.Webhooks)

			// Reload swaps the shared config in place so the engine picks
			// up new judge defaults without a restart.
			watcher, err := config.Watch(workspace, func(next *config.Config) {
				*cfg = *next
				dispatcher.SetWebhooks(next.Webhooks)
				logger.Info("config reloaded", "webhooks", len(next.Webhooks))
			})
			if err != nil {
				logger.Warn("config watch disabled", "error", err)
			} else {
				defer watcher.Close()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return dispatcher.Run(ctx)
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			fmt.Printf("Serving Tower API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs, metrics at /metrics)\n",
				addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func judgeCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "judge",
		Short: "One-shot verdicts without a server",
		Long:  "Evaluates an artifact file and prints the verdict. Nothing is persisted; point an agent at the API for recorded verdicts.",
	}
	j.AddCommand(judgeLeadsCmd())
	j.AddCommand(judgeSnapshotCmd())
	j.AddCommand(judgeFactoryCmd())
	return j
}

func judgeLeadsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "Judge a delivered leads list",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readArtifact(file)
			if err != nil {
				return err
			}
			var artifact domain.LeadsArtifact
			if err := json.Unmarshal(data, &artifact); err != nil {
				return fmt.Errorf("invalid artifact json: %w", err)
			}
			cfg, err := loadCLIConfig()
			if err != nil {
				return err
			}
			artifact = applyLeadsDefaults(artifact, cfg)
			return printJSON(tower.Evaluate(artifact))
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "artifact JSON file (- for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func judgeSnapshotCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Judge a mission snapshot against success criteria",
		Long:  "The file may be a bare snapshot, or {\"snapshot\": ..., \"success_criteria\": ...}. Criteria default to the mission section of tower.yml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readArtifact(file)
			if err != nil {
				return err
			}
			cfg, err := loadCLIConfig()
			if err != nil {
				return err
			}
			criteria := criteriaFromDefaults(cfg.Mission)
			var wrapper struct {
				Snapshot        *domain.MissionSnapshot `json:"snapshot"`
				SuccessCriteria *domain.SuccessCriteria `json:"success_criteria"`
			}
			var snap domain.MissionSnapshot
			if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Snapshot != nil {
				snap = *wrapper.Snapshot
				if wrapper.SuccessCriteria != nil {
					criteria = *wrapper.SuccessCriteria
				}
			} else if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("invalid snapshot json: %w", err)
			}
			return printJSON(mission.Judge(criteria, snap, time.Now()))
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "snapshot JSON file (- for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func judgeFactoryCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "factory",
		Short: "Judge a production run against its scrap-rate rubric",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readArtifact(file)
			if err != nil {
				return err
			}
			var artifact domain.FactoryArtifact
			if err := json.Unmarshal(data, &artifact); err != nil {
				return fmt.Errorf("invalid artifact json: %w", err)
			}
			return printJSON(factory.Evaluate(artifact, time.Now()))
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "artifact JSON file (- for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func verdictsCmd() *cobra.Command {
	v := &cobra.Command{Use: "verdicts", Short: "Inspect stored verdicts"}
	v.AddCommand(verdictsListCmd())
	v.AddCommand(verdictsShowCmd())
	v.AddCommand(verdictsStatsCmd())
	return v
}

func verdictsListCmd() *cobra.Command {
	var kind, runID, verdictFilter string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListVerdicts(ctx, repo.VerdictFilters{
					Kind:    kind,
					RunID:   runID,
					Verdict: verdictFilter,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Verdict", "Run", "Created"})
				for _, rec := range items {
					run := ""
					if rec.RunID != nil {
						run = *rec.RunID
					}
					tw.AppendRow(table.Row{rec.ID, rec.Kind, rec.Verdict.Verdict, run, rec.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (leads_list, factory)")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	cmd.Flags().StringVar(&verdictFilter, "verdict", "", "filter by verdict (ACCEPT, CHANGE_PLAN, STOP)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func verdictsShowCmd() *cobra.Command {
	var withInvestigation bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Repo.GetVerdict(ctx, id)
				if err != nil {
					return err
				}
				if !withInvestigation {
					return printJSON(rec)
				}
				out := map[string]any{"verdict": rec}
				inv, err := a.Engine.Repo.GetInvestigationByVerdict(ctx, id)
				switch {
				case err == nil:
					out["investigation"] = inv
				case !errors.Is(err, repo.ErrNotFound):
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().BoolVar(&withInvestigation, "investigation", false, "include the investigation behind the verdict")
	return cmd
}

func verdictsStatsCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Verdict counts by outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.Repo.CountVerdictsByOutcome(ctx, kind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Verdict", "Count"})
				for _, verdict := range []string{"ACCEPT", "CHANGE_PLAN", "STOP"} {
					if n, ok := counts[verdict]; ok {
						tw.AppendRow(table.Row{verdict, n})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (leads_list, factory)")
	return cmd
}

func runsCmd() *cobra.Command {
	r := &cobra.Command{Use: "runs", Short: "Manage mission runs"}
	r.AddCommand(runsRegisterCmd())
	r.AddCommand(runsListCmd())
	r.AddCommand(runsJudgementsCmd())
	r.AddCommand(runsStopCmd())
	return r
}

func runsRegisterCmd() *cobra.Command {
	var goal string
	var targetLeads, maxFailures, stallWindow, stallDelta int
	var maxCost, maxCPL, minQuality float64
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a mission run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(goal) == "" {
				return fmt.Errorf("--goal required")
			}
			criteria := domain.SuccessCriteria{}
			if cmd.Flags().Changed("target-leads") {
				criteria.TargetLeads = &targetLeads
			}
			if cmd.Flags().Changed("max-cost-gbp") {
				criteria.MaxCostGBP = &maxCost
			}
			if cmd.Flags().Changed("max-cost-per-lead-gbp") {
				criteria.MaxCostPerLeadGBP = &maxCPL
			}
			if cmd.Flags().Changed("min-quality") {
				criteria.MinQualityScore = &minQuality
			}
			if cmd.Flags().Changed("max-failures") {
				criteria.MaxFailures = &maxFailures
			}
			if cmd.Flags().Changed("stall-window-minutes") {
				criteria.StallWindowMin = &stallWindow
			}
			if cmd.Flags().Changed("stall-min-delta") {
				criteria.StallMinDelta = &stallDelta
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.RegisterRun(ctx, goal, criteria, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "mission goal")
	cmd.Flags().IntVar(&targetLeads, "target-leads", 0, "stop once this many leads are found")
	cmd.Flags().Float64Var(&maxCost, "max-cost-gbp", 0, "total budget in GBP")
	cmd.Flags().Float64Var(&maxCPL, "max-cost-per-lead-gbp", 0, "cost-per-lead ceiling in GBP")
	cmd.Flags().Float64Var(&minQuality, "min-quality", 0, "minimum quality score for success")
	cmd.Flags().IntVar(&maxFailures, "max-failures", 0, "failure budget")
	cmd.Flags().IntVar(&stallWindow, "stall-window-minutes", 0, "stall detection window in minutes")
	cmd.Flags().IntVar(&stallDelta, "stall-min-delta", 0, "minimum new leads per window")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func runsListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mission runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListRuns(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Goal", "Status", "Created"})
				for _, run := range items {
					tw.AppendRow(table.Row{run.ID, run.Goal, run.Status, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, stopped)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func runsJudgementsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "judgements <run-id>",
		Short: "Judgement history for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetRun(ctx, runID); err != nil {
					return err
				}
				items, err := a.Engine.Repo.ListJudgements(ctx, runID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Verdict", "Reason", "Explanation"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.CreatedAt, rec.Judgement.Verdict, rec.Judgement.ReasonCode, rec.Judgement.Explanation})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func runsStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.StopRun(ctx, runID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
	return cmd
}

func keysCmd() *cobra.Command {
	k := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	k.AddCommand(keysCreateCmd())
	k.AddCommand(keysListCmd())
	k.AddCommand(keysRevokeCmd())
	return k
}

func keysCreateCmd() *cobra.Command {
	var name, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, secret, err := a.Engine.CreateAPIKey(ctx, name, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				out := map[string]any{
					"id":         key.ID,
					"name":       key.Name,
					"role":       key.Role,
					"created_at": key.CreatedAt,
					"key":        secret,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("id:   %s\nname: %s\nrole: %s\nkey:  %s\n", key.ID, key.Name, key.Role, secret)
				fmt.Println("Store this key now; it is not shown again.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringVar(&role, "role", "viewer", "role (admin, judge, viewer)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func keysListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Created", "Last used"})
				for _, key := range items {
					lastUsed := ""
					if key.LastUsedAt != nil {
						lastUsed = *key.LastUsedAt
					}
					tw.AppendRow(table.Row{key.ID, key.Name, key.Role, key.CreatedAt, lastUsed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "filter by role")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeAPIKey(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var kind, entity, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, repo.EventFilters{
					Kind:     kind,
					Entity:   entity,
					EntityID: entityID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Entity", "Entity ID", "Actor", "At"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.Kind, evt.Entity, evt.EntityID, evt.Actor, evt.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind filter")
	cmd.Flags().StringVar(&entity, "entity", "", "entity filter (verdict, run, apikey)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default tower.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault("tower")), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCLIConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func loadCLIConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("tower")
	}
	return cfg, nil
}

func readArtifact(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// applyLeadsDefaults mirrors the service-side defaulting so offline
// judgements match what the API would say.
func applyLeadsDefaults(a domain.LeadsArtifact, cfg *config.Config) domain.LeadsArtifact {
	if a.MaxReplans == nil && cfg.Judge.DefaultMaxReplans != nil {
		v := *cfg.Judge.DefaultMaxReplans
		a.MaxReplans = &v
	}
	if a.AllowRelaxSoftConstraints == nil && !cfg.AllowRelax() {
		f := false
		a.AllowRelaxSoftConstraints = &f
	}
	return a
}

func criteriaFromDefaults(m config.MissionDefaults) domain.SuccessCriteria {
	return domain.SuccessCriteria{
		TargetLeads:       m.TargetLeads,
		MaxCostGBP:        m.MaxCostGBP,
		MaxCostPerLeadGBP: m.MaxCostPerLeadGBP,
		MinQualityScore:   m.MinQualityScore,
		MaxFailures:       m.MaxFailures,
		StallWindowMin:    m.StallWindowMin,
		StallMinDelta:     m.StallMinDelta,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
