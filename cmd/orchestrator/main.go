// Command orchestrator is the Workspace Orchestrator CLI and HTTP server
// (spec §6): it provisions the Control Surface over repositories, issues,
// agents, and workspaces, and drives the Workspace Runner's background
// reconciliation and sweep loops.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/orchestrator/internal/config"
	"github.com/example/orchestrator/internal/daemon"
	"github.com/example/orchestrator/internal/db"
	"github.com/example/orchestrator/internal/domain"
	"github.com/example/orchestrator/internal/eventlog"
	"github.com/example/orchestrator/internal/migrate"
	"github.com/example/orchestrator/internal/provider"
	"github.com/example/orchestrator/internal/repo"
	"github.com/example/orchestrator/internal/runner"
	"github.com/example/orchestrator/internal/scraper"
	"github.com/example/orchestrator/internal/server"
	"github.com/example/orchestrator/internal/synth"
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Workspace Orchestrator CLI",
	Long: `Workspace Orchestrator provisions containerized sandboxes that run a coding
agent against a reported defect, drives the agent to open a pull request, and
reconciles pull-request lifecycle via provider webhooks.

Core concepts:
- Repository: a tracked origin plus its operator-owned fork.
- Issue: one defect report against a repository, carrying its fix lifecycle.
- Agent: a named coding-agent image configuration.
- Workspace: one container run of an agent against an issue, from spawn to
  a terminal status (completed, build_failed, container_crashed, timeout,
  cancelled).`,
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
	viper.SetEnvPrefix("ORC")
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(repositoryCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed operator-facing defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			return migrate.SeedDefaults(conn)
		},
	}
}

func repositoryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "repository", Short: "Manage tracked repositories"}
	cmd.AddCommand(repositoryCreateCmd())
	cmd.AddCommand(repositoryListCmd())
	cmd.AddCommand(repositoryGetCmd())
	cmd.AddCommand(repositoryDeleteCmd())
	cmd.AddCommand(repositoryExtractCmd())
	return cmd
}

func repositoryCreateCmd() *cobra.Command {
	var fullName, originURL string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Track a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fullName == "" || originURL == "" {
				return fmt.Errorf("--full-name and --origin-url are required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rep := domain.Repository{
					ID:        uuid.New().String(),
					FullName:  fullName,
					OriginURL: originURL,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertRepository(ctx, rep); err != nil {
					return err
				}
				return printJSONOrTable([]domain.Repository{rep})
			})
		},
	}
	cmd.Flags().StringVar(&fullName, "full-name", "", "owner/name")
	cmd.Flags().StringVar(&originURL, "origin-url", "", "origin clone URL")
	return cmd
}

func repositoryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRepositories(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func repositoryGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rep, err := r.GetRepository(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.Repository{rep})
			})
		},
	}
}

func repositoryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Stop tracking a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteRepository(ctx, args[0])
			})
		},
	}
}

func repositoryExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <id>",
		Short: "Run environment extraction for a repository (spec §4.4)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				extractor := scraper.New(scraper.NewHTTPClient(cfg.ExtractionBaseURL, cfg.ExtractionAPIKey), r, nil)
				return extractor.Run(ctx, args[0])
			})
		},
	}
}

func issueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "issue", Short: "Manage issues"}
	cmd.AddCommand(issueCreateCmd())
	cmd.AddCommand(issueListCmd())
	cmd.AddCommand(issueGetCmd())
	return cmd
}

func issueCreateCmd() *cobra.Command {
	var repositoryID, title, body string
	var number int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record an issue against a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repositoryID == "" || title == "" {
				return fmt.Errorf("--repository and --title are required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetRepository(ctx, repositoryID); err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				issue := domain.Issue{
					ID:           uuid.New().String(),
					RepositoryID: repositoryID,
					Number:       number,
					Title:        title,
					Body:         body,
					Status:       "open",
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				if err := r.InsertIssue(ctx, issue); err != nil {
					return err
				}
				return printJSONOrTable([]domain.Issue{issue})
			})
		},
	}
	cmd.Flags().StringVar(&repositoryID, "repository", "", "repository id")
	cmd.Flags().IntVar(&number, "number", 0, "provider-side issue number")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&body, "body", "", "body")
	return cmd
}

func issueListCmd() *cobra.Command {
	var repositoryID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListIssues(ctx, repositoryID, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&repositoryID, "repository", "", "filter by repository id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func issueGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				issue, err := r.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.Issue{issue})
			})
		},
	}
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage coding agent configurations"}
	cmd.AddCommand(agentCreateCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentGetCmd())
	cmd.AddCommand(agentStateCmd())
	return cmd
}

func agentCreateCmd() *cobra.Command {
	var name, image string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a coding agent configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				agent := domain.Agent{
					ID:        uuid.New().String(),
					Name:      name,
					Image:     image,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAgent(ctx, agent); err != nil {
					return err
				}
				return printJSONOrTable([]domain.Agent{agent})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&image, "image", "", "default container image override")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List coding agent configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAgents(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func agentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an agent configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				agent, err := r.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.Agent{agent})
			})
		},
	}
}

func agentStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <id>",
		Short: "Show an agent's suspension state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				state, err := r.GetAgentState(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage operator-facing config defaults (spec §4.5)"}
	cmd.AddCommand(configListCmd())
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List config entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListConfig(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Show a config entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entry, err := r.GetConfig(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a config entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.SetConfig(ctx, args[0], args[1], now); err != nil {
					return err
				}
				return printJSONOrTable(domain.ConfigEntry{Key: args[0], Value: args[1], UpdatedAt: now})
			})
		},
	}
}

func workspaceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workspace", Short: "Drive and inspect workspace runs (spec §4.3)"}
	cmd.AddCommand(workspaceSpawnCmd())
	cmd.AddCommand(workspaceListCmd())
	cmd.AddCommand(workspaceGetCmd())
	cmd.AddCommand(workspaceDestroyCmd())
	cmd.AddCommand(workspaceLogsCmd())
	return cmd
}

func workspaceSpawnCmd() *cobra.Command {
	var issueID, agentID string
	var timeoutMinutes float64
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn a workspace to fix an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if issueID == "" || agentID == "" {
				return fmt.Errorf("--issue and --agent are required")
			}
			return withRunner(cmd.Context(), func(ctx context.Context, rn *runner.Runner) error {
				ws, err := rn.Spawn(ctx, runner.SpawnRequest{IssueID: issueID, AgentID: agentID, TimeoutMinutes: timeoutMinutes})
				if err != nil && ws.ID == "" {
					return err
				}
				return printJSONOrTable([]domain.Workspace{ws})
			})
		},
	}
	cmd.Flags().StringVar(&issueID, "issue", "", "issue id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().Float64Var(&timeoutMinutes, "timeout-minutes", 0, "override the default timeout")
	return cmd
}

func workspaceListCmd() *cobra.Command {
	var status, agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkspaces(ctx, status, agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Issue", "Agent", "Status", "PR"})
				for _, w := range items {
					pr := ""
					if w.PRURL != nil {
						pr = *w.PRURL
					}
					tw.AppendRow(table.Row{w.ID, w.IssueID, w.AgentID, w.Status, pr})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	return cmd
}

func workspaceGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ws, err := r.GetWorkspace(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.Workspace{ws})
			})
		},
	}
}

func workspaceDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <id>",
		Short: "Destroy (or cancel, if running) a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd.Context(), func(ctx context.Context, rn *runner.Runner) error {
				if err := rn.Cancel(ctx, args[0]); err != nil {
					return err
				}
				ws, err := rn.Repo.GetWorkspace(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.Workspace{ws})
			})
		},
	}
}

func workspaceLogsCmd() *cobra.Command {
	var afterID int64
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Read workspace log lines strictly after after-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetWorkspace(ctx, args[0]); err != nil {
					return err
				}
				logs, err := r.ListWorkspaceLogsAfter(ctx, args[0], afterID, 100000)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				for _, l := range logs {
					fmt.Printf("[%s] %s\n", l.Stream, l.Line)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&afterID, "after-id", 0, "only show log lines after this id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP Control Surface and background reconciliation loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: cfg.Workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			if err := migrate.SeedDefaults(conn); err != nil {
				return err
			}

			r := repo.Repo{DB: conn}
			rn, err := buildRunner(cfg, r)
			if err != nil {
				return err
			}
			integrator := eventlog.New(r, cfg.WebhookSecret)
			extractor := scraper.New(scraper.NewHTTPClient(cfg.ExtractionBaseURL, cfg.ExtractionAPIKey), r, nil)

			ctx := cmd.Context()
			// Reconcile in-flight workspaces against actual container state before
			// accepting new traffic (spec §4.3 "Reconciliation on startup").
			if err := rn.Reconcile(ctx); err != nil {
				log.Printf("startup reconcile: %v", err)
			}

			sweepTicker := time.NewTicker(30 * time.Second)
			defer sweepTicker.Stop()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-sweepTicker.C:
						if err := rn.SweepTimeouts(ctx); err != nil {
							log.Printf("sweep timeouts: %v", err)
						}
					}
				}
			}()

			if cfg.OutboundWebhookURL != "" {
				notifier := eventlog.NewOutboundNotifier(r, []eventlog.OutboundHook{{
					URL:    cfg.OutboundWebhookURL,
					Secret: cfg.OutboundWebhookSecret,
				}}, nil)
				go notifier.Run(ctx)
			}

			if basePath == "" {
				basePath = cfg.BasePath
			}
			handler, err := server.New(server.Config{
				Repo:       r,
				Runner:     rn,
				Integrator: integrator,
				Extractor:  extractor,
				BasePath:   basePath,
				Auth:       server.AuthConfig{JWTSecret: cfg.JWTSecret},
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.ListenAddr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Workspace Orchestrator API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to ORC_LISTEN_ADDR)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to ORC_BASE_PATH)")
	return cmd
}

// buildRunner wires the full Workspace Runner collaborator set from config,
// grounded on the daemon/provider/synth constructors each package exports.
func buildRunner(cfg config.Config, r repo.Repo) (*runner.Runner, error) {
	var overrides *synth.Overrides
	if cfg.RecipeOverridesPath != "" {
		o, err := synth.LoadOverrides(cfg.RecipeOverridesPath)
		if err != nil {
			return nil, err
		}
		overrides = o
	}
	completer := synth.NewHTTPCompleter(cfg.CompletionBaseURL, cfg.CompletionAPIKey)
	synthesizer := synth.New(completer, overrides, nil)
	daemonClient := daemon.New(cfg.DockerHost)
	providerClient := provider.New(cfg.ProviderToken)

	rn := runner.New(r, daemonClient, providerClient, synthesizer, completer, nil)
	rn.SSHKeyPath = cfg.SSHKeyPath
	rn.ProviderAuthFilePath = cfg.ProviderAuthFilePath
	rn.AgentConfigDir = cfg.AgentConfigDir
	rn.ProviderToken = cfg.ProviderToken
	return rn, nil
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

func withRunner(ctx context.Context, fn func(context.Context, *runner.Runner) error) error {
	cfg := config.Load()
	cfg.Workspace = viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: cfg.Workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	rn, err := buildRunner(cfg, r)
	if err != nil {
		return err
	}
	return fn(ctx, rn)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
