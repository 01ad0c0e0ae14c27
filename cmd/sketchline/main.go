package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sketchline/internal/artifact"
	"sketchline/internal/billing"
	"sketchline/internal/config"
	"sketchline/internal/db"
	"sketchline/internal/domain"
	"sketchline/internal/engine"
	"sketchline/internal/generate"
	"sketchline/internal/logger"
	"sketchline/internal/migrate"
	"sketchline/internal/repo"
	"sketchline/internal/scm"
	"sketchline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sketchline",
	Short: "Sketchline CLI",
	Long: `Sketchline turns pull request events into visual sketch comments.
A webhook delivery becomes a durable run; the run walks a checkpointed
pipeline (entitlement, content assembly, brief, artifact, storage,
comment) and ends with exactly one upserted comment on the pull request.
'sketchline serve' runs the webhook receiver plus the operator API;
the other commands inspect runs, events, and API keys in the workspace
database.`,
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
	viper.SetEnvPrefix("SKETCHLINE")
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
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start webhook receiver and operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Init(logger.FromEnv())
			log := logger.With("serve")

			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			sec, err := secretsFromEnv()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			eng := engine.New(conn, cfg, buildCollaborators(cfg, sec))

			handler, err := server.New(server.Config{
				Engine:        eng,
				BasePath:      basePath,
				Auth:          server.AuthConfig{JWTSecret: sec.JWTSecret},
				WebhookSecret: sec.WebhookSecret,
			})
			if err != nil {
				return err
			}

			resumeUnfinished(cmd.Context(), eng, log)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving")
			fmt.Printf("Serving Sketchline on http://%s (webhooks at /webhooks/github, API at %s)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// resumeUnfinished re-dispatches runs interrupted by a previous shutdown.
// They pick up from their last checkpoint.
func resumeUnfinished(ctx context.Context, eng engine.Engine, log logger.Logger) {
	runs, err := eng.Repo.ListUnfinishedRuns(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("listing unfinished runs")
		return
	}
	for _, r := range runs {
		runID := r.ID
		log.Info().Str("run_id", runID).Msg("resuming run")
		go func() {
			if err := eng.Run(context.Background(), runID); err != nil {
				log.Error().Err(err).Str("run_id", runID).Msg("resumed run failed")
			}
		}()
	}
}

func secretsFromEnv() (config.Secrets, error) {
	sec := config.Secrets{
		WebhookSecret:   os.Getenv("SKETCHLINE_WEBHOOK_SECRET"),
		ProviderToken:   os.Getenv("SKETCHLINE_PROVIDER_TOKEN"),
		GenerationToken: os.Getenv("SKETCHLINE_GENERATION_TOKEN"),
		StorageToken:    os.Getenv("SKETCHLINE_STORAGE_TOKEN"),
		BillingToken:    os.Getenv("SKETCHLINE_BILLING_TOKEN"),
		JWTSecret:       os.Getenv("SKETCHLINE_JWT_SECRET"),
	}
	if sec.WebhookSecret == "" {
		return sec, fmt.Errorf("SKETCHLINE_WEBHOOK_SECRET is required")
	}
	if sec.JWTSecret == "" {
		return sec, fmt.Errorf("SKETCHLINE_JWT_SECRET is required for bearer auth")
	}
	return sec, nil
}

func buildCollaborators(cfg *config.Config, sec config.Secrets) engine.Collaborators {
	gh := scm.NewGitHubClient(cfg.Provider.APIBase, sec.ProviderToken)
	var store artifact.Store
	switch cfg.Storage.Kind {
	case "fs":
		store = artifact.FSStore{Dir: cfg.Storage.Dir, PublicURL: cfg.Storage.PublicURL}
	default:
		store = artifact.NewHTTPStore(cfg.Storage.Endpoint, cfg.Storage.PublicURL, sec.StorageToken)
	}
	return engine.Collaborators{
		Billing:   billing.NewHTTPClient(cfg.Billing.BaseURL, sec.BillingToken),
		Changes:   gh,
		Generator: generate.NewHTTPAdapter(cfg.Generation.BaseURL, sec.GenerationToken),
		Artifacts: store,
		Comments:  gh,
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Println("migrations applied")
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage sketchline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default sketchline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			err = cfg.Validate()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Inspect runs",
	}
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	return run
}

func runListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, limit, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Repo", "PR", "Head", "Updated"})
				for _, run := range runs {
					head := run.HeadSHA
					if len(head) > 7 {
						head = head[:7]
					}
					tw.AppendRow(table.Row{run.ID, run.Status, run.RepoName, run.Number, head, run.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max runs")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run and its completed steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := r.ListStepResults(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "steps": steps})
				}
				b, _ := json.MarshalIndent(run, "", "  ")
				fmt.Println(string(b))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Completed"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.Step, s.CompletedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, runID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys for the operator API",
	}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := "slk_" + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "name": key.Name, "secret": secret})
				}
				fmt.Println("id:    ", key.ID)
				fmt.Println("secret:", secret)
				fmt.Println("store the secret now; only its hash is kept")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

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
