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

	"taskfleet/internal/app"
	"taskfleet/internal/config"
	"taskfleet/internal/db"
	"taskfleet/internal/dispatch"
	"taskfleet/internal/domain"
	"taskfleet/internal/engine"
	"taskfleet/internal/repo"
	"taskfleet/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "Taskfleet CLI",
	Long: `Taskfleet dispatches tasks to a fleet of workers with capacity limits.
Core concepts:
- Workspace: the .taskfleet directory holding the database; taskfleet.yml configures the server and scheduler.
- Tasks: work items flowing READY -> DOING -> DONE (with BLOCKED, FAILED, ESCALATED detours). Gates hold a task in READY until approved.
- Workers: remote machines reached over forwarded ports, each with a max in-flight budget (WIP) and a set of groups it serves.
- Dispatches: one ledger row per transition attempt; the dispatch key makes retries idempotent.
- Activities: the append-only audit trail, view with 'tf log tail'.`,
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
	viper.SetEnvPrefix("TASKFLEET")
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
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default taskfleet.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(a.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			_ = cfg
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.Repo.CountTasksByState(ctx)
				if err != nil {
					return err
				}
				workers, err := a.Engine.Repo.ListWorkers(ctx)
				if err != nil {
					return err
				}
				online := 0
				for _, w := range workers {
					if w.Status == domain.WorkerOnline {
						online++
					}
				}
				out := map[string]any{
					"task_counts":    counts,
					"workers_total":  len(workers),
					"workers_online": online,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Workers: %d online / %d total\n", online, len(workers))
				fmt.Println("Tasks:")
				for state, c := range counts {
					fmt.Printf("  %s: %d\n", state, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow READY -> DOING -> DONE. Use transition to move them, approve to satisfy a gate, and list/get to inspect.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskTransitionCmd())
	task.AddCommand(taskApproveCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatorID = viper.GetString("actor-id")
			opts.ActorID = opts.CreatorID
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Type, "type", "general", "task type")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (higher dispatches first)")
	cmd.Flags().StringVar(&opts.Scope, "scope", domain.ScopeCompany, "scope (COMPANY or PRODUCT)")
	cmd.Flags().StringVar(&opts.ProductID, "product", "", "product id (required for PRODUCT scope)")
	cmd.Flags().StringVar(&opts.GroupID, "group", "", "worker group")
	cmd.Flags().StringVar(&opts.Gate, "gate", "", "approval gate name")
	cmd.Flags().BoolVar(&opts.DodRequired, "dod-required", false, "definition of done required")
	cmd.Flags().StringVar(&opts.Metadata, "metadata-json", "", "metadata JSON")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Group", "Priority", "Executor", "Version"})
				for _, t := range tasks {
					executor := ""
					if t.ExecutorID != nil {
						executor = *t.ExecutorID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.State, t.GroupID, t.Priority, executor, t.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.GroupID, "group", "", "group filter")
	cmd.Flags().StringVar(&f.Scope, "scope", "", "scope filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	var to, reason string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition task state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Transition(ctx, engine.TransitionOptions{
					ID:      id,
					To:      strings.ToUpper(to),
					ActorID: viper.GetString("actor-id"),
					Reason:  reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target state")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the transition")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	var gate, notes string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Record a gate approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RecordApproval(ctx, id, gate, viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&gate, "gate", "", "gate type")
	cmd.Flags().StringVar(&notes, "notes", "", "approval notes")
	_ = cmd.MarkFlagRequired("gate")
	return cmd
}

func workerCmd() *cobra.Command {
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
		Long:  "Workers are remote machines reached over forwarded ports. Each carries a WIP budget and the groups it serves.",
	}
	worker.AddCommand(workerAddCmd())
	worker.AddCommand(workerListCmd())
	worker.AddCommand(workerGetCmd())
	worker.AddCommand(workerStatusCmd())
	return worker
}

func workerAddCmd() *cobra.Command {
	var w domain.Worker
	var secret, identityFile, callbackURL string
	var groups []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret required")
			}
			now := time.Now().UTC().Format(time.RFC3339)
			w.Status = domain.WorkerOnline
			w.SecretHash = repo.HashSecret(secret)
			w.Groups = domain.GroupSet(groups)
			w.CreatedAt = now
			w.UpdatedAt = now
			if identityFile != "" {
				w.IdentityFile = &identityFile
			}
			if callbackURL != "" {
				w.CallbackURL = &callbackURL
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if existing, err := a.Engine.Repo.GetWorker(ctx, w.ID); err == nil {
					w.CurrentWip = existing.CurrentWip
					w.CreatedAt = existing.CreatedAt
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if err := a.Engine.Repo.UpsertWorker(ctx, w); err != nil {
					return err
				}
				saved, err := a.Engine.Repo.GetWorker(ctx, w.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&w.ID, "id", "", "worker id")
	cmd.Flags().StringVar(&w.SSHHost, "ssh-host", "", "ssh host")
	cmd.Flags().StringVar(&w.SSHUser, "ssh-user", "", "ssh user")
	cmd.Flags().IntVar(&w.SSHPort, "ssh-port", 22, "ssh port")
	cmd.Flags().StringVar(&identityFile, "identity-file", "", "ssh identity file")
	cmd.Flags().IntVar(&w.LocalPort, "local-port", 0, "forwarded local port the controller posts work to")
	cmd.Flags().IntVar(&w.RemotePort, "remote-port", 0, "port the worker listens on remotely")
	cmd.Flags().IntVar(&w.MaxWip, "max-wip", 1, "max concurrent tasks")
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret for completion callbacks")
	cmd.Flags().StringVar(&callbackURL, "callback-url", "", "controller URL the worker reports to")
	cmd.Flags().StringArrayVar(&groups, "group", []string{}, "group the worker serves (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("local-port")
	return cmd
}

func workerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				workers, err := a.Engine.Repo.ListWorkers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "WIP", "Max", "Groups", "Local Port"})
				for _, w := range workers {
					tw.AppendRow(table.Row{w.ID, w.Status, w.CurrentWip, w.MaxWip, strings.Join(w.Groups, ","), w.LocalPort})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workerGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.Repo.GetWorker(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workerStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Mark a worker online or offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if status != domain.WorkerOnline && status != domain.WorkerOffline {
				return fmt.Errorf("--status must be online or offline")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.UpdateWorkerStatus(ctx, id, status); err != nil {
					return err
				}
				w, err := a.Engine.Repo.GetWorker(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "online or offline")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func dispatchCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispatch",
		Short: "Inspect the dispatch ledger",
	}
	d.AddCommand(dispatchListCmd())
	return d
}

func dispatchListCmd() *cobra.Command {
	var taskID, workerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dispatches for a task or worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" && workerID == "" {
				return fmt.Errorf("--task or --worker required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var items []domain.Dispatch
				var err error
				if taskID != "" {
					items, err = a.Engine.Repo.ListDispatchesByTask(ctx, taskID)
				} else {
					items, err = a.Engine.Repo.ListDispatchesByWorker(ctx, workerID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Task", "Worker", "Status", "Updated"})
				for _, d := range items {
					worker := "local"
					if d.WorkerID != nil {
						worker = *d.WorkerID
					}
					tw.AppendRow(table.Row{d.Key, d.TaskID, worker, d.Status, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage admin API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := uuid.New().String()
				key := repo.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashSecret(secret),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "secret": secret}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key created. Store the secret now, it is not saved:\n  %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
		Long:  "The append-only diary of everything that happened: creations, transitions, approvals, dispatch failures.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var taskID, action string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListActivities(ctx, repo.ActivityFilters{
					TaskID: taskID,
					Action: action,
					Limit:  n,
				})
				if err != nil {
					return err
				}
				if err := printJSONOrTable(items); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				cursor, err := a.Engine.Repo.LatestActivityID(ctx)
				if err != nil {
					return err
				}
				ticker := time.NewTicker(2 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					fresh, err := a.Engine.Repo.ActivitiesAfter(ctx, 100, cursor)
					if err != nil {
						return err
					}
					for _, item := range fresh {
						cursor = item.ID
						if taskID != "" && item.TaskID != taskID {
							continue
						}
						if action != "" && item.Action != action {
							continue
						}
						if err := printJSON(item); err != nil {
							return err
						}
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of activities")
	cmd.Flags().StringVar(&taskID, "task", "", "task filter")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll for new activities")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and dispatch loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			jwtSecret := os.Getenv("TASKFLEET_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = cfg.Server.JWTSecret
			}
			if jwtSecret == "" {
				return fmt.Errorf("TASKFLEET_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
			}
			coord := dispatch.NewCoordinator(a.Engine)
			coord.PollInterval = time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second
			coord.LocalGroup = cfg.Scheduler.LocalGroup
			if notifier := server.NewWebhookNotifier(cfg.Webhooks); notifier != nil {
				coord.Subscribers = append(coord.Subscribers, notifier)
			}
			handler, err := server.New(server.Config{
				Engine:      a.Engine,
				Coordinator: coord,
				BasePath:    basePath,
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				},
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go coord.Run(ctx)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Taskfleet API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
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
