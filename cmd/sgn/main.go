package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sitesign/internal/app"
	"sitesign/internal/config"
	"sitesign/internal/db"
	"sitesign/internal/domain"
	"sitesign/internal/engine"
	"sitesign/internal/logging"
	"sitesign/internal/repo"
	"sitesign/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sgn",
	Short: "SiteSign CLI",
	Long: `SiteSign tracks approval requests raised at construction sites.
- Site: a project location with a manager and an ordered chain of approval steps.
- Request: a document routed through its site's chain; pending -> processing -> approved, or rejected at any step.
- Roles: headquarters decides any step and administers the system, site managers decide their own site, everyone else reads.
- Numbers: AP-<year>-<seq>, assigned on submit and never reused within a year.
- Notifications: an inbox per user, filled by transitions and by the pending-notification poller.
- Event log: every change is recorded, view with 'sgn log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		_, err := db.EnsureWorkspace(workspace)
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SITESIGN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "admin", "username acting on the workspace")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string {
	return viper.GetString("actor-id")
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				fmt.Printf("Workspace ready at %s (administrator: %s)\n", workspace, rt.Config.Bootstrap.AdminUsername)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect workspace configuration"}
	var force bool
	initC := &cobra.Command{
		Use:   "init",
		Short: "Write the default sitesign.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initC.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initC)
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate sitesign.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return c
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Summary(ctx)
				if err != nil {
					return err
				}
				rows := []table.Row{}
				for _, st := range []domain.Status{domain.StatusPending, domain.StatusProcessing, domain.StatusApproved, domain.StatusRejected} {
					rows = append(rows, table.Row{string(st), s.Approvals[st]})
				}
				rows = append(rows, table.Row{"users", s.Users}, table.Row{"sites", s.Sites}, table.Row{"last event", s.LastEvent})
				return render(s, table.Row{"Metric", "Count"}, rows)
			})
		},
	}
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Read the audit log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, actorID(), repo.EventFilter{Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n})
				if err != nil {
					return err
				}
				return render(events, table.Row{"ID", "Time", "Type", "Entity", "Actor"}, lo.Map(events, func(ev domain.Event, _ int) table.Row {
					return table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID}
				}))
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "approval, site, user or backup")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func backupCmd() *cobra.Command {
	c := &cobra.Command{Use: "backup", Short: "Export or import a JSON backup"}
	var year, month int
	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write a full backup, or a monthly one with --year and --month",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Export(ctx, engine.ExportOptions{ActorID: actorID(), Year: year, Month: month})
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(b, "", "  ")
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Println(string(data))
					return nil
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s (%d approvals, %d archived, %d sites, %d users)\n",
					out, b.Counts.Approvals, b.Counts.DeletedApprovals, b.Counts.Sites, b.Counts.Users)
				return nil
			})
		},
	}
	export.Flags().IntVar(&year, "year", 0, "year of a monthly backup")
	export.Flags().IntVar(&month, "month", 0, "month of a monthly backup")
	export.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	c.AddCommand(export)
	c.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Load a backup, skipping records that already exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var b engine.Backup
			if err := json.Unmarshal(data, &b); err != nil {
				return fmt.Errorf("parse backup: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Import(ctx, actorID(), b)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	return c
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the notification poller and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, TokenTTL: cfg.TokenTTL()}
				if secret := viper.GetString("jwt-secret"); secret != "" {
					authCfg.JWTSecret = secret
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("server.jwt_secret or SITESIGN_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg, Log: rt.Log})
				if err != nil {
					return err
				}

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					_ = rt.Engine.Poller().Run(ctx)
				}()
				go func() {
					defer wg.Done()
					_ = server.NewWebhookDispatcher(rt.Engine.Repo, cfg.Webhooks, rt.Log).Run(ctx)
				}()

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Log.Info("serving api", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving SiteSign API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				err = srv.ListenAndServe()
				cancel()
				wg.Wait()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	rt, err := app.Open(ctx, app.Options{Workspace: workspace, Config: cfg, Log: log})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func render(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
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

// changed returns a pointer to value when the flag was given, nil otherwise.
func changed(cmd *cobra.Command, flag, value string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &value
}
