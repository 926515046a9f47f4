package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"onboardline/internal/app"
	"onboardline/internal/catalog"
	"onboardline/internal/config"
	"onboardline/internal/domain"
	"onboardline/internal/mcp"
	"onboardline/internal/reconcile"
	"onboardline/internal/repo"
	"onboardline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the periodic sync loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				if cmd.Flags().Changed("addr") {
					a.Config.Server.Addr = addr
				}
				if cmd.Flags().Changed("base-path") {
					a.Config.Server.BasePath = basePath
				}
				watchLogLevel()

				handler, err := server.New(server.Config{
					Engine:     a.Engine,
					Sync:       a.Reconciler,
					Discovery:  a.Gateway,
					BasePath:   a.Config.Server.BasePath,
					SyncOnRead: a.Config.Sync.OnRead,
					Logger:     a.Logger,
				})
				if err != nil {
					return err
				}
				a.Reconciler.Start(ctx, a.Config.Sync.Interval)

				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving onboardline API",
					"addr", "http://"+a.Config.Server.Addr+a.Config.Server.BasePath,
					"docs", "/docs",
					"sync_interval", a.Config.Sync.Interval,
					"sync_workers", a.Config.Sync.Workers,
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

// watchLogLevel applies log.level edits to the running server.
func watchLogLevel() {
	if fileConfig.ConfigFileUsed() == "" {
		return
	}
	fileConfig.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		lvl, err := config.ParseLevel(fileConfig.GetString("log.level"))
		if err != nil {
			logger.Warn("ignoring config change", "file", ev.Name, "err", err)
			return
		}
		if lvl != logLevel.Level() {
			logLevel.Set(lvl)
			logger.Info("log level changed", "level", lvl.String())
		}
	})
	fileConfig.WatchConfig()
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass against Jira",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Reconciler.Run(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				printReport(report)
				return nil
			})
		},
	}
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve onboarding tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return mcp.Serve(mcp.NewServer(a.Engine, a.Reconciler, actorID()))
			})
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <catalog.yml>",
		Short: "Import user fields, users, templates and onboarding templates from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := catalog.FromFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summary, err := catalog.Import(ctx, a.Engine, c, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("imported %d user fields, %d users, %d templates, %d onboarding templates\n",
					summary.UserFields, summary.Users, summary.Templates, summary.Packages)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect or create the workspace config"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default onboardline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config (token redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *loaded
			if cfg.Jira.Token != "" {
				cfg.Jira.Token = "***"
			}
			return printJSON(cfg)
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit events and sync history"}
	var n int
	var entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evs, err := a.Engine.Repo.ListEvents(ctx, repo.EventFilters{EntityKind: entityKind, EntityID: entityID, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, ev := range evs {
					t.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + " " + ev.EntityID, ev.ActorID, ev.Payload})
				}
				t.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")

	var runs int
	syncs := &cobra.Command{
		Use:   "syncs",
		Short: "Show recent reconciliation passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListSyncRuns(ctx, runs)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Started", "Finished", "Checked", "Updated", "Deleted", "Failed"})
				for _, r := range items {
					t.AppendRow(table.Row{r.ID, r.StartedAt, r.FinishedAt, r.Checked, r.Updated, r.Deleted, r.Failed})
				}
				t.Render()
				return nil
			})
		},
	}
	syncs.Flags().IntVarP(&runs, "n", "n", 10, "number of passes")
	cmd.AddCommand(tail, syncs)
	return cmd
}

func printReport(r reconcile.Report) {
	t := newTable()
	t.AppendHeader(table.Row{"Pass", "Checked", "Updated", "Deleted", "Failed"})
	t.AppendRow(table.Row{r.ID, r.Checked, r.Updated, r.Deleted, r.Failed})
	t.Render()
	for key, msg := range r.Errors {
		fmt.Printf("%s %s: %s\n", statusColor(domain.StatusDeletedInJira).Sprint("skipped"), key, msg)
	}
}
