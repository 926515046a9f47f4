package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"onboardline/internal/app"
	"onboardline/internal/config"
	"onboardline/internal/engine"
)

var (
	// fileConfig holds onboardline.yml; the global viper holds CLI flags.
	fileConfig = viper.New()
	logLevel   = new(slog.LevelVar)
	logger     = slog.Default()
	closeLog   = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "onboardline",
	Short: "Onboarding task tracker backed by Jira Service Desk",
	Long: `Onboardline turns onboarding templates into per-user task lists whose
steps are raised as Jira Service Desk requests.

- Template: one onboarding step. Automated templates raise a request from
  field mappings; manual templates carry instructions for a person.
- Onboarding template: an ordered package of templates.
- Instance: one user being onboarded with a package. Each member template
  becomes a task that stays locked until its prerequisites are done or it
  is bypassed.
- Sync: pulls ticket status back into tasks and the tracked request list.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(fileConfig, viper.GetString("workspace"), viper.GetString("config"))
		if err != nil {
			return err
		}
		lvl, _ := config.ParseLevel(cfg.Log.Level)
		logLevel.Set(lvl)
		logger, closeLog = config.SetupLogger(cfg.Log.File, logLevel)
		slog.SetDefault(logger)
		loaded = cfg
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

var loaded *config.Config

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/onboardline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded on audit events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(packageCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(jiraCmd())
	rootCmd.AddCommand(executeTemplateCmd())
	rootCmd.AddCommand(logCmd())
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), loaded, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

func parseTaskRef(args []string) (engine.TaskRef, error) {
	inst, err := parseID(args[0], "instance id")
	if err != nil {
		return engine.TaskRef{}, err
	}
	tmpl, err := parseID(args[1], "template id")
	if err != nil {
		return engine.TaskRef{}, err
	}
	return engine.TaskRef{InstanceID: inst, TemplateID: tmpl}, nil
}
