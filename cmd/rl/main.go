package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"raidline/internal/app"
	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/engine"
	"raidline/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Raidline CLI",
	Long: `Raidline coordinates a party of agents working on one codebase.
Core concepts:
- Registry: who is in the party, with class, model, zone and context usage.
- Inbox gate: sending is blocked until your inbox is drained and your context report is fresh.
- Claims: exclusive file claims with a waitlist; a release notifies the next agent in line.
- Tasks: open -> assigned -> in_progress -> fixed -> verified -> closed, with a result artifact before close.
- Battle plan: the active directive per project and zone. Supersede it, never edit it.
- Raid log: append-only findings; low priority entries are pruned at session end.
- Fenix manifests: what a departing agent leaves for its successor, picked up on cold start.
- Sessions: end_session requires a debrief and no live tasks.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RAIDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("agent", "a", "", "calling agent name")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for API bearer tokens")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent", rootCmd.PersistentFlags().Lookup("agent"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(whoCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(raidCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(partyCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(freshnessCmd())
	rootCmd.AddCommand(coldStartCmd())
	rootCmd.AddCommand(fenixDownCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(heartbeatCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var instance string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default raidline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(instance)), 0o644); err != nil {
				return err
			}
			success("wrote %s", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "raidline", "instance name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a YAML config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(file); err != nil {
				return err
			}
			success("%s is valid", file)
			return nil
		},
	}
	validate.Flags().StringVar(&file, "file", "", "path to YAML config (defaults to the workspace config)")
	cfg.AddCommand(validate)
	return cfg
}

// --- helpers ---

func cliLogger() zerolog.Logger {
	level := viper.GetString("log-level")
	if level == "" {
		level = "warn"
	}
	return observability.InitLogger("rl", true, level)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	inst, err := app.Open(ctx, viper.GetString("workspace"), cliLogger())
	if err != nil {
		return err
	}
	defer inst.Close()
	return fn(ctx, inst.Engine)
}

// caller is the agent the command acts as.
func caller() (string, error) {
	name := strings.TrimSpace(viper.GetString("agent"))
	if name == "" {
		return "", errors.New("--agent (or RAIDLINE_AGENT) is required")
	}
	return name, nil
}

// withCaller opens the engine for a command that acts as an agent.
func withCaller(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	name, err := caller()
	if err != nil {
		return err
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e, name)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	return renderRecord(v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
