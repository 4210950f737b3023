package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"unitrack/internal/app"
	"unitrack/internal/config"
	"unitrack/internal/db"
	"unitrack/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "unitrack",
	Short: "Unitrack CLI",
	Long: `Unitrack tracks portable units through their lifecycle.
- Units: each unit sits in exactly one state (warehouse, in-transit, in-use, pending-collection, pending-cleaning, under-repair).
- Actions: field staff submit action intents (dispatch, confirm-delivery, ...); the server is the only authority that applies them.
- Ledger: every applied intent is an append-only entry, unique per idempotency key, so resubmitting is always safe.
- Devices: a device queues intents in its own outbox while offline and replays them in order once it can reach the server.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
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
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default ./unitrack.yml when present)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(deviceCmd())
}

// loadConfig resolves the layered config. An explicit --workspace wins over
// storage.workspace from the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("workspace"); (f != nil && f.Changed) || cfg.Storage.Workspace == "" {
		cfg.Storage.Workspace = viper.GetString("workspace")
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Logging, os.Stderr)
}

func withServer(cmd *cobra.Command, fn func(context.Context, *config.Config, *app.Server) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := app.OpenServer(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, cfg, s)
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
