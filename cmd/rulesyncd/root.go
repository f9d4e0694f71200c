package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/0x4d31/rulesync/internal/config"
	"github.com/0x4d31/rulesync/internal/logutil"
	"github.com/0x4d31/rulesync/internal/state"
)

const defaultConfigPath = "/etc/rulesync/rulesync.yaml"

// app carries what every subcommand needs.
type app struct {
	configPath string
	verbose    bool
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "rulesyncd",
		Short:         "Rule synchronization server for network sensors",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath, "configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output with timestamps")

	root.AddCommand(
		newInitCmd(a),
		newServeCmd(a),
		newUpdateCmd(a),
		newSourceCmd(a),
		newSensorCmd(a),
		newRuleSetCmd(a),
		newRulesCmd(a),
		newStatusCmd(a),
	)
	return root
}

// setup loads the configuration and configures logging. A missing file at
// the default path falls back to built-in defaults.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	default:
		return err
	}
	a.cfg = cfg

	level := cfg.Level()
	if a.verbose {
		logutil.SetVerbosity(logutil.VerboseLevel)
		logutil.SetTimestamps(true)
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func (a *app) openDB() (*state.DB, error) {
	db, err := state.Open(a.cfg.State.DBPath, state.Options{
		SyncWrites: a.cfg.State.SyncWrites,
		Timeout:    a.cfg.State.OpenTimeout,
	})
	if errors.Is(err, state.ErrBusy) {
		return nil, fmt.Errorf("%w: is \"rulesyncd serve\" running? Stop it first, or use \"rulesyncd update --remote\" to update through it", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	return db, nil
}

// withDB opens the database for the duration of fn.
func (a *app) withDB(fn func(db *state.DB) error) error {
	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}
