package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/0x4d31/rulesync/internal/logutil"
	"github.com/0x4d31/rulesync/internal/state"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the state database, working directories and the All sensor group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := []string{
				filepath.Dir(a.cfg.State.DBPath),
				a.cfg.Update.StorageDir,
				a.cfg.Update.InboxDir,
			}
			if a.cfg.Update.ArchiveDir != "" {
				dirs = append(dirs, a.cfg.Update.ArchiveDir)
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}

			return a.withDB(func(db *state.DB) error {
				return db.Update(func(tx *state.Tx) error {
					_, err := tx.AllSensors()
					if err == nil {
						logutil.Info("Sensor group %q already exists", state.AllSensorsName)
						return nil
					}
					if !errors.Is(err, state.ErrMissingSingleton) {
						return err
					}
					if err := tx.CreateSensor(&state.Sensor{Name: state.AllSensorsName, Active: true}); err != nil {
						return err
					}
					logutil.Success("Initialized %s", db.Path())
					return nil
				})
			})
		},
	}
}
