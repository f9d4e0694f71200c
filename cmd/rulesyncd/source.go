package main

import (
	"github.com/spf13/cobra"

	"github.com/0x4d31/rulesync/internal/logutil"
	"github.com/0x4d31/rulesync/internal/state"
)

func newSourceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage rule sources",
	}

	var src state.Source
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or replace a rule source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src.Name = args[0]
			return a.withDB(func(db *state.DB) error {
				return db.Update(func(tx *state.Tx) error {
					// Keep the lock and checksum of an existing source.
					if cur, err := tx.Source(src.Name); err == nil {
						src.LastChecksum = cur.LastChecksum
						src.Locked = cur.Locked
						src.LockedAt = cur.LockedAt
					}
					if err := tx.PutSource(&src); err != nil {
						return err
					}
					logutil.Success("Source %s saved", src.Name)
					return nil
				})
			})
		},
	}
	add.Flags().StringVar(&src.URL, "url", "", "bundle URL")
	add.Flags().StringVar(&src.ChecksumURL, "checksum-url", "", "URL of the bundle's md5 checksum")
	add.Flags().StringVar(&src.Schedule, "schedule", "", "informational update schedule")

	unlock := &cobra.Command{
		Use:   "unlock <name>",
		Short: "Release a source left locked by an interrupted update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *state.DB) error {
				return db.Update(func(tx *state.Tx) error {
					if err := tx.UnlockSource(args[0], ""); err != nil {
						return err
					}
					logutil.Success("Source %s unlocked", args[0])
					return nil
				})
			})
		},
	}

	cmd.AddCommand(add, unlock)
	return cmd
}
