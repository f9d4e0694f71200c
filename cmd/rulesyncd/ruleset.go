package main

import (
	"github.com/spf13/cobra"

	"github.com/0x4d31/rulesync/internal/logutil"
	"github.com/0x4d31/rulesync/internal/state"
)

func newRuleSetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ruleset",
		Short: "Manage rulesets",
	}

	var (
		rs  state.RuleSet
		off bool
	)
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create or replace a ruleset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs.Name = args[0]
			rs.Active = !off
			if rs.Description == "" {
				rs.Description = rs.Name
			}
			return a.withDB(func(db *state.DB) error {
				return db.Update(func(tx *state.Tx) error {
					if err := tx.PutRuleSet(&rs); err != nil {
						return err
					}
					logutil.Success("Ruleset %s saved", rs.Name)
					return nil
				})
			})
		},
	}
	add.Flags().StringVar(&rs.Parent, "parent", "", "parent ruleset")
	add.Flags().StringVar(&rs.Description, "description", "", "description")
	add.Flags().BoolVar(&off, "inactive", false, "create the ruleset inactive")

	cmd.AddCommand(add, setActiveCmd(a, "activate", true), setActiveCmd(a, "deactivate", false))
	return cmd
}

func setActiveCmd(a *app, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: "Mark a ruleset " + map[bool]string{true: "active", false: "inactive"}[active],
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *state.DB) error {
				return db.Update(func(tx *state.Tx) error {
					rs, err := tx.RuleSet(args[0])
					if err != nil {
						return err
					}
					rs.Active = active
					if err := tx.PutRuleSet(rs); err != nil {
						return err
					}
					logutil.Success("Ruleset %s %sd", rs.Name, use)
					return nil
				})
			})
		},
	}
}
