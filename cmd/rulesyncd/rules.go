package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0x4d31/rulesync/internal/catalog"
	"github.com/0x4d31/rulesync/internal/logutil"
	"github.com/0x4d31/rulesync/internal/state"
)

func newRulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Browse rules and review pending ruleset moves",
	}
	cmd.AddCommand(
		newRulesSearchCmd(a),
		newRulesShowCmd(a),
		newRuleChangesCmd(a),
		newRevisionActiveCmd(a, "activate", true),
		newRevisionActiveCmd(a, "deactivate", false),
	)
	return cmd
}

// newRevisionActiveCmd flips the active flag of a stored revision. Sensors
// receive the highest active revision of each rule.
func newRevisionActiveCmd(a *app, use string, active bool) *cobra.Command {
	var rev uint32
	cmd := &cobra.Command{
		Use:   use + " <sid>...",
		Short: "Mark revisions " + map[bool]string{true: "active", false: "inactive"}[active] + " (latest unless --rev)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sids := make([]uint64, 0, len(args))
			for _, arg := range args {
				sid, err := parseSID(arg)
				if err != nil {
					return err
				}
				sids = append(sids, sid)
			}
			return a.withDB(func(db *state.DB) error {
				return db.Update(func(tx *state.Tx) error {
					for _, sid := range sids {
						r, err := tx.SetRevisionActive(sid, rev, active)
						if err != nil {
							return err
						}
						logutil.Success("Rule %d revision %d %sd", sid, r.Rev, use)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().Uint32Var(&rev, "rev", 0, "revision number; 0 selects the latest")
	return cmd
}

func newRulesSearchCmd(a *app) *cobra.Command {
	var page catalog.Page
	cmd := &cobra.Command{
		Use:   "search [expression]",
		Short: "List rules matching a filter expression",
		Long: `List rules matching a filter expression, for example:

  rulesyncd rules search 'ruleset == "emerging-dns" && active'
  rulesyncd rules search 'priority == 1 && msg.contains("Trojan")'

Without an expression every rule is listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *state.DB) error {
				c, err := catalog.New(db)
				if err != nil {
					return err
				}
				var list *catalog.RuleList
				if len(args) == 1 {
					list, err = c.Search(args[0], page)
				} else {
					list, err = c.Rules(page)
				}
				if err != nil {
					return err
				}
				for _, r := range list.Rules {
					logutil.RuleLine(r.SID, r.Priority, r.Msg, r.RuleSet, r.RuleClass)
				}
				logutil.Info("%d of %d rules", len(list.Rules), list.Total)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&page.Number, "page", 1, "page number")
	cmd.Flags().IntVar(&page.Size, "size", catalog.DefaultPageSize, "rules per page")
	return cmd
}

func newRulesShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <sid>",
		Short: "Show one rule with its revisions and overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := parseSID(args[0])
			if err != nil {
				return err
			}
			return a.withDB(func(db *state.DB) error {
				c, err := catalog.New(db)
				if err != nil {
					return err
				}
				r, err := c.Rule(sid)
				if err != nil {
					return err
				}
				logutil.RuleLine(r.SID, r.Priority, r.Msg, r.RuleSet, r.RuleClass)
				fmt.Println(r.Raw)
				logutil.Info("%s", logutil.Fields(map[string]string{
					"rev":        fmt.Sprint(r.Rev),
					"active":     fmt.Sprint(r.Active),
					"generator":  r.Generator,
					"revisions":  fmt.Sprint(r.Revisions),
					"suppressed": fmt.Sprint(r.Suppressed),
					"filtered":   fmt.Sprint(r.Filtered),
				}))
				for _, ref := range r.References {
					if ref.URL != "" {
						logutil.Info("  %s: %s", ref.Type, ref.URL)
					} else {
						logutil.Info("  %s: %s", ref.Type, ref.Value)
					}
				}
				if len(r.Sensors) > 0 {
					logutil.Info("Active on: %v", r.Sensors)
				}
				return nil
			})
		},
	}
}

func newRuleChangesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List rules an update proposed to move to another ruleset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *state.DB) error {
				return db.View(func(tx *state.Tx) error {
					changes, err := tx.RuleChanges()
					if err != nil {
						return err
					}
					for _, c := range changes {
						logutil.Info("%d: %s -> %s (update %d)", c.SID, c.From, c.To, c.UpdateID)
					}
					if len(changes) == 0 {
						logutil.Info("No pending ruleset moves")
					}
					return nil
				})
			})
		},
	}

	decide := func(use, done, short string, apply bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <sid>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sid, err := parseSID(args[0])
				if err != nil {
					return err
				}
				return a.withDB(func(db *state.DB) error {
					return db.Update(func(tx *state.Tx) error {
						if apply {
							err = tx.ApplyRuleChange(sid)
						} else {
							err = tx.DiscardRuleChange(sid)
						}
						if err != nil {
							return err
						}
						logutil.Success("Rule %d: change %s", sid, done)
						return nil
					})
				})
			},
		}
	}
	cmd.AddCommand(
		decide("apply", "applied", "Move the rule to the proposed ruleset", true),
		decide("discard", "discarded", "Keep the rule in its current ruleset", false),
	)
	return cmd
}
