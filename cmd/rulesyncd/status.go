package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/0x4d31/rulesync/internal/catalog"
	"github.com/0x4d31/rulesync/internal/logutil"
	"github.com/0x4d31/rulesync/internal/state"
)

func newStatusCmd(a *app) *cobra.Command {
	var updates int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sources, recent updates, rulesets and sensors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *state.DB) error {
				c, err := catalog.New(db)
				if err != nil {
					return err
				}
				return printStatus(c, updates)
			})
		},
	}
	cmd.Flags().IntVar(&updates, "updates", 5, "number of recent updates to show")
	return cmd
}

func printStatus(c *catalog.Catalog, recent int) error {
	sources, err := c.Sources()
	if err != nil {
		return err
	}
	logutil.Info("Sources:")
	for _, s := range sources {
		lock := ""
		if s.Locked {
			lock = " [locked since " + s.LockedAt.Format("2006-01-02 15:04:05") + "]"
		}
		logutil.Info("  %-20s %s%s", s.Name, s.URL, lock)
	}

	updates, err := c.Updates(recent)
	if err != nil {
		return err
	}
	logutil.Info("Recent updates:")
	for _, u := range updates {
		logutil.Info("  #%-5d %-20s %s  %d revisions, %d files",
			u.ID, u.Source, u.Time.Format("2006-01-02 15:04:05"), u.Revisions, u.Files)
	}

	sets, err := c.RuleSets()
	if err != nil {
		return err
	}
	logutil.Info("Rulesets:")
	for _, rs := range sets {
		mark := "active"
		if !rs.Active {
			mark = "inactive"
		}
		logutil.Info("  %-30s %5d/%-5d %s", rs.Name, rs.ActiveRules, rs.RuleCount, mark)
	}

	sensors, err := c.Sensors()
	if err != nil {
		return err
	}
	logutil.Info("Sensors:")
	for _, s := range sensors {
		logutil.Info("  %-20s %-12s %s", s.Name, s.Status, logutil.Fields(map[string]string{
			"parent":   s.Parent,
			"children": fmt.Sprint(s.Children),
			"rulesets": strings.Join(s.RuleSets, ","),
		}))
	}
	return nil
}
