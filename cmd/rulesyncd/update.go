package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/0x4d31/rulesync/internal/logutil"
	"github.com/0x4d31/rulesync/internal/metrics"
	"github.com/0x4d31/rulesync/internal/rpc"
	"github.com/0x4d31/rulesync/internal/state"
	"github.com/0x4d31/rulesync/internal/update"
)

func newUpdateCmd(a *app) *cobra.Command {
	var (
		file   string
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "update <source>",
		Short: "Fetch and ingest the latest bundle of a source",
		Long: `Fetch the bundle of a source and ingest it. With --file, ingest a local
bundle or extracted directory instead; the source need not have a URL.

While "rulesyncd serve" holds the database, use --remote to run the update
inside the server through its admin listener.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if remote {
				if file != "" {
					return fmt.Errorf("--file cannot be combined with --remote")
				}
				res, err := rpc.TriggerUpdate(ctx, http.DefaultClient, a.cfg.Server.AdminListen, args[0])
				if err != nil {
					return err
				}
				if res.Unchanged {
					logutil.Info("Source %s unchanged (checksum %s)", res.Source, res.Checksum)
				} else {
					logutil.Success("Source %s: %d revisions stored", res.Source, res.Revisions)
				}
				return nil
			}

			return a.withDB(func(db *state.DB) error {
				orch := newOrchestrator(a.cfg, db, metrics.New())

				var (
					out *update.Outcome
					err error
				)
				if file != "" {
					out, err = orch.RunFile(ctx, args[0], file)
				} else {
					out, err = orch.Run(ctx, args[0])
				}
				if err != nil {
					return fmt.Errorf("update %s: %w", args[0], err)
				}
				report(out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "ingest a local bundle file or directory")
	cmd.Flags().BoolVar(&remote, "remote", false, "run the update inside the running server")
	return cmd
}

func report(out *update.Outcome) {
	if out.Unchanged {
		logutil.Info("Source %s unchanged (checksum %s)", out.Source, out.Checksum)
		return
	}
	if out.Result.Update == nil {
		logutil.Info("Source %s: no new revisions", out.Source)
	} else {
		for _, e := range out.Result.Update.Log {
			logutil.Progress(e.Percent, e.Text)
		}
	}

	st := out.Result.Stats
	logutil.Success("Source %s: %d revisions stored", out.Source, len(out.Touched()))
	logutil.Verbose("%s", logutil.Fields(map[string]string{
		"lines":             fmt.Sprint(st.Lines),
		"applied":           fmt.Sprint(st.Applied),
		"up_to_date":        fmt.Sprint(st.UpToDate),
		"skipped":           fmt.Sprint(st.Skipped),
		"malformed":         fmt.Sprint(st.Malformed),
		"abnormal":          fmt.Sprint(st.Abnormal),
		"bad_format":        fmt.Sprint(st.BadFormat),
		"missing_reference": fmt.Sprint(st.MissingReference),
		"rule_changes":      fmt.Sprint(st.RuleChanges),
	}))
}
