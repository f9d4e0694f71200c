package update

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/0x4d31/rulesync/internal/state"
)

// Pass is the result of one RunAll.
type Pass struct {
	Outcomes []*Outcome
	// Failed maps a source name to the error that stopped its update.
	Failed map[string]error
}

// RunAll updates every source that has a URL, one after another. A failing
// source is logged and recorded in the pass; the rest still run.
func (o *Orchestrator) RunAll(ctx context.Context) (*Pass, error) {
	var sources []*state.Source
	err := o.db.View(func(tx *state.Tx) error {
		var err error
		sources, err = tx.Sources()
		return err
	})
	if err != nil {
		return nil, err
	}

	pass := &Pass{Failed: map[string]error{}}
	for _, src := range sources {
		if src.URL == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return pass, err
		}

		out, err := o.Run(ctx, src.Name)
		switch {
		case errors.Is(err, state.ErrSourceLocked):
			pass.Failed[src.Name] = err
		case err != nil:
			slog.Error("scheduled update failed", "source", src.Name, "error", err)
			pass.Failed[src.Name] = err
		default:
			pass.Outcomes = append(pass.Outcomes, out)
		}
	}
	return pass, nil
}

// Schedule runs RunAll now and then every interval until ctx is done.
func (o *Orchestrator) Schedule(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pass, err := o.RunAll(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("scheduled update pass failed", "error", err)
		} else if pass != nil {
			slog.Info("scheduled update pass finished", "updated", len(pass.Outcomes), "failed", len(pass.Failed))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
