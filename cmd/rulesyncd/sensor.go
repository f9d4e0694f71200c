package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/0x4d31/rulesync/internal/health"
	"github.com/0x4d31/rulesync/internal/logutil"
	"github.com/0x4d31/rulesync/internal/metrics"
	"github.com/0x4d31/rulesync/internal/session"
	"github.com/0x4d31/rulesync/internal/state"
)

// secretEnv lets scripts pass a sensor secret without exposing it in argv.
const secretEnv = "RULESYNC_SENSOR_SECRET"

func newSensorCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sensor",
		Short: "Manage sensors and their rule overrides",
	}
	cmd.AddCommand(
		newSensorAddCmd(a),
		newSensorRemoveCmd(a),
		newSensorPingCmd(a),
		newSensorRequestUpdateCmd(a),
		newSuppressCmd(a),
		newDetectionFilterCmd(a),
		newEventFilterCmd(a),
	)
	return cmd
}

func newSensorAddCmd(a *app) *cobra.Command {
	var (
		s      state.Sensor
		secret string
		off    bool
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a sensor",
		Long: `Create a sensor. The parent defaults to the All group. The secret is read
from --secret or, when that is empty, from $` + secretEnv + `.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s.Name = args[0]
			s.Active = !off
			if secret == "" {
				secret = os.Getenv(secretEnv)
			}
			if secret == "" {
				return fmt.Errorf("a sensor secret is required")
			}
			hash, err := session.HashSecret(secret)
			if err != nil {
				return err
			}
			s.SecretHash = hash

			return a.withDB(func(db *state.DB) error {
				return db.Update(func(tx *state.Tx) error {
					if s.Parent == "" {
						all, err := tx.AllSensors()
						if err != nil {
							return err
						}
						s.Parent = all.Name
					}
					if err := tx.CreateSensor(&s); err != nil {
						return err
					}
					logutil.Success("Sensor %s created (id %d, parent %s)", s.Name, s.ID, s.Parent)
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&s.Parent, "parent", "", "parent sensor group")
	cmd.Flags().StringVar(&s.Address, "address", "", "control address of the sensor")
	cmd.Flags().StringSliceVar(&s.RuleSets, "ruleset", nil, "subscribed ruleset (repeatable)")
	cmd.Flags().BoolVar(&s.Autonomous, "autonomous", false, "sensor is never contacted by the server")
	cmd.Flags().BoolVar(&off, "inactive", false, "create the sensor inactive")
	cmd.Flags().StringVar(&secret, "secret", "", "authentication secret")
	return cmd
}

func newSensorRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a sensor and its overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *state.DB) error {
				return db.Update(func(tx *state.Tx) error {
					if err := tx.DeleteSensor(args[0]); err != nil {
						return err
					}
					logutil.Success("Sensor %s removed", args[0])
					return nil
				})
			})
		},
	}
}

func printResult(name string, res health.Result) error {
	if !res.Status {
		return errors.New(res.Message)
	}
	logutil.Success("%s: ok", name)
	return nil
}

func newSensorPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping <name>",
		Short: "Check whether a sensor is reachable and record the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *state.DB) error {
				return printResult(args[0], newSweeper(a.cfg, db, metrics.New()).Ping(cmd.Context(), args[0]))
			})
		},
	}
}

func newSensorRequestUpdateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "request-update <name>",
		Short: "Ask a sensor to synchronize its rules now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *state.DB) error {
				return printResult(args[0], newSweeper(a.cfg, db, metrics.New()).RequestUpdate(cmd.Context(), args[0]))
			})
		},
	}
}

func parseSID(s string) (uint64, error) {
	sid, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid SID %q", s)
	}
	return sid, nil
}

// overrideTarget checks that both the sensor and the rule exist.
func overrideTarget(tx *state.Tx, sensor, sid string) (uint64, error) {
	id, err := parseSID(sid)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Sensor(sensor); err != nil {
		return 0, err
	}
	if _, err := tx.Rule(id); err != nil {
		return 0, err
	}
	return id, nil
}

func newSuppressCmd(a *app) *cobra.Command {
	var (
		sup   state.Suppress
		remove bool
	)
	cmd := &cobra.Command{
		Use:   "suppress <sensor> <sid>",
		Short: "Suppress a rule on a sensor and everything below it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *state.DB) error {
				return db.Update(func(tx *state.Tx) error {
					sid, err := overrideTarget(tx, args[0], args[1])
					if err != nil {
						return err
					}
					if remove {
						return tx.DeleteSuppress(args[0], sid)
					}
					sup.Sensor, sup.SID = args[0], sid
					if err := tx.PutSuppress(&sup); err != nil {
						return err
					}
					logutil.Success("Rule %d suppressed on %s", sid, args[0])
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&sup.Track, "track", "by_src", "by_src or by_dst")
	cmd.Flags().StringSliceVar(&sup.Addresses, "address", nil, "address or CIDR (repeatable)")
	cmd.Flags().BoolVar(&remove, "clear", false, "remove the override")
	return cmd
}

func newDetectionFilterCmd(a *app) *cobra.Command {
	var (
		f     state.DetectionFilter
		remove bool
	)
	cmd := &cobra.Command{
		Use:   "detection-filter <sensor> <sid>",
		Short: "Set a detection threshold for a rule on a sensor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *state.DB) error {
				return db.Update(func(tx *state.Tx) error {
					sid, err := overrideTarget(tx, args[0], args[1])
					if err != nil {
						return err
					}
					if remove {
						return tx.DeleteDetectionFilter(args[0], sid)
					}
					if f.Count <= 0 || f.Seconds <= 0 {
						return fmt.Errorf("--count and --seconds must be positive")
					}
					f.Sensor, f.SID = args[0], sid
					if err := tx.PutDetectionFilter(&f); err != nil {
						return err
					}
					logutil.Success("Detection filter for rule %d set on %s", sid, args[0])
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.Track, "track", "by_src", "by_src or by_dst")
	cmd.Flags().IntVar(&f.Count, "count", 0, "event count")
	cmd.Flags().IntVar(&f.Seconds, "seconds", 0, "time window in seconds")
	cmd.Flags().BoolVar(&remove, "clear", false, "remove the override")
	return cmd
}

func newEventFilterCmd(a *app) *cobra.Command {
	var (
		f     state.EventFilter
		remove bool
	)
	cmd := &cobra.Command{
		Use:   "event-filter <sensor> <sid>",
		Short: "Limit how often a rule alerts on a sensor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *state.DB) error {
				return db.Update(func(tx *state.Tx) error {
					sid, err := overrideTarget(tx, args[0], args[1])
					if err != nil {
						return err
					}
					if remove {
						return tx.DeleteEventFilter(args[0], sid)
					}
					switch f.Type {
					case "limit", "threshold", "both":
					default:
						return fmt.Errorf("--type must be limit, threshold or both")
					}
					f.Sensor, f.SID = args[0], sid
					if err := tx.PutEventFilter(&f); err != nil {
						return err
					}
					logutil.Success("Event filter for rule %d set on %s", sid, args[0])
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "limit", "limit, threshold or both")
	cmd.Flags().StringVar(&f.Track, "track", "by_src", "by_src or by_dst")
	cmd.Flags().IntVar(&f.Count, "count", 1, "event count")
	cmd.Flags().IntVar(&f.Seconds, "seconds", 60, "time window in seconds")
	cmd.Flags().BoolVar(&remove, "clear", false, "remove the override")
	return cmd
}
