package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0x4d31/rulesync/internal/metrics"
	"github.com/0x4d31/rulesync/internal/state"
)

// Options tunes a Sweeper. Zero values select defaults.
type Options struct {
	// Timeout bounds a single check; a check that runs out is unreachable.
	Timeout time.Duration
	// Concurrency is how many sensors are checked at once.
	Concurrency int
	Metrics     *metrics.Metrics
}

// Sweeper checks sensors and records their reachability.
type Sweeper struct {
	db          *state.DB
	pinger      Pinger
	timeout     time.Duration
	concurrency int
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(db *state.DB, pinger Pinger, opts Options) *Sweeper {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Sweeper{
		db:          db,
		pinger:      pinger,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// Report summarizes one sweep.
type Report struct {
	Checked     int
	Reachable   int
	Unreachable []string
}

// checkable reports whether a sensor takes part in health sweeps. The
// catch-all group is not a real sensor and autonomous sensors are never
// contacted.
func checkable(s *state.Sensor) bool {
	return s.Name != state.AllSensorsName && s.Active && !s.Autonomous && s.Address != ""
}

// Sweep checks every checkable sensor. Check failures are recorded as the
// sensor's last status and never returned; only store errors are.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	start := s.now()

	var targets []*state.Sensor
	err := s.db.View(func(tx *state.Tx) error {
		all, err := tx.Sensors()
		if err != nil {
			return err
		}
		for _, sensor := range all {
			if checkable(sensor) {
				targets = append(targets, sensor)
			}
		}
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("list sensors: %w", err)
	}

	results := make([]bool, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for i, sensor := range targets {
		g.Go(func() error {
			results[i] = s.check(ctx, sensor) == nil
			return nil
		})
	}
	_ = g.Wait()

	at := s.now()
	report := Report{Checked: len(targets)}
	err = s.db.Update(func(tx *state.Tx) error {
		for i, sensor := range targets {
			if err := tx.SetSensorStatus(sensor.Name, results[i], at); err != nil {
				if errors.Is(err, state.ErrNotFound) {
					// Removed while the sweep ran.
					continue
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("record sensor status: %w", err)
	}

	for i, sensor := range targets {
		s.metrics.SensorCheck(results[i])
		if results[i] {
			report.Reachable++
		} else {
			report.Unreachable = append(report.Unreachable, sensor.Name)
		}
	}
	s.metrics.Sweep(report.Reachable, s.now().Sub(start))
	slog.Debug("health sweep finished", "checked", report.Checked, "reachable", report.Reachable)
	return report, nil
}

func (s *Sweeper) check(ctx context.Context, sensor *state.Sensor) error {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.pinger.Ping(pctx, sensor); err != nil {
		slog.Debug("sensor unreachable", "sensor", sensor.Name, "address", sensor.Address, "error", err)
		return err
	}
	return nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			slog.Warn("health sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Result is the structured answer of an operator action on a sensor.
type Result struct {
	Status  bool   `json:"status"`
	Message string `json:"message,omitempty"`
}

func failure(format string, args ...any) Result {
	return Result{Status: false, Message: fmt.Sprintf(format, args...)}
}

func (s *Sweeper) lookup(name string) (*state.Sensor, error) {
	var sensor *state.Sensor
	err := s.db.View(func(tx *state.Tx) error {
		var err error
		sensor, err = tx.Sensor(name)
		return err
	})
	return sensor, err
}

// Ping checks one sensor, records the outcome and reports it.
func (s *Sweeper) Ping(ctx context.Context, name string) Result {
	sensor, err := s.lookup(name)
	if err != nil {
		return failure("sensor %s: %v", name, err)
	}
	if !checkable(sensor) {
		return failure("sensor %s is %s and is not contacted", name, sensor.Status(s.now()))
	}

	perr := s.check(ctx, sensor)
	err = s.db.Update(func(tx *state.Tx) error {
		return tx.SetSensorStatus(name, perr == nil, s.now())
	})
	if err != nil {
		slog.Warn("failed to record sensor status", "sensor", name, "error", err)
	}
	s.metrics.SensorCheck(perr == nil)

	if perr != nil {
		return failure("sensor %s unreachable: %v", name, perr)
	}
	return Result{Status: true}
}

// RequestUpdate asks a sensor to synchronize its rules now.
func (s *Sweeper) RequestUpdate(ctx context.Context, name string) Result {
	sensor, err := s.lookup(name)
	if err != nil {
		return failure("sensor %s: %v", name, err)
	}
	if !checkable(sensor) {
		return failure("sensor %s is %s and is not contacted", name, sensor.Status(s.now()))
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.pinger.RequestUpdate(rctx, sensor); err != nil {
		return failure("sensor %s: update request failed: %v", name, err)
	}
	slog.Info("update requested", "sensor", name)
	return Result{Status: true}
}
