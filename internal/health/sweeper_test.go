package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x4d31/rulesync/internal/state"
)

type fakePinger struct {
	mu       sync.Mutex
	down     map[string]bool
	slow     map[string]bool
	pinged   []string
	requests []string
}

func (f *fakePinger) Ping(ctx context.Context, s *state.Sensor) error {
	f.mu.Lock()
	f.pinged = append(f.pinged, s.Name)
	down, slow := f.down[s.Name], f.slow[s.Name]
	f.mu.Unlock()

	if slow {
		<-ctx.Done()
		return ctx.Err()
	}
	if down {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakePinger) RequestUpdate(ctx context.Context, s *state.Sensor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, s.Name)
	return nil
}

func setup(t *testing.T, sensors ...*state.Sensor) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"), state.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Update(func(tx *state.Tx) error {
		if err := tx.CreateSensor(&state.Sensor{Name: state.AllSensorsName, Active: true, Address: "all.invalid"}); err != nil {
			return err
		}
		for _, s := range sensors {
			if err := tx.CreateSensor(s); err != nil {
				return err
			}
		}
		return nil
	}))
	return db
}

func sensor(t *testing.T, db *state.DB, name string) *state.Sensor {
	t.Helper()
	var s *state.Sensor
	require.NoError(t, db.View(func(tx *state.Tx) error {
		var err error
		s, err = tx.Sensor(name)
		return err
	}))
	return s
}

func TestSweepRecordsStatus(t *testing.T) {
	db := setup(t,
		&state.Sensor{Name: "up", Parent: state.AllSensorsName, Active: true, Address: "10.0.0.1"},
		&state.Sensor{Name: "down", Parent: state.AllSensorsName, Active: true, Address: "10.0.0.2"},
		&state.Sensor{Name: "slow", Parent: state.AllSensorsName, Active: true, Address: "10.0.0.3"},
		&state.Sensor{Name: "auto", Parent: state.AllSensorsName, Active: true, Autonomous: true, Address: "10.0.0.4"},
		&state.Sensor{Name: "off", Parent: state.AllSensorsName, Active: false, Address: "10.0.0.5"},
	)
	pinger := &fakePinger{
		down: map[string]bool{"down": true},
		slow: map[string]bool{"slow": true},
	}
	s := NewSweeper(db, pinger, Options{Timeout: 50 * time.Millisecond, Concurrency: 2})

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Reachable)
	assert.ElementsMatch(t, []string{"down", "slow"}, report.Unreachable)
	assert.ElementsMatch(t, []string{"up", "down", "slow"}, pinger.pinged)

	now := time.Now()
	assert.Equal(t, state.StatusAvailable, sensor(t, db, "up").Status(now))
	assert.Equal(t, state.StatusUnavailable, sensor(t, db, "down").Status(now))
	assert.Equal(t, state.StatusUnavailable, sensor(t, db, "slow").Status(now))
	assert.Equal(t, state.StatusAutonomous, sensor(t, db, "auto").Status(now))
	assert.Equal(t, state.StatusInactive, sensor(t, db, "off").Status(now))
	assert.True(t, sensor(t, db, state.AllSensorsName).LastChecked.IsZero())
}

func TestStatusGoesStale(t *testing.T) {
	db := setup(t, &state.Sensor{Name: "up", Parent: state.AllSensorsName, Active: true, Address: "10.0.0.1"})
	s := NewSweeper(db, &fakePinger{}, Options{})

	_, err := s.Sweep(context.Background())
	require.NoError(t, err)

	checked := sensor(t, db, "up")
	assert.Equal(t, state.StatusAvailable, checked.Status(checked.LastChecked.Add(state.StatusWindow)))
	assert.Equal(t, state.StatusUnknown, checked.Status(checked.LastChecked.Add(state.StatusWindow+time.Second)))
}

func TestPingAndRequestUpdate(t *testing.T) {
	db := setup(t,
		&state.Sensor{Name: "up", Parent: state.AllSensorsName, Active: true, Address: "10.0.0.1"},
		&state.Sensor{Name: "down", Parent: state.AllSensorsName, Active: true, Address: "10.0.0.2"},
		&state.Sensor{Name: "auto", Parent: state.AllSensorsName, Active: true, Autonomous: true, Address: "10.0.0.4"},
	)
	pinger := &fakePinger{down: map[string]bool{"down": true}}
	s := NewSweeper(db, pinger, Options{})
	ctx := context.Background()

	assert.Equal(t, Result{Status: true}, s.Ping(ctx, "up"))

	res := s.Ping(ctx, "down")
	assert.False(t, res.Status)
	assert.Contains(t, res.Message, "unreachable")
	assert.False(t, sensor(t, db, "down").LastStatus)
	assert.False(t, sensor(t, db, "down").LastChecked.IsZero())

	res = s.Ping(ctx, "auto")
	assert.False(t, res.Status)
	assert.Contains(t, res.Message, "autonomous")

	res = s.Ping(ctx, "missing")
	assert.False(t, res.Status)

	assert.True(t, s.RequestUpdate(ctx, "up").Status)
	assert.False(t, s.RequestUpdate(ctx, "auto").Status)
	assert.Equal(t, []string{"up"}, pinger.requests)
}

func TestHTTPPinger(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/update" && r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	p := NewHTTPPinger(9, nil)
	s := &state.Sensor{Name: "s", Address: strings.TrimPrefix(srv.URL, "http://")}
	ctx := context.Background()

	require.NoError(t, p.Ping(ctx, s))
	require.NoError(t, p.RequestUpdate(ctx, s))
	assert.Equal(t, []string{"GET /ping", "POST /update"}, seen)

	assert.Equal(t, "http://10.0.0.1:9/ping", p.url(&state.Sensor{Address: "10.0.0.1"}, "/ping"))

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	assert.Error(t, p.Ping(ctx, &state.Sensor{Address: strings.TrimPrefix(bad.URL, "http://")}))
}
