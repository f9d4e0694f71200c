package state

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenHeldDatabaseIsBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := Open(path, Options{Timeout: 50 * time.Millisecond}); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy while the file is held, got %v", err)
	}
}

func TestAddRevisionMonotonic(t *testing.T) {
	db := openTestDB(t)

	steps := []struct {
		rev   uint32
		added bool
	}{
		{rev: 1, added: true},
		{rev: 1, added: false},
		{rev: 3, added: true},
		{rev: 2, added: false},
		{rev: 4, added: true},
	}

	for _, step := range steps {
		err := db.Update(func(tx *Tx) error {
			added, err := tx.AddRevision(&Revision{SID: 100, Rev: step.rev, Active: true}, 0)
			if err != nil {
				return err
			}
			if added != step.added {
				t.Errorf("rev %d: expected added=%v, got %v", step.rev, step.added, added)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	err := db.View(func(tx *Tx) error {
		revs, err := tx.Revisions(100)
		if err != nil {
			return err
		}
		want := []uint32{1, 3, 4}
		if len(revs) != len(want) {
			t.Fatalf("Expected %d revisions, got %d", len(want), len(revs))
		}
		for i, r := range revs {
			if r.Rev != want[i] {
				t.Errorf("Revision %d: expected rev %d, got %d", i, want[i], r.Rev)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAddRevisionRetention(t *testing.T) {
	db := openTestDB(t)

	for rev := uint32(1); rev <= 5; rev++ {
		err := db.Update(func(tx *Tx) error {
			_, err := tx.AddRevision(&Revision{SID: 7, Rev: rev, Active: true}, 2)
			return err
		})
		if err != nil {
			t.Fatalf("AddRevision %d failed: %v", rev, err)
		}
	}

	err := db.View(func(tx *Tx) error {
		revs, err := tx.Revisions(7)
		if err != nil {
			return err
		}
		if len(revs) != 2 {
			t.Fatalf("Expected 2 retained revisions, got %d", len(revs))
		}
		if revs[0].Rev != 4 || revs[1].Rev != 5 {
			t.Errorf("Expected revisions 4 and 5, got %d and %d", revs[0].Rev, revs[1].Rev)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCurrentRevisionSkipsInactive(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		for _, r := range []*Revision{
			{SID: 1, Rev: 1, Active: true, Msg: "one"},
			{SID: 1, Rev: 2, Active: true, Msg: "two"},
			{SID: 1, Rev: 3, Active: false, Msg: "three"},
			{SID: 2, Rev: 1, Active: false, Msg: "inactive only"},
		} {
			if _, err := tx.AddRevision(r, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = db.View(func(tx *Tx) error {
		cur, err := tx.CurrentRevision(1)
		if err != nil {
			return err
		}
		if cur.Rev != 2 {
			t.Errorf("Expected current rev 2, got %d", cur.Rev)
		}

		latest, err := tx.LatestRevision(1)
		if err != nil {
			return err
		}
		if latest.Rev != 3 {
			t.Errorf("Expected latest rev 3, got %d", latest.Rev)
		}

		if _, err := tx.CurrentRevision(2); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for sid without active revision, got %v", err)
		}

		all, err := tx.CurrentRevisions()
		if err != nil {
			return err
		}
		if len(all) != 1 || all[1].Rev != 2 {
			t.Errorf("Unexpected current revisions: %v", all)
		}

		known, err := tx.MaxRevisions()
		if err != nil {
			return err
		}
		if known[1] != 3 || known[2] != 1 {
			t.Errorf("Unexpected max revisions: %v", known)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSetRevisionActive(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		for _, r := range []*Revision{
			{SID: 7, Rev: 1, Msg: "one"},
			{SID: 7, Rev: 2, Msg: "two"},
		} {
			if _, err := tx.AddRevision(r, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = db.Update(func(tx *Tx) error {
		if _, err := tx.CurrentRevision(7); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected no current revision before activation, got %v", err)
		}

		rev, err := tx.SetRevisionActive(7, 0, true)
		if err != nil {
			return err
		}
		if rev.Rev != 2 || !rev.Active {
			t.Errorf("Expected latest revision 2 activated, got %+v", rev)
		}
		if _, err := tx.SetRevisionActive(7, 1, true); err != nil {
			return err
		}
		if _, err := tx.SetRevisionActive(7, 2, false); err != nil {
			return err
		}

		cur, err := tx.CurrentRevision(7)
		if err != nil {
			return err
		}
		if cur.Rev != 1 || cur.Msg != "one" {
			t.Errorf("Expected current rev 1 after deactivating rev 2, got %+v", cur)
		}

		if _, err := tx.SetRevisionActive(7, 9, true); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for missing revision, got %v", err)
		}
		if _, err := tx.SetRevisionActive(8, 0, true); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for unknown sid, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGetOrCreateExistingWins(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		if err := tx.PutRuleClass(&RuleClass{Name: "trojan-activity", Description: "Trojan", Priority: 1}); err != nil {
			return err
		}
		rc, created, err := tx.GetOrCreateRuleClass("trojan-activity")
		if err != nil {
			return err
		}
		if created {
			t.Error("Expected existing ruleclass to be returned")
		}
		if rc.Priority != 1 {
			t.Errorf("Expected priority 1, got %d", rc.Priority)
		}

		rc, created, err = tx.GetOrCreateRuleClass("new-class")
		if err != nil {
			return err
		}
		if !created || rc.Priority != 4 || rc.Description != "new-class" {
			t.Errorf("Unexpected created ruleclass: %+v (created=%v)", rc, created)
		}

		rs, created, err := tx.GetOrCreateRuleSet("local")
		if err != nil {
			return err
		}
		if !created || !rs.Active || rs.Parent != "" {
			t.Errorf("Unexpected created ruleset: %+v", rs)
		}
		_, created, err = tx.GetOrCreateRuleSet("local")
		if err != nil {
			return err
		}
		if created {
			t.Error("Expected second GetOrCreateRuleSet to find the existing set")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPutRuleSetRejectsCycle(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		if err := tx.PutRuleSet(&RuleSet{Name: "a", Active: true}); err != nil {
			return err
		}
		if err := tx.PutRuleSet(&RuleSet{Name: "b", Parent: "a", Active: true}); err != nil {
			return err
		}
		if err := tx.PutRuleSet(&RuleSet{Name: "c", Parent: "b", Active: true}); err != nil {
			return err
		}
		if err := tx.PutRuleSet(&RuleSet{Name: "a", Parent: "c", Active: true}); !errors.Is(err, ErrCycle) {
			t.Errorf("Expected ErrCycle, got %v", err)
		}
		if err := tx.PutRuleSet(&RuleSet{Name: "d", Parent: "missing"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for missing parent, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDeleteSensor(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		for _, s := range []*Sensor{
			{Name: AllSensorsName, Active: true},
			{Name: "edge", Parent: AllSensorsName, Active: true},
			{Name: "edge-1", Parent: "edge", Active: true},
		} {
			if err := tx.CreateSensor(s); err != nil {
				return err
			}
		}
		for _, name := range []string{"edge", "edge-1"} {
			if err := tx.PutSuppress(&Suppress{Sensor: name, SID: 9, Track: "by_src"}); err != nil {
				return err
			}
		}
		if err := tx.PutEventFilter(&EventFilter{Sensor: "edge-1", SID: 9, Type: "limit"}); err != nil {
			return err
		}

		if err := tx.DeleteSensor(AllSensorsName); err == nil {
			t.Error("Expected the All group to be protected")
		}
		if err := tx.DeleteSensor("edge"); err == nil {
			t.Error("Expected a sensor with children to be protected")
		}
		if err := tx.DeleteSensor("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}

		if err := tx.DeleteSensor("edge-1"); err != nil {
			return err
		}
		if _, err := tx.Sensor("edge-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected edge-1 to be gone, got %v", err)
		}
		if _, err := tx.SensorByID(3); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected id index entry to be gone, got %v", err)
		}
		if _, err := tx.EventFilter("edge-1", 9); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected edge-1 event filter to be gone, got %v", err)
		}
		if _, err := tx.Suppress("edge", 9); err != nil {
			t.Errorf("Expected the parent's suppress entry to remain, got %v", err)
		}
		return tx.DeleteSensor("edge")
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSensorsAndSingleton(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		if _, err := tx.AllSensors(); !errors.Is(err, ErrMissingSingleton) {
			t.Errorf("Expected ErrMissingSingleton, got %v", err)
		}
		if err := tx.CreateSensor(&Sensor{Name: AllSensorsName, Active: true}); err != nil {
			return err
		}
		s := &Sensor{Name: "edge-1", Parent: AllSensorsName, Active: true}
		if err := tx.CreateSensor(s); err != nil {
			return err
		}
		if s.ID != 2 {
			t.Errorf("Expected sensor id 2, got %d", s.ID)
		}
		if err := tx.CreateSensor(&Sensor{Name: "edge-1"}); !errors.Is(err, ErrExists) {
			t.Errorf("Expected ErrExists, got %v", err)
		}
		byID, err := tx.SensorByID(2)
		if err != nil {
			return err
		}
		if byID.Name != "edge-1" {
			t.Errorf("Expected edge-1, got %s", byID.Name)
		}

		all, err := tx.Sensor(AllSensorsName)
		if err != nil {
			return err
		}
		all.Parent = "edge-1"
		if err := tx.PutSensor(all); !errors.Is(err, ErrCycle) {
			t.Errorf("Expected ErrCycle, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSensorStatus(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		sensor Sensor
		want   SensorStatus
	}{
		{"autonomous wins", Sensor{Autonomous: true, Active: false}, StatusAutonomous},
		{"inactive", Sensor{Active: false}, StatusInactive},
		{"never checked", Sensor{Active: true}, StatusUnknown},
		{"stale check", Sensor{Active: true, LastStatus: true, LastChecked: now.Add(-6 * time.Minute)}, StatusUnknown},
		{"available", Sensor{Active: true, LastStatus: true, LastChecked: now.Add(-time.Minute)}, StatusAvailable},
		{"unavailable", Sensor{Active: true, LastStatus: false, LastChecked: now.Add(-time.Minute)}, StatusUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sensor.Status(now); got != tt.want {
				t.Errorf("Status() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSourceLock(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	err := db.Update(func(tx *Tx) error {
		return tx.PutSource(&Source{Name: "community", URL: "https://example.com/rules.tar.gz"})
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.Update(func(tx *Tx) error { _, err := tx.LockSource("community", now); return err }); err != nil {
		t.Fatalf("First lock failed: %v", err)
	}
	err = db.Update(func(tx *Tx) error { _, err := tx.LockSource("community", now); return err })
	if !errors.Is(err, ErrSourceLocked) {
		t.Fatalf("Expected ErrSourceLocked, got %v", err)
	}

	if err := db.Update(func(tx *Tx) error { return tx.UnlockSource("community", "abc") }); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		s, err := tx.Source("community")
		if err != nil {
			return err
		}
		if s.Locked {
			t.Error("Expected source to be unlocked")
		}
		if s.LastChecksum != "abc" {
			t.Errorf("Expected checksum abc, got %q", s.LastChecksum)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOverridesPerSensorAndRule(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		if err := tx.PutSuppress(&Suppress{Sensor: "b", SID: 10, Track: "by_src", Addresses: []string{"10.0.0.1"}}); err != nil {
			return err
		}
		if err := tx.PutDetectionFilter(&DetectionFilter{Sensor: "a", SID: 10, Track: "by_dst", Count: 5, Seconds: 60}); err != nil {
			return err
		}
		if _, err := tx.Suppress("a", 10); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
		s, err := tx.Suppress("b", 10)
		if err != nil {
			return err
		}
		if len(s.Addresses) != 1 || s.Addresses[0] != "10.0.0.1" {
			t.Errorf("Unexpected suppress: %+v", s)
		}
		sup, filters, err := tx.OverrideCounts(10)
		if err != nil {
			return err
		}
		if sup != 1 || filters != 1 {
			t.Errorf("Expected 1 suppress and 1 filter, got %d and %d", sup, filters)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
