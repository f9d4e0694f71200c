package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Sensor returns the named sensor.
func (t *Tx) Sensor(name string) (*Sensor, error) {
	s, err := getJSON[Sensor](t.bucket(bucketSensors), []byte(name))
	if err != nil {
		return nil, wrapNotFound(err, "sensor", name)
	}
	return s, nil
}

// SensorByID returns the sensor with the given identifier.
func (t *Tx) SensorByID(id uint64) (*Sensor, error) {
	name := t.bucket(bucketSensorIDs).Get(u64Key(id))
	if name == nil {
		return nil, errNotFound("sensor", strconv.FormatUint(id, 10))
	}
	return t.Sensor(string(name))
}

// Sensors returns every sensor ordered by name.
func (t *Tx) Sensors() ([]*Sensor, error) {
	return listJSON[Sensor](t.bucket(bucketSensors))
}

// AllSensors returns the catch-all sensor group. Its absence is a
// configuration fault, reported as ErrMissingSingleton.
func (t *Tx) AllSensors() (*Sensor, error) {
	s, err := t.Sensor(AllSensorsName)
	if isNotFound(err) {
		return nil, fmt.Errorf("sensor %q representing all sensors: %w", AllSensorsName, ErrMissingSingleton)
	}
	return s, err
}

// CreateSensor stores a new sensor and assigns its ID.
func (t *Tx) CreateSensor(s *Sensor) error {
	if s.Name == "" {
		return fmt.Errorf("sensor name is required")
	}
	if t.bucket(bucketSensors).Get([]byte(s.Name)) != nil {
		return errExists("sensor", s.Name)
	}
	id, err := t.bucket(bucketSensorIDs).NextSequence()
	if err != nil {
		return fmt.Errorf("allocate sensor id: %w", err)
	}
	s.ID = id
	if err := t.bucket(bucketSensorIDs).Put(u64Key(id), []byte(s.Name)); err != nil {
		return err
	}
	return t.PutSensor(s)
}

// PutSensor replaces an existing sensor. The parent must exist and must not
// have s among its ancestors; every subscribed ruleset must exist.
func (t *Tx) PutSensor(s *Sensor) error {
	if s.Parent != "" {
		if err := t.checkSensorParent(s.Name, s.Parent); err != nil {
			return err
		}
	}
	for _, name := range s.RuleSets {
		if _, err := t.RuleSet(name); err != nil {
			return err
		}
	}
	return putJSON(t.bucket(bucketSensors), []byte(s.Name), s)
}

func (t *Tx) checkSensorParent(name, parent string) error {
	seen := map[string]struct{}{name: {}}
	for cur := parent; cur != ""; {
		if _, ok := seen[cur]; ok {
			return errCycle("sensor", name)
		}
		seen[cur] = struct{}{}
		p, err := t.Sensor(cur)
		if err != nil {
			return err
		}
		cur = p.Parent
	}
	return nil
}

// DeleteSensor removes a sensor together with its overrides. The catch-all
// group and sensors that still have children cannot be removed.
func (t *Tx) DeleteSensor(name string) error {
	if name == AllSensorsName {
		return fmt.Errorf("sensor %q cannot be removed", name)
	}
	s, err := t.Sensor(name)
	if err != nil {
		return err
	}
	sensors, err := t.Sensors()
	if err != nil {
		return err
	}
	for _, other := range sensors {
		if other.Parent == name {
			return fmt.Errorf("sensor %q still has child sensor %q", name, other.Name)
		}
	}

	prefix := append([]byte(name), 0)
	for _, bucket := range [][]byte{bucketSuppress, bucketDetection, bucketEventFilter} {
		b := t.bucket(bucket)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
	}

	if err := t.bucket(bucketSensorIDs).Delete(u64Key(s.ID)); err != nil {
		return err
	}
	return t.bucket(bucketSensors).Delete([]byte(name))
}

// SetSensorStatus records the outcome of a health check.
func (t *Tx) SetSensorStatus(name string, reachable bool, at time.Time) error {
	s, err := t.Sensor(name)
	if err != nil {
		return err
	}
	s.LastStatus = reachable
	s.LastChecked = at
	return putJSON(t.bucket(bucketSensors), []byte(s.Name), s)
}

func overrideKey(sensor string, sid uint64) []byte {
	k := make([]byte, 0, len(sensor)+9)
	k = append(k, sensor...)
	k = append(k, 0)
	return append(k, u64Key(sid)...)
}

// Suppress returns the suppress entry of sensor for sid.
func (t *Tx) Suppress(sensor string, sid uint64) (*Suppress, error) {
	return getJSON[Suppress](t.bucket(bucketSuppress), overrideKey(sensor, sid))
}

// PutSuppress stores a suppress entry, one per (sensor, sid).
func (t *Tx) PutSuppress(s *Suppress) error {
	return putJSON(t.bucket(bucketSuppress), overrideKey(s.Sensor, s.SID), s)
}

// DeleteSuppress removes a suppress entry.
func (t *Tx) DeleteSuppress(sensor string, sid uint64) error {
	return t.bucket(bucketSuppress).Delete(overrideKey(sensor, sid))
}

// DetectionFilter returns the detection filter of sensor for sid.
func (t *Tx) DetectionFilter(sensor string, sid uint64) (*DetectionFilter, error) {
	return getJSON[DetectionFilter](t.bucket(bucketDetection), overrideKey(sensor, sid))
}

// PutDetectionFilter stores a detection filter, one per (sensor, sid).
func (t *Tx) PutDetectionFilter(f *DetectionFilter) error {
	return putJSON(t.bucket(bucketDetection), overrideKey(f.Sensor, f.SID), f)
}

// DeleteDetectionFilter removes a detection filter.
func (t *Tx) DeleteDetectionFilter(sensor string, sid uint64) error {
	return t.bucket(bucketDetection).Delete(overrideKey(sensor, sid))
}

// EventFilter returns the event filter of sensor for sid.
func (t *Tx) EventFilter(sensor string, sid uint64) (*EventFilter, error) {
	return getJSON[EventFilter](t.bucket(bucketEventFilter), overrideKey(sensor, sid))
}

// PutEventFilter stores an event filter, one per (sensor, sid).
func (t *Tx) PutEventFilter(f *EventFilter) error {
	return putJSON(t.bucket(bucketEventFilter), overrideKey(f.Sensor, f.SID), f)
}

// DeleteEventFilter removes an event filter.
func (t *Tx) DeleteEventFilter(sensor string, sid uint64) error {
	return t.bucket(bucketEventFilter).Delete(overrideKey(sensor, sid))
}

// OverrideCounts returns how many suppress entries and filters reference sid
// across all sensors.
func (t *Tx) OverrideCounts(sid uint64) (suppress, filters int, err error) {
	match := func(v []byte) (bool, error) {
		var o struct {
			SID uint64 `json:"sid"`
		}
		if err := json.Unmarshal(v, &o); err != nil {
			return false, err
		}
		return o.SID == sid, nil
	}
	count := func(bucket []byte) (int, error) {
		n := 0
		err := t.bucket(bucket).ForEach(func(_, v []byte) error {
			ok, err := match(v)
			if ok {
				n++
			}
			return err
		})
		return n, err
	}

	if suppress, err = count(bucketSuppress); err != nil {
		return 0, 0, err
	}
	d, err := count(bucketDetection)
	if err != nil {
		return 0, 0, err
	}
	e, err := count(bucketEventFilter)
	if err != nil {
		return 0, 0, err
	}
	return suppress, d + e, nil
}
