package hierarchy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/0x4d31/rulesync/internal/state"
)

// maxDepth bounds every parent ascent.
const maxDepth = 64

// SensorTree is an index-based arena over the sensor forest.
type SensorTree struct {
	sensors  []*state.Sensor
	index    map[string]int
	parent   []int
	children [][]int
	roots    []int
}

// BuildSensors arranges sensors into a forest. A dangling parent or a cyclic
// parent chain is rejected.
func BuildSensors(sensors []*state.Sensor) (*SensorTree, error) {
	t := &SensorTree{
		sensors:  sensors,
		index:    make(map[string]int, len(sensors)),
		parent:   make([]int, len(sensors)),
		children: make([][]int, len(sensors)),
	}
	for i, s := range sensors {
		t.index[s.Name] = i
	}
	for i, s := range sensors {
		if s.Parent == "" {
			t.parent[i] = -1
			t.roots = append(t.roots, i)
			continue
		}
		p, ok := t.index[s.Parent]
		if !ok {
			return nil, fmt.Errorf("sensor %q has unknown parent %q: %w", s.Name, s.Parent, state.ErrNotFound)
		}
		t.parent[i] = p
		t.children[p] = append(t.children[p], i)
	}
	if n, ok := findCycle(t.parent); ok {
		return nil, fmt.Errorf("sensor %q: %w", sensors[n].Name, state.ErrCycle)
	}
	return t, nil
}

// Get returns the named sensor.
func (t *SensorTree) Get(name string) (*state.Sensor, error) {
	i, ok := t.index[name]
	if !ok {
		return nil, fmt.Errorf("sensor %q: %w", name, state.ErrNotFound)
	}
	return t.sensors[i], nil
}

// Roots returns the sensors without a parent, ordered by name.
func (t *SensorTree) Roots() []*state.Sensor {
	return t.collect(t.roots)
}

// Children returns the direct children of a sensor, ordered by name.
func (t *SensorTree) Children(name string) ([]*state.Sensor, error) {
	i, ok := t.index[name]
	if !ok {
		return nil, fmt.Errorf("sensor %q: %w", name, state.ErrNotFound)
	}
	return t.collect(t.children[i]), nil
}

func (t *SensorTree) collect(idx []int) []*state.Sensor {
	out := make([]*state.Sensor, 0, len(idx))
	for _, i := range idx {
		out = append(out, t.sensors[i])
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// ChildCount counts all sensors below the named one.
func (t *SensorTree) ChildCount(name string) int {
	i, ok := t.index[name]
	if !ok {
		return 0
	}
	count := 0
	stack := append([]int(nil), t.children[i]...)
	for len(stack) > 0 && count < len(t.sensors) {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		count++
		stack = append(stack, t.children[n]...)
	}
	return count
}

// Ancestry returns the sensor followed by its parents up to the root.
func (t *SensorTree) Ancestry(name string) ([]*state.Sensor, error) {
	s, err := t.Get(name)
	if err != nil {
		return nil, err
	}
	return Ascend(s, t.Get)
}

// Ascend builds the chain from start up through its parents using lookup.
// The chain ends at a sensor with no parent. Revisiting a sensor or exceeding
// maxDepth is reported as ErrCycle rather than looping.
func Ascend(start *state.Sensor, lookup func(name string) (*state.Sensor, error)) ([]*state.Sensor, error) {
	chain := []*state.Sensor{start}
	seen := map[string]struct{}{start.Name: {}}

	for cur := start; cur.Parent != ""; {
		if len(chain) >= maxDepth {
			return nil, fmt.Errorf("sensor %q: ancestry deeper than %d: %w", start.Name, maxDepth, state.ErrCycle)
		}
		next, err := lookup(cur.Parent)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[next.Name]; ok {
			return nil, fmt.Errorf("sensor %q: %w", start.Name, state.ErrCycle)
		}
		seen[next.Name] = struct{}{}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

// OverrideSource looks up per-sensor overrides. *state.Tx implements it.
type OverrideSource interface {
	Suppress(sensor string, sid uint64) (*state.Suppress, error)
	DetectionFilter(sensor string, sid uint64) (*state.DetectionFilter, error)
	EventFilter(sensor string, sid uint64) (*state.EventFilter, error)
}

// Overrides is the effective tuning of one rule on one sensor. Nil fields
// mean no sensor in the ancestry defines that kind.
type Overrides struct {
	Suppress        *state.Suppress
	DetectionFilter *state.DetectionFilter
	EventFilter     *state.EventFilter
}

// Resolve walks chain (sensor first, root last) and picks, for each override
// kind independently, the entry of the nearest sensor that defines one.
func Resolve(chain []*state.Sensor, sid uint64, src OverrideSource) (Overrides, error) {
	var o Overrides
	for _, s := range chain {
		if o.Suppress == nil {
			v, err := src.Suppress(s.Name, sid)
			if err := ignoreNotFound(err); err != nil {
				return Overrides{}, err
			}
			o.Suppress = v
		}
		if o.DetectionFilter == nil {
			v, err := src.DetectionFilter(s.Name, sid)
			if err := ignoreNotFound(err); err != nil {
				return Overrides{}, err
			}
			o.DetectionFilter = v
		}
		if o.EventFilter == nil {
			v, err := src.EventFilter(s.Name, sid)
			if err := ignoreNotFound(err); err != nil {
				return Overrides{}, err
			}
			o.EventFilter = v
		}
		if o.Suppress != nil && o.DetectionFilter != nil && o.EventFilter != nil {
			break
		}
	}
	return o, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	return err
}
