package hierarchy

import (
	"fmt"
	"sort"

	"github.com/0x4d31/rulesync/internal/state"
)

// Entry pairs a rule with its current revision. Current is nil when the rule
// has no active revision.
type Entry struct {
	Rule    *state.Rule
	Current *state.Revision
}

// RuleSetTree is an index-based arena over the ruleset forest.
type RuleSetTree struct {
	sets     []*state.RuleSet
	index    map[string]int
	parent   []int
	children [][]int
	rules    [][]*state.Rule
	roots    []int
}

// BuildRuleSets arranges sets into a forest and attaches each rule to the
// set that owns it. A dangling parent or a cyclic parent chain is rejected.
func BuildRuleSets(sets []*state.RuleSet, rules []*state.Rule) (*RuleSetTree, error) {
	t := &RuleSetTree{
		sets:     sets,
		index:    make(map[string]int, len(sets)),
		parent:   make([]int, len(sets)),
		children: make([][]int, len(sets)),
		rules:    make([][]*state.Rule, len(sets)),
	}
	for i, rs := range sets {
		t.index[rs.Name] = i
	}

	for i, rs := range sets {
		if rs.Parent == "" {
			t.parent[i] = -1
			t.roots = append(t.roots, i)
			continue
		}
		p, ok := t.index[rs.Parent]
		if !ok {
			return nil, fmt.Errorf("ruleset %q has unknown parent %q: %w", rs.Name, rs.Parent, state.ErrNotFound)
		}
		t.parent[i] = p
		t.children[p] = append(t.children[p], i)
	}

	if name, ok := findCycle(t.parent); ok {
		return nil, fmt.Errorf("ruleset %q: %w", sets[name].Name, state.ErrCycle)
	}

	for _, r := range rules {
		if i, ok := t.index[r.RuleSet]; ok {
			t.rules[i] = append(t.rules[i], r)
		}
	}
	return t, nil
}

// findCycle reports the first node whose parent chain revisits a node.
func findCycle(parent []int) (int, bool) {
	for start := range parent {
		seen := map[int]struct{}{}
		for cur := start; cur >= 0; cur = parent[cur] {
			if _, ok := seen[cur]; ok {
				return start, true
			}
			seen[cur] = struct{}{}
		}
	}
	return 0, false
}

func (t *RuleSetTree) lookup(name string) (int, error) {
	i, ok := t.index[name]
	if !ok {
		return 0, fmt.Errorf("ruleset %q: %w", name, state.ErrNotFound)
	}
	return i, nil
}

// Get returns the named ruleset.
func (t *RuleSetTree) Get(name string) (*state.RuleSet, error) {
	i, err := t.lookup(name)
	if err != nil {
		return nil, err
	}
	return t.sets[i], nil
}

// Roots returns the sets without a parent, ordered by name.
func (t *RuleSetTree) Roots() []*state.RuleSet {
	return t.collect(t.roots)
}

// Children returns the direct children of a set regardless of their active
// flag, ordered by name.
func (t *RuleSetTree) Children(name string) ([]*state.RuleSet, error) {
	i, err := t.lookup(name)
	if err != nil {
		return nil, err
	}
	return t.collect(t.children[i]), nil
}

func (t *RuleSetTree) collect(idx []int) []*state.RuleSet {
	out := make([]*state.RuleSet, 0, len(idx))
	for _, i := range idx {
		out = append(out, t.sets[i])
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Rules returns the rules owned directly by the set.
func (t *RuleSetTree) Rules(name string) ([]*state.Rule, error) {
	i, err := t.lookup(name)
	if err != nil {
		return nil, err
	}
	return t.rules[i], nil
}

// walk visits the set at start and then every active descendant, depth
// first. Inactive children are not entered, so nothing beneath them is
// visited. The start set itself is visited even when inactive.
func (t *RuleSetTree) walk(start int, visit func(i int)) {
	stack := []int{start}
	seen := map[int]struct{}{}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		visit(i)

		kids := t.children[i]
		for k := len(kids) - 1; k >= 0; k-- {
			if t.sets[kids[k]].Active {
				stack = append(stack, kids[k])
			}
		}
	}
}

// ActiveRuleCount counts active rules owned by the set and by its active
// descendants.
func (t *RuleSetTree) ActiveRuleCount(name string) (int, error) {
	i, err := t.lookup(name)
	if err != nil {
		return 0, err
	}
	count := 0
	t.walk(i, func(n int) {
		for _, r := range t.rules[n] {
			if r.Active {
				count++
			}
		}
	})
	return count, nil
}

// RuleCount counts all rules owned by the set and by its active descendants.
func (t *RuleSetTree) RuleCount(name string) (int, error) {
	i, err := t.lookup(name)
	if err != nil {
		return 0, err
	}
	count := 0
	t.walk(i, func(n int) { count += len(t.rules[n]) })
	return count, nil
}

// Descendants lists the active descendants of a set, depth first.
func (t *RuleSetTree) Descendants(name string) ([]*state.RuleSet, error) {
	i, err := t.lookup(name)
	if err != nil {
		return nil, err
	}
	var out []*state.RuleSet
	t.walk(i, func(n int) {
		if n != i {
			out = append(out, t.sets[n])
		}
	})
	return out, nil
}

// CollectRevisions maps SID to {rule, current revision} for every rule in the
// set and its active descendants. When active is non-nil only rules whose
// active flag equals *active are included.
func (t *RuleSetTree) CollectRevisions(name string, active *bool, current map[uint64]*state.Revision) (map[uint64]Entry, error) {
	i, err := t.lookup(name)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]Entry)
	t.collectInto(i, active, current, out)
	return out, nil
}

func (t *RuleSetTree) collectInto(i int, active *bool, current map[uint64]*state.Revision, out map[uint64]Entry) {
	t.walk(i, func(n int) {
		for _, r := range t.rules[n] {
			if active != nil && r.Active != *active {
				continue
			}
			out[r.SID] = Entry{Rule: r, Current: current[r.SID]}
		}
	})
}

// SensorSets returns the active sets a sensor subscribes to together with
// their active descendants, without duplicates.
func (t *RuleSetTree) SensorSets(s *state.Sensor) []*state.RuleSet {
	var out []*state.RuleSet
	seen := map[int]struct{}{}
	for _, name := range s.RuleSets {
		i, ok := t.index[name]
		if !ok || !t.sets[i].Active {
			continue
		}
		t.walk(i, func(n int) {
			if _, dup := seen[n]; dup {
				return
			}
			seen[n] = struct{}{}
			out = append(out, t.sets[n])
		})
	}
	return out
}

// SensorRevisions is the manifest a sensor synchronizes against: the active
// rules of its active sets and their active descendants.
func (t *RuleSetTree) SensorRevisions(s *state.Sensor, current map[uint64]*state.Revision) map[uint64]Entry {
	active := true
	out := make(map[uint64]Entry)
	for _, name := range s.RuleSets {
		i, ok := t.index[name]
		if !ok || !t.sets[i].Active {
			continue
		}
		t.collectInto(i, &active, current, out)
	}
	return out
}
