package hierarchy

import (
	"errors"
	"testing"

	"github.com/0x4d31/rulesync/internal/state"
)

func buildTestRuleSets(t *testing.T) *RuleSetTree {
	t.Helper()
	sets := []*state.RuleSet{
		{Name: "root", Active: true},
		{Name: "web", Parent: "root", Active: true},
		{Name: "web-legacy", Parent: "web", Active: false},
		{Name: "web-legacy-php", Parent: "web-legacy", Active: true},
		{Name: "dns", Parent: "root", Active: true},
		{Name: "standalone", Active: true},
	}
	rules := []*state.Rule{
		{SID: 1, RuleSet: "root", Active: true},
		{SID: 2, RuleSet: "root", Active: false},
		{SID: 10, RuleSet: "web", Active: true},
		{SID: 20, RuleSet: "web-legacy", Active: true},
		{SID: 21, RuleSet: "web-legacy-php", Active: true},
		{SID: 30, RuleSet: "dns", Active: true},
		{SID: 31, RuleSet: "dns", Active: true},
		{SID: 40, RuleSet: "standalone", Active: true},
	}
	tree, err := BuildRuleSets(sets, rules)
	if err != nil {
		t.Fatalf("BuildRuleSets failed: %v", err)
	}
	return tree
}

func TestActiveRuleCount(t *testing.T) {
	tree := buildTestRuleSets(t)

	tests := []struct {
		set  string
		want int
	}{
		{"root", 4},       // 1, 10, 30, 31; web-legacy subtree pruned
		{"web", 1},        // web-legacy is inactive
		{"web-legacy", 2}, // queried directly: itself plus active child
		{"dns", 2},
		{"standalone", 1},
	}

	for _, tt := range tests {
		got, err := tree.ActiveRuleCount(tt.set)
		if err != nil {
			t.Fatalf("ActiveRuleCount(%s) failed: %v", tt.set, err)
		}
		if got != tt.want {
			t.Errorf("ActiveRuleCount(%s): expected %d, got %d", tt.set, tt.want, got)
		}
	}

	if _, err := tree.ActiveRuleCount("missing"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDescendantsSkipInactiveSubtree(t *testing.T) {
	tree := buildTestRuleSets(t)

	desc, err := tree.Descendants("root")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, rs := range desc {
		names = append(names, rs.Name)
	}
	want := []string{"web", "dns"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Descendant %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestCollectRevisions(t *testing.T) {
	tree := buildTestRuleSets(t)
	current := map[uint64]*state.Revision{
		1:  {SID: 1, Rev: 3},
		10: {SID: 10, Rev: 1},
		30: {SID: 30, Rev: 2},
	}

	all, err := tree.CollectRevisions("root", nil, current)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("Expected 5 rules without filter, got %d", len(all))
	}

	inactive := false
	off, err := tree.CollectRevisions("root", &inactive, current)
	if err != nil {
		t.Fatal(err)
	}
	if len(off) != 1 || off[2].Rule == nil {
		t.Errorf("Expected only sid 2, got %v", off)
	}

	active := true
	on, err := tree.CollectRevisions("root", &active, current)
	if err != nil {
		t.Fatal(err)
	}
	if on[1].Current == nil || on[1].Current.Rev != 3 {
		t.Errorf("Expected sid 1 at rev 3, got %+v", on[1])
	}
	if on[31].Current != nil {
		t.Errorf("Expected sid 31 without current revision, got %+v", on[31].Current)
	}
}

func TestSensorRevisions(t *testing.T) {
	tree := buildTestRuleSets(t)
	sensor := &state.Sensor{Name: "edge", RuleSets: []string{"web", "dns", "web-legacy", "nope"}}

	got := tree.SensorRevisions(sensor, nil)
	// web-legacy is inactive, so neither it nor its child contribute.
	for _, sid := range []uint64{10, 30, 31} {
		if _, ok := got[sid]; !ok {
			t.Errorf("Expected sid %d in manifest", sid)
		}
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 rules, got %d", len(got))
	}

	sets := tree.SensorSets(sensor)
	if len(sets) != 2 {
		t.Errorf("Expected 2 sets, got %d", len(sets))
	}
}

func TestBuildRuleSetsRejectsCycle(t *testing.T) {
	sets := []*state.RuleSet{
		{Name: "a", Parent: "c"},
		{Name: "b", Parent: "a"},
		{Name: "c", Parent: "b"},
	}
	if _, err := BuildRuleSets(sets, nil); !errors.Is(err, state.ErrCycle) {
		t.Errorf("Expected ErrCycle, got %v", err)
	}

	dangling := []*state.RuleSet{{Name: "a", Parent: "gone"}}
	if _, err := BuildRuleSets(dangling, nil); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSensorTree(t *testing.T) {
	tree, err := BuildSensors([]*state.Sensor{
		{Name: state.AllSensorsName},
		{Name: "dc-1", Parent: state.AllSensorsName},
		{Name: "edge-1", Parent: "dc-1"},
		{Name: "edge-2", Parent: "dc-1"},
		{Name: "dc-2", Parent: state.AllSensorsName},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := tree.ChildCount(state.AllSensorsName); got != 4 {
		t.Errorf("Expected 4 sensors below All, got %d", got)
	}
	if got := tree.ChildCount("dc-1"); got != 2 {
		t.Errorf("Expected 2 sensors below dc-1, got %d", got)
	}

	chain, err := tree.Ancestry("edge-2")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"edge-2", "dc-1", state.AllSensorsName}
	if len(chain) != len(want) {
		t.Fatalf("Expected chain %v, got %d entries", want, len(chain))
	}
	for i := range want {
		if chain[i].Name != want[i] {
			t.Errorf("Chain %d: expected %s, got %s", i, want[i], chain[i].Name)
		}
	}
}

func TestAscendDetectsCycle(t *testing.T) {
	byName := map[string]*state.Sensor{
		"a": {Name: "a", Parent: "b"},
		"b": {Name: "b", Parent: "a"},
	}
	lookup := func(name string) (*state.Sensor, error) {
		if s, ok := byName[name]; ok {
			return s, nil
		}
		return nil, state.ErrNotFound
	}
	if _, err := Ascend(byName["a"], lookup); !errors.Is(err, state.ErrCycle) {
		t.Errorf("Expected ErrCycle, got %v", err)
	}
}

type fakeOverrides struct {
	suppress  map[string]*state.Suppress
	detection map[string]*state.DetectionFilter
	event     map[string]*state.EventFilter
}

func (f fakeOverrides) Suppress(sensor string, _ uint64) (*state.Suppress, error) {
	if v, ok := f.suppress[sensor]; ok {
		return v, nil
	}
	return nil, state.ErrNotFound
}

func (f fakeOverrides) DetectionFilter(sensor string, _ uint64) (*state.DetectionFilter, error) {
	if v, ok := f.detection[sensor]; ok {
		return v, nil
	}
	return nil, state.ErrNotFound
}

func (f fakeOverrides) EventFilter(sensor string, _ uint64) (*state.EventFilter, error) {
	if v, ok := f.event[sensor]; ok {
		return v, nil
	}
	return nil, state.ErrNotFound
}

func TestResolveNearestPerKind(t *testing.T) {
	// A -> B -> C; B suppresses, A filters; C asks.
	chain := []*state.Sensor{{Name: "C"}, {Name: "B"}, {Name: "A"}}
	src := fakeOverrides{
		suppress: map[string]*state.Suppress{
			"B": {Sensor: "B", Track: "by_src"},
			"A": {Sensor: "A", Track: "by_dst"},
		},
		detection: map[string]*state.DetectionFilter{
			"A": {Sensor: "A", Count: 5},
		},
	}

	o, err := Resolve(chain, 1, src)
	if err != nil {
		t.Fatal(err)
	}
	if o.Suppress == nil || o.Suppress.Sensor != "B" {
		t.Errorf("Expected suppress from B, got %+v", o.Suppress)
	}
	if o.DetectionFilter == nil || o.DetectionFilter.Sensor != "A" {
		t.Errorf("Expected detection filter from A, got %+v", o.DetectionFilter)
	}
	if o.EventFilter != nil {
		t.Errorf("Expected no event filter, got %+v", o.EventFilter)
	}
}
