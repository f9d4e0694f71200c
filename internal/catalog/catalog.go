// Package catalog provides read-only projections of the store for operators:
// rule listings and search, rule details, ruleset and sensor overviews.
// Nothing here writes.
package catalog

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/0x4d31/rulesync/internal/hierarchy"
	"github.com/0x4d31/rulesync/internal/state"
)

// DefaultPageSize is used when a Page has no size.
const DefaultPageSize = 50

// Catalog answers read-only queries against the store.
type Catalog struct {
	db  *state.DB
	env *cel.Env
	now func() time.Time
}

// New creates a catalog over db.
func New(db *state.DB) (*Catalog, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Catalog{db: db, env: env, now: time.Now}, nil
}

// Page selects a window of a listing. Number starts at 1.
type Page struct {
	Number int
	Size   int
}

func (p Page) bounds(total int) (int, int) {
	size := p.Size
	if size <= 0 {
		size = DefaultPageSize
	}
	n := p.Number
	if n < 1 {
		n = 1
	}
	lo := (n - 1) * size
	if lo > total {
		lo = total
	}
	hi := lo + size
	if hi > total {
		hi = total
	}
	return lo, hi
}

// Reference is a rule reference with its resolved URL.
type Reference struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	URL   string `json:"url,omitempty"`
}

// RuleView is a rule as shown to an operator.
type RuleView struct {
	SID        uint64      `json:"sid"`
	Rev        uint32      `json:"rev"`
	Msg        string      `json:"msg"`
	Raw        string      `json:"raw"`
	Filters    string      `json:"filters,omitempty"`
	Active     bool        `json:"active"`
	RuleSet    string      `json:"ruleset"`
	RuleClass  string      `json:"ruleclass"`
	Priority   int         `json:"priority"`
	Generator  string      `json:"generator"`
	References []Reference `json:"references,omitempty"`
	// Revisions lists every stored revision number, oldest first.
	Revisions []uint32 `json:"revisions,omitempty"`
	// Sensors, Suppressed and Filtered are only filled by Rule.
	Sensors    []string `json:"sensors,omitempty"`
	Suppressed int      `json:"suppressed,omitempty"`
	Filtered   int      `json:"filtered,omitempty"`
}

// RuleList is one page of rules.
type RuleList struct {
	Total int         `json:"total"`
	Rules []*RuleView `json:"rules"`
}

// snapshot holds everything needed to render rules, read in one transaction.
type snapshot struct {
	rules    []*state.Rule
	current  map[uint64]*state.Revision
	latest   map[uint64]*state.Revision
	classes  map[string]*state.RuleClass
	refTypes map[string]*state.ReferenceType
}

func load(tx *state.Tx) (*snapshot, error) {
	s := &snapshot{
		latest:   make(map[uint64]*state.Revision),
		classes:  make(map[string]*state.RuleClass),
		refTypes: make(map[string]*state.ReferenceType),
	}
	var err error
	if s.rules, err = tx.Rules(); err != nil {
		return nil, err
	}
	if s.current, err = tx.CurrentRevisions(); err != nil {
		return nil, err
	}
	classes, err := tx.RuleClasses()
	if err != nil {
		return nil, err
	}
	for _, rc := range classes {
		s.classes[rc.Name] = rc
	}
	refTypes, err := tx.ReferenceTypes()
	if err != nil {
		return nil, err
	}
	for _, rt := range refTypes {
		s.refTypes[rt.Name] = rt
	}
	for _, r := range s.rules {
		if _, ok := s.current[r.SID]; ok {
			continue
		}
		// Rules without an active revision are shown with their newest one.
		rev, err := tx.LatestRevision(r.SID)
		if err != nil {
			slog.Debug("rule without revisions", "sid", r.SID, "error", err)
			continue
		}
		s.latest[r.SID] = rev
	}
	return s, nil
}

func (s *snapshot) view(r *state.Rule) *RuleView {
	v := &RuleView{
		SID:       r.SID,
		Active:    r.Active,
		RuleSet:   r.RuleSet,
		RuleClass: r.RuleClass,
		Generator: r.GeneratorKey(),
	}
	if rc, ok := s.classes[r.RuleClass]; ok {
		v.Priority = rc.Priority
	}
	rev := s.current[r.SID]
	if rev == nil {
		rev = s.latest[r.SID]
	}
	if rev == nil {
		return v
	}
	v.Rev, v.Msg, v.Raw, v.Filters = rev.Rev, rev.Msg, rev.Raw, rev.Filters
	for _, ref := range rev.References {
		out := Reference{Type: ref.Type, Value: ref.Value}
		if rt, ok := s.refTypes[ref.Type]; ok && rt.URLPrefix != "" {
			out.URL = rt.URLPrefix + ref.Value
		}
		v.References = append(v.References, out)
	}
	return v
}

func (c *Catalog) list(keep func(*RuleView) (bool, error), page Page) (*RuleList, error) {
	var matched []*RuleView
	err := c.db.View(func(tx *state.Tx) error {
		snap, err := load(tx)
		if err != nil {
			return err
		}
		for _, r := range snap.rules {
			v := snap.view(r)
			ok, err := keep(v)
			if err != nil {
				return fmt.Errorf("sid %d: %w", r.SID, err)
			}
			if ok {
				matched = append(matched, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].SID < matched[j].SID })
	lo, hi := page.bounds(len(matched))
	return &RuleList{Total: len(matched), Rules: matched[lo:hi]}, nil
}

// Rules lists every rule ordered by SID.
func (c *Catalog) Rules(page Page) (*RuleList, error) {
	return c.list(func(*RuleView) (bool, error) { return true, nil }, page)
}

// RulesInSet lists the rules owned directly by a ruleset.
func (c *Catalog) RulesInSet(name string, page Page) (*RuleList, error) {
	return c.list(func(v *RuleView) (bool, error) { return v.RuleSet == name, nil }, page)
}

// RulesInClass lists the rules of a classification.
func (c *Catalog) RulesInClass(name string, page Page) (*RuleList, error) {
	return c.list(func(v *RuleView) (bool, error) { return v.RuleClass == name, nil }, page)
}

// Search lists the rules matching a CEL expression.
func (c *Catalog) Search(expr string, page Page) (*RuleList, error) {
	f, err := c.Compile(expr)
	if err != nil {
		return nil, err
	}
	return c.list(f.Match, page)
}

// Rule returns the details of one rule, including the active sensors that
// receive it and how many overrides exist for it.
func (c *Catalog) Rule(sid uint64) (*RuleView, error) {
	var v *RuleView
	err := c.db.View(func(tx *state.Tx) error {
		r, err := tx.Rule(sid)
		if err != nil {
			return err
		}
		snap, err := load(tx)
		if err != nil {
			return err
		}
		v = snap.view(r)

		revs, err := tx.Revisions(sid)
		if err != nil {
			return err
		}
		for _, rev := range revs {
			v.Revisions = append(v.Revisions, rev.Rev)
		}

		if v.Suppressed, v.Filtered, err = tx.OverrideCounts(sid); err != nil {
			return err
		}

		sets, err := tx.RuleSets()
		if err != nil {
			return err
		}
		tree, err := hierarchy.BuildRuleSets(sets, nil)
		if err != nil {
			return err
		}
		sensors, err := tx.Sensors()
		if err != nil {
			return err
		}
		for _, s := range sensors {
			if !s.Active {
				continue
			}
			for _, rs := range tree.SensorSets(s) {
				if rs.Name == r.RuleSet {
					v.Sensors = append(v.Sensors, s.Name)
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// RuleSetView is a ruleset with its aggregate counts.
type RuleSetView struct {
	Name        string   `json:"name"`
	Parent      string   `json:"parent,omitempty"`
	Description string   `json:"description"`
	Active      bool     `json:"active"`
	RuleCount   int      `json:"rule_count"`
	ActiveRules int      `json:"active_rules"`
	Children    []string `json:"children,omitempty"`
}

// RuleSets lists every ruleset, roots first and each followed by its
// children, depth first. Counts include active descendants only.
func (c *Catalog) RuleSets() ([]*RuleSetView, error) {
	var out []*RuleSetView
	err := c.db.View(func(tx *state.Tx) error {
		sets, err := tx.RuleSets()
		if err != nil {
			return err
		}
		rules, err := tx.Rules()
		if err != nil {
			return err
		}
		tree, err := hierarchy.BuildRuleSets(sets, rules)
		if err != nil {
			return err
		}

		var visit func(rs *state.RuleSet) error
		visit = func(rs *state.RuleSet) error {
			var err error
			v := &RuleSetView{
				Name:        rs.Name,
				Parent:      rs.Parent,
				Description: rs.Description,
				Active:      rs.Active,
			}
			if v.RuleCount, err = tree.RuleCount(rs.Name); err != nil {
				return err
			}
			if v.ActiveRules, err = tree.ActiveRuleCount(rs.Name); err != nil {
				return err
			}
			kids, err := tree.Children(rs.Name)
			if err != nil {
				return err
			}
			for _, k := range kids {
				v.Children = append(v.Children, k.Name)
			}
			out = append(out, v)
			for _, k := range kids {
				if err := visit(k); err != nil {
					return err
				}
			}
			return nil
		}
		for _, root := range tree.Roots() {
			if err := visit(root); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// SensorView is a sensor with its derived status.
type SensorView struct {
	ID          uint64    `json:"id"`
	Name        string    `json:"name"`
	Parent      string    `json:"parent,omitempty"`
	Address     string    `json:"address"`
	Status      string    `json:"status"`
	RuleSets    []string  `json:"rulesets,omitempty"`
	Children    int       `json:"children"`
	LastChecked time.Time `json:"last_checked"`
}

// Sensors lists every sensor ordered by name.
func (c *Catalog) Sensors() ([]*SensorView, error) {
	var out []*SensorView
	err := c.db.View(func(tx *state.Tx) error {
		sensors, err := tx.Sensors()
		if err != nil {
			return err
		}
		tree, err := hierarchy.BuildSensors(sensors)
		if err != nil {
			return err
		}
		now := c.now()
		for _, s := range sensors {
			out = append(out, &SensorView{
				ID:          s.ID,
				Name:        s.Name,
				Parent:      s.Parent,
				Address:     s.Address,
				Status:      s.Status(now).String(),
				RuleSets:    s.RuleSets,
				Children:    tree.ChildCount(s.Name),
				LastChecked: s.LastChecked,
			})
		}
		return nil
	})
	return out, err
}

// UpdateView summarizes one update run.
type UpdateView struct {
	ID        uint64           `json:"id"`
	Source    string           `json:"source"`
	Time      time.Time        `json:"time"`
	Revisions int              `json:"revisions"`
	Files     int              `json:"files"`
	Log       []state.LogEntry `json:"log,omitempty"`
}

// Updates lists the most recent update runs, newest first. limit <= 0
// returns all.
func (c *Catalog) Updates(limit int) ([]*UpdateView, error) {
	var out []*UpdateView
	err := c.db.View(func(tx *state.Tx) error {
		updates, err := tx.Updates()
		if err != nil {
			return err
		}
		for i := len(updates) - 1; i >= 0; i-- {
			if limit > 0 && len(out) == limit {
				break
			}
			u := updates[i]
			out = append(out, &UpdateView{
				ID:        u.ID,
				Source:    u.Source,
				Time:      u.Time,
				Revisions: len(u.Revisions),
				Files:     len(u.Files),
				Log:       u.Log,
			})
		}
		return nil
	})
	return out, err
}

// Sources lists the configured sources.
func (c *Catalog) Sources() ([]*state.Source, error) {
	var out []*state.Source
	err := c.db.View(func(tx *state.Tx) error {
		var err error
		out, err = tx.Sources()
		return err
	})
	return out, err
}
