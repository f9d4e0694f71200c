package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/0x4d31/rulesync/internal/rules"
	"github.com/0x4d31/rulesync/internal/state"
)

// maxLineSize bounds a single line; long rules with many contents run well
// past bufio's 64KiB default.
const maxLineSize = 1 << 20

// eachLine calls fn with every line of path and its 1-based number.
func eachLine(path string, fn func(n int, line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	n := 0
	for sc.Scan() {
		n++
		if err := fn(n, sc.Text()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

// badFormat logs a BadFormatError with file context and reports whether err
// was one.
func badFormat(err error, path string, n int) bool {
	var bf *rules.BadFormatError
	if !errors.As(err, &bf) {
		return false
	}
	bf.File, bf.Line = path, n
	slog.Warn(bf.Error())
	return true
}

// ApplyRuleFile stores every rule line of path whose revision is newer than
// known[sid]. known is updated in place as revisions are stored; a nil map
// is loaded from the store. The ruleset of a line defaults to the file's
// base name.
func (r *Run) ApplyRuleFile(path string, known map[uint64]uint32) (Stats, error) {
	if known == nil {
		var err error
		if known, err = r.tx.MaxRevisions(); err != nil {
			return Stats{}, err
		}
	}
	fallback := rules.RuleSetFromPath(path)

	var st Stats
	err := eachLine(path, func(n int, line string) error {
		st.Lines++
		rl, err := rules.ParseRuleLine(line)
		switch {
		case err == nil:
		case errors.Is(err, rules.ErrNotRule):
			st.Skipped++
			return nil
		case errors.Is(err, rules.ErrAbnormal):
			st.Abnormal++
			slog.Info("skipping abnormal rule", "file", path, "line", n)
			return nil
		default:
			st.Malformed++
			slog.Debug("skipping malformed rule", "file", path, "line", n, "error", err)
			return nil
		}

		if have, ok := known[rl.SID]; ok && rl.Rev <= have {
			st.UpToDate++
			return nil
		}

		stored, err := r.applyRule(rl, fallback, &st)
		if err != nil {
			return fmt.Errorf("%s:%d: sid %d: %w", path, n, rl.SID, err)
		}
		if stored {
			known[rl.SID] = rl.Rev
			st.Applied++
		} else {
			st.UpToDate++
		}
		return nil
	})
	r.stats.add(st)
	return st, err
}

func (r *Run) applyRule(rl *rules.RuleLine, fallback string, st *Stats) (bool, error) {
	rs, err := r.ruleSet(rl.RuleSetName(fallback))
	if err != nil {
		return false, err
	}
	rc, err := r.ruleClass(rl.ClassType)
	if err != nil {
		return false, err
	}
	gen, err := r.generator(rules.DefaultGID, 1)
	if err != nil {
		return false, err
	}

	rule, err := r.tx.Rule(rl.SID)
	switch {
	case err == nil:
		rule.Active = rl.Active
		rule.RuleClass = rc.Name
		rule.GID, rule.AlertID = gen.GID, gen.AlertID
		if rule.RuleSet != rs.Name {
			// Moving a rule between sets is left to an operator.
			change := &state.RuleChange{SID: rule.SID, From: rule.RuleSet, To: rs.Name, UpdateID: r.update.ID}
			if err := r.tx.PutRuleChange(change); err != nil {
				return false, err
			}
			st.RuleChanges++
			slog.Info("rule changed ruleset, recorded pending change", "sid", rule.SID, "from", rule.RuleSet, "to", rs.Name)
		}
	case errors.Is(err, state.ErrNotFound):
		rule = &state.Rule{
			SID:       rl.SID,
			Active:    rl.Active,
			RuleSet:   rs.Name,
			RuleClass: rc.Name,
			GID:       gen.GID,
			AlertID:   gen.AlertID,
		}
	default:
		return false, err
	}
	if err := r.tx.PutRule(rule); err != nil {
		return false, err
	}

	rev := &state.Revision{
		SID:      rl.SID,
		Rev:      rl.Rev,
		Raw:      rl.Raw,
		Msg:      rl.Msg,
		Active:   r.opts.ActivateNewRevisions,
		Filters:  rl.Filters,
		UpdateID: r.update.ID,
		Created:  r.now(),
	}
	stored, err := r.tx.AddRevision(rev, r.opts.MaxRevisions)
	if err != nil {
		return false, err
	}
	if stored {
		r.touched[rl.SID] = rl.Rev
	}
	return stored, nil
}

// ApplyClassificationFile updates or creates every classification in path.
func (r *Run) ApplyClassificationFile(path string) (Stats, error) {
	var st Stats
	err := eachLine(path, func(n int, line string) error {
		st.Lines++
		c, err := rules.ParseClassification(line)
		if err != nil {
			r.countLineError(&st, err, path, n)
			return nil
		}
		rc := &state.RuleClass{Name: c.Name, Description: c.Description, Priority: c.Priority}
		if err := r.tx.PutRuleClass(rc); err != nil {
			return err
		}
		r.ruleClasses.Add(rc.Name, rc)
		st.Applied++
		return nil
	})
	r.stats.add(st)
	return st, err
}

// ApplyGeneratorFile updates or creates every generator in path.
func (r *Run) ApplyGeneratorFile(path string) (Stats, error) {
	var st Stats
	err := eachLine(path, func(n int, line string) error {
		st.Lines++
		g, err := rules.ParseGenerator(line)
		if err != nil {
			r.countLineError(&st, err, path, n)
			return nil
		}
		gen := &state.Generator{GID: g.GID, AlertID: g.AlertID, Message: g.Message}
		if err := r.tx.PutGenerator(gen); err != nil {
			return err
		}
		r.generators.Add(gen.Key(), gen)
		st.Applied++
		return nil
	})
	r.stats.add(st)
	return st, err
}

// ApplyReferenceFile updates or creates every reference type in path.
func (r *Run) ApplyReferenceFile(path string) (Stats, error) {
	var st Stats
	err := eachLine(path, func(n int, line string) error {
		st.Lines++
		rt, err := rules.ParseReferenceType(line)
		if err != nil {
			r.countLineError(&st, err, path, n)
			return nil
		}
		if err := r.tx.PutReferenceType(&state.ReferenceType{Name: rt.Name, URLPrefix: rt.URLPrefix}); err != nil {
			return err
		}
		st.Applied++
		return nil
	})
	r.stats.add(st)
	return st, err
}

// ApplySidMessageFile sets the message and references of revisions stored
// by this run. Lines for SIDs outside touched are ignored; a nil touched
// means the revisions this run has stored so far. References to unknown
// reference types are logged and dropped.
func (r *Run) ApplySidMessageFile(path string, touched map[uint64]uint32) (Stats, error) {
	if touched == nil {
		touched = r.touched
	}

	var st Stats
	err := eachLine(path, func(n int, line string) error {
		st.Lines++
		sm, err := rules.ParseSidMessage(line)
		if err != nil {
			r.countLineError(&st, err, path, n)
			return nil
		}
		revNo, ok := touched[sm.SID]
		if !ok {
			st.UpToDate++
			return nil
		}

		rev, err := r.tx.Revision(sm.SID, revNo)
		if errors.Is(err, state.ErrNotFound) {
			// Pruned or never stored.
			st.Skipped++
			return nil
		} else if err != nil {
			return err
		}

		rev.Msg = sm.Message
		for _, ref := range sm.References {
			if _, err := r.tx.ReferenceType(ref.Type); errors.Is(err, state.ErrNotFound) {
				st.MissingReference++
				slog.Error("reference type does not exist, reference not created", "type", ref.Type, "sid", sm.SID, "file", path, "line", n)
				continue
			} else if err != nil {
				return err
			}
			rev.AddReference(ref)
		}
		if err := r.tx.PutRevision(rev); err != nil {
			return err
		}
		st.Applied++
		return nil
	})
	r.stats.add(st)
	return st, err
}

func (r *Run) countLineError(st *Stats, err error, path string, n int) {
	switch {
	case errors.Is(err, rules.ErrNotRule):
		st.Skipped++
	case badFormat(err, path, n):
		st.BadFormat++
	default:
		st.Malformed++
		slog.Debug("skipping unparsable line", "file", path, "line", n, "error", err)
	}
}

func sortRefs(refs []state.RevisionRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].SID < refs[j].SID })
}
