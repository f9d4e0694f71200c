package state

import (
	"fmt"

	"github.com/0x4d31/rulesync/internal/rules"
)

// RuleSet returns the named ruleset.
func (t *Tx) RuleSet(name string) (*RuleSet, error) {
	rs, err := getJSON[RuleSet](t.bucket(bucketRuleSets), []byte(name))
	if err != nil {
		return nil, wrapNotFound(err, "ruleset", name)
	}
	return rs, nil
}

// RuleSets returns every ruleset ordered by name.
func (t *Tx) RuleSets() ([]*RuleSet, error) {
	return listJSON[RuleSet](t.bucket(bucketRuleSets))
}

// PutRuleSet creates or replaces a ruleset. The parent must exist and must
// not have rs among its ancestors.
func (t *Tx) PutRuleSet(rs *RuleSet) error {
	if rs.Name == "" {
		return fmt.Errorf("ruleset name is required")
	}
	if rs.Parent != "" {
		if err := t.checkRuleSetParent(rs.Name, rs.Parent); err != nil {
			return err
		}
	}
	return putJSON(t.bucket(bucketRuleSets), []byte(rs.Name), rs)
}

func (t *Tx) checkRuleSetParent(name, parent string) error {
	seen := map[string]struct{}{name: {}}
	for cur := parent; cur != ""; {
		if _, ok := seen[cur]; ok {
			return errCycle("ruleset", name)
		}
		seen[cur] = struct{}{}
		p, err := t.RuleSet(cur)
		if err != nil {
			return err
		}
		cur = p.Parent
	}
	return nil
}

// GetOrCreateRuleSet returns the named ruleset, creating an active root set
// when it does not exist. An existing row always wins.
func (t *Tx) GetOrCreateRuleSet(name string) (*RuleSet, bool, error) {
	if rs, err := t.RuleSet(name); err == nil {
		return rs, false, nil
	} else if !isNotFound(err) {
		return nil, false, err
	}
	rs := &RuleSet{Name: name, Description: name, Active: true}
	if err := t.PutRuleSet(rs); err != nil {
		return nil, false, err
	}
	return rs, true, nil
}

// RuleClass returns the named classification.
func (t *Tx) RuleClass(name string) (*RuleClass, error) {
	rc, err := getJSON[RuleClass](t.bucket(bucketRuleClasses), []byte(name))
	if err != nil {
		return nil, wrapNotFound(err, "ruleclass", name)
	}
	return rc, nil
}

// RuleClasses returns every classification ordered by name.
func (t *Tx) RuleClasses() ([]*RuleClass, error) {
	return listJSON[RuleClass](t.bucket(bucketRuleClasses))
}

// PutRuleClass creates or updates a classification.
func (t *Tx) PutRuleClass(rc *RuleClass) error {
	return putJSON(t.bucket(bucketRuleClasses), []byte(rc.Name), rc)
}

// GetOrCreateRuleClass returns the named classification, creating one with
// the default priority when it does not exist.
func (t *Tx) GetOrCreateRuleClass(name string) (*RuleClass, bool, error) {
	if rc, err := t.RuleClass(name); err == nil {
		return rc, false, nil
	} else if !isNotFound(err) {
		return nil, false, err
	}
	rc := &RuleClass{Name: name, Description: name, Priority: rules.PriorityDefault}
	if err := t.PutRuleClass(rc); err != nil {
		return nil, false, err
	}
	return rc, true, nil
}

// Generator returns the generator identified by (gid, alertID).
func (t *Tx) Generator(gid, alertID uint32) (*Generator, error) {
	key := GeneratorKey(gid, alertID)
	g, err := getJSON[Generator](t.bucket(bucketGenerators), generatorKey(gid, alertID))
	if err != nil {
		return nil, wrapNotFound(err, "generator", key)
	}
	return g, nil
}

// Generators returns every generator ordered by (gid, alertID).
func (t *Tx) Generators() ([]*Generator, error) {
	return listJSON[Generator](t.bucket(bucketGenerators))
}

// PutGenerator creates or updates a generator.
func (t *Tx) PutGenerator(g *Generator) error {
	return putJSON(t.bucket(bucketGenerators), generatorKey(g.GID, g.AlertID), g)
}

// GetOrCreateGenerator returns the generator, creating a placeholder when it
// does not exist.
func (t *Tx) GetOrCreateGenerator(gid, alertID uint32) (*Generator, bool, error) {
	if g, err := t.Generator(gid, alertID); err == nil {
		return g, false, nil
	} else if !isNotFound(err) {
		return nil, false, err
	}
	g := &Generator{GID: gid, AlertID: alertID, Message: "Automatically created during update"}
	if err := t.PutGenerator(g); err != nil {
		return nil, false, err
	}
	return g, true, nil
}

func generatorKey(gid, alertID uint32) []byte {
	return append(u32Key(gid), u32Key(alertID)...)
}

// ReferenceType returns the named reference type.
func (t *Tx) ReferenceType(name string) (*ReferenceType, error) {
	rt, err := getJSON[ReferenceType](t.bucket(bucketRefTypes), []byte(name))
	if err != nil {
		return nil, wrapNotFound(err, "reference type", name)
	}
	return rt, nil
}

// ReferenceTypes returns every reference type ordered by name.
func (t *Tx) ReferenceTypes() ([]*ReferenceType, error) {
	return listJSON[ReferenceType](t.bucket(bucketRefTypes))
}

// PutReferenceType creates or updates a reference type.
func (t *Tx) PutReferenceType(rt *ReferenceType) error {
	return putJSON(t.bucket(bucketRefTypes), []byte(rt.Name), rt)
}
