package state

import (
	"fmt"
	"strconv"
	"time"
)

// Source returns the named source.
func (t *Tx) Source(name string) (*Source, error) {
	s, err := getJSON[Source](t.bucket(bucketSources), []byte(name))
	if err != nil {
		return nil, wrapNotFound(err, "source", name)
	}
	return s, nil
}

// Sources returns every source ordered by name.
func (t *Tx) Sources() ([]*Source, error) {
	return listJSON[Source](t.bucket(bucketSources))
}

// PutSource creates or replaces a source.
func (t *Tx) PutSource(s *Source) error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	return putJSON(t.bucket(bucketSources), []byte(s.Name), s)
}

// LockSource sets the lock flag of a source. It fails with ErrSourceLocked
// when the flag is already set, leaving the source untouched.
func (t *Tx) LockSource(name string, at time.Time) (*Source, error) {
	s, err := t.Source(name)
	if err != nil {
		return nil, err
	}
	if s.Locked {
		return nil, fmt.Errorf("source %q (locked since %s): %w", name, s.LockedAt.Format(time.RFC3339), ErrSourceLocked)
	}
	s.Locked = true
	s.LockedAt = at
	if err := t.PutSource(s); err != nil {
		return nil, err
	}
	return s, nil
}

// UnlockSource clears the lock flag. When checksum is non-empty it is stored
// as the source's last processed checksum.
func (t *Tx) UnlockSource(name, checksum string) error {
	s, err := t.Source(name)
	if err != nil {
		return err
	}
	s.Locked = false
	s.LockedAt = time.Time{}
	if checksum != "" {
		s.LastChecksum = checksum
	}
	return t.PutSource(s)
}

// CreateUpdate starts a new update record for source.
func (t *Tx) CreateUpdate(source string, at time.Time) (*Update, error) {
	b := t.bucket(bucketUpdates)
	id, err := b.NextSequence()
	if err != nil {
		return nil, fmt.Errorf("allocate update id: %w", err)
	}
	u := &Update{ID: id, Source: source, Time: at}
	if err := putJSON(b, u64Key(id), u); err != nil {
		return nil, err
	}
	return u, nil
}

// Update returns the update with the given ID.
func (t *Tx) Update(id uint64) (*Update, error) {
	u, err := getJSON[Update](t.bucket(bucketUpdates), u64Key(id))
	if err != nil {
		return nil, wrapNotFound(err, "update", strconv.FormatUint(id, 10))
	}
	return u, nil
}

// Updates returns every update, oldest first.
func (t *Tx) Updates() ([]*Update, error) {
	return listJSON[Update](t.bucket(bucketUpdates))
}

// PutUpdate replaces an update record.
func (t *Tx) PutUpdate(u *Update) error {
	return putJSON(t.bucket(bucketUpdates), u64Key(u.ID), u)
}

// DeleteUpdate removes an update record.
func (t *Tx) DeleteUpdate(id uint64) error {
	return t.bucket(bucketUpdates).Delete(u64Key(id))
}

// PutRuleChange records a pending ruleset move for a rule. A newer change
// for the same SID replaces the older one.
func (t *Tx) PutRuleChange(c *RuleChange) error {
	return putJSON(t.bucket(bucketRuleChanges), u64Key(c.SID), c)
}

// RuleChanges returns the pending ruleset moves ordered by SID.
func (t *Tx) RuleChanges() ([]*RuleChange, error) {
	return listJSON[RuleChange](t.bucket(bucketRuleChanges))
}

// ApplyRuleChange moves the rule to the proposed ruleset and drops the
// pending change.
func (t *Tx) ApplyRuleChange(sid uint64) error {
	c, err := getJSON[RuleChange](t.bucket(bucketRuleChanges), u64Key(sid))
	if err != nil {
		return wrapNotFound(err, "rule change", strconv.FormatUint(sid, 10))
	}
	r, err := t.Rule(sid)
	if err != nil {
		return err
	}
	if _, _, err := t.GetOrCreateRuleSet(c.To); err != nil {
		return err
	}
	r.RuleSet = c.To
	if err := t.PutRule(r); err != nil {
		return err
	}
	return t.DiscardRuleChange(sid)
}

// DiscardRuleChange drops a pending change without moving the rule.
func (t *Tx) DiscardRuleChange(sid uint64) error {
	return t.bucket(bucketRuleChanges).Delete(u64Key(sid))
}
