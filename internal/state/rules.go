package state

import (
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

// Rule returns the rule with the given SID.
func (t *Tx) Rule(sid uint64) (*Rule, error) {
	r, err := getJSON[Rule](t.bucket(bucketRules), u64Key(sid))
	if err != nil {
		return nil, wrapNotFound(err, "rule", strconv.FormatUint(sid, 10))
	}
	return r, nil
}

// PutRule stores a rule, replacing any existing rule with the same SID.
func (t *Tx) PutRule(r *Rule) error {
	return putJSON(t.bucket(bucketRules), u64Key(r.SID), r)
}

// Rules returns every rule ordered by SID.
func (t *Tx) Rules() ([]*Rule, error) {
	return listJSON[Rule](t.bucket(bucketRules))
}

// RuleCount returns the number of stored rules.
func (t *Tx) RuleCount() int {
	return t.bucket(bucketRules).Stats().KeyN
}

// AddRevision stores rev if its number is strictly greater than every stored
// revision of the same SID, then prunes the oldest revisions until at most
// maxRevisions remain (0 keeps all). Both happen in the caller's transaction.
// It reports whether the revision was stored.
func (t *Tx) AddRevision(rev *Revision, maxRevisions int) (bool, error) {
	b, err := t.bucket(bucketRevisions).CreateBucketIfNotExists(u64Key(rev.SID))
	if err != nil {
		return false, fmt.Errorf("revision bucket for sid %d: %w", rev.SID, err)
	}

	if last, _ := b.Cursor().Last(); last != nil && decodeU32(last) >= rev.Rev {
		return false, nil
	}
	if err := putJSON(b, u32Key(rev.Rev), rev); err != nil {
		return false, err
	}

	if maxRevisions > 0 {
		if err := pruneRevisions(b, maxRevisions); err != nil {
			return true, fmt.Errorf("prune revisions for sid %d: %w", rev.SID, err)
		}
	}
	return true, nil
}

// pruneRevisions deletes the lowest-numbered revisions until keep remain.
func pruneRevisions(b *bolt.Bucket, keep int) error {
	count := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}
	for ; count > keep; count-- {
		k, _ := b.Cursor().First()
		if k == nil {
			break
		}
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// PutRevision overwrites an existing revision. Used to attach the message
// and references from sid-msg.map during the update that created it.
func (t *Tx) PutRevision(rev *Revision) error {
	b := t.bucket(bucketRevisions).Bucket(u64Key(rev.SID))
	if b == nil || b.Get(u32Key(rev.Rev)) == nil {
		return errNotFound("revision", fmt.Sprintf("%d/%d", rev.SID, rev.Rev))
	}
	return putJSON(b, u32Key(rev.Rev), rev)
}

// SetRevisionActive sets the active flag of one revision. A zero rev selects
// the highest-numbered revision. It returns the revision as stored.
func (t *Tx) SetRevisionActive(sid uint64, rev uint32, active bool) (*Revision, error) {
	var (
		r   *Revision
		err error
	)
	if rev == 0 {
		r, err = t.LatestRevision(sid)
	} else {
		r, err = t.Revision(sid, rev)
	}
	if err != nil {
		return nil, err
	}
	r.Active = active
	if err := t.PutRevision(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Revision returns a specific revision of a rule.
func (t *Tx) Revision(sid uint64, rev uint32) (*Revision, error) {
	b := t.bucket(bucketRevisions).Bucket(u64Key(sid))
	if b == nil {
		return nil, errNotFound("revision", fmt.Sprintf("%d/%d", sid, rev))
	}
	r, err := getJSON[Revision](b, u32Key(rev))
	if err != nil {
		return nil, wrapNotFound(err, "revision", fmt.Sprintf("%d/%d", sid, rev))
	}
	return r, nil
}

// Revisions returns every stored revision of a rule, lowest number first.
func (t *Tx) Revisions(sid uint64) ([]*Revision, error) {
	b := t.bucket(bucketRevisions).Bucket(u64Key(sid))
	if b == nil {
		return nil, nil
	}
	return listJSON[Revision](b)
}

// LatestRevision returns the highest-numbered revision regardless of its
// active flag.
func (t *Tx) LatestRevision(sid uint64) (*Revision, error) {
	b := t.bucket(bucketRevisions).Bucket(u64Key(sid))
	if b == nil {
		return nil, errNotFound("revision", strconv.FormatUint(sid, 10))
	}
	k, _ := b.Cursor().Last()
	if k == nil {
		return nil, errNotFound("revision", strconv.FormatUint(sid, 10))
	}
	return getJSON[Revision](b, k)
}

// CurrentRevision returns the highest-numbered active revision of a rule.
func (t *Tx) CurrentRevision(sid uint64) (*Revision, error) {
	b := t.bucket(bucketRevisions).Bucket(u64Key(sid))
	if b == nil {
		return nil, errNotFound("current revision", strconv.FormatUint(sid, 10))
	}
	return currentIn(b, sid)
}

func currentIn(b *bolt.Bucket, sid uint64) (*Revision, error) {
	c := b.Cursor()
	for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
		rev, err := getJSON[Revision](b, k)
		if err != nil {
			return nil, err
		}
		if rev.Active {
			return rev, nil
		}
	}
	return nil, errNotFound("current revision", strconv.FormatUint(sid, 10))
}

// CurrentRevisions returns the current revision of every rule that has one.
func (t *Tx) CurrentRevisions() (map[uint64]*Revision, error) {
	out := make(map[uint64]*Revision)
	root := t.bucket(bucketRevisions)
	err := root.ForEachBucket(func(k []byte) error {
		sid := decodeU64(k)
		rev, err := currentIn(root.Bucket(k), sid)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		out[sid] = rev
		return nil
	})
	return out, err
}

// MaxRevisions maps every SID to its highest stored revision number. This is
// the knownRevisions input of rule ingestion.
func (t *Tx) MaxRevisions() (map[uint64]uint32, error) {
	out := make(map[uint64]uint32)
	root := t.bucket(bucketRevisions)
	err := root.ForEachBucket(func(k []byte) error {
		if last, _ := root.Bucket(k).Cursor().Last(); last != nil {
			out[decodeU64(k)] = decodeU32(last)
		}
		return nil
	})
	return out, err
}
