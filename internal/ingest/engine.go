package ingest

import (
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/0x4d31/rulesync/internal/state"
)

// Options controls revision handling during ingestion.
type Options struct {
	// MaxRevisions is how many revisions are kept per rule; 0 keeps all.
	MaxRevisions int
	// ActivateNewRevisions makes stored revisions current immediately.
	// Otherwise they are kept inactive until an operator enables them.
	ActivateNewRevisions bool
	// CacheSize bounds the per-run ruleset/ruleclass/generator caches.
	CacheSize int
}

// Engine applies rule and metadata files to the store.
type Engine struct {
	db   *state.DB
	opts Options
	now  func() time.Time
}

// NewEngine creates an ingestion engine with sane defaults.
func NewEngine(db *state.DB, opts Options) *Engine {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.MaxRevisions < 0 {
		opts.MaxRevisions = 0
	}
	return &Engine{db: db, opts: opts, now: time.Now}
}

// Ingest runs fn against a new Run for source inside one write
// transaction. If fn fails nothing it wrote is kept. On success the Update
// record is finalized, or deleted when no revision was touched.
func (e *Engine) Ingest(source string, fn func(r *Run) error) (*Result, error) {
	var res *Result
	err := e.db.Update(func(tx *state.Tx) error {
		r, err := e.begin(tx, source)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		res, err = r.finish()
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) begin(tx *state.Tx, source string) (*Run, error) {
	update, err := tx.CreateUpdate(source, e.now())
	if err != nil {
		return nil, fmt.Errorf("create update: %w", err)
	}
	r := &Run{
		tx:      tx,
		opts:    e.opts,
		now:     e.now,
		update:  update,
		touched: make(map[uint64]uint32),
	}
	if r.ruleSets, err = lru.New[string, *state.RuleSet](e.opts.CacheSize); err != nil {
		return nil, err
	}
	if r.ruleClasses, err = lru.New[string, *state.RuleClass](e.opts.CacheSize); err != nil {
		return nil, err
	}
	if r.generators, err = lru.New[string, *state.Generator](e.opts.CacheSize); err != nil {
		return nil, err
	}
	return r, nil
}

// Result summarizes a finished run.
type Result struct {
	// Update is nil when the run touched nothing and the record was dropped.
	Update  *state.Update
	Touched []state.RevisionRef
	Stats   Stats
}

// Stats counts line outcomes across a run.
type Stats struct {
	Lines            int
	Applied          int
	UpToDate         int
	Skipped          int
	Malformed        int
	Abnormal         int
	BadFormat        int
	MissingReference int
	RuleChanges      int
}

func (s *Stats) add(o Stats) {
	s.Lines += o.Lines
	s.Applied += o.Applied
	s.UpToDate += o.UpToDate
	s.Skipped += o.Skipped
	s.Malformed += o.Malformed
	s.Abnormal += o.Abnormal
	s.BadFormat += o.BadFormat
	s.MissingReference += o.MissingReference
	s.RuleChanges += o.RuleChanges
}

// Run is one ingestion pass bound to an Update record and a transaction.
type Run struct {
	tx     *state.Tx
	opts   Options
	now    func() time.Time
	update *state.Update

	// touched maps SID to the revision stored during this run.
	touched map[uint64]uint32
	stats   Stats

	ruleSets    *lru.Cache[string, *state.RuleSet]
	ruleClasses *lru.Cache[string, *state.RuleClass]
	generators  *lru.Cache[string, *state.Generator]
}

// UpdateID returns the ID of the Update record this run writes to.
func (r *Run) UpdateID() uint64 { return r.update.ID }

// Touched returns the SID to revision map of revisions stored so far.
func (r *Run) Touched() map[uint64]uint32 {
	out := make(map[uint64]uint32, len(r.touched))
	for sid, rev := range r.touched {
		out[sid] = rev
	}
	return out
}

// KnownRevisions maps every stored SID to its highest revision, for passing
// to ApplyRuleFile across several rule files.
func (r *Run) KnownRevisions() (map[uint64]uint32, error) {
	return r.tx.MaxRevisions()
}

// Stats returns the counters accumulated so far.
func (r *Run) Stats() Stats { return r.stats }

// Log appends a progress line to the Update record.
func (r *Run) Log(percent int, text string) {
	r.update.Log = append(r.update.Log, state.LogEntry{Time: r.now(), Percent: percent, Text: text})
}

// AddFile records a constituent file of the bundle.
func (r *Run) AddFile(f state.UpdateFile) {
	r.update.Files = append(r.update.Files, f)
}

func (r *Run) finish() (*Result, error) {
	res := &Result{Stats: r.stats}
	if len(r.touched) == 0 {
		if err := r.tx.DeleteUpdate(r.update.ID); err != nil {
			return nil, fmt.Errorf("delete empty update %d: %w", r.update.ID, err)
		}
		slog.Debug("update touched no revisions, discarded", "update_id", r.update.ID, "source", r.update.Source)
		return res, nil
	}

	r.update.Revisions = r.update.Revisions[:0]
	for sid, rev := range r.touched {
		r.update.Revisions = append(r.update.Revisions, state.RevisionRef{SID: sid, Rev: rev})
	}
	sortRefs(r.update.Revisions)
	if err := r.tx.PutUpdate(r.update); err != nil {
		return nil, fmt.Errorf("store update %d: %w", r.update.ID, err)
	}
	res.Update = r.update
	res.Touched = r.update.Revisions
	return res, nil
}

func (r *Run) ruleSet(name string) (*state.RuleSet, error) {
	if rs, ok := r.ruleSets.Get(name); ok {
		return rs, nil
	}
	rs, created, err := r.tx.GetOrCreateRuleSet(name)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("created ruleset while importing rules", "ruleset", name)
	}
	r.ruleSets.Add(name, rs)
	return rs, nil
}

func (r *Run) ruleClass(name string) (*state.RuleClass, error) {
	if rc, ok := r.ruleClasses.Get(name); ok {
		return rc, nil
	}
	rc, created, err := r.tx.GetOrCreateRuleClass(name)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("created ruleclass while importing rules", "ruleclass", name)
	}
	r.ruleClasses.Add(name, rc)
	return rc, nil
}

func (r *Run) generator(gid, alertID uint32) (*state.Generator, error) {
	key := state.GeneratorKey(gid, alertID)
	if g, ok := r.generators.Get(key); ok {
		return g, nil
	}
	g, created, err := r.tx.GetOrCreateGenerator(gid, alertID)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("created generator while importing rules", "generator", key)
	}
	r.generators.Add(key, g)
	return g, nil
}
