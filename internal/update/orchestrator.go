package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/0x4d31/rulesync/internal/ingest"
	"github.com/0x4d31/rulesync/internal/metrics"
	"github.com/0x4d31/rulesync/internal/spool"
	"github.com/0x4d31/rulesync/internal/state"
)

// Well-known bundle members, ingested in this order around the rule files.
const (
	classificationFile = "classification.config"
	generatorFile      = "gen-msg.map"
	referenceFile      = "reference.config"
	sidMessageFile     = "sid-msg.map"
)

type fileKind int

const (
	kindClassification fileKind = iota
	kindGenerator
	kindReference
	kindRules
	kindSidMessage
	kindOther
)

func classify(name string) fileKind {
	switch strings.ToLower(filepath.Base(name)) {
	case classificationFile:
		return kindClassification
	case generatorFile:
		return kindGenerator
	case referenceFile:
		return kindReference
	case sidMessageFile:
		return kindSidMessage
	}
	if strings.EqualFold(filepath.Ext(name), ".rules") {
		return kindRules
	}
	return kindOther
}

// Config wires the orchestrator's collaborators.
type Config struct {
	// WorkDir holds per-run temporary directories; empty means os.TempDir().
	WorkDir string
	Decoder *spool.Decoder
	Fetcher *Fetcher
	Metrics *metrics.Metrics
}

// Orchestrator runs updates for sources: lock, fetch, compare checksums,
// extract, ingest, unlock.
type Orchestrator struct {
	db      *state.DB
	engine  *ingest.Engine
	decoder *spool.Decoder
	fetcher *Fetcher
	workDir string
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an orchestrator.
func New(db *state.DB, engine *ingest.Engine, cfg Config) *Orchestrator {
	if cfg.Decoder == nil {
		cfg.Decoder = spool.NewDecoder()
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = NewFetcher(0, 3, 0)
	}
	return &Orchestrator{
		db:      db,
		engine:  engine,
		decoder: cfg.Decoder,
		fetcher: cfg.Fetcher,
		workDir: cfg.WorkDir,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// Outcome describes a finished update run.
type Outcome struct {
	Source string
	// Unchanged is set when the bundle checksum matched the stored one and
	// nothing was ingested.
	Unchanged bool
	Checksum  string
	// Result is nil when Unchanged.
	Result *ingest.Result
}

// Touched returns the revisions stored by the run.
func (o *Outcome) Touched() []state.RevisionRef {
	if o == nil || o.Result == nil {
		return nil
	}
	return o.Result.Touched
}

// obtainFunc produces the bundle for a run. It returns the bundle path, its
// checksum and whether the checksum matches the one stored for the source.
type obtainFunc func(ctx context.Context, src *state.Source, p *progress, work string) (string, string, bool, error)

// Run fetches the configured bundle of the source and ingests it.
func (o *Orchestrator) Run(ctx context.Context, source string) (*Outcome, error) {
	return o.run(ctx, source, o.fetchBundle)
}

// RunFile ingests a local bundle (archive, single file or directory) for
// the source. A directory has no checksum and is always ingested.
func (o *Orchestrator) RunFile(ctx context.Context, source, bundle string) (*Outcome, error) {
	return o.run(ctx, source, func(ctx context.Context, src *state.Source, p *progress, _ string) (string, string, bool, error) {
		info, err := os.Stat(bundle)
		if err != nil {
			return "", "", false, err
		}
		if info.IsDir() {
			return bundle, "", false, nil
		}
		sum, err := FileChecksum(bundle)
		if err != nil {
			return "", "", false, err
		}
		p.add(2, "Using local file "+filepath.Base(bundle))
		return bundle, sum, sum == src.LastChecksum, nil
	})
}

func (o *Orchestrator) fetchBundle(ctx context.Context, src *state.Source, p *progress, work string) (string, string, bool, error) {
	if src.URL == "" {
		return "", "", false, fmt.Errorf("source %q has no url", src.Name)
	}
	if src.ChecksumURL != "" && src.LastChecksum != "" {
		p.add(1, "Trying to fetch md5sum...")
		remote, err := o.fetcher.Checksum(ctx, src.ChecksumURL)
		switch {
		case err != nil:
			slog.Warn("checksum fetch failed, downloading anyway", "source", src.Name, "url", src.ChecksumURL, "error", err)
		case remote == src.LastChecksum:
			return "", remote, true, nil
		}
	}

	p.add(2, "Downloading "+src.URL)
	dest := filepath.Join(work, bundleName(src.URL))
	sum, err := o.fetcher.Download(ctx, src.URL, dest)
	if err != nil {
		return "", "", false, err
	}
	return dest, sum, sum == src.LastChecksum, nil
}

// bundleName keeps the remote file name so compression extensions survive.
func bundleName(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "bundle"
}

func (o *Orchestrator) run(ctx context.Context, name string, obtain obtainFunc) (out *Outcome, err error) {
	start := o.now()

	var src *state.Source
	err = o.db.Update(func(tx *state.Tx) error {
		var lerr error
		src, lerr = tx.LockSource(name, start)
		return lerr
	})
	if err != nil {
		if errors.Is(err, state.ErrSourceLocked) {
			o.metrics.UpdateRun(name, metrics.ResultLocked, 0)
			slog.Warn("update already running, rejected", "source", name)
		}
		return nil, err
	}

	// Set only on successful ingestion; the stored checksum is left alone
	// otherwise.
	var checksum string
	defer func() {
		uerr := o.db.Update(func(tx *state.Tx) error {
			return tx.UnlockSource(name, checksum)
		})
		if uerr != nil {
			slog.Error("failed to unlock source", "source", name, "error", uerr)
			if err == nil {
				err = fmt.Errorf("unlock source %s: %w", name, uerr)
				out = nil
			}
		}

		result := metrics.ResultSuccess
		switch {
		case err != nil:
			result = metrics.ResultFailed
		case out.Unchanged:
			result = metrics.ResultUnchanged
		}
		o.metrics.UpdateRun(name, result, o.now().Sub(start))
	}()

	work, err := os.MkdirTemp(o.workDir, "rulesync-"+name+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	p := &progress{source: name}
	bundle, sum, unchanged, err := obtain(ctx, src, p, work)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", name, err)
	}
	if unchanged {
		slog.Info("source unchanged, skipping ingestion", "source", name, "checksum", sum)
		return &Outcome{Source: name, Unchanged: true, Checksum: sum}, nil
	}

	res, err := o.ingestBundle(ctx, name, bundle, filepath.Join(work, "bundle"), p)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", name, err)
	}
	checksum = sum

	slog.Info("update finished",
		"source", name,
		"revisions", len(res.Touched),
		"lines", res.Stats.Lines,
		"malformed", res.Stats.Malformed,
		"abnormal", res.Stats.Abnormal,
		"took", o.now().Sub(start))
	return &Outcome{Source: name, Checksum: sum, Result: res}, nil
}

type planned struct {
	path string
	rel  string
	kind fileKind
}

func plan(b *spool.Bundle) []planned {
	out := make([]planned, 0, len(b.Files))
	for _, f := range b.Files {
		rel, err := filepath.Rel(b.Dir, f)
		if err != nil {
			rel = filepath.Base(f)
		}
		out = append(out, planned{path: f, rel: rel, kind: classify(f)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].kind != out[j].kind {
			return out[i].kind < out[j].kind
		}
		return out[i].rel < out[j].rel
	})
	return out
}

func (o *Orchestrator) ingestBundle(ctx context.Context, source, bundle, dest string, p *progress) (*ingest.Result, error) {
	b, err := o.decoder.ExtractContext(ctx, bundle, dest)
	if err != nil {
		return nil, fmt.Errorf("extract bundle: %w", err)
	}
	files := plan(b)

	res, err := o.engine.Ingest(source, func(r *ingest.Run) error {
		p.flush(r)
		r.Log(7, "Starting to process")

		var known map[uint64]uint32
		parsable := 0
		for _, f := range files {
			if f.kind != kindOther {
				parsable++
			}
		}

		done := 0
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			digest, err := fileDigest(f.path)
			if err != nil {
				return err
			}
			r.AddFile(state.UpdateFile{Name: f.rel, Checksum: digest, Parsed: f.kind != kindOther})

			var st ingest.Stats
			switch f.kind {
			case kindClassification:
				st, err = r.ApplyClassificationFile(f.path)
			case kindGenerator:
				st, err = r.ApplyGeneratorFile(f.path)
			case kindReference:
				st, err = r.ApplyReferenceFile(f.path)
			case kindRules:
				if known == nil {
					if known, err = r.KnownRevisions(); err != nil {
						return fmt.Errorf("load known revisions: %w", err)
					}
				}
				st, err = r.ApplyRuleFile(f.path, known)
			case kindSidMessage:
				st, err = r.ApplySidMessageFile(f.path, nil)
			default:
				continue
			}
			if err != nil {
				return fmt.Errorf("%s: %w", f.rel, err)
			}
			done++
			r.Log(7+92*done/parsable, fmt.Sprintf("Processed %s (%d lines)", f.rel, st.Lines))
		}
		r.Log(100, "Finished")
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.metrics.RevisionsStored(source, len(res.Touched))
	o.metrics.LinesRejected("malformed", res.Stats.Malformed)
	o.metrics.LinesRejected("abnormal", res.Stats.Abnormal)
	o.metrics.LinesRejected("bad_format", res.Stats.BadFormat)
	o.metrics.LinesRejected("missing_reference", res.Stats.MissingReference)
	return res, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// progress buffers log lines written before the Update record exists.
type progress struct {
	source  string
	entries []progressEntry
}

type progressEntry struct {
	percent int
	text    string
}

func (p *progress) add(percent int, text string) {
	slog.Debug("update progress", "source", p.source, "percent", percent, "text", text)
	p.entries = append(p.entries, progressEntry{percent, text})
}

func (p *progress) flush(r *ingest.Run) {
	for _, e := range p.entries {
		r.Log(e.percent, e.text)
	}
	p.entries = nil
}
