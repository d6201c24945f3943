// Package classify reconciles the builder relation graph with the jobs already
// scheduled for a try revision, producing a report of existing jobs, jobs that
// could still be triggered, and build jobs not scheduled at all.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mattjoyce/tryextender/internal/catalog"
	"github.com/mattjoyce/tryextender/internal/log"
	"github.com/mattjoyce/tryextender/internal/relations"
	"github.com/mattjoyce/tryextender/internal/revision"
)

var (
	ErrCatalogUnavailable = catalog.ErrCatalogUnavailable
	ErrRevisionNotFound   = revision.ErrRevisionNotFound
	ErrFetchFailed        = revision.ErrFetchFailed
)

var (
	// DefaultRepoMarkers are the two naming conventions of try builders.
	DefaultRepoMarkers = []string{" try ", "_try_"}
	// DefaultExclusionMarkers drop bundle-creation and profiling builds.
	DefaultExclusionMarkers = []string{"hg bundle", "pgo"}
)

// Observer receives classification outcomes. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveClassification(outcome string)
	ObserveDroppedRecord(reason string)
}

// Classifier produces revision reports. It is safe for concurrent use.
type Classifier struct {
	catalogs  relations.CatalogSource
	graphs    *relations.Cache
	jobs      revision.Source
	repo      []string
	exclusion []string
	observer  Observer
	logger    *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithMarkers overrides the try-pool repo and exclusion markers.
func WithMarkers(repo, exclusion []string) Option {
	return func(c *Classifier) {
		c.repo = repo
		c.exclusion = exclusion
	}
}

// WithObserver attaches an outcome observer (e.g. metrics).
func WithObserver(o Observer) Option {
	return func(c *Classifier) { c.observer = o }
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// New creates a Classifier. graphs is shared across classifiers of one process.
func New(catalogs relations.CatalogSource, graphs *relations.Cache, jobs revision.Source, opts ...Option) *Classifier {
	c := &Classifier{
		catalogs:  catalogs,
		graphs:    graphs,
		jobs:      jobs,
		repo:      DefaultRepoMarkers,
		exclusion: DefaultExclusionMarkers,
		logger:    log.WithComponent("classify"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InvalidateRelationGraph drops the cached graph. Call it when the catalog is
// known to have changed.
func (c *Classifier) InvalidateRelationGraph() {
	c.graphs.Invalidate()
}

// Classify builds the report for rev. It returns ErrRevisionNotFound when the
// service knows no jobs for rev, ErrFetchFailed on transient fetch errors and
// ErrCatalogUnavailable when the catalog or graph cannot be loaded.
func (c *Classifier) Classify(ctx context.Context, rev string) (*Report, error) {
	report, err := c.classify(ctx, rev)
	c.observe(err)
	return report, err
}

func (c *Classifier) classify(ctx context.Context, rev string) (*Report, error) {
	graph, err := c.graphs.Get(ctx)
	if err != nil {
		return nil, err
	}
	cat, err := c.catalogs.Current(ctx)
	if err != nil {
		if !errors.Is(err, catalog.ErrCatalogUnavailable) {
			err = fmt.Errorf("%w: %w", catalog.ErrCatalogUnavailable, err)
		}
		return nil, err
	}

	records, err := c.jobs.FetchJobs(ctx, rev)
	switch {
	case errors.Is(err, revision.ErrRevisionNotFound):
		c.logger.Info("revision has no jobs", "revision", rev)
		return nil, err
	case err != nil && !errors.Is(err, revision.ErrFetchFailed):
		return nil, fmt.Errorf("%w: %w", revision.ErrFetchFailed, err)
	case err != nil:
		return nil, err
	}

	logger := c.logger.With("revision", rev)
	d := c.collect(cat, records, logger)
	report := d.finalize(rev, graph, catalog.TryUpstreams(cat, c.repo, c.exclusion))
	logger.Debug("revision classified", "records", len(records), "keys", len(report.entries)-1)
	return report, nil
}

func (c *Classifier) observe(err error) {
	if c.observer == nil {
		return
	}
	switch {
	case err == nil:
		c.observer.ObserveClassification("ok")
	case errors.Is(err, revision.ErrRevisionNotFound):
		c.observer.ObserveClassification("not_found")
	case errors.Is(err, revision.ErrFetchFailed):
		c.observer.ObserveClassification("fetch_failed")
	default:
		c.observer.ObserveClassification("catalog_unavailable")
	}
}

func (c *Classifier) dropped(logger *slog.Logger, builder, reason string) {
	logger.Debug("dropping job record", "builder", builder, "reason", reason)
	if c.observer != nil {
		c.observer.ObserveDroppedRecord(reason)
	}
}

// draft is the intermediate multi-map of one classification: upstream key ->
// set of existing downstream jobs, plus upstream jobs that already ran.
type draft struct {
	existing  map[string]map[string]struct{}
	ranBuilds map[string]struct{}
}

// collect partitions records into upstream and downstream buckets and fills
// the draft. Records the catalog does not know are dropped.
func (c *Classifier) collect(cat catalog.Catalog, records []revision.Record, logger *slog.Logger) *draft {
	var upstream, downstream []revision.Record
	for _, rec := range records {
		down, err := cat.IsDownstream(rec.Builder)
		if err != nil {
			c.dropped(logger, rec.Builder, "unknown_builder")
			continue
		}
		if down {
			downstream = append(downstream, rec)
		} else {
			upstream = append(upstream, rec)
		}
	}

	d := &draft{
		existing:  make(map[string]map[string]struct{}),
		ranBuilds: make(map[string]struct{}),
	}
	// A builder with both a pending and a started record is kept in both.
	for _, rec := range upstream {
		if rec.Status.Started() {
			d.ranBuilds[rec.Builder] = struct{}{}
			continue
		}
		if _, ok := d.existing[rec.Builder]; !ok {
			d.existing[rec.Builder] = make(map[string]struct{})
		}
	}
	for _, rec := range downstream {
		up, err := cat.UpstreamOf(rec.Builder)
		if err != nil {
			c.dropped(logger, rec.Builder, "unknown_upstream")
			continue
		}
		set, ok := d.existing[up]
		if !ok {
			c.dropped(logger, rec.Builder, "upstream_not_scheduled")
			continue
		}
		set[rec.Builder] = struct{}{}
	}
	return d
}

// finalize computes possible jobs for every key and the new_builds entry.
// Keys missing from the graph have an empty downstream universe.
func (d *draft) finalize(rev string, graph *relations.Graph, tryUpstreams []string) *Report {
	r := &Report{
		revision: rev,
		entries:  make(map[string]Entry, len(d.existing)+1),
	}
	for key, existing := range d.existing {
		r.entries[key] = Entry{
			Existing: sortedKeys(existing),
			Possible: graph.DownstreamExcept(key, existing),
		}
	}

	possible := make([]string, 0, len(tryUpstreams))
	for _, name := range tryUpstreams {
		if _, isKey := d.existing[name]; isKey {
			continue
		}
		if _, ran := d.ranBuilds[name]; ran {
			continue
		}
		possible = append(possible, name)
	}
	sort.Strings(possible)

	r.entries[NewBuildsKey] = Entry{
		Existing: sortedKeys(d.ranBuilds),
		Possible: possible,
	}
	return r
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
