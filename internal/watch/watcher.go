// Package watch periodically reloads the builder catalog and drops the cached
// relation graph when the catalog changes.
package watch

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/tryextender/internal/catalog"
	"github.com/mattjoyce/tryextender/internal/events"
)

// Reloader is satisfied by *catalog.Store.
type Reloader interface {
	Reload(ctx context.Context) (bool, error)
	Current(ctx context.Context) (catalog.Catalog, error)
	Fingerprint() string
}

// Invalidator is satisfied by *classify.Classifier.
type Invalidator interface {
	InvalidateRelationGraph()
}

// Observer receives reload outcomes.
type Observer interface {
	ObserveCatalogReload(changed bool, err error)
}

type Config struct {
	Interval time.Duration
	Jitter   time.Duration
}

// Watcher reloads the catalog every Interval plus up to Jitter.
type Watcher struct {
	store       Reloader
	invalidator Invalidator
	events      events.Publisher
	observer    Observer
	cfg         Config
	logger      *slog.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New creates a Watcher. pub and obs may be nil.
func New(store Reloader, inv Invalidator, pub events.Publisher, obs Observer, cfg Config, logger *slog.Logger) *Watcher {
	return &Watcher{
		store:       store,
		invalidator: inv,
		events:      pub,
		observer:    obs,
		cfg:         cfg,
		logger:      logger.With("component", "watch"),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the reload loop. A zero Interval disables watching.
func (w *Watcher) Start(ctx context.Context) {
	if w.cfg.Interval <= 0 {
		w.logger.Info("catalog watching disabled")
		return
	}
	w.logger.Info("starting catalog watcher", "interval", w.cfg.Interval, "jitter", w.cfg.Jitter)
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop ends the loop and waits for an in-flight reload.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(jittered(w.cfg.Interval, w.cfg.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			w.Tick(ctx)
			timer.Reset(jittered(w.cfg.Interval, w.cfg.Jitter))
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick performs one reload. A failed reload keeps the previous catalog and
// graph.
func (w *Watcher) Tick(ctx context.Context) (changed bool, err error) {
	before := w.store.Fingerprint()
	changed, err = w.store.Reload(ctx)
	if w.observer != nil {
		w.observer.ObserveCatalogReload(changed, err)
	}
	if err != nil {
		w.logger.Warn("catalog reload failed, keeping previous catalog", "error", err)
		return false, err
	}
	if !changed {
		w.logger.Debug("catalog unchanged", "fingerprint", before)
		return false, nil
	}

	w.invalidator.InvalidateRelationGraph()
	after := w.store.Fingerprint()
	w.logger.Info("catalog changed, relation graph invalidated", "from", before, "to", after)

	if w.events == nil {
		return true, nil
	}
	payload := events.CatalogChanged{Fingerprint: after}
	if cat, err := w.store.Current(ctx); err == nil {
		payload.Builders = len(cat.ListBuilders())
	}
	w.events.Publish(events.TypeCatalogChanged, payload)
	return true, nil
}

// Fingerprint returns the fingerprint of the current catalog.
func (w *Watcher) Fingerprint() string {
	return w.store.Fingerprint()
}

// jittered adds a random duration in [0, jitter) to base.
func jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(jitter)))
}
