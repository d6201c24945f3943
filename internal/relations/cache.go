package relations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/tryextender/internal/catalog"
	"github.com/mattjoyce/tryextender/internal/log"
)

// CatalogSource yields the catalog the graph is built from.
type CatalogSource interface {
	Current(ctx context.Context) (catalog.Catalog, error)
}

// BuildObserver is notified after every construction attempt.
type BuildObserver interface {
	ObserveGraphBuild(d time.Duration, err error)
}

// Cache owns the process-wide graph. Reads after the first build are
// lock-free; concurrent first use shares a single construction.
type Cache struct {
	source   CatalogSource
	observer BuildObserver
	logger   *slog.Logger

	graph atomic.Pointer[Graph]
	gen   atomic.Uint64
	group singleflight.Group
}

// NewCache creates an empty cache. observer may be nil.
func NewCache(source CatalogSource, observer BuildObserver) *Cache {
	return &Cache{
		source:   source,
		observer: observer,
		logger:   log.WithComponent("relations"),
	}
}

// Get returns the cached graph, building it on first use. A failed build
// leaves the cache unset. The shared build outlives any one caller's
// cancellation; a cancelled caller returns ctx.Err() while the others wait on.
func (c *Cache) Get(ctx context.Context) (*Graph, error) {
	if g := c.graph.Load(); g != nil {
		return g, nil
	}

	gen := c.gen.Load()
	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		if g := c.graph.Load(); g != nil {
			return g, nil
		}
		g, err := c.build(buildCtx)
		if err != nil {
			return nil, err
		}
		// An invalidation during the build means g may already be stale.
		if c.gen.Load() == gen {
			c.graph.CompareAndSwap(nil, g)
		}
		return g, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Graph), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) build(ctx context.Context) (*Graph, error) {
	start := time.Now()
	g, err := c.buildFromSource(ctx)
	if c.observer != nil {
		c.observer.ObserveGraphBuild(time.Since(start), err)
	}
	if err != nil {
		c.logger.Error("relation graph build failed", "error", err)
		return nil, err
	}
	c.logger.Info("relation graph built", "upstreams", g.Len(), "duration_ms", time.Since(start).Milliseconds())
	return g, nil
}

func (c *Cache) buildFromSource(ctx context.Context) (*Graph, error) {
	cat, err := c.source.Current(ctx)
	if errors.Is(err, catalog.ErrCatalogUnavailable) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", catalog.ErrCatalogUnavailable, err)
	}
	return Build(cat)
}

// Invalidate drops the cached graph; the next Get rebuilds it.
func (c *Cache) Invalidate() {
	c.gen.Add(1)
	c.graph.Store(nil)
	c.logger.Info("relation graph invalidated")
}

// Loaded reports whether a graph is currently cached.
func (c *Cache) Loaded() bool {
	return c.graph.Load() != nil
}
