// Package relations maps every upstream (build) builder to the downstream
// (test) builders that consume its artifacts.
package relations

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/tryextender/internal/catalog"
	"github.com/mattjoyce/tryextender/internal/log"
)

// Graph is an immutable upstream -> downstream adjacency. Every key is an
// upstream builder and every value set is non-empty.
type Graph struct {
	downstream map[string]map[string]struct{}
}

// Build walks every builder in cat and records each downstream builder under
// its upstream. Builders the catalog cannot classify are skipped, as are
// edges whose upstream is unknown to the catalog or is itself downstream.
func Build(cat catalog.Catalog) (*Graph, error) {
	builders := cat.ListBuilders()
	if len(builders) == 0 {
		return nil, fmt.Errorf("%w: no builders listed", catalog.ErrCatalogUnavailable)
	}

	g := &Graph{downstream: make(map[string]map[string]struct{})}
	for _, name := range builders {
		down, err := cat.IsDownstream(name)
		if err != nil || !down {
			continue
		}
		up, err := cat.UpstreamOf(name)
		if err != nil {
			continue
		}
		if upDown, err := cat.IsDownstream(up); err != nil || upDown {
			log.WithComponent("relations").Debug("catalog drift: skipping edge",
				"builder", name, "upstream", up, "error", err)
			continue
		}
		set, ok := g.downstream[up]
		if !ok {
			set = make(map[string]struct{})
			g.downstream[up] = set
		}
		set[name] = struct{}{}
	}
	return g, nil
}

// Has reports whether upstream has at least one known downstream builder.
func (g *Graph) Has(upstream string) bool {
	_, ok := g.downstream[upstream]
	return ok
}

// Downstream returns the sorted downstream builders of upstream. Unknown
// upstreams yield an empty slice.
func (g *Graph) Downstream(upstream string) []string {
	set := g.downstream[upstream]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DownstreamExcept returns the sorted downstream builders of upstream that are
// not in exclude.
func (g *Graph) DownstreamExcept(upstream string, exclude map[string]struct{}) []string {
	set := g.downstream[upstream]
	out := make([]string, 0, len(set))
	for name := range set {
		if _, skip := exclude[name]; skip {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Upstreams returns every key, sorted.
func (g *Graph) Upstreams() []string {
	out := make([]string, 0, len(g.downstream))
	for up := range g.downstream {
		out = append(out, up)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of upstream builders.
func (g *Graph) Len() int {
	return len(g.downstream)
}
