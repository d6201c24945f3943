// Package catalog holds the set of known builders and how downstream (test)
// builders depend on upstream (build) builders.
package catalog

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrCatalogUnavailable is returned when the catalog cannot be loaded or is empty.
	ErrCatalogUnavailable = errors.New("builder catalog unavailable")
	// ErrUnknownBuilder is returned for builder names the catalog does not know.
	ErrUnknownBuilder = errors.New("unknown builder")
)

// Catalog is a read-only view of the known builders.
type Catalog interface {
	// ListBuilders returns every builder name, sorted.
	ListBuilders() []string
	// IsDownstream reports whether name is a test job depending on an upstream build.
	IsDownstream(name string) (bool, error)
	// UpstreamOf returns the build job a downstream job depends on.
	UpstreamOf(name string) (string, error)
	// FilterByRepoAndExclusions keeps builders containing every repo marker
	// and none of the exclusion markers, in input order.
	FilterByRepoAndExclusions(repoMarkers, exclusionMarkers, builders []string) []string
}

// FilterNames implements the repo/exclusion marker filter shared by catalogs.
func FilterNames(repoMarkers, exclusionMarkers, builders []string) []string {
	out := make([]string, 0, len(builders))
outer:
	for _, b := range builders {
		for _, m := range repoMarkers {
			if !strings.Contains(b, m) {
				continue outer
			}
		}
		for _, m := range exclusionMarkers {
			if strings.Contains(b, m) {
				continue outer
			}
		}
		out = append(out, b)
	}
	return out
}

// TryUpstreams returns the upstream builders of the try pool: for each repo
// marker, the builders matching it and none of the exclusions that are not
// downstream. The union is deduplicated and sorted.
func TryUpstreams(cat Catalog, repoMarkers, exclusionMarkers []string) []string {
	all := cat.ListBuilders()
	seen := make(map[string]struct{})
	for _, marker := range repoMarkers {
		for _, name := range cat.FilterByRepoAndExclusions([]string{marker}, exclusionMarkers, all) {
			down, err := cat.IsDownstream(name)
			if err != nil || down {
				continue
			}
			seen[name] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
