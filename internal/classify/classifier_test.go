package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tryextender/internal/buildstatus"
	"github.com/mattjoyce/tryextender/internal/catalog"
	"github.com/mattjoyce/tryextender/internal/relations"
	"github.com/mattjoyce/tryextender/internal/revision"
)

type staticCatalog struct {
	cat catalog.Catalog
	err error
}

func (s *staticCatalog) Current(ctx context.Context) (catalog.Catalog, error) {
	return s.cat, s.err
}

type stubSource struct {
	mu      sync.Mutex
	records map[string][]revision.Record
	err     error
	calls   int
}

func (s *stubSource) FetchJobs(ctx context.Context, rev string) ([]revision.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	recs, ok := s.records[rev]
	if !ok {
		return nil, fmt.Errorf("%w: %s", revision.ErrRevisionNotFound, rev)
	}
	return append([]revision.Record(nil), recs...), nil
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
	dropped  map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{outcomes: map[string]int{}, dropped: map[string]int{}}
}

func (o *countingObserver) ObserveClassification(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *countingObserver) ObserveDroppedRecord(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped[reason]++
}

// scenarioCatalog: B1 -> {D1, D2}, B2 -> {D3}.
func scenarioCatalog() *catalog.Snapshot {
	return catalog.NewSnapshot(map[string]string{
		"B1": "",
		"B2": "",
		"D1": "B1",
		"D2": "B1",
		"D3": "B2",
	})
}

func newClassifier(cat catalog.Catalog, src revision.Source, opts ...Option) *Classifier {
	catalogs := &staticCatalog{cat: cat}
	opts = append([]Option{WithMarkers([]string{"B"}, nil)}, opts...)
	return New(catalogs, relations.NewCache(catalogs, nil), src, opts...)
}

func rec(builder string, status buildstatus.Code) revision.Record {
	return revision.Record{Builder: builder, Status: status}
}

func entries(t *testing.T, r *Report) map[string]Entry {
	t.Helper()
	out := map[string]Entry{}
	for _, k := range r.Keys() {
		e, ok := r.Entry(k)
		require.True(t, ok)
		out[k] = e
	}
	out[NewBuildsKey] = r.NewBuilds()
	return out
}

func TestClassifyScenarioScheduledBuildWithTest(t *testing.T) {
	src := &stubSource{records: map[string][]revision.Record{
		"r1": {rec("B1", buildstatus.NotStarted), rec("D1", buildstatus.Success)},
	}}
	c := newClassifier(scenarioCatalog(), src)

	report, err := c.Classify(context.Background(), "r1")
	require.NoError(t, err)

	want := map[string]Entry{
		"B1":         {Existing: []string{"D1"}, Possible: []string{"D2"}},
		NewBuildsKey: {Existing: []string{}, Possible: []string{"B2"}},
	}
	if diff := cmp.Diff(want, entries(t, report)); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	raw, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"B1": {"existing": ["D1"], "possible": ["D2"]}, "new_builds": {"existing": [], "possible": ["B2"]}}`,
		string(raw))
}

func TestClassifyScenarioBuildAlreadyRan(t *testing.T) {
	src := &stubSource{records: map[string][]revision.Record{
		"r2": {rec("B1", buildstatus.Success)},
	}}
	c := newClassifier(scenarioCatalog(), src)

	report, err := c.Classify(context.Background(), "r2")
	require.NoError(t, err)

	assert.Empty(t, report.Keys(), "B1 must not be a standalone key")
	assert.Equal(t, Entry{Existing: []string{"B1"}, Possible: []string{"B2"}}, report.NewBuilds())
}

func TestClassifyRevisionNotFound(t *testing.T) {
	obs := newCountingObserver()
	c := newClassifier(scenarioCatalog(), &stubSource{}, WithObserver(obs))

	report, err := c.Classify(context.Background(), "unknown")
	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrRevisionNotFound)
	assert.Equal(t, 1, obs.outcomes["not_found"])
}

func TestClassifyFetchFailed(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"sentinel", fmt.Errorf("%w: status 503", revision.ErrFetchFailed)},
		{"foreign error is wrapped", errors.New("connection reset by peer")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := newCountingObserver()
			c := newClassifier(scenarioCatalog(), &stubSource{err: tt.err}, WithObserver(obs))

			_, err := c.Classify(context.Background(), "r1")
			assert.ErrorIs(t, err, ErrFetchFailed)
			assert.NotErrorIs(t, err, ErrRevisionNotFound)
			assert.Equal(t, 1, obs.outcomes["fetch_failed"])
		})
	}
}

func TestClassifyCatalogUnavailable(t *testing.T) {
	catalogs := &staticCatalog{err: errors.New("allthethings.json: 502")}
	src := &stubSource{}
	c := New(catalogs, relations.NewCache(catalogs, nil), src)

	_, err := c.Classify(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrCatalogUnavailable)
	assert.Equal(t, 0, src.calls, "no fetch without a graph")

	// The failure is not cached: once the catalog is back, classification works.
	catalogs.err = nil
	catalogs.cat = scenarioCatalog()
	src.records = map[string][]revision.Record{"r1": {rec("B1", buildstatus.NotStarted)}}
	_, err = c.Classify(context.Background(), "r1")
	assert.NoError(t, err)
}

func TestClassifyDropsUnknownBuilders(t *testing.T) {
	base := []revision.Record{
		rec("B1", buildstatus.NotStarted),
		rec("D1", buildstatus.Success),
		rec("B2", buildstatus.Running),
	}
	drifted := append([]revision.Record{rec("Retired builder", buildstatus.Failure)}, base...)

	obs := newCountingObserver()
	src := &stubSource{records: map[string][]revision.Record{"clean": base, "drifted": drifted}}
	c := newClassifier(scenarioCatalog(), src, WithObserver(obs))

	clean, err := c.Classify(context.Background(), "clean")
	require.NoError(t, err)
	dirty, err := c.Classify(context.Background(), "drifted")
	require.NoError(t, err)

	assert.Equal(t, mustJSON(t, clean), mustJSON(t, dirty))
	assert.Equal(t, 1, obs.dropped["unknown_builder"])
}

func TestClassifyDownstreamWithoutScheduledUpstreamIsDropped(t *testing.T) {
	obs := newCountingObserver()
	src := &stubSource{records: map[string][]revision.Record{
		"r": {rec("B1", buildstatus.Success), rec("D1", buildstatus.Success), rec("D3", buildstatus.Failure)},
	}}
	c := newClassifier(scenarioCatalog(), src, WithObserver(obs))

	report, err := c.Classify(context.Background(), "r")
	require.NoError(t, err)
	assert.Empty(t, report.Keys())
	assert.Equal(t, Entry{Existing: []string{"B1"}, Possible: []string{"B2"}}, report.NewBuilds())
	assert.Equal(t, 2, obs.dropped["upstream_not_scheduled"])
}

func TestClassifyDeduplicatesRetries(t *testing.T) {
	src := &stubSource{records: map[string][]revision.Record{
		"r": {
			rec("D2", buildstatus.Retry),
			rec("B1", buildstatus.NotStarted),
			rec("D2", buildstatus.Success),
			rec("B1", buildstatus.NotStarted),
			rec("D1", buildstatus.Failure),
			rec("D2", buildstatus.Running),
		},
	}}
	c := newClassifier(scenarioCatalog(), src)

	report, err := c.Classify(context.Background(), "r")
	require.NoError(t, err)
	e, ok := report.Entry("B1")
	require.True(t, ok)
	assert.Equal(t, []string{"D1", "D2"}, e.Existing)
	assert.Equal(t, []string{}, e.Possible)
}

func TestClassifyUpstreamBothPendingAndRan(t *testing.T) {
	// A retriggered build: one record still waiting, one that already ran.
	want := map[string]Entry{
		"B1":         {Existing: []string{"D1"}, Possible: []string{"D2"}},
		NewBuildsKey: {Existing: []string{"B1"}, Possible: []string{"B2"}},
	}
	for _, records := range [][]revision.Record{
		{rec("B1", buildstatus.NotStarted), rec("B1", buildstatus.Success), rec("D1", buildstatus.Success)},
		{rec("D1", buildstatus.Success), rec("B1", buildstatus.Success), rec("B1", buildstatus.NotStarted)},
	} {
		src := &stubSource{records: map[string][]revision.Record{"r": records}}
		report, err := newClassifier(scenarioCatalog(), src).Classify(context.Background(), "r")
		require.NoError(t, err)
		if diff := cmp.Diff(want, entries(t, report)); diff != "" {
			t.Errorf("report mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestClassifyKeyMissingFromStaleGraph(t *testing.T) {
	// The graph was built before B9 gained dependents; classification
	// uses a newer catalog that knows B9.
	old := &staticCatalog{cat: scenarioCatalog()}
	graphs := relations.NewCache(old, nil)
	_, err := graphs.Get(context.Background())
	require.NoError(t, err)

	newer := &staticCatalog{cat: catalog.NewSnapshot(map[string]string{
		"B1": "", "B2": "", "B9": "",
		"D1": "B1", "D2": "B1", "D3": "B2", "D9": "B9",
	})}
	src := &stubSource{records: map[string][]revision.Record{
		"r": {rec("B9", buildstatus.NotStarted), rec("D9", buildstatus.Success)},
	}}
	c := New(newer, graphs, src, WithMarkers([]string{"B"}, nil))

	report, err := c.Classify(context.Background(), "r")
	require.NoError(t, err)
	e, ok := report.Entry("B9")
	require.True(t, ok)
	assert.Equal(t, Entry{Existing: []string{"D9"}, Possible: []string{}}, e)

	c.InvalidateRelationGraph()
	assert.False(t, graphs.Loaded())
}

func TestClassifyExcludesMarkedBuilds(t *testing.T) {
	cat := catalog.NewSnapshot(map[string]string{
		"Linux x86-64 try build":                   "",
		"Linux x86-64 try pgo-build":               "",
		"Linux try hg bundle":                      "",
		"b2g_try_emulator build":                   "",
		"Linux x86-64 mozilla-central build":       "",
		"Ubuntu VM 12.04 try opt test mochitest-1": "Linux x86-64 try build",
	})
	catalogs := &staticCatalog{cat: cat}
	src := &stubSource{records: map[string][]revision.Record{
		"b629d766f590": {rec("Linux x86-64 try build", buildstatus.NotStarted)},
	}}
	c := New(catalogs, relations.NewCache(catalogs, nil), src)

	report, err := c.Classify(context.Background(), "b629d766f590")
	require.NoError(t, err)
	assert.Equal(t, []string{"b2g_try_emulator build"}, report.NewBuilds().Possible)
	e, _ := report.Entry("Linux x86-64 try build")
	assert.Equal(t, []string{"Ubuntu VM 12.04 try opt test mochitest-1"}, e.Possible)
}

func TestClassifyDeterministicAndIdempotent(t *testing.T) {
	records := []revision.Record{
		rec("B1", buildstatus.NotStarted),
		rec("B2", buildstatus.NotStarted),
		rec("D3", buildstatus.Success),
		rec("D2", buildstatus.Failure),
		rec("D1", buildstatus.Warning),
		rec("ghost", buildstatus.Success),
	}
	shuffled := append([]revision.Record(nil), records...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	src := &stubSource{records: map[string][]revision.Record{"a": records, "b": shuffled}}
	c := newClassifier(scenarioCatalog(), src)

	first, err := c.Classify(context.Background(), "a")
	require.NoError(t, err)
	second, err := c.Classify(context.Background(), "a")
	require.NoError(t, err)
	reordered, err := c.Classify(context.Background(), "b")
	require.NoError(t, err)

	assert.Equal(t, mustJSON(t, first), mustJSON(t, second))
	assert.Equal(t, mustJSON(t, first), mustJSON(t, reordered))
}

func TestClassifyConcurrentRevisions(t *testing.T) {
	src := &stubSource{records: map[string][]revision.Record{}}
	for i := range 20 {
		src.records[fmt.Sprintf("rev%02d", i)] = []revision.Record{
			rec("B1", buildstatus.NotStarted),
			rec(fmt.Sprintf("D%d", i%3+1), buildstatus.Success),
		}
	}
	c := newClassifier(scenarioCatalog(), src)

	var wg sync.WaitGroup
	for rev := range src.records {
		wg.Add(1)
		go func(rev string) {
			defer wg.Done()
			report, err := c.Classify(context.Background(), rev)
			assert.NoError(t, err)
			assert.Equal(t, rev, report.Revision())
		}(rev)
	}
	wg.Wait()
}

// TestClassifyProperties checks the report invariants over random job lists.
func TestClassifyProperties(t *testing.T) {
	cat := scenarioCatalog()
	graph, err := relations.Build(cat)
	require.NoError(t, err)

	names := append(cat.ListBuilders(), "ghost-1", "ghost-2")
	statuses := []buildstatus.Code{buildstatus.NotStarted, buildstatus.Success, buildstatus.Failure, buildstatus.Running}
	rng := rand.New(rand.NewSource(42))

	for i := range 200 {
		n := rng.Intn(10) + 1
		recs := make([]revision.Record, n)
		for j := range recs {
			recs[j] = rec(names[rng.Intn(len(names))], statuses[rng.Intn(len(statuses))])
		}
		rev := fmt.Sprintf("prop%d", i)
		c := newClassifier(cat, &stubSource{records: map[string][]revision.Record{rev: recs}})

		report, err := c.Classify(context.Background(), rev)
		require.NoError(t, err)

		for key, e := range entries(t, report) {
			assertSortedUnique(t, e.Existing)
			assertSortedUnique(t, e.Possible)
			if key == NewBuildsKey {
				continue
			}
			universe := map[string]bool{}
			for _, d := range graph.Downstream(key) {
				universe[d] = true
			}
			seen := map[string]bool{}
			for _, d := range append(append([]string{}, e.Existing...), e.Possible...) {
				assert.False(t, seen[d], "%s listed twice under %s", d, key)
				seen[d] = true
				assert.True(t, universe[d], "%s not downstream of %s", d, key)
			}
			assert.Len(t, seen, len(universe), "existing+possible must cover the graph for %s", key)
		}

		for _, r := range recs {
			down, err := cat.IsDownstream(r.Builder)
			if err != nil || !down {
				continue
			}
			up, _ := cat.UpstreamOf(r.Builder)
			e, ok := report.Entry(up)
			if !ok {
				continue
			}
			assert.Contains(t, e.Existing, r.Builder)
			assert.NotContains(t, e.Possible, r.Builder)
		}
	}
}

func TestReportTriggerable(t *testing.T) {
	src := &stubSource{records: map[string][]revision.Record{
		"r1": {rec("B1", buildstatus.NotStarted), rec("D1", buildstatus.Success)},
	}}
	report, err := newClassifier(scenarioCatalog(), src).Classify(context.Background(), "r1")
	require.NoError(t, err)

	assert.True(t, report.Triggerable("D2"))
	assert.True(t, report.Triggerable("B2"))
	assert.True(t, report.IsNewBuild("B2"))
	assert.False(t, report.IsNewBuild("D2"))
	assert.False(t, report.Triggerable("D1"), "already exists")
	assert.False(t, report.Triggerable("D3"), "upstream not scheduled")
}

func TestReportEntriesAreCopies(t *testing.T) {
	src := &stubSource{records: map[string][]revision.Record{
		"r1": {rec("B1", buildstatus.NotStarted), rec("D1", buildstatus.Success)},
	}}
	report, err := newClassifier(scenarioCatalog(), src).Classify(context.Background(), "r1")
	require.NoError(t, err)

	e, _ := report.Entry("B1")
	e.Existing[0] = "mutated"
	again, _ := report.Entry("B1")
	assert.Equal(t, []string{"D1"}, again.Existing)
}

func TestReportWriteJSON(t *testing.T) {
	src := &stubSource{records: map[string][]revision.Record{
		"r2": {rec("B1", buildstatus.Success)},
	}}
	report, err := newClassifier(scenarioCatalog(), src).Classify(context.Background(), "r2")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.WriteJSON(&buf))
	want := `{
    "new_builds": {
        "existing": [
            "B1"
        ],
        "possible": [
            "B2"
        ]
    }
}
`
	assert.Equal(t, want, buf.String())
}

func mustJSON(t *testing.T, r *Report) string {
	t.Helper()
	b, err := json.Marshal(r)
	require.NoError(t, err)
	return string(b)
}

func assertSortedUnique(t *testing.T, xs []string) {
	t.Helper()
	require.NotNil(t, xs)
	for i := 1; i < len(xs); i++ {
		assert.Less(t, xs[i-1], xs[i], "list %v not strictly ascending", xs)
	}
}
