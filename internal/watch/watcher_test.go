package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tryextender/internal/catalog"
	"github.com/mattjoyce/tryextender/internal/events"
	"github.com/mattjoyce/tryextender/internal/catalog/mocks"
)

func newTestSlogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func mustParse(t *testing.T, doc string) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.Parse([]byte(doc))
	require.NoError(t, err)
	return snap
}

const catalogV1 = `
builders:
  Linux try build: {}
  Linux try opt test xpcshell:
    upstream: Linux try build
`

const catalogV2 = `
builders:
  Linux try build: {}
  Linux try opt test xpcshell:
    upstream: Linux try build
  Linux try opt test mochitest-1:
    upstream: Linux try build
`

type countingInvalidator struct{ n atomic.Int32 }

func (c *countingInvalidator) InvalidateRelationGraph() { c.n.Add(1) }

type reloadObserver struct {
	changed, unchanged, failed int
}

func (o *reloadObserver) ObserveCatalogReload(changed bool, err error) {
	switch {
	case err != nil:
		o.failed++
	case changed:
		o.changed++
	default:
		o.unchanged++
	}
}

func TestWatcherTick(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	loader := mocks.NewMockLoader(ctrl)
	store := catalog.NewStore(loader)
	inv := &countingInvalidator{}
	hub := events.NewHub(16)
	obs := &reloadObserver{}
	slogger, logBuf := newTestSlogger()
	w := New(store, inv, hub, obs, Config{Interval: time.Minute}, slogger)
	ctx := context.Background()

	v1 := mustParse(t, catalogV1)
	v2 := mustParse(t, catalogV2)

	// Prime the store the way the first classification would.
	loader.EXPECT().Load(gomock.Any()).Return(v1, nil)
	_, err := store.Current(ctx)
	require.NoError(t, err)

	t.Run("unchanged catalog keeps the graph", func(t *testing.T) {
		loader.EXPECT().Load(gomock.Any()).Return(mustParse(t, catalogV1), nil)
		changed, err := w.Tick(ctx)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, int32(0), inv.n.Load())
		assert.Empty(t, hub.SnapshotSince(0))
		assert.Equal(t, 1, obs.unchanged)
	})

	t.Run("changed catalog invalidates and publishes", func(t *testing.T) {
		loader.EXPECT().Load(gomock.Any()).Return(v2, nil)
		changed, err := w.Tick(ctx)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, int32(1), inv.n.Load())
		assert.Equal(t, v2.Fingerprint(), w.Fingerprint())

		snap := hub.SnapshotSince(0)
		require.Len(t, snap, 1)
		assert.Equal(t, events.TypeCatalogChanged, snap[0].Type)
		var payload events.CatalogChanged
		require.NoError(t, json.Unmarshal(snap[0].Data, &payload))
		assert.Equal(t, v2.Fingerprint(), payload.Fingerprint)
		assert.Equal(t, 3, payload.Builders)
		assert.Contains(t, logBuf.String(), "relation graph invalidated")
	})

	t.Run("failed reload keeps previous catalog", func(t *testing.T) {
		loader.EXPECT().Load(gomock.Any()).Return(nil, errors.New("connection refused"))
		_, err := w.Tick(ctx)
		require.Error(t, err)
		assert.Equal(t, int32(1), inv.n.Load())
		assert.Equal(t, v2.Fingerprint(), store.Fingerprint())
		assert.Equal(t, 1, obs.failed)
		assert.Contains(t, logBuf.String(), "keeping previous catalog")
	})
}

func TestWatcherLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	loader := mocks.NewMockLoader(ctrl)
	inv := &countingInvalidator{}
	slogger, _ := newTestSlogger()
	w := New(catalog.NewStore(loader), inv, nil, nil, Config{Interval: 5 * time.Millisecond, Jitter: time.Millisecond}, slogger)

	docs := []string{catalogV1, catalogV2}
	var calls atomic.Int32
	loader.EXPECT().Load(gomock.Any()).DoAndReturn(func(context.Context) (*catalog.Snapshot, error) {
		i := calls.Add(1)
		return catalog.Parse([]byte(docs[int(i)%2]))
	}).MinTimes(3)

	w.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()
	w.Stop()

	assert.GreaterOrEqual(t, inv.n.Load(), int32(3), "every alternate document is a change")
}

func TestWatcherDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	slogger, logBuf := newTestSlogger()
	w := New(catalog.NewStore(mocks.NewMockLoader(ctrl)), &countingInvalidator{}, nil, nil, Config{}, slogger)
	w.Start(context.Background())
	w.Stop()
	assert.Contains(t, logBuf.String(), "catalog watching disabled")
}

func TestJittered(t *testing.T) {
	base := time.Minute
	for range 100 {
		d := jittered(base, 10*time.Second)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+10*time.Second)
	}
	assert.Equal(t, base, jittered(base, 0))
}
