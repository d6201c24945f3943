package publish

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mattjoyce/tryextender/internal/classify"
)

func sampleReport() *classify.Report {
	return classify.NewReport("b629d766f590", map[string]classify.Entry{
		"B1":                  {Existing: []string{"D1"}, Possible: []string{"D2"}},
		classify.NewBuildsKey: {Existing: nil, Possible: []string{"B2"}},
	})
}

func TestFileSinkWritesIndentedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, FileSink{Path: path}.Publish(context.Background(), sampleReport()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n    \"B1\": {\n        \"existing\": [")

	var decoded map[string]classify.Entry
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []string{}, decoded[classify.NewBuildsKey].Existing)
	assert.Equal(t, []string{"D2"}, decoded["B1"].Possible)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestFileSinkReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	require.NoError(t, FileSink{Path: path}.Publish(context.Background(), sampleReport()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stale")
}

func TestFileSinkMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", DefaultFileName)
	err := FileSink{Path: path}.Publish(context.Background(), sampleReport())
	assert.Error(t, err)
}

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
	closed  int
}

func (p *fakeProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.mu.Lock()
	defer p.mu.Unlock()
	var results kgo.ProduceResults
	for _, r := range rs {
		p.records = append(p.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
}

func TestKafkaSinkPublish(t *testing.T) {
	p := &fakeProducer{}
	sink := &KafkaSink{client: p, topic: "try-reports"}

	require.NoError(t, sink.Publish(context.Background(), sampleReport()))
	require.Len(t, p.records, 1)
	rec := p.records[0]
	assert.Equal(t, "try-reports", rec.Topic)
	assert.Equal(t, "b629d766f590", string(rec.Key))
	assert.JSONEq(t,
		`{"B1":{"existing":["D1"],"possible":["D2"]},"new_builds":{"existing":[],"possible":["B2"]}}`,
		string(rec.Value))
}

func TestKafkaSinkProduceError(t *testing.T) {
	p := &fakeProducer{err: errors.New("broker down")}
	sink := &KafkaSink{client: p, topic: "try-reports"}

	err := sink.Publish(context.Background(), sampleReport())
	assert.ErrorContains(t, err, "broker down")
}

func TestKafkaSinkClose(t *testing.T) {
	p := &fakeProducer{}
	sink := &KafkaSink{client: p, topic: "try-reports"}

	sink.Close()
	sink.Close()
	assert.Equal(t, 1, p.closed)
	assert.Error(t, sink.Publish(context.Background(), sampleReport()))
	assert.Empty(t, p.records)
}

func TestNewKafkaSinkValidation(t *testing.T) {
	_, err := NewKafkaSink(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaSink([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}

type sinkFunc func(ctx context.Context, r *classify.Report) error

func (f sinkFunc) Publish(ctx context.Context, r *classify.Report) error { return f(ctx, r) }

func TestMulti(t *testing.T) {
	var calls int
	ok := sinkFunc(func(context.Context, *classify.Report) error { calls++; return nil })
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	failA := sinkFunc(func(context.Context, *classify.Report) error { calls++; return errA })
	failB := sinkFunc(func(context.Context, *classify.Report) error { calls++; return errB })

	assert.NoError(t, Multi{ok, ok}.Publish(context.Background(), sampleReport()))

	calls = 0
	err := Multi{failA, ok, failB}.Publish(context.Background(), sampleReport())
	assert.Equal(t, 3, calls, "every sink is attempted")
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}
