package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/termsync/internal/health"
)

type staticSource []health.AccountHealth

func (s staticSource) Report(time.Time) []health.AccountHealth { return s }

// fakeDB records queued batches. Every second row of a batch reports a
// conflict when conflictOdd is set.
type fakeDB struct {
	mu          sync.Mutex
	batches     []*pgx.Batch
	conflictOdd bool
	err         error
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	return &fakeResults{db: f}
}

func (f *fakeDB) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += b.Len()
	}
	return n
}

type fakeResults struct {
	db *fakeDB
	i  int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.db.err != nil {
		return pgconn.CommandTag{}, r.db.err
	}
	r.i++
	if r.db.conflictOdd && r.i%2 == 0 {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func sampleHealth() staticSource {
	return staticSource{
		{
			AccountID:         "acc-1",
			Connected:         true,
			ConnectedToBroker: true,
			Replicas:          []health.ReplicaHealth{{Host: "ps-mpa-0"}, {Host: "ps-mpa-1"}},
			Uptime:            map[string]float64{"1h": 99.5, "1d": 98},
		},
		{
			AccountID: "acc-2",
			Uptime:    map[string]float64{},
		},
	}
}

func TestUptimeWriter_Transform(t *testing.T) {
	cfg := DefaultWriterConfig()
	cfg.InstanceID = "termsync-1"
	w := NewUptimeWriter(cfg, nil, nil, nil)

	at := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	row := w.transform(sampleHealth()[0], at)

	assert.Equal(t, "termsync-1", row.InstanceID)
	assert.Equal(t, "acc-1", row.AccountID)
	assert.Equal(t, at, row.SampledAt)
	assert.True(t, row.Connected)
	assert.True(t, row.ConnectedToBroker)
	assert.Equal(t, 2, row.Replicas)
	require.NotNil(t, row.Uptime1h)
	assert.Equal(t, 99.5, *row.Uptime1h)
	require.NotNil(t, row.Uptime1d)
	assert.Equal(t, 98.0, *row.Uptime1d)
	assert.Nil(t, row.Uptime1w)
}

func TestUptimeWriter_SampleAddsToBatch(t *testing.T) {
	cfg := WriterConfig{BatchSize: 100, FlushInterval: time.Hour, SampleInterval: time.Hour}
	w := NewUptimeWriter(cfg, sampleHealth(), nil, nil)

	w.Sample()

	w.batchMu.Lock()
	batchLen := len(w.batch)
	w.batchMu.Unlock()

	assert.Equal(t, 2, batchLen)
	assert.Equal(t, int64(2), w.Stats().Samples)
}

func TestUptimeWriter_FlushOnBatchSize(t *testing.T) {
	db := &fakeDB{conflictOdd: true}
	cfg := WriterConfig{BatchSize: 2, FlushInterval: time.Hour, SampleInterval: time.Hour}
	w := NewUptimeWriter(cfg, sampleHealth(), db, nil)

	w.Sample()

	assert.Equal(t, 2, db.rows())
	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Inserts)
	assert.Equal(t, int64(1), stats.Conflicts)
	assert.Equal(t, int64(1), stats.Flushes)

	db.mu.Lock()
	q := db.batches[0].QueuedQueries[0]
	db.mu.Unlock()
	assert.Contains(t, q.SQL, "INSERT INTO account_uptime")
	assert.Equal(t, "acc-1", q.Arguments[1])
}

func TestUptimeWriter_FlushError(t *testing.T) {
	db := &fakeDB{err: errors.New("connection refused")}
	cfg := WriterConfig{BatchSize: 1, FlushInterval: time.Hour, SampleInterval: time.Hour}
	w := NewUptimeWriter(cfg, sampleHealth()[:1], db, nil)

	w.Sample()

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(0), stats.Inserts)
}

func TestUptimeWriter_Lifecycle(t *testing.T) {
	db := &fakeDB{}
	cfg := WriterConfig{
		BatchSize:      100,
		SampleInterval: 10 * time.Millisecond,
		FlushInterval:  time.Hour,
	}
	w := NewUptimeWriter(cfg, sampleHealth(), db, nil)

	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return w.Stats().Samples >= 2 }, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))

	// Stop flushes whatever was pending
	stats := w.Stats()
	assert.Equal(t, stats.Samples, int64(db.rows()))
	assert.Equal(t, int64(1), stats.Flushes)
}

func TestDefaultWriterConfig(t *testing.T) {
	cfg := DefaultWriterConfig()

	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, time.Minute, cfg.SampleInterval)
}
