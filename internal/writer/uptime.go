package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/termsync/internal/health"
)

// HealthSource reports per-account health.
type HealthSource interface {
	Report(now time.Time) []health.AccountHealth
}

// BatchSender sends a pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// uptimeRow is one account_uptime row.
type uptimeRow struct {
	InstanceID        string
	AccountID         string
	SampledAt         time.Time
	Connected         bool
	ConnectedToBroker bool
	Replicas          int
	Uptime1h          *float64
	Uptime1d          *float64
	Uptime1w          *float64
}

// UptimeWriter periodically snapshots account health and writes it to the
// account_uptime table.
type UptimeWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	source HealthSource
	db     BatchSender

	// Batching
	batch   []uptimeRow
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics

	now func() time.Time
}

// NewUptimeWriter creates a new UptimeWriter.
func NewUptimeWriter(
	cfg WriterConfig,
	source HealthSource,
	db BatchSender,
	logger *slog.Logger,
) *UptimeWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &UptimeWriter{
		cfg:    cfg,
		source: source,
		db:     db,
		logger: logger,
		batch:  make([]uptimeRow, 0, cfg.BatchSize),
		now:    time.Now,
	}
}

// Start begins sampling and writing to the database.
func (w *UptimeWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.sampleLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("uptime writer started",
		"sample_interval", w.cfg.SampleInterval,
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *UptimeWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping uptime writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("uptime writer stopped")
	case <-ctx.Done():
		w.logger.Warn("uptime writer stop timed out")
	}

	// Final flush on the caller's context
	w.flushWith(ctx)

	return nil
}

// Stats returns current metrics.
func (w *UptimeWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *UptimeWriter) sampleLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Sample()
		}
	}
}

func (w *UptimeWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// Sample snapshots every tracked account into the pending batch.
func (w *UptimeWriter) Sample() {
	now := w.now().UTC().Truncate(time.Second)
	for _, h := range w.source.Report(now) {
		w.handleRow(w.transform(h, now))
	}
}

func (w *UptimeWriter) handleRow(row uptimeRow) {
	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	w.metrics.Samples++
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts an AccountHealth into a row.
func (w *UptimeWriter) transform(h health.AccountHealth, at time.Time) uptimeRow {
	return uptimeRow{
		InstanceID:        w.cfg.InstanceID,
		AccountID:         h.AccountID,
		SampledAt:         at,
		Connected:         h.Connected,
		ConnectedToBroker: h.ConnectedToBroker,
		Replicas:          len(h.Replicas),
		Uptime1h:          uptimeOf(h.Uptime, "1h"),
		Uptime1d:          uptimeOf(h.Uptime, "1d"),
		Uptime1w:          uptimeOf(h.Uptime, "1w"),
	}
}

// uptimeOf returns nil for windows without samples.
func uptimeOf(uptime map[string]float64, window string) *float64 {
	v, ok := uptime[window]
	if !ok {
		return nil
	}
	return &v
}

func (w *UptimeWriter) flush() {
	ctx := w.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	w.flushWith(ctx)
}

// flushWith writes the current batch to the database.
func (w *UptimeWriter) flushWith(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 || w.db == nil {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]uptimeRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed uptime samples",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *UptimeWriter) batchInsert(ctx context.Context, rows []uptimeRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO account_uptime (instance_id, account_id, sampled_at, connected, connected_to_broker,
				replicas, uptime_1h, uptime_1d, uptime_1w)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (instance_id, account_id, sampled_at) DO NOTHING
		`, r.InstanceID, r.AccountID, r.SampledAt, r.Connected, r.ConnectedToBroker,
			r.Replicas, r.Uptime1h, r.Uptime1d, r.Uptime1w)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
