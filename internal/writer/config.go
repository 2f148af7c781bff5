package writer

import "time"

// WriterConfig configures batching.
type WriterConfig struct {
	InstanceID     string
	SampleInterval time.Duration // How often health is snapshotted
	BatchSize      int           // Flush when this many rows are pending
	FlushInterval  time.Duration // Flush at least this often
}

// DefaultWriterConfig returns default configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		SampleInterval: time.Minute,
		BatchSize:      500,
		FlushInterval:  5 * time.Second,
	}
}

// WriterMetrics tracks writer activity.
type WriterMetrics struct {
	Samples   int64
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}
