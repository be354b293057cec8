package imago

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordIngest is called after each ingest operation. dedup is true
	// when the upload resolved to an already existing record.
	RecordIngest(duration time.Duration, dedup bool, err error)

	// RecordQuery is called after each query. k is the number of results
	// requested.
	RecordQuery(k int, duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordRecovery is called after each recovery pass with the number of
	// records driven back to ready.
	RecordRecovery(recovered int, duration time.Duration)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordIngest(time.Duration, bool, error) {}
func (NoopMetricsCollector) RecordQuery(int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)       {}
func (NoopMetricsCollector) RecordRecovery(int, time.Duration)       {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	IngestCount      atomic.Int64
	IngestDedups     atomic.Int64
	IngestErrors     atomic.Int64
	IngestTotalNanos atomic.Int64
	QueryCount       atomic.Int64
	QueryErrors      atomic.Int64
	QueryTotalNanos  atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	RecoveryCount    atomic.Int64
	RecoveredRecords atomic.Int64
}

// RecordIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIngest(duration time.Duration, dedup bool, err error) {
	b.IngestCount.Add(1)
	b.IngestTotalNanos.Add(duration.Nanoseconds())
	if dedup {
		b.IngestDedups.Add(1)
	}
	if err != nil {
		b.IngestErrors.Add(1)
	}
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(k int, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordRecovery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecovery(recovered int, duration time.Duration) {
	b.RecoveryCount.Add(1)
	b.RecoveredRecords.Add(int64(recovered))
}
