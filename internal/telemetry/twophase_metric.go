package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// TwoPhaseMetrics holds the metric instruments of the prepared transaction coordinator
// and the storage it drives.
type TwoPhaseMetrics struct {
	PreparedCounter            metric.Int64Counter
	CommittedCounter           metric.Int64Counter
	AbortedCounter             metric.Int64Counter
	ActiveUpDownCounter        metric.Int64UpDownCounter
	FinishLatencyHistogram     metric.Int64Histogram
	WALBytesWrittenCounter     metric.Int64Counter
	CheckpointLatencyHistogram metric.Int64Histogram
}

// NewTwoPhaseMetrics creates and registers all the coordinator metrics.
func NewTwoPhaseMetrics(meter metric.Meter) (*TwoPhaseMetrics, error) {
	preparedCounter, err := meter.Int64Counter(
		"gxactdb.twophase.prepared_total",
		metric.WithDescription("Total number of transactions prepared."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	committedCounter, err := meter.Int64Counter(
		"gxactdb.twophase.committed_total",
		metric.WithDescription("Total number of prepared transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	abortedCounter, err := meter.Int64Counter(
		"gxactdb.twophase.aborted_total",
		metric.WithDescription("Total number of prepared transactions rolled back."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	activeUpDownCounter, err := meter.Int64UpDownCounter(
		"gxactdb.twophase.active",
		metric.WithDescription("Number of prepared transactions waiting to be finished."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	finishLatencyHistogram, err := meter.Int64Histogram(
		"gxactdb.twophase.finish.duration",
		metric.WithDescription("The latency of COMMIT PREPARED and ROLLBACK PREPARED."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	walBytesWrittenCounter, err := meter.Int64Counter(
		"gxactdb.wal.bytes_written_total",
		metric.WithDescription("Total number of bytes written to the write-ahead log."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	checkpointLatencyHistogram, err := meter.Int64Histogram(
		"gxactdb.checkpoint.duration",
		metric.WithDescription("The latency of checkpoints."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &TwoPhaseMetrics{
		PreparedCounter:            preparedCounter,
		CommittedCounter:           committedCounter,
		AbortedCounter:             abortedCounter,
		ActiveUpDownCounter:        activeUpDownCounter,
		FinishLatencyHistogram:     finishLatencyHistogram,
		WALBytesWrittenCounter:     walBytesWrittenCounter,
		CheckpointLatencyHistogram: checkpointLatencyHistogram,
	}, nil
}

// NewNoopTwoPhaseMetrics returns instruments that record nothing.
func NewNoopTwoPhaseMetrics() *TwoPhaseMetrics {
	m, _ := NewTwoPhaseMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
