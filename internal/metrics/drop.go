package metrics

import "tickflow/logger"

// DropMetric names why a message or tick was discarded.
type DropMetric string

const (
	DropDecodeError     DropMetric = "decode_errors"
	DropProcessingError DropMetric = "processing_errors"
	DropPublishFailed   DropMetric = "publish_dropped"
	DropShutdownDiscard DropMetric = "shutdown_discarded"
	DropLateTick        DropMetric = "late_ticks"
	DropDuplicateTick   DropMetric = "duplicate_ticks"
	DropSinkError       DropMetric = "sink_errors"
)

// EmitDropMetric counts n dropped items. Symbol and stage are attached as
// dimensions when set.
func EmitDropMetric(log *logger.Log, metric DropMetric, symbol, stage string, n int) {
	if n <= 0 {
		return
	}
	incDropped(string(metric), n)

	fields := logger.Fields{}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}
	EmitMetric(log, "drops", string(metric), n, "counter", fields)
}
