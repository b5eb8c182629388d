package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the workshop metric instruments.
type Metrics struct {
	MessagesPublished metric.Int64Counter
	FramesDelivered   metric.Int64Counter
	ActiveStreams     metric.Int64UpDownCounter
	TaskTransitions   metric.Int64Counter
	BlobBytesWritten  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesPublished, err = meter.Int64Counter("workshop.messages.published",
		metric.WithDescription("Messages persisted and fanned out"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesDelivered, err = meter.Int64Counter("workshop.frames.delivered",
		metric.WithDescription("Push-stream frames delivered to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveStreams, err = meter.Int64UpDownCounter("workshop.streams.active",
		metric.WithDescription("Currently attached push-stream subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("workshop.tasks.transitions",
		metric.WithDescription("Task lifecycle transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.BlobBytesWritten, err = meter.Int64Counter("workshop.blobs.bytes",
		metric.WithDescription("Blob bytes accepted by the store"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
