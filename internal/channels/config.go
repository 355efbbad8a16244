package channels

// EventChannelsConfig configures buffer sizes for event channels
type EventChannelsConfig struct {
	AlertBufferSize int
	StateBufferSize int
	ProbeBufferSize int
}

// EvalPipelineConfig configures the evaluation work queue
type EvalPipelineConfig struct {
	QueueSize int
}
