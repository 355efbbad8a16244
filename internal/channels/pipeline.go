package channels

import (
	"time"

	"github.com/argusmon/argus/internal/models"
)

// EvalTask represents a single monitor evaluation queued for a worker
type EvalTask struct {
	Monitor  *models.Monitor
	Jitter   time.Duration // pre-dispatch delay against thundering herds
	Enqueued time.Time
}

// EvalPipeline is the bounded work queue feeding the evaluation workers.
// A full queue means the scheduler skips the monitor for this tick.
type EvalPipeline struct {
	Tasks chan EvalTask

	done chan struct{}
}

// NewEvalPipeline creates the evaluation queue with the configured bound
func NewEvalPipeline(cfg EvalPipelineConfig) *EvalPipeline {
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	return &EvalPipeline{
		Tasks: make(chan EvalTask, size),
		done:  make(chan struct{}),
	}
}

// TryEnqueue offers a task without blocking. Returns false when the queue
// is full or shutting down; the caller counts the monitor as skipped.
func (ep *EvalPipeline) TryEnqueue(task EvalTask) bool {
	if task.Enqueued.IsZero() {
		task.Enqueued = time.Now()
	}
	select {
	case <-ep.done:
		return false
	default:
	}
	select {
	case ep.Tasks <- task:
		return true
	default:
		return false
	}
}

// Close gracefully shuts down the pipeline channels
func (ep *EvalPipeline) Close() error {
	close(ep.done)
	close(ep.Tasks)
	return nil
}

// Done returns a channel that's closed when the pipeline is shutting down
func (ep *EvalPipeline) Done() <-chan struct{} {
	return ep.done
}
