// Package poller drives periodic monitor evaluation. A single scheduler
// loop decides which monitors are due each tick, a bounded worker pool
// runs the probes, and the evaluator folds every sample into monitor
// state and alerts.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/argusmon/argus/internal/channels"
	"github.com/argusmon/argus/internal/config"
	"github.com/argusmon/argus/internal/metrics"
	"github.com/argusmon/argus/internal/models"
	"github.com/argusmon/argus/internal/probe"
	"github.com/argusmon/argus/internal/repository"
)

// repoBackoff is the pause after a tick fails on an unreachable store.
const repoBackoff = 5 * time.Second

var (
	// ErrAlreadyRunning is returned by Start when the scheduler is not stopped.
	ErrAlreadyRunning = errors.New("scheduler is already running")
	// ErrNotRunning is returned by Stop and ExecuteNow outside the running phase.
	ErrNotRunning = errors.New("scheduler is not running")
	// ErrEvaluationInFlight is returned by ExecuteNow while the monitor is
	// already being evaluated.
	ErrEvaluationInFlight = errors.New("evaluation already in flight")
	// ErrMaintenance is returned by ExecuteNow inside a maintenance window,
	// where no state transitions may happen.
	ErrMaintenance = errors.New("monitor is in a maintenance window")
)

// Lifecycle phases, serialized by Scheduler.mu.
type lifecycle string

const (
	lifecycleStopped  lifecycle = "stopped"
	lifecycleStarting lifecycle = "starting"
	lifecycleRunning  lifecycle = "running"
	lifecycleStopping lifecycle = "stopping"
)

// Dispatch outcomes recorded per due monitor.
const (
	OutcomeExecuted           = "executed"
	OutcomeSkippedMaintenance = "skipped_maintenance"
	OutcomeSkippedInFlight    = "skipped_in_flight"
	OutcomeSkippedQueueFull   = "skipped_queue_full"
)

// DueResult is the dispatch decision for one due monitor.
type DueResult struct {
	MonitorID uuid.UUID `json:"monitor_id"`
	Name      string    `json:"name"`
	Outcome   string    `json:"outcome"`
}

// DueSummary is what one ExecuteDue pass did. Executed counts monitors
// handed to the worker pool; their evaluations complete asynchronously.
type DueSummary struct {
	Total    int         `json:"total"`
	Executed int         `json:"executed"`
	Skipped  int         `json:"skipped"`
	Results  []DueResult `json:"results"`
}

// ExecuteResult is the outcome of a one-shot evaluation.
type ExecuteResult struct {
	Status  models.SampleStatus `json:"status"`
	Success bool                `json:"success"`
	Message string              `json:"message"`
}

// Scheduler owns the tick loop and the evaluation worker pool. Exactly one
// instance exists per process; construct it through GetScheduler.
type Scheduler struct {
	repo      repository.Repository
	probes    *probe.Registry
	evaluator *Evaluator
	hub       *channels.EventChannels
	cfg       *config.Config
	clock     clock.WithTicker
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu        sync.Mutex
	phase     lifecycle
	startedAt time.Time
	stoppedAt time.Time
	pipeline  *channels.EvalPipeline
	cancel    context.CancelFunc
	done      chan struct{}

	// loopWG tracks the tick loop and sweeps (the only enqueuers); workWG
	// tracks the workers. Stop drains them in that order so nothing
	// enqueues into a closed pipeline.
	loopWG sync.WaitGroup
	workWG sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[uuid.UUID]struct{}
}

var (
	schedulerOnce sync.Once
	scheduler     *Scheduler
)

// GetScheduler returns the process-wide scheduler, constructing it on the
// first call. Later calls return the same instance regardless of arguments.
func GetScheduler(repo repository.Repository, probes *probe.Registry, eval *Evaluator, hub *channels.EventChannels, cfg *config.Config, clk clock.WithTicker, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	schedulerOnce.Do(func() {
		scheduler = newScheduler(repo, probes, eval, hub, cfg, clk, m, logger)
	})
	return scheduler
}

func newScheduler(repo repository.Repository, probes *probe.Registry, eval *Evaluator, hub *channels.EventChannels, cfg *config.Config, clk clock.WithTicker, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		repo:      repo,
		probes:    probes,
		evaluator: eval,
		hub:       hub,
		cfg:       cfg,
		clock:     clk,
		metrics:   m,
		logger:    logger.With("component", "scheduler"),
		phase:     lifecycleStopped,
		inflight:  make(map[uuid.UUID]struct{}),
	}
}

// Start begins issuing ticks. Fails unless the scheduler is stopped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != lifecycleStopped {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.phase = lifecycleStarting
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "scheduler starting",
		"tick_interval", s.cfg.Scheduler.TickInterval().String(),
		"workers", s.workers())

	// Rebuild state rows lost to a crash before the first tick runs.
	if err := s.recoverStates(ctx); err != nil {
		s.logger.WarnContext(ctx, "state recovery incomplete", "error", err)
	}

	// The loop outlives the Start caller's request context.
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	pipeline := channels.NewEvalPipeline(channels.EvalPipelineConfig{QueueSize: s.workers()})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.pipeline = pipeline
	s.startedAt = s.clock.Now()
	s.phase = lifecycleRunning
	s.mu.Unlock()

	for i := 0; i < s.workers(); i++ {
		s.workWG.Add(1)
		go s.worker(runCtx, pipeline)
	}
	s.loopWG.Add(1)
	go s.run(runCtx, done)
	s.loopWG.Add(1)
	go s.retentionSweep(runCtx, done)
	s.loopWG.Add(1)
	go s.reminderSweep(runCtx, done)
	s.loopWG.Add(1)
	go s.escalationSweep(runCtx, done)

	s.metrics.SchedulerRunning.Set(1)
	s.logger.InfoContext(ctx, "scheduler started")
	return nil
}

// Stop stops issuing ticks, lets in-flight evaluations finish within the
// shutdown grace, then cancels them. Blocks until the pool is drained.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != lifecycleRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.phase = lifecycleStopping
	done := s.done
	pipeline := s.pipeline
	cancel := s.cancel
	s.mu.Unlock()

	grace := s.cfg.Scheduler.ShutdownGrace()
	s.logger.InfoContext(ctx, "scheduler stopping", "grace", grace.String())

	close(done)
	s.loopWG.Wait()
	pipeline.Close()

	drained := make(chan struct{})
	go func() {
		s.workWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-s.clock.After(grace):
		s.logger.WarnContext(ctx, "shutdown grace elapsed, cancelling in-flight evaluations")
		cancel()
		<-drained
	}
	cancel()

	s.mu.Lock()
	s.phase = lifecycleStopped
	s.stoppedAt = s.clock.Now()
	s.pipeline = nil
	s.mu.Unlock()

	s.metrics.SchedulerRunning.Set(0)
	s.logger.InfoContext(ctx, "scheduler stopped")
	return nil
}

// IsRunning reports whether the scheduler is in the running phase.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == lifecycleRunning
}

// StartedAt returns when the current run began, zero if never started.
func (s *Scheduler) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// StoppedAt returns when the last run ended, zero if never stopped.
func (s *Scheduler) StoppedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppedAt
}

// run is the tick loop. Repository failures fail the tick, never the
// scheduler; an unreachable store adds a backoff pause.
func (s *Scheduler) run(ctx context.Context, done <-chan struct{}) {
	defer s.loopWG.Done()

	ticker := s.clock.NewTicker(s.cfg.Scheduler.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := s.ExecuteDue(ctx); err != nil {
				s.metrics.TicksFailed.Inc()
				s.logger.ErrorContext(ctx, "tick failed", "error", err)
				if errors.Is(err, repository.ErrUnavailable) {
					select {
					case <-done:
						return
					case <-ctx.Done():
						return
					case <-s.clock.After(repoBackoff):
					}
				}
			}
		}
	}
}

// ExecuteDue loads the monitors due right now and hands them to the worker
// pool. Monitors inside a maintenance window, already being evaluated, or
// not fitting the queue are skipped; skipped monitors re-qualify on the
// next tick because last_check_time does not advance.
func (s *Scheduler) ExecuteDue(ctx context.Context) (*DueSummary, error) {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return nil, ErrNotRunning
	}

	s.metrics.TicksTotal.Inc()
	now := s.clock.Now()

	due, err := s.repo.ListDueMonitors(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list due monitors: %w", err)
	}

	summary := &DueSummary{Total: len(due), Results: make([]DueResult, 0, len(due))}
	for _, mon := range due {
		outcome := s.dispatch(pipeline, mon, now)
		summary.Results = append(summary.Results, DueResult{MonitorID: mon.ID, Name: mon.Name, Outcome: outcome})
		if outcome == OutcomeExecuted {
			summary.Executed++
		} else {
			summary.Skipped++
			s.metrics.ChecksSkipped.WithLabelValues(strings.TrimPrefix(outcome, "skipped_")).Inc()
		}
	}

	if summary.Total > 0 {
		s.logger.InfoContext(ctx, "tick dispatched",
			"total", summary.Total, "executed", summary.Executed, "skipped", summary.Skipped)
	}
	return summary, nil
}

func (s *Scheduler) dispatch(pipeline *channels.EvalPipeline, mon *models.Monitor, now time.Time) string {
	if mon.InMaintenance(now) {
		return OutcomeSkippedMaintenance
	}
	if !s.tryAcquire(mon.ID) {
		return OutcomeSkippedInFlight
	}
	if !pipeline.TryEnqueue(channels.EvalTask{Monitor: mon, Jitter: s.jitter()}) {
		s.release(mon.ID)
		return OutcomeSkippedQueueFull
	}
	return OutcomeExecuted
}

// ExecuteNow runs a single out-of-band evaluation for the monitor,
// bypassing its due time but honoring the per-monitor single-flight rule.
// Rejected unless the scheduler is running.
func (s *Scheduler) ExecuteNow(ctx context.Context, monitorID uuid.UUID) (*ExecuteResult, error) {
	if !s.IsRunning() {
		return nil, ErrNotRunning
	}
	mon, err := s.repo.GetMonitor(ctx, monitorID)
	if err != nil {
		return nil, fmt.Errorf("load monitor: %w", err)
	}
	if mon.InMaintenance(s.clock.Now()) {
		return nil, fmt.Errorf("monitor %s: %w", mon.Name, ErrMaintenance)
	}
	if !s.tryAcquire(mon.ID) {
		return nil, fmt.Errorf("monitor %s: %w", mon.Name, ErrEvaluationInFlight)
	}
	defer s.release(mon.ID)

	sample, err := s.evaluate(ctx, mon)
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{
		Status:  sample.Status,
		Success: sample.Status == models.StatusOK,
		Message: executeMessage(sample),
	}, nil
}

func (s *Scheduler) worker(ctx context.Context, pipeline *channels.EvalPipeline) {
	defer s.workWG.Done()
	for task := range pipeline.Tasks {
		s.runTask(ctx, task)
	}
}

// runTask waits out the jitter, probes, and evaluates. The in-flight slot
// is held across probe plus transition so per-monitor work never overlaps.
func (s *Scheduler) runTask(ctx context.Context, task channels.EvalTask) {
	mon := task.Monitor
	defer s.release(mon.ID)

	if task.Jitter > 0 {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(task.Jitter):
		}
	}

	if _, err := s.evaluate(ctx, mon); err != nil {
		s.logger.ErrorContext(ctx, "evaluation failed",
			"monitor_id", mon.ID, "monitor", mon.Name, "error", err)
	}
}

// evaluate runs the probe and folds the sample into the state machine.
func (s *Scheduler) evaluate(ctx context.Context, mon *models.Monitor) (*models.Sample, error) {
	started := s.clock.Now()
	sample := s.probes.Execute(ctx, mon)
	s.metrics.ProbeDuration.WithLabelValues(string(mon.Type)).Observe(s.clock.Since(started).Seconds())
	if sample.Status == models.StatusError {
		kind, _ := sample.Metadata.String(probe.MetaErrorKind)
		s.metrics.ProbeErrors.WithLabelValues(string(mon.Type), kind).Inc()
	}

	if err := s.evaluator.Evaluate(ctx, mon, sample); err != nil {
		return nil, err
	}
	s.metrics.ChecksExecuted.Inc()
	return sample, nil
}

// recoverStates rebuilds any state rows missing after a crash.
func (s *Scheduler) recoverStates(ctx context.Context) error {
	monitors, err := s.repo.ListMonitors(ctx)
	if err != nil {
		return fmt.Errorf("list monitors: %w", err)
	}
	var rebuilt int
	for _, mon := range monitors {
		ok, err := s.evaluator.RecomputeState(ctx, mon)
		if err != nil {
			return fmt.Errorf("recompute state for %s: %w", mon.Name, err)
		}
		if ok {
			rebuilt++
		}
	}
	if rebuilt > 0 {
		s.logger.InfoContext(ctx, "recovered monitor states", "count", rebuilt)
	}
	return nil
}

// tryAcquire claims the monitor's single evaluation slot.
func (s *Scheduler) tryAcquire(id uuid.UUID) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id uuid.UUID) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// jitter picks a random pre-dispatch delay up to the configured ceiling.
func (s *Scheduler) jitter() time.Duration {
	ceiling := s.cfg.Scheduler.JitterMax()
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

func (s *Scheduler) workers() int {
	if s.cfg.Scheduler.WorkerPoolSize < 1 {
		return 1
	}
	return s.cfg.Scheduler.WorkerPoolSize
}

func executeMessage(sample *models.Sample) string {
	if sample.Status == models.StatusError {
		return sample.ErrorMessage
	}
	if msg, ok := sample.Metadata.String(probe.MetaMessage); ok && msg != "" {
		return msg
	}
	if sample.Value != nil {
		return fmt.Sprintf("check %s: value=%s", sample.Status, formatValue(sample.Value))
	}
	return "check " + string(sample.Status)
}
