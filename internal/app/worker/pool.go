package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/areahq/area-pipeline/internal/domain/events"
	"github.com/areahq/area-pipeline/internal/domain/execution"
	eventdispatcher "github.com/areahq/area-pipeline/internal/infra/event_dispatcher"
	"github.com/areahq/area-pipeline/internal/logger"
)

// sweepInterval is how often the pool looks for abandoned RUNNING executions.
const sweepInterval = time.Minute

// Metrics defines the counters and gauges the pool reports.
type Metrics interface {
	IncExecutionStarted(ctx context.Context)
	IncExecutionCompleted(ctx context.Context)
	IncExecutionFailed(ctx context.Context)
	IncExecutionCanceled(ctx context.Context)
	IncExecutionTimedOut(ctx context.Context)
	ObserveExecutionDuration(ctx context.Context, d time.Duration)
	IncActiveWorkers(ctx context.Context)
	DecActiveWorkers(ctx context.Context)
}

// Config holds the pool's stream coordinates and sizing.
type Config struct {
	StreamKey    string
	Group        string
	ConsumerName string
	PoolSize     int
	// ExecutionTimeout bounds one reaction execution; RUNNING executions
	// older than this are failed by the sweep.
	ExecutionTimeout time.Duration
}

// Status is a point-in-time snapshot of the pool for operational endpoints.
type Status struct {
	Running   bool      `json:"running"`
	PoolSize  int       `json:"poolSize"`
	Consumers []string  `json:"consumers"`
	StreamKey string    `json:"streamKey"`
	Group     string    `json:"group"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// Pool is a fixed-size set of stream consumers sharing one consumer group.
// The broker's group semantics give each record to exactly one consumer, so
// the pool needs no application-level locking around message ownership.
type Pool struct {
	cfg        Config
	bus        events.EventBus
	executions execution.Store
	executor   ReactionExecutor

	logger     *logger.Logger
	metrics    Metrics
	dispatcher *eventdispatcher.Dispatcher

	running   atomic.Bool
	startedAt time.Time
	consumers []string
}

// NewPool creates an execution worker pool.
func NewPool(
	cfg Config,
	bus events.EventBus,
	executions execution.Store,
	executor ReactionExecutor,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics Metrics,
) (*Pool, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for worker pool")
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.PoolSize)
	}
	if cfg.ExecutionTimeout <= 0 {
		return nil, fmt.Errorf("execution timeout must be positive, got %s", cfg.ExecutionTimeout)
	}

	consumers := make([]string, cfg.PoolSize)
	for i := range consumers {
		consumers[i] = fmt.Sprintf("%s-%d", cfg.ConsumerName, i)
	}

	p := &Pool{
		cfg:        cfg,
		bus:        bus,
		executions: executions,
		executor:   executor,
		logger:     log.With("component", "worker_pool", "group", cfg.Group),
		metrics:    metrics,
		dispatcher: eventdispatcher.New(tracer, log),
		consumers:  consumers,
	}

	ctx := context.Background()
	for _, typ := range []events.EventType{
		events.EventTypeWebhook,
		events.EventTypePoll,
		events.EventTypeCron,
		events.EventTypeManual,
		events.EventTypeChain,
	} {
		p.dispatcher.RegisterHandler(ctx, typ, p.handleEvent)
	}

	return p, nil
}

// Run starts the consumers and the timeout sweep and blocks until the
// context is canceled or a consumer fails terminally.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.bus.EnsureStreamAndGroup(ctx, p.cfg.StreamKey, p.cfg.Group); err != nil {
		return fmt.Errorf("preparing stream: %w", err)
	}

	p.startedAt = time.Now().UTC()
	p.running.Store(true)
	defer p.running.Store(false)

	p.logger.Info(ctx, "starting worker pool",
		"pool_size", p.cfg.PoolSize,
		"stream", p.cfg.StreamKey,
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, consumer := range p.consumers {
		g.Go(func() error {
			err := p.bus.Consume(ctx, p.cfg.StreamKey, p.cfg.Group, consumer, p.dispatch)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consumer %s: %w", consumer, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		p.sweepLoop(ctx)
		return nil
	})

	return g.Wait()
}

// Status returns a snapshot of the pool.
func (p *Pool) Status() Status {
	s := Status{
		Running:   p.running.Load(),
		PoolSize:  p.cfg.PoolSize,
		Consumers: p.consumers,
		StreamKey: p.cfg.StreamKey,
		Group:     p.cfg.Group,
	}
	if s.Running {
		s.StartedAt = p.startedAt
	}
	return s
}

// dispatch routes one consumed event through the type dispatcher. Events of
// an unrecognized type are acknowledged and dropped so they do not wedge the
// consumer group.
func (p *Pool) dispatch(ctx context.Context, evt events.CanonicalEvent, ack events.AckFunc) error {
	err := p.dispatcher.Dispatch(ctx, evt, ack)

	var notFound *eventdispatcher.HandlerNotFoundError
	if errors.As(err, &notFound) {
		p.logger.Warn(ctx, "dropping event with unroutable type",
			"event_type", string(evt.Type),
			"execution_id", evt.ExecutionID.String(),
		)
		return ack(ctx)
	}
	return err
}

// handleEvent drives one consumed event through the execution state machine.
// Redelivered events are detected by the execution's status and acknowledged
// without re-running the reaction.
func (p *Pool) handleEvent(ctx context.Context, evt events.CanonicalEvent, ack events.AckFunc) error {
	exec, err := p.executions.Get(ctx, evt.ExecutionID)
	if errors.Is(err, execution.ErrNotFound) {
		// Synthetic events (test publisher) arrive without a pre-created
		// execution record.
		exec = execution.New(evt.ExecutionID, evt.AreaID, evt.ActionInstanceID)
		if err := p.executions.Create(ctx, exec); err != nil {
			return fmt.Errorf("creating execution %s: %w", evt.ExecutionID, err)
		}
	} else if err != nil {
		return fmt.Errorf("loading execution %s: %w", evt.ExecutionID, err)
	}

	if exec.Status() != execution.StatusQueued {
		p.logger.Info(ctx, "skipping event for non-queued execution",
			"execution_id", exec.ID().String(),
			"status", exec.Status().String(),
		)
		return ack(ctx)
	}

	if err := exec.Start(); err != nil {
		return fmt.Errorf("starting execution %s: %w", exec.ID(), err)
	}
	if err := p.executions.UpdateIf(ctx, exec, execution.StatusQueued); err != nil {
		if errors.Is(err, execution.ErrStatusConflict) {
			// Canceled between the read above and the start write.
			return ack(ctx)
		}
		return fmt.Errorf("persisting execution start %s: %w", exec.ID(), err)
	}
	p.metrics.IncExecutionStarted(ctx)
	p.metrics.IncActiveWorkers(ctx)
	defer p.metrics.DecActiveWorkers(ctx)

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	execErr := p.executor.Execute(execCtx, evt)
	cancel()

	// Cancellation is cooperative: a cancel request lands in the store, and
	// the worker observes it here after the side effect instead of being
	// preempted.
	current, err := p.executions.Get(ctx, exec.ID())
	if err == nil && current.Status() == execution.StatusCanceled {
		p.logger.Info(ctx, "execution canceled while running",
			"execution_id", exec.ID().String(),
			"reason", current.CancelReason(),
		)
		p.metrics.IncExecutionCanceled(ctx)
		return ack(ctx)
	}

	if execErr != nil {
		if err := exec.Fail(); err != nil {
			return fmt.Errorf("failing execution %s: %w", exec.ID(), err)
		}
	} else {
		if err := exec.Complete(); err != nil {
			return fmt.Errorf("completing execution %s: %w", exec.ID(), err)
		}
	}

	// The conditional write closes the window between the cancellation check
	// above and persisting the result: a cancel that lands in between wins
	// and the terminal state is never overwritten.
	if err := p.executions.UpdateIf(ctx, exec, execution.StatusRunning); err != nil {
		if errors.Is(err, execution.ErrStatusConflict) {
			return p.ackSuperseded(ctx, exec.ID(), ack)
		}
		return fmt.Errorf("persisting execution result %s: %w", exec.ID(), err)
	}

	if execErr != nil {
		p.metrics.IncExecutionFailed(ctx)
		p.logger.Error(ctx, "execution failed",
			"execution_id", exec.ID().String(),
			"error", execErr,
		)
	} else {
		p.metrics.IncExecutionCompleted(ctx)
	}
	p.metrics.ObserveExecutionDuration(ctx, exec.FinishedAt().Sub(exec.StartedAt()))

	return ack(ctx)
}

// ackSuperseded handles a result write that lost to a concurrent transition.
// For a RUNNING execution the only legal concurrent transition is
// cancellation, so the canceled outcome is recorded and the event
// acknowledged.
func (p *Pool) ackSuperseded(ctx context.Context, id uuid.UUID, ack events.AckFunc) error {
	current, err := p.executions.Get(ctx, id)
	if err == nil && current.Status() == execution.StatusCanceled {
		p.logger.Info(ctx, "execution canceled while running",
			"execution_id", id.String(),
			"reason", current.CancelReason(),
		)
		p.metrics.IncExecutionCanceled(ctx)
	}
	return ack(ctx)
}

// sweepLoop periodically fails RUNNING executions whose worker disappeared
// without reaching a terminal state.
func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.cfg.ExecutionTimeout)
	stale, err := p.executions.ListRunningBefore(ctx, cutoff)
	if err != nil {
		p.logger.Error(ctx, "timeout sweep failed", "error", err)
		return
	}

	for _, exec := range stale {
		if err := exec.Fail(); err != nil {
			continue
		}
		if err := p.executions.UpdateIf(ctx, exec, execution.StatusRunning); err != nil {
			if errors.Is(err, execution.ErrStatusConflict) {
				continue
			}
			p.logger.Error(ctx, "failed to persist timed out execution",
				"execution_id", exec.ID().String(),
				"error", err,
			)
			continue
		}
		p.metrics.IncExecutionTimedOut(ctx)
		p.logger.Warn(ctx, "failed execution after timeout",
			"execution_id", exec.ID().String(),
			"started_at", exec.StartedAt(),
		)
	}
}
