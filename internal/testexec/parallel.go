package testexec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/kiln/internal/actor"
	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/metrics"
	"github.com/mattjoyce/kiln/internal/stoppable"
)

var (
	errNotStarted = errors.New("parallel processor not started")
	errStopped    = errors.New("parallel processor stopped")
)

const (
	workerActorPrefix = "test-worker"
	resultActorName   = "test-results"
)

type workerSlot struct {
	name      string
	processor Processor
	actor     *actor.Actor
}

// ParallelProcessor fans test classes out across at most maxProcessors
// workers. Workers are created lazily; once the limit is reached classes are
// assigned round robin. Every worker reports to one shared result actor.
type ParallelProcessor struct {
	maxProcessors int
	factory       ProcessorFactory
	actors        actor.Factory
	logger        *slog.Logger
	metrics       metrics.Recorder
	onSpawn       func(worker string)

	mu          sync.Mutex
	slots       []workerSlot
	cursor      int
	resultActor *actor.Actor
	results     ResultProcessor
	stopped     bool
}

// ParallelOption configures a ParallelProcessor.
type ParallelOption func(*ParallelProcessor)

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(l *slog.Logger) ParallelOption {
	return func(p *ParallelProcessor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPoolMetrics sets the recorder for pool size and dispatch counts.
func WithPoolMetrics(r metrics.Recorder) ParallelOption {
	return func(p *ParallelProcessor) {
		p.metrics = metrics.OrNoop(r)
	}
}

// OnWorkerSpawned registers fn to be called with the name of each new worker.
func OnWorkerSpawned(fn func(worker string)) ParallelOption {
	return func(p *ParallelProcessor) {
		p.onSpawn = fn
	}
}

// NewParallelProcessor creates a pool of at most maxProcessors workers.
func NewParallelProcessor(maxProcessors int, factory ProcessorFactory, actors actor.Factory, opts ...ParallelOption) (*ParallelProcessor, error) {
	if maxProcessors < 1 {
		return nil, fmt.Errorf("max processors must be at least 1, got %d", maxProcessors)
	}
	if factory == nil {
		return nil, errors.New("processor factory is required")
	}
	if actors == nil {
		return nil, errors.New("actor factory is required")
	}
	p := &ParallelProcessor{
		maxProcessors: maxProcessors,
		factory:       factory,
		actors:        actors,
		logger:        log.WithComponent("pool"),
		metrics:       metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// StartProcessing wraps results in an actor shared by every worker.
func (p *ParallelProcessor) StartProcessing(results ResultProcessor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errStopped
	}
	if p.resultActor != nil {
		return errors.New("parallel processor already started")
	}
	p.resultActor = p.actors.CreateActor(resultActorName, ResultHandler(results, nil))
	p.results = NewResultProxy(p.resultActor)
	return nil
}

// ProcessTestClass hands tc to a worker without waiting for it to run.
func (p *ParallelProcessor) ProcessTestClass(tc TestClassRunInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errStopped
	}
	if p.results == nil {
		return errNotStarted
	}

	var slot workerSlot
	if len(p.slots) < p.maxProcessors {
		var err error
		slot, err = p.spawnLocked()
		if err != nil {
			return err
		}
	} else {
		slot = p.slots[p.cursor]
		p.cursor = (p.cursor + 1) % len(p.slots)
	}

	if err := slot.processor.ProcessTestClass(tc); err != nil {
		return fmt.Errorf("dispatch %s to %s: %w", tc.Class, slot.name, err)
	}
	p.metrics.IncUnitsDispatched()
	p.logger.Debug("test class dispatched", "class", tc.Class, "worker", slot.name)
	return nil
}

func (p *ParallelProcessor) spawnLocked() (workerSlot, error) {
	name := fmt.Sprintf("%s-%d", workerActorPrefix, len(p.slots)+1)
	target := p.factory.Create()
	a := p.actors.CreateActor(name, ProcessorHandler(target))
	slot := workerSlot{name: name, processor: NewProcessorProxy(a), actor: a}
	p.slots = append(p.slots, slot)
	p.metrics.SetPoolWorkers(len(p.slots))

	if err := slot.processor.StartProcessing(p.results); err != nil {
		return slot, fmt.Errorf("start %s: %w", name, err)
	}
	p.logger.Info("worker spawned", "worker", name, "workers", len(p.slots), "max", p.maxProcessors)
	if p.onSpawn != nil {
		p.onSpawn(name)
	}
	return slot, nil
}

// Workers returns the number of workers created so far.
func (p *ParallelProcessor) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Stop asks every worker to stop, waits for each worker actor to drain, then
// stops the result actor. Failures from every step are collected.
func (p *ParallelProcessor) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	slots := append([]workerSlot(nil), p.slots...)
	resultActor := p.resultActor
	p.mu.Unlock()

	var g stoppable.Group
	for _, s := range slots {
		g.Add(s.name+" processor", s.processor)
	}
	for _, s := range slots {
		g.Add(s.name, s.actor)
	}
	if resultActor != nil {
		g.Add(resultActor.Name(), resultActor)
	}

	err := g.Stop()
	p.metrics.SetPoolWorkers(0)
	if err != nil {
		p.logger.Warn("pool stopped with failures", "error", err)
	} else {
		p.logger.Debug("pool stopped", "workers", len(slots))
	}
	return err
}
