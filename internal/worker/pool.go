package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyScheduled is returned when a job is queued or running already.
	ErrAlreadyScheduled = errors.New("job already scheduled")
	// ErrPoolStopped is returned by Enqueue after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")
)

// Handler executes one job
type Handler func(ctx context.Context, jobID string) error

// Stats is a snapshot of the pool
type Stats struct {
	Slots   int `json:"slots"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Pool runs jobs from a FIFO queue on a fixed number of slots. A job id is
// queued or running at most once at a time.
type Pool struct {
	slots int
	log   zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []string
	active  map[string]bool
	running int
	stopped bool

	wg sync.WaitGroup
}

// NewPool creates a pool with the given number of worker slots
func NewPool(slots int, log zerolog.Logger) *Pool {
	if slots < 1 {
		slots = 1
	}
	p := &Pool{
		slots:  slots,
		active: make(map[string]bool),
		log:    log.With().Str("component", "worker_pool").Logger(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Enqueue appends a job to the queue. It never blocks on execution.
func (p *Pool) Enqueue(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if p.active[jobID] {
		return ErrAlreadyScheduled
	}
	p.active[jobID] = true
	p.queue = append(p.queue, jobID)
	p.cond.Signal()
	return nil
}

// Start launches the workers
func (p *Pool) Start(ctx context.Context, handler Handler) {
	for i := 0; i < p.slots; i++ {
		p.wg.Add(1)
		go p.work(ctx, i, handler)
	}
	p.log.Info().Int("slots", p.slots).Msg("worker pool started")
}

func (p *Pool) work(ctx context.Context, slot int, handler Handler) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		jobID := p.queue[0]
		p.queue = p.queue[1:]
		p.running++
		p.mu.Unlock()

		p.log.Debug().Int("slot", slot).Str("job_id", jobID).Msg("job picked up")
		if err := handler(ctx, jobID); err != nil {
			p.log.Error().Err(err).Str("job_id", jobID).Msg("job handler failed")
		}

		p.mu.Lock()
		p.running--
		delete(p.active, jobID)
		p.mu.Unlock()
	}
}

// Stop stops taking jobs from the queue and waits for running jobs to
// finish or ctx to end. Queued jobs stay pending in the job store.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns queue and slot usage
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Slots: p.slots, Queued: len(p.queue), Running: p.running}
}
