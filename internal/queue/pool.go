package queue

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// JobRunner runs one item to completion.
type JobRunner interface {
	Run(ctx context.Context, id string)
}

// Submitter accepts item ids for dispatch.
type Submitter interface {
	Submit(id string)
}

// PoolStats is a snapshot of the pool.
type PoolStats struct {
	Capacity int `json:"capacity"`
	Active   int `json:"active"`
	Pending  int `json:"pending"`
}

// Pool dispatches submitted ids to at most maxConcurrent concurrent runs.
// A run holds its permit for the whole job, retries and backoff included.
type Pool struct {
	runner   JobRunner
	capacity int
	sem      *semaphore.Weighted

	mu       sync.Mutex
	intake   []string
	active   map[string]struct{}
	resubmit map[string]struct{}
	wake     chan struct{}

	tasks    sync.WaitGroup
	loopDone chan struct{}
}

func NewPool(runner JobRunner, maxConcurrent int) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Pool{
		runner:   runner,
		capacity: maxConcurrent,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		active:   make(map[string]struct{}),
		resubmit: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
}

// Submit queues id for dispatch. It never blocks.
func (p *Pool) Submit(id string) {
	p.mu.Lock()
	p.intake = append(p.intake, id)
	p.mu.Unlock()
	p.signal()
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start runs the reconciler (if any) and then starts dispatching. Ids
// submitted before Start are held until reconciliation has finished.
func (p *Pool) Start(ctx context.Context, rc *Reconciler) {
	if rc != nil {
		rc.Reconcile(ctx, p)
	}
	go p.loop(ctx)
}

// Wait blocks until the dispatch loop and all running jobs have returned.
// It only returns after the context given to Start is done.
func (p *Pool) Wait() {
	<-p.loopDone
	p.tasks.Wait()
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Capacity: p.capacity, Active: len(p.active), Pending: len(p.intake)}
}

func (p *Pool) pop() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.intake) == 0 {
		return "", false
	}
	id := p.intake[0]
	p.intake[0] = ""
	p.intake = p.intake[1:]
	return id, true
}

func (p *Pool) loop(ctx context.Context) {
	defer close(p.loopDone)
	for {
		if ctx.Err() != nil {
			return
		}
		id, ok := p.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}

		p.mu.Lock()
		if _, busy := p.active[id]; busy {
			p.resubmit[id] = struct{}{}
			p.mu.Unlock()
			continue
		}
		p.mu.Unlock()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		p.mu.Lock()
		p.active[id] = struct{}{}
		p.mu.Unlock()
		p.tasks.Add(1)
		go p.run(ctx, id)
	}
}

func (p *Pool) run(ctx context.Context, id string) {
	defer p.tasks.Done()
	defer p.finish(id)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("id", id).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
		}
	}()
	p.runner.Run(ctx, id)
}

func (p *Pool) finish(id string) {
	p.sem.Release(1)
	p.mu.Lock()
	delete(p.active, id)
	_, again := p.resubmit[id]
	if again {
		delete(p.resubmit, id)
		p.intake = append(p.intake, id)
	}
	p.mu.Unlock()
	if again {
		p.signal()
	}
}
