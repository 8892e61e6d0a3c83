// Package workerpool runs background tasks on a bounded set of goroutines with a
// bounded queue. Work that does not fit is rejected, never dropped silently.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Task is a unit of background work.
type Task func(ctx context.Context)

// Runner accepts tasks for background execution.
type Runner interface {
	Submit(task Task) error
}

var (
	// ErrRejected is returned when the queue is full and no worker can be added.
	ErrRejected = errors.New("worker pool saturated")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("worker pool closed")
)

// Config sizes a Pool.
type Config struct {
	CoreSize  int           `json:"core_size" toml:"core_size"`
	MaxSize   int           `json:"max_size" toml:"max_size"`
	QueueSize int           `json:"queue_size" toml:"queue_size"`
	KeepAlive time.Duration `json:"keep_alive" toml:"keep_alive"`
}

// DefaultConfig returns the sizes used when nothing is configured.
func DefaultConfig() Config {
	return Config{CoreSize: 4, MaxSize: 8, QueueSize: 100, KeepAlive: time.Minute}
}

func (c Config) normalize() (Config, error) {
	if c.CoreSize < 1 {
		return c, fmt.Errorf("core size must be at least 1, got %d", c.CoreSize)
	}
	if c.MaxSize < c.CoreSize {
		return c, fmt.Errorf("max size %d is below core size %d", c.MaxSize, c.CoreSize)
	}
	if c.QueueSize < 0 {
		return c, fmt.Errorf("queue size must be non-negative, got %d", c.QueueSize)
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = time.Minute
	}
	return c, nil
}

// Pool keeps CoreSize workers alive and grows up to MaxSize when the queue is
// full. Surplus workers exit after KeepAlive without work.
type Pool struct {
	cfg     Config
	queue   chan Task
	surplus *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	active atomic.Int64
}

// New starts a pool.
func New(cfg Config) (*Pool, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		queue:   make(chan Task, cfg.QueueSize),
		surplus: semaphore.NewWeighted(int64(cfg.MaxSize - cfg.CoreSize)),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.CoreSize; i++ {
		p.wg.Add(1)
		go p.coreWorker()
	}
	return p, nil
}

// Submit queues task, starting a surplus worker when the queue is full.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- task:
		return nil
	default:
	}

	if !p.surplus.TryAcquire(1) {
		return ErrRejected
	}
	p.wg.Add(1)
	go p.surplusWorker(task)
	return nil
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}

// Stats reports running and queued task counts.
func (p *Pool) Stats() Stats {
	return Stats{Active: int(p.active.Load()), Queued: len(p.queue)}
}

// abortGrace is how long Shutdown keeps waiting after it cancelled the task
// context, so tasks can record how they ended.
const abortGrace = 5 * time.Second

// Shutdown stops accepting work and waits for queued and running tasks. When ctx
// expires first, the context passed to tasks is cancelled and the remaining
// tasks, queued ones included, get abortGrace to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
	}

	grace := time.NewTimer(abortGrace)
	defer grace.Stop()
	select {
	case <-done:
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	case <-grace.C:
		return fmt.Errorf("worker pool shutdown: %w, %d tasks still running", ctx.Err(), p.active.Load()+int64(len(p.queue)))
	}
}

func (p *Pool) coreWorker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) surplusWorker(first Task) {
	defer p.wg.Done()
	defer p.surplus.Release(1)

	p.run(first)

	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(task)
			idle.Reset(p.cfg.KeepAlive)
		case <-idle.C:
			return
		}
	}
}

func (p *Pool) run(task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[workerpool] task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	task(p.ctx)
}

// Inline runs every task synchronously on the caller's goroutine.
type Inline struct{}

// Submit implements Runner.
func (Inline) Submit(task Task) error {
	task(context.Background())
	return nil
}
