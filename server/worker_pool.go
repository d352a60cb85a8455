package server

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ojp-io/ojp/wire"
)

// WorkerPoolConfig sizes the dispatch worker pool.
type WorkerPoolConfig struct {
	WorkerCount int
	QueueSize   int
	Timeout     time.Duration
}

// MessageTask is one unit of dispatch work: a wire.Envelope plus a reply
// callback bound to the AMQP correlation/reply-to pair that produced it.
type MessageTask struct {
	Envelope   wire.Envelope
	CorrID     string
	ReplyTo    string
	Reply      func(corrID, replyTo string, result wire.OpResult, final bool)
	EnqueuedAt time.Time
}

// WorkerPoolStats is a point-in-time snapshot of pool counters.
type WorkerPoolStats struct {
	WorkerCount     int
	QueueCapacity   int
	QueueDepth      int
	TasksProcessed  int64
	TasksDropped    int64
	PanicsRecovered int64
}

// WorkerPool runs a fixed goroutine pool consuming MessageTasks from a
// bounded channel, with panic recovery around every dispatch.
type WorkerPool struct {
	cfg      WorkerPoolConfig
	tasks    chan MessageTask
	dispatch func(ctx context.Context, t MessageTask)

	wg      sync.WaitGroup
	stopCh  chan struct{}
	started bool
	mu      sync.Mutex

	processed int64
	dropped   int64
	panics    int64
}

// NewWorkerPool constructs a pool that calls dispatch for every task it
// pulls off the queue, with panic recovery around each call.
func NewWorkerPool(cfg WorkerPoolConfig, dispatch func(ctx context.Context, t MessageTask)) *WorkerPool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 25
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &WorkerPool{
		cfg:      cfg,
		tasks:    make(chan MessageTask, cfg.QueueSize),
		dispatch: dispatch,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop signals all workers to drain the queue and exit, then waits.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	close(p.stopCh)
	p.wg.Wait()
}

// SubmitTask enqueues a task. Returns false if the queue is full, in which
// case the caller is responsible for replying with a busy/overload error.
func (p *WorkerPool) SubmitTask(t MessageTask) bool {
	t.EnqueuedAt = time.Now()
	select {
	case p.tasks <- t:
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		return false
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			for {
				select {
				case t := <-p.tasks:
					p.processTask(t)
				default:
					return
				}
			}
		case t := <-p.tasks:
			p.processTask(t)
		}
	}
}

func (p *WorkerPool) processTask(t MessageTask) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.panics, 1)
			log.Printf("ojp: worker recovered from panic processing action %q: %v", t.Envelope.Action, r)
			if t.Reply != nil {
				t.Reply(t.CorrID, t.ReplyTo, wire.OpResult{
					Final: true,
					Error: &wire.ErrorInfo{Kind: "InternalError", Message: "internal server error"},
				}, true)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	p.dispatch(ctx, t)
	atomic.AddInt64(&p.processed, 1)
}

// GetStats returns a point-in-time snapshot of pool counters.
func (p *WorkerPool) GetStats() WorkerPoolStats {
	return WorkerPoolStats{
		WorkerCount:     p.cfg.WorkerCount,
		QueueCapacity:   p.cfg.QueueSize,
		QueueDepth:      len(p.tasks),
		TasksProcessed:  atomic.LoadInt64(&p.processed),
		TasksDropped:    atomic.LoadInt64(&p.dropped),
		PanicsRecovered: atomic.LoadInt64(&p.panics),
	}
}
