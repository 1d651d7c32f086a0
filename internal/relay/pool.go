package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"e2ee-relay/pkg/constants"
	"e2ee-relay/pkg/metrics"
)

// ErrPoolClosed is returned by Submit after Stop
var ErrPoolClosed = errors.New("worker pool is stopped")

// PacketHandler processes one raw inbound packet
type PacketHandler func(ctx context.Context, raw []byte)

// Pool is a fixed set of workers reading from a bounded queue. Submit blocks
// while the queue is full.
type Pool struct {
	workers int
	queue   chan []byte
	handler PacketHandler
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool. Non-positive sizes fall back to the defaults.
func NewPool(workers, queueSize int, handler PacketHandler, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = constants.DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = constants.DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		workers: workers,
		queue:   make(chan []byte, queueSize),
		handler: handler,
		log:     log,
	}
}

// Start launches the workers. Packets are processed with a context that
// keeps ctx's values but not its cancellation, so queued packets still
// complete during shutdown.
func (p *Pool) Start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(base, i)
	}
	p.log.Info("Worker pool started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.queue)))
}

// Submit queues raw for processing
func (p *Pool) Submit(ctx context.Context, raw []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- raw:
		metrics.RelayQueueLength.Set(float64(len(p.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new packets, drains the queue and waits for the workers
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("Worker pool stopped")
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for raw := range p.queue {
		metrics.RelayQueueLength.Set(float64(len(p.queue)))
		p.process(ctx, id, raw)
	}
}

func (p *Pool) process(ctx context.Context, id int, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RelayWorkerPanicTotal.Inc()
			p.log.Error("Recovered from panic while processing packet",
				zap.Int("worker", id),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"))
		}
	}()
	p.handler(ctx, raw)
}
