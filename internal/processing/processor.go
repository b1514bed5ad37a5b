// Package processing runs rendition warm-ups on an in-process goroutine pool
// when no Redis queue is configured.
package processing

import (
	"context"
	"errors"
	"log/slog"
)

// ErrQueueFull is returned when the pool cannot take more work.
var ErrQueueFull = errors.New("warm queue full")

// Warmer performs one warm-up.
type Warmer interface {
	Warm(ctx context.Context, url string) error
}

// Pool consumes warm jobs with a fixed number of workers.
type Pool struct {
	warmer  Warmer
	queue   chan string
	workers int
	logger  *slog.Logger
}

// New builds a Pool with queue capacity tied to worker count.
func New(warmer Warmer, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		warmer:  warmer,
		queue:   make(chan string, workers*4),
		workers: workers,
		logger:  logger,
	}
}

// Start launches worker goroutines. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}
}

// EnqueueWarm queues url without blocking.
func (p *Pool) EnqueueWarm(_ context.Context, url string) error {
	select {
	case p.queue <- url:
		return nil
	default:
		p.logger.Warn("warm queue full, dropping job", "url", url)
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case url := <-p.queue:
			if err := p.warmer.Warm(ctx, url); err != nil {
				p.logger.Warn("warm failed", "url", url, "error", err)
			}
		}
	}
}
