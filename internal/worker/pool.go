package worker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Pool runs several processors against the same queue. The queue's atomic claim is the only
// coordination between them.
type Pool struct {
	processors []*Processor
}

// NewPool builds size processors through newProcessor, which receives each slot's worker id.
func NewPool(size int, workerID string, newProcessor func(id string) *Processor) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{processors: make([]*Processor, size)}
	for i := range p.processors {
		p.processors[i] = newProcessor(fmt.Sprintf("%s-%d", workerID, i))
	}
	return p
}

// Size returns the number of processors.
func (p *Pool) Size() int { return len(p.processors) }

// Run blocks until ctx is cancelled. A cancelled context is a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, proc := range p.processors {
		g.Go(func() error { return proc.Run(ctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
