package collcomm

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// RunLocal runs f for size ranks, each in its own
// Goroutine, connected by in-process queues.
//
// If any rank returns an error, the context passed to the
// other ranks is canceled and blocked receives fail, so
// RunLocal returns instead of hanging. The first error is
// returned.
func RunLocal(ctx context.Context, size int, f func(ctx context.Context, c *Comms) error) error {
	if size <= 0 {
		return errors.Errorf("invalid world size %d", size)
	}
	g, ctx := errgroup.WithContext(ctx)
	boxes := make([]*inbox, size)
	for i := range boxes {
		boxes[i] = &inbox{notify: make(chan struct{}, 1)}
	}
	for i := 0; i < size; i++ {
		link := &localLink{ctx: ctx, rank: i, boxes: boxes}
		g.Go(func() error {
			return f(ctx, NewComms(link))
		})
	}
	return g.Wait()
}

// inbox is an unbounded queue with a single consumer.
type inbox struct {
	lock   sync.Mutex
	queue  []*Packet
	notify chan struct{}
}

func (i *inbox) push(p *Packet) {
	i.lock.Lock()
	i.queue = append(i.queue, p)
	i.lock.Unlock()
	select {
	case i.notify <- struct{}{}:
	default:
	}
}

func (i *inbox) pop(ctx context.Context) (*Packet, error) {
	for {
		i.lock.Lock()
		if len(i.queue) > 0 {
			p := i.queue[0]
			i.queue[0] = nil
			i.queue = i.queue[1:]
			i.lock.Unlock()
			return p, nil
		}
		i.lock.Unlock()
		select {
		case <-i.notify:
		case <-ctx.Done():
			return nil, errors.Wrap(context.Cause(ctx), "local link closed")
		}
	}
}

type localLink struct {
	ctx   context.Context
	rank  int
	boxes []*inbox
}

func (l *localLink) Rank() int {
	return l.rank
}

func (l *localLink) Size() int {
	return len(l.boxes)
}

func (l *localLink) Send(packets ...*Packet) error {
	if err := l.ctx.Err(); err != nil {
		return errors.Wrap(err, "local link closed")
	}
	for _, p := range packets {
		if p.Dst < 0 || p.Dst >= len(l.boxes) {
			return errors.Errorf("no rank %d", p.Dst)
		}
		l.boxes[p.Dst].push(p)
	}
	return nil
}

func (l *localLink) Recv() (*Packet, error) {
	return l.boxes[l.rank].pop(l.ctx)
}

func (l *localLink) Compute(flops int) {}
