package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/catid/sphynx/wire"
)

// worker owns a thread-local list of connections, promoted from a shared,
// short-locked newConnections list once per tick. Connections inside a
// worker's local list require no lock: only that worker's tick goroutine
// ever touches them.
type worker struct {
	index int
	log   logr.Logger

	newMu   sync.Mutex
	waiting []*Connection

	local []*Connection
	count atomic.Int32
}

func newWorker(index int, log logr.Logger) *worker {
	return &worker{index: index, log: log}
}

func (w *worker) addNewConnection(c *Connection) {
	w.newMu.Lock()
	w.waiting = append(w.waiting, c)
	w.newMu.Unlock()
	w.count.Add(1)
}

func (w *worker) connectionCount() int {
	return int(w.count.Load())
}

func (w *worker) promoteNewConnections() {
	w.newMu.Lock()
	if len(w.waiting) == 0 {
		w.newMu.Unlock()
		return
	}
	promoted := w.waiting
	w.waiting = nil
	w.newMu.Unlock()

	w.local = append(w.local, promoted...)
}

func (w *worker) run(ctx context.Context) {
	pinWorkerAffinity(w.index)

	ticker := time.NewTicker(wire.ServerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.tick(now)
		}
	}
}

func (w *worker) tick(now time.Time) {
	w.promoteNewConnections()

	live := w.local[:0]
	for _, c := range w.local {
		if c.onTick(now) {
			live = append(live, c)
		} else {
			w.count.Add(-1)
		}
	}
	w.local = live
}

// workerPool is the fixed set of workers a Server load-balances new
// connections across by least-loaded connection count.
type workerPool struct {
	workers []*worker
}

func newWorkerPool(count int, log logr.Logger) *workerPool {
	p := &workerPool{workers: make([]*worker, count)}
	for i := range p.workers {
		p.workers[i] = newWorker(i, log)
	}
	return p
}

func (p *workerPool) start(ctx context.Context, g *errgroup.Group) {
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			w.run(ctx)
			return nil
		})
	}
}

func (p *workerPool) leastLoaded() *worker {
	best := p.workers[0]
	bestCount := best.connectionCount()
	for _, w := range p.workers[1:] {
		if n := w.connectionCount(); n < bestCount {
			best, bestCount = w, n
		}
	}
	return best
}
