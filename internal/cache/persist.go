package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Store is durable key-value storage for cache snapshots.
type Store interface {
	// Put upserts the value stored under key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Scan calls fn for every key starting with prefix.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
}

const persistTimeout = 5 * time.Second

type opKind int

const (
	opPut opKind = iota
	opDelete
	opDeletePrefix
	opBarrier
)

type persistOp struct {
	kind opKind
	key  string
	data []byte
	done chan struct{}
}

// persister applies queued writes in order on a single goroutine so callers
// of Set never wait on storage.
type persister struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	queue  []persistOp
	closed bool

	notify  chan struct{}
	quit    chan struct{}
	stopped chan struct{}
}

func newPersister(store Store, logger *slog.Logger) *persister {
	p := &persister{
		store:   store,
		logger:  logger,
		notify:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) enqueue(op persistOp) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if op.done != nil {
			close(op.done)
		}
		return
	}
	p.queue = append(p.queue, op)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *persister) flush(ctx context.Context) error {
	done := make(chan struct{})
	p.enqueue(persistOp{kind: opBarrier, done: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *persister) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.quit)
	<-p.stopped
}

func (p *persister) run() {
	defer close(p.stopped)
	for {
		select {
		case <-p.notify:
			p.drain()
		case <-p.quit:
			p.drain()
			return
		}
	}
}

func (p *persister) drain() {
	for {
		p.mu.Lock()
		ops := p.queue
		p.queue = nil
		p.mu.Unlock()

		if len(ops) == 0 {
			return
		}
		for _, op := range ops {
			p.apply(op)
		}
	}
}

func (p *persister) apply(op persistOp) {
	if op.kind == opBarrier {
		close(op.done)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var err error
	switch op.kind {
	case opPut:
		err = p.store.Put(ctx, op.key, op.data)
	case opDelete:
		err = p.store.Delete(ctx, op.key)
	case opDeletePrefix:
		err = p.store.DeletePrefix(ctx, op.key)
	}
	if err != nil {
		p.logger.Error("cache persistence failed", "key", op.key, "error", err)
	}
}
