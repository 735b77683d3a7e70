package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
)

// SenderPool hands out one long-lived Sender per queue name. Senders are created lazily
// on first use; creation runs outside the pool lock so a slow broker handshake for one
// queue does not block others. The pool owns its broker and closes it in Close.
type SenderPool struct {
	broker Broker

	mu      sync.Mutex
	entries map[string]*senderEntry
	closed  bool

	leases    sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type senderEntry struct {
	once   sync.Once
	sender Sender
	err    error
}

// Lease is a borrowed sender. Release must be called exactly once, normally via defer.
type Lease struct {
	Sender  Sender
	release func()
}

func (l *Lease) Release() {
	l.release()
}

func NewSenderPool(broker Broker) *SenderPool {
	return &SenderPool{
		broker:  broker,
		entries: make(map[string]*senderEntry),
	}
}

// Limits exposes the broker's batch limits.
func (p *SenderPool) Limits() BatchLimits {
	return p.broker.Limits()
}

// Acquire returns the sender for queue, creating it if needed.
func (p *SenderPool) Acquire(ctx context.Context, queue string) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	entry, ok := p.entries[queue]
	if !ok {
		entry = &senderEntry{}
		p.entries[queue] = entry
	}
	p.leases.Add(1)
	p.mu.Unlock()

	entry.once.Do(func() {
		entry.sender, entry.err = p.broker.NewSender(ctx, queue)
	})

	if entry.err != nil {
		// Forget the failed entry so the next caller retries creation.
		p.mu.Lock()
		if p.entries[queue] == entry {
			delete(p.entries, queue)
		}
		p.mu.Unlock()
		p.leases.Done()
		return nil, errors.Wrapf(entry.err, "creating sender for %s", queue)
	}

	var once sync.Once
	return &Lease{
		Sender:  entry.sender,
		release: func() { once.Do(p.leases.Done) },
	}, nil
}

// Close stops new acquisitions, waits for outstanding leases, closes every sender and
// finally the broker. Subsequent calls return the first result.
func (p *SenderPool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.leases.Wait()

		p.mu.Lock()
		entries := p.entries
		p.entries = map[string]*senderEntry{}
		p.mu.Unlock()

		var errs error
		for queue, entry := range entries {
			if entry.sender == nil {
				continue
			}
			if err := entry.sender.Close(); err != nil {
				slog.Warn("closing sender failed", "queue", queue, "error", err)
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "closing sender %s", queue))
			}
		}
		if err := p.broker.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "closing broker"))
		}
		p.closeErr = errs
	})
	return p.closeErr
}
