package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Poller refreshes one key on a fixed interval
type Poller struct {
	store    *Store
	key      Key
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPoller creates a poller for key
func NewPoller(store *Store, key Key, interval time.Duration) *Poller {
	return &Poller{
		store:    store,
		key:      key,
		interval: interval,
		logger:   store.logger,
	}
}

// Start begins polling; it is a no-op when already running or the interval is not positive
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.interval <= 0 {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.Debug("cache poller starting",
		slog.String("key", string(p.key)),
		slog.Duration("interval", p.interval))

	go p.run(ctx, p.stopCh, p.doneCh)
}

// Stop halts polling and waits for the loop to exit
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.running = false
	p.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (p *Poller) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// errors are cached and logged by the store
			_, _ = p.store.Refresh(ctx, p.key)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
