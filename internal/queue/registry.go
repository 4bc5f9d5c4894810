package queue

import (
	"log/slog"
	"sync"
)

// Registry maps a logical queue name to exactly one Queue facade for the
// process lifetime. Facades are created lazily on first use; subsequent
// calls return the cached instance. The registry is constructed once at
// startup and passed by reference rather than accessed as global state.
type Registry struct {
	broker Broker
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewRegistry creates an empty registry over the given broker.
func NewRegistry(broker Broker, logger *slog.Logger) *Registry {
	return &Registry{
		broker: broker,
		logger: logger,
		queues: make(map[string]*Queue),
	}
}

// Get returns the facade for the named queue, creating it on first use.
func (r *Registry) Get(name string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[name]; ok {
		return q
	}

	q := NewQueue(name, r.broker, r.logger)
	r.queues[name] = q
	r.logger.Debug("queue facade created", "queue", name)
	return q
}

// CloseAll drains and releases every cached facade. Used at shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("closing active queues", "count", len(r.queues))

	var firstErr error
	for name, q := range r.queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.queues, name)
	}
	return firstErr
}
