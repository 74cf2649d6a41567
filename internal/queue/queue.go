package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/metrics"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("execution not found")

// Manager admits executions into a bounded FIFO queue and keeps every handle
// retrievable by id until its result expires.
type Manager struct {
	jobQueue chan *Handle
	ttl      time.Duration
	logger   *zerolog.Logger

	mu    sync.RWMutex
	index map[string]*Handle
}

func NewManager(capacity int, ttl time.Duration, logger *zerolog.Logger) *Manager {
	return &Manager{
		jobQueue: make(chan *Handle, capacity),
		ttl:      ttl,
		logger:   logger,
		index:    make(map[string]*Handle),
	}
}

// Submit enqueues req without blocking. When the queue is full it fails
// with execution.ErrThrottled. The handle's context derives from ctx.
func (m *Manager) Submit(ctx context.Context, req execution.ExecutionRequest) (*Handle, error) {
	h := newHandle(ctx, uuid.NewString(), req)

	m.mu.Lock()
	m.index[h.id] = h
	m.mu.Unlock()
	h.transition(execution.StateQueued)

	select {
	case m.jobQueue <- h:
		m.UpdateQueueMetric()
		return h, nil
	default:
		m.mu.Lock()
		delete(m.index, h.id)
		m.mu.Unlock()
		h.cancel()
		metrics.ThrottledTotal.Inc()
		m.logger.Warn().Int("queue_size", cap(m.jobQueue)).Msg("queue full, submission throttled")
		return nil, execution.ErrThrottled
	}
}

func (m *Manager) NextJob() <-chan *Handle {
	return m.jobQueue
}

func (m *Manager) Get(id string) (*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

func (m *Manager) Cancel(id string) error {
	h, err := m.Get(id)
	if err != nil {
		return err
	}
	h.Cancel()
	return nil
}

// Len is the number of jobs waiting for a worker.
func (m *Manager) Len() int {
	return len(m.jobQueue)
}

func (m *Manager) UpdateQueueMetric() {
	metrics.QueueDepth.Set(float64(len(m.jobQueue)))
}

// CancelPending finishes every job still waiting in the queue. Used on
// shutdown so no caller waits on a job no worker will pick up.
func (m *Manager) CancelPending() int {
	n := 0
	for {
		select {
		case h := <-m.jobQueue:
			h.Cancel()
			n++
		default:
			m.UpdateQueueMetric()
			return n
		}
	}
}

// StartJanitor drops finished handles older than the result TTL until ctx
// ends.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := m.sweep(now); n > 0 {
					m.logger.Debug().Int("expired", n).Msg("expired execution results")
				}
			}
		}
	}()
}

func (m *Manager) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, h := range m.index {
		if h.expired(now, m.ttl) {
			delete(m.index, id)
			n++
		}
	}
	return n
}
