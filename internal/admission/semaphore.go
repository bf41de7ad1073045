// Package admission controls how many readers may run concurrently and how
// much buffer memory they may pin. Admission is granted through
// reference-counted permits; buffer allocations made on behalf of a permit
// are charged back to it for as long as the buffer lives.
package admission

import (
	"container/list"
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Resources is the two-dimensional budget of the semaphore: reader slots and
// buffer memory, in bytes.
type Resources struct {
	Count  int64
	Memory int64
}

// Config carries the recognized semaphore options.
type Config struct {
	// MaxCount caps concurrently admitted readers.
	MaxCount int64
	// MaxMemory is the initial memory budget in bytes.
	MaxMemory int64
	// MaxQueue caps waiting admission requests; zero means unlimited.
	MaxQueue int
	// OverflowErr produces the error returned when the queue is saturated.
	OverflowErr func() error
	// Logger defaults to a nop logger.
	Logger *zap.Logger
	// Registerer, when set, receives the semaphore's metrics.
	Registerer prometheus.Registerer
}

type waiter struct {
	need  Resources
	ready chan *Permit
}

// Semaphore admits readers subject to count and memory caps with a FIFO
// waiting queue. Mutations of the queue and counters happen inside short
// critical sections; waiting happens outside them.
type Semaphore struct {
	mu      sync.Mutex
	avail   Resources
	waiters list.List

	maxQueue int
	overflow func() error
	logger   *zap.Logger
	metrics  *metrics
}

// NewSemaphore builds a semaphore from cfg.
func NewSemaphore(cfg Config) *Semaphore {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Semaphore{
		avail:    Resources{Count: cfg.MaxCount, Memory: cfg.MaxMemory},
		maxQueue: cfg.MaxQueue,
		overflow: cfg.OverflowErr,
		logger:   logger,
	}
	s.metrics = newMetrics(cfg.Registerer)
	s.metrics.observe(s.avail, 0)
	return s
}

// Available returns the budget not currently handed out. Memory may be
// negative while charged buffers over-commit it.
func (s *Semaphore) Available() Resources {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avail
}

// Waiters returns the number of queued admission requests.
func (s *Semaphore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

func (s *Semaphore) fits(need Resources) bool {
	return s.avail.Count >= need.Count && s.avail.Memory >= need.Memory
}

func (s *Semaphore) take(need Resources) {
	s.avail.Count -= need.Count
	s.avail.Memory -= need.Memory
}

// WaitAdmission blocks until (1, baseCost) fits in the budget, the queue
// overflows, or ctx expires. Admission requests are served in arrival
// order; a timed-out request leaves nothing behind.
func (s *Semaphore) WaitAdmission(ctx context.Context, baseCost int64) (*Permit, error) {
	need := Resources{Count: 1, Memory: baseCost}

	s.mu.Lock()
	if s.waiters.Len() == 0 && s.fits(need) {
		s.take(need)
		s.metrics.observe(s.avail, s.waiters.Len())
		s.metrics.admissions.Inc()
		s.mu.Unlock()
		return newPermit(s, need), nil
	}
	if s.maxQueue > 0 && s.waiters.Len() >= s.maxQueue {
		s.mu.Unlock()
		s.metrics.overflows.Inc()
		s.logger.Debug("admission queue saturated", zap.Int("max_queue", s.maxQueue))
		return nil, s.overflow()
	}
	w := &waiter{need: need, ready: make(chan *Permit, 1)}
	elem := s.waiters.PushBack(w)
	s.metrics.observe(s.avail, s.waiters.Len())
	s.mu.Unlock()

	select {
	case p := <-w.ready:
		return p, nil
	case <-ctx.Done():
		s.mu.Lock()
		// The permit may have been granted while we were timing out.
		select {
		case p := <-w.ready:
			s.mu.Unlock()
			return p, nil
		default:
		}
		s.waiters.Remove(elem)
		s.metrics.observe(s.avail, s.waiters.Len())
		s.mu.Unlock()
		s.metrics.timeouts.Inc()
		return nil, ctx.Err()
	}
}

// signal returns units to the budget and wakes queued requests in FIFO
// order for as long as they fit.
func (s *Semaphore) signal(r Resources) {
	s.mu.Lock()
	s.avail.Count += r.Count
	s.avail.Memory += r.Memory
	for e := s.waiters.Front(); e != nil; {
		w := e.Value.(*waiter)
		if !s.fits(w.need) {
			break
		}
		s.take(w.need)
		next := e.Next()
		s.waiters.Remove(e)
		e = next
		s.metrics.admissions.Inc()
		w.ready <- newPermit(s, w.need)
	}
	s.metrics.observe(s.avail, s.waiters.Len())
	s.mu.Unlock()
}

// consume deducts units without waiting. Buffer charges go through here, so
// memory may drop below zero; new admissions stay blocked until it
// recovers.
func (s *Semaphore) consume(r Resources) {
	s.mu.Lock()
	s.avail.Count -= r.Count
	s.avail.Memory -= r.Memory
	s.metrics.observe(s.avail, s.waiters.Len())
	s.mu.Unlock()
}

type metrics struct {
	availableMemory prometheus.Gauge
	availableCount  prometheus.Gauge
	queued          prometheus.Gauge
	admissions      prometheus.Counter
	timeouts        prometheus.Counter
	overflows       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		availableMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mithrildb", Subsystem: "reader_semaphore", Name: "available_memory_bytes",
			Help: "Memory budget not charged to any permit.",
		}),
		availableCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mithrildb", Subsystem: "reader_semaphore", Name: "available_count",
			Help: "Reader slots not handed out.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mithrildb", Subsystem: "reader_semaphore", Name: "queued",
			Help: "Admission requests waiting in the queue.",
		}),
		admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mithrildb", Subsystem: "reader_semaphore", Name: "admissions_total",
			Help: "Granted admissions.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mithrildb", Subsystem: "reader_semaphore", Name: "timeouts_total",
			Help: "Admission requests that timed out while queued.",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mithrildb", Subsystem: "reader_semaphore", Name: "queue_overflows_total",
			Help: "Admission requests rejected because the queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.availableMemory, m.availableCount, m.queued,
			m.admissions, m.timeouts, m.overflows)
	}
	return m
}

func (m *metrics) observe(avail Resources, queued int) {
	m.availableMemory.Set(float64(avail.Memory))
	m.availableCount.Set(float64(avail.Count))
	m.queued.Set(float64(queued))
}
