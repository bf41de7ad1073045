// Package truetime issues the write timestamps cells are stamped with.
// Conflict resolution is timestamp-based, so timestamps must never move
// backwards within a process; the clock keeps them strictly monotonic even
// when the wall clock steps.
package truetime

import (
	"sync"
	"time"

	"github.com/beevik/ntp"
	"go.uber.org/zap"
)

// Clock produces strictly monotonic microsecond timestamps, optionally
// corrected by an NTP-derived offset.
type Clock struct {
	mu     sync.Mutex
	last   int64
	offset time.Duration
	logger *zap.Logger
}

// New builds a clock using the local wall clock.
func New(logger *zap.Logger) *Clock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Clock{logger: logger}
}

// Sync queries an NTP server once and folds its offset into the clock.
// The clock keeps working on the local wall clock if the query fails.
func (c *Clock) Sync(host string) error {
	resp, err := ntp.Query(host)
	if err != nil {
		c.logger.Warn("ntp query failed, keeping local clock", zap.String("host", host), zap.Error(err))
		return err
	}
	if err := resp.Validate(); err != nil {
		c.logger.Warn("ntp response rejected", zap.String("host", host), zap.Error(err))
		return err
	}
	c.mu.Lock()
	c.offset = resp.ClockOffset
	c.mu.Unlock()
	c.logger.Info("clock synced", zap.String("host", host), zap.Duration("offset", resp.ClockOffset))
	return nil
}

// Now returns the next write timestamp in microseconds.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := time.Now().Add(c.offset).UnixMicro()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
