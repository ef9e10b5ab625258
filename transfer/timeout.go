package transfer

import (
	"time"

	"go.uber.org/zap"
)

// runScheduler is the single timeout clock shared by all transfers.
func (m *Manager) runScheduler() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if expired := m.expire(); expired > 0 {
				m.logger.Debug("Expired undecided transfers", zap.Int("count", expired))
			}
		}
	}
}

// expire times out every record still waiting for a decision past its
// deadline and returns how many it moved to TimedOut.
func (m *Manager) expire() int {
	now := m.now()
	expired := 0
	for _, n := range m.snapshot() {
		n.mu.Lock()
		waiting := n.rec.State == StatePending || n.rec.State == StateAwaitingAccept
		if waiting && !n.deadline.IsZero() && !now.Before(n.deadline) {
			if n.finishLocked(StateTimedOut, ReasonNone, errTimedOut) {
				expired++
			}
		}
		n.mu.Unlock()
	}
	return expired
}
