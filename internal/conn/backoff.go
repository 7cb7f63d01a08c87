package conn

import (
	"time"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/status"
	"go.uber.org/zap"
)

// maxBackoffShift keeps base<<attempts from overflowing time.Duration.
const maxBackoffShift = 30

// backoffDelay returns base * 2^attempts.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts > maxBackoffShift {
		attempts = maxBackoffShift
	}
	return base << attempts
}

// scheduleReconnect arms the reconnect timer after an unexpected close. It
// is a no-op while a timer is already outstanding. It reports whether an
// attempt is scheduled; false means the manager gave up.
func (m *Manager) scheduleReconnect() bool {
	if m.reconnectTimer != 0 && m.sched.Active(m.reconnectTimer) {
		return true
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", m.attempts))
		m.transition(status.Disconnected)
		m.bus.Emit(bus.Error{Op: "reconnect", Err: ErrReconnectExhausted})
		return false
	}

	m.attempts++
	delay := backoffDelay(m.cfg.ReconnectDelay, m.attempts)
	m.transition(status.Reconnecting)
	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay),
	)
	m.bus.Emit(bus.Reconnecting{Attempt: m.attempts, Delay: delay})

	m.reconnectTimer = m.sched.After(delay, func() {
		m.reconnectTimer = 0
		m.fromReconnect = true
		m.open()
	})
	return true
}
