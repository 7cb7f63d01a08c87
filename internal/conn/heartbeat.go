package conn

import (
	"time"

	"github.com/matheus3301/chatlink/internal/sched"
	"go.uber.org/zap"
)

// Heartbeat probes the link with Ping frames and declares it dead when no
// valid Pong arrives within the alive timeout.
//
// A Pong counts only when it echoes the timestamp of a probe this monitor
// sent, newer than the last accepted one and still inside the alive window.
// Duplicated or stale responses cannot keep a dead link looking alive.
type Heartbeat struct {
	sched        *sched.Scheduler
	interval     time.Duration
	aliveTimeout time.Duration
	probe        func(ts int64) error
	onTimeout    func()
	logger       *zap.Logger

	running        bool
	probeTimer     sched.TimerID
	aliveTimer     sched.TimerID
	outstanding    map[int64]struct{}
	lastAccepted   int64
	lastPingSentAt time.Time
	lastLatency    time.Duration
}

// NewHeartbeat creates a stopped monitor. probe transmits a Ping carrying
// ts; onTimeout runs when the alive timer expires.
func NewHeartbeat(s *sched.Scheduler, interval, aliveTimeout time.Duration, probe func(ts int64) error, onTimeout func(), logger *zap.Logger) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{
		sched:        s,
		interval:     interval,
		aliveTimeout: aliveTimeout,
		probe:        probe,
		onTimeout:    onTimeout,
		logger:       logger,
		outstanding:  make(map[int64]struct{}),
	}
}

// Start arms the probe and alive timers. Restarting resets all state.
func (h *Heartbeat) Start() {
	h.Stop()
	h.running = true
	h.probeTimer = h.sched.Every(h.interval, h.sendProbe)
	h.armAlive()
}

// Stop cancels both timers and forgets outstanding probes.
func (h *Heartbeat) Stop() {
	h.sched.Cancel(h.probeTimer)
	h.sched.Cancel(h.aliveTimer)
	h.probeTimer, h.aliveTimer = 0, 0
	h.running = false
	h.lastAccepted = 0
	clear(h.outstanding)
}

// Running reports whether the monitor is active.
func (h *Heartbeat) Running() bool {
	return h.running
}

func (h *Heartbeat) armAlive() {
	h.sched.Cancel(h.aliveTimer)
	h.aliveTimer = h.sched.After(h.aliveTimeout, h.expire)
}

func (h *Heartbeat) sendProbe() {
	now := h.sched.Now()
	ts := now.UnixMilli()

	cutoff := now.Add(-h.aliveTimeout).UnixMilli()
	for sent := range h.outstanding {
		if sent < cutoff {
			delete(h.outstanding, sent)
		}
	}

	if err := h.probe(ts); err != nil {
		h.logger.Debug("heartbeat probe failed", zap.Error(err))
		return
	}
	h.outstanding[ts] = struct{}{}
	h.lastPingSentAt = now
}

func (h *Heartbeat) expire() {
	h.aliveTimer = 0
	if !h.running {
		return
	}
	h.logger.Warn("heartbeat timeout",
		zap.Duration("alive_timeout", h.aliveTimeout),
		zap.Time("last_ping_sent_at", h.lastPingSentAt),
	)
	h.onTimeout()
}

// Pong handles a liveness response echoing ts. It reports whether the
// response was accepted and reset the alive timer.
func (h *Heartbeat) Pong(ts int64) bool {
	if !h.running {
		return false
	}
	if _, ok := h.outstanding[ts]; !ok || ts <= h.lastAccepted {
		h.logger.Debug("ignoring unmatched pong", zap.Int64("timestamp", ts))
		return false
	}
	for sent := range h.outstanding {
		if sent <= ts {
			delete(h.outstanding, sent)
		}
	}
	h.lastAccepted = ts
	h.lastLatency = h.sched.Now().Sub(time.UnixMilli(ts))
	h.armAlive()
	return true
}

// Latency returns the round trip measured by the last accepted Pong.
func (h *Heartbeat) Latency() time.Duration {
	return h.lastLatency
}

// LastPingSentAt returns when the last probe went out.
func (h *Heartbeat) LastPingSentAt() time.Time {
	return h.lastPingSentAt
}
