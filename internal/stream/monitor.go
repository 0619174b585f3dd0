package stream

import (
	"time"

	"stream-keeper/internal/clock"
)

// HealthSample is one observation of a surface.
type HealthSample struct {
	Now      time.Time
	Position time.Duration
	Paused   bool
	Ended    bool
}

// healthMonitor turns periodic samples into progress and loss verdicts.
type healthMonitor struct {
	stallThreshold time.Duration
	startTimeout   time.Duration
	pauseGrace     int

	startedAt      time.Time
	armed          bool
	lastPosition   time.Duration
	lastProgressAt time.Time
	pausedPolls    int

	timer clock.Timer
}

func newHealthMonitor(cfg Config, now time.Time, position time.Duration) *healthMonitor {
	return &healthMonitor{
		stallThreshold: cfg.StallThreshold,
		startTimeout:   cfg.StartTimeout,
		pauseGrace:     cfg.PauseGracePolls,
		startedAt:      now,
		lastPosition:   position,
		lastProgressAt: now,
	}
}

// arm starts stall detection from now; before arming only the start timeout
// applies.
func (m *healthMonitor) arm(now time.Time, position time.Duration) {
	m.armed = true
	m.lastPosition = position
	m.lastProgressAt = now
	m.pausedPolls = 0
}

// evaluate reports whether the position advanced since the last sample and,
// if the connection is considered lost, why. expectPlaying tells whether the
// connection wants the surface to be playing.
func (m *healthMonitor) evaluate(s HealthSample, expectPlaying bool) (progressed bool, loss LossReason) {
	if s.Position != m.lastPosition {
		m.arm(s.Now, s.Position)
		return true, ""
	}
	if s.Ended {
		m.pausedPolls = 0
		return false, ""
	}
	if !m.armed {
		if m.startTimeout > 0 && s.Now.Sub(m.startedAt) >= m.startTimeout {
			return false, LossStartTimeout
		}
		return false, ""
	}

	if s.Paused && expectPlaying {
		m.pausedPolls++
		if m.pausedPolls >= m.pauseGrace {
			return false, LossPause
		}
	} else {
		m.pausedPolls = 0
	}
	if s.Now.Sub(m.lastProgressAt) >= m.stallThreshold {
		return false, LossStall
	}
	return false, ""
}

func (c *Connection) startMonitor(gen uint64) {
	if c.cfg.MonitorInterval < 0 || c.surface == nil {
		return
	}
	c.stopMonitor()
	c.monitor = newHealthMonitor(c.cfg, c.clock.Now(), c.surface.Position())
	c.scheduleHealthCheck(gen)
}

func (c *Connection) scheduleHealthCheck(gen uint64) {
	c.monitor.timer = c.after(gen, c.cfg.MonitorInterval, func() { c.checkHealth(gen) })
}

func (c *Connection) stopMonitor() {
	if c.monitor == nil {
		return
	}
	stopTimer(&c.monitor.timer)
	c.monitor = nil
}

func (c *Connection) checkHealth(gen uint64) {
	m := c.monitor
	if m == nil || c.surface == nil {
		return
	}
	m.timer = nil

	sample := HealthSample{
		Now:      c.clock.Now(),
		Position: c.surface.Position(),
		Paused:   c.surface.Paused(),
		Ended:    c.surface.Ended(),
	}
	expectPlaying := c.state == StatePlaying || c.state == StateStalled
	progressed, loss := m.evaluate(sample, expectPlaying)

	if progressed {
		c.lastProgressAt = sample.Now
		if c.state != StatePlaying || c.pendingLoss != "" {
			c.markPlaying()
		} else {
			c.publish()
		}
	}
	if loss != "" {
		c.connectionLost(gen, loss)
		if c.monitor != m {
			return
		}
	}
	c.scheduleHealthCheck(gen)
}
