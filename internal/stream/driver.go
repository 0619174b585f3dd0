package stream

import "log/slog"

// attemptPlay starts a fresh round of play attempts on the surface.
func (c *Connection) attemptPlay(gen uint64) {
	stopTimer(&c.playTimer)
	c.playAttempts = 0
	c.tryPlay(gen)
}

func (c *Connection) tryPlay(gen uint64) {
	c.playTimer = nil
	if c.surface == nil || c.backend == nil {
		return
	}

	c.surface.SetMuted(true)
	err := c.surface.Play()
	if err == nil {
		c.playAttempts = 0
		c.markPlaying()
		return
	}

	c.playAttempts++
	if IsBenign(err.Error()) {
		c.log.Debug("play interrupted", slog.Int("attempt", c.playAttempts))
	} else {
		c.log.Warn("play failed",
			slog.Int("attempt", c.playAttempts),
			slog.String("error", err.Error()),
		)
	}
	if c.playAttempts >= c.cfg.MaxPlayAttempts {
		c.log.Error("playback could not be started", slog.Int("attempts", c.playAttempts))
		c.notifyLoading(false)
		return
	}
	c.telemetry.PlayRetry()
	c.playTimer = c.after(gen, c.cfg.PlayRetryDelay, func() { c.tryPlay(gen) })
}

// markPlaying records that media is flowing: playback started or the
// monitor saw the position advance.
func (c *Connection) markPlaying() {
	now := c.clock.Now()
	c.lastProgressAt = now
	if c.monitor != nil {
		c.monitor.arm(now, c.surface.Position())
	}
	if c.pendingLoss != "" {
		stopTimer(&c.deferTimer)
		c.log.Info("stream recovered before reconnect", slog.String("loss", string(c.pendingLoss)))
		c.pendingLoss = ""
	}
	switch c.state {
	case StateConnecting, StateReconnecting, StateStalled:
		c.setState(StatePlaying)
	default:
		c.publish()
	}
	c.notifyLoading(false)
	if !c.readyNotified {
		c.readyNotified = true
		c.log.Info("stream playing", slog.Int("attempts", c.attempts))
		c.notifyReady()
	}
}
