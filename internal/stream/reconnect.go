package stream

import (
	"log/slog"
	"time"
)

// connectionLost is the single entry point for every loss signal: monitor
// verdicts, backend failures and start failures. Reports from a stale
// generation, while a reconnect is already scheduled, or after the ceiling
// are ignored.
func (c *Connection) connectionLost(gen uint64, reason LossReason) {
	if c.destroyed.Load() || gen != c.gen || c.surface == nil {
		return
	}
	switch c.state {
	case StateIdle, StateFatallyFailed, StateDestroyed:
		return
	}
	if c.reconnectPending || c.pendingLoss != "" {
		return
	}

	c.lastLoss = reason
	c.telemetry.ConnectionLost(string(reason))
	c.log.Warn("connection lost",
		slog.String("reason", string(reason)),
		slog.Int("attempts", c.attempts),
	)
	c.notifyConnectionLost()

	if wait := c.cooldownRemaining(); wait > 0 {
		c.pendingLoss = reason
		c.setState(StateStalled)
		c.telemetry.ReconnectDeferred()
		c.log.Info("reconnect deferred by cooldown", slog.Duration("wait", wait))
		c.deferTimer = c.after(gen, wait, c.deferredReconnect)
		return
	}
	c.setState(StateStalled)
	c.reconnect(reason)
}

func (c *Connection) cooldownRemaining() time.Duration {
	if c.lastAttemptAt.IsZero() || c.cfg.ReconnectCooldown <= 0 {
		return 0
	}
	return c.cfg.ReconnectCooldown - c.clock.Now().Sub(c.lastAttemptAt)
}

// deferredReconnect runs when the cooldown that held back a loss expires.
// Progress in the meantime clears pendingLoss and cancels the reconnect.
func (c *Connection) deferredReconnect() {
	c.deferTimer = nil
	reason := c.pendingLoss
	if reason == "" {
		return
	}
	c.pendingLoss = ""
	c.reconnect(reason)
}

// reconnect tears the pipeline down and schedules a rebuild after the
// backoff delay, or gives up once the attempt ceiling is exceeded.
func (c *Connection) reconnect(reason LossReason) {
	c.teardown()
	c.gen++
	gen := c.gen

	c.attempts++
	if c.attempts > c.cfg.MaxReconnectAttempts {
		c.giveUp()
		return
	}

	c.lastAttemptAt = c.clock.Now()
	delay := c.backoff.NextBackOff()
	c.reconnectPending = true
	c.telemetry.ReconnectAttempt()
	c.log.Info("scheduling reconnect",
		slog.String("reason", string(reason)),
		slog.Int("attempt", c.attempts),
		slog.Int("max_attempts", c.cfg.MaxReconnectAttempts),
		slog.Duration("delay", delay),
	)
	c.setState(StateReconnecting)
	c.notifyReconnecting()
	c.notifyLoading(true)

	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.rebuild(gen) })
}

func (c *Connection) giveUp() {
	c.gaveUp = true
	c.reconnectPending = false
	c.telemetry.GaveUp()
	c.log.Error("reconnect attempts exhausted",
		slog.Int("attempts", c.attempts-1),
		slog.String("last_loss", string(c.lastLoss)),
	)
	c.setState(StateFatallyFailed)
	c.notifyLoading(false)
	c.notifyError(ErrGaveUp.Error())
}

// rebuild runs on the timer goroutine: the probe happens outside the queue,
// the build inside it.
func (c *Connection) rebuild(gen uint64) {
	if c.destroyed.Load() {
		return
	}
	var (
		manifest string
		current  bool
	)
	c.queue.run(func() {
		if c.destroyed.Load() || gen != c.gen {
			return
		}
		current = true
		c.reconnectTimer = nil
		manifest = c.manifestURL
	})
	if !current {
		return
	}

	codec := c.probe(c.ctx, manifest)
	c.post(gen, func() {
		c.reconnectPending = false
		if err := c.build(gen, codec); err != nil {
			c.log.Error("rebuild failed", slog.String("error", err.Error()))
		}
	})
}
