package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthMonitorEvaluate(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) time.Time { return start.Add(d) }

	t.Run("start timeout before first progress", func(t *testing.T) {
		m := newHealthMonitor(DefaultConfig(), start, 0)
		_, loss := m.evaluate(HealthSample{Now: at(19 * time.Second)}, false)
		assert.Empty(t, loss)
		_, loss = m.evaluate(HealthSample{Now: at(20 * time.Second)}, false)
		assert.Equal(t, LossStartTimeout, loss)
	})

	t.Run("no stall verdict before playing", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.StartTimeout = -1
		m := newHealthMonitor(cfg, start, 0)
		_, loss := m.evaluate(HealthSample{Now: at(time.Hour), Paused: true}, true)
		assert.Empty(t, loss)
	})

	t.Run("stall at threshold", func(t *testing.T) {
		m := newHealthMonitor(DefaultConfig(), start, 0)
		progressed, _ := m.evaluate(HealthSample{Now: at(2 * time.Second), Position: time.Second}, true)
		assert.True(t, progressed)

		_, loss := m.evaluate(HealthSample{Now: at(11*time.Second + 999*time.Millisecond), Position: time.Second}, true)
		assert.Empty(t, loss)
		_, loss = m.evaluate(HealthSample{Now: at(12 * time.Second), Position: time.Second}, true)
		assert.Equal(t, LossStall, loss)
	})

	t.Run("pause must persist across polls", func(t *testing.T) {
		m := newHealthMonitor(DefaultConfig(), start, 0)
		m.arm(start, 0)

		_, loss := m.evaluate(HealthSample{Now: at(2 * time.Second), Paused: true}, true)
		assert.Empty(t, loss)
		_, loss = m.evaluate(HealthSample{Now: at(4 * time.Second)}, true)
		assert.Empty(t, loss)
		_, loss = m.evaluate(HealthSample{Now: at(6 * time.Second), Paused: true}, true)
		assert.Empty(t, loss)
		_, loss = m.evaluate(HealthSample{Now: at(8 * time.Second), Paused: true}, true)
		assert.Equal(t, LossPause, loss)
	})

	t.Run("pause ignored when not expected to play", func(t *testing.T) {
		m := newHealthMonitor(DefaultConfig(), start, 0)
		m.arm(start, 0)
		for i := 1; i <= 4; i++ {
			_, loss := m.evaluate(HealthSample{Now: at(time.Duration(i) * time.Second), Paused: true}, false)
			assert.Empty(t, loss)
		}
	})

	t.Run("ended stream is healthy", func(t *testing.T) {
		m := newHealthMonitor(DefaultConfig(), start, 0)
		m.arm(start, 0)
		_, loss := m.evaluate(HealthSample{Now: at(time.Minute), Paused: true, Ended: true}, true)
		assert.Empty(t, loss)
	})
}
