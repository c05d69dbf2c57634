package conversation

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

func (c *Coordinator) startMonitorLocked() {
	c.stopMonitorLocked()
	if c.closed {
		return
	}
	stop := make(chan struct{})
	c.monitorStop = stop
	c.wg.Add(1)
	go c.monitorLoop(stop)
}

func (c *Coordinator) stopMonitorLocked() {
	if c.monitorStop != nil {
		close(c.monitorStop)
		c.monitorStop = nil
	}
	c.clearMonitorTimeoutsLocked()
}

func (c *Coordinator) clearMonitorTimeoutsLocked() {
	c.awaiting = false
	c.stopTimerLocked(c.disconnect)
	c.disconnect = nil
}

func (c *Coordinator) monitorLoop(stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	var waited time.Duration
	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			if !c.checkLiveness(stop, now.Sub(last), &waited) {
				return
			}
			last = now
		}
	}
}

// checkLiveness runs one monitor pass. It reports false once the monitor
// has nothing left to watch.
func (c *Coordinator) checkLiveness(stop chan struct{}, delta time.Duration, waited *time.Duration) bool {
	idle := c.host.IsIdle()

	c.mu.Lock()
	if c.monitorStop != stop {
		c.mu.Unlock()
		return false
	}
	if c.active == nil {
		c.stopMonitorLocked()
		c.mu.Unlock()
		return false
	}
	partner := c.active.Name

	var nudge string
	switch {
	case c.awaiting && idle:
		*waited += delta
		if *waited > c.waitLimit {
			nudge = fmt.Sprintf("%s hasn't responded in %s seconds, respond with a message to them or your own action.",
				partner, formatSeconds(c.waitLimit))
			*waited = 0
			c.waitLimit *= 2
		}
	case !c.awaiting:
		c.waitLimit = c.cfg.WaitTimeStart
		*waited = 0
	}

	if !c.inGame[partner] && c.disconnect == nil {
		slog.Debug("conversation.partner_absent", "peer", partner, "grace", c.cfg.DisconnectGrace)
		c.disconnect = c.afterFuncLocked(c.cfg.DisconnectGrace, func() { c.onDisconnectGrace(partner) })
	}
	c.mu.Unlock()

	if nudge != "" {
		slog.Info("conversation.nudge", "peer", partner)
		c.decider.HandleMessage(c.ctx, "system", nudge)
	}
	return true
}

// onDisconnectGrace ends the conversation if partner is still absent.
func (c *Coordinator) onDisconnectGrace(partner string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.disconnect = nil
	if c.inGame[partner] {
		c.clearMonitorTimeoutsLocked()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	paused := c.prompter.IsPaused()
	c.end(partner, ReasonDisconnect)
	if !paused {
		c.decider.HandleMessage(c.ctx, "system", fmt.Sprintf("%s disconnected, conversation has ended.", partner))
	}
}

// WaitLimit returns the current unanswered-wait threshold.
func (c *Coordinator) WaitLimit() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitLimit
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
