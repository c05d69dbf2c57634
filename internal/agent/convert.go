package agent

import (
	"time"

	"github.com/nextlevelbuilder/reflexcore/internal/actions"
	"github.com/nextlevelbuilder/reflexcore/internal/config"
	"github.com/nextlevelbuilder/reflexcore/internal/conversation"
	"github.com/nextlevelbuilder/reflexcore/internal/selfprompt"
	"github.com/nextlevelbuilder/reflexcore/internal/transport"
)

func actionsConfig(c config.ActionsConfig) actions.Config {
	return actions.Config{
		TimeoutCapMinutes: c.TimeoutCapMinutes,
		TimeoutUnit:       time.Minute,
		StopRetries:       c.StopRetries,
		StopInterval:      c.StopInterval.D(),
		Watchdog:          c.Watchdog.D(),
		MaxOutput:         c.MaxOutput,
	}
}

func conversationConfig(c config.ConversationConfig) conversation.Config {
	return conversation.Config{
		WaitTimeStart:   c.WaitTimeStart.D(),
		MonitorInterval: c.MonitorInterval.D(),
		DisconnectGrace: c.DisconnectGrace.D(),
		FastDelay:       c.FastDelay.D(),
		LongDelay:       c.LongDelay.D(),
		ResumeDelay:     c.ResumeDelay.D(),
		DecisionTimeout: c.DecisionTimeout.D(),
		PendingTTL:      c.PendingTTL.D(),
		TalkOverActions: c.TalkOverActions,
	}
}

func selfPromptConfig(c config.SelfPromptConfig) selfprompt.Config {
	return selfprompt.Config{
		Goal:     c.Goal,
		Interval: c.Interval.D(),
		Cooldown: c.Cooldown.D(),
	}
}

// BackoffConfig converts the reconnect section for the network transports.
func BackoffConfig(c config.ReconnectConf) transport.Backoff {
	return transport.Backoff{BaseDelay: c.BaseDelay.D(), MaxDelay: c.MaxDelay.D()}
}

// modeStates resolves each table entry's on flag after overrides.
func modeStates(c config.ModesConfig) map[string]bool {
	states := make(map[string]bool, len(c.Table))
	for _, d := range c.Table {
		on := d.On
		if v, ok := c.Enabled[d.Name]; ok {
			on = v
		}
		states[d.Name] = on
	}
	return states
}
