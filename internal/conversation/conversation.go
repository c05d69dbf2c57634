package conversation

import (
	"strings"
	"time"

	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

// Transcript reasons recorded when a conversation ends.
const (
	ReasonEnd        = "end"
	ReasonDisconnect = "disconnect"
	ReasonRoster     = "roster"
	ReasonForced     = "forced"
	ReasonBusy       = "busy"
)

const (
	otherBotTag = "(FROM OTHER BOT)"
	busyReply   = "I'm talking to someone else, try again later. "
)

// Conversation is the per-peer exchange state. All fields are guarded by
// the coordinator's mutex.
type Conversation struct {
	Name             string
	Active           bool
	IgnoreUntilStart bool

	queue    []protocol.ChatMessage
	timer    *time.Timer
	timerGen uint64
}

// compile drains the queue into one message: bodies concatenated in
// arrival order, flags taken from the last fragment.
func (cv *Conversation) compile() (protocol.ChatMessage, bool) {
	if len(cv.queue) == 0 {
		return protocol.ChatMessage{}, false
	}
	var sb strings.Builder
	for _, m := range cv.queue {
		sb.WriteString(m.Message)
	}
	out := cv.queue[len(cv.queue)-1]
	out.Message = sb.String()
	cv.queue = nil
	return out, true
}

// canTalkOver reports whether label matches one of the talk-over fragments.
func canTalkOver(label string, talkOver []string) bool {
	for _, a := range talkOver {
		if a != "" && strings.Contains(label, a) {
			return true
		}
	}
	return false
}
