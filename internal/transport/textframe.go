package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

// TextFramer carries payloads as zero-width text, for relays that only
// pass chat strings through.
type TextFramer struct {
	next  Transport
	codec *protocol.TextCodec
}

// Framed wraps t with the zero-width codec keyed by key.
func Framed(t Transport, key string) *TextFramer {
	return &TextFramer{next: t, codec: protocol.NewTextCodec(key)}
}

// Send encodes payload before forwarding. The text goes out as a JSON
// string so it stays valid inside relay envelopes.
func (f *TextFramer) Send(ctx context.Context, to string, payload []byte) error {
	quoted, err := json.Marshal(f.codec.EncodePayload(payload))
	if err != nil {
		return fmt.Errorf("frame payload: %w", err)
	}
	return f.next.Send(ctx, to, quoted)
}

// unframe returns the chat text carried by data: a JSON string from
// another framer, or the raw bytes otherwise.
func unframe(data []byte) string {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return text
	}
	return string(data)
}

// Run decodes inbound whispers. Whispers without a hidden JSON payload are dropped.
func (f *TextFramer) Run(ctx context.Context, h Handler) error {
	return f.next.Run(ctx, HandlerFuncs{
		Whisper: func(ctx context.Context, from string, data []byte) {
			text := unframe(data)
			if !protocol.HasHiddenPayload(text) {
				slog.Debug("transport.frame_plain_text", "from", from)
				return
			}
			kind, payload := f.codec.DecodeText(text)
			if kind != protocol.TextKindJSON {
				slog.Debug("transport.frame_not_json", "from", from, "kind", kind)
				return
			}
			h.HandleWhisper(ctx, from, []byte(payload))
		},
		Roster: h.HandleRoster,
	})
}
