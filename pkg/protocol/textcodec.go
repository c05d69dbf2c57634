package protocol

import (
	"strings"
)

// Zero-width framing lets structured payloads ride on channels that only
// carry chat text. Each byte is XORed with a key and written as eight
// zero-width runes: U+200B for a 0 bit, U+200C for a 1 bit.
const (
	zeroBit = '\u200B'
	oneBit  = '\u200C'

	// JSONPayloadPrefix marks a decoded text as a JSON payload.
	JSONPayloadPrefix = "JSON_PAYLOAD::"

	// DefaultTextKey is the XOR key used when none is configured.
	DefaultTextKey = "REFLEXCORE-1"
)

// Decoded payload kinds returned by DecodeText.
const (
	TextKindJSON    = "json"
	TextKindPing    = "ping"
	TextKindUnknown = "unknown"
)

// TextCodec encodes payloads into invisible text and back.
type TextCodec struct {
	key []byte
}

// NewTextCodec creates a codec; an empty key falls back to DefaultTextKey.
func NewTextCodec(key string) *TextCodec {
	if key == "" {
		key = DefaultTextKey
	}
	return &TextCodec{key: []byte(key)}
}

// Encode obfuscates and encodes text.
func (c *TextCodec) Encode(text string) string {
	data := c.xor([]byte(text))
	var b strings.Builder
	b.Grow(len(data) * 8 * 3)
	for _, by := range data {
		for bit := 7; bit >= 0; bit-- {
			if by&(1<<uint(bit)) != 0 {
				b.WriteRune(oneBit)
			} else {
				b.WriteRune(zeroBit)
			}
		}
	}
	return b.String()
}

// Decode reverses Encode. Runes other than the two bit markers are ignored,
// and a trailing partial byte is dropped.
func (c *TextCodec) Decode(encoded string) string {
	var (
		out  []byte
		cur  byte
		bits int
	)
	for _, r := range encoded {
		switch r {
		case zeroBit:
			cur <<= 1
		case oneBit:
			cur = cur<<1 | 1
		default:
			continue
		}
		bits++
		if bits == 8 {
			out = append(out, cur)
			cur, bits = 0, 0
		}
	}
	return string(c.xor(out))
}

// EncodePayload frames a JSON payload as invisible text.
func (c *TextCodec) EncodePayload(payload []byte) string {
	return c.Encode(JSONPayloadPrefix + string(payload))
}

// DecodeText classifies decoded text: a prefixed JSON payload, a plain ping
// or nothing recognizable.
func (c *TextCodec) DecodeText(encoded string) (kind, payload string) {
	decoded := c.Decode(encoded)
	switch {
	case strings.HasPrefix(decoded, JSONPayloadPrefix):
		return TextKindJSON, strings.TrimPrefix(decoded, JSONPayloadPrefix)
	case decoded != "":
		return TextKindPing, decoded
	default:
		return TextKindUnknown, decoded
	}
}

// HasHiddenPayload reports whether text contains zero-width bit markers.
func HasHiddenPayload(text string) bool {
	return strings.ContainsRune(text, zeroBit) || strings.ContainsRune(text, oneBit)
}

func (c *TextCodec) xor(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ c.key[i%len(c.key)]
	}
	return out
}
