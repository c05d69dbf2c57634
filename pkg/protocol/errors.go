package protocol

// Relay error codes.
const (
	ErrInvalidEnvelope = "INVALID_ENVELOPE"
	ErrUnknownPeer     = "UNKNOWN_PEER"
	ErrNameTaken       = "NAME_TAKEN"
	ErrNotRegistered   = "NOT_REGISTERED"
)
