package protocol

// Error kinds surfaced to the wire in success:false responses and error
// envelopes.
const (
	ErrKindDuplicateAgent    = "duplicate_agent"
	ErrKindNotRegistered     = "not_registered"
	ErrKindUnknownCommand    = "unknown_command"
	ErrKindUnknownMod        = "unknown_mod"
	ErrKindTargetUnreachable = "target_unreachable"
	ErrKindPayloadTooLarge   = "payload_too_large"
	ErrKindInvalidPayload    = "invalid_payload"
	ErrKindDepthExceeded     = "depth_exceeded"
	ErrKindParentMissing     = "parent_missing"
	ErrKindChannelMissing    = "channel_missing"
	ErrKindMessageMissing    = "message_missing"
	ErrKindInvalidReaction   = "invalid_reaction"
	ErrKindQuotaExhausted    = "quota_exhausted"
	ErrKindBackpressure      = "backpressure"
)

// ErrorPayload is the content of error responses.
type ErrorPayload struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind"`
	Error     string `json:"error"`
}
