package types

import "unicode/utf8"

// ValidatePayload checks a client text frame against the message limits.
// Returns ErrPayloadTooLarge or ErrInvalidEncoding; nil for a legal payload.
func ValidatePayload(payload string) error {
	if len(payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	if !utf8.ValidString(payload) {
		return ErrInvalidEncoding
	}
	return nil
}
