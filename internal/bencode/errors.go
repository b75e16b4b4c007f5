package bencode

import "errors"

// Named decode failure modes (spec §4.1). Wrapped with fmt.Errorf("...: %w", ...)
// so callers can errors.Is against these sentinels while still getting a
// human-readable offset/byte in the message.
var (
	ErrLeadingZeroSize    = errors.New("leading zero in byte-string size")
	ErrIllegalDigitInSize = errors.New("illegal digit in size")
	ErrIllegalDigit       = errors.New("illegal digit")
	ErrMaxSizeExceeded    = errors.New("byte-string size exceeds configured maximum")
	ErrUnexpectedEOF      = errors.New("unexpected end of input")
	ErrNonStringKey       = errors.New("mapping key is not a byte-string")
	ErrTrailingData       = errors.New("trailing data after value")
)
