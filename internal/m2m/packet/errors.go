package packet

import "errors"

var (
	ErrNotAList       = errors.New("packet body is not a list")
	ErrUnknownTag     = errors.New("unknown packet tag")
	ErrMissingField   = errors.New("missing field")
	ErrWrongFieldType = errors.New("wrong field type")
)
