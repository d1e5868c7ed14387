package mqttradio

import "errors"

// Sentinel kinds for bridge errors.
var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrClosed      = errors.New("bridge closed")
)
