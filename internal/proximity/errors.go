package proximity

import "errors"

// ErrEventStreamClosed is returned by Run when the radio closes its event channel.
var ErrEventStreamClosed = errors.New("radio event stream closed")
