package keyserver

import "errors"

// ErrEmptySecret is returned when an HMAC is requested without a secret.
var ErrEmptySecret = errors.New("hmac secret is empty")
