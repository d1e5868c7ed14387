package exposure

import "errors"

// ErrPipelineNotConfigured is returned by Detector.Start without a key source or store.
var ErrPipelineNotConfigured = errors.New("detection pipeline not configured")
