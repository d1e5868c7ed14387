package exposure

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/pkg/logger"
	"github.com/okian/proxitrace/pkg/metrics"
)

// KeyUploader submits diagnosis keys to the key server.
type KeyUploader interface {
	UploadDiagnosisKeys(ctx context.Context, keys []model.DiagnosisKey, verificationPayload string, hmacSecret []byte) error
}

// Uploader guards key uploads so that only one runs at a time.
type Uploader struct {
	client KeyUploader
	logger logger.Logger

	running    atomic.Bool
	lastUpload atomic.Int64
}

// NewUploader creates an uploader. A nil logger selects the default.
func NewUploader(client KeyUploader, l logger.Logger) *Uploader {
	if l == nil {
		l = logger.Get().Named("uploader")
	}
	return &Uploader{client: client, logger: l}
}

// Upload submits keys. A concurrent call fails with model.ErrUploadAlreadyRunning.
func (u *Uploader) Upload(ctx context.Context, keys []model.DiagnosisKey, verificationPayload string, hmacSecret []byte) error {
	if !u.running.CompareAndSwap(false, true) {
		return model.ErrUploadAlreadyRunning
	}
	defer u.running.Store(false)

	if err := u.client.UploadDiagnosisKeys(ctx, keys, verificationPayload, hmacSecret); err != nil {
		metrics.RecordUpload("failure")
		u.logger.Error(ctx, "key upload failed", logger.Int("keys", len(keys)), logger.Error(err))
		return cancelled(ctx, fmt.Errorf("upload: %w", err))
	}
	u.lastUpload.Store(time.Now().UnixNano())
	metrics.RecordUpload("success")
	u.logger.Info(ctx, "keys uploaded", logger.Int("keys", len(keys)))
	return nil
}

// Running reports whether an upload is in flight.
func (u *Uploader) Running() bool { return u.running.Load() }

// LastUpload returns the time of the last successful upload, zero if none.
func (u *Uploader) LastUpload() time.Time {
	ns := u.lastUpload.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
