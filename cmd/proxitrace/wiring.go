package main

import (
	"context"

	"github.com/okian/proxitrace/internal/adapters/keyserver"
	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/internal/adapters/repository"
	app "github.com/okian/proxitrace/internal/app"
	"github.com/okian/proxitrace/internal/config"
	"github.com/okian/proxitrace/internal/domain/peer"
	"github.com/okian/proxitrace/internal/proximity"
	"github.com/okian/proxitrace/pkg/logger"
)

// openStore opens the SQLite store at cfg.DBPath, or a memory store when
// no path is configured.
func openStore(ctx context.Context, cfg *config.Config, l logger.Logger) (repository.Store, error) {
	opts := []repository.Option{repository.WithLogger(l.Named("repository"))}
	if cfg.DBPath == "" {
		l.Warn(ctx, "no db_path configured; data is kept in memory only")
		return repository.NewMemoryStore(opts...), nil
	}
	return repository.OpenSQLite(ctx, cfg.DBPath, opts...)
}

// newKeyClient returns nil when no key server is configured.
func newKeyClient(cfg *config.Config, l logger.Logger) *keyserver.Client {
	if cfg.KeyServerURL == "" {
		return nil
	}
	opts := []keyserver.Option{
		keyserver.WithHealthAuthority(cfg.HealthAuthority),
		keyserver.WithTimeout(cfg.HTTPTimeout),
		keyserver.WithRetries(cfg.HTTPRetries),
		keyserver.WithLogger(l.Named("keyserver")),
	}
	if cfg.UploadURL != "" {
		opts = append(opts, keyserver.WithUploadURL(cfg.UploadURL))
	}
	return keyserver.NewClient(cfg.KeyServerURL, opts...)
}

func policyFor(cfg *config.Config) peer.Policy {
	return peer.Policy{
		UpdatesNeeded:  cfg.UpdatesNeeded,
		RetryInterval:  cfg.RetryInterval,
		ConnectTimeout: cfg.ConnectTimeout,
		MaxRetries:     cfg.MaxRetries,
		SampleCap:      cfg.SampleCap,
		Service:        radio.ServiceUUID,
		Characteristic: radio.CharacteristicUUID,
	}
}

// serviceOptions maps configuration onto service options.
func serviceOptions(cfg *config.Config, l logger.Logger) []app.Option {
	opts := []app.Option{
		app.WithLogger(l.Named("service")),
		app.WithIdentifiers(cfg.Identifiers),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithProcessedBatchesSize(cfg.ProcessedBatchesSize),
		app.WithPersistInterval(cfg.PersistInterval),
		app.WithDetectionInterval(cfg.DetectionInterval),
		app.WithProximityOptions(
			proximity.WithRotationInterval(cfg.RotationInterval),
			proximity.WithSweepInterval(cfg.SweepInterval),
			proximity.WithTimeouts(cfg.MissingAfter, cfg.RemoveAfter),
			proximity.WithMaxConnections(cfg.MaxConnections),
			proximity.WithPolicy(policyFor(cfg)),
		),
	}
	if ks := newKeyClient(cfg, l); ks != nil {
		opts = append(opts, app.WithKeyServer(ks))
	}
	return opts
}
