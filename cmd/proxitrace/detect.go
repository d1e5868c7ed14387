package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/okian/proxitrace/internal/adapters/matcher"
	"github.com/okian/proxitrace/internal/config"
	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/internal/exposure"
	"github.com/okian/proxitrace/pkg/logger"
)

var errNoKeyServer = errors.New("key_server_url is not configured")

func detectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Run exposure detection once and print the events as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			return detectRun(cmd.Context(), cfg, l, cmd.OutOrStdout())
		},
	}
}

// detectRun downloads every published batch, matches it against the local
// keys, persists the events and writes them to out.
func detectRun(ctx context.Context, cfg *config.Config, l logger.Logger, out io.Writer) (err error) {
	keys := newKeyClient(cfg, l)
	if keys == nil {
		return errNoKeyServer
	}
	store, err := openStore(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	det := exposure.NewDetector(matcher.New(l.Named("matcher")), keys, store,
		exposure.WithLogger(l.Named("detector")),
	)
	h, err := det.Start(ctx)
	if err != nil {
		return err
	}
	events, err := h.Result()
	if err != nil {
		return err
	}
	if events == nil {
		events = []model.ExposureEvent{}
	}

	done, total := h.Progress().Snapshot()
	l.Info(ctx, "detection finished",
		logger.Int("events", len(events)),
		logger.Int64("batches", done),
		logger.Int64("total", total),
	)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}
