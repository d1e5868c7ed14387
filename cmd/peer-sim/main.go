package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/okian/proxitrace/internal/peersim"
	"github.com/okian/proxitrace/pkg/logger"
)

func main() {
	cfg := peersim.NewConfig()
	var (
		verbose bool
		report  bool
	)

	cmd := &cobra.Command{
		Use:          "peer-sim",
		Short:        "Simulate nearby peers on the MQTT radio bridge",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := logger.Init(); err != nil {
				return err
			}
			if verbose {
				_ = logger.SetLevelString("debug")
			}
			res, err := peersim.Run(cmd.Context(), cfg)
			if report && cfg.BaseURL != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				_ = enc.Encode(res)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Broker, "broker", cfg.Broker, "MQTT broker URL")
	f.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "MQTT client id")
	f.StringVar(&cfg.TopicPrefix, "topic-prefix", cfg.TopicPrefix, "radio topic prefix shared with the node")
	f.StringVar(&cfg.BaseURL, "url", "", "node HTTP address used to verify resolution, e.g. http://localhost:9080")
	f.IntVar(&cfg.Peers, "peers", cfg.Peers, "number of simulated peers")
	f.Float64Var(&cfg.AndroidShare, "android-share", cfg.AndroidShare, "fraction of peers advertising their identifier in service data")
	f.DurationVar(&cfg.Interval, "interval", cfg.Interval, "gap between advertisement rounds")
	f.DurationVar(&cfg.Duration, "duration", cfg.Duration, "total run time")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "HTTP request timeout")
	f.BoolVar(&cfg.Strict, "strict", false, "exit non-zero when a peer was not resolved")
	f.BoolVar(&report, "report", false, "print the verification report as JSON")
	f.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
