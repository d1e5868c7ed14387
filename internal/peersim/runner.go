package peersim

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/okian/proxitrace/pkg/logger"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250
)

// Run connects to the broker, serves a generated peer population for
// cfg.Duration and, when cfg.BaseURL is set, verifies the node resolved
// every peer.
func Run(ctx context.Context, cfg *Config) (Report, error) {
	log := logger.Get().Named("peersim")
	start := time.Now()

	log.Info(ctx, "starting peer simulation",
		logger.String("broker", cfg.Broker),
		logger.String("topic_prefix", cfg.TopicPrefix),
		logger.Int("peers", cfg.Peers),
		logger.Float64("android_share", cfg.AndroidShare),
		logger.Duration("interval", cfg.Interval),
		logger.Duration("duration", cfg.Duration),
	)

	var node *nodeClient
	if cfg.BaseURL != "" {
		node = newNodeClient(cfg.BaseURL, cfg.Timeout)
		if err := node.health(ctx); err != nil {
			return Report{}, fmt.Errorf("node health check failed: %w", err)
		}
	}

	peers, err := GeneratePeers(cfg.Peers, cfg.AndroidShare)
	if err != nil {
		return Report{}, err
	}

	client, err := dial(ctx, cfg)
	if err != nil {
		return Report{}, err
	}
	defer client.Disconnect(disconnectQuiesce)

	dev := NewDevice(client, cfg.TopicPrefix, peers, log)
	if err := dev.Start(ctx); err != nil {
		return Report{}, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
		defer cancel()
		if err := dev.Stop(stopCtx); err != nil {
			log.Warn(ctx, "failed to stop device", logger.Error(err))
		}
	}()

	if err := serve(ctx, dev, cfg.Interval, cfg.Duration); err != nil {
		return Report{}, err
	}

	var report Report
	if node != nil && ctx.Err() == nil {
		scans, err := node.scans(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("fetching scans: %w", err)
		}
		report = Verify(peers, scans)
	}

	stats := dev.Stats()
	log.Info(ctx, "peer simulation finished",
		logger.Int64("rounds", stats.Rounds),
		logger.Int64("announced", stats.Announced),
		logger.Int64("commands", stats.Commands),
		logger.Int64("reads", stats.Reads),
		logger.Int64("failed", stats.Failed),
		logger.Int("resolved", report.Resolved),
		logger.Int("missing", len(report.Missing)),
		logger.Int("mismatched", len(report.Mismatched)),
		logger.Duration("elapsed", time.Since(start)),
	)

	if node != nil && ctx.Err() == nil && cfg.Strict && !report.OK() {
		return report, ErrUnresolved
	}
	return report, nil
}

// serve announces every interval until duration elapses or ctx ends.
func serve(ctx context.Context, dev *Device, interval, duration time.Duration) error {
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
			if err := dev.Announce(ctx); err != nil {
				return fmt.Errorf("announce: %w", err)
			}
		}
	}
}

func dial(ctx context.Context, cfg *Config) (mqtt.Client, error) {
	co := mqtt.NewClientOptions()
	co.AddBroker(cfg.Broker)
	co.SetClientID(cfg.ClientID)
	co.SetAutoReconnect(true)
	co.SetOrderMatters(true)
	co.SetConnectTimeout(connectTimeout)

	client := mqtt.NewClient(co)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	return client, nil
}
