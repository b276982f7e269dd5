// Command mmw-broker runs the broker process: load configuration, open the
// persistence store, optionally dial the dead-letter Kafka topic, bind the
// listener, and serve until SIGINT/SIGTERM (spec.md §4.5.6, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/minimw/mmw/broker"
	"github.com/minimw/mmw/internal/config"
	"github.com/minimw/mmw/internal/dlq"
	"github.com/minimw/mmw/internal/logging"
	"github.com/minimw/mmw/internal/protocol"
	"github.com/minimw/mmw/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "path to the broker config file (defaults to ./broker.yaml, env MMW_* overrides)")
	flag.Parse()

	loader, err := config.Load(config.Options{ConfigFile: *configFile, WatchConfig: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mmw-broker: config: %v\n", err)
		return 1
	}
	cfg := loader.Current()

	log, err := logging.New(logging.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "mmw-broker: logging: %v\n", err)
		return 1
	}
	defer log.Sync()

	// The broker's own retry/heartbeat sweeps are fixed at construction; a
	// config file edit is observed but requires a restart to take effect.
	loader.OnTunablesChange(func(t config.Tunables) {
		log.Infow("config file changed; restart the broker for new tunables to take effect",
			"retryInterval", t.RetryInterval, "maxRetries", t.MaxRetries, "heartbeatTimeout", t.HeartbeatTimeout)
	})

	st, err := store.Open(store.Config{Path: cfg.PersistencePath, Logger: log})
	if err != nil {
		log.Errorw("failed to open persistence store", "path", cfg.PersistencePath, "error", err)
		return 1
	}
	defer st.Close()

	var forwarder *dlq.Forwarder
	if len(cfg.DLQBrokers) > 0 {
		forwarder, err = dlq.New(dlq.Config{Brokers: cfg.DLQBrokers, Topic: cfg.DLQTopic, Logger: log})
		if err != nil {
			log.Warnw("dead-letter forwarding disabled: failed to connect to Kafka", "brokers", cfg.DLQBrokers, "error", err)
			forwarder = nil
		} else {
			defer forwarder.Close()
		}
	}

	srv, err := broker.New(broker.Config{
		Host:  cfg.BrokerHost,
		Port:  cfg.BrokerPort,
		Codec: protocol.Name(cfg.Codec),

		RetrySweepInterval: cfg.RetrySweepInterval,
		RetryInterval:      cfg.RetryInterval,
		MaxRetries:         cfg.MaxRetries,

		HeartbeatSweepInterval: cfg.HeartbeatSweepInterval,
		HeartbeatTimeout:       cfg.HeartbeatTimeout,

		MaxRecordBytes: cfg.MaxRecordBytes,

		Logger: log,
		Store:  st,
		DLQ:    forwarder,
	})
	if err != nil {
		log.Errorw("failed to initialize broker", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infow("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		log.Errorw("broker exited with error", "error", err)
		return 1
	}
	return 0
}
