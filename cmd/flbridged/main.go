// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// flbridged bridges a federated-learning coordinator onto a fleet of
// edge devices reachable only through an asynchronous pub/sub fabric.
// It exposes a synchronous HTTP API for the four training operations,
// a heartbeat ingest endpoint, and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flbridge/flbridge/bridge"
	"github.com/flbridge/flbridge/internal/commandbus"
	"github.com/flbridge/flbridge/internal/correlator"
	"github.com/flbridge/flbridge/internal/directory"
	"github.com/flbridge/flbridge/internal/metrics"
	"github.com/flbridge/flbridge/internal/objectstore"
	"github.com/flbridge/flbridge/internal/offload"
	"github.com/flbridge/flbridge/internal/relay"
	"github.com/flbridge/flbridge/internal/worker/heartbeatmonitor"
)

var logger = loggo.GetLogger("flbridge.cmd")

func main() {
	os.Exit(Main(os.Args))
}

// Main parses arguments, assembles the daemon and runs it until it
// receives SIGINT or SIGTERM. It is separate from main so tests can
// exercise argument handling.
func Main(args []string) int {
	var configPath string
	f := gnuflag.NewFlagSet("flbridged", gnuflag.ContinueOnError)
	f.StringVar(&configPath, "config", "/etc/flbridged/flbridged.yaml", "path to the daemon configuration file")
	if err := f.Parse(true, args[1:]); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := readConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := loggo.ConfigureLoggers(cfg.LogConfig); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if err := run(cfg); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

func run(cfg config) error {
	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return errors.Annotate(err, "loading AWS configuration")
	}

	dir, err := directory.New(directory.Config{
		Clock:           clock.WallClock,
		StalenessWindow: cfg.StalenessWindow,
	})
	if err != nil {
		return errors.Trace(err)
	}

	offloader, err := offload.NewManager(offload.Config{
		Store:     objectstore.NewS3Session(awsCfg),
		Bucket:    cfg.PayloadBucket,
		Threshold: cfg.OffloadThreshold,
		Clock:     clock.WallClock,
	})
	if err != nil {
		return errors.Trace(err)
	}

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return errors.Annotate(err, "registering metrics collector")
	}

	corr, err := correlator.New(correlator.Config{
		Relay:        relay.NewDynamoStore(awsCfg, cfg.RelayTable),
		Resolver:     offloader,
		Clock:        clock.WallClock,
		Logger:       loggo.GetLogger("flbridge.correlator"),
		PollInterval: cfg.PollInterval,
		Metrics:      collector,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer killAndWait(corr)

	hub := pubsub.NewStructuredHub(nil)
	monitor, err := heartbeatmonitor.NewWorker(heartbeatmonitor.Config{
		Hub:       hub,
		Directory: dir,
		Logger:    loggo.GetLogger("flbridge.heartbeat"),
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer killAndWait(monitor)

	b, err := bridge.New(bridge.Config{
		Directory:  dir,
		Publisher:  commandbus.NewIoTPublisher(awsCfg),
		Correlator: corr,
		Offload:    offloader,
		Clock:      clock.WallClock,
		Metrics:    collector,
	})
	if err != nil {
		return errors.Trace(err)
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: newAPIHandler(apiConfig{
			Bridge:     b,
			Directory:  dir,
			Hub:        hub,
			Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			MinTimeout: cfg.MinTimeout,
		}),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.ListenAddr)
		errc <- srv.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logger.Infof("received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Annotate(err, "shutting down HTTP server")
		}
		return nil
	case err := <-errc:
		return errors.Annotate(err, "HTTP server")
	}
}

func killAndWait(w worker.Worker) {
	w.Kill()
	if err := w.Wait(); err != nil {
		logger.Warningf("worker shutdown: %v", err)
	}
}
