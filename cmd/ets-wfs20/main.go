package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/opengeospatial/ets-wfs20/internal/core/config"
	"github.com/opengeospatial/ets-wfs20/internal/core/httpclient"
	"github.com/opengeospatial/ets-wfs20/internal/core/observability"
	"github.com/opengeospatial/ets-wfs20/internal/core/server"
	"github.com/opengeospatial/ets-wfs20/internal/logger"
	"github.com/opengeospatial/ets-wfs20/internal/suite"
)

var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// parseConfig applies, in order, the environment, the -config file and the
// remaining flags.
func parseConfig(args []string, stderr io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet("ets-wfs20", flag.ContinueOnError)
	fs.SetOutput(stderr)
	wfs := fs.String("wfs", "", "capabilities URL or file")
	xsd := fs.String("xsd", "", "application schema location (default: DescribeFeatureType)")
	maxFeatures := fs.Int("max-features", 0, "features requested per type")
	statusAddr := fs.String("status-addr", "", "serve /healthz, /metrics and /featuretypes on this address")
	cfgFile := fs.String("config", "", "YAML run file")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.FromEnv()
	if *cfgFile != "" {
		var err error
		if cfg, err = config.LoadFile(*cfgFile, cfg); err != nil {
			return cfg, err
		}
	}
	if *wfs != "" {
		cfg.WFSURL = *wfs
	}
	if *xsd != "" {
		cfg.SchemaURL = *xsd
	}
	if *maxFeatures > 0 {
		cfg.MaxFeatures = *maxFeatures
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
	return cfg, cfg.Validate()
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := parseConfig(args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "ets-wfs20:", err)
		return 2
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "ets-wfs20",
	}, stderr)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting",
		"version", Version,
		"wfs", cfg.WFSURL,
		"max_features", cfg.MaxFeatures,
		"timeout", cfg.RequestTimeout.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := suite.New(cfg, appLog, httpclient.NewOutbound(cfg.RequestTimeout))

	if cfg.StatusAddr != "" {
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := server.Run(srvCtx, cfg.StatusAddr, appLog, runner); err != nil {
				appLog.Error("status server exited with error", "err", err)
			}
		}()
	}

	rep, err := runner.Run(ctx)
	if err != nil {
		appLog.Error("run failed", "err", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		appLog.Error("write report", "err", err)
		return 1
	}
	return 0
}
