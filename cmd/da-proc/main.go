// Command da-proc launches one process of the distributed message-passing
// engine in one of three modes: perfect-link, fifo, or lattice.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	dalink "github.com/kvant-labs/dalink"
	"github.com/kvant-labs/dalink/internal/hostconf"
	"github.com/kvant-labs/dalink/internal/logging"
	"github.com/kvant-labs/dalink/internal/obsmetrics"
)

var (
	app = kingpin.New("da-proc", "Distributed message-passing engine process")

	plCmd       = app.Command("perfect-link", "Run in perfect-link mode")
	plID        = plCmd.Flag("id", "this process's host id").Required().Uint64()
	plHosts     = plCmd.Flag("hosts", "path to the hosts file").Required().String()
	plOutput    = plCmd.Flag("output", "path to the output file").Required().String()
	plMetrics   = plCmd.Flag("metrics-addr", "address to serve /metrics on, empty disables it").Default("").String()
	plConfig    = plCmd.Arg("config", "path to the perfect-link run configuration").Required().String()

	fifoCmd     = app.Command("fifo", "Run in FIFO broadcast mode")
	fifoID      = fifoCmd.Flag("id", "this process's host id").Required().Uint64()
	fifoHosts   = fifoCmd.Flag("hosts", "path to the hosts file").Required().String()
	fifoOutput  = fifoCmd.Flag("output", "path to the output file").Required().String()
	fifoMetrics = fifoCmd.Flag("metrics-addr", "address to serve /metrics on, empty disables it").Default("").String()
	fifoConfig  = fifoCmd.Arg("config", "path to the FIFO run configuration").Required().String()

	latCmd      = app.Command("lattice", "Run in lattice agreement mode")
	latID       = latCmd.Flag("id", "this process's host id").Required().Uint64()
	latHosts    = latCmd.Flag("hosts", "path to the hosts file").Required().String()
	latOutput   = latCmd.Flag("output", "path to the output file").Required().String()
	latMetrics  = latCmd.Flag("metrics-addr", "address to serve /metrics on, empty disables it").Default("").String()
	latConfig   = latCmd.Arg("config", "path to the lattice run configuration").Required().String()
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logging.Default()
	metrics := obsmetrics.New()

	var (
		id          uint64
		hostsPath   string
		outputPath  string
		configPath  string
		metricsAddr string
	)
	var mode dalink.Mode
	switch cmd {
	case plCmd.FullCommand():
		mode, id, hostsPath, outputPath, configPath, metricsAddr = dalink.ModePerfectLink, *plID, *plHosts, *plOutput, *plConfig, *plMetrics
	case fifoCmd.FullCommand():
		mode, id, hostsPath, outputPath, configPath, metricsAddr = dalink.ModeFIFO, *fifoID, *fifoHosts, *fifoOutput, *fifoConfig, *fifoMetrics
	case latCmd.FullCommand():
		mode, id, hostsPath, outputPath, configPath, metricsAddr = dalink.ModeLattice, *latID, *latHosts, *latOutput, *latConfig, *latMetrics
	default:
		app.FatalUsage("unknown command %q", cmd)
	}

	hosts, err := hostconf.ParseHostsFile(hostsPath)
	if err != nil {
		logger.Errorf("fatal: %v", err)
		os.Exit(1)
	}

	out, err := dalink.NewOutputWriter(outputPath)
	if err != nil {
		logger.Errorf("fatal: %v", err)
		os.Exit(1)
	}

	params := dalink.Params{
		SelfID:  id,
		Hosts:   hosts,
		Mode:    mode,
		Output:  out,
		Logger:  logger,
		Metrics: metrics,
	}

	switch mode {
	case dalink.ModePerfectLink:
		cfg, err := hostconf.ParsePerfectLinkConfig(configPath)
		if err != nil {
			logger.Errorf("fatal: %v", err)
			os.Exit(1)
		}
		params.NumMessages = cfg.NumMessages
		params.ReceiverID = cfg.ReceiverID
	case dalink.ModeFIFO:
		cfg, err := hostconf.ParseFIFOConfig(configPath)
		if err != nil {
			logger.Errorf("fatal: %v", err)
			os.Exit(1)
		}
		params.NumMessages = cfg.NumMessages
	case dalink.ModeLattice:
		cfg, err := hostconf.ParseLatticeConfig(configPath)
		if err != nil {
			logger.Errorf("fatal: %v", err)
			os.Exit(1)
		}
		params.Proposals = cfg.Proposals
	}

	proc, err := dalink.NewProcess(params)
	if err != nil {
		logger.Errorf("fatal: %v", err)
		os.Exit(1)
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, metrics, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("signal received, shutting down")
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		_ = proc.Run(ctx)
		close(done)
	}()

	switch mode {
	case dalink.ModePerfectLink, dalink.ModeFIFO:
		proc.BroadcastApplicationMessages()
	case dalink.ModeLattice:
		proc.ProposeAll()
	}

	<-ctx.Done()
	<-done

	proc.Stop()
	if err := out.Close(); err != nil {
		logger.Errorf("flushing output: %v", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string, m *obsmetrics.Metrics, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warnf("metrics server stopped: %v", err)
	}
}
