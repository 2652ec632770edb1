// Command safir-node is a thin harness (SPEC_FULL.md section 1) that
// wires a single communication.Communication instance for manual and
// integration testing. The daemon lifecycle this would live inside in
// production is out of scope; this binary only proves the wiring.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/safircore/communication"
	"github.com/safircore/communication/internal/config"
)

var (
	configFile string
	seeds      []string
)

func main() {
	root := &cobra.Command{
		Use:   "safir-node",
		Short: "Run a Safir Communication node",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "", "path to a YAML configuration file")
	root.Flags().StringSliceVar(&seeds, "seed", nil, "bootstrap seed address (control), repeatable")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := config.Load(ctx, configFile)
	if err != nil {
		return err
	}

	comm, err := communication.New(cfg, communication.Callbacks{
		NewNode: func(id int64) {
			logrus.WithField("peer", id).Info("new node discovered")
		},
		Receive: func(senderID, senderNodeType, dataTypeID int64, payload []byte) {
			logrus.WithFields(logrus.Fields{
				"sender": senderID, "node_type": senderNodeType, "data_type": dataTypeID, "bytes": len(payload),
			}).Debug("received application data")
		},
		Fatal: func(err error) {
			logrus.WithError(err).Fatal("communication: fatal configuration error")
		},
	})
	if err != nil {
		return err
	}

	if len(seeds) > 0 {
		comm.InjectSeeds(seeds)
	}

	if cfg.MetricsListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsListenAddress, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Warn("metrics server stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		comm.Stop()
		cancel()
	}()

	return comm.Start(ctx)
}
