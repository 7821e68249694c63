// Command pipebridge serves pipe operations to a parent process over its standard
// input and output, as a stream of msgpack-encoded method calls and replies.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/containerd/log"
	"github.com/database64128/pipebridge-go"
	"github.com/database64128/pipebridge-go/channel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pipebridge",
		Short:         "Bridge named pipe operations over a method-call stream",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve [OPTIONS]",
		Short: "Serve method calls on stdin and write replies to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.resolve(cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), s, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	installServeFlags(&opts, cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, s *settings, stdin io.Reader, stdout io.Writer) error {
	if err := log.SetLevel(s.logLevel); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.engine.Metrics = pipebridge.NewMetrics(reg)
	s.engine.Logger = log.G(ctx).WithField("component", "engine")

	if s.metricsListen != "" {
		stop, err := serveMetrics(ctx, s.metricsListen, reg)
		if err != nil {
			return err
		}
		defer stop()
	}

	engine := pipebridge.NewEngine(s.engine)
	log.G(ctx).WithFields(log.Fields{
		"maxTransferSize": s.engine.MaxTransferSize,
		"acceptTimeout":   s.engine.AcceptTimeout,
	}).Info("Serving pipe operations")

	err := channel.Serve(ctx, stdin, stdout, &channel.Handler{Engine: engine})

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if werr := engine.Wait(waitCtx); werr != nil {
		log.G(ctx).WithField("pending", engine.Pending()).Warn("Exiting with operations still pending")
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.G(ctx).WithError(err).Error("Metrics server failed")
		}
	}()
	log.G(ctx).WithField("addr", ln.Addr().String()).Info("Serving metrics")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

func main() {
	// stdout carries replies.
	logrus.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
