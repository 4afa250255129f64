package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/astromechza/holoboard/pkg/api"
	"github.com/astromechza/holoboard/pkg/discovery"
	"github.com/astromechza/holoboard/pkg/httplog"
	"github.com/astromechza/holoboard/pkg/relay"
)

type relayOptions struct {
	Addr      string
	Database  string
	Advertise bool
}

func newRelayCommand(root *rootOptions) *cobra.Command {
	opts := &relayOptions{}
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the room relay and the board persistence api",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "localhost:8080", "the address to listen on")
	cmd.Flags().StringVar(&opts.Database, "db", "boards.sqlite3", "sqlite file holding saved boards")
	cmd.Flags().BoolVar(&opts.Advertise, "advertise", false, "announce the relay over mDNS")
	return cmd
}

func runRelay(ctx context.Context, opts *relayOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Opening database", "path", opts.Database)
	boards, err := api.Open(opts.Database)
	if err != nil {
		return err
	}
	defer boards.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rooms := relay.New(reg)
	defer rooms.Close()

	r := mux.NewRouter()
	r.Use(httplog.Middleware)
	rooms.Register(r)
	boards.Register(r)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	slog.Info("relay listening", "addr", listener.Addr().String())

	if opts.Advertise {
		port := listener.Addr().(*net.TCPAddr).Port
		server, err := discovery.Advertise(port)
		if err != nil {
			slog.Error("failed to advertise relay", "err", err)
		} else {
			defer server.Shutdown()
		}
	}

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(listener)
	}()

	select {
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		slog.Info("Signal caught, shutting down")
	}
	rooms.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
