package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/cwbudde/crowdcalib/internal/gateway"
)

var listenAddr string

var serveSimulatorCmd = &cobra.Command{
	Use:   "serve-simulator",
	Short: "Expose the local file-based simulator over gRPC",
	Long: `Runs on the simulator host and serves the Simulator gRPC service. Each
request is executed through the file gateway configured under 'simulator', so a
campaign elsewhere can use transport 'grpc' and point at this address.
Requests are executed one at a time.`,
	Args: cobra.NoArgs,
	RunE: runServeSimulator,
}

func init() {
	serveSimulatorCmd.Flags().StringVar(&listenAddr, "listen", ":50051", "gRPC listen address")
	rootCmd.AddCommand(serveSimulatorCmd)
}

func runServeSimulator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	gw, err := gateway.NewFileGateway(cfg.FileGateway())
	if err != nil {
		return fmt.Errorf("failed to create file gateway: %w", err)
	}

	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	srv := grpc.NewServer()
	gateway.RegisterSimulatorServer(srv, &gateway.GatewayRunner{
		Gateway: gw,
		Timeout: cfg.Simulator.Timeout.Duration,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("Shutting down simulator service")
		srv.GracefulStop()
	}()

	slog.Info("Serving simulator", "addr", lis.Addr().String(), "mode", cfg.Simulator.Mode)
	if err := srv.Serve(lis); err != nil && ctx.Err() == nil {
		return fmt.Errorf("simulator service failed: %w", err)
	}
	return nil
}

