package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"commune/pkg/api"
	"commune/pkg/config"
	"commune/pkg/federation"
	"commune/pkg/identity"
	"commune/pkg/local"
	"commune/pkg/store"
)

func serveCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		Long:  `Start the chat server with its federation endpoints.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}

			logger := setupLogger(verbose || cfg.Logging.Verbose)
			defer logger.Sync()

			selfID, err := identity.NewManager(cfg.Server.DataDir, logger).GetOrCreate()
			if err != nil {
				return fmt.Errorf("failed to establish server identity: %w", err)
			}

			st, err := store.Open(cfg.Server.DataDir)
			if err != nil {
				return fmt.Errorf("failed to open federation store: %w", err)
			}
			defer st.Close()

			dir := local.NewDirectory()
			svc := federation.NewService(federation.Config{
				Self: federation.SelfInfo{
					Identity:       selfID,
					Name:           cfg.Server.Name,
					HTTPEndpoint:   cfg.HTTPEndpoint(),
					SocketEndpoint: cfg.SocketEndpoint(),
				},
				Enabled:           cfg.Federation.Enabled,
				AutoAccept:        cfg.Federation.AutoAccept,
				MaxPeers:          cfg.Federation.MaxPeers,
				HeartbeatInterval: cfg.Federation.HeartbeatInterval,
				RequestExpiry:     cfg.Federation.RequestExpiry,
				NotifyAttempts:    cfg.Federation.NotifyAttempts,
				TokenWindow:       cfg.Federation.TokenWindow,
				TokenClockSkew:    cfg.Federation.TokenClockSkew,
			}, st, dir, local.NewPublisher(logger), logger)

			if err := svc.Start(); err != nil {
				return fmt.Errorf("failed to start federation: %w", err)
			}

			httpSrv := &http.Server{
				Addr:              cfg.Server.ListenAddr,
				Handler:           api.NewServer(svc, logger).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			logger.Info("Starting server",
				zap.String("identity", selfID),
				zap.String("name", cfg.Server.Name),
				zap.String("address", cfg.Server.ListenAddr),
				zap.Bool("federation", cfg.Federation.Enabled))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return fmt.Errorf("http server failed: %w", err)
			case sig := <-sigChan:
				logger.Info("Shutting down server", zap.String("signal", sig.String()))
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			svc.Shutdown(ctx)
			if err := httpSrv.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown incomplete", zap.Error(err))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "address", "", "listening address (overrides config)")

	return cmd
}

// openStoreReadOnly opens the federation store for CLI inspection
// commands. WAL mode lets these readers coexist with a running server.
func openStoreReadOnly(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.Server.DataDir)
}
