// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/luxfi/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/intent"
	"github.com/luxfi/intent/api"
	"github.com/luxfi/intent/config"
	"github.com/luxfi/intent/coordinator"
	"github.com/luxfi/intent/crypto/fhe"
	"github.com/luxfi/intent/metrics"
	"github.com/luxfi/intent/validator"
	"github.com/luxfi/intent/vault"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "intentd",
	Short: "Confidential settlement coordinator",
	Long: `intentd runs the settlement coordinator: it accepts encrypted
intent submissions, validates them, reserves encrypted balances, and drives
swap execution to a finalized or refunded outcome.`,
	Version: fmt.Sprintf("%s (built %s)", version, buildDate),
}

func init() {
	serveCmd.Flags().String(config.ConfigFileKey, os.Getenv(config.ConfigFileEnvKey), "Path to the JSON config file")
	keygenCmd.Flags().String("out", "coordinator.key", "Path to write the PEM-encoded RSA private key")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keygenCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.BuildViper(cmd.Flags())
		if err != nil {
			return fmt.Errorf("couldn't configure flags: %w", err)
		}
		cfg, err := config.NewConfig(v)
		if err != nil {
			return fmt.Errorf("couldn't build config: %w", err)
		}
		return run(cfg)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a coordinator RSA key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		sk, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(sk)
		if err != nil {
			return fmt.Errorf("failed to encode key: %w", err)
		}
		block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
		if err := os.WriteFile(out, pem.EncodeToMemory(block), 0o600); err != nil {
			return fmt.Errorf("failed to write key file: %w", err)
		}
		fmt.Printf("Wrote coordinator key to %s\n", out)
		return nil
	},
}

func run(cfg config.Config) error {
	logLevel, err := log.ToLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("error reading log level from config: %w", err)
	}
	logger := log.NewLogger(
		"intentd",
		*log.NewWrappedCore(
			logLevel,
			os.Stdout,
			log.JSON.ConsoleEncoder(),
		),
	)

	logger.Info("Initializing coordinator")

	coordinatorKey, err := loadCoordinatorKey(cfg)
	if err != nil {
		return err
	}

	dbOpts := badger.DefaultOptions(cfg.DataDir).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(dbOpts)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer db.Close()

	scheme := fhe.NewCoprocessor()
	v := vault.New(logger, db, scheme)

	// the coordinator's public key acts as the executor authority; matching
	// re-initialization is a no-op so restarts pass through
	authority, err := x509.MarshalPKIXPublicKey(&coordinatorKey.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to encode coordinator authority: %w", err)
	}
	if err := v.Initialize(authority, []byte(cfg.ExecutorProgramID)); err != nil {
		if !cfg.DevMockSwap || !errors.Is(err, vault.ErrAlreadyInitialized) {
			return fmt.Errorf("failed to initialize vault: %w", err)
		}
		// dev mode may run with an ephemeral key against persisted state
		logger.Warn("vault initialized under a different authority; keeping existing state")
	}

	val, err := validator.New(logger, validator.Config{
		ClockSkew:  cfg.ClockSkew(),
		RateLimit:  int(cfg.RateLimit),
		RateWindow: cfg.RateWindow(),
	}, v)
	if err != nil {
		return fmt.Errorf("failed to create validator: %w", err)
	}

	var engine coordinator.SwapEngine
	if cfg.DevMockSwap {
		logger.Warn("using mock swap engine; settlements will be tagged mock")
		engine = &coordinator.MockSwapEngine{}
	} else {
		engine = coordinator.NewRPCSwapEngine(cfg.RPCURL)
	}
	coord := coordinator.New(logger, coordinator.Config{}, db, v, engine)

	registry := metrics.StartMetricsServer(logger, cfg.MetricsPort)
	m := metrics.NewSettlementMetrics(registry)

	server := api.NewServer(
		logger,
		m,
		coordinatorKey,
		&intent.SchemeProvider{Scheme: scheme},
		v,
		val,
		coord,
	)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	errGroup, ctx := errgroup.WithContext(ctx)

	logger.Info("Initialization complete")
	errGroup.Go(func() error {
		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.APIPort),
			Handler: mux,
		}
		go func() {
			<-ctx.Done()
			_ = httpServer.Shutdown(context.Background())
		}()

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to run API server: %w", err)
		}
		return nil
	})

	if err := errGroup.Wait(); err != nil {
		logger.Error("Exited with error", log.Err(err))
		return err
	}
	logger.Info("Shut down cleanly")
	return nil
}

// loadCoordinatorKey reads the RSA private key, generating an ephemeral one
// in dev mode when no key file is configured
func loadCoordinatorKey(cfg config.Config) (*rsa.PrivateKey, error) {
	if cfg.CoordinatorKeyFile == "" {
		if !cfg.DevMockSwap {
			return nil, fmt.Errorf("%q must be set outside dev mode", config.CoordinatorKeyKey)
		}
		return rsa.GenerateKey(rand.Reader, 2048)
	}

	raw, err := os.ReadFile(cfg.CoordinatorKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read coordinator key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("coordinator key file is not PEM encoded")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse coordinator key: %w", err)
	}
	sk, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("coordinator key is not RSA")
	}
	return sk, nil
}
