// Gateway is the Semblance Gateway process: the only component allowed to
// reach the network, file system providers, or external services. It
// accepts exactly one Core connection at a time over a local IPC socket
// and runs every inbound ActionRequest through the fixed dispatch pipeline
// (schema validate -> rate limit -> allowlist -> anomaly detect -> service
// adapter -> audit append) before returning an ActionResponse.
//
// Required environment variables:
//
//	SEMBLANCE_IPC_SECRET   - hex-encoded HMAC key shared with Core (64 hex chars)
//
// Optional environment variables:
//
//	SEMBLANCE_DATA_DIR          - data directory (default: ~/.semblance)
//	SEMBLANCE_IPC_ADDR          - IPC socket/pipe address (default: <data dir>/gateway.sock)
//	SEMBLANCE_RATE_LIMIT_WINDOW - sliding window width, e.g. "60s" (default: 60s)
//	SEMBLANCE_RATE_LIMIT_GLOBAL - global request quota per window (default: 20)
//	MATRIX_HOMESERVER           - Matrix homeserver URL, enables the inheritance
//	                              notification adapter when set together with
//	                              MATRIX_USER_ID and MATRIX_ACCESS_TOKEN
//	MATRIX_USER_ID              - Gateway's Matrix user ID
//	MATRIX_ACCESS_TOKEN         - Gateway's Matrix access token
//	LOG_LEVEL                   - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT                  - "text" or "json" (default: "text")
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/semblance-ai/semblance/common/environment"
	"github.com/semblance-ai/semblance/common/ipc"
	"github.com/semblance-ai/semblance/internal/allowlist"
	"github.com/semblance-ai/semblance/internal/anomaly"
	"github.com/semblance-ai/semblance/internal/audit"
	"github.com/semblance-ai/semblance/internal/gatewayapp"
	"github.com/semblance-ai/semblance/internal/gatewayapp/adapters"
	"github.com/semblance-ai/semblance/internal/observability"
	"github.com/semblance-ai/semblance/internal/ratelimit"
	rmatrix "github.com/semblance-ai/semblance/internal/matrix"
)

func main() {
	observability.Setup(environment.StringOr("LOG_LEVEL", "info"), environment.StringOr("LOG_FORMAT", "text"))

	dataDir := dataDirOrDefault()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data directory %s: %v\n", dataDir, err)
		os.Exit(1)
	}

	signingKey, err := loadHexSecret("SEMBLANCE_IPC_SECRET")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	allowStore, err := allowlist.New(filepath.Join(dataDir, "allowlist.db"))
	if err != nil {
		slog.Error("gateway: open allowlist database", "err", err)
		os.Exit(1)
	}
	defer allowStore.Close()

	auditStore, err := audit.New(filepath.Join(dataDir, "audit.db"))
	if err != nil {
		slog.Error("gateway: open audit database", "err", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	limiter := ratelimit.New(
		environment.DurationOr("SEMBLANCE_RATE_LIMIT_WINDOW", ratelimit.DefaultWindow),
		nil,
		environment.IntOr("SEMBLANCE_RATE_LIMIT_GLOBAL", ratelimit.DefaultLimit),
	)

	registry := gatewayapp.NewRegistry(gatewayapp.AdapterFunc(adapters.Noop()))
	registry.Register("service.api_call", gatewayapp.AdapterFunc(adapters.HTTP(nil, 0)))
	registry.Register("model.download", gatewayapp.AdapterFunc(adapters.HTTP(nil, 0)))

	// adapters.MatrixNotification reads dryRun and requiresDeletionConsensus
	// off the action payload itself, so the same registration serves both
	// a real send and Core's test-run simulator (spec §4.8) without a
	// separate adapter.
	if notifier := matrixNotifierOrNil(); notifier != nil {
		registry.Register("inheritance.test-run", gatewayapp.AdapterFunc(adapters.MatrixNotification(notifier)))
	} else {
		slog.Warn("gateway: MATRIX_* environment variables not fully set; inheritance notifications will no-op")
	}

	pipeline := &gatewayapp.Pipeline{
		Limiter:    limiter,
		Allowlist:  allowStore,
		Anomaly:    anomaly.New(anomaly.Config{}),
		Audit:      auditStore,
		Adapters:   registry,
		SigningKey: signingKey,
	}

	addr := environment.StringOr("SEMBLANCE_IPC_ADDR", filepath.Join(dataDir, "gateway.sock"))
	server := ipc.NewServer(addr, pipeline.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
			slog.Error("gateway: serve failed", "err", err)
			os.Exit(1)
		}
	}()

	slog.Info("gateway started", "addr", addr, "dataDir", dataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("gateway shutting down")
	cancel()
	server.Close()
}

func dataDirOrDefault() string {
	if v := os.Getenv("SEMBLANCE_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".semblance"
	}
	return filepath.Join(home, ".semblance")
}

func loadHexSecret(envVar string) ([]byte, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, fmt.Errorf("required environment variable %s is not set", envVar)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in %s: %w", envVar, err)
	}
	return key, nil
}

func matrixNotifierOrNil() *rmatrix.Client {
	homeserver := os.Getenv("MATRIX_HOMESERVER")
	userID := os.Getenv("MATRIX_USER_ID")
	accessToken := os.Getenv("MATRIX_ACCESS_TOKEN")
	if homeserver == "" || userID == "" || accessToken == "" {
		return nil
	}

	client, err := rmatrix.New(&rmatrix.Config{
		Homeserver:  homeserver,
		UserID:      userID,
		AccessToken: accessToken,
	})
	if err != nil {
		slog.Warn("gateway: failed to create Matrix client for inheritance notifications", "err", err)
		return nil
	}
	return client
}
