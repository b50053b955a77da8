// Core is the Semblance Core process: it owns autonomy configuration, the
// Policy Manager, the Approval Pattern Tracker, and the Attestation
// Generator, and is the only component that dials Gateway over IPC. The
// on-device intent loop that turns model tool calls into HandleIntent
// calls, and the interactive approval surface that answers Approver
// prompts, are external collaborators this process does not implement
// (spec.md §1 Non-goals); Core's own job is to hold the wiring they run
// against and stay up until asked to stop.
//
// Required environment variables:
//
//	SEMBLANCE_MASTER_KEY  - hex-encoded master key (64 hex chars / 32 bytes)
//	SEMBLANCE_IPC_SECRET  - hex-encoded HMAC key shared with Gateway (64 hex chars)
//
// Optional environment variables:
//
//	SEMBLANCE_DATA_DIR               - data directory (default: ~/.semblance)
//	SEMBLANCE_IPC_ADDR                - Gateway socket/pipe address (default: <data dir>/gateway.sock)
//	SEMBLANCE_CONTROL_ADDR            - local control server address for the intent loop (default: 127.0.0.1:8787)
//	SEMBLANCE_DEFAULT_TIER            - default autonomy tier: guardian|partner|alter_ego (default: guardian)
//	SEMBLANCE_TIER_OVERRIDES          - comma-separated domain=tier pairs, e.g. "email=partner,finances=guardian"
//	SEMBLANCE_DEVICE_ID               - device identifier embedded in Witness attestations (default: hostname)
//	SEMBLANCE_ATTESTATION_ED25519_SEED - hex-encoded Ed25519 seed (32 bytes); preferred signing key
//	SEMBLANCE_ATTESTATION_HMAC_KEY      - hex-encoded HMAC key; fallback signing key if no Ed25519 seed
//	SEMBLANCE_INHERITANCE_CONSENSUS_QUORUM - minimum active trusted parties required for a
//	                                    deletion-consensus action to run (default: 0, meaning all parties)
//	LOG_LEVEL                        - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT                        - "text" or "json" (default: "text")
//
// Attestation is optional: if neither SEMBLANCE_ATTESTATION_ED25519_SEED nor
// SEMBLANCE_ATTESTATION_HMAC_KEY is set, Core runs without a Witness
// Generator and HandleIntent never issues attestations.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/semblance-ai/semblance/common/crypto"
	"github.com/semblance-ai/semblance/common/environment"
	"github.com/semblance-ai/semblance/common/ipc"
	"github.com/semblance-ai/semblance/internal/approvals"
	"github.com/semblance-ai/semblance/internal/attestation"
	"github.com/semblance-ai/semblance/internal/core/orchestrator"
	"github.com/semblance-ai/semblance/internal/coreapp"
	"github.com/semblance-ai/semblance/internal/inheritance"
	"github.com/semblance-ai/semblance/internal/observability"
	"github.com/semblance-ai/semblance/internal/policy"
)

func main() {
	observability.Setup(environment.StringOr("LOG_LEVEL", "info"), environment.StringOr("LOG_FORMAT", "text"))

	if _, err := crypto.LoadMasterKey(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	signingKey, err := loadHexSecret("SEMBLANCE_IPC_SECRET")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	dataDir := dataDirOrDefault()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data directory %s: %v\n", dataDir, err)
		os.Exit(1)
	}

	tracker, err := approvals.New(filepath.Join(dataDir, "approvals.db"))
	if err != nil {
		slog.Error("core: open approvals database", "err", err)
		os.Exit(1)
	}
	defer tracker.Close()

	config := policy.NewStaticConfig(autonomyConfigFromEnv())
	engine := policy.New(config, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := environment.StringOr("SEMBLANCE_IPC_ADDR", filepath.Join(dataDir, "gateway.sock"))
	client, err := ipc.Dial(ctx, addr)
	if err != nil {
		slog.Error("core: dial gateway", "addr", addr, "err", err)
		os.Exit(1)
	}

	deviceID := environment.StringOr("SEMBLANCE_DEVICE_ID", hostnameOrDefault())

	witnesses, err := witnessGeneratorOrNil(dataDir, deviceID)
	if err != nil {
		slog.Error("core: build attestation generator", "err", err)
		os.Exit(1)
	}
	if witnesses != nil {
		defer witnesses.Close()
	} else {
		slog.Warn("core: no attestation signing key configured; Witness attestations are disabled")
	}

	orch := orchestrator.New(
		signingKey,
		engine,
		tracker,
		client,
		witnesses,
		deviceID,
		nil,
		func(domain string) policy.Tier { return config.AutonomyConfig().TierFor(domain) },
	)

	inheritanceStore, err := inheritance.New(filepath.Join(dataDir, "inheritance.db"))
	if err != nil {
		slog.Error("core: open inheritance database", "err", err)
		os.Exit(1)
	}
	defer inheritanceStore.Close()

	quorum := inheritance.Quorum{Required: environment.IntOr("SEMBLANCE_INHERITANCE_CONSENSUS_QUORUM", 0)}
	executor := inheritance.NewExecutor(inheritanceStore, orch, quorum)

	startedAt := time.Now()
	controlAddr := environment.StringOr("SEMBLANCE_CONTROL_ADDR", "127.0.0.1:8787")
	control := coreapp.New(controlAddr, coreapp.Handlers{
		Orchestrator: orch,
		Inheritance:  executor,
		StartedAt:    startedAt,
	})
	if err := control.Start(ctx); err != nil {
		slog.Error("core: start control server", "err", err)
		os.Exit(1)
	}

	slog.Info("core started", "dataDir", dataDir, "gatewayAddr", addr, "controlAddr", controlAddr, "deviceID", deviceID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("core shutting down")
	cancel()
	_ = control.Stop(context.Background())
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

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "semblance-core"
	}
	return h
}

// autonomyConfigFromEnv reads SEMBLANCE_DEFAULT_TIER and
// SEMBLANCE_TIER_OVERRIDES into an AutonomyConfig. Unrecognized tier
// strings fall back to TierGuardian, the most restrictive tier, rather
// than failing startup over a typo in a domain override.
func autonomyConfigFromEnv() policy.AutonomyConfig {
	cfg := policy.AutonomyConfig{
		DefaultTier:     tierOrGuardian(environment.StringOr("SEMBLANCE_DEFAULT_TIER", string(policy.TierGuardian))),
		DomainOverrides: map[string]policy.Tier{},
	}
	for _, pair := range environment.StringSliceOr("SEMBLANCE_TIER_OVERRIDES", nil) {
		domain, tier, ok := strings.Cut(pair, "=")
		if !ok {
			slog.Warn("core: ignoring malformed SEMBLANCE_TIER_OVERRIDES entry", "entry", pair)
			continue
		}
		cfg.DomainOverrides[strings.TrimSpace(domain)] = tierOrGuardian(strings.TrimSpace(tier))
	}
	return cfg
}

func tierOrGuardian(s string) policy.Tier {
	switch policy.Tier(s) {
	case policy.TierGuardian, policy.TierPartner, policy.TierAlterEgo:
		return policy.Tier(s)
	default:
		slog.Warn("core: unrecognised autonomy tier, defaulting to guardian", "value", s)
		return policy.TierGuardian
	}
}

// witnessGeneratorOrNil builds an attestation.Generator from whichever
// signing key material is configured, preferring Ed25519 over HMAC to
// match attestation.Signer's own preference (spec §4.7). Returns a nil
// Generator, not an error, when neither key is set.
func witnessGeneratorOrNil(dataDir, deviceID string) (*attestation.Generator, error) {
	var ed25519Key ed25519.PrivateKey
	if seedHex := os.Getenv("SEMBLANCE_ATTESTATION_ED25519_SEED"); seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, fmt.Errorf("invalid hex in SEMBLANCE_ATTESTATION_ED25519_SEED: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("SEMBLANCE_ATTESTATION_ED25519_SEED must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		ed25519Key = ed25519.NewKeyFromSeed(seed)
	}

	var hmacKey []byte
	if hmacHex := os.Getenv("SEMBLANCE_ATTESTATION_HMAC_KEY"); hmacHex != "" {
		key, err := hex.DecodeString(hmacHex)
		if err != nil {
			return nil, fmt.Errorf("invalid hex in SEMBLANCE_ATTESTATION_HMAC_KEY: %w", err)
		}
		hmacKey = key
	}

	if len(ed25519Key) == 0 && len(hmacKey) == 0 {
		return nil, nil
	}

	signer := attestation.NewSigner(deviceID, ed25519Key, hmacKey)
	return attestation.NewGenerator(filepath.Join(dataDir, "attestations.db"), signer)
}
