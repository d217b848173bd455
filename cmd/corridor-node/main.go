// corridor-node is the composition root: it loads configuration and the
// policy artifact, wires every governance component, and serves the HTTP
// transport. All dependencies are constructed here and passed downward;
// nothing reaches them through process-wide state.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/capabilities"
	"github.com/corridor-systems/corridor/pkg/config"
	"github.com/corridor-systems/corridor/pkg/consent"
	"github.com/corridor-systems/corridor/pkg/decision"
	"github.com/corridor-systems/corridor/pkg/firewall"
	"github.com/corridor-systems/corridor/pkg/gate"
	"github.com/corridor-systems/corridor/pkg/genome"
	"github.com/corridor-systems/corridor/pkg/heartbeat"
	"github.com/corridor-systems/corridor/pkg/pipeline"
	"github.com/corridor-systems/corridor/pkg/ratelimit"
	"github.com/corridor-systems/corridor/pkg/receipts"
	"github.com/corridor-systems/corridor/pkg/registry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("[corridor] fatal: %v", err)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("corridor node starting", "posture", string(cfg.Posture))

	// Root of trust first: a load failure is fatal, no retries.
	artifact, err := loadArtifact(cfg, logger)
	if err != nil {
		return fmt.Errorf("policy artifact rejected: %w", err)
	}
	logger.Info("policy artifact verified",
		"artifact_id", artifact.ID(), "version", artifact.Version, "capabilities", len(artifact.Capabilities))

	// Audit-state leaves.
	reg := registry.Default()
	cons := consent.NewStore(cfg.AnchorActors)
	tokens := capabilities.NewLedger(5*time.Minute, time.Minute)

	store, err := openReceiptStore(cfg)
	if err != nil {
		return fmt.Errorf("receipt store init failed: %w", err)
	}
	chain, err := receipts.NewChain(context.Background(), store)
	if err != nil {
		return fmt.Errorf("receipt chain init failed: %w", err)
	}

	// Decision kernel and firewalls.
	kernel, err := decision.NewKernel(artifact, reg, cons, tokens)
	if err != nil {
		return fmt.Errorf("decision kernel init failed: %w", err)
	}
	var limiter ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisStore(cfg.RedisAddr, "", 0)
		logger.Info("rate limiting backed by redis", "addr", cfg.RedisAddr)
	}
	ingress := firewall.NewIngress(firewall.IngressConfig{
		MaxRequestSize: cfg.MaxRequestSize,
		RatePolicy: ratelimit.Policy{
			WindowMS:    cfg.RateLimitWindowMS,
			MaxRequests: cfg.RateLimitMaxRequests,
		},
	}, limiter)
	egress := firewall.NewEgress(firewall.EgressConfig{
		MaxResponseSize: cfg.MaxResponseSize,
		Strict:          cfg.Posture == config.PostureProduction,
	})

	// Side-effect gate and handlers.
	sem := gate.NewSemaphore(cfg.ConcurrencyMaxTotal, cfg.ConcurrencyMaxPerActor)
	g := gate.New(gate.Config{JobTimeout: cfg.JobTimeout}, kernel, tokens, chain, sem)
	handlers, err := buildHandlers(cons, chain)
	if err != nil {
		return fmt.Errorf("handler init failed: %w", err)
	}

	// Heartbeat battery.
	monitor := heartbeat.NewMonitor(cfg.HeartbeatInterval, []heartbeat.Probe{
		heartbeat.PrerequisitesProbe(kernel, reg),
		heartbeat.ChainProbe(chain),
		heartbeat.CanaryDenyProbe(ingress),
		heartbeat.CanaryAllowProbe(kernel),
	}, logger)

	orch := pipeline.New(ingress, egress, kernel, g, chain, monitor, handlers, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go monitor.Run(ctx)

	srv := newServer(cfg, orch, monitor, logger)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("transport listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("transport failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadArtifact verifies the signed artifact at the configured path. In
// development posture a missing artifact bootstraps an ephemeral one so a
// fresh checkout can run; production refuses to boot.
func loadArtifact(cfg *config.Config, logger *slog.Logger) (*genome.Artifact, error) {
	mode := genome.ModeDevelopment
	if cfg.Posture == config.PostureProduction {
		mode = genome.ModeProduction
	}
	if _, err := os.Stat(cfg.ArtifactPath); err != nil {
		if cfg.Posture == config.PostureProduction {
			return nil, fmt.Errorf("artifact %q unreadable: %w", cfg.ArtifactPath, err)
		}
		logger.Warn("no artifact on disk; bootstrapping ephemeral development treaty", "path", cfg.ArtifactPath)
		return bootstrapArtifact()
	}
	return genome.Load(cfg.ArtifactPath, cfg.RepoRoot, mode)
}

// bootstrapArtifact mints a development treaty signed by a throwaway key.
func bootstrapArtifact() (*genome.Artifact, error) {
	signer, err := canon.NewSigner("dev-bootstrap")
	if err != nil {
		return nil, err
	}
	a := &genome.Artifact{
		SchemaVersion:      genome.SchemaVersion,
		Name:               "corridor-treaty-dev",
		Version:            "0.0.0-dev",
		Signers:            []genome.Signer{{KeyID: signer.KeyID, PublicKey: signer.PublicKey()}},
		SignatureThreshold: 1,
		Invariants: []genome.Invariant{
			{ID: "inv-receipts", Severity: "critical", Claim: "every verdict appends a chained receipt"},
			{ID: "inv-single-path", Severity: "critical", Claim: "no side effect outside the gate"},
		},
		Capabilities: []genome.Capability{
			{ID: "cap:execute", RiskClass: "high", Allow: []string{registry.ActionJobRun, registry.ActionJobCancel}},
			{ID: "cap:memory", RiskClass: "medium", Allow: []string{registry.ActionMemoryCreate, registry.ActionMemoryQuery}},
			{ID: "cap:interpret", RiskClass: "medium", Allow: []string{registry.ActionOIInterpret}},
			{ID: "cap:knowledge", RiskClass: "high", Allow: []string{registry.ActionKnowledgeIngest}},
			{ID: "cap:consent", RiskClass: "critical", Allow: []string{registry.ActionConsentSignal}},
			{ID: "cap:audit", RiskClass: "low", Allow: []string{registry.ActionReceiptsRead}},
		},
	}
	if err := genome.Sign(a, signer); err != nil {
		return nil, err
	}
	a.LoadedAt = time.Now().UTC()
	return a, nil
}

func openReceiptStore(cfg *config.Config) (receipts.Store, error) {
	dsn := cfg.ReceiptStoreDSN
	switch {
	case dsn == "":
		if cfg.Posture == config.PostureProduction {
			return nil, errors.New("production posture requires RECEIPT_STORE_DSN")
		}
		return receipts.NewMemoryStore(), nil
	case len(dsn) > 11 && dsn[:11] == "postgres://":
		return receipts.OpenPostgresStore(dsn)
	default:
		return receipts.OpenSQLiteStore(dsn)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
