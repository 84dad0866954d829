package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/teeplatform/validator-coordinator/internal/api"
	"github.com/teeplatform/validator-coordinator/internal/attestation"
	"github.com/teeplatform/validator-coordinator/internal/challenge"
	"github.com/teeplatform/validator-coordinator/internal/config"
	"github.com/teeplatform/validator-coordinator/internal/dispatch"
	"github.com/teeplatform/validator-coordinator/internal/envelope"
	"github.com/teeplatform/validator-coordinator/internal/jobs"
	"github.com/teeplatform/validator-coordinator/internal/logging"
	"github.com/teeplatform/validator-coordinator/internal/progresscache"
	"github.com/teeplatform/validator-coordinator/internal/registry"
	"github.com/teeplatform/validator-coordinator/internal/security"
	"github.com/teeplatform/validator-coordinator/internal/serverbind"
	"github.com/teeplatform/validator-coordinator/internal/store"
	"github.com/teeplatform/validator-coordinator/internal/tracing"
	"github.com/teeplatform/validator-coordinator/internal/verifierclient"
	"github.com/teeplatform/validator-coordinator/internal/wsvalidator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator's REST API and validator WebSocket hub",
	RunE:  runServe,
}

// runServe wires every component SPEC_FULL.md names into one running
// process: Storage, the Validator Registry, the Attestation Verifier, the
// Dispatch Fabric, the Job State Machine, and the HTTP/WebSocket surface
// that serves them. Mirrors the teacher's cmd/server/main.go's flat,
// sequential construct-then-serve shape.
func runServe(cmd *cobra.Command, args []string) error {
	logging.Init()
	log := logging.L()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	tp, tpShutdown := tracing.Init(context.Background(), "validator-coordinator")
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tpShutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("coordinator: tracer provider shutdown failed")
		}
	}()
	if tp != nil {
		log.Info().Str("endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")).Msg("coordinator: OTLP tracing enabled")
	}

	db, err := store.Connect(cfg.DatabaseURL, cfg.UseMigrations)
	if err != nil {
		return err
	}
	defer db.Close()

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()

	jobsRepo := store.NewJobsRepo(db)
	testResultsRepo := store.NewJobTestResultsRepo(db)
	vmConfigsRepo := store.NewVMComposeConfigsRepo(db)
	challengesRepo := store.NewChallengesRepo(db)

	nonces := security.NewReplayProtection(redisClient, envelope.FreshnessWindow)

	verifierClient := verifierclient.New(cfg.VerifierURL, cfg.VerificationTimeout)
	verifier, err := attestation.NewVerifier(cfg, vmConfigsRepo, verifierClient)
	if err != nil {
		return err
	}

	trustCtx, trustCancel := context.WithCancel(context.Background())
	defer trustCancel()
	config.StartTrustedKeysReloader(trustCtx, os.Getenv("TRUSTED_KEYS_FILE"), time.Minute)

	validatorRegistry := registry.New()
	machine := jobs.NewMachine(jobsRepo)
	fabric := dispatch.NewFabric(validatorRegistry, machine, dispatch.NewHTTPResultForwarder())

	challengeRegistry := challenge.New(challengesRepo)
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := challengeRegistry.Load(bootCtx); err != nil {
		log.Warn().Err(err).Msg("coordinator: failed to seed challenge registry from storage")
	}
	bootCancel()

	progress, err := progresscache.NewFromEnv()
	if err != nil {
		return err
	}

	hub := wsvalidator.NewHub(validatorRegistry, verifier, fabric, nonces, 30*time.Second)

	server := api.NewServer(db, machine, fabric, challengeRegistry, progress, testResultsRepo, hub, cfg.JobTimeout)
	httpServer := &http.Server{Handler: server.Router()}

	listener, resolvedAddr, err := serverbind.ResolveAndListen(cfg.PortStrategy, cfg.HTTPPort, cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		return err
	}
	cfg.ResolvedAddr = resolvedAddr
	if err := serverbind.WriteAddrFile(cfg.AddrFile, resolvedAddr); err != nil {
		log.Warn().Err(err).Str("path", cfg.AddrFile).Msg("coordinator: failed to write resolved address file")
	}

	stopSweep := make(chan struct{})
	go runTimeoutSweep(machine, cfg.CleanupInterval, stopSweep)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", resolvedAddr).Str("strategy", cfg.PortStrategy).Msg("coordinator: listening")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sig:
		log.Info().Msg("coordinator: shutting down")
	}

	close(stopSweep)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// runTimeoutSweep drives the Job State Machine's periodic timeout sweep
// (spec §4.5), independent of any single request.
func runTimeoutSweep(machine *jobs.Machine, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if n, err := machine.SweepTimeouts(ctx); err != nil {
				logging.L().Warn().Err(err).Msg("coordinator: timeout sweep failed")
			} else if n > 0 {
				logging.L().Info().Int("count", n).Msg("coordinator: timeout sweep failed jobs")
			}
			cancel()
		case <-stop:
			return
		}
	}
}
