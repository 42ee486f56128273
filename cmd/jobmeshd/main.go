package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"jobmesh/go-backend/internal/bootstrap/busconfig"
	"jobmesh/go-backend/internal/bridge"
	"jobmesh/go-backend/internal/bus"
	"jobmesh/go-backend/internal/coordinator"
	"jobmesh/go-backend/internal/identity"
	"jobmesh/go-backend/internal/ledger"
	"jobmesh/go-backend/internal/orchestrator"
	"jobmesh/go-backend/internal/platform/privacylog"
	"jobmesh/go-backend/internal/storage"
	"jobmesh/go-backend/internal/worker"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const ledgerFeedLimit = 1024

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for daemon local data (optional)")
	transport := flag.String("transport", "", "Network transport override: go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("jobmeshd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *transport != "" {
		_ = os.Setenv("JOBMESH_NETWORK_TRANSPORT", *transport)
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))
	slog.SetDefault(logger)

	cfg := busconfig.LoadFromPath(*configPath)
	if *dataDir != "" {
		if cfg.Store.JobsPath == "" {
			cfg.Store.JobsPath = filepath.Join(*dataDir, "jobs.bin")
		}
		if cfg.Store.BidsPath == "" {
			cfg.Store.BidsPath = filepath.Join(*dataDir, "bids.bin")
		}
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("jobmeshd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("jobmeshd stopped")
}

func run(ctx context.Context, cfg busconfig.Config, logger *slog.Logger) error {
	jobs, bids, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}

	led := ledger.New(cfg.Domain, ledgerFeedLimit)
	node := bus.NewNode(cfg.Bus)
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start bus node: %w", err)
	}
	defer func() { _ = node.Stop(context.Background()) }()

	coord := coordinator.New(jobs, bids, cfg.Domain, logger)
	if err := node.Subscribe(coord.Handler()); err != nil {
		return fmt.Errorf("subscribe coordinator: %w", err)
	}

	networkHint := fmt.Sprintf("chain-%d", cfg.Domain.ChainID)
	orch := orchestrator.New(jobs, bids, led, node, orchestrator.LocalProvisioner{}, networkHint, logger)

	br := bridge.New(led, node, bridge.Config{
		StartSeq:      cfg.Bridge.StartSeq,
		NetworkID:     cfg.Domain.ChainID,
		LedgerAddress: cfg.Domain.LedgerAddress,
	})
	go func() {
		if err := br.Run(ctx); err != nil {
			logger.Error("bridge exited", "error", err)
		}
	}()

	if cfg.WorkerOn {
		agent, err := buildWorker(cfg, node, logger)
		if err != nil {
			return fmt.Errorf("build worker: %w", err)
		}
		if err := agent.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
	}

	go watchExpiredJobs(ctx, orch, logger)

	logger.Info("jobmeshd started",
		"transport", cfg.Bus.Transport,
		"chain_id", cfg.Domain.ChainID,
		"worker_enabled", cfg.WorkerOn)
	<-ctx.Done()
	return nil
}

func openStores(cfg busconfig.Config) (*storage.JobStore, *storage.BidStore, error) {
	if cfg.Store.JobsPath == "" {
		return storage.NewJobStore(), storage.NewBidStore(), nil
	}
	jobs, err := storage.NewPersistentJobStore(cfg.Store.JobsPath, cfg.Store.Passphrase)
	if err != nil {
		return nil, nil, err
	}
	bids, err := storage.NewPersistentBidStore(cfg.Store.BidsPath, cfg.Store.Passphrase)
	if err != nil {
		return nil, nil, err
	}
	return jobs, bids, nil
}

func buildWorker(cfg busconfig.Config, node *bus.Node, logger *slog.Logger) (*worker.Agent, error) {
	var signer *identity.Signer
	var err error
	switch {
	case cfg.Worker.SeedPath != "":
		// Preferred key source: the encrypted seed file written by
		// jobmesh-keygen, unlocked with JOBMESH_KEY_PASSPHRASE.
		signer, err = identity.LoadSeed(cfg.Worker.SeedPath, cfg.Worker.KeyPassphrase)
	case cfg.Worker.Mnemonic != "":
		signer, err = identity.FromMnemonic(cfg.Worker.Mnemonic)
	default:
		signer, err = identity.NewSigner()
	}
	if err != nil {
		return nil, err
	}
	node.SetIdentity(signer.ID())

	policy := worker.DefaultPolicy()
	policy.Topics = cfg.Worker.Topics
	if min := cfg.MinBudgetValue(); min != nil {
		policy.MinBudget = min
	}
	if cfg.Worker.QuoteBps != 0 {
		policy.QuoteBps = cfg.Worker.QuoteBps
	}
	if cfg.Worker.ETASeconds != 0 {
		policy.ETASeconds = cfg.Worker.ETASeconds
	}
	return worker.NewAgent(signer, node, cfg.Domain, policy, logger), nil
}

// watchExpiredJobs periodically surfaces jobs whose intent expired before
// settlement. Reporting only; expired records stay in the store.
func watchExpiredJobs(ctx context.Context, orch *orchestrator.Orchestrator, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := orch.ExpiredJobs()
			if len(expired) > 0 {
				logger.Info("expired jobs pending", "count", len(expired))
			}
		}
	}
}
