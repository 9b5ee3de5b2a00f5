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

	"golang.org/x/sync/errgroup"

	"fulfillchain/config"
	"fulfillchain/core/events"
	"fulfillchain/core/state"
	"fulfillchain/native/bank"
	"fulfillchain/native/escrow"
	"fulfillchain/native/fulfillment"
	"fulfillchain/native/registry"
	"fulfillchain/native/tokenlist"
	"fulfillchain/observability/logging"
	"fulfillchain/rpc"
	"fulfillchain/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	env := flag.String("env", "production", "deployment environment label used in logs")
	flag.Parse()

	if err := run(*configPath, *env); err != nil {
		fmt.Fprintf(os.Stderr, "fulfilld: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, env string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("fulfilld", env, logging.Options{
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open %s database: %w", cfg.Backend, err)
	}
	defer db.Close()

	st := state.NewManager(db)
	owner := cfg.Owner()
	orchAddr := cfg.Orchestrator()

	stream := events.NewStream(cfg.EventBufferSize)

	directory := registry.NewRegistry(st, owner)
	directory.SetEmitter(stream)
	if err := directory.SetManager(owner, orchAddr); err != nil {
		return fmt.Errorf("configure directory manager: %w", err)
	}

	tokens := tokenlist.NewList(st, owner)
	tokens.SetEmitter(stream)

	custody := bank.NewBank(st, owner)
	moduleAcct := bank.NewModuleAccount(custody, orchAddr)
	vaultAcct := bank.NewVaultAccount(custody, cfg.Vault())

	native := escrow.NewLedger(owner)
	native.SetState(st)
	native.SetEmitter(stream)
	native.SetTransferer(moduleAcct)
	if err := native.SetRegistry(owner, directory); err != nil {
		return fmt.Errorf("wire native ledger directory: %w", err)
	}
	if err := native.SetManager(owner, orchAddr); err != nil {
		return fmt.Errorf("configure native ledger manager: %w", err)
	}
	if err := native.SetRouter(owner, cfg.Router()); err != nil {
		return fmt.Errorf("configure native ledger router: %w", err)
	}

	token := escrow.NewTokenLedger(owner, cfg.Vault())
	token.SetState(st)
	token.SetEmitter(stream)
	token.SetTransferer(vaultAcct)
	if err := token.SetRegistry(owner, directory); err != nil {
		return fmt.Errorf("wire token ledger directory: %w", err)
	}
	if err := token.SetManager(owner, orchAddr); err != nil {
		return fmt.Errorf("configure token ledger manager: %w", err)
	}
	if err := token.SetRouter(owner, cfg.Router()); err != nil {
		return fmt.Errorf("configure token ledger router: %w", err)
	}

	orch := fulfillment.NewOrchestrator(orchAddr, owner, directory, native, token)

	authSecret := cfg.RPCAuthSecret()
	if authSecret == "" {
		logger.Warn("rpc authentication disabled; callers are taken from request params",
			slog.String("network", cfg.NetworkName))
	}

	server := rpc.NewServer(rpc.Deps{
		Log:        logger,
		Orch:       orch,
		Native:     native,
		Token:      token,
		Directory:  directory,
		Tokens:     tokens,
		Stream:     stream,
		Bank:       custody,
		Funds:      moduleAcct,
		RouterAddr: cfg.Router(),
		AuthSecret: authSecret,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting fulfilld",
		slog.String("network", cfg.NetworkName),
		slog.String("backend", cfg.Backend),
		slog.String("rpc", cfg.RPCAddress))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, cfg.RPCAddress)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested")
		return nil
	})
	return g.Wait()
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemDB(), nil
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "state.bolt"))
	case "leveldb":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}
