package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tolio/config"
	"tolio/escrow"
	"tolio/gateway/auth"
	"tolio/gateway/server"
	"tolio/ledger"
	"tolio/observability/logging"
	"tolio/recon"
	"tolio/settlement"
	"tolio/settlement/card"
	"tolio/settlement/chain"
	"tolio/settlement/sim"
	"tolio/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to escrowd TOML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup("escrowd", cfg.Environment)

	db, err := openDatabase(cfg)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := ledger.AutoMigrate(db); err != nil {
		log.Error("migrate ledger schema", "error", err)
		os.Exit(1)
	}

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		log.Error("configure auth", "error", err)
		os.Exit(1)
	}

	queue := webhook.NewQueue(
		webhook.WithCapacity(cfg.Webhook.QueueCapacity),
		webhook.WithTTL(cfg.Webhook.QueueTTL.Duration),
	)

	engine, err := escrow.NewEngine(escrow.Config{
		Store:         ledger.NewStore(db),
		Adapters:      buildAdapters(cfg),
		Notifier:      queue,
		Logger:        log,
		DefaultFeeBps: uint32(cfg.DefaultFeeBps),
	})
	if err != nil {
		log.Error("build escrow engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.Webhook.Endpoints) > 0 {
		worker := webhook.NewWorker(queue, buildEndpoints(cfg.Webhook.Endpoints), log)
		go worker.Run(ctx)
	}

	poller := recon.New(engine, log,
		recon.WithInterval(cfg.Recon.Interval.Duration),
		recon.WithBatchSize(cfg.Recon.BatchSize),
		recon.WithStaleAfter(cfg.Recon.StaleAfter.Duration),
	)
	go poller.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.New(engine, verifier, db, log).Handler(),
	}

	go func() {
		log.Info("escrowd listening", "address", cfg.ListenAddress, "dev_mode", cfg.DevMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	log.Info("shutting down escrowd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

func openDatabase(cfg config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if cfg.IsPostgres() {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
	}
	return gorm.Open(sqlite.Open(cfg.DatabaseURL), gormCfg)
}

func buildAdapters(cfg config.Config) []settlement.Adapter {
	if cfg.DevMode {
		return []settlement.Adapter{
			sim.New(ledger.RailCard),
			sim.New(ledger.RailChain),
		}
	}
	return []settlement.Adapter{
		card.NewAdapter(card.NewHTTPProcessorClient(cfg.Card.BaseURL, cfg.Card.APIKey)),
		chain.NewAdapter(
			chain.NewRPCContractClient(cfg.Chain.RPCURL, cfg.Chain.AuthToken, cfg.Chain.ContractAddress),
			cfg.Chain.TokenDecimals,
		),
	}
}

func buildEndpoints(configs []config.WebhookEndpointConfig) []webhook.Endpoint {
	endpoints := make([]webhook.Endpoint, 0, len(configs))
	for _, ep := range configs {
		endpoints = append(endpoints, webhook.Endpoint{
			Name:          ep.Name,
			URL:           ep.URL,
			Secret:        ep.Secret,
			Events:        ep.Events,
			RatePerMinute: ep.RatePerMinute,
		})
	}
	return endpoints
}
