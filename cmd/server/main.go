package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/starktol/vtu-platform/internal/config"
	"github.com/starktol/vtu-platform/internal/funding"
	"github.com/starktol/vtu-platform/internal/gateway"
	"github.com/starktol/vtu-platform/internal/ledger"
	"github.com/starktol/vtu-platform/internal/logger"
	"github.com/starktol/vtu-platform/internal/model"
	"github.com/starktol/vtu-platform/internal/recon"
	"github.com/starktol/vtu-platform/internal/repo"
	httptransport "github.com/starktol/vtu-platform/internal/transport/http"
	"github.com/starktol/vtu-platform/internal/vtu"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres; TranslateError turns unique violations into
	// gorm.ErrDuplicatedKey, which the repo's try-insert relies on
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Wallet{}, &model.Transaction{},
		&model.WebhookEvent{}, &model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo & ledger
	repository := repo.NewRepository(gdb, rdb, kw, log)
	ledgerSvc := ledger.NewService(repository, log)

	// 7. provider clients
	paymentClient := gateway.New(providerGatewayConfig(cfg.Payment, cfg.Gateway), log)
	vtuClient := gateway.New(providerGatewayConfig(cfg.VTU, cfg.Gateway), log)

	// 8. reconciliation, funding, purchases
	pipeline := recon.NewPipeline(repository, ledgerSvc, log)
	fundingSvc := funding.NewService(ledgerSvc, paymentClient, log)
	commission, err := decimal.NewFromString(cfg.VTU.CommissionRate)
	if err != nil {
		commission = decimal.Zero
	}
	catalog := vtu.NewCatalog(rdb, vtuClient, 0, log)
	vtuSvc := vtu.NewService(ledgerSvc, vtuClient, catalog, commission, log)

	// 9. gin router
	router := httptransport.NewRouter(httptransport.Services{
		Ledger:          ledgerSvc,
		Funding:         fundingSvc,
		VTU:             vtuSvc,
		Pipeline:        pipeline,
		PaymentVerifier: recon.NewVerifier(cfg.Payment.WebhookSecret),
		VTUVerifier:     recon.NewVerifier(cfg.VTU.WebhookSecret),
	}, cfg.RateLimit, log)

	// 10. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("vtu-platform listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

func providerGatewayConfig(p config.ProviderConfig, g config.GatewayConfig) gateway.Config {
	return gateway.Config{
		BaseURL:       p.BaseURL,
		Auth:          gateway.AuthMode(p.AuthMode),
		APIKey:        p.APIKey,
		APISecret:     p.APISecret,
		Username:      p.Username,
		Password:      p.Password,
		RetryAttempts: g.RetryAttempts,
		BaseDelay:     time.Duration(g.BaseDelay),
		MaxDelay:      time.Duration(g.MaxDelay),
		Timeout:       time.Duration(g.Timeout),
	}
}
