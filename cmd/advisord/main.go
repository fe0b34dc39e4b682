package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AdvisorChain/internal/api"
	"AdvisorChain/internal/approval"
	"AdvisorChain/internal/audit"
	"AdvisorChain/internal/bookkeeping"
	"AdvisorChain/internal/config"
	"AdvisorChain/internal/ledger"
	"AdvisorChain/internal/orchestrator"
	"AdvisorChain/internal/schedule"
	"AdvisorChain/internal/session"
	"AdvisorChain/internal/storage"
	"AdvisorChain/internal/strategist"
	"AdvisorChain/internal/watch"
	"AdvisorChain/pkg/logger"
)

// main 是会话编排守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("advisord 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	store, err := session.NewStore(cfg.Runtime.DataDir)
	if err != nil {
		return err
	}
	defer store.Flush()

	ledgerPublisher, closeLedger, err := createLedgerPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	receipts, err := createReceiptPublisher(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if receipts != nil {
			if err := receipts.Close(); err != nil {
				log.Printf("关闭回执通道失败: %v", err)
			}
		}
	}()

	var archive session.Archive
	switch cfg.Archive.Driver {
	case "", "none":
	case "mysql":
		sqlArchive, err := session.NewSQLArchive(cfg.Archive.DSN)
		if err != nil {
			return err
		}
		archive = sqlArchive
		defer sqlArchive.Close()
	default:
		return fmt.Errorf("未知的归档驱动: %s", cfg.Archive.Driver)
	}

	tracker := schedule.NewTracker(
		schedule.WithExpiryWindow(time.Duration(cfg.Schedule.ExpiryWindowMinutes) * time.Minute),
	)

	orch, err := orchestrator.New(orchestrator.Config{
		Store:      store,
		Events:     audit.NewLog(ledgerPublisher),
		Verifier:   approval.NewVerifier(cfg.Approval.ChainID),
		Watcher:    watch.NewStaticWatcher(nil),
		Strategist: strategist.New(strategist.WithPlanTTL(time.Duration(cfg.Approval.PlanTTLMinutes) * time.Minute)),
		Executor:   orchestrator.NewDryRunExecutor(),
		Uploader:   storage.NewContentHashUploader(),
		Receipts:   receipts,
		Tracker:    tracker,
		Archive:    archive,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, orch, tracker)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createLedgerPublisher 按驱动创建审计账本后端。ethereum 驱动连不上节点时
// 直接报错退出，运行期的发布失败才走降级路径。
func createLedgerPublisher(ctx context.Context, cfg *config.Config) (audit.Publisher, func(), error) {
	switch cfg.Ledger.Driver {
	case "", "mock":
		return ledger.NewMockPublisher(), func() {}, nil
	case "ethereum":
		def := ledger.ChainDefinition{
			RPCURL:  cfg.Ledger.RPCURL,
			ChainID: cfg.Approval.ChainID,
		}
		if def.RPCURL == "" {
			defs, err := ledger.LoadChainDefinitions(cfg.Ledger.ChainDefsPath)
			if err != nil {
				return nil, nil, err
			}
			if named, ok := defs.Chains["default"]; ok {
				def = named
			} else {
				for _, candidate := range defs.Chains {
					def = candidate
					break
				}
			}
		}
		publisher, err := ledger.NewEthereumPublisher(ctx, def)
		if err != nil {
			return nil, nil, err
		}
		return publisher, publisher.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

// createReceiptPublisher 按驱动创建旁路回执通道。
func createReceiptPublisher(cfg *config.Config) (bookkeeping.Publisher, error) {
	switch cfg.Bookkeeping.Driver {
	case "", "memory":
		return bookkeeping.NewMemoryPublisher(1024), nil
	case "redis":
		return bookkeeping.NewRedisPublisher(bookkeeping.RedisConfig{
			Address:  cfg.Bookkeeping.Redis.Address,
			Password: cfg.Bookkeeping.Redis.Password,
			DB:       cfg.Bookkeeping.Redis.DB,
		})
	case "rabbitmq":
		return bookkeeping.NewRabbitMQPublisher(bookkeeping.RabbitMQConfig{
			URL:     cfg.Bookkeeping.RabbitMQ.URL,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的回执驱动: %s", cfg.Bookkeeping.Driver)
	}
}
