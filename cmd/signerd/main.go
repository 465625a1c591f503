package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ParallelSigner-Chain/internal/api"
	"ParallelSigner-Chain/internal/batcher"
	"ParallelSigner-Chain/internal/chain/provider"
	"ParallelSigner-Chain/internal/config"
	"ParallelSigner-Chain/internal/signer"
	"ParallelSigner-Chain/internal/storage/mysql"
	"ParallelSigner-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/crypto"
)

// main 是打包守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("signerd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PARALLELSIGNER_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "parallelsigner.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit:       cfg.Logging.Audit,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.Signer.PrivateKey), "0x")
	if keyHex == "" {
		return errors.New("未配置签名私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return fmt.Errorf("解析签名私钥失败: %w", err)
	}

	store, err := createStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	notifier, err := createNotifier(ctx, cfg)
	if err != nil {
		return err
	}
	if notifier != nil {
		defer func() { _ = notifier.Close() }()
	}

	registry, err := provider.NewRegistry(ctx, cfg.Chains.DefinitionPath)
	if err != nil {
		return err
	}
	defer registry.Close()

	fees, err := defaultFees(cfg)
	if err != nil {
		return err
	}
	encoder, err := batcher.New(batcher.Config{
		Contract: cfg.Signer.AggregatorContract,
		Fees:     fees,
	})
	if err != nil {
		return err
	}

	signers := make([]*signer.Signer, 0)
	for _, chainID := range registry.ChainIDs() {
		client, ok := registry.Client(chainID)
		if !ok {
			continue
		}
		opts := []signer.Option{
			signer.WithRequestCountLimit(cfg.Signer.RequestCountLimit),
			signer.WithDelay(time.Duration(cfg.Signer.DelaySeconds) * time.Second),
			signer.WithCheckInterval(time.Duration(cfg.Signer.CheckIntervalSeconds) * time.Second),
			signer.WithFloorResetAlert(cfg.Signer.AlertOnFloorReset),
			signer.WithLogger(logger.Named("signer").With(slog.String("chain", registry.Name(chainID)))),
		}
		if cfg.Signer.Confirmations > 0 {
			opts = append(opts, signer.WithConfirmations(cfg.Signer.Confirmations))
		}
		if notifier != nil {
			opts = append(opts, signer.WithNotifier(notifier))
		}
		sg, err := signer.New(key, client, store, encoder.Populate, chainID, opts...)
		if err != nil {
			return err
		}
		signers = append(signers, sg)
	}

	service, err := signer.NewService(signers...)
	if err != nil {
		return err
	}
	service.Start(ctx)
	defer service.Close()

	server := api.NewServer(cfg.Server.Address, service)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createStore(ctx context.Context, cfg *config.Config) (signer.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return signer.NewMemoryStore(), nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		if err := mysql.RunMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		store, err := signer.NewMySQLStoreWithDB(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func createNotifier(ctx context.Context, cfg *config.Config) (signer.Notifier, error) {
	switch cfg.Notifier.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		notifier := signer.NewMemoryNotifier(1024)
		// 本地运行时没有下游消费者，直接打到日志
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-notifier.Events():
					if !ok {
						return
					}
					logger.L().Info("批次已终结",
						slog.Int64("chain_id", event.ChainID),
						slog.Uint64("nonce", event.Nonce),
						slog.String("tx_hash", event.TransactionHash),
						slog.Int("request_count", len(event.RequestIDs)),
					)
				}
			}
		}()
		return notifier, nil
	case "redis":
		return signer.NewRedisNotifier(signer.RedisNotifierConfig{
			Address:  cfg.Notifier.Redis.Address,
			Password: cfg.Notifier.Redis.Password,
			DB:       cfg.Notifier.Redis.DB,
			Queue:    cfg.Notifier.Redis.Queue,
		})
	case "rabbitmq":
		return signer.NewRabbitMQNotifier(signer.RabbitMQNotifierConfig{
			URL:     cfg.Notifier.RabbitMQ.URL,
			Queue:   cfg.Notifier.RabbitMQ.Queue,
			Durable: cfg.Notifier.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的通知驱动: %s", cfg.Notifier.Driver)
	}
}

func defaultFees(cfg *config.Config) (signer.GasFees, error) {
	if cfg.Signer.MaxFeePerGasWei != "" || cfg.Signer.MaxPriorityFeeWei != "" {
		maxFee, ok := new(big.Int).SetString(cfg.Signer.MaxFeePerGasWei, 10)
		if !ok {
			return nil, fmt.Errorf("无法解析 max_fee_per_gas_wei: %q", cfg.Signer.MaxFeePerGasWei)
		}
		priority, ok := new(big.Int).SetString(cfg.Signer.MaxPriorityFeeWei, 10)
		if !ok {
			return nil, fmt.Errorf("无法解析 max_priority_fee_wei: %q", cfg.Signer.MaxPriorityFeeWei)
		}
		return signer.DynamicFee{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}, nil
	}
	if cfg.Signer.GasPriceWei != "" {
		price, ok := new(big.Int).SetString(cfg.Signer.GasPriceWei, 10)
		if !ok {
			return nil, fmt.Errorf("无法解析 gas_price_wei: %q", cfg.Signer.GasPriceWei)
		}
		return signer.LegacyFee{GasPrice: price}, nil
	}
	return nil, errors.New("需要配置 EIP-1559 双字段费用或 gas_price_wei 之一")
}
