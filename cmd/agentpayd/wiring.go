package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentPay-Chain/internal/activity"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/ledger/evm"
	"AgentPay-Chain/internal/llm"
	"AgentPay-Chain/internal/llm/anthropic"
	"AgentPay-Chain/internal/llm/openai"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/ratelimit"
	"AgentPay-Chain/internal/reconcile"
	"AgentPay-Chain/internal/tools"
	"AgentPay-Chain/internal/tools/chain"
	"AgentPay-Chain/internal/tools/market"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/internal/web3/provider"
	"AgentPay-Chain/pkg/logger"
)

// openChains 仅在配置了节点或账本走链上时连接区块链。
func openChains(ctx context.Context, cfg *config.Config) (*provider.Registry, error) {
	if cfg.Web3.RPCURL == "" && cfg.Web3.ChainConfig == "" && cfg.Ledger.Driver != "evm" {
		return nil, nil
	}
	return provider.NewRegistry(ctx, cfg.Web3)
}

func chainClient(chains *provider.Registry, name string) (web3.Client, error) {
	if chains == nil {
		return nil, errors.New("未配置区块链节点")
	}
	if name != "" {
		client, ok := chains.Client(name)
		if !ok {
			return nil, fmt.Errorf("未知的链: %s", name)
		}
		return client, nil
	}
	return chains.DefaultClient()
}

func openLedger(ctx context.Context, cfg *config.Config, chains *provider.Registry) (ledger.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		book := ledger.NewMemoryLedger()
		for _, agent := range cfg.Ledger.Agents {
			price, err := payment.ToAtomic(agent.PriceUSD, payment.USDCDecimals)
			if err != nil {
				return nil, fmt.Errorf("智能体 %d 价格无效: %w", agent.ID, err)
			}
			book.RegisterAgent(ledger.AgentProfile{
				ID:          agent.ID,
				Name:        agent.Name,
				Description: agent.Description,
				Price:       price,
				Beneficiary: common.HexToAddress(agent.Beneficiary),
				Active:      true,
			})
		}
		return book, nil
	case "evm":
		client, err := chainClient(chains, cfg.Ledger.Chain)
		if err != nil {
			return nil, err
		}
		key := ""
		if cfg.Ledger.PrivateKeyEnv != "" {
			key = strings.TrimSpace(os.Getenv(cfg.Ledger.PrivateKeyEnv))
		}
		if key == "" {
			return nil, errors.New("evm 账本需要签名私钥，请设置 ledger.private_key_env 指向的环境变量")
		}
		chainID := big.NewInt(cfg.Ledger.ChainID)
		if cfg.Ledger.ChainID <= 0 {
			if chainID, err = client.ChainID(ctx); err != nil {
				return nil, fmt.Errorf("查询链 ID 失败: %w", err)
			}
		}
		signer, err := evm.NewSigner(key, chainID)
		if err != nil {
			return nil, err
		}
		return evm.New(client.Backend(), signer, evm.Config{
			RegistryAddress: common.HexToAddress(cfg.Ledger.RegistryAddress),
			EscrowAddress:   common.HexToAddress(cfg.Ledger.EscrowAddress),
			Timeout:         cfg.Ledger.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

func createInvoker(cfg *config.Config) (*llm.Invoker, error) {
	primary, err := createProvider(cfg.LLM.Primary)
	if err != nil {
		return nil, err
	}
	var opts []llm.InvokerOption
	if cfg.LLM.Secondary.Enabled() {
		secondary, err := createProvider(cfg.LLM.Secondary)
		if err != nil {
			return nil, err
		}
		opts = append(opts, llm.WithSecondary(secondary))
	}
	return llm.NewInvoker(primary, llm.Config{
		MaxAttempts:     cfg.LLM.MaxAttempts,
		BaseDelay:       cfg.LLM.BaseDelay(),
		MinOutputLength: cfg.LLM.MinOutputLength,
		MaxOutputLength: cfg.LLM.MaxOutputLength,
	}, opts...), nil
}

func createProvider(pc config.ProviderConfig) (llm.Provider, error) {
	apiKey := pc.ResolveAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("%s provider 需要配置 api_key 或 api_key_env", pc.Provider)
	}
	switch pc.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:    apiKey,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
			Timeout:   pc.Timeout(),
		})
	case "anthropic":
		return anthropic.NewFromConfig(anthropic.Config{
			APIKey:    apiKey,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
			Timeout:   pc.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", pc.Provider)
	}
}

func openActivityStore(ctx context.Context, cfg *config.Config) (activity.Store, error) {
	switch cfg.Activity.Driver {
	case "", "memory":
		return activity.NewMemoryStore(cfg.Runtime.DataDir)
	case "mysql":
		return activity.NewMySQLStore(ctx, activity.MySQLConfig{
			DSN:             cfg.Activity.DSN,
			MaxOpenConns:    cfg.Activity.MaxOpenConns,
			MaxIdleConns:    cfg.Activity.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Activity.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Activity.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的活动日志驱动: %s", cfg.Activity.Driver)
	}
}

func openLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, error) {
	rl := cfg.RateLimit
	switch rl.Driver {
	case "none":
		return ratelimit.Noop{}, nil
	case "", "memory":
		return ratelimit.NewMemoryLimiter(rl.Limit, rl.Window(), rl.SweepInterval()), nil
	case "redis":
		return ratelimit.NewRedisLimiter(ctx, ratelimit.RedisConfig{
			Address:   rl.Redis.Address,
			Password:  rl.Redis.Password,
			DB:        rl.Redis.DB,
			KeyPrefix: rl.Redis.KeyPrefix,
		}, rl.Limit, rl.Window())
	default:
		return nil, fmt.Errorf("未知的限流驱动: %s", rl.Driver)
	}
}

func openReconcileQueue(ctx context.Context, cfg *config.Config) (reconcile.Queue, error) {
	rc := cfg.Reconcile
	switch rc.Driver {
	case "", "memory":
		return reconcile.NewMemoryQueue(256), nil
	case "redis":
		return reconcile.NewRedisQueue(ctx, reconcile.RedisQueueConfig{
			Address:   rc.Redis.Address,
			Password:  rc.Redis.Password,
			DB:        rc.Redis.DB,
			Queue:     rc.Redis.Queue,
			BlockWait: time.Duration(rc.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return reconcile.NewRabbitMQQueue(reconcile.RabbitMQConfig{
			URL:        rc.RabbitMQ.URL,
			Queue:      rc.RabbitMQ.Queue,
			Prefetch:   rc.RabbitMQ.Prefetch,
			Durable:    rc.RabbitMQ.Durable,
			AutoDelete: rc.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", rc.Driver)
	}
}

// createAugmenter 按配置组装行情与链上数据的降级链，全部关闭时返回 nil。
func createAugmenter(cfg *config.Config, chains *provider.Registry) *tools.Augmenter {
	tc := cfg.Tools
	var marketTiers, chainTiers []tools.Strategy

	if tc.Market.Enabled {
		key := secret(tc.Market.APIKey, tc.Market.APIKeyEnv)
		if tc.Market.SDKURL != "" {
			marketTiers = append(marketTiers, market.NewSDKStrategy(market.Config{BaseURL: tc.Market.SDKURL, APIKey: key, Timeout: tc.Timeout()}))
		}
		if tc.Market.APIURL != "" {
			marketTiers = append(marketTiers, market.NewAPIStrategy(market.Config{BaseURL: tc.Market.APIURL, APIKey: key, Timeout: tc.Timeout()}))
		}
	}

	if tc.Chain.Enabled {
		key := secret(tc.Chain.APIKey, tc.Chain.APIKeyEnv)
		if tc.Chain.ExplorerURL != "" {
			chainTiers = append(chainTiers, chain.NewExplorerStrategy(chain.Config{BaseURL: tc.Chain.ExplorerURL, APIKey: key, Timeout: tc.Timeout()}))
		}
		if tc.Chain.APIURL != "" {
			chainTiers = append(chainTiers, chain.NewAPIStrategy(chain.Config{BaseURL: tc.Chain.APIURL, APIKey: key, Timeout: tc.Timeout()}))
		}
		if client, err := chainClient(chains, tc.Chain.RPCChain); err == nil {
			chainTiers = append(chainTiers, chain.NewRPCStrategy(client))
		} else {
			logger.L().Warn("链上数据未启用 RPC 兜底", "error", err)
		}
	}

	if len(marketTiers) == 0 && len(chainTiers) == 0 {
		return nil
	}
	return tools.NewAugmenter(
		tools.WithMarket(marketTiers...),
		tools.WithChain(chainTiers...),
		tools.WithTimeout(tc.Timeout()),
	)
}

func createAlerting(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := secret(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookURLEnv); url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, 5*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}

func secret(value, env string) string {
	value = strings.TrimSpace(value)
	if value == "" && env != "" {
		value = strings.TrimSpace(os.Getenv(env))
	}
	return value
}
