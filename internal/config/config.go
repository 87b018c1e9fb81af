package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 AgentPay 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Logging   LoggingConfig   `json:"logging"`
	Payment   PaymentConfig   `json:"payment"`
	Ledger    LedgerConfig    `json:"ledger"`
	LLM       LLMConfig       `json:"llm"`
	Tools     ToolsConfig     `json:"tools"`
	Activity  ActivityConfig  `json:"activity"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Alerting  AlertingConfig  `json:"alerting"`
	Web3      Web3Config      `json:"web3"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address          string `json:"address"`
	OperatorToken    string `json:"operator_token"`
	OperatorTokenEnv string `json:"operator_token_env"`
	// MetricsAddress 非空时额外在独立端口暴露 /metrics。
	MetricsAddress string `json:"metrics_address"`
	// SagaTimeoutSeconds 是单次执行流程的整体上限，与客户端连接无关。
	SagaTimeoutSeconds int `json:"saga_timeout_seconds"`
}

// SagaTimeout 返回执行流程的整体超时时间。
func (s ServerConfig) SagaTimeout() time.Duration {
	return time.Duration(s.SagaTimeoutSeconds) * time.Second
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	Environment string `json:"environment"`
	DataDir     string `json:"data_dir"`
}

// IsProduction 判断是否运行在生产环境，生产环境下不返回诊断细节。
func (r RuntimeConfig) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(r.Environment), "production")
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与滚动。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// PaymentConfig 描述 x402 支付验证与结算所需的参数。
type PaymentConfig struct {
	FacilitatorURL    string `json:"facilitator_url"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	AssetName         string `json:"asset_name"`
	AssetVersion      string `json:"asset_version"`
	PayTo             string `json:"pay_to"`
	PlatformFeeBps    int64  `json:"platform_fee_bps"`
	MaxTimeoutSeconds int64  `json:"max_timeout_seconds"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	ResourceBaseURL   string `json:"resource_base_url"`
}

// Timeout 返回调用 facilitator 的超时时间。
func (p PaymentConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// LedgerConfig 描述链上账本的访问方式。
type LedgerConfig struct {
	Driver          string        `json:"driver"`
	Chain           string        `json:"chain"`
	RegistryAddress string        `json:"registry_address"`
	EscrowAddress   string        `json:"escrow_address"`
	PrivateKeyEnv   string        `json:"private_key_env"`
	ChainID         int64         `json:"chain_id"`
	TimeoutSeconds  int           `json:"timeout_seconds"`
	Agents          []AgentConfig `json:"agents"`
}

// Timeout 返回单次链上调用（含等待回执）的超时时间。
func (l LedgerConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// AgentConfig 用于内存账本的初始智能体。
type AgentConfig struct {
	ID          uint64 `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceUSD    string `json:"price_usd"`
	Beneficiary string `json:"beneficiary"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Primary          ProviderConfig `json:"primary"`
	Secondary        ProviderConfig `json:"secondary"`
	MaxAttempts      int            `json:"max_attempts"`
	BaseDelayMillis  int            `json:"base_delay_millis"`
	MinOutputLength  int            `json:"min_output_length"`
	MaxOutputLength  int            `json:"max_output_length"`
	SystemPromptBase string         `json:"system_prompt_base"`
}

// BaseDelay 返回重试的基础等待时间。
func (l LLMConfig) BaseDelay() time.Duration {
	return time.Duration(l.BaseDelayMillis) * time.Millisecond
}

// ProviderConfig 描述单个大模型服务商。
type ProviderConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	MaxTokens      int    `json:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Enabled 判断该服务商是否已配置。
func (p ProviderConfig) Enabled() bool {
	return strings.TrimSpace(p.Provider) != ""
}

// ResolveAPIKey 优先使用显式配置，其次读取环境变量。
func (p ProviderConfig) ResolveAPIKey() string {
	key := strings.TrimSpace(p.APIKey)
	if key == "" && p.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(p.APIKeyEnv))
	}
	return key
}

// Timeout 返回单次推理请求的超时时间。
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// ToolsConfig 描述外部数据源。
type ToolsConfig struct {
	Market         MarketConfig `json:"market"`
	Chain          ChainConfig  `json:"chain"`
	TimeoutSeconds int          `json:"timeout_seconds"`
}

// Timeout 返回单个数据源请求的超时时间。
func (t ToolsConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// MarketConfig 描述行情数据源。
type MarketConfig struct {
	Enabled   bool   `json:"enabled"`
	SDKURL    string `json:"sdk_url"`
	APIURL    string `json:"api_url"`
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
}

// ChainConfig 描述链上数据源。
type ChainConfig struct {
	Enabled     bool   `json:"enabled"`
	ExplorerURL string `json:"explorer_url"`
	APIKey      string `json:"api_key"`
	APIKeyEnv   string `json:"api_key_env"`
	APIURL      string `json:"api_url"`
	RPCChain    string `json:"rpc_chain"`
}

// ActivityConfig 描述执行与支付日志的存储。
type ActivityConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// RateLimitConfig 描述按付款方/IP 的限流窗口。
type RateLimitConfig struct {
	Driver               string      `json:"driver"`
	Limit                int         `json:"limit"`
	WindowSeconds        int         `json:"window_seconds"`
	SweepIntervalSeconds int         `json:"sweep_interval_seconds"`
	Redis                RedisConfig `json:"redis"`
}

// Window 返回限流窗口长度。
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// SweepInterval 返回过期计数的清理周期。
func (r RateLimitConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSeconds) * time.Second
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// ReconcileConfig 描述结算失败对账队列。
type ReconcileConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL    string `json:"webhook_url"`
	WebhookURLEnv string `json:"webhook_url_env"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查相互依赖的配置项。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Payment.PayTo) == "" {
		return errors.New("payment.pay_to 不能为空")
	}
	if c.Payment.PlatformFeeBps < 0 || c.Payment.PlatformFeeBps > 10000 {
		return fmt.Errorf("payment.platform_fee_bps 超出范围: %d", c.Payment.PlatformFeeBps)
	}
	if !c.LLM.Primary.Enabled() {
		return errors.New("llm.primary.provider 不能为空")
	}
	if c.Ledger.Driver == "evm" && strings.TrimSpace(c.Ledger.RegistryAddress) == "" {
		return errors.New("evm 账本需要配置 ledger.registry_address")
	}
	if c.Activity.Driver == "mysql" && strings.TrimSpace(c.Activity.DSN) == "" {
		return errors.New("mysql 活动日志需要配置 activity.dsn")
	}
	return nil
}

// OperatorToken 返回运维接口使用的令牌。
func (c *Config) OperatorToken() string {
	token := strings.TrimSpace(c.Server.OperatorToken)
	if token == "" && c.Server.OperatorTokenEnv != "" {
		token = strings.TrimSpace(os.Getenv(c.Server.OperatorTokenEnv))
	}
	return token
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.SagaTimeoutSeconds <= 0 {
		c.Server.SagaTimeoutSeconds = 180
	}

	if c.Runtime.Environment == "" {
		c.Runtime.Environment = "development"
	}
	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")

	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path, filepath.Join("logs", "audit.log"))
	}

	if c.Payment.Network == "" {
		c.Payment.Network = "base-sepolia"
	}
	if c.Payment.AssetName == "" {
		c.Payment.AssetName = "USDC"
	}
	if c.Payment.AssetVersion == "" {
		c.Payment.AssetVersion = "2"
	}
	if c.Payment.PlatformFeeBps == 0 {
		c.Payment.PlatformFeeBps = 1000
	}
	if c.Payment.MaxTimeoutSeconds <= 0 {
		c.Payment.MaxTimeoutSeconds = 300
	}
	if c.Payment.TimeoutSeconds <= 0 {
		c.Payment.TimeoutSeconds = 15
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.TimeoutSeconds <= 0 {
		c.Ledger.TimeoutSeconds = 60
	}

	if c.LLM.MaxAttempts <= 0 {
		c.LLM.MaxAttempts = 3
	}
	if c.LLM.BaseDelayMillis <= 0 {
		c.LLM.BaseDelayMillis = 1000
	}

	if c.Tools.TimeoutSeconds <= 0 {
		c.Tools.TimeoutSeconds = 8
	}

	if c.Activity.Driver == "" {
		c.Activity.Driver = "memory"
	}

	if c.RateLimit.Driver == "" {
		c.RateLimit.Driver = "memory"
	}
	if c.RateLimit.Limit <= 0 {
		c.RateLimit.Limit = 30
	}
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.RateLimit.SweepIntervalSeconds <= 0 {
		c.RateLimit.SweepIntervalSeconds = 5 * c.RateLimit.WindowSeconds
	}

	if c.Reconcile.Driver == "" {
		c.Reconcile.Driver = "memory"
	}
	if c.Reconcile.Worker <= 0 {
		c.Reconcile.Worker = 1
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig, "")
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
