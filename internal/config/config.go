package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentPay 在启动阶段需要加载的核心配置。
type Config struct {
	Ledger       LedgerConfig       `json:"ledger"`
	Directory    DirectoryConfig    `json:"directory"`
	Credential   CredentialConfig   `json:"credential"`
	Payment      PaymentConfig      `json:"payment"`
	Storage      StorageConfig      `json:"storage"`
	RequestQueue RequestQueueConfig `json:"request_queue"`
	Fulfill      FulfillConfig      `json:"fulfill"`
	Demo         DemoConfig         `json:"demo"`
	Logging      LoggingConfig      `json:"logging"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志文件与滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// LedgerConfig 包含访问账本节点所需的连接参数。
type LedgerConfig struct {
	ChainConfig           string `json:"chain_config"`
	DefaultChain          string `json:"default_chain"`
	RPCURL                string `json:"rpc_url"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds"`
	SubmitTimeoutSeconds  int    `json:"submit_timeout_seconds"`
}

// DirectoryConfig 指定智能体名册文件的位置。
type DirectoryConfig struct {
	AgentsFile string `json:"agents_file"`
}

// CredentialConfig 控制凭证校验器的缓存后端与注册表地址。
type CredentialConfig struct {
	RegistryAddress string            `json:"registry_address"`
	IssuerAddress   string            `json:"issuer_address"`
	IssuerKey       string            `json:"issuer_key"`
	Cache           CacheConfig       `json:"cache"`
	BasicTTLDays    int               `json:"basic_ttl_days"`
	Redis           RedisCacheConfig  `json:"redis"`
	SQLite          SQLiteCacheConfig `json:"sqlite"`
}

// CacheConfig 选择凭证缓存的驱动。
type CacheConfig struct {
	Driver string `json:"driver"`
}

// RedisCacheConfig 描述 Redis 凭证缓存的连接参数。
type RedisCacheConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// SQLiteCacheConfig 描述 SQLite 凭证缓存文件的位置。
type SQLiteCacheConfig struct {
	Path string `json:"path"`
}

// PaymentConfig 控制支付执行器的行为。提交超时统一取
// ledger.submit_timeout_seconds。
type PaymentConfig struct {
	TokenContract  string `json:"token_contract"`
	TokenIssuer    string `json:"token_issuer"`
	TokenIssuerKey string `json:"token_issuer_key"`
	GratuityBps    int    `json:"gratuity_bps"`
	DirectWeight   int    `json:"direct_weight"`
	BatchWeight    int    `json:"batch_weight"`
}

// StorageConfig 统一描述交易记录存储后端的连接信息。
type StorageConfig struct {
	TransactionStore TransactionStoreConfig `json:"transaction_store"`
}

// TransactionStoreConfig 目前提供内存实现，生产环境切换到 MySQL。
type TransactionStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// RequestQueueConfig 配置异步服务请求队列。
type RequestQueueConfig struct {
	Driver   string              `json:"driver"`
	Workers  int                 `json:"workers"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQQueueConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// FulfillConfig 指定履约应答模板文件的位置。
type FulfillConfig struct {
	TemplatesFile string `json:"templates_file"`
}

// DemoConfig 控制启动后是否执行演示场景。
type DemoConfig struct {
	Enabled  bool   `json:"enabled"`
	PayerID  string `json:"payer_id"`
	PayeeID  string `json:"payee_id"`
	Requests int    `json:"requests"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
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

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Ledger.ConnectTimeoutSeconds <= 0 {
		c.Ledger.ConnectTimeoutSeconds = 10
	}
	if c.Ledger.SubmitTimeoutSeconds <= 0 {
		c.Ledger.SubmitTimeoutSeconds = 30
	}
	if c.Ledger.ChainConfig != "" && !filepath.IsAbs(c.Ledger.ChainConfig) {
		c.Ledger.ChainConfig = filepath.Join(baseDir, c.Ledger.ChainConfig)
	}

	if c.Directory.AgentsFile == "" {
		c.Directory.AgentsFile = filepath.Join(baseDir, "agents.yaml")
	} else if !filepath.IsAbs(c.Directory.AgentsFile) {
		c.Directory.AgentsFile = filepath.Join(baseDir, c.Directory.AgentsFile)
	}

	if c.Credential.Cache.Driver == "" {
		c.Credential.Cache.Driver = "memory"
	}
	if c.Credential.BasicTTLDays <= 0 {
		c.Credential.BasicTTLDays = 365
	}
	if c.Credential.Redis.Prefix == "" {
		c.Credential.Redis.Prefix = "agentpay:credential:"
	}

	if c.Payment.DirectWeight <= 0 && c.Payment.BatchWeight <= 0 {
		c.Payment.DirectWeight = 60
		c.Payment.BatchWeight = 40
	}
	if c.Payment.GratuityBps <= 0 {
		c.Payment.GratuityBps = 500
	}
	if c.Storage.TransactionStore.Driver == "" {
		c.Storage.TransactionStore.Driver = "memory"
	}
	if c.Storage.TransactionStore.MaxOpenConns <= 0 {
		c.Storage.TransactionStore.MaxOpenConns = 20
	}
	if c.Storage.TransactionStore.MaxIdleConns <= 0 {
		c.Storage.TransactionStore.MaxIdleConns = 10
	}
	if c.Storage.TransactionStore.ConnMaxLifetimeSeconds <= 0 {
		c.Storage.TransactionStore.ConnMaxLifetimeSeconds = 600
	}
	if c.Storage.TransactionStore.ConnMaxIdleTimeSeconds <= 0 {
		c.Storage.TransactionStore.ConnMaxIdleTimeSeconds = 300
	}

	if c.RequestQueue.Driver == "" {
		c.RequestQueue.Driver = "memory"
	}
	if c.RequestQueue.Workers <= 0 {
		c.RequestQueue.Workers = 4
	}

	if c.Fulfill.TemplatesFile != "" && !filepath.IsAbs(c.Fulfill.TemplatesFile) {
		c.Fulfill.TemplatesFile = filepath.Join(baseDir, c.Fulfill.TemplatesFile)
	}
	if c.Demo.Requests <= 0 {
		c.Demo.Requests = 3
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "logs", "audit.log")
	}
	if c.Credential.Cache.Driver == "sqlite" && c.Credential.SQLite.Path == "" {
		c.Credential.SQLite.Path = filepath.Join(c.Runtime.DataDir, "credentials.db")
	}
}
