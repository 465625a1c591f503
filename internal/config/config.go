package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ParallelSigner-Chain/pkg/logger"
)

// Config 描述守护进程在启动阶段需要加载的核心配置。链的 RPC 端点与
// 打包参数单独放在 YAML 文件里，通过 Chains.DefinitionPath 引用。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Signer   SignerConfig   `json:"signer"`
	Notifier NotifierConfig `json:"notifier"`
	Chains   ChainsConfig   `json:"chains"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述请求存储后端的连接信息。
type StorageConfig struct {
	Driver                 string `json:"driver"` // memory | mysql
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// SignerConfig 描述打包引擎的行为参数，对所有链生效。
type SignerConfig struct {
	// PrivateKey 为 32 字节十六进制私钥，生产环境建议通过环境变量
	// PARALLELSIGNER_PRIVATE_KEY 注入而不是写入配置文件。
	PrivateKey           string `json:"private_key"`
	RequestCountLimit    int    `json:"request_count_limit"`
	DelaySeconds         int    `json:"delay_seconds"`
	CheckIntervalSeconds int    `json:"check_interval_seconds"`
	Confirmations        uint64 `json:"confirmations"`
	AggregatorContract   string `json:"aggregator_contract"`
	MaxFeePerGasWei      string `json:"max_fee_per_gas_wei"`
	MaxPriorityFeeWei    string `json:"max_priority_fee_wei"`
	GasPriceWei          string `json:"gas_price_wei"`
	AlertOnFloorReset    bool   `json:"alert_on_floor_reset"`
}

// NotifierConfig 描述终结事件的投递方式。
type NotifierConfig struct {
	Driver   string         `json:"driver"` // none | memory | redis | rabbitmq
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// ChainsConfig 指向链定义文件。
type ChainsConfig struct {
	DefinitionPath string `json:"definition_path"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string             `json:"level"`
	Format      string             `json:"format"`
	OutputPaths []string           `json:"output_paths"`
	Audit       logger.AuditConfig `json:"audit"`
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
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Signer.PrivateKey == "" {
		c.Signer.PrivateKey = os.Getenv("PARALLELSIGNER_PRIVATE_KEY")
	}
	if c.Signer.RequestCountLimit <= 0 {
		c.Signer.RequestCountLimit = 10
	}
	if c.Signer.CheckIntervalSeconds <= 0 {
		c.Signer.CheckIntervalSeconds = 60
	}

	if c.Notifier.Driver == "" {
		c.Notifier.Driver = "none"
	}

	if c.Chains.DefinitionPath == "" {
		c.Chains.DefinitionPath = filepath.Join(baseDir, "chain.yaml")
	} else if !filepath.IsAbs(c.Chains.DefinitionPath) {
		c.Chains.DefinitionPath = filepath.Join(baseDir, c.Chains.DefinitionPath)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
