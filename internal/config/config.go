package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了智能体在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Chain     ChainConfig     `json:"chain"`
	Staking   StakingConfig   `json:"staking"`
	Consensus ConsensusConfig `json:"consensus"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制状态接口的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// ChainConfig 包含访问区块链节点与各合约所需的信息。
type ChainConfig struct {
	DefinitionsPath  string `json:"definitions_path"`
	Default          string `json:"default"`
	AgentAddress     string `json:"agent_address"`
	SafeAddress      string `json:"safe_address"`
	FactoryAddress   string `json:"factory_address"`
	MinNativeBalance string `json:"min_native_balance"`
	SafeTxGas        string `json:"safe_tx_gas"`
	HeartAmount      int64  `json:"heart_amount"`
}

// StakingConfig 描述质押合约。留空时质押功能整体关闭。
type StakingConfig struct {
	StakingAddress  string `json:"staking_address"`
	ActivityChecker string `json:"activity_checker"`
	ServiceID       int64  `json:"service_id"`
	SafetyMargin    uint64 `json:"safety_margin"`
}

// ConsensusConfig 描述副本间负载交换的方式。
type ConsensusConfig struct {
	Driver         string         `json:"driver"`
	ReplicaID      string         `json:"replica_id"`
	Replicas       int            `json:"replicas"`
	CollectSeconds int            `json:"collect_seconds"`
	RoundSeconds   int            `json:"round_seconds"`
	RabbitMQ       RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接信息。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// StorageConfig 统一描述 Redis、MySQL 等后端的连接信息。
type StorageConfig struct {
	KVStore KVStoreConfig `json:"kv_store"`
	Journal JournalConfig `json:"journal"`
}

// KVStoreConfig 描述代币与 checkpoint 基线的持久化方式。
type KVStoreConfig struct {
	Driver string `json:"driver"`
	Addr   string `json:"addr"`
	Prefix string `json:"prefix"`
}

// JournalConfig 描述回合日志的持久化方式。
type JournalConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// LoggingConfig 控制日志级别与输出。
type LoggingConfig struct {
	Level   string   `json:"level"`
	Format  string   `json:"format"`
	Outputs []string `json:"outputs"`
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
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Chain.DefinitionsPath == "" {
		c.Chain.DefinitionsPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chain.DefinitionsPath) {
		c.Chain.DefinitionsPath = filepath.Join(baseDir, c.Chain.DefinitionsPath)
	}
	if c.Chain.Default == "" {
		c.Chain.Default = "base"
	}

	if c.Consensus.Driver == "" {
		c.Consensus.Driver = "local"
	}
	if c.Consensus.ReplicaID == "" {
		c.Consensus.ReplicaID = "replica-0"
	}
	if c.Consensus.Replicas <= 0 {
		c.Consensus.Replicas = 1
	}
	if c.Consensus.CollectSeconds <= 0 {
		c.Consensus.CollectSeconds = 15
	}
	if c.Consensus.RoundSeconds <= 0 {
		c.Consensus.RoundSeconds = 30
	}
	if c.Consensus.RabbitMQ.Exchange == "" {
		c.Consensus.RabbitMQ.Exchange = "memeloop.rounds"
	}

	if c.Storage.KVStore.Driver == "" {
		c.Storage.KVStore.Driver = "memory"
	}
	if c.Storage.Journal.Driver == "" {
		c.Storage.Journal.Driver = "memory"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
