package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 PhaseForge 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Graph     GraphConfig     `json:"graph"`
	Queue     QueueConfig     `json:"queue"`
	Memory    MemoryConfig    `json:"memory"`
	Provider  ProviderConfig  `json:"provider"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Events    EventsConfig    `json:"events"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制协议服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// GraphConfig 描述任务图持久化后端。
type GraphConfig struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn"`
	MaxRetries int    `json:"max_retries"`
}

// QueueConfig 描述调度派发队列。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 统一描述 Redis 连接信息，队列与记忆存储共用。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// MemoryConfig 描述记忆存储与检索的参数。
type MemoryConfig struct {
	Driver     string      `json:"driver"`
	Redis      RedisConfig `json:"redis"`
	Collection string      `json:"collection"`
	Dimension  int         `json:"dimension"`
	Strict     bool        `json:"strict"`
	DefaultTopK int        `json:"default_top_k"`
}

// ProviderConfig 描述嵌入与补全服务的调用方式。
type ProviderConfig struct {
	APIKey          string `json:"api_key"`
	APIKeyEnv       string `json:"api_key_env"`
	BaseURL         string `json:"base_url"`
	CompletionModel string `json:"completion_model"`
	EmbeddingModel  string `json:"embedding_model"`
	Dimension       int    `json:"dimension"`
	MaxTokens       int    `json:"max_tokens"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	MaxRetries      int    `json:"max_retries"`
}

// Timeout 返回 provider 调用超时时间。
func (c ProviderConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SchedulerConfig 控制调度循环与智能体池。
type SchedulerConfig struct {
	IntervalSeconds     int `json:"interval_seconds"`
	MaxConcurrentAgents int `json:"max_concurrent_agents"`
	HeartbeatTimeoutSec int `json:"heartbeat_timeout_seconds"`
	PhaseClaimCap       int `json:"phase_claim_cap"`
	GracePeriodSeconds  int `json:"grace_period_seconds"`
}

// Interval 返回调度循环周期。
func (c SchedulerConfig) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

// HeartbeatTimeout 返回心跳超时阈值。
func (c SchedulerConfig) HeartbeatTimeout() time.Duration {
	if c.HeartbeatTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

// GracePeriod 返回取消任务时等待安全点的宽限期。
func (c SchedulerConfig) GracePeriod() time.Duration {
	if c.GracePeriodSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// EventsConfig 描述事件日志的持久化方式。
type EventsConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	Buffer int    `json:"buffer"`
}

// WorkflowConfig 指定阶段定义文件。
type WorkflowConfig struct {
	Path string `json:"path"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir   string `json:"data_dir"`
	SharedDir string `json:"shared_dir"`
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

	if c.Graph.Driver == "" {
		c.Graph.Driver = "memory"
	}
	if c.Graph.MaxRetries <= 0 {
		c.Graph.MaxRetries = 3
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}

	if c.Memory.Driver == "" {
		c.Memory.Driver = "memory"
	}
	if c.Memory.Collection == "" {
		c.Memory.Collection = "phaseforge"
	}
	if c.Memory.Dimension <= 0 {
		c.Memory.Dimension = 1536
	}
	if c.Memory.DefaultTopK <= 0 {
		c.Memory.DefaultTopK = 5
	}

	if c.Provider.CompletionModel == "" {
		c.Provider.CompletionModel = "gpt-4o-mini"
	}
	if c.Provider.EmbeddingModel == "" {
		c.Provider.EmbeddingModel = "text-embedding-3-small"
	}
	if c.Provider.Dimension <= 0 {
		c.Provider.Dimension = c.Memory.Dimension
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = 2048
	}
	if c.Provider.MaxRetries <= 0 {
		c.Provider.MaxRetries = 3
	}

	if c.Scheduler.MaxConcurrentAgents <= 0 {
		c.Scheduler.MaxConcurrentAgents = 4
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 1024
	}

	if c.Workflow.Path == "" {
		c.Workflow.Path = filepath.Join(baseDir, "workflow.yaml")
	} else if !filepath.IsAbs(c.Workflow.Path) {
		c.Workflow.Path = filepath.Join(baseDir, c.Workflow.Path)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.SharedDir == "" {
		c.Runtime.SharedDir = filepath.Join(c.Runtime.DataDir, "shared")
	} else if !filepath.IsAbs(c.Runtime.SharedDir) {
		c.Runtime.SharedDir = filepath.Join(baseDir, c.Runtime.SharedDir)
	}
	if c.Events.Path == "" && c.Events.Driver == "sqlite" {
		c.Events.Path = filepath.Join(c.Runtime.DataDir, "events.db")
	}
}
