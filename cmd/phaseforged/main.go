package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"PhaseForge/internal/agent"
	"PhaseForge/internal/api"
	"PhaseForge/internal/config"
	"PhaseForge/internal/events"
	"PhaseForge/internal/graph"
	"PhaseForge/internal/isolation"
	"PhaseForge/internal/llm/openai"
	"PhaseForge/internal/memory"
	"PhaseForge/internal/observability/alerting"
	"PhaseForge/internal/orchestrator"
	"PhaseForge/internal/scheduler"
	"PhaseForge/internal/workflow"
	"PhaseForge/pkg/logger"
)

// main 是 PhaseForge 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("phaseforged 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PHASEFORGE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "phaseforge.json")
	}

	cfg, err := config.Load(configPath)
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
		if err := logger.Sync(); err != nil {
			log.Printf("刷新日志输出失败: %v", err)
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.SharedDir, 0o755); err != nil {
		return err
	}

	wf, err := workflow.Load(cfg.Workflow.Path)
	if err != nil {
		return err
	}

	eventLog, err := createEventLog(cfg)
	if err != nil {
		return err
	}
	defer eventLog.Close()

	graphStore, err := createGraphStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closer, ok := graphStore.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}()

	taskGraph := graph.New(graphStore, wf,
		graph.WithMaxRetries(cfg.Graph.MaxRetries),
		graph.WithEventLog(eventLog),
	)

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭派发队列失败: %v", err)
		}
	}()

	llmClient, err := createProviderClient(cfg)
	if err != nil {
		return err
	}

	memoryStore, err := createMemoryStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer memoryStore.Close()

	memories, err := memory.NewEngine(memoryStore, llmClient, cfg.Memory.Dimension,
		memory.WithStrict(cfg.Memory.Strict),
		memory.WithDefaultTopK(cfg.Memory.DefaultTopK),
		memory.WithEngineEventLog(eventLog),
	)
	if err != nil {
		return err
	}

	registry := agent.NewRegistry()

	isolationMgr, err := isolation.NewManager(cfg.Runtime.SharedDir, filepath.Join(cfg.Runtime.DataDir, "agents"))
	if err != nil {
		return err
	}

	alerts := alerting.NewFanout(&alerting.LogNotifier{})

	sched := scheduler.New(taskGraph, registry, queue, eventLog, scheduler.Config{
		Interval:            cfg.Scheduler.Interval(),
		MaxConcurrentAgents: cfg.Scheduler.MaxConcurrentAgents,
		HeartbeatTimeout:    cfg.Scheduler.HeartbeatTimeout(),
		PhaseClaimCap:       cfg.Scheduler.PhaseClaimCap,
	}, scheduler.WithAlerts(alerts))

	orch := orchestrator.New(taskGraph, registry, queue, isolationMgr, memories, llmClient, eventLog,
		orchestrator.Config{
			Workers:     cfg.Scheduler.MaxConcurrentAgents,
			GracePeriod: cfg.Scheduler.GracePeriod(),
		},
		orchestrator.WithOnFinish(sched.ReleaseSlot),
		orchestrator.WithAlerts(alerts),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := sched.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("调度器异常退出: %v", err)
		}
	}()
	go func() {
		if err := orch.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("编排器异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, taskGraph, memories, registry, eventLog, sched)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createEventLog(cfg *config.Config) (*events.Log, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewLog(events.NewMemoryBackend(), cfg.Events.Buffer), nil
	case "sqlite":
		backend, err := events.NewSQLiteBackend(cfg.Events.Path)
		if err != nil {
			return nil, err
		}
		return events.NewLog(backend, cfg.Events.Buffer), nil
	default:
		return nil, fmt.Errorf("未知的事件日志驱动: %s", cfg.Events.Driver)
	}
}

func createGraphStore(cfg *config.Config) (graph.Store, error) {
	switch cfg.Graph.Driver {
	case "", "memory":
		return graph.NewMemoryStore(), nil
	case "mysql":
		return graph.NewMySQLStore(cfg.Graph.DSN)
	default:
		return nil, fmt.Errorf("未知的任务图驱动: %s", cfg.Graph.Driver)
	}
}

func createQueue(cfg *config.Config) (scheduler.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return scheduler.NewMemoryQueue(1024), nil
	case "redis":
		return scheduler.NewRedisQueue(scheduler.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return scheduler.NewRabbitMQQueue(scheduler.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func createMemoryStore(ctx context.Context, cfg *config.Config) (memory.Store, error) {
	switch cfg.Memory.Driver {
	case "", "memory":
		return memory.NewMemoryStore(cfg.Memory.Dimension)
	case "redis":
		return memory.NewRedisStore(ctx, memory.RedisOptions{
			Address:    cfg.Memory.Redis.Address,
			Password:   cfg.Memory.Redis.Password,
			DB:         cfg.Memory.Redis.DB,
			Collection: cfg.Memory.Collection,
			Dimension:  cfg.Memory.Dimension,
		})
	default:
		return nil, fmt.Errorf("未知的记忆存储驱动: %s", cfg.Memory.Driver)
	}
}

func createProviderClient(cfg *config.Config) (*openai.Client, error) {
	apiKey := strings.TrimSpace(cfg.Provider.APIKey)
	if apiKey == "" && cfg.Provider.APIKeyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(cfg.Provider.APIKeyEnv))
	}
	if apiKey == "" {
		return nil, errors.New("provider 需要配置 api_key 或 api_key_env")
	}
	return openai.NewClient(openai.Config{
		APIKey:          apiKey,
		BaseURL:         cfg.Provider.BaseURL,
		CompletionModel: cfg.Provider.CompletionModel,
		EmbeddingModel:  cfg.Provider.EmbeddingModel,
		Dimension:       cfg.Provider.Dimension,
		MaxTokens:       cfg.Provider.MaxTokens,
		Timeout:         cfg.Provider.Timeout(),
		MaxRetries:      cfg.Provider.MaxRetries,
	})
}
