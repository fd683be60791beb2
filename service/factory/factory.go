package factory

import (
	"context"
	"sync"
	"time"

	"form_mapper/config"
	"form_mapper/constant"
	"form_mapper/pkg/clients/billing"
	"form_mapper/pkg/clients/llm_model"
	"form_mapper/pkg/clients/redis"
	"form_mapper/pkg/orchestrator"
	"form_mapper/repository/factory"
	"form_mapper/repository/xormimplement"
	"form_mapper/service/agent"
	"form_mapper/service/session"
)

var instance *Factory
var once sync.Once

// 创建
type Factory struct {
	repositoryFactory factory.Factory
}

// 实例化instance
func init() {
	once.Do(func() {
		instance = &Factory{repositoryFactory: xormimplement.GetRepositoryFactoryInstance()}
	})
}

// 单例模式，
func GetServiceFactory() *Factory {
	return instance
}

// orchestratorCore 编排器内核，全部服务共享同一份
type orchestratorCore struct {
	manager  *orchestrator.Manager
	queue    *orchestrator.Queue
	registry *orchestrator.Registry
}

var coreOnce sync.Once
var coreInstance *orchestratorCore

// billingCeilingProvider 把计费客户端适配成编排器的预算上限来源
type billingCeilingProvider struct {
	client *billing.ClientBilling
}

func (p *billingCeilingProvider) GetCeiling(ctx context.Context, companyID string) (*orchestrator.BudgetCeiling, error) {
	ceiling, err := p.client.GetCeiling(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if ceiling == nil {
		return nil, nil
	}
	return &orchestrator.BudgetCeiling{
		MaxCalls:  ceiling.MaxCalls,
		MaxTokens: ceiling.MaxTokens,
		MaxCost:   ceiling.MaxCost,
	}, nil
}

// core 首次调用时装配编排器内核（存储、事件、注册表、队列、预算、生成器、校验器）
func (f *Factory) core() *orchestratorCore {
	coreOnce.Do(func() {
		cfg := config.GetInstance()

		store := orchestrator.NewDBStore(f.repositoryFactory)
		events := orchestrator.NewEventRecorder(store)
		registry := orchestrator.NewRegistry(store, nil,
			time.Second*time.Duration(cfg.GetIntOrDefault(config.OrchestratorHeartbeatThresholdSeconds, constant.DefaultHeartbeatThresholdSeconds)),
			time.Second*time.Duration(cfg.GetIntOrDefault(config.OrchestratorLivenessGraceSeconds, constant.DefaultLivenessGraceSeconds)),
		)

		wakeup := redis.NewTaskWakeup(context.Background(), redis.GetInstance())
		queue := orchestrator.NewQueue(store, registry, events, wakeup)

		budget := orchestrator.NewBudgetTracker(store, events,
			&billingCeilingProvider{client: billing.GetInstance()},
			&orchestrator.BudgetTrackerConfig{
				Model:                cfg.GetString(config.ClientChatModelModel),
				PromptPricePer1K:     cfg.GetFloat64(config.ClientChatModelPromptPrice),
				CompletionPricePer1K: cfg.GetFloat64(config.ClientChatModelCompletionPrice),
			})

		generator := orchestrator.NewLLMGenerator(llm_model.GetInstance())
		manager := orchestrator.NewManager(store, events, queue, registry,
			generator, orchestrator.NewRuleVerifier(), budget, nil)

		coreInstance = &orchestratorCore{manager: manager, queue: queue, registry: registry}
	})
	return coreInstance
}

// NewSessionService 获取会话服务
func (f *Factory) NewSessionService() *session.Service {
	return session.NewService(f.core().manager)
}

// NewAgentService 获取 agent 服务
func (f *Factory) NewAgentService() *agent.Service {
	core := f.core()
	claimWait := time.Second * time.Duration(
		config.GetInstance().GetIntOrDefault(config.OrchestratorClaimWaitSeconds, constant.DefaultClaimWaitSeconds))
	return agent.NewService(core.registry, core.queue, core.manager, claimWait)
}

// StartBackground 启动编排器后台协程：跨实例唤醒监听、失联回收与会话超时清扫。
// ctx 结束后全部退出。
func (f *Factory) StartBackground(ctx context.Context) {
	core := f.core()
	core.queue.StartWakeupListener(ctx)

	interval := time.Second * time.Duration(
		config.GetInstance().GetIntOrDefault(config.OrchestratorSweepIntervalSeconds, constant.DefaultSweepIntervalSeconds))
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				core.manager.RequeueLapsedWork(ctx)
				core.manager.SweepTimeouts(ctx)
			}
		}
	}()
}
