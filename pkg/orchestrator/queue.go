package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"form_mapper/constant"
	"form_mapper/entity"
	"form_mapper/model"
)

// claimBatchSize 每轮认领尝试拉取的候选任务数
const claimBatchSize = 10

// Wakeup 跨实例认领唤醒通道，redis 发布订阅实现见 pkg/clients/redis。
// 单实例部署可以不配，进程内唤醒始终生效。
type Wakeup interface {
	// Publish 通知所有实例：companyID 租户有新任务可认领
	Publish(ctx context.Context, companyID string) error
	// Channel 返回接收唤醒通知的通道
	Channel() <-chan string
}

// notifier 进程内认领唤醒：按租户聚合等待中的长轮询
type notifier struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{waiters: make(map[string][]chan struct{})}
}

// wait 注册一个等待通道，任务入队时被关闭
func (n *notifier) wait(companyID string) chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{})
	n.waiters[companyID] = append(n.waiters[companyID], ch)
	return ch
}

// cancel 放弃等待（超时或上下文取消）
func (n *notifier) cancel(companyID string, target chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	waiters := n.waiters[companyID]
	for i, ch := range waiters {
		if ch == target {
			n.waiters[companyID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(n.waiters[companyID]) == 0 {
		delete(n.waiters, companyID)
	}
}

// wake 唤醒租户下所有等待者
func (n *notifier) wake(companyID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.waiters[companyID] {
		close(ch)
	}
	delete(n.waiters, companyID)
}

// EnqueueInput 入队参数
type EnqueueInput struct {
	CompanyID string
	UserID    string
	SessionID string
	TaskType  TaskType
	Params    *TaskParams
}

// Queue 按租户 FIFO 的任务队列。
// 认领是原子的：一个 pending 任务恰好被一个 agent 拿到；
// 没有待认领任务时服务端长轮询挂起，入队即唤醒。
type Queue struct {
	store    Store
	registry *Registry
	events   *EventRecorder
	notifier *notifier
	wakeup   Wakeup
}

// NewQueue 创建任务队列
func NewQueue(store Store, registry *Registry, events *EventRecorder, wakeup Wakeup) *Queue {
	return &Queue{
		store:    store,
		registry: registry,
		events:   events,
		notifier: newNotifier(),
		wakeup:   wakeup,
	}
}

// StartWakeupListener 消费跨实例唤醒通知，转成进程内唤醒。
// ctx 结束时退出。
func (q *Queue) StartWakeupListener(ctx context.Context) {
	if q.wakeup == nil {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case companyID, ok := <-q.wakeup.Channel():
				if !ok {
					return
				}
				q.notifier.wake(companyID)
			}
		}
	}()
}

// Enqueue 任务入队（status=pending），并唤醒等待认领的 agent
func (q *Queue) Enqueue(ctx context.Context, input *EnqueueInput) (*entity.Task, error) {
	if input == nil || input.SessionID == "" {
		return nil, model.NewError(model.ErrorEmptyId, nil)
	}
	if !input.TaskType.IsValid() {
		return nil, model.NewErrorWithMessage(model.ErrorParams, "unknown task type")
	}
	if input.Params == nil {
		return nil, model.NewErrorWithMessage(model.ErrorParams, "task params required")
	}
	if err := input.Params.Validate(input.TaskType); err != nil {
		return nil, model.NewErrorWithMessage(model.ErrorParams, err.Error())
	}

	paramsJSON, err := marshalJSON(input.Params)
	if err != nil {
		return nil, model.NewErrorWithMessage(model.ErrorInternal, err.Error())
	}

	task := &entity.Task{
		ID:         uuid.New().String(),
		CompanyID:  input.CompanyID,
		UserID:     input.UserID,
		SessionID:  input.SessionID,
		TaskType:   input.TaskType.String(),
		ParamsJSON: paramsJSON,
		Status:     constant.TaskStatusPending.String(),
	}
	if err := q.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	q.events.TaskQueued(ctx, input.SessionID, task.ID, input.TaskType)
	q.notify(ctx, input.CompanyID)

	log.Infof("Enqueued %s task %s for session %s", input.TaskType, task.ID, input.SessionID)
	return task, nil
}

// notify 唤醒本实例等待者，并广播给其它实例
func (q *Queue) notify(ctx context.Context, companyID string) {
	q.notifier.wake(companyID)
	if q.wakeup != nil {
		if err := q.wakeup.Publish(ctx, companyID); err != nil {
			log.Warnf("Failed to publish claim wakeup for company %s: %v", companyID, err)
		}
	}
}

// Claim 认领一个任务。没有待认领任务时最多阻塞 wait，入队即唤醒重试。
// 返回 (nil, nil) 表示等待期满仍无任务。
func (q *Queue) Claim(ctx context.Context, agentID string, wait time.Duration) (*entity.Task, error) {
	agent, err := q.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, model.NewError(model.ErrorAgentNotFound, nil)
	}
	live, err := q.registry.IsLive(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, model.NewErrorWithMessage(model.ErrorNoLiveAgent, "agent heartbeat is stale, send a heartbeat before claiming")
	}

	if wait > constant.MaxClaimWaitSeconds*time.Second {
		wait = constant.MaxClaimWaitSeconds * time.Second
	}
	deadline := time.Now().Add(wait)

	for {
		task, err := q.tryClaimOnce(ctx, agent)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		waitCh := q.notifier.wait(agent.CompanyID)
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			q.notifier.cancel(agent.CompanyID, waitCh)
			return nil, ctx.Err()
		case <-waitCh:
			timer.Stop()
		case <-timer.C:
			q.notifier.cancel(agent.CompanyID, waitCh)
			// 超时前最后再扫一轮，避免唤醒竞争下漏掉任务
			task, err := q.tryClaimOnce(ctx, agent)
			if err != nil {
				return nil, err
			}
			return task, nil
		}
	}
}

// tryClaimOnce 按 FIFO 扫一轮候选并尝试原子认领
func (q *Queue) tryClaimOnce(ctx context.Context, agent *entity.Agent) (*entity.Task, error) {
	candidates, err := q.store.ListPendingTasks(ctx, agent.CompanyID, claimBatchSize)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		claimed, err := q.store.TryClaimTask(ctx, candidate.ID, agent.ID, q.registry.Now())
		if err != nil {
			return nil, err
		}
		if !claimed {
			// 被其它 agent 抢先，继续下一个候选
			continue
		}
		task, err := q.store.GetTask(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		log.Infof("Agent %s claimed %s task %s", agent.ID, task.TaskType, task.ID)
		return task, nil
	}
	return nil, nil
}

// Report 带归属守卫的任务上报：仅当任务 running 且归属该 agent 时生效。
// 返回 false 表示过期上报（任务已被重新入队或易主），调用方应拒绝。
func (q *Queue) Report(ctx context.Context, taskID, agentID string, status TaskStatus, result *TaskResult, errMsg string) (bool, error) {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, model.NewError(model.ErrorTaskNotFound, nil)
	}
	if constant.TaskStatus(task.Status).IsTerminal() {
		return false, model.NewError(model.ErrorTaskTerminal, nil)
	}

	statusStr := status.String()
	condition := &model.UpdateTaskCondition{
		Status: &statusStr,
	}
	if result != nil {
		resultJSON, err := marshalJSON(result)
		if err != nil {
			return false, model.NewErrorWithMessage(model.ErrorInternal, err.Error())
		}
		condition.ResultJSON = &resultJSON
	}
	if errMsg != "" {
		condition.ErrorMsg = &errMsg
	}
	if status.IsTerminal() {
		completedAt := q.registry.Now()
		condition.CompletedAt = &completedAt
	}

	applied, err := q.store.ReportTaskGuarded(ctx, taskID, agentID, condition)
	if err != nil {
		return false, err
	}
	if !applied {
		log.Warnf("Rejected stale report on task %s from agent %s", taskID, agentID)
		return false, nil
	}

	if status.IsTerminal() {
		q.events.TaskCompleted(ctx, task.SessionID, taskID, constant.TaskType(task.TaskType), status, errMsg)
	}
	return true, nil
}

// Requeue 将失联 agent 手中的任务放回队列并唤醒等待者。
// 返回 false 表示任务已不在该 agent 手中（已被处理过）。
func (q *Queue) Requeue(ctx context.Context, task *entity.Task) (bool, error) {
	requeued, err := q.store.RequeueTask(ctx, task.ID, task.AgentID)
	if err != nil {
		return false, err
	}
	if !requeued {
		return false, nil
	}

	q.events.TaskQueued(ctx, task.SessionID, task.ID, constant.TaskType(task.TaskType))
	q.notify(ctx, task.CompanyID)

	log.Warnf("Requeued %s task %s after agent %s lapsed", task.TaskType, task.ID, task.AgentID)
	return true, nil
}

// Finalize 由编排方直接终结任务（会话已终态、任务失去意义的场景）
func (q *Queue) Finalize(ctx context.Context, task *entity.Task, status TaskStatus, errMsg string) error {
	statusStr := status.String()
	completedAt := q.registry.Now()
	condition := &model.UpdateTaskCondition{
		Status:      &statusStr,
		CompletedAt: &completedAt,
	}
	if errMsg != "" {
		condition.ErrorMsg = &errMsg
	}
	if err := q.store.UpdateTask(ctx, task.ID, condition); err != nil {
		return err
	}
	q.events.TaskCompleted(ctx, task.SessionID, task.ID, constant.TaskType(task.TaskType), status, errMsg)
	return nil
}
