package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form_mapper/constant"
	"form_mapper/entity"
	"form_mapper/model"
)

// heartbeatAs 指定租户的心跳，跨租户场景用
func (w *testWorld) heartbeatAs(t *testing.T, agentID, companyID string) {
	t.Helper()
	_, err := w.registry.Heartbeat(context.Background(), &HeartbeatInput{
		AgentID:   agentID,
		CompanyID: companyID,
		UserID:    "user-1",
		Hostname:  "runner-01",
		Platform:  "linux",
		Version:   "0.9.3",
	})
	require.NoError(t, err)
}

// enqueueExtract 入队一个 DOM 重抓任务，队列测试里最简单的合法任务
func (w *testWorld) enqueueExtract(t *testing.T, companyID, sessionID string) *entity.Task {
	t.Helper()
	task, err := w.queue.Enqueue(context.Background(), &EnqueueInput{
		CompanyID: companyID,
		UserID:    "user-1",
		SessionID: sessionID,
		TaskType:  constant.TaskTypeExtractDOM,
		Params: &TaskParams{
			ExtractDOM: &ExtractDOMParams{SessionID: sessionID, PathNumber: 1, FullDOM: true},
		},
	})
	require.NoError(t, err)
	return task
}

// ========== 入队校验 ==========

func TestEnqueueValidatesParams(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	_, err := world.queue.Enqueue(ctx, &EnqueueInput{
		CompanyID: "acme",
		TaskType:  constant.TaskTypeExtractDOM,
		Params:    &TaskParams{ExtractDOM: &ExtractDOMParams{SessionID: "sess-1"}},
	})
	assertErrorCode(t, err, model.ErrorEmptyId)

	_, err = world.queue.Enqueue(ctx, &EnqueueInput{
		CompanyID: "acme",
		SessionID: "sess-1",
		TaskType:  TaskType("bogus"),
		Params:    &TaskParams{ExtractDOM: &ExtractDOMParams{SessionID: "sess-1"}},
	})
	assertErrorCode(t, err, model.ErrorParams)

	_, err = world.queue.Enqueue(ctx, &EnqueueInput{
		CompanyID: "acme",
		SessionID: "sess-1",
		TaskType:  constant.TaskTypeExtractDOM,
	})
	assertErrorCode(t, err, model.ErrorParams)

	// 变体与任务类型不符
	_, err = world.queue.Enqueue(ctx, &EnqueueInput{
		CompanyID: "acme",
		SessionID: "sess-1",
		TaskType:  constant.TaskTypeExtractDOM,
		Params:    &TaskParams{VerifyUI: &VerifyUIParams{SessionID: "sess-1", PathNumber: 1}},
	})
	assertErrorCode(t, err, model.ErrorParams)
}

func TestEnqueueRecordsTaskQueuedEvent(t *testing.T) {
	world := newTestWorld(nil)

	task := world.enqueueExtract(t, "acme", "sess-1")
	assert.Equal(t, constant.TaskStatusPending.String(), task.Status)

	sessionID := "sess-1"
	eventType := constant.EventTypeTaskQueued.String()
	entries, _, err := world.store.QueryEvents(context.Background(), &model.EventLogQueryCondition{
		SessionID: &sessionID,
		EventType: &eventType,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

// ========== 认领 ==========

func TestClaimRequiresLiveHeartbeat(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()
	world.enqueueExtract(t, "acme", "sess-1")

	_, err := world.queue.Claim(ctx, "agent-ghost", 0)
	assertErrorCode(t, err, model.ErrorAgentNotFound)

	world.heartbeat(t, "agent-1")
	world.clock.Advance(31 * time.Second)
	_, err = world.queue.Claim(ctx, "agent-1", 0)
	assertErrorCode(t, err, model.ErrorNoLiveAgent)

	// 重新心跳后恢复认领资格
	world.heartbeat(t, "agent-1")
	task, err := world.queue.Claim(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "agent-1", task.AgentID)
	assert.Equal(t, constant.TaskStatusRunning.String(), task.Status)
}

func TestClaimIsFIFOWithinTenant(t *testing.T) {
	world := newTestWorld(nil)
	world.heartbeat(t, "agent-1")

	first := world.enqueueExtract(t, "acme", "sess-1")
	world.clock.Advance(time.Second)
	second := world.enqueueExtract(t, "acme", "sess-2")
	world.clock.Advance(time.Second)
	third := world.enqueueExtract(t, "acme", "sess-3")

	var order []string
	for i := 0; i < 3; i++ {
		task, err := world.queue.Claim(context.Background(), "agent-1", 0)
		require.NoError(t, err)
		require.NotNil(t, task)
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, order)

	// 队列清空后认领返回空
	task, err := world.queue.Claim(context.Background(), "agent-1", 0)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimIsTenantScoped(t *testing.T) {
	world := newTestWorld(nil)
	world.enqueueExtract(t, "acme", "sess-1")

	world.heartbeatAs(t, "agent-globex", "globex")
	task, err := world.queue.Claim(context.Background(), "agent-globex", 0)
	require.NoError(t, err)
	assert.Nil(t, task)

	world.heartbeat(t, "agent-acme")
	task, err = world.queue.Claim(context.Background(), "agent-acme", 0)
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestClaimIsExclusiveUnderContention(t *testing.T) {
	world := newTestWorld(nil)
	target := world.enqueueExtract(t, "acme", "sess-1")

	const contenders = 8
	for i := 0; i < contenders; i++ {
		world.heartbeat(t, agentName(i))
	}

	var wg sync.WaitGroup
	winners := make(chan string, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			task, err := world.queue.Claim(context.Background(), agentID, 0)
			assert.NoError(t, err)
			if task != nil {
				winners <- agentID
			}
		}(agentName(i))
	}
	wg.Wait()
	close(winners)

	var claimedBy []string
	for agentID := range winners {
		claimedBy = append(claimedBy, agentID)
	}
	require.Len(t, claimedBy, 1)

	claimed, err := world.store.GetTask(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.TaskStatusRunning.String(), claimed.Status)
	assert.Equal(t, claimedBy[0], claimed.AgentID)
}

func agentName(i int) string {
	return "agent-" + string(rune('a'+i))
}

func TestClaimLongPollWakesOnEnqueue(t *testing.T) {
	world := newTestWorld(nil)
	world.heartbeat(t, "agent-1")

	type claimResult struct {
		task *entity.Task
		err  error
	}
	done := make(chan claimResult, 1)
	go func() {
		task, err := world.queue.Claim(context.Background(), "agent-1", 5*time.Second)
		done <- claimResult{task: task, err: err}
	}()

	// 等长轮询挂起后再入队，认领应被唤醒而不是等满超时
	time.Sleep(100 * time.Millisecond)
	queued := world.enqueueExtract(t, "acme", "sess-1")

	select {
	case result := <-done:
		require.NoError(t, result.err)
		require.NotNil(t, result.task)
		assert.Equal(t, queued.ID, result.task.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("claim did not wake up after enqueue")
	}
}

func TestClaimRespectsContextCancel(t *testing.T) {
	world := newTestWorld(nil)
	world.heartbeat(t, "agent-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := world.queue.Claim(ctx, "agent-1", 30*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("claim did not return after context cancel")
	}
}

// ========== 上报与重入队 ==========

func TestReportRejectsStaleOwnership(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()
	world.heartbeat(t, "agent-1")
	world.enqueueExtract(t, "acme", "sess-1")

	task, err := world.queue.Claim(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.NotNil(t, task)

	requeued, err := world.queue.Requeue(ctx, task)
	require.NoError(t, err)
	require.True(t, requeued)

	// 任务已放回队列，原认领者的上报过期
	applied, err := world.queue.Report(ctx, task.ID, "agent-1", constant.TaskStatusCompleted, nil, "")
	require.NoError(t, err)
	assert.False(t, applied)

	row, err := world.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.TaskStatusPending.String(), row.Status)
	assert.Empty(t, row.AgentID)
}

func TestReportOnTerminalTaskFails(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()
	world.heartbeat(t, "agent-1")
	world.enqueueExtract(t, "acme", "sess-1")

	task, err := world.queue.Claim(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.NotNil(t, task)

	applied, err := world.queue.Report(ctx, task.ID, "agent-1", constant.TaskStatusCompleted, &TaskResult{StepsExecuted: 3}, "")
	require.NoError(t, err)
	require.True(t, applied)

	row, err := world.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.TaskStatusCompleted.String(), row.Status)
	require.NotNil(t, row.CompletedAt)

	_, err = world.queue.Report(ctx, task.ID, "agent-1", constant.TaskStatusCompleted, nil, "")
	assertErrorCode(t, err, model.ErrorTaskTerminal)

	_, err = world.queue.Report(ctx, "missing-task", "agent-1", constant.TaskStatusCompleted, nil, "")
	assertErrorCode(t, err, model.ErrorTaskNotFound)
}

func TestRequeueMovesTaskToTail(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()
	world.heartbeat(t, "agent-1")

	first := world.enqueueExtract(t, "acme", "sess-1")
	world.clock.Advance(time.Second)
	second := world.enqueueExtract(t, "acme", "sess-2")

	claimed, err := world.queue.Claim(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)

	world.clock.Advance(time.Second)
	requeued, err := world.queue.Requeue(ctx, claimed)
	require.NoError(t, err)
	require.True(t, requeued)

	// 重新入队刷新 queued_at，FIFO 排序键把任务排到队尾
	firstRow, err := world.store.GetTask(ctx, first.ID)
	require.NoError(t, err)
	secondRow, err := world.store.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, firstRow.QueuedAt.After(secondRow.QueuedAt))
	assert.True(t, firstRow.QueuedAt.After(firstRow.CreatedAt))

	// 再次重入队幂等失败：任务已不在原 agent 手中
	requeued, err = world.queue.Requeue(ctx, claimed)
	require.NoError(t, err)
	assert.False(t, requeued)

	next, err := world.queue.Claim(ctx, "agent-1", 0)
	require.NoError(t, err)
	assert.Equal(t, second.ID, next.ID)

	tail, err := world.queue.Claim(ctx, "agent-1", 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, tail.ID)
}

func TestFinalizeMarksTaskTerminal(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()
	task := world.enqueueExtract(t, "acme", "sess-1")

	err := world.queue.Finalize(ctx, task, constant.TaskStatusFailed, "session reached terminal state")
	require.NoError(t, err)

	row, err := world.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.TaskStatusFailed.String(), row.Status)
	assert.Equal(t, "session reached terminal state", row.ErrorMsg)
	require.NotNil(t, row.CompletedAt)

	sessionID := "sess-1"
	eventType := constant.EventTypeTaskCompleted.String()
	entries, _, err := world.store.QueryEvents(ctx, &model.EventLogQueryCondition{
		SessionID: &sessionID,
		EventType: &eventType,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
