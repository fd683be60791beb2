package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form_mapper/constant"
	"form_mapper/model"
)

func TestHeartbeatRegistersAndRefreshes(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	agent, err := world.registry.Heartbeat(ctx, &HeartbeatInput{
		AgentID:   "agent-1",
		CompanyID: "acme",
		UserID:    "user-1",
		Hostname:  "runner-01",
		Platform:  "linux",
		Version:   "0.9.3",
	})
	require.NoError(t, err)
	assert.Equal(t, constant.AgentStatusOnline.String(), agent.Status)
	assert.Equal(t, "runner-01", agent.Hostname)
	require.NotNil(t, agent.LastHeartbeat)
	firstBeat := *agent.LastHeartbeat

	world.clock.Advance(10 * time.Second)
	agent, err = world.registry.Heartbeat(ctx, &HeartbeatInput{
		AgentID:   "agent-1",
		CompanyID: "acme",
		Version:   "0.9.4",
	})
	require.NoError(t, err)
	require.NotNil(t, agent.LastHeartbeat)
	assert.True(t, agent.LastHeartbeat.After(firstBeat))
	assert.Equal(t, "0.9.4", agent.Version)
	// 心跳没带的字段不清空
	assert.Equal(t, "runner-01", agent.Hostname)

	_, err = world.registry.Heartbeat(ctx, &HeartbeatInput{})
	assertErrorCode(t, err, model.ErrorEmptyId)
}

func TestIsLiveComparesHeartbeatAgainstThreshold(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()
	world.heartbeat(t, "agent-1")

	live, err := world.registry.IsLive(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, live)

	world.clock.Advance(29 * time.Second)
	live, err = world.registry.IsLive(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, live)

	// 到达阈值即失活
	world.clock.Advance(time.Second)
	live, err = world.registry.IsLive(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, live)

	live, err = world.registry.IsLive(ctx, "agent-unknown")
	require.NoError(t, err)
	assert.False(t, live)
}

func TestLiveAgentsExcludesStaleHeartbeats(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()

	world.heartbeat(t, "agent-stale")
	world.clock.Advance(31 * time.Second)
	world.heartbeat(t, "agent-fresh")
	world.heartbeatAs(t, "agent-other-tenant", "globex")

	agents, err := world.registry.LiveAgents(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-fresh", agents[0].ID)
}

func TestMarkLapsedIsCachedViewOnly(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()
	world.heartbeat(t, "agent-1")

	lapsed, err := world.registry.MarkLapsed(ctx)
	require.NoError(t, err)
	assert.Empty(t, lapsed)

	world.clock.Advance(31 * time.Second)
	lapsed, err = world.registry.MarkLapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, lapsed)

	agent, err := world.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, constant.AgentStatusOffline.String(), agent.Status)

	// 再次扫描不重复标记
	lapsed, err = world.registry.MarkLapsed(ctx)
	require.NoError(t, err)
	assert.Empty(t, lapsed)

	// 心跳恢复后 status 回 online，存活判定与 status 列无关
	world.heartbeat(t, "agent-1")
	agent, err = world.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, constant.AgentStatusOnline.String(), agent.Status)
	live, err := world.registry.IsLive(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, live)
}

func TestLapsedBeyondGraceWaitsOutGracePeriod(t *testing.T) {
	world := newTestWorld(nil)
	ctx := context.Background()
	world.heartbeat(t, "agent-1")

	// 过了阈值但还在宽限期内，不触发重新入队
	world.clock.Advance(40 * time.Second)
	ids, err := world.registry.LapsedBeyondGrace(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// 阈值 30s + 宽限 15s 之后才算彻底失联
	world.clock.Advance(6 * time.Second)
	ids, err = world.registry.LapsedBeyondGrace(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, ids)
}
