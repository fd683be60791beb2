package constant

// =============================================
// Agent 状态常量
// =============================================

// AgentStatus agent 在线状态。缓存视图，权威数据是 last_heartbeat 时间戳。
type AgentStatus string

const (
	// AgentStatusOnline 心跳在阈值内
	AgentStatusOnline AgentStatus = "online"
	// AgentStatusOffline 心跳超过阈值
	AgentStatusOffline AgentStatus = "offline"
)

// String 返回状态的字符串值
func (s AgentStatus) String() string {
	return string(s)
}

// IsValid 检查状态是否有效
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusOnline, AgentStatusOffline:
		return true
	}
	return false
}

// =============================================
// 心跳与认领默认配置常量
// =============================================

const (
	// DefaultHeartbeatThresholdSeconds 心跳存活阈值：now - last_heartbeat 小于该值才算在线
	DefaultHeartbeatThresholdSeconds = 30
	// DefaultLivenessGraceSeconds 运行中任务的 agent 失联后，重新入队前的宽限期
	DefaultLivenessGraceSeconds = 15
	// DefaultClaimWaitSeconds 认领长轮询的默认等待时长
	DefaultClaimWaitSeconds = 20
	// MaxClaimWaitSeconds 认领长轮询允许的最大等待时长
	MaxClaimWaitSeconds = 60
	// DefaultSweepIntervalSeconds 失联回收与超时清扫的默认周期
	DefaultSweepIntervalSeconds = 10
)
