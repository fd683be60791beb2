package redis

import (
	"context"
	"log"

	"github.com/go-redis/redis/v8"
)

// 任务入队唤醒广播使用的频道
const taskWakeupChannel = "form_mapper:task_wakeup"

// TaskWakeup 跨实例的任务认领唤醒，基于 redis 发布订阅。
// 入队方 Publish 租户 id，订阅方转发到 Channel 供认领循环消费。
type TaskWakeup struct {
	client *RedisClient
	sub    *redis.PubSub
	ch     chan string
}

// NewTaskWakeup 订阅唤醒频道并启动转发协程，ctx 结束后订阅随 Close 释放
func NewTaskWakeup(ctx context.Context, client *RedisClient) *TaskWakeup {
	w := &TaskWakeup{
		client: client,
		sub:    client.Subscribe(ctx, taskWakeupChannel),
		ch:     make(chan string, 64),
	}
	go w.forward()
	return w
}

// Publish 广播某租户有新任务入队
func (w *TaskWakeup) Publish(ctx context.Context, companyID string) error {
	return w.client.Publish(ctx, taskWakeupChannel, companyID).Err()
}

// Channel 返回唤醒消息流，订阅断开后关闭
func (w *TaskWakeup) Channel() <-chan string {
	return w.ch
}

func (w *TaskWakeup) Close() {
	if err := w.sub.Close(); err != nil {
		log.Println("redis wakeup close error:", err.Error())
	}
}

func (w *TaskWakeup) forward() {
	defer close(w.ch)
	for msg := range w.sub.Channel() {
		select {
		case w.ch <- msg.Payload:
		default:
			// 消费不及时直接丢弃，认领侧有超时重扫兜底
		}
	}
}
