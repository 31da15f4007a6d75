package queue

import (
	"context"
	"encoding/json"
	"time"

	"coursedrop/internal/repository"
)

const (
	// DefaultMaxAttempts 是未显式指定时的重试上限。
	DefaultMaxAttempts = 3
	// DefaultBackoffBase 是指数退避的基础延迟。
	DefaultBackoffBase = time.Second
	// maxBackoff 是单次退避延迟的上限。
	maxBackoff = 5 * time.Minute
	// maxPriority 是 AMQP 队列声明的优先级上限。
	maxPriority = 9
)

// Options 控制一次入队的调度参数。
type Options struct {
	Priority    int           // 数值越小越先执行，0 为最高
	Delay       time.Duration // 首次投递前的延迟
	MaxAttempts int           // 重试上限，0 取默认值
	BackoffBase time.Duration // 指数退避基础延迟，0 取默认值
}

// Enqueuer 是协调器依赖的入队/查询边界，便于测试替换。
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType repository.JobType, payload any, opts Options) (*repository.Job, error)
	Status(ctx context.Context, jobID string) (*repository.Job, error)
}

// envelope 是经过 broker 传递的消息体；任务数据本体以记录存储为准。
type envelope struct {
	JobID   string             `json:"job_id"`
	Type    repository.JobType `json:"type"`
	Attempt int                `json:"attempt"` // 即将执行的是第几次尝试
}

func encodeEnvelope(env envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	err := json.Unmarshal(body, &env)
	return env, err
}

// backoffDelay 计算第 attempt 次失败后的退避延迟（base·2^(attempt-1)，封顶）。
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// amqpPriority 将"越小越优先"的任务优先级映射到 AMQP 的"越大越优先"。
func amqpPriority(priority int) uint8 {
	if priority < 0 {
		priority = 0
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	return uint8(maxPriority - priority)
}
