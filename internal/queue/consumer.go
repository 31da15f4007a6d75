package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"coursedrop/internal/repository"

	"github.com/panjf2000/ants/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler 处理一种类型的任务，返回可选的结果负载。
// 返回错误触发按退避策略的重试；错误彼此隔离，不影响其他任务。
type Handler func(ctx context.Context, job *repository.Job) (json.RawMessage, error)

// registration 保存一种任务类型的消费配置与运行态。
type registration struct {
	jobType     repository.JobType
	handler     Handler
	concurrency int
	channel     *amqp.Channel
	pool        *ants.Pool
	consumerTag string
}

// Consumer 按任务类型注册处理器并以受限并发消费队列。
// 每种类型独立的 AMQP 通道 + worker 池，预取数等于并发上限。
type Consumer struct {
	broker    *Broker
	logger    *log.Logger
	republish func(ctx context.Context, job *repository.Job, attempt int, delay time.Duration) error

	mu            sync.Mutex
	registrations map[repository.JobType]*registration
	paused        bool
	started       bool
}

// NewConsumer 创建尚未启动的消费者。
func NewConsumer(broker *Broker, logger *log.Logger) *Consumer {
	return &Consumer{
		broker:        broker,
		logger:        logger,
		republish:     broker.publish,
		registrations: make(map[repository.JobType]*registration),
	}
}

// Register 注册一种任务类型的处理器及其最大并发处理数。
// 必须在 Start 之前调用。
func (c *Consumer) Register(jobType repository.JobType, handler Handler, concurrency int) error {
	if c == nil {
		return fmt.Errorf("consumer not initialized")
	}
	if handler == nil {
		return fmt.Errorf("nil handler for job type %s", jobType)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("cannot register %s after start", jobType)
	}
	if _, exists := c.registrations[jobType]; exists {
		return fmt.Errorf("handler already registered for %s", jobType)
	}

	c.registrations[jobType] = &registration{
		jobType:     jobType,
		handler:     handler,
		concurrency: concurrency,
	}
	return nil
}

// Start 为每个注册的类型打开通道并开始消费。
func (c *Consumer) Start(ctx context.Context) error {
	if c == nil || c.broker == nil || c.broker.conn == nil {
		return fmt.Errorf("consumer not initialized")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("consumer already started")
	}

	for _, reg := range c.registrations {
		channel, err := c.broker.conn.Channel()
		if err != nil {
			return fmt.Errorf("open channel for %s: %w", reg.jobType, err)
		}

		if err := c.broker.declareQueues(channel, reg.jobType); err != nil {
			channel.Close()
			return err
		}

		// 预取数限定 broker 侧的并行投递量
		if err := channel.Qos(reg.concurrency, 0, false); err != nil {
			channel.Close()
			return fmt.Errorf("set qos for %s: %w", reg.jobType, err)
		}

		pool, err := ants.NewPool(reg.concurrency)
		if err != nil {
			channel.Close()
			return fmt.Errorf("create worker pool for %s: %w", reg.jobType, err)
		}

		reg.channel = channel
		reg.pool = pool
		reg.consumerTag = fmt.Sprintf("%s-consumer", c.broker.queueName(reg.jobType))

		if err := c.consumeLocked(ctx, reg); err != nil {
			return err
		}
	}

	c.started = true
	return nil
}

// consumeLocked 启动一个注册类型的消费循环，调用方需持有锁。
func (c *Consumer) consumeLocked(ctx context.Context, reg *registration) error {
	deliveries, err := reg.channel.Consume(
		c.broker.queueName(reg.jobType),
		reg.consumerTag,
		false, // auto-ack 关闭，由处理结果决定
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", reg.jobType, err)
	}

	go func() {
		for delivery := range deliveries {
			d := delivery
			submitErr := reg.pool.Submit(func() {
				c.handleDelivery(ctx, reg, d)
			})
			if submitErr != nil {
				// 池已关闭，消息退回队列
				_ = d.Nack(false, true)
			}
		}
	}()

	return nil
}

// handleDelivery 执行一次任务处理并根据结果完成、重试或终止任务。
func (c *Consumer) handleDelivery(ctx context.Context, reg *registration, d amqp.Delivery) {
	env, err := decodeEnvelope(d.Body)
	if err != nil {
		c.logger.Printf("丢弃无法解析的消息（队列 %s）: %v", reg.jobType, err)
		_ = d.Nack(false, false)
		return
	}

	job, err := c.broker.jobs.GetByID(ctx, env.JobID)
	if err != nil {
		c.logger.Printf("任务 %s 记录读取失败: %v", env.JobID, err)
		// 记录存储暂不可用时退回队列等待重新投递
		_ = d.Nack(false, err != repository.ErrNotFound)
		return
	}

	attempt := env.Attempt
	if attempt < 1 {
		attempt = 1
	}
	// broker 重投（消费者崩溃等）视为新的一次尝试
	if d.Redelivered {
		attempt = job.Attempts + 1
	}
	if attempt > job.MaxAttempts {
		attempt = job.MaxAttempts
	}

	now := time.Now().UTC()
	active := repository.JobStatusActive
	if err := c.broker.jobs.Update(ctx, job.ID, repository.JobUpdate{
		Status:    &active,
		Attempts:  &attempt,
		StartedAt: &now,
	}); err != nil {
		c.logger.Printf("任务 %s 标记 active 失败: %v", job.ID, err)
	}
	job.Status = active
	job.Attempts = attempt
	job.StartedAt = &now
	c.broker.cacheJob(ctx, job, time.Hour)

	activeHandlers.WithLabelValues(string(reg.jobType)).Inc()
	result, handlerErr := reg.handler(ctx, job)
	activeHandlers.WithLabelValues(string(reg.jobType)).Dec()

	if handlerErr == nil {
		c.finishJob(ctx, job, result)
		_ = d.Ack(false)
		return
	}

	c.logger.Printf("任务 %s（第 %d/%d 次）失败: %v", job.ID, attempt, job.MaxAttempts, handlerErr)

	if attempt < job.MaxAttempts {
		c.scheduleRetry(ctx, job, attempt, handlerErr)
	} else {
		c.failJob(ctx, job, handlerErr)
	}
	_ = d.Ack(false)
}

func (c *Consumer) finishJob(ctx context.Context, job *repository.Job, result json.RawMessage) {
	completed := repository.JobStatusCompleted
	finished := time.Now().UTC()
	progress := 100
	if err := c.broker.jobs.Update(ctx, job.ID, repository.JobUpdate{
		Status:     &completed,
		Progress:   &progress,
		FinishedAt: &finished,
		Result:     result,
	}); err != nil {
		c.logger.Printf("任务 %s 标记 completed 失败: %v", job.ID, err)
	}
	job.Status = completed
	job.Progress = progress
	job.FinishedAt = &finished
	job.Result = result
	c.broker.cacheJob(ctx, job, 24*time.Hour)
	jobsCompleted.WithLabelValues(string(job.Type)).Inc()
}

// scheduleRetry 按指数退避把任务重新投递到延迟队列。
func (c *Consumer) scheduleRetry(ctx context.Context, job *repository.Job, attempt int, handlerErr error) {
	base := time.Duration(job.BackoffBaseMS) * time.Millisecond
	delay := backoffDelay(base, attempt)

	waiting := repository.JobStatusWaiting
	msg := handlerErr.Error()
	scheduledAt := time.Now().UTC().Add(delay)
	if err := c.broker.jobs.Update(ctx, job.ID, repository.JobUpdate{
		Status:      &waiting,
		Error:       &msg,
		ScheduledAt: &scheduledAt,
	}); err != nil {
		c.logger.Printf("任务 %s 标记重试失败: %v", job.ID, err)
	}
	job.Status = waiting
	job.Error = &msg
	job.ScheduledAt = scheduledAt
	c.broker.cacheJob(ctx, job, time.Hour)

	if err := c.republish(ctx, job, attempt+1, delay); err != nil {
		c.logger.Printf("任务 %s 重新入队失败: %v", job.ID, err)
		c.failJob(ctx, job, fmt.Errorf("requeue after failure: %w", err))
	}
}

func (c *Consumer) failJob(ctx context.Context, job *repository.Job, handlerErr error) {
	failed := repository.JobStatusFailed
	msg := handlerErr.Error()
	finished := time.Now().UTC()
	if err := c.broker.jobs.Update(ctx, job.ID, repository.JobUpdate{
		Status:     &failed,
		Error:      &msg,
		FinishedAt: &finished,
	}); err != nil {
		c.logger.Printf("任务 %s 标记 failed 失败: %v", job.ID, err)
	}
	job.Status = failed
	job.Error = &msg
	job.FinishedAt = &finished
	c.broker.cacheJob(ctx, job, 24*time.Hour)
	jobsFailed.WithLabelValues(string(job.Type)).Inc()
}

// Pause 停止向处理器分发新任务；在途任务继续执行完毕。
func (c *Consumer) Pause() error {
	if c == nil {
		return fmt.Errorf("consumer not initialized")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.paused {
		return nil
	}

	for _, reg := range c.registrations {
		if reg.channel == nil {
			continue
		}
		if err := reg.channel.Cancel(reg.consumerTag, false); err != nil {
			return fmt.Errorf("cancel consumer %s: %w", reg.jobType, err)
		}
	}

	c.paused = true
	return nil
}

// Resume 恢复任务分发。
func (c *Consumer) Resume(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("consumer not initialized")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || !c.paused {
		return nil
	}

	for _, reg := range c.registrations {
		if err := c.consumeLocked(ctx, reg); err != nil {
			return err
		}
	}

	c.paused = false
	return nil
}

// Stats 汇总各状态的任务数量与暂停标志。
type Stats struct {
	Counts repository.JobStatusCounts `json:"counts"`
	Paused bool                       `json:"paused"`
}

// Stats 查询队列的聚合统计。
func (c *Consumer) Stats(ctx context.Context) (Stats, error) {
	if c == nil || c.broker == nil {
		return Stats{}, fmt.Errorf("consumer not initialized")
	}

	counts, err := c.broker.jobs.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count jobs: %w", err)
	}

	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()

	return Stats{Counts: counts, Paused: paused}, nil
}

// Close 取消消费并释放 worker 池。
func (c *Consumer) Close() {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, reg := range c.registrations {
		if reg.channel != nil {
			_ = reg.channel.Cancel(reg.consumerTag, false)
			reg.channel.Close()
		}
		if reg.pool != nil {
			reg.pool.Release()
		}
	}
	c.started = false
}
