package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"coursedrop/internal/cache"
	"coursedrop/internal/errs"
	"coursedrop/internal/repository"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker 是基于 RabbitMQ 的持久化任务队列。
// 每种任务类型一条持久优先级队列，外加一条通过死信路由回主队列的延迟队列；
// 延迟与重试退避都通过消息级 TTL 实现。
type Broker struct {
	conn    *amqp.Connection
	channel *amqp.Channel // 仅用于发布
	prefix  string
	jobs    repository.JobRepository
	cache   *cache.Cache
	logger  *log.Logger

	// declaredMu 保护 declared：批量上传会并发入队同一类型
	declaredMu sync.Mutex
	declared   map[repository.JobType]bool
}

// NewBroker 连接 RabbitMQ 并准备发布通道。
func NewBroker(amqpURL, prefix string, jobs repository.JobRepository, statusCache *cache.Cache, logger *log.Logger) (*Broker, error) {
	conn, err := connectWithRetry(amqpURL, 10, 5*time.Second, logger)
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &Broker{
		conn:     conn,
		channel:  channel,
		prefix:   prefix,
		jobs:     jobs,
		cache:    statusCache,
		logger:   logger,
		declared: make(map[repository.JobType]bool),
	}, nil
}

// connectWithRetry 按固定间隔重试建立 AMQP 连接。
func connectWithRetry(url string, maxRetries int, delay time.Duration, logger *log.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error

	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}

		if logger != nil {
			logger.Printf("连接 RabbitMQ 失败（第 %d/%d 次）: %v", i+1, maxRetries, err)
		}
		if i < maxRetries-1 {
			time.Sleep(delay)
		}
	}

	return nil, fmt.Errorf("connect rabbitmq after %d attempts: %w", maxRetries, err)
}

func (b *Broker) queueName(jobType repository.JobType) string {
	return fmt.Sprintf("%s.%s", b.prefix, jobType)
}

func (b *Broker) delayQueueName(jobType repository.JobType) string {
	return b.queueName(jobType) + ".delay"
}

// declareQueues 声明某任务类型的主队列与延迟队列（幂等，可并发调用）。
func (b *Broker) declareQueues(ch *amqp.Channel, jobType repository.JobType) error {
	if b.alreadyDeclared(jobType) {
		return nil
	}

	main := b.queueName(jobType)

	_, err := ch.QueueDeclare(
		main,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": int32(maxPriority + 1)},
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", main, err)
	}

	// 延迟队列：消息 TTL 到期后经默认交换机死信回主队列
	_, err = ch.QueueDeclare(
		b.delayQueueName(jobType),
		true, false, false, false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": main,
		},
	)
	if err != nil {
		return fmt.Errorf("declare delay queue for %s: %w", main, err)
	}

	b.markDeclared(jobType)
	return nil
}

func (b *Broker) markDeclared(jobType repository.JobType) {
	b.declaredMu.Lock()
	b.declared[jobType] = true
	b.declaredMu.Unlock()
}

func (b *Broker) alreadyDeclared(jobType repository.JobType) bool {
	b.declaredMu.Lock()
	defer b.declaredMu.Unlock()
	return b.declared[jobType]
}

// Enqueue 持久化任务记录并发布到对应队列。
// broker 不可用时任务记录被标记为失败，并向调用方返回队列类错误。
func (b *Broker) Enqueue(ctx context.Context, jobType repository.JobType, payload any, opts Options) (*repository.Job, error) {
	if b == nil || b.channel == nil {
		return nil, errs.New(errs.KindQueue, "job queue not initialized")
	}

	payloadBytes, err := marshalPayload(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindQueue, "encode job payload", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}

	now := time.Now().UTC()
	job := &repository.Job{
		ID:            uuid.NewString(),
		Type:          jobType,
		Priority:      opts.Priority,
		Payload:       payloadBytes,
		Status:        repository.JobStatusWaiting,
		MaxAttempts:   maxAttempts,
		BackoffBaseMS: backoffBase.Milliseconds(),
		ScheduledAt:   now.Add(opts.Delay),
		CreatedAt:     now,
	}

	job, err = b.jobs.Create(ctx, job)
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "persist job record", err)
	}

	if err := b.publish(ctx, job, 1, opts.Delay); err != nil {
		// 入队失败同步暴露给调用方，并留下失败的任务记录以供审计
		failed := repository.JobStatusFailed
		msg := err.Error()
		finished := time.Now().UTC()
		_ = b.jobs.Update(ctx, job.ID, repository.JobUpdate{
			Status:     &failed,
			Error:      &msg,
			FinishedAt: &finished,
		})
		return nil, errs.Wrap(errs.KindQueue, "publish job", err)
	}

	jobsEnqueued.WithLabelValues(string(jobType)).Inc()
	b.cacheJob(ctx, job, time.Hour)

	return job, nil
}

// publish 将任务信封发布到主队列，delay > 0 时走延迟队列。
func (b *Broker) publish(ctx context.Context, job *repository.Job, attempt int, delay time.Duration) error {
	if b == nil || b.channel == nil {
		return fmt.Errorf("publish channel not available")
	}
	if err := b.declareQueues(b.channel, job.Type); err != nil {
		return err
	}

	body, err := encodeEnvelope(envelope{JobID: job.ID, Type: job.Type, Attempt: attempt})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Priority:     amqpPriority(job.Priority),
		MessageId:    job.ID,
		Headers:      amqp.Table{"x-attempt": int32(attempt)},
	}

	routingKey := b.queueName(job.Type)
	if delay > 0 {
		routingKey = b.delayQueueName(job.Type)
		publishing.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	return b.channel.PublishWithContext(ctx,
		"",         // 默认交换机
		routingKey, // 路由到具名队列
		false,      // mandatory
		false,      // immediate
		publishing,
	)
}

// Status 返回任务的当前记录，优先读缓存快照，未命中时回源并回填。
func (b *Broker) Status(ctx context.Context, jobID string) (*repository.Job, error) {
	if b == nil || b.jobs == nil {
		return nil, errs.New(errs.KindQueue, "job queue not initialized")
	}

	if job, ok := b.cachedJob(ctx, jobID); ok {
		return job, nil
	}

	job, err := b.jobs.GetByID(ctx, jobID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, errs.Newf(errs.KindNotFound, "job %s not found", jobID)
		}
		return nil, errs.Wrap(errs.KindDatabase, "load job record", err)
	}

	b.cacheJob(ctx, job, time.Hour)
	return job, nil
}

// cacheJob 把任务记录序列化后写入快照缓存，失败只影响快路径。
func (b *Broker) cacheJob(ctx context.Context, job *repository.Job, ttl time.Duration) {
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	_ = b.cache.SetJob(ctx, job.ID, string(data), ttl)
}

// cachedJob 读取并解码任务快照，未命中或快照不可信时返回 false。
func (b *Broker) cachedJob(ctx context.Context, jobID string) (*repository.Job, bool) {
	data, err := b.cache.GetJob(ctx, jobID)
	if err != nil || data == "" {
		return nil, false
	}
	return decodeJobSnapshot(data, jobID)
}

func decodeJobSnapshot(data, jobID string) (*repository.Job, bool) {
	var job repository.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil || job.ID != jobID {
		return nil, false
	}
	return &job, true
}

// Close 关闭发布通道与连接。
func (b *Broker) Close() error {
	if b == nil {
		return nil
	}
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func marshalPayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
