package hub

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenVerifier 校验 authenticate 消息携带的令牌并返回用户 id。
// 鉴权与建连解耦：未鉴权的连接照常接收公共事件。
type TokenVerifier func(token string) (userID string, err error)

// Hub 管理全部实时连接、频道订阅与事件广播。
// 进程级单例，经显式构造注入；注册表支持并发插入/删除/遍历。
type Hub struct {
	logger          *log.Logger
	verifyToken     TokenVerifier
	sweepInterval   time.Duration
	livenessTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*Client

	done chan struct{}
	once sync.Once
}

// New 创建通知中心。verifier 为 nil 时所有 authenticate 请求都会失败。
func New(verifier TokenVerifier, sweepInterval, livenessTimeout time.Duration, logger *log.Logger) *Hub {
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}
	if livenessTimeout <= 0 {
		livenessTimeout = 30 * time.Second
	}
	return &Hub{
		logger:          logger,
		verifyToken:     verifier,
		sweepInterval:   sweepInterval,
		livenessTimeout: livenessTimeout,
		clients:         make(map[string]*Client),
		done:            make(chan struct{}),
	}
}

// Serve 接管一条新连接：登记、回发 connection:established、启动读写循环。
// 读循环在当前 goroutine 运行，连接断开后返回。
func (h *Hub) Serve(conn Conn) {
	client := h.register(conn)

	go client.writeLoop(h)
	client.deliver(NewEvent(EventConnectionEstablished, map[string]any{
		"connectionId": client.id,
	}))

	client.readLoop(h)
}

// register 创建并登记一个客户端。
func (h *Hub) register(conn Conn) *Client {
	client := &Client{
		id:            uuid.NewString(),
		conn:          conn,
		subscriptions: make(map[string]struct{}),
		lastSeen:      time.Now(),
		send:          make(chan Event, sendBufferSize),
		done:          make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	return client
}

// Disconnect 移除连接及其订阅并关闭底层连接。
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	// send 不关闭：并发的 dispatch/Broadcast 可能还在投递，
	// 写循环通过 done 退出，之后的投递直接被丢弃
	client.shutdown()
	_ = client.conn.Close()
}

// ClientCount 返回当前连接数。
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// dispatch 处理一条入站协议消息。
func (h *Hub) dispatch(client *Client, msg inboundMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.Channel == "" {
			return
		}
		h.mu.Lock()
		client.subscriptions[msg.Channel] = struct{}{}
		h.mu.Unlock()
		client.deliver(NewEvent(EventSubscriptionConfirmed, map[string]any{
			"channel": msg.Channel,
		}))

	case "unsubscribe":
		if msg.Channel == "" {
			return
		}
		h.mu.Lock()
		delete(client.subscriptions, msg.Channel)
		h.mu.Unlock()
		client.deliver(NewEvent(EventUnsubscriptionConfirmed, map[string]any{
			"channel": msg.Channel,
		}))

	case "authenticate":
		h.authenticate(client, msg.Token)

	case "ping":
		h.touch(client)
		client.deliver(NewEvent(EventPong, nil))

	default:
		h.logger.Printf("连接 %s 发送了未知消息类型 %q", client.id, msg.Type)
	}
}

// authenticate 校验令牌；成功后该连接可以接收用户级事件。
func (h *Hub) authenticate(client *Client, token string) {
	if h.verifyToken == nil {
		client.deliver(NewEvent(EventAuthenticationError, map[string]any{
			"message": "authentication is not configured",
		}))
		return
	}

	userID, err := h.verifyToken(token)
	if err != nil || userID == "" {
		client.deliver(NewEvent(EventAuthenticationError, map[string]any{
			"message": "invalid token",
		}))
		return
	}

	h.mu.Lock()
	client.userID = userID
	h.mu.Unlock()

	client.deliver(NewEvent(EventAuthenticationSuccess, map[string]any{
		"userId": userID,
	}))
}

// touch 刷新连接的存活时间戳。
func (h *Hub) touch(client *Client) {
	h.mu.Lock()
	client.lastSeen = time.Now()
	h.mu.Unlock()
}

// Broadcast 向符合条件的连接尽力投递事件，投递无序且互不影响。
// targetChannel 非空时要求连接订阅了该频道；负载携带 userId 时
// 要求连接已以该用户身份完成鉴权。
func (h *Hub) Broadcast(event Event, targetChannel string) {
	targetUser, _ := event.Payload["userId"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if targetChannel != "" {
			if _, subscribed := client.subscriptions[targetChannel]; !subscribed {
				continue
			}
		}
		if targetUser != "" && client.userID != targetUser {
			continue
		}
		if !client.deliver(event) {
			h.logger.Printf("连接 %s 发送缓冲已满，事件 %s 被丢弃", client.id, event.Type)
		}
	}
}

// StartSweeper 启动周期性的存活巡检，直至 Shutdown。
func (h *Hub) StartSweeper() {
	go func() {
		ticker := time.NewTicker(h.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.sweep(time.Now())
			case <-h.done:
				return
			}
		}
	}()
}

// sweep 强制断开超过存活窗口没有心跳的连接。
func (h *Hub) sweep(now time.Time) {
	h.mu.RLock()
	var stale []string
	for id, client := range h.clients {
		if now.Sub(client.lastSeen) > h.livenessTimeout {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.logger.Printf("连接 %s 心跳超时，强制断开", id)
		h.Disconnect(id)
	}
}

// Shutdown 停止巡检并断开所有连接。
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.done) })

	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Disconnect(id)
	}
}
