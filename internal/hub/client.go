package hub

import (
	"encoding/json"
	"sync"
	"time"
)

// Conn 抽象一条双向连接，*websocket.Conn 直接满足该接口。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// sendBufferSize 是单连接的待发事件缓冲；缓冲满时事件被丢弃（尽力投递）。
const sendBufferSize = 64

// Client 代表一个已连接的实时消费端，仅在连接存续期间由 Hub 持有。
// send 永不关闭；断开通过 done 通知写循环退出，晚到的投递只会被丢弃。
type Client struct {
	id            string
	conn          Conn
	userID        string
	subscriptions map[string]struct{}
	lastSeen      time.Time
	send          chan Event
	done          chan struct{}
	closeOnce     sync.Once
}

// ID 返回连接标识。
func (c *Client) ID() string {
	if c == nil {
		return ""
	}
	return c.id
}

// readLoop 逐条读取入站消息并分发，连接出错即退出。
// Hub 状态的修改全部回到 Hub 的方法里做，client 自身不加锁。
func (c *Client) readLoop(h *Hub) {
	defer h.Disconnect(c.id)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Printf("连接 %s 收到无法解析的消息: %v", c.id, err)
			continue
		}

		h.dispatch(c, msg)
	}
}

// writeLoop 从发送缓冲取事件写入连接，连接断开后退出。
func (c *Client) writeLoop(h *Hub) {
	for {
		select {
		case event := <-c.send:
			if err := c.conn.WriteJSON(event); err != nil {
				// 单连接写失败只记日志，不影响其它连接
				h.logger.Printf("连接 %s 写入失败: %v", c.id, err)
			}
		case <-c.done:
			return
		}
	}
}

// deliver 尽力投递一条事件；连接已断开或缓冲满时丢弃并返回 false。
func (c *Client) deliver(event Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// shutdown 通知写循环退出，可安全地重复调用。
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}
