package hub

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// Handler 返回把 HTTP 请求升级为 websocket 并交给 Hub 的处理器。
func Handler(h *Hub, allowedOrigins []string) http.HandlerFunc {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
			break
		}
		allowed[origin] = struct{}{}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade 已经写入了错误响应
			return
		}
		h.Serve(conn)
	}
}
